// Package proxytest provides an in-memory Transport for tests.
package proxytest

import (
	"context"
	"errors"
	"sync"

	"github.com/gnasses/Cisco-Provider-API/internal/proxy"
	"github.com/gnasses/Cisco-Provider-API/pkg/models"
)

// ErrOpenLimit is returned once the transport's open limit is reached
var ErrOpenLimit = errors.New("fake transport: open limit reached")

// FakeTransport records every open, send and close it sees.
// Profiles fail or succeed by name, commands answer from a fixed table.
type FakeTransport struct {
	mu sync.Mutex

	failProfiles map[string]error
	responses    map[string]string
	sendErrors   map[string]error
	openLimit    int

	attempts []string
	profiles []models.CredentialProfile
	sent     []string
	opened   int
	closed   int
	open     int
	maxOpen  int
}

// NewFakeTransport creates a transport where every profile succeeds
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		failProfiles: make(map[string]error),
		responses:    make(map[string]string),
		sendErrors:   make(map[string]error),
	}
}

// FailProfile makes Open fail for the named profile
func (t *FakeTransport) FailProfile(name string, err error) *FakeTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failProfiles[name] = err
	return t
}

// Respond sets the output returned for command
func (t *FakeTransport) Respond(command, output string) *FakeTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responses[command] = output
	return t
}

// FailCommand makes Send fail for command
func (t *FakeTransport) FailCommand(command string, err error) *FakeTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErrors[command] = err
	return t
}

// LimitOpens makes every Open after the first n successful ones fail
func (t *FakeTransport) LimitOpens(n int) *FakeTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openLimit = n
	return t
}

// Open implements proxy.Transport
func (t *FakeTransport) Open(ctx context.Context, profile models.CredentialProfile) (proxy.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.attempts = append(t.attempts, profile.Name)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := t.failProfiles[profile.Name]; ok {
		return nil, err
	}
	if t.openLimit > 0 && t.opened >= t.openLimit {
		return nil, ErrOpenLimit
	}

	t.opened++
	t.open++
	if t.open > t.maxOpen {
		t.maxOpen = t.open
	}
	t.profiles = append(t.profiles, profile)
	return &FakeSession{transport: t, profile: profile}, nil
}

// Attempts returns the profile names passed to Open, in order
func (t *FakeTransport) Attempts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.attempts...)
}

// Profiles returns the profiles of successfully opened sessions
func (t *FakeTransport) Profiles() []models.CredentialProfile {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]models.CredentialProfile(nil), t.profiles...)
}

// Sent returns every command sent on any session, in order
func (t *FakeTransport) Sent() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.sent...)
}

// Opened returns the number of sessions opened
func (t *FakeTransport) Opened() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened
}

// Closed returns the number of sessions closed
func (t *FakeTransport) Closed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// MaxConcurrent returns the highest number of sessions open at once
func (t *FakeTransport) MaxConcurrent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxOpen
}

// FakeSession is a session handed out by FakeTransport
type FakeSession struct {
	transport *FakeTransport
	profile   models.CredentialProfile
	closed    bool
}

// Profile implements proxy.Session
func (s *FakeSession) Profile() models.CredentialProfile {
	return s.profile
}

// Send implements proxy.Session
func (s *FakeSession) Send(ctx context.Context, command string) (string, error) {
	t := s.transport
	t.mu.Lock()
	defer t.mu.Unlock()

	if s.closed {
		return "", models.ErrSessionClosed
	}
	t.sent = append(t.sent, command)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err, ok := t.sendErrors[command]; ok {
		return "", err
	}
	return t.responses[command], nil
}

// Close implements proxy.Session
func (s *FakeSession) Close() error {
	t := s.transport
	t.mu.Lock()
	defer t.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	t.closed++
	t.open--
	return nil
}
