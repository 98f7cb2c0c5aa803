package proxy

import (
	"context"
	"time"

	"github.com/gnasses/Cisco-Provider-API/pkg/models"
)

// Session is an open interactive management session on one device
type Session interface {
	// Profile returns the credential profile the session was opened with
	Profile() models.CredentialProfile
	// Send writes one command and returns its output once the prompt returns
	Send(ctx context.Context, command string) (string, error)
	// Close tears the session down. Calling it more than once is safe.
	Close() error
}

// Transport opens sessions for resolved credential profiles
type Transport interface {
	Open(ctx context.Context, profile models.CredentialProfile) (Session, error)
}

// TransportFunc adapts a function to Transport
type TransportFunc func(ctx context.Context, profile models.CredentialProfile) (Session, error)

// Open calls f
func (f TransportFunc) Open(ctx context.Context, profile models.CredentialProfile) (Session, error) {
	return f(ctx, profile)
}

// AttemptState categorizes negotiation events
type AttemptState int

const (
	// AttemptTrying is emitted before a profile is resolved and opened
	AttemptTrying AttemptState = iota
	// AttemptFailed is emitted when a profile could not produce a session
	AttemptFailed
	// AttemptConnected is emitted when a profile produced a session
	AttemptConnected
)

func (s AttemptState) String() string {
	switch s {
	case AttemptTrying:
		return "trying"
	case AttemptFailed:
		return "failed"
	case AttemptConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// AttemptEvent reports the progress of a credential cascade
type AttemptEvent struct {
	State   AttemptState
	Host    string
	Profile string
	Index   int
	Latency time.Duration
	Err     error
}

// EventHandler is a callback for negotiation events
type EventHandler func(event AttemptEvent)
