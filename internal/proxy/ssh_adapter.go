package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gnasses/Cisco-Provider-API/pkg/models"
)

// SSHAdapter implements Transport over interactive SSH shells
type SSHAdapter struct {
	config *SSHAdapterConfig
	logger *zap.Logger
}

// SSHAdapterConfig contains SSH adapter configuration
type SSHAdapterConfig struct {
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	PromptTimeout  time.Duration `mapstructure:"prompt_timeout"`
	MaxOutputSize  int           `mapstructure:"max_output_size"`
	KnownHostsFile string        `mapstructure:"known_hosts_file"`
	UseAgent       bool          `mapstructure:"use_agent"`
	Legacy         bool          `mapstructure:"legacy_algorithms"`
	KexAlgorithms  []string      `mapstructure:"kex_algorithms"`
	Ciphers        []string      `mapstructure:"ciphers"`
	MACs           []string      `mapstructure:"macs"`
}

// DefaultSSHConfig returns default SSH configuration
func DefaultSSHConfig() *SSHAdapterConfig {
	return &SSHAdapterConfig{
		CommandTimeout: 90 * time.Second,
		PromptTimeout:  10 * time.Second,
		MaxOutputSize:  10 * 1024 * 1024, // 10MB
		KexAlgorithms: []string{
			"curve25519-sha256",
			"curve25519-sha256@libssh.org",
			"ecdh-sha2-nistp256",
			"ecdh-sha2-nistp384",
			"ecdh-sha2-nistp521",
			"diffie-hellman-group14-sha256",
		},
		Ciphers: []string{
			"chacha20-poly1305@openssh.com",
			"aes256-gcm@openssh.com",
			"aes128-gcm@openssh.com",
			"aes256-ctr",
			"aes192-ctr",
			"aes128-ctr",
		},
		MACs: []string{
			"hmac-sha2-256-etm@openssh.com",
			"hmac-sha2-512-etm@openssh.com",
			"hmac-sha2-256",
			"hmac-sha2-512",
		},
	}
}

// Older IOS images only offer these
var (
	legacyKex     = []string{"diffie-hellman-group14-sha1", "diffie-hellman-group1-sha1"}
	legacyCiphers = []string{"aes128-cbc", "3des-cbc"}
	legacyMACs    = []string{"hmac-sha1"}
)

// NewSSHAdapter creates a new SSH adapter
func NewSSHAdapter(config *SSHAdapterConfig, logger *zap.Logger) *SSHAdapter {
	if config == nil {
		config = DefaultSSHConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SSHAdapter{
		config: config,
		logger: logger,
	}
}

// Open dials the device, authenticates, starts a shell and prepares the terminal
func (a *SSHAdapter) Open(ctx context.Context, profile models.CredentialProfile) (Session, error) {
	address := profile.Address()

	clientConfig, cleanup, err := a.clientConfig(profile)
	if err != nil {
		return nil, &models.ConnectError{Host: profile.Host, Profile: profile.Name, Err: err}
	}
	defer cleanup()

	dialer := &net.Dialer{Timeout: profile.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &models.ConnectError{Host: profile.Host, Profile: profile.Name, Err: err}
	}

	if profile.AuthTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(profile.AuthTimeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		conn.Close()
		if isAuthFailure(err) {
			return nil, &models.AuthError{Host: profile.Host, Profile: profile.Name, Username: profile.Username, Err: err}
		}
		return nil, &models.ConnectError{Host: profile.Host, Profile: profile.Name, Err: err}
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(c, chans, reqs)

	sess, err := a.startShell(ctx, client, profile)
	if err != nil {
		client.Close()
		return nil, &models.ConnectError{Host: profile.Host, Profile: profile.Name, Err: err}
	}

	a.logger.Debug("SSH session opened",
		zap.String("host", profile.Host),
		zap.String("profile", profile.Name),
		zap.String("prompt", sess.prompt),
	)
	return sess, nil
}

func (a *SSHAdapter) clientConfig(profile models.CredentialProfile) (*ssh.ClientConfig, func(), error) {
	cleanup := func() {}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if a.config.KnownHostsFile != "" {
		cb, err := knownhosts.New(a.config.KnownHostsFile)
		if err != nil {
			return nil, cleanup, fmt.Errorf("load known hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	password := profile.Password
	authMethods := []ssh.AuthMethod{
		ssh.Password(password),
		ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range questions {
				answers[i] = password
			}
			return answers, nil
		}),
	}

	if a.config.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			agentConn, err := net.Dial("unix", sock)
			if err != nil {
				a.logger.Warn("SSH agent unavailable", zap.Error(err))
			} else {
				authMethods = append(authMethods, ssh.PublicKeysCallback(agent.NewClient(agentConn).Signers))
				cleanup = func() { agentConn.Close() }
			}
		}
	}

	cfg := ssh.Config{
		KeyExchanges: append([]string(nil), a.config.KexAlgorithms...),
		Ciphers:      append([]string(nil), a.config.Ciphers...),
		MACs:         append([]string(nil), a.config.MACs...),
	}
	if a.config.Legacy {
		cfg.KeyExchanges = append(cfg.KeyExchanges, legacyKex...)
		cfg.Ciphers = append(cfg.Ciphers, legacyCiphers...)
		cfg.MACs = append(cfg.MACs, legacyMACs...)
	}

	return &ssh.ClientConfig{
		Config:          cfg,
		User:            profile.Username,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         profile.ConnectTimeout,
	}, cleanup, nil
}

func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

func (a *SSHAdapter) startShell(ctx context.Context, client *ssh.Client, profile models.CredentialProfile) (*sshSession, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("vt100", 200, 511, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to request PTY: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to get stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to get stdout: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to start shell: %w", err)
	}

	s := &sshSession{
		profile: profile,
		client:  client,
		session: session,
		stdin:   stdin,
		output:  make(chan []byte, 64),
		done:    make(chan struct{}),
		dialect: dialectFor(profile.Dialect),
		config:  a.config,
	}
	go s.readLoop(stdout)

	if err := s.prepare(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// sshSession is one interactive shell, driven by prompt detection
type sshSession struct {
	profile models.CredentialProfile
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	dialect dialectSpec
	config  *SSHAdapterConfig

	output  chan []byte
	readErr error
	done    chan struct{}

	mu      sync.Mutex
	pending bytes.Buffer
	tail    []byte
	prompt  string

	closed    atomic.Bool
	closeOnce sync.Once
}

func (s *sshSession) readLoop(r io.Reader) {
	defer close(s.output)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.output <- chunk:
			case <-s.done:
				return
			}
		}
		if err != nil {
			s.readErr = err
			return
		}
	}
}

// prepare discovers the prompt and disables paging
func (s *sshSession) prepare(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	timeout := s.config.PromptTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	isPrompt := func(buf string) bool { return promptPattern.MatchString(lastLine(buf)) }

	out, err := s.readUntil(ctx, timeout/4, isPrompt)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// some devices wait for a keystroke before printing the prompt
		if _, werr := io.WriteString(s.stdin, "\n"); werr != nil {
			return fmt.Errorf("write newline: %w", werr)
		}
		out, err = s.readUntil(ctx, timeout, isPrompt)
		if err != nil {
			return fmt.Errorf("prompt not found: %w", err)
		}
	}
	s.drain(200 * time.Millisecond)
	s.prompt = lastLine(out)

	for _, cmd := range s.dialect.prepCommands {
		if _, err := s.send(ctx, cmd, timeout); err != nil {
			return fmt.Errorf("prepare terminal (%s): %w", cmd, err)
		}
	}
	return nil
}

func (s *sshSession) Profile() models.CredentialProfile {
	return s.profile
}

// Send runs one command and waits for the prompt to come back
func (s *sshSession) Send(ctx context.Context, command string) (string, error) {
	if s.closed.Load() {
		return "", models.ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out, err := s.send(ctx, command, s.config.CommandTimeout)
	if err != nil {
		return "", err
	}
	return truncateOutput(out, s.config.MaxOutputSize), nil
}

// truncateOutput cuts out to at most max bytes without splitting a rune
func truncateOutput(out string, max int) string {
	if max <= 0 || len(out) <= max {
		return out
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(out[cut]) {
		cut--
	}
	return out[:cut]
}

func (s *sshSession) send(ctx context.Context, command string, timeout time.Duration) (string, error) {
	if _, err := fmt.Fprintf(s.stdin, "%s\n", command); err != nil {
		return "", fmt.Errorf("failed to send command: %w", err)
	}
	raw, err := s.readUntil(ctx, timeout, s.atPrompt)
	if err != nil {
		return "", err
	}
	return cleanOutput(raw, command), nil
}

func (s *sshSession) atPrompt(buf string) bool {
	line := lastLine(buf)
	if !promptPattern.MatchString(line) {
		return false
	}
	base := promptBase(s.prompt)
	return base == "" || strings.HasPrefix(line, base)
}

// readUntil accumulates output until match reports true on the buffered text.
// The buffer is consumed on success.
func (s *sshSession) readUntil(ctx context.Context, timeout time.Duration, match func(string) bool) (string, error) {
	if timeout <= 0 {
		timeout = DefaultSSHConfig().CommandTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if s.pending.Len() > 0 {
			if out := s.buffered(); match(out) {
				if len(s.tail) > 0 {
					// bytes between head and prompt were dropped
					out = s.pending.String() + "\n" + lastLine(out)
				}
				s.reset()
				return out, nil
			}
		}
		select {
		case chunk, ok := <-s.output:
			if !ok {
				err := s.readErr
				if err == nil || errors.Is(err, io.EOF) {
					err = io.ErrUnexpectedEOF
				}
				return "", fmt.Errorf("session ended: %w", err)
			}
			s.buffer(chunk)
		case <-timer.C:
			return "", fmt.Errorf("timed out after %s waiting for prompt", timeout)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// promptWindow is the trailing output kept once the head buffer is full,
// enough to hold the prompt line
const promptWindow = 4096

// buffer stores chunk. The head holds twice MaxOutputSize plus the command
// echo, leaving room for the CR bytes cleanOutput strips; past that only the
// last promptWindow bytes are kept for prompt matching.
func (s *sshSession) buffer(chunk []byte) {
	if s.config.MaxOutputSize <= 0 {
		s.pending.Write(chunk)
		return
	}
	if room := 2*s.config.MaxOutputSize + promptWindow - s.pending.Len(); room > 0 {
		n := min(room, len(chunk))
		s.pending.Write(chunk[:n])
		chunk = chunk[n:]
	}
	if len(chunk) == 0 {
		return
	}
	s.tail = append(s.tail, chunk...)
	if over := len(s.tail) - promptWindow; over > 0 {
		s.tail = append(s.tail[:0], s.tail[over:]...)
	}
}

func (s *sshSession) buffered() string {
	if len(s.tail) == 0 {
		return s.pending.String()
	}
	return s.pending.String() + string(s.tail)
}

func (s *sshSession) reset() {
	s.pending.Reset()
	s.tail = s.tail[:0]
}

// drain discards output that arrives within the quiet window
func (s *sshSession) drain(quiet time.Duration) {
	for {
		select {
		case _, ok := <-s.output:
			if !ok {
				return
			}
		case <-time.After(quiet):
			s.reset()
			return
		}
	}
}

func (s *sshSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		_, _ = fmt.Fprintf(s.stdin, "%s\n", s.dialect.exitCommand)
		close(s.done)
		_ = s.session.Close()
		err = s.client.Close()
		if err != nil && errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}
