package proxy

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gnasses/Cisco-Provider-API/pkg/models"
)

const nxosVersion = "Cisco Nexus Operating System (NX-OS) Software\nTAC support: http://www.cisco.com/tac\n  NXOS: version 9.3(8)"

// startIOSServer runs an SSH server that behaves like an IOS exec shell with hostname r1
func startIOSServer(t *testing.T, user, pass string, responses map[string]string) (string, ssh.PublicKey) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, p []byte) (*ssh.Permissions, error) {
			if c.User() == user && string(p) == pass {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, cfg, responses)
		}
	}()

	return ln.Addr().String(), signer.PublicKey()
}

func serveConn(raw net.Conn, cfg *ssh.ServerConfig, responses map[string]string) {
	sc, chans, reqs, err := ssh.NewServerConn(raw, cfg)
	if err != nil {
		raw.Close()
		return
	}
	defer sc.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range chReqs {
				switch req.Type {
				case "pty-req":
					_ = req.Reply(true, nil)
				case "shell":
					_ = req.Reply(true, nil)
					go func() {
						emulateIOS(ch, responses)
						ch.Close()
					}()
				default:
					_ = req.Reply(false, nil)
				}
			}
		}()
	}
}

func emulateIOS(ch ssh.Channel, responses map[string]string) {
	_, _ = ch.Write([]byte("\r\nr1#"))
	br := bufio.NewReader(ch)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(line)
		if cmd == "exit" {
			return
		}
		out := cmd + "\r\n"
		if cmd != "" {
			if resp, ok := responses[cmd]; ok {
				out += strings.ReplaceAll(resp, "\n", "\r\n") + "\r\n"
			} else if !strings.HasPrefix(cmd, "terminal ") {
				out += "% Invalid input detected at '^' marker.\r\n"
			}
		}
		out += "r1#"
		_, _ = ch.Write([]byte(out))
	}
}

func testProfile(addr, user, pass string) models.CredentialProfile {
	return models.CredentialProfile{
		Name:           "ro",
		Host:           addr,
		Username:       user,
		Password:       pass,
		Dialect:        models.DialectIOS,
		ConnectTimeout: 5 * time.Second,
		AuthTimeout:    5 * time.Second,
	}
}

func testAdapterConfig() *SSHAdapterConfig {
	cfg := DefaultSSHConfig()
	cfg.CommandTimeout = 5 * time.Second
	cfg.PromptTimeout = 4 * time.Second
	return cfg
}

func TestSSHAdapter_SendAndClose(t *testing.T) {
	addr, _ := startIOSServer(t, "admin", "secret", map[string]string{
		"show version": nxosVersion,
	})
	adapter := NewSSHAdapter(testAdapterConfig(), zap.NewNop())

	ctx := context.Background()
	session, err := adapter.Open(ctx, testProfile(addr, "admin", "secret"))
	require.NoError(t, err)

	out, err := session.Send(ctx, "show version")
	require.NoError(t, err)
	assert.Equal(t, nxosVersion, out)
	assert.Equal(t, models.PlatformNXOS, ClassifyOutput(out))

	out, err = session.Send(ctx, "show bogus")
	require.NoError(t, err)
	assert.Contains(t, out, "Invalid input")

	assert.Equal(t, "ro", session.Profile().Name)

	_ = session.Close()
	assert.NoError(t, session.Close())

	_, err = session.Send(ctx, "show version")
	assert.ErrorIs(t, err, models.ErrSessionClosed)
}

func TestSSHAdapter_TruncatesOutput(t *testing.T) {
	addr, _ := startIOSServer(t, "admin", "secret", map[string]string{
		"show version": nxosVersion,
	})
	cfg := testAdapterConfig()
	cfg.MaxOutputSize = 10
	adapter := NewSSHAdapter(cfg, zap.NewNop())

	session, err := adapter.Open(context.Background(), testProfile(addr, "admin", "secret"))
	require.NoError(t, err)
	defer session.Close()

	out, err := session.Send(context.Background(), "show version")
	require.NoError(t, err)
	assert.Equal(t, nxosVersion[:10], out)
}

func TestSSHAdapter_TruncatesLargeOutput(t *testing.T) {
	resp := strings.Repeat("interface GigabitEthernet1/0/1 description uplink to core\n", 5000)
	addr, _ := startIOSServer(t, "admin", "secret", map[string]string{
		"show running-config": resp,
	})
	cfg := testAdapterConfig()
	cfg.MaxOutputSize = 1000
	adapter := NewSSHAdapter(cfg, zap.NewNop())

	session, err := adapter.Open(context.Background(), testProfile(addr, "admin", "secret"))
	require.NoError(t, err)
	defer session.Close()

	out, err := session.Send(context.Background(), "show running-config")
	require.NoError(t, err)
	assert.Len(t, out, 1000)
	assert.True(t, strings.HasPrefix(resp, out))

	// the session is back at the prompt for the next command
	out, err = session.Send(context.Background(), "show bogus")
	require.NoError(t, err)
	assert.Contains(t, out, "Invalid input")
}

func TestSessionBuffer_Bounded(t *testing.T) {
	cfg := testAdapterConfig()
	cfg.MaxOutputSize = 100
	s := &sshSession{config: cfg, prompt: "r1#", output: make(chan []byte, 10002)}

	line := strings.Repeat("x", 63) + "\r\n"
	s.output <- []byte("show tech-support\r\n")
	for i := 0; i < 10000; i++ {
		s.output <- []byte(line)
	}
	s.output <- []byte("r1#")

	raw, err := s.readUntil(context.Background(), time.Second, s.atPrompt)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(raw), 2*cfg.MaxOutputSize+promptWindow+len("\nr1#"))
	assert.Equal(t, 0, s.pending.Len())
	assert.Empty(t, s.tail)

	out := truncateOutput(cleanOutput(raw, "show tech-support"), cfg.MaxOutputSize)
	assert.Equal(t, strings.Repeat("x", 63)+"\n"+strings.Repeat("x", 36), out)
}

func TestSessionBuffer_TailKeepsPrompt(t *testing.T) {
	cfg := testAdapterConfig()
	cfg.MaxOutputSize = 10
	s := &sshSession{config: cfg, prompt: "r1#"}

	for i := 0; i < 100; i++ {
		s.buffer([]byte(strings.Repeat("y", 1000)))
	}
	s.buffer([]byte("\r\nr1#"))

	assert.Equal(t, 2*cfg.MaxOutputSize+promptWindow, s.pending.Len())
	assert.Len(t, s.tail, promptWindow)
	assert.True(t, s.atPrompt(s.buffered()))
}

func TestTruncateOutput(t *testing.T) {
	cases := []struct {
		out  string
		max  int
		want string
	}{
		{"abc", 0, "abc"},
		{"abc", 5, "abc"},
		{"abcdef", 3, "abc"},
		{"h\u00e9llo", 2, "h"},
		{"h\u00e9llo", 3, "h\u00e9"},
		{"\u65e5\u672c", 4, "\u65e5"},
		{"\u65e5\u672c", 2, ""},
	}
	for _, tc := range cases {
		got := truncateOutput(tc.out, tc.max)
		assert.Equal(t, tc.want, got, "%q max %d", tc.out, tc.max)
		assert.True(t, utf8.ValidString(got))
	}
}

func TestSSHAdapter_AuthRejected(t *testing.T) {
	addr, _ := startIOSServer(t, "admin", "secret", nil)
	adapter := NewSSHAdapter(testAdapterConfig(), zap.NewNop())

	_, err := adapter.Open(context.Background(), testProfile(addr, "admin", "wrong"))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrAuthFailed)

	var ae *models.AuthError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "admin", ae.Username)
	assert.NotContains(t, err.Error(), "wrong")
}

func TestSSHAdapter_ConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	adapter := NewSSHAdapter(testAdapterConfig(), zap.NewNop())
	_, err = adapter.Open(context.Background(), testProfile(addr, "admin", "secret"))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConnectFailed)
	assert.NotErrorIs(t, err, models.ErrAuthFailed)
}

func TestSSHAdapter_KnownHosts(t *testing.T) {
	addr, hostKey := startIOSServer(t, "admin", "secret", nil)
	dir := t.TempDir()

	t.Run("matching key", func(t *testing.T) {
		path := filepath.Join(dir, "known_hosts_ok")
		require.NoError(t, os.WriteFile(path, []byte(knownhosts.Line([]string{addr}, hostKey)+"\n"), 0o600))

		cfg := testAdapterConfig()
		cfg.KnownHostsFile = path
		session, err := NewSSHAdapter(cfg, zap.NewNop()).Open(context.Background(), testProfile(addr, "admin", "secret"))
		require.NoError(t, err)
		session.Close()
	})

	t.Run("mismatched key", func(t *testing.T) {
		otherPub, _, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		other, err := ssh.NewPublicKey(otherPub)
		require.NoError(t, err)

		path := filepath.Join(dir, "known_hosts_bad")
		require.NoError(t, os.WriteFile(path, []byte(knownhosts.Line([]string{addr}, other)+"\n"), 0o600))

		cfg := testAdapterConfig()
		cfg.KnownHostsFile = path
		_, err = NewSSHAdapter(cfg, zap.NewNop()).Open(context.Background(), testProfile(addr, "admin", "secret"))
		require.Error(t, err)
		assert.ErrorIs(t, err, models.ErrConnectFailed)
	})
}

func TestCleanOutput(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		command string
		want    string
	}{
		{"echo and prompt", "show clock\r\n*10:00:00 UTC\r\nr1#", "show clock", "*10:00:00 UTC"},
		{"stale prompt before echo", "r1#show clock\r\n*10:00:00 UTC\r\nr1#", "show clock", "*10:00:00 UTC"},
		{"no echo", "*10:00:00 UTC\r\nr1#", "show clock", "*10:00:00 UTC"},
		{"empty output", "terminal length 0\r\nr1#", "terminal length 0", ""},
		{"multi line", "show ip int br\r\nline1\r\nline2\r\nr1>", "show ip int br", "line1\nline2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, cleanOutput(tc.raw, tc.command))
		})
	}
}

func TestPromptHelpers(t *testing.T) {
	assert.True(t, promptPattern.MatchString("r1#"))
	assert.True(t, promptPattern.MatchString("core-sw01>"))
	assert.True(t, promptPattern.MatchString("ise/admin#"))
	assert.True(t, promptPattern.MatchString("n9k(config)#"))
	assert.False(t, promptPattern.MatchString("Building configuration..."))
	assert.False(t, promptPattern.MatchString("interface Gi0/1 #"))

	assert.Equal(t, "r1#", lastLine("banner\r\nr1# "))
	assert.Equal(t, "r1", promptBase("r1#"))
	assert.Equal(t, []string{"terminal length 0"}, dialectFor(models.DialectISE).prepCommands)
	assert.Equal(t, dialects[models.DialectIOS].prepCommands, dialectFor("unknown").prepCommands)
}
