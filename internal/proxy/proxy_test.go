package proxy_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gnasses/Cisco-Provider-API/internal/credential"
	"github.com/gnasses/Cisco-Provider-API/internal/proxy"
	"github.com/gnasses/Cisco-Provider-API/internal/proxy/proxytest"
	"github.com/gnasses/Cisco-Provider-API/pkg/models"
)

type lookupFunc func(ctx context.Context) (models.ResolvedSecret, error)

func (f lookupFunc) Lookup(ctx context.Context) (models.ResolvedSecret, error) { return f(ctx) }

func cascade(t *testing.T) *credential.ProfileSet {
	t.Helper()
	set, err := credential.NewProfileSet(
		models.ProfileTemplate{Name: "ro", Username: "rouser", Password: "ropass"},
		models.ProfileTemplate{Name: "vault", Source: models.SecretSourceLookup},
		models.ProfileTemplate{Name: "lab", Username: "labuser", Password: "labpass"},
	)
	require.NoError(t, err)
	return set
}

func vaultLookup(calls *int, secret models.ResolvedSecret, err error) lookupFunc {
	return func(ctx context.Context) (models.ResolvedSecret, error) {
		*calls++
		return secret, err
	}
}

func TestNegotiator_FirstProfileWins(t *testing.T) {
	transport := proxytest.NewFakeTransport()
	lookups := 0
	resolver := credential.NewResolver(vaultLookup(&lookups, models.ResolvedSecret{}, errors.New("unused")), zap.NewNop())
	n := proxy.NewNegotiator(cascade(t), resolver, transport, zap.NewNop())

	session, err := n.Negotiate(context.Background(), "r1")
	require.NoError(t, err)
	defer session.Close()

	assert.Equal(t, "ro", session.Profile().Name)
	assert.Equal(t, []string{"ro"}, transport.Attempts())
	assert.Equal(t, 0, lookups)
}

func TestNegotiator_FallsThroughToLookup(t *testing.T) {
	transport := proxytest.NewFakeTransport().
		FailProfile("ro", &models.AuthError{Host: "r2", Profile: "ro", Err: errors.New("denied")})
	lookups := 0
	resolver := credential.NewResolver(vaultLookup(&lookups, models.ResolvedSecret{Username: "ro", Password: "x"}, nil), zap.NewNop())
	n := proxy.NewNegotiator(cascade(t), resolver, transport, zap.NewNop())

	var events []proxy.AttemptEvent
	n.SetEventHandler(func(e proxy.AttemptEvent) { events = append(events, e) })

	session, err := n.Negotiate(context.Background(), "r2")
	require.NoError(t, err)
	defer session.Close()

	profile := session.Profile()
	assert.Equal(t, "vault", profile.Name)
	assert.Equal(t, "ro", profile.Username)
	assert.Equal(t, "x", profile.Password)
	assert.Equal(t, []string{"ro", "vault"}, transport.Attempts())
	assert.Equal(t, 1, lookups)

	require.Len(t, events, 4)
	assert.Equal(t, proxy.AttemptTrying, events[0].State)
	assert.Equal(t, proxy.AttemptFailed, events[1].State)
	assert.ErrorIs(t, events[1].Err, models.ErrAuthFailed)
	assert.Equal(t, proxy.AttemptTrying, events[2].State)
	assert.Equal(t, proxy.AttemptConnected, events[3].State)
	assert.Equal(t, "vault", events[3].Profile)
}

func TestNegotiator_LookupFailureMovesOn(t *testing.T) {
	transport := proxytest.NewFakeTransport().FailProfile("ro", errors.New("refused"))
	lookups := 0
	resolver := credential.NewResolver(vaultLookup(&lookups, models.ResolvedSecret{}, errors.New("vault down")), zap.NewNop())
	n := proxy.NewNegotiator(cascade(t), resolver, transport, zap.NewNop())

	session, err := n.Negotiate(context.Background(), "r3")
	require.NoError(t, err)
	defer session.Close()

	assert.Equal(t, "lab", session.Profile().Name)
	// the vault template never reaches the transport
	assert.Equal(t, []string{"ro", "lab"}, transport.Attempts())
	assert.Equal(t, 1, lookups)
}

func TestNegotiator_AllProfilesFail(t *testing.T) {
	transport := proxytest.NewFakeTransport().
		FailProfile("ro", errors.New("refused")).
		FailProfile("lab", &models.AuthError{Host: "r3", Profile: "lab", Err: errors.New("denied")})
	lookups := 0
	resolver := credential.NewResolver(vaultLookup(&lookups, models.ResolvedSecret{}, errors.New("vault down")), zap.NewNop())
	n := proxy.NewNegotiator(cascade(t), resolver, transport, zap.NewNop())

	session, err := n.Negotiate(context.Background(), "r3")
	require.Error(t, err)
	assert.Nil(t, session)
	assert.ErrorIs(t, err, models.ErrNoCredentialSucceeded)

	var nce *models.NoCredentialSucceededError
	require.ErrorAs(t, err, &nce)
	require.Len(t, nce.Attempts, 3)
	assert.ErrorIs(t, nce.Attempts[0], models.ErrConnectFailed)
	assert.ErrorIs(t, nce.Attempts[1], models.ErrResolutionFailed)
	assert.ErrorIs(t, nce.Attempts[2], models.ErrAuthFailed)
	assert.ErrorIs(t, err, models.ErrAuthFailed)

	assert.Equal(t, 0, transport.Opened())
	assert.Empty(t, transport.Sent())
}

func TestNegotiator_CancelledContext(t *testing.T) {
	transport := proxytest.NewFakeTransport()
	resolver := credential.NewResolver(nil, zap.NewNop())
	n := proxy.NewNegotiator(cascade(t), resolver, transport, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := n.Negotiate(ctx, "r1")
	assert.ErrorIs(t, err, models.ErrNoCredentialSucceeded)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, transport.Attempts())
}

func TestClassifyOutput(t *testing.T) {
	cases := []struct {
		name string
		text string
		want models.Platform
	}{
		{"nxos", "Cisco Nexus Operating System (NX-OS) Software\nBIOS: version 07.69", models.PlatformNXOS},
		{"ios", "Cisco IOS Software, C3750E Software (C3750E-UNIVERSALK9-M), Version 15.2(4)E10", models.PlatformIOS},
		{"ios xe", "Cisco IOS XE Software, Version 16.09.04", models.PlatformIOS},
		{"empty", "", models.PlatformIOS},
		{"garbage", "% Invalid input detected at '^' marker.", models.PlatformIOS},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, proxy.ClassifyOutput(tc.text))
		})
	}
}

func TestClassifier_Classify(t *testing.T) {
	transport := proxytest.NewFakeTransport().
		Respond(proxy.IntrospectionCommand, "Cisco Nexus Operating System (NX-OS) Software")
	session, err := transport.Open(context.Background(), models.CredentialProfile{Name: "ro", Host: "n9k"})
	require.NoError(t, err)

	c := proxy.NewClassifier(zap.NewNop())
	platform, err := c.Classify(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, models.PlatformNXOS, platform)
	assert.Equal(t, []string{"show version"}, transport.Sent())
	assert.Equal(t, 0, transport.Closed())
}

func TestClassifier_SendFailure(t *testing.T) {
	transport := proxytest.NewFakeTransport().
		FailCommand(proxy.IntrospectionCommand, errors.New("timed out"))
	session, err := transport.Open(context.Background(), models.CredentialProfile{Name: "ro", Host: "r1"})
	require.NoError(t, err)
	defer session.Close()

	c := proxy.NewClassifier(zap.NewNop())
	_, err = c.Classify(context.Background(), session)
	assert.ErrorIs(t, err, models.ErrClassificationFailed)

	var ce *models.ClassificationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "r1", ce.Host)
}

func TestExecutor_ClosesSession(t *testing.T) {
	t.Run("on success", func(t *testing.T) {
		transport := proxytest.NewFakeTransport().Respond("show clock", "*10:00:00.000 UTC Mon Jan 1 2024")
		session, err := transport.Open(context.Background(), models.CredentialProfile{Name: "ro", Host: "r1"})
		require.NoError(t, err)

		out, err := proxy.NewExecutor(zap.NewNop()).Execute(context.Background(), session, "show clock")
		require.NoError(t, err)
		assert.Equal(t, "*10:00:00.000 UTC Mon Jan 1 2024", out)
		assert.Equal(t, 1, transport.Opened())
		assert.Equal(t, 1, transport.Closed())
	})

	t.Run("on failure", func(t *testing.T) {
		transport := proxytest.NewFakeTransport().FailCommand("show tech", errors.New("timed out"))
		session, err := transport.Open(context.Background(), models.CredentialProfile{Name: "ro", Host: "r1"})
		require.NoError(t, err)

		_, err = proxy.NewExecutor(zap.NewNop()).Execute(context.Background(), session, "show tech")
		assert.ErrorIs(t, err, models.ErrExecutionFailed)
		assert.Equal(t, 1, transport.Closed())

		_, err = session.Send(context.Background(), "show clock")
		assert.ErrorIs(t, err, models.ErrSessionClosed)
	})
}
