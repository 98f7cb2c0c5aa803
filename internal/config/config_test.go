package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gnasses/Cisco-Provider-API/internal/api"
	"github.com/gnasses/Cisco-Provider-API/internal/config"
	"github.com/gnasses/Cisco-Provider-API/internal/gateway"
	"github.com/gnasses/Cisco-Provider-API/internal/policy"
	"github.com/gnasses/Cisco-Provider-API/pkg/models"
)

const sampleConfig = `
server:
  port: 9090
log:
  level: debug
ssh:
  command_timeout: 45s
profiles:
  - name: ro
    username: netops
    password: ${TEST_RO_PASS}
  - name: vault
    source: lookup
    dialect: cisco_ise
  - name: lab
    username: lab
    password: labpw
    port: 2222
lookup:
  url: https://vault.example.com/secret
  headers:
    Authorization: Bearer ${TEST_VAULT_TOKEN}
counter:
  enabled: true
  url: https://counter.example.com/hit
gateway:
  session_policy: reuse
  max_sessions_per_host: 1
policy:
  safe_commands:
    - show version
    - show clock
  blocked_commands:
    - reload*
auth:
  token_secret: s3cret
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_RO_PASS", "ropw")
	t.Setenv("TEST_VAULT_TOKEN", "tok")

	cfg, err := config.Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 45*time.Second, cfg.SSH.CommandTimeout)
	assert.NotEmpty(t, cfg.SSH.KexAlgorithms, "unset keys keep their defaults")

	require.Len(t, cfg.Profiles, 3)
	assert.Equal(t, "ropw", cfg.Profiles[0].Password)
	assert.Equal(t, models.SecretSourceLookup, cfg.Profiles[1].Source)
	assert.Equal(t, models.DialectISE, cfg.Profiles[1].Dialect)
	assert.Equal(t, 2222, cfg.Profiles[2].Port)

	// viper lowercases map keys
	assert.Equal(t, "Bearer tok", cfg.Lookup.Headers["authorization"])
	assert.Equal(t, "UserName", cfg.Lookup.UsernameField)

	assert.True(t, cfg.Counter.Enabled)
	assert.Equal(t, gateway.SessionReuse, cfg.Gateway.SessionPolicy)
	assert.Equal(t, int64(1), cfg.Gateway.MaxSessionsPerHost)
	assert.Equal(t, int64(64), cfg.Gateway.MaxSessions)
	assert.Equal(t, 600*time.Second, cfg.Auth.TokenTTL)

	set, err := cfg.ProfileSet()
	require.NoError(t, err)
	assert.Equal(t, []string{"ro", "vault", "lab"}, set.Names())
	assert.True(t, set.HasLookup())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TEST_RO_PASS", "ropw")
	t.Setenv("CPAPI_SERVER_PORT", "7070")
	t.Setenv("CPAPI_GATEWAY_SESSION_POLICY", "fresh")

	cfg, err := config.Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, gateway.SessionFresh, cfg.Gateway.SessionPolicy)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CPAPI_RO_USER", "ro")
	t.Setenv("CPAPI_RO_PASS", "ropw")
	t.Setenv("CPAPI_LAB_USER", "lab")
	t.Setenv("CPAPI_LAB_PASS", "labpw")

	cfg, err := config.Load(writeConfig(t, `
lookup:
  url: https://vault.example.com/secret
auth:
  token_secret: x
`))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.False(t, cfg.Database.Enabled())
	assert.Equal(t, gateway.SessionFresh, cfg.Gateway.SessionPolicy)
	assert.Equal(t, policy.DefaultSafeCommands, cfg.Policy.SafeCommands)
	assert.Nil(t, cfg.Policy.CommandPolicy())

	require.Len(t, cfg.Profiles, 3)
	assert.Equal(t, "ro", cfg.Profiles[0].Name)
	assert.Equal(t, "ise", cfg.Profiles[1].Name)
	assert.Equal(t, "lab", cfg.Profiles[2].Name)
	assert.Equal(t, "labpw", cfg.Profiles[2].Password)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *config.Config {
		return &config.Config{
			Server:   api.ServerConfig{Port: 8080},
			Profiles: []models.ProfileTemplate{{Name: "ro", Username: "u", Password: "p"}},
			Gateway:  gateway.DefaultConfig(),
			Policy:   config.PolicyConfig{SafeCommands: []string{"show version"}},
		}
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *config.Config)
		want   string
	}{
		{"bad port", func(c *config.Config) { c.Server.Port = 0 }, "server.port"},
		{"no profiles", func(c *config.Config) { c.Profiles = nil }, "credential profile"},
		{"bad profile", func(c *config.Config) {
			c.Profiles = []models.ProfileTemplate{{Name: "ro"}}
		}, "profiles[0]"},
		{"lookup without url", func(c *config.Config) {
			c.Profiles = append(c.Profiles, models.ProfileTemplate{Name: "v", Source: models.SecretSourceLookup})
		}, "lookup.url"},
		{"counter without url", func(c *config.Config) { c.Counter.Enabled = true }, "counter.url"},
		{"bad session policy", func(c *config.Config) { c.Gateway.SessionPolicy = "sticky" }, "session_policy"},
		{"empty allow list", func(c *config.Config) { c.Policy.SafeCommands = nil }, "safe_commands"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)

			var ve *models.ValidationErrors
			require.True(t, errors.As(err, &ve))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPolicyConfig(t *testing.T) {
	p := config.PolicyConfig{
		SafeCommands:    []string{"show version"},
		BlockedCommands: []string{"reload*", "write erase"},
	}

	assert.NoError(t, p.SafePolicy().Check("show version"))
	assert.ErrorIs(t, p.SafePolicy().Check("show run"), models.ErrCommandRejected)

	free := p.CommandPolicy()
	require.NotNil(t, free)
	assert.NoError(t, free.Check("show running-config"))
	assert.ErrorIs(t, free.Check("reload in 5"), models.ErrCommandRejected)
	assert.ErrorIs(t, free.Check("write erase"), models.ErrCommandRejected)
}

func TestDatabaseConfig(t *testing.T) {
	d := config.DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "cpapi"}
	assert.True(t, d.Enabled())
	assert.Equal(t, "postgres://u:p@db:5432/cpapi?sslmode=disable", d.ConnString())
}

func TestNewLogger(t *testing.T) {
	logger, err := config.NewLogger(config.LogConfig{Level: "debug", Encoding: "console"})
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = config.NewLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)

	_, err = config.NewLogger(config.LogConfig{Encoding: "xml"})
	assert.Error(t, err)
}
