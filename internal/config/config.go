// Package config loads the provider service configuration from a YAML file
// and CPAPI_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/gnasses/Cisco-Provider-API/internal/api"
	"github.com/gnasses/Cisco-Provider-API/internal/audit"
	"github.com/gnasses/Cisco-Provider-API/internal/credential"
	"github.com/gnasses/Cisco-Provider-API/internal/gateway"
	"github.com/gnasses/Cisco-Provider-API/internal/identity"
	"github.com/gnasses/Cisco-Provider-API/internal/policy"
	"github.com/gnasses/Cisco-Provider-API/internal/proxy"
	"github.com/gnasses/Cisco-Provider-API/pkg/models"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "CPAPI"

// Config is the complete service configuration
type Config struct {
	Server   api.ServerConfig         `mapstructure:"server"`
	Database DatabaseConfig           `mapstructure:"database"`
	Log      LogConfig                `mapstructure:"log"`
	SSH      proxy.SSHAdapterConfig   `mapstructure:"ssh"`
	Profiles []models.ProfileTemplate `mapstructure:"profiles"`
	Lookup   credential.LookupConfig  `mapstructure:"lookup"`
	Counter  audit.Config             `mapstructure:"counter"`
	Gateway  gateway.Config           `mapstructure:"gateway"`
	Policy   PolicyConfig             `mapstructure:"policy"`
	Parser   ParserConfig             `mapstructure:"parser"`
	Auth     identity.ServiceConfig   `mapstructure:"auth"`
}

// DatabaseConfig holds the account database settings. An empty host keeps
// accounts in memory.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// Enabled reports whether a database is configured
func (d DatabaseConfig) Enabled() bool {
	return d.Host != ""
}

// ConnString builds the pgx connection string
func (d DatabaseConfig) ConnString() string {
	sslmode := d.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, sslmode)
}

// PolicyConfig holds the command policies of the two command routes
type PolicyConfig struct {
	SafeCommands    []string `mapstructure:"safe_commands"`
	BlockedCommands []string `mapstructure:"blocked_commands"`
}

// SafePolicy returns the allow-list for the unauthenticated route
func (p PolicyConfig) SafePolicy() policy.CommandPolicy {
	return policy.NewAllowList(p.SafeCommands)
}

// CommandPolicy returns the policy for the authenticated route, or nil when
// no commands are blocked.
func (p PolicyConfig) CommandPolicy() policy.CommandPolicy {
	if len(p.BlockedCommands) == 0 {
		return nil
	}
	return policy.Chain{policy.AllowAll{}, policy.NewBlockList(p.BlockedCommands)}
}

// ParserConfig points at optional grammar overrides
type ParserConfig struct {
	TemplatesDir string `mapstructure:"templates_dir"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

// Load reads configuration from file (or the default search path when file is
// empty), applies CPAPI_* environment overrides and validates the result.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/cisco-provider/")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.expandSecrets()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit", 20)
	v.SetDefault("server.rate_burst", 40)

	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "cpapi")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "cpapi")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")

	ssh := proxy.DefaultSSHConfig()
	v.SetDefault("ssh.command_timeout", ssh.CommandTimeout)
	v.SetDefault("ssh.prompt_timeout", ssh.PromptTimeout)
	v.SetDefault("ssh.max_output_size", ssh.MaxOutputSize)
	v.SetDefault("ssh.known_hosts_file", "")
	v.SetDefault("ssh.use_agent", false)
	v.SetDefault("ssh.legacy_algorithms", true)
	v.SetDefault("ssh.kex_algorithms", ssh.KexAlgorithms)
	v.SetDefault("ssh.ciphers", ssh.Ciphers)
	v.SetDefault("ssh.macs", ssh.MACs)

	v.SetDefault("profiles", []map[string]interface{}{
		{"name": "ro", "source": "static", "username": "${CPAPI_RO_USER}", "password": "${CPAPI_RO_PASS}", "dialect": "cisco_ios"},
		{"name": "ise", "source": "lookup", "dialect": "cisco_ios"},
		{"name": "lab", "source": "static", "username": "${CPAPI_LAB_USER}", "password": "${CPAPI_LAB_PASS}", "dialect": "cisco_ios"},
	})

	lookup := credential.DefaultLookupConfig()
	v.SetDefault("lookup.url", "")
	v.SetDefault("lookup.username_field", lookup.UsernameField)
	v.SetDefault("lookup.password_field", lookup.PasswordField)
	v.SetDefault("lookup.insecure_skip_verify", false)
	v.SetDefault("lookup.timeout", lookup.Timeout)

	v.SetDefault("counter.enabled", false)
	v.SetDefault("counter.url", "")
	v.SetDefault("counter.insecure_skip_verify", false)
	v.SetDefault("counter.timeout", 5*time.Second)

	gw := gateway.DefaultConfig()
	v.SetDefault("gateway.session_policy", string(gw.SessionPolicy))
	v.SetDefault("gateway.max_sessions", gw.MaxSessions)
	v.SetDefault("gateway.max_sessions_per_host", gw.MaxSessionsPerHost)
	v.SetDefault("gateway.counter_timeout", gw.CounterTimeout)

	v.SetDefault("policy.safe_commands", policy.DefaultSafeCommands)
	v.SetDefault("policy.blocked_commands", []string{})

	v.SetDefault("parser.templates_dir", "")

	v.SetDefault("auth.token_secret", "")
	v.SetDefault("auth.token_ttl", 600*time.Second)
	v.SetDefault("auth.bcrypt_cost", 0)
}

// expandSecrets resolves ${VAR} references in credential fields
func (c *Config) expandSecrets() {
	for i := range c.Profiles {
		c.Profiles[i].Username = os.ExpandEnv(c.Profiles[i].Username)
		c.Profiles[i].Password = os.ExpandEnv(c.Profiles[i].Password)
	}
	for k, val := range c.Lookup.Headers {
		c.Lookup.Headers[k] = os.ExpandEnv(val)
	}
	for k, val := range c.Lookup.Query {
		c.Lookup.Query[k] = os.ExpandEnv(val)
	}
	c.Database.Password = os.ExpandEnv(c.Database.Password)
	c.Auth.TokenSecret = os.ExpandEnv(c.Auth.TokenSecret)
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	ve := &models.ValidationErrors{}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		ve.Addf("server.port %d out of range", c.Server.Port)
	}

	if len(c.Profiles) == 0 {
		ve.Addf("at least one credential profile is required")
	}
	needsLookup := false
	for i, tpl := range c.Profiles {
		if err := tpl.WithDefaults().Validate(); err != nil {
			ve.Addf("profiles[%d]: %v", i, err)
		}
		if tpl.Source == models.SecretSourceLookup {
			needsLookup = true
		}
	}
	if needsLookup && c.Lookup.URL == "" {
		ve.Addf("lookup.url is required by lookup profiles")
	}

	if c.Counter.Enabled && c.Counter.URL == "" {
		ve.Addf("counter.url is required when the counter is enabled")
	}

	switch c.Gateway.SessionPolicy {
	case gateway.SessionFresh, gateway.SessionReuse:
	default:
		ve.Addf("gateway.session_policy %q must be %q or %q",
			c.Gateway.SessionPolicy, gateway.SessionFresh, gateway.SessionReuse)
	}
	if c.Gateway.MaxSessions < 0 || c.Gateway.MaxSessionsPerHost < 0 {
		ve.Addf("gateway session limits must not be negative")
	}

	if len(c.Policy.SafeCommands) == 0 {
		ve.Addf("policy.safe_commands must not be empty")
	}

	if ve.HasErrors() {
		return ve
	}
	return nil
}

// ProfileSet builds the credential cascade from the configured profiles
func (c *Config) ProfileSet() (*credential.ProfileSet, error) {
	return credential.NewProfileSet(c.Profiles...)
}
