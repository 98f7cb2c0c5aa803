package models

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Dialect selects the prompt and session conventions of a device family
type Dialect string

const (
	DialectIOS  Dialect = "cisco_ios"
	DialectISE  Dialect = "cisco_ise"
	DialectNXOS Dialect = "cisco_nxos"
)

// Valid reports whether the dialect is known
func (d Dialect) Valid() bool {
	switch d {
	case DialectIOS, DialectISE, DialectNXOS:
		return true
	default:
		return false
	}
}

// SecretSource says where a profile template gets its secret from
type SecretSource string

const (
	SecretSourceStatic SecretSource = "static"
	SecretSourceLookup SecretSource = "lookup"
)

const (
	DefaultSSHPort        = 22
	DefaultConnectTimeout = 90 * time.Second
	DefaultAuthTimeout    = 90 * time.Second
)

// ProfileTemplate describes one credential strategy of the cascade.
// Lookup templates have no Username/Password until resolved.
type ProfileTemplate struct {
	Name           string        `json:"name" mapstructure:"name"`
	Username       string        `json:"username,omitempty" mapstructure:"username"`
	Password       string        `json:"-" mapstructure:"password"`
	Source         SecretSource  `json:"source" mapstructure:"source"`
	Dialect        Dialect       `json:"dialect" mapstructure:"dialect"`
	Port           int           `json:"port,omitempty" mapstructure:"port"`
	ConnectTimeout time.Duration `json:"connect_timeout" mapstructure:"connect_timeout"`
	AuthTimeout    time.Duration `json:"auth_timeout" mapstructure:"auth_timeout"`
}

// WithDefaults returns a copy with zero fields replaced by defaults
func (t ProfileTemplate) WithDefaults() ProfileTemplate {
	if t.Source == "" {
		t.Source = SecretSourceStatic
	}
	if t.Dialect == "" {
		t.Dialect = DialectIOS
	}
	if t.Port == 0 {
		t.Port = DefaultSSHPort
	}
	if t.ConnectTimeout == 0 {
		t.ConnectTimeout = DefaultConnectTimeout
	}
	if t.AuthTimeout == 0 {
		t.AuthTimeout = DefaultAuthTimeout
	}
	return t
}

// Validate checks the template in isolation
func (t ProfileTemplate) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidProfile)
	}
	if !t.Dialect.Valid() {
		return fmt.Errorf("%w: profile %q has unknown dialect %q", ErrInvalidProfile, t.Name, t.Dialect)
	}
	switch t.Source {
	case SecretSourceStatic:
		if t.Username == "" || t.Password == "" {
			return fmt.Errorf("%w: static profile %q needs username and password", ErrInvalidProfile, t.Name)
		}
	case SecretSourceLookup:
	default:
		return fmt.Errorf("%w: profile %q has unknown source %q", ErrInvalidProfile, t.Name, t.Source)
	}
	if t.Port < 0 || t.Port > 65535 {
		return fmt.Errorf("%w: profile %q has invalid port %d", ErrInvalidProfile, t.Name, t.Port)
	}
	if t.ConnectTimeout < 0 || t.AuthTimeout < 0 {
		return fmt.Errorf("%w: profile %q has negative timeout", ErrInvalidProfile, t.Name)
	}
	return nil
}

// Bind materializes the template for a host with the given secret
func (t ProfileTemplate) Bind(host string, secret ResolvedSecret) CredentialProfile {
	return CredentialProfile{
		Name:           t.Name,
		Host:           host,
		Port:           t.Port,
		Username:       secret.Username,
		Password:       secret.Password,
		Dialect:        t.Dialect,
		ConnectTimeout: t.ConnectTimeout,
		AuthTimeout:    t.AuthTimeout,
	}
}

// ResolvedSecret is a username/password pair fetched at connection time
type ResolvedSecret struct {
	Username string
	Password string
}

// CredentialProfile is a fully resolved set of connection parameters for one host
type CredentialProfile struct {
	Name           string
	Host           string
	Port           int
	Username       string
	Password       string
	Dialect        Dialect
	ConnectTimeout time.Duration
	AuthTimeout    time.Duration
}

// Address returns host:port. A port already present in Host wins.
func (p CredentialProfile) Address() string {
	if _, _, err := net.SplitHostPort(p.Host); err == nil {
		return p.Host
	}
	port := p.Port
	if port == 0 {
		port = DefaultSSHPort
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(port))
}

// String never includes the password
func (p CredentialProfile) String() string {
	return fmt.Sprintf("%s@%s (profile %s, %s)", p.Username, p.Address(), p.Name, p.Dialect)
}
