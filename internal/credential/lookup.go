package credential

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/gnasses/Cisco-Provider-API/pkg/models"
)

// LookupConfig configures the HTTP secret store client
type LookupConfig struct {
	URL                string            `mapstructure:"url"`
	Headers            map[string]string `mapstructure:"headers"`
	Query              map[string]string `mapstructure:"query"`
	UsernameField      string            `mapstructure:"username_field"`
	PasswordField      string            `mapstructure:"password_field"`
	InsecureSkipVerify bool              `mapstructure:"insecure_skip_verify"`
	Timeout            time.Duration     `mapstructure:"timeout"`
}

// DefaultLookupConfig returns the field names used by the vault API
func DefaultLookupConfig() LookupConfig {
	return LookupConfig{
		UsernameField: "UserName",
		PasswordField: "Content",
		Timeout:       30 * time.Second,
	}
}

// HTTPLookup reads one secret with a GET request against a vault endpoint
type HTTPLookup struct {
	config LookupConfig
	client *http.Client
}

// NewHTTPLookup creates a lookup client
func NewHTTPLookup(config LookupConfig) (*HTTPLookup, error) {
	if config.URL == "" {
		return nil, errors.New("lookup url is required")
	}
	if _, err := url.Parse(config.URL); err != nil {
		return nil, fmt.Errorf("invalid lookup url: %w", err)
	}
	defaults := DefaultLookupConfig()
	if config.UsernameField == "" {
		config.UsernameField = defaults.UsernameField
	}
	if config.PasswordField == "" {
		config.PasswordField = defaults.PasswordField
	}
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // vault uses an internal CA
	}

	return &HTTPLookup{
		config: config,
		client: &http.Client{Timeout: config.Timeout, Transport: transport},
	}, nil
}

// Lookup performs a single request. Any failure yields an error and no secret.
func (l *HTTPLookup) Lookup(ctx context.Context) (models.ResolvedSecret, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.config.URL, nil)
	if err != nil {
		return models.ResolvedSecret{}, err
	}
	if len(l.config.Query) > 0 {
		q := req.URL.Query()
		for k, v := range l.config.Query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
	for k, v := range l.config.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return models.ResolvedSecret{}, fmt.Errorf("secret lookup request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.ResolvedSecret{}, fmt.Errorf("read secret lookup response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.ResolvedSecret{}, fmt.Errorf("secret lookup failed (%d)", resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return models.ResolvedSecret{}, errors.New("secret lookup returned malformed json")
	}

	user := gjson.GetBytes(body, l.config.UsernameField)
	pass := gjson.GetBytes(body, l.config.PasswordField)
	if !user.Exists() || user.String() == "" {
		return models.ResolvedSecret{}, fmt.Errorf("secret lookup response missing %q", l.config.UsernameField)
	}
	if !pass.Exists() || pass.String() == "" {
		return models.ResolvedSecret{}, fmt.Errorf("secret lookup response missing %q", l.config.PasswordField)
	}

	return models.ResolvedSecret{
		Username: user.String(),
		Password: pass.String(),
	}, nil
}
