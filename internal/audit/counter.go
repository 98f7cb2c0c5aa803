// Package audit reports gateway usage to an external run counter.
package audit

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// UsageCounter is notified once per gateway invocation
type UsageCounter interface {
	Increment(ctx context.Context) error
}

// Config configures the HTTP usage counter
type Config struct {
	Enabled            bool          `mapstructure:"enabled"`
	URL                string        `mapstructure:"url"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	Timeout            time.Duration `mapstructure:"timeout"`
}

// HTTPCounter POSTs to a trigger endpoint for every invocation
type HTTPCounter struct {
	url    string
	client *http.Client
	logger *zap.Logger
	sent   atomic.Int64
	failed atomic.Int64
}

// NewHTTPCounter creates an HTTP usage counter
func NewHTTPCounter(config Config, logger *zap.Logger) (*HTTPCounter, error) {
	if config.URL == "" {
		return nil, errors.New("counter url is required")
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // counter runs on an internal host
	}

	return &HTTPCounter{
		url:    config.URL,
		client: &http.Client{Timeout: config.Timeout, Transport: transport},
		logger: logger,
	}, nil
}

// Increment implements UsageCounter
func (c *HTTPCounter) Increment(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, nil)
	if err != nil {
		c.failed.Add(1)
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.failed.Add(1)
		return fmt.Errorf("usage counter request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 400 {
		c.failed.Add(1)
		return fmt.Errorf("usage counter failed (%d)", resp.StatusCode)
	}

	c.sent.Add(1)
	c.logger.Debug("Usage counter incremented", zap.String("url", c.url))
	return nil
}

// Sent returns the number of successful increments
func (c *HTTPCounter) Sent() int64 {
	return c.sent.Load()
}

// Failed returns the number of failed increments
func (c *HTTPCounter) Failed() int64 {
	return c.failed.Load()
}

// NopCounter is used when usage counting is disabled
type NopCounter struct{}

// Increment implements UsageCounter
func (NopCounter) Increment(context.Context) error { return nil }

// New returns the counter described by config
func New(config Config, logger *zap.Logger) (UsageCounter, error) {
	if !config.Enabled {
		return NopCounter{}, nil
	}
	return NewHTTPCounter(config, logger)
}
