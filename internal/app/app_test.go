package app_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gnasses/Cisco-Provider-API/internal/app"
	"github.com/gnasses/Cisco-Provider-API/internal/audit"
	"github.com/gnasses/Cisco-Provider-API/internal/config"
	"github.com/gnasses/Cisco-Provider-API/internal/credential"
	"github.com/gnasses/Cisco-Provider-API/internal/gateway"
	"github.com/gnasses/Cisco-Provider-API/internal/identity"
	"github.com/gnasses/Cisco-Provider-API/internal/proxy/proxytest"
	"github.com/gnasses/Cisco-Provider-API/pkg/models"
)

const nxosVersion = `Cisco Nexus Operating System (NX-OS) Software
  NXOS: version 9.3(8)
  Device name: n1`

func testConfig(lookupURL, counterURL string) *config.Config {
	lookup := credential.DefaultLookupConfig()
	lookup.URL = lookupURL
	return &config.Config{
		Profiles: []models.ProfileTemplate{
			{Name: "ro", Username: "rouser", Password: "ropass"},
			{Name: "ise", Source: models.SecretSourceLookup},
		},
		Lookup:  lookup,
		Counter: audit.Config{Enabled: counterURL != "", URL: counterURL},
		Gateway: gateway.DefaultConfig(),
	}
}

func TestBuildPipeline(t *testing.T) {
	vault := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"UserName":"svc","Content":"vaultpw"}`))
	}))
	defer vault.Close()

	var hits atomic.Int32
	counter := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer counter.Close()

	transport := proxytest.NewFakeTransport().
		FailProfile("ro", &models.AuthError{Host: "n1", Profile: "ro", Err: errors.New("denied")}).
		Respond("show version", nxosVersion)

	reg := prometheus.NewRegistry()
	pipeline, err := app.BuildPipeline(testConfig(vault.URL, counter.URL), transport, reg, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []string{"ro", "ise"}, pipeline.Profiles.Names())

	result, err := pipeline.Gateway.Run(context.Background(), gateway.Request{Host: "n1", Command: "show version"})
	require.NoError(t, err)
	assert.Equal(t, models.PlatformNXOS, result.Platform)
	assert.True(t, result.IsStructured())

	// the lookup profile connected with the vault secret
	profiles := transport.Profiles()
	require.NotEmpty(t, profiles)
	last := profiles[len(profiles)-1]
	assert.Equal(t, "ise", last.Name)
	assert.Equal(t, "svc", last.Username)

	pipeline.Gateway.Wait()
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, float64(2), promtest.ToFloat64(pipeline.Metrics.AttemptsCounter("ise", "connected")))
}

func TestBuildPipeline_InvalidProfiles(t *testing.T) {
	cfg := testConfig("", "")
	cfg.Profiles = nil
	_, err := app.BuildPipeline(cfg, proxytest.NewFakeTransport(), nil, zap.NewNop())
	assert.Error(t, err)

	cfg = testConfig("", "")
	_, err = app.BuildPipeline(cfg, proxytest.NewFakeTransport(), nil, zap.NewNop())
	assert.Error(t, err, "lookup profile without a lookup URL")
}

func TestNewCatalog_Overrides(t *testing.T) {
	builtin, err := app.NewCatalog("")
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.yaml"), []byte(`
platform: cisco_ios
templates:
  - command: sh[[ow]] proc[[esses]] cpu
    mode: record
    pattern: 'five seconds: (?P<five_sec>\d+)%'
`), 0o600))

	catalog, err := app.NewCatalog(dir)
	require.NoError(t, err)
	assert.Equal(t, builtin.Len()+1, catalog.Len())

	_, err = app.NewCatalog(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestOpenAccounts_Memory(t *testing.T) {
	repo, closeFn, err := app.OpenAccounts(context.Background(), config.DatabaseConfig{}, zap.NewNop())
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &identity.MemoryRepository{}, repo)
}
