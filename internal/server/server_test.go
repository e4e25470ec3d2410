package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-license-engine/internal/config"
	"github.com/rcourtman/pulse-license-engine/pkg/licensing"
)

func testConfig(t *testing.T, driver string) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir:         t.TempDir(),
		BindAddress:     "127.0.0.1",
		Port:            0,
		AdminKey:        "admin",
		StoreDriver:     driver,
		TrialDays:       30,
		DefaultPlanDays: 30,
		ExpiryLookahead: 72 * time.Hour,
		NotifyCooldown:  24 * time.Hour,
		ScanInterval:    time.Hour,
		MaxRetries:      3,
	}
}

func TestBuildMemory(t *testing.T) {
	app, err := Build(context.Background(), testConfig(t, config.DriverMemory))
	require.NoError(t, err)
	defer app.Close()

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildSQLitePersistsAcrossRestarts(t *testing.T) {
	cfg := testConfig(t, config.DriverSQLite)
	ctx := context.Background()

	app, err := Build(ctx, cfg)
	require.NoError(t, err)
	lic, err := app.Licenses.EnsureLicense(ctx, licensing.User{ID: "u-1", Username: "ana"})
	require.NoError(t, err)
	app.Close()

	assert.FileExists(t, filepath.Join(cfg.DataDir, "licensed.db"))

	app, err = Build(ctx, cfg)
	require.NoError(t, err)
	defer app.Close()
	again, err := app.Licenses.EnsureLicense(ctx, licensing.User{ID: "u-1", Username: "ana"})
	require.NoError(t, err)
	assert.Equal(t, lic.ID, again.ID)
}

func TestBuildRejectsBadPlansFile(t *testing.T) {
	cfg := testConfig(t, config.DriverMemory)
	cfg.PlansFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := Build(context.Background(), cfg)
	assert.Error(t, err)
}
