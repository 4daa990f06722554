package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vivibot/vivibot/internal/observability"
	"github.com/vivibot/vivibot/internal/reactionrole"
	reactionrolehttp "github.com/vivibot/vivibot/internal/reactionrole/http"
	"github.com/vivibot/vivibot/internal/storage"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", "bot.db")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, DriverSQLite, cfg.StorageDriver)
	require.Equal(t, 30*time.Second, cfg.AppRequestTimeout)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "mongo")
	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("JOBS_ENABLED", "true")
	_, err = LoadConfig()
	require.ErrorContains(t, err, "JOBS_ENABLED")

	t.Setenv("JOBS_ENABLED", "false")
	t.Setenv("LOG_FORMAT", "xml")
	_, err = LoadConfig()
	require.Error(t, err)
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, &Config{LogFormat: "json", AppEnv: "production", BotVersion: "1.2.3"}).Info("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "hello", line["msg"])
	require.Equal(t, "1.2.3", line["version"])

	buf.Reset()
	newLogger(&buf, nil).Info("plain")
	require.Contains(t, buf.String(), "msg=plain")
}

func TestRefreshTestMode(t *testing.T) {
	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())
	t.Setenv(testModeEnv, "0")
	RefreshTestMode()
	require.False(t, InTestMode())
}

func newTestRouter(t *testing.T, checks map[string]ReadinessCheck) http.Handler {
	t.Helper()
	reg := reactionrole.NewRegistry(reactionrole.Deps{Store: storage.NewMemory()})
	return NewRouter(RouterParams{
		Config:          &Config{AppEnv: "development", AppRequestTimeout: time.Second},
		ReactionRoles:   reactionrolehttp.NewHandler(nil, reg, nil),
		Metrics:         observability.NewMetrics(),
		ReadinessChecks: checks,
	})
}

func TestRouterEndpoints(t *testing.T) {
	router := newTestRouter(t, map[string]ReadinessCheck{
		"storage": func(context.Context) error { return nil },
	})

	for path, status := range map[string]int{
		"/healthz":                 http.StatusOK,
		"/readyz":                  http.StatusOK,
		"/metrics":                 http.StatusOK,
		"/api/v1/reaction-roles/":  http.StatusOK,
		"/api/v1/reaction-roles/7": http.StatusNotFound,
		"/nope":                    http.StatusNotFound,
	} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, status, rr.Code, path)
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
}

func TestReadinessReportsFailingDependency(t *testing.T) {
	router := newTestRouter(t, map[string]ReadinessCheck{
		"storage": func(context.Context) error { return nil },
		"redis":   func(context.Context) error { return errors.New("connection refused") },
	})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	require.Equal(t, "ok", body["storage"])
	require.Equal(t, "connection refused", body["redis"])
}

func TestOpenStorageDrivers(t *testing.T) {
	ctx := context.Background()
	logger := NewLogger(nil)

	mem, err := OpenStorage(ctx, &Config{StorageDriver: DriverMemory}, logger, nil)
	require.NoError(t, err)
	require.NoError(t, mem.Ping(ctx))
	mem.Close()

	path := filepath.Join(t.TempDir(), "vivibot.db")
	lite, err := OpenStorage(ctx, &Config{StorageDriver: DriverSQLite, SQLitePath: path}, logger, observability.NewMetrics())
	require.NoError(t, err)
	defer lite.Close()
	require.NoError(t, lite.Ping(ctx))
	rule, err := reactionrole.Create(ctx, reactionrole.Deps{Store: lite.Store}, reactionrole.RuleInput{MessageID: 1, Name: "r", Reaction: "🙂"})
	require.NoError(t, err)
	require.Positive(t, rule.ID())

	_, err = OpenStorage(ctx, &Config{StorageDriver: "mongo"}, logger, nil)
	require.Error(t, err)
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	server := NewServer(&Config{AppAddr: "127.0.0.1:0", AppReadTimeout: time.Second, AppWriteTimeout: time.Second}, http.NotFoundHandler())

	done := make(chan error, 1)
	go func() { done <- Serve(ctx, NewLogger(nil), server) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	bad := NewServer(&Config{AppAddr: "256.0.0.1:-1"}, http.NotFoundHandler())
	require.Error(t, Serve(context.Background(), NewLogger(nil), bad))
}
