package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/refinery/pkg/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func staticChecker(name string, status Status) Checker {
	return NewCustomChecker(name, func(ctx context.Context) (Status, string, error) {
		return status, "static", nil
	})
}

func TestService_CheckHealthAggregation(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"no checkers", nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"degraded wins over healthy", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy}, StatusUnhealthy},
		{"critical counts as unhealthy", []Status{StatusHealthy, StatusCritical}, StatusUnhealthy},
		{"unknown is ignored", []Status{StatusHealthy, StatusUnknown}, StatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(logging.NewDiscardLogger(), nil)
			for i, status := range tt.statuses {
				svc.RegisterChecker(string(rune('a'+i)), staticChecker(string(rune('a'+i)), status))
			}

			resp := svc.CheckHealth(context.Background())
			assert.Equal(t, tt.want, resp.Status)
			assert.Len(t, resp.Checks, len(tt.statuses))
		})
	}
}

func TestService_UnregisterChecker(t *testing.T) {
	svc := NewService(logging.NewDiscardLogger(), nil)
	svc.RegisterChecker("bad", staticChecker("bad", StatusUnhealthy))
	svc.UnregisterChecker("bad")

	assert.Equal(t, StatusHealthy, svc.CheckHealth(context.Background()).Status)
}

func TestService_Handlers(t *testing.T) {
	tests := []struct {
		name       string
		status     Status
		path       string
		wantStatus int
	}{
		{"health ok", StatusHealthy, "/health", http.StatusOK},
		{"health degraded", StatusDegraded, "/health", http.StatusPartialContent},
		{"health unhealthy", StatusUnhealthy, "/health", http.StatusServiceUnavailable},
		{"ready while degraded", StatusDegraded, "/ready", http.StatusOK},
		{"not ready", StatusUnhealthy, "/ready", http.StatusServiceUnavailable},
		{"live regardless", StatusUnhealthy, "/live", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(logging.NewDiscardLogger(), &Config{Timeout: time.Second, Metadata: map[string]string{"version": "test"}})
			svc.RegisterChecker("worker", staticChecker("worker", tt.status))

			router := gin.New()
			router.GET("/health", svc.Handler())
			router.GET("/ready", svc.ReadinessHandler())
			router.GET("/live", svc.LivenessHandler())

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.wantStatus, w.Code)

			if tt.path == "/health" {
				var resp HealthResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Equal(t, tt.status, resp.Checks["worker"].Status)
				assert.Equal(t, "test", resp.Metadata["version"])
			}
		})
	}
}

func TestHTTPChecker(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		status Status
	}{
		{"2xx healthy", http.StatusOK, StatusHealthy},
		{"4xx degraded", http.StatusNotFound, StatusDegraded},
		{"5xx unhealthy", http.StatusBadGateway, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
			}))
			defer server.Close()

			check := NewHTTPChecker(server.URL, "worker", time.Second).Check(context.Background())
			assert.Equal(t, tt.status, check.Status)
			assert.Equal(t, "worker", check.Name)
		})
	}

	t.Run("unreachable", func(t *testing.T) {
		check := NewHTTPChecker("http://127.0.0.1:1", "worker", 100*time.Millisecond).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, check.Status)
		assert.NotEmpty(t, check.Error)
	})
}

func TestRedisChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	check := NewRedisChecker(client, "redis").Check(context.Background())
	assert.Equal(t, StatusHealthy, check.Status)
	assert.Contains(t, check.Metadata, "total_connections")

	mr.Close()
	check = NewRedisChecker(client, "redis").Check(context.Background())
	assert.Equal(t, StatusUnhealthy, check.Status)

	check = NewRedisChecker(nil, "redis").Check(context.Background())
	assert.Equal(t, StatusUnhealthy, check.Status)
}

func TestCustomChecker_ErrorMarksUnhealthy(t *testing.T) {
	checker := NewCustomChecker("custom", func(ctx context.Context) (Status, string, error) {
		return StatusHealthy, "looked fine", errors.New("but was not")
	}).WithMetadata(map[string]string{"owner": "ops"})

	check := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, check.Status)
	assert.Equal(t, "but was not", check.Error)
	assert.Equal(t, "ops", check.Metadata["owner"])
}

func TestDirChecker(t *testing.T) {
	dir := t.TempDir()

	check := NewDirChecker(dir, "reports").Check(context.Background())
	assert.Equal(t, StatusHealthy, check.Status)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch file must be cleaned up")

	check = NewDirChecker(filepath.Join(dir, "missing"), "reports").Check(context.Background())
	assert.Equal(t, StatusUnhealthy, check.Status)

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	check = NewDirChecker(file, "reports").Check(context.Background())
	assert.Equal(t, StatusUnhealthy, check.Status)
}
