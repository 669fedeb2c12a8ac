package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/edgegw/internal/config"
)

func adminURL(g *Gateway, path string) string {
	return "http://" + g.AdminAddr() + path
}

func TestAdmin_Endpoints(t *testing.T) {
	t.Parallel()

	upstream := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	api := route("api", "/api/*", "users", 10)
	api.Match.Methods = []string{"POST", "GET"}
	api.Pipeline = []config.StageConfig{
		{Kind: config.StageTimeout, Timeout: &config.TimeoutConfig{Duration: config.Duration(time.Second)}},
	}

	cfg := testConfig([]config.ServiceConfig{staticService("users", upstream)}, api)
	g := startGateway(t, cfg)

	resp, _ := get(t, "http://"+g.Addr()+"/api/list", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	t.Run("health", func(t *testing.T) {
		resp, body := get(t, adminURL(g, "/health"), nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var payload map[string]any
		require.NoError(t, json.Unmarshal([]byte(body), &payload))
		assert.Equal(t, "ok", payload["status"])
		assert.Equal(t, "running", payload["state"])
	})

	t.Run("ready", func(t *testing.T) {
		require.Eventually(t, func() bool {
			resp, _ := get(t, adminURL(g, "/ready"), nil)
			return resp.StatusCode == http.StatusOK
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("routes", func(t *testing.T) {
		resp, body := get(t, adminURL(g, "/routes"), nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var table RouteTableStatus
		require.NoError(t, json.Unmarshal([]byte(body), &table))
		assert.Equal(t, uint64(1), table.Generation)
		require.Len(t, table.Routes, 1)

		rs := table.Routes[0]
		assert.Equal(t, "api", rs.Name)
		assert.Equal(t, "users", rs.Service)
		assert.Equal(t, 10, rs.Priority)
		assert.Equal(t, "/api/*", rs.Path)
		assert.Equal(t, "prefix", rs.PathType)
		assert.Equal(t, []string{"GET", "POST"}, rs.Methods)
		assert.Equal(t, []string{"timeout"}, rs.Stages)
		assert.False(t, rs.Cached)
	})

	t.Run("services", func(t *testing.T) {
		resp, body := get(t, adminURL(g, "/services"), nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var services []ServiceStatus
		require.NoError(t, json.Unmarshal([]byte(body), &services))
		require.Len(t, services, 1)
		assert.Equal(t, "users", services[0].ID)
		assert.Equal(t, 1, services[0].Healthy)
		require.Len(t, services[0].Instances, 1)

		inst := services[0].Instances[0]
		assert.Equal(t, "users-1", inst.ID)
		assert.Equal(t, "healthy", inst.Status)
		assert.True(t, inst.Eligible)
		assert.GreaterOrEqual(t, inst.OpenConns, inst.IdleConns)
	})

	t.Run("metrics", func(t *testing.T) {
		require.Eventually(t, func() bool {
			_, body := get(t, adminURL(g, "/metrics"), nil)
			return strings.Contains(body, "test_requests_total") &&
				strings.Contains(body, "test_route_table_generation 1")
		}, 5*time.Second, 10*time.Millisecond)
	})
}

func TestAdmin_NotReadyWhenStopped(t *testing.T) {
	t.Parallel()

	g, err := New(testConfig(nil))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	newAdminEngine(g).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "gateway is stopped")
}
