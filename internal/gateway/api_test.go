// ABOUTME: HTTP API tests exercising the gateway handler tree end to end
// ABOUTME: Covers token gating, password sessions, queue CRUD, and control

package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklink/tasklink/internal/config"
	"github.com/tasklink/tasklink/internal/executor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T, mutate func(*config.Config)) *Gateway {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	g, err := New(cfg, executor.NewNop(), nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(g.Close)
	return g
}

type apiClient struct {
	t     *testing.T
	base  string
	token string
	// session is attached as x-session-token when non-empty.
	session string
}

func (c *apiClient) do(method, path string, body any) (*http.Response, map[string]any) {
	c.t.Helper()

	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.base+path, buf)
	require.NoError(c.t, err)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.session != "" {
		req.Header.Set("x-session-token", c.session)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestAPIRejectsMissingToken(t *testing.T) {
	g := newTestGateway(t, nil)
	srv := httptest.NewServer(g.handler)
	defer srv.Close()

	for _, path := range []string{"/", "/password", "/api/queue", "/api/status", "/api/output", "/app.js", "/style.css"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "path %s", path)
	}
}

func TestAPIAcceptsTokenInQueryOrHeader(t *testing.T) {
	g := newTestGateway(t, nil)
	srv := httptest.NewServer(g.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/queue?token=" + g.Auth().Token())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	c := &apiClient{t: t, base: srv.URL, token: g.Auth().Token()}
	resp, _ = c.do(http.MethodGet, "/api/queue", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestQueueLifecycleOverHTTP(t *testing.T) {
	g := newTestGateway(t, nil)
	srv := httptest.NewServer(g.handler)
	defer srv.Close()
	c := &apiClient{t: t, base: srv.URL, token: g.Auth().Token()}

	// Add.
	resp, body := c.do(http.MethodPost, "/api/queue/add", map[string]string{"message": "review the deploy plan"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)

	// Empty text rejected.
	resp, _ = c.do(http.MethodPost, "/api/queue/add", map[string]string{"message": "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Edit.
	resp, _ = c.do(http.MethodPut, "/api/queue/"+id, map[string]string{"text": "review and sign off"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// List reflects the edit.
	resp, body = c.do(http.MethodGet, "/api/queue", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items, _ := body["queue"].([]any)
	require.Len(t, items, 1)
	first, _ := items[0].(map[string]any)
	assert.Equal(t, "review and sign off", first["text"])
	assert.Equal(t, "pending", first["status"])

	// Duplicate.
	resp, body = c.do(http.MethodPost, "/api/queue/"+id+"/duplicate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEqual(t, id, body["id"])
	assert.Equal(t, 2, g.Queue().Len())

	// Remove.
	resp, _ = c.do(http.MethodDelete, "/api/queue/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, g.Queue().Len())

	// Unknown ID.
	resp, _ = c.do(http.MethodDelete, "/api/queue/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Clear.
	resp, _ = c.do(http.MethodPost, "/api/queue/clear", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, g.Queue().Len())
}

func TestQueueEditRejectedForActiveItem(t *testing.T) {
	g := newTestGateway(t, nil)
	srv := httptest.NewServer(g.handler)
	defer srv.Close()
	c := &apiClient{t: t, base: srv.URL, token: g.Auth().Token()}

	id, err := g.Queue().Append("live item")
	require.NoError(t, err)
	require.NoError(t, g.Queue().MarkProcessing(id))

	resp, _ := c.do(http.MethodPut, "/api/queue/"+id, map[string]string{"text": "changed"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestQueueReorderValidation(t *testing.T) {
	g := newTestGateway(t, nil)
	srv := httptest.NewServer(g.handler)
	defer srv.Close()
	c := &apiClient{t: t, base: srv.URL, token: g.Auth().Token()}

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := g.Queue().Append(fmt.Sprintf("item %d", i))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	resp, _ := c.do(http.MethodPost, "/api/queue/reorder", map[string]int{"fromIndex": 2, "toIndex": 0})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	items := g.Queue().Snapshot()
	assert.Equal(t, ids[2], items[0].ID)

	resp, _ = c.do(http.MethodPost, "/api/queue/reorder", map[string]int{"fromIndex": 0, "toIndex": 9})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueueSortOverHTTP(t *testing.T) {
	g := newTestGateway(t, nil)
	srv := httptest.NewServer(g.handler)
	defer srv.Close()
	c := &apiClient{t: t, base: srv.URL, token: g.Auth().Token()}

	for _, text := range []string{"charlie", "alpha", "bravo"} {
		_, err := g.Queue().Append(text)
		require.NoError(t, err)
	}

	resp, _ := c.do(http.MethodPost, "/api/queue/sort", map[string]string{"field": "text"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	items := g.Queue().Snapshot()
	assert.Equal(t, "alpha", items[0].Text)
	assert.Equal(t, "charlie", items[2].Text)

	resp, _ = c.do(http.MethodPost, "/api/queue/sort", map[string]string{"field": "priority"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestControlEndpointsDriveExecutor(t *testing.T) {
	exec := executor.NewNop()
	cfg := config.Default()
	g, err := New(cfg, exec, nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(g.Close)

	srv := httptest.NewServer(g.handler)
	defer srv.Close()
	c := &apiClient{t: t, base: srv.URL, token: g.Auth().Token()}

	resp, _ := c.do(http.MethodPost, "/api/control/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, exec.Processing())

	resp, _ = c.do(http.MethodPost, "/api/control/interrupt", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, exec.Processing())

	resp, _ = c.do(http.MethodPost, "/api/control/launch", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOutputEndpoint(t *testing.T) {
	exec := executor.NewNop()
	exec.SetOutput("42 tests passed")
	g, err := New(config.Default(), exec, nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(g.Close)

	srv := httptest.NewServer(g.handler)
	defer srv.Close()
	c := &apiClient{t: t, base: srv.URL, token: g.Auth().Token()}

	resp, body := c.do(http.MethodGet, "/api/output", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "42 tests passed", body["output"])
}

func TestPasswordFlowOverHTTP(t *testing.T) {
	g := newTestGateway(t, func(cfg *config.Config) {
		cfg.Auth.WebPassword = "open sesame"
		cfg.Tunnel.Enabled = true
	})
	srv := httptest.NewServer(g.handler)
	defer srv.Close()
	c := &apiClient{t: t, base: srv.URL, token: g.Auth().Token()}

	// API is closed without a session.
	resp, _ := c.do(http.MethodGet, "/api/queue", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Wrong password counts down.
	resp, body := c.do(http.MethodPost, "/api/auth/login", map[string]string{"password": "wrong"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, float64(4), body["attemptsLeft"])

	// Right password yields a session that opens the API.
	resp, body = c.do(http.MethodPost, "/api/auth/login", map[string]string{"password": "open sesame"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	session, _ := body["token"].(string)
	require.NotEmpty(t, session)

	c.session = session
	resp, _ = c.do(http.MethodGet, "/api/queue", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoginDisabledInLocalMode(t *testing.T) {
	// Without password mode the login endpoint is inert: repeated wrong
	// guesses with a valid token must not feed the lockout machinery or
	// bring the gateway down.
	g := newTestGateway(t, nil)
	srv := httptest.NewServer(g.handler)
	defer srv.Close()
	c := &apiClient{t: t, base: srv.URL, token: g.Auth().Token()}

	for i := 0; i < 6; i++ {
		resp, _ := c.do(http.MethodPost, "/api/auth/login", map[string]string{"password": "guess"})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}

	assert.Equal(t, 0, g.Status().BlockedSources)
	blocked, err := g.Auth().BlockedCount(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, blocked)
}

func TestSourceIDTrustsOnlyLoopbackForwarding(t *testing.T) {
	build := func(remoteAddr, forwarded string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		r.RemoteAddr = remoteAddr
		if forwarded != "" {
			r.Header.Set("X-Forwarded-For", forwarded)
		}
		return r
	}

	// Direct connections: the peer address wins, forwarding is ignored.
	assert.Equal(t, "192.0.2.7", sourceID(build("192.0.2.7:4431", "")))
	assert.Equal(t, "192.0.2.7", sourceID(build("192.0.2.7:4431", "198.51.100.1")))
	assert.Equal(t, "192.0.2.7", sourceID(build("192.0.2.7:4431", "a, b, c")))

	// Loopback peer (the funnel proxy): the last forwarded entry is the
	// one the proxy appended.
	assert.Equal(t, "198.51.100.1", sourceID(build("127.0.0.1:9999", "198.51.100.1")))
	assert.Equal(t, "198.51.100.1", sourceID(build("127.0.0.1:9999", "fake1, fake2, 198.51.100.1")))
	assert.Equal(t, "127.0.0.1", sourceID(build("127.0.0.1:9999", "")))
}

func TestSpoofedForwardingCannotEvadeLockout(t *testing.T) {
	// An attacker rotating fabricated X-Forwarded-For values must not get
	// a fresh failure record per guess: attempts key on the peer address.
	g := newTestGateway(t, func(cfg *config.Config) {
		cfg.Auth.WebPassword = "secret"
		cfg.Tunnel.Enabled = true
	})

	login := func(forwarded string) int {
		body, err := json.Marshal(map[string]string{"password": "wrong"})
		require.NoError(t, err)
		r := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
		r.Header.Set("Authorization", "Bearer "+g.Auth().Token())
		r.Header.Set("X-Forwarded-For", forwarded)
		w := httptest.NewRecorder()
		g.handler.ServeHTTP(w, r)
		return w.Code
	}

	for i := 0; i < 4; i++ {
		assert.Equal(t, http.StatusUnauthorized, login(fmt.Sprintf("10.9.%d.1", i)))
	}
	assert.Equal(t, http.StatusForbidden, login("10.9.99.1"))

	blocked, err := g.Auth().BlockedCount(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, blocked)
}

func TestEntryRedirectsToPasswordPage(t *testing.T) {
	g := newTestGateway(t, func(cfg *config.Config) {
		cfg.Auth.WebPassword = "secret"
		cfg.Tunnel.Enabled = true
	})
	srv := httptest.NewServer(g.handler)
	defer srv.Close()

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := client.Get(srv.URL + "/?token=" + g.Auth().Token())
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Location"), "/password")

	// Without password mode the entry serves the app directly.
	open := newTestGateway(t, nil)
	openSrv := httptest.NewServer(open.handler)
	defer openSrv.Close()
	resp, err = client.Get(openSrv.URL + "/?token=" + open.Auth().Token())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSecurityEventsEndpoint(t *testing.T) {
	g := newTestGateway(t, func(cfg *config.Config) {
		cfg.Auth.WebPassword = "secret"
		cfg.Tunnel.Enabled = true
	})
	srv := httptest.NewServer(g.handler)
	defer srv.Close()
	c := &apiClient{t: t, base: srv.URL, token: g.Auth().Token()}

	// A failed login leaves an audit trail.
	resp, _ := c.do(http.MethodPost, "/api/auth/login", map[string]string{"password": "wrong"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, body := c.do(http.MethodPost, "/api/auth/login", map[string]string{"password": "secret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	c.session = body["token"].(string)
	resp, body = c.do(http.MethodGet, "/api/security/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events, _ := body["events"].([]any)
	require.NotEmpty(t, events)

	var types []string
	for _, e := range events {
		ev, _ := e.(map[string]any)
		types = append(types, ev["type"].(string))
	}
	assert.Contains(t, types, "auth_failure")
	assert.Contains(t, types, "session_issued")
}

func TestStatusEndpointSnapshot(t *testing.T) {
	g := newTestGateway(t, nil)
	srv := httptest.NewServer(g.handler)
	defer srv.Close()
	c := &apiClient{t: t, base: srv.URL, token: g.Auth().Token()}

	_, err := g.Queue().Append("one")
	require.NoError(t, err)

	resp, body := c.do(http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["running"])
	assert.Equal(t, float64(1), body["queueSize"])
	assert.Equal(t, true, body["ready"])
	assert.Equal(t, false, body["hasPassword"])
}
