// ABOUTME: HTTP routes and handlers for the gateway API and guarded asset pages
// ABOUTME: Every route passes the token check; API routes add the password session check

package gateway

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tasklink/tasklink/internal/assets"
	"github.com/tasklink/tasklink/internal/auth"
	"github.com/tasklink/tasklink/internal/hub"
	"github.com/tasklink/tasklink/internal/queue"
	"github.com/tasklink/tasklink/internal/store"
)

// routes builds the full handler tree. Static pages and assets go through
// the same token (and password) checks as the API so asset routes cannot be
// used to bypass auth.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	token := g.requireToken
	session := g.requireSession

	// Pages and assets.
	mux.Handle("GET /{$}", token(http.HandlerFunc(g.handleEntry)))
	mux.Handle("GET /password", token(http.HandlerFunc(g.handlePasswordPage)))
	mux.Handle("GET /app.js", token(session(assets.Handler())))
	// No session check: the password page itself needs the stylesheet.
	mux.Handle("GET /style.css", token(assets.Handler()))

	// Auth.
	mux.Handle("POST /api/auth/login", token(http.HandlerFunc(g.handleLogin)))

	// Queue.
	mux.Handle("GET /api/status", token(session(http.HandlerFunc(g.handleStatus))))
	mux.Handle("GET /api/queue", token(session(http.HandlerFunc(g.handleQueue))))
	mux.Handle("POST /api/queue/add", token(session(http.HandlerFunc(g.handleQueueAdd))))
	mux.Handle("POST /api/queue/reorder", token(session(http.HandlerFunc(g.handleQueueReorder))))
	mux.Handle("POST /api/queue/sort", token(session(http.HandlerFunc(g.handleQueueSort))))
	mux.Handle("POST /api/queue/clear", token(session(http.HandlerFunc(g.handleQueueClear))))
	mux.Handle("PUT /api/queue/{id}", token(session(http.HandlerFunc(g.handleQueueEdit))))
	mux.Handle("DELETE /api/queue/{id}", token(session(http.HandlerFunc(g.handleQueueRemove))))
	mux.Handle("POST /api/queue/{id}/duplicate", token(session(http.HandlerFunc(g.handleQueueDuplicate))))

	// Executor control and observation.
	mux.Handle("POST /api/control/{action}", token(session(http.HandlerFunc(g.handleControl))))
	mux.Handle("GET /api/output", token(session(http.HandlerFunc(g.handleOutput))))
	mux.Handle("GET /api/security/events", token(session(http.HandlerFunc(g.handleSecurityEvents))))

	// Realtime channel; the hub checks the token in the handshake itself.
	mux.Handle("/ws", g.hub)

	return mux
}

// requestToken extracts the process token from a request.
func requestToken(r *http.Request) string {
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimPrefix(authz, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// sessionToken extracts the session token from a request.
func sessionToken(r *http.Request) string {
	if v := r.Header.Get("x-session-token"); v != "" {
		return v
	}
	return r.URL.Query().Get("session")
}

// sourceID identifies the request origin for failure accounting. The
// connecting peer address is authoritative. X-Forwarded-For is honored
// only when the peer is the loopback funnel proxy, and only its last
// entry: the proxy strips client-sent values and writes the real peer
// address itself, so anything earlier in the list came from the client.
func sourceID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	fwd := r.Header.Get("X-Forwarded-For")
	if fwd == "" {
		return host
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return host
	}
	entries := strings.Split(fwd, ",")
	return strings.TrimSpace(entries[len(entries)-1])
}

// requireToken gates a route on the process token.
func (g *Gateway) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.auth.CheckAPIToken(requestToken(r)) {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireSession gates a route on a valid session when password mode is
// active; a no-op otherwise.
func (g *Gateway) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.auth.PasswordRequired() {
			if err := g.auth.CheckSession(sessionToken(r)); err != nil {
				writeJSONError(w, http.StatusUnauthorized, "session required")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// handleEntry serves the main page, or redirects to the password page when
// a session is still missing.
func (g *Gateway) handleEntry(w http.ResponseWriter, r *http.Request) {
	if g.auth.PasswordRequired() {
		if err := g.auth.CheckSession(sessionToken(r)); err != nil {
			http.Redirect(w, r, "/password?token="+requestToken(r), http.StatusSeeOther)
			return
		}
	}
	g.servePage(w, "index.html")
}

func (g *Gateway) handlePasswordPage(w http.ResponseWriter, _ *http.Request) {
	g.servePage(w, "password.html")
}

func (g *Gateway) servePage(w http.ResponseWriter, name string) {
	page, err := assets.Page(name)
	if err != nil {
		g.logger.Error("missing embedded page", "page", name, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(page)
}

type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	Success      bool   `json:"success"`
	Token        string `json:"token,omitempty"`
	Error        string `json:"error,omitempty"`
	AttemptsLeft *int   `json:"attemptsLeft,omitempty"`
}

// handleLogin runs the password check and issues a session. The password
// may arrive in the JSON body, the x-web-password header, or ?password=.
func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	// Local mode has no password subsystem; rejecting here keeps wrong
	// guesses from ever reaching the failure accounting.
	if !g.auth.PasswordRequired() {
		writeJSONError(w, http.StatusNotFound, "password login not enabled")
		return
	}

	var req loginRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	password := req.Password
	if password == "" {
		password = r.Header.Get("x-web-password")
	}
	if password == "" {
		password = r.URL.Query().Get("password")
	}

	src := sourceID(r)
	session, attemptsLeft, err := g.auth.CheckPassword(r.Context(), password, src)
	switch {
	case err == nil:
		g.audit(store.EventSessionIssued, src, "")
		writeJSON(w, http.StatusOK, loginResponse{Success: true, Token: session})
	case errors.Is(err, auth.ErrBlocked):
		writeJSON(w, http.StatusForbidden, loginResponse{Error: "blocked"})
	case errors.Is(err, auth.ErrTooManyAttempts):
		g.audit(store.EventAuthFailure, src, "lockout threshold crossed")
		zero := 0
		writeJSON(w, http.StatusForbidden, loginResponse{Error: "too many attempts", AttemptsLeft: &zero})
	case errors.Is(err, auth.ErrUnauthorized):
		g.audit(store.EventAuthFailure, src, "")
		writeJSON(w, http.StatusUnauthorized, loginResponse{Error: "invalid password", AttemptsLeft: &attemptsLeft})
	default:
		g.logger.Error("password check failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func (g *Gateway) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.Status())
}

type queueItemView struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	Status      string `json:"status"`
	CreatedAt   string `json:"createdAt"`
	WaitSeconds int    `json:"waitSeconds,omitempty"`
	Output      string `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (g *Gateway) handleQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"queue": g.queueView()})
}

func (g *Gateway) handleQueueAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := g.queue.Append(req.Message)
	if err != nil {
		g.writeQueueError(w, err)
		return
	}
	g.hub.BroadcastQueue()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

func (g *Gateway) handleQueueEdit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := g.queue.Edit(r.PathValue("id"), req.Text); err != nil {
		g.writeQueueError(w, err)
		return
	}
	g.hub.BroadcastQueue()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (g *Gateway) handleQueueRemove(w http.ResponseWriter, r *http.Request) {
	if err := g.queue.Remove(r.PathValue("id")); err != nil {
		g.writeQueueError(w, err)
		return
	}
	g.hub.BroadcastQueue()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (g *Gateway) handleQueueDuplicate(w http.ResponseWriter, r *http.Request) {
	id, err := g.queue.Duplicate(r.PathValue("id"))
	if err != nil {
		g.writeQueueError(w, err)
		return
	}
	g.hub.BroadcastQueue()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

func (g *Gateway) handleQueueReorder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FromIndex int `json:"fromIndex"`
		ToIndex   int `json:"toIndex"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := g.queue.Reorder(req.FromIndex, req.ToIndex); err != nil {
		g.writeQueueError(w, err)
		return
	}
	g.hub.BroadcastQueue()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (g *Gateway) handleQueueSort(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Field     string `json:"field"`
		Direction string `json:"direction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Direction == "" {
		req.Direction = string(queue.SortAsc)
	}

	if err := g.queue.Sort(queue.SortField(req.Field), queue.SortDirection(req.Direction)); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid sort parameters")
		return
	}
	g.hub.BroadcastQueue()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (g *Gateway) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	// Clearing destroys in-flight state; stop the executor first.
	if err := g.exec.StopProcessing(r.Context()); err != nil {
		g.logger.Warn("stopping executor before clear", "error", err)
	}
	g.queue.Clear()
	g.hub.BroadcastQueue()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleControl drives the external executor. Executor failures surface as
// handler errors, never gateway crashes.
func (g *Gateway) handleControl(w http.ResponseWriter, r *http.Request) {
	var err error
	switch r.PathValue("action") {
	case "start":
		err = g.exec.StartProcessing(r.Context())
	case "stop":
		err = g.exec.StopProcessing(r.Context())
	case "reset":
		if err = g.exec.StopProcessing(r.Context()); err == nil {
			err = g.exec.StartSession(r.Context())
		}
	case "interrupt":
		err = g.exec.Interrupt(r.Context())
	default:
		writeJSONError(w, http.StatusNotFound, "unknown control action")
		return
	}
	if err != nil {
		g.logger.Error("executor control failed", "action", r.PathValue("action"), "error", err)
		writeJSONError(w, http.StatusBadGateway, "executor error")
		return
	}
	g.hub.BroadcastStatus()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (g *Gateway) handleOutput(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"output": g.exec.Output()})
}

func (g *Gateway) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	events, err := g.security.RecentEvents(r.Context(), 100)
	if err != nil {
		g.logger.Error("listing security events", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	type eventView struct {
		Type      string `json:"type"`
		SourceID  string `json:"sourceId,omitempty"`
		Detail    string `json:"detail,omitempty"`
		Timestamp string `json:"timestamp"`
	}
	views := make([]eventView, len(events))
	for i, e := range events {
		views[i] = eventView{
			Type:      string(e.Type),
			SourceID:  e.SourceID,
			Detail:    e.Detail,
			Timestamp: e.Timestamp.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": views})
}

func (g *Gateway) queueView() []queueItemView {
	items := g.queue.Snapshot()
	now := time.Now()
	views := make([]queueItemView, len(items))
	for i, item := range items {
		views[i] = queueItemView{
			ID:          item.ID,
			Text:        hub.Truncate(item.Text),
			Status:      string(item.Status),
			CreatedAt:   item.CreatedAt.Format(time.RFC3339),
			WaitSeconds: item.WaitSeconds(now),
			Output:      hub.Truncate(item.Output),
			Error:       hub.Truncate(item.Error),
		}
	}
	return views
}

// writeQueueError maps queue sentinel errors to sanitized responses.
func (g *Gateway) writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "item not found")
	case errors.Is(err, queue.ErrInvalidState):
		writeJSONError(w, http.StatusConflict, "operation not allowed in current item state")
	case errors.Is(err, queue.ErrEmptyText):
		writeJSONError(w, http.StatusBadRequest, "text must not be empty")
	case errors.Is(err, queue.ErrIndexOutOfRange):
		writeJSONError(w, http.StatusBadRequest, "index out of range")
	default:
		g.logger.Error("queue operation failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
