// ABOUTME: Websocket fan-out hub for realtime queue/status/output deltas
// ABOUTME: Admits clients by process token and evicts them on write failure

package hub

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/tasklink/tasklink/internal/queue"
)

// clientBufferSize is the per-connection outbound buffer. A client that
// falls this far behind starts losing deltas; it reconciles on reconnect.
const clientBufferSize = 64

// writeTimeout bounds a single websocket write so one stuck peer cannot
// wedge its writer goroutine forever.
const writeTimeout = 10 * time.Second

// TokenChecker validates the process token carried by the connection
// handshake. Satisfied by auth.Manager.
type TokenChecker interface {
	CheckAPIToken(candidate string) bool
}

// Hub maintains the set of connected realtime clients and fans out typed
// deltas. Delivery is at-most-once and best-effort: there is no replay, a
// newly connected client gets a full snapshot instead.
type Hub struct {
	auth   TokenChecker
	store  *queue.Store
	logger *slog.Logger

	// statusFn and outputFn supply the snapshot pieces the hub does not
	// own. Set by the gateway before serving.
	statusFn func() StatusSummary
	outputFn func() string

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan Message

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a hub over the given queue store.
func New(auth TokenChecker, store *queue.Store, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		auth:     auth,
		store:    store,
		logger:   logger.With("component", "hub"),
		statusFn: func() StatusSummary { return StatusSummary{} },
		outputFn: func() string { return "" },
		clients:  make(map[string]*client),
	}
}

// SetStatusFunc installs the provider for status snapshots.
func (h *Hub) SetStatusFunc(fn func() StatusSummary) {
	h.statusFn = fn
}

// SetOutputFunc installs the provider for the output buffer.
func (h *Hub) SetOutputFunc(fn func() string) {
	h.outputFn = fn
}

// ServeHTTP upgrades the connection, checks the handshake token, and admits
// the client. An invalid token closes the socket immediately with a policy
// violation code.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	if !h.auth.CheckAPIToken(handshakeToken(r)) {
		h.logger.Warn("realtime connection rejected", "remote", r.RemoteAddr)
		_ = conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}

	c := &client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan Message, clientBufferSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("realtime client connected", "client_id", c.id, "remote", r.RemoteAddr, "total", total)

	// Full snapshot first so the client never needs history.
	c.send <- h.initialState()

	go h.writeLoop(c)
	h.readLoop(r.Context(), c)
}

// handshakeToken extracts the process token from the upgrade request.
func handshakeToken(r *http.Request) string {
	if v := r.URL.Query().Get("token"); v != "" {
		return v
	}
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimPrefix(authz, "Bearer ")
	}
	return ""
}

func (h *Hub) initialState() Message {
	status := h.statusFn()
	return Message{
		Type:   MessageInitialState,
		Queue:  Summarize(h.store.Snapshot(), time.Now()),
		Status: &status,
		Output: Truncate(h.outputFn()),
	}
}

// writeLoop drains the client's send channel. Any write error evicts just
// this client.
func (h *Hub) writeLoop(c *client) {
	for {
		select {
		case msg := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, c.conn, msg)
			cancel()
			if err != nil {
				h.logger.Debug("write failed, evicting client", "client_id", c.id, "error", err)
				h.evict(c, websocket.StatusNormalClosure, "write failure")
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop discards inbound frames; the realtime channel is server-to-client
// only. It returns when the peer disconnects.
func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			h.evict(c, websocket.StatusNormalClosure, "")
			return
		}
	}
}

func (h *Hub) evict(c *client, code websocket.StatusCode, reason string) {
	h.mu.Lock()
	_, present := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close(code, reason)
	})
	if present {
		h.logger.Info("realtime client disconnected", "client_id", c.id)
	}
}

// Broadcast queues a message for every connected client. Clients whose
// buffers are full miss this delta; they catch up from the next snapshot.
func (h *Hub) Broadcast(msg Message) {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		select {
		case c.send <- msg:
		case <-c.done:
		default:
			h.logger.Debug("dropped delta for slow client", "client_id", c.id, "type", string(msg.Type))
		}
	}
}

// BroadcastQueue pushes the current queue snapshot to everyone.
func (h *Hub) BroadcastQueue() {
	h.Broadcast(QueueUpdate(h.store.Snapshot()))
}

// BroadcastStatus pushes the current status to everyone.
func (h *Hub) BroadcastStatus() {
	h.Broadcast(StatusUpdate(h.statusFn()))
}

// BroadcastOutput pushes the output buffer to everyone.
func (h *Hub) BroadcastOutput(output string) {
	h.Broadcast(OutputUpdate(output))
}

// ClientCount returns the number of admitted connections.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll disconnects every client. Used on gateway stop.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range targets {
		c.closeOnce.Do(func() {
			close(c.done)
			_ = c.conn.Close(websocket.StatusGoingAway, "gateway stopping")
		})
	}
}
