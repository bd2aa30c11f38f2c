// ABOUTME: Gateway orchestrator composing auth, queue, hub, and tunnel lifecycle
// ABOUTME: Owns start/stop, reachable-address resolution, and the lockout shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/tasklink/tasklink/internal/auth"
	"github.com/tasklink/tasklink/internal/config"
	"github.com/tasklink/tasklink/internal/executor"
	"github.com/tasklink/tasklink/internal/hub"
	"github.com/tasklink/tasklink/internal/queue"
	"github.com/tasklink/tasklink/internal/store"
	"github.com/tasklink/tasklink/internal/tunnel"
)

// ErrAlreadyRunning indicates Start was called while the gateway is active.
var ErrAlreadyRunning = errors.New("gateway already running")

// ErrNotRunning indicates an operation that requires an active gateway.
var ErrNotRunning = errors.New("gateway not running")

// ErrTransport wraps listener or tunnel setup failures. Start rejects with
// it and leaves the gateway fully stopped.
var ErrTransport = errors.New("transport setup failed")

// waitReleaseInterval is how often expired waiting items are flipped back
// to pending.
const waitReleaseInterval = time.Second

// Status is a read-only snapshot of the gateway, safe to poll.
type Status struct {
	Running        bool   `json:"running"`
	URL            string `json:"url,omitempty"`
	IsExternal     bool   `json:"isExternal"`
	HasPassword    bool   `json:"hasPassword"`
	BlockedSources int    `json:"blockedSourceCount"`
	Clients        int    `json:"connectedClients"`
	QueueSize      int    `json:"queueSize"`
	Ready          bool   `json:"ready"`
	Processing     bool   `json:"processing"`
}

// Gateway binds the listening socket, resolves a reachable address, and
// composes the auth manager, queue store, and broadcast hub behind one
// lifecycle. One instance owns all of its state; nothing is process-global.
type Gateway struct {
	cfg      *config.Config
	queue    *queue.Store
	auth     *auth.Manager
	hub      *hub.Hub
	security *store.SecurityStore
	exec     executor.Executor
	tunnel   tunnel.Provider
	handler  http.Handler
	logger   *slog.Logger

	mu         sync.Mutex
	running    bool
	listener   net.Listener
	httpServer *http.Server
	pairingURL string
	baseURL    string
	stopWaits  chan struct{}
}

// New wires a gateway instance. The tunnel provider may be nil when the
// config does not enable external exposure.
func New(cfg *config.Config, exec executor.Executor, tun tunnel.Provider, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if exec == nil {
		exec = executor.NewNop()
	}

	security, err := store.NewSecurityStore()
	if err != nil {
		return nil, fmt.Errorf("creating security store: %w", err)
	}

	authMgr, err := auth.NewManager(auth.Config{
		WebPassword:       cfg.Auth.WebPassword,
		UseExternalServer: cfg.Tunnel.Enabled,
		LockoutThreshold:  cfg.Auth.LockoutThreshold,
	}, security, logger)
	if err != nil {
		security.Close()
		return nil, fmt.Errorf("creating auth manager: %w", err)
	}

	g := &Gateway{
		cfg:      cfg,
		queue:    queue.NewStore(),
		auth:     authMgr,
		security: security,
		exec:     exec,
		tunnel:   tun,
		logger:   logger.With("component", "gateway"),
	}
	g.hub = hub.New(authMgr, g.queue, logger)
	g.hub.SetStatusFunc(g.statusSummary)
	g.hub.SetOutputFunc(exec.Output)
	g.handler = g.routes()

	authMgr.OnLockout(g.handleLockout)
	return g, nil
}

// Auth exposes the auth manager, mainly for pairing-link display.
func (g *Gateway) Auth() *auth.Manager { return g.auth }

// Queue exposes the queue store for the local UI side of the process.
func (g *Gateway) Queue() *queue.Store { return g.queue }

// NotifyQueue pushes the current queue snapshot to connected clients.
// Called by the local side after it mutates the store directly.
func (g *Gateway) NotifyQueue() { g.hub.BroadcastQueue() }

// NotifyStatus pushes the current executor status to connected clients.
func (g *Gateway) NotifyStatus() { g.hub.BroadcastStatus() }

// NotifyOutput pushes new executor output to connected clients.
func (g *Gateway) NotifyOutput(output string) { g.hub.BroadcastOutput(output) }

// Start binds an ephemeral port on all interfaces, resolves the reachable
// URL (tunnel or LAN), and begins serving. Returns the pairing URL with the
// process token embedded; the password, if any, is never part of it.
func (g *Gateway) Start(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return "", ErrAlreadyRunning
	}

	addr := net.JoinHostPort(g.cfg.Server.Host, strconv.Itoa(g.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("%w: listening on %s: %v", ErrTransport, addr, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	baseURL := ""
	if g.cfg.Tunnel.Enabled {
		if g.tunnel == nil {
			_ = ln.Close()
			return "", fmt.Errorf("%w: external mode enabled but no tunnel provider", ErrTransport)
		}
		publicURL, err := g.tunnel.Connect(ctx, port)
		if err != nil {
			_ = ln.Close()
			return "", fmt.Errorf("%w: opening tunnel: %v", ErrTransport, err)
		}
		baseURL = publicURL
	} else {
		host := firstLANAddress()
		baseURL = fmt.Sprintf("http://%s:%d", host, port)
	}

	g.httpServer = &http.Server{
		Handler:           g.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func(srv *http.Server, ln net.Listener) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("http server stopped", "error", err)
		}
	}(g.httpServer, ln)

	g.stopWaits = make(chan struct{})
	go g.releaseWaitsLoop(g.stopWaits)

	g.listener = ln
	g.baseURL = baseURL
	g.pairingURL = baseURL + "/?token=" + g.auth.Token()
	g.running = true

	g.audit(store.EventGatewayStart, "", baseURL)
	g.logger.Info("gateway started", "url", baseURL, "external", g.cfg.Tunnel.Enabled, "password", g.auth.PasswordRequired())
	return g.pairingURL, nil
}

// Stop tears the gateway down: realtime connections first, then the
// listener, then the tunnel. Idempotent; tunnel teardown failures are
// swallowed since the closed local listener is the safety-relevant part.
func (g *Gateway) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.running {
		return
	}

	g.hub.CloseAll()

	close(g.stopWaits)
	g.stopWaits = nil

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := g.httpServer.Shutdown(ctx); err != nil {
		g.logger.Warn("http shutdown", "error", err)
		_ = g.httpServer.Close()
	}
	cancel()
	g.httpServer = nil
	g.listener = nil

	if g.tunnel != nil && g.cfg.Tunnel.Enabled {
		g.tunnel.Kill()
	}

	g.running = false
	g.baseURL = ""
	g.pairingURL = ""
	g.audit(store.EventGatewayStop, "", "")
	g.logger.Info("gateway stopped")
}

// Close stops the gateway and releases the security store. The instance is
// unusable afterwards.
func (g *Gateway) Close() {
	g.Stop()
	_ = g.security.Close()
}

// PairingURL returns the reachable URL with the token embedded.
func (g *Gateway) PairingURL() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return "", ErrNotRunning
	}
	return g.pairingURL, nil
}

// PairingImage encodes the pairing URL into a scannable PNG for
// out-of-band device onboarding.
func (g *Gateway) PairingImage() ([]byte, error) {
	url, err := g.PairingURL()
	if err != nil {
		return nil, err
	}
	png, err := qrcode.Encode(url, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("encoding pairing image: %w", err)
	}
	return png, nil
}

// Addr returns the bound listener address, for tests and status display.
func (g *Gateway) Addr() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return "", ErrNotRunning
	}
	return g.listener.Addr().String(), nil
}

// Status returns a point-in-time snapshot.
func (g *Gateway) Status() Status {
	g.mu.Lock()
	running := g.running
	url := g.baseURL
	g.mu.Unlock()

	blocked, err := g.auth.BlockedCount(context.Background())
	if err != nil {
		g.logger.Warn("reading blocked source count", "error", err)
	}

	return Status{
		Running:        running,
		URL:            url,
		IsExternal:     g.cfg.Tunnel.Enabled,
		HasPassword:    g.auth.PasswordRequired(),
		BlockedSources: blocked,
		Clients:        g.hub.ClientCount(),
		QueueSize:      g.queue.Len(),
		Ready:          g.exec.Ready(),
		Processing:     g.processing(),
	}
}

func (g *Gateway) processing() bool {
	_, ok := g.queue.Processing()
	return ok
}

func (g *Gateway) statusSummary() hub.StatusSummary {
	return hub.StatusSummary{
		Ready:      g.exec.Ready(),
		Processing: g.processing(),
		QueueSize:  g.queue.Len(),
	}
}

// handleLockout schedules the fail-closed shutdown after a short grace
// delay so the rejection response can flush. The timer is deliberately not
// cancellable: a crossed lockout threshold always brings the gateway down.
func (g *Gateway) handleLockout(sourceID string) {
	g.audit(store.EventLockout, sourceID, "credential stuffing suspected")

	grace := g.cfg.Auth.LockoutGrace
	if grace <= 0 {
		grace = time.Second
	}
	g.logger.Warn("lockout triggered, gateway will shut down", "source", sourceID, "grace", grace)
	time.AfterFunc(grace, g.Stop)
}

// releaseWaitsLoop periodically flips expired waiting items back to pending
// and broadcasts the change.
func (g *Gateway) releaseWaitsLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(waitReleaseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			if released := g.queue.ReleaseExpiredWaits(now); len(released) > 0 {
				g.logger.Debug("released waiting items", "count", len(released))
				g.hub.BroadcastQueue()
			}
		}
	}
}

func (g *Gateway) audit(typ store.EventType, sourceID, detail string) {
	if err := g.security.AppendEvent(context.Background(), &store.Event{
		Type:     typ,
		SourceID: sourceID,
		Detail:   detail,
	}); err != nil {
		g.logger.Warn("recording security event", "type", string(typ), "error", err)
	}
}

// firstLANAddress returns the first non-loopback IPv4 address, falling back
// to localhost when the host has none.
func firstLANAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil && !ip4.IsLoopback() {
				return ip4.String()
			}
		}
	}
	return "127.0.0.1"
}
