// ABOUTME: Tailscale Funnel implementation of the tunnel provider
// ABOUTME: Joins the tailnet as an ephemeral node and reverse-proxies public HTTPS to the local port

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tailscale.com/tsnet"
)

// DefaultConnectTimeout bounds tailnet join plus funnel setup.
const DefaultConnectTimeout = 60 * time.Second

// FunnelConfig configures the tailscale node backing the tunnel.
type FunnelConfig struct {
	Hostname       string
	AuthKey        string
	StateDir       string
	Ephemeral      bool
	ConnectTimeout time.Duration
}

// FunnelProvider exposes the gateway through Tailscale Funnel. Funnel
// terminates public HTTPS on the tailnet node; the provider forwards the
// traffic to the locally bound gateway port.
type FunnelProvider struct {
	cfg    FunnelConfig
	logger *slog.Logger

	mu     sync.Mutex
	server *tsnet.Server
	proxy  *http.Server
}

// NewFunnelProvider creates a disconnected provider.
func NewFunnelProvider(cfg FunnelConfig, logger *slog.Logger) *FunnelProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "tasklink"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &FunnelProvider{cfg: cfg, logger: logger.With("component", "tunnel")}
}

// resolveStateDir returns the tailscale state directory, defaulting under
// the user's data dir.
func resolveStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tunnel.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "tasklink", "tailscale"), nil
}

// resolveAuthKey returns the auth key from config or environment.
func resolveAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tunnel.auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// Connect joins the tailnet, opens a funnel listener on :443, and proxies
// it to 127.0.0.1:port. Returns the node's public HTTPS URL.
func (p *FunnelProvider) Connect(ctx context.Context, port int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.server != nil {
		return "", errors.New("tunnel already connected")
	}

	stateDir, err := resolveStateDir(p.cfg.StateDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return "", fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveAuthKey(p.cfg.AuthKey)
	if err != nil {
		return "", err
	}

	srv := &tsnet.Server{
		Hostname:  p.cfg.Hostname,
		Dir:       stateDir,
		Ephemeral: p.cfg.Ephemeral,
		AuthKey:   authKey,
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	p.logger.Info("starting tailscale node", "hostname", p.cfg.Hostname, "state_dir", stateDir, "ephemeral", p.cfg.Ephemeral)
	status, err := srv.Up(ctx)
	if err != nil {
		_ = srv.Close()
		return "", fmt.Errorf("starting tailscale: %w", err)
	}

	ln, err := srv.ListenFunnel("tcp", ":443")
	if err != nil {
		_ = srv.Close()
		return "", fmt.Errorf("opening funnel listener: %w", err)
	}

	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", port)}
	proxy := &http.Server{
		// Rewrite drops client-sent X-Forwarded-* before SetXForwarded
		// writes the real peer address, so the gateway's failure
		// accounting cannot be fed spoofed origins.
		Handler: &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				pr.SetURL(target)
				pr.SetXForwarded()
			},
		},
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := proxy.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			p.logger.Error("funnel proxy stopped", "error", err)
		}
	}()

	var dnsName string
	if status.Self != nil {
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	if dnsName == "" {
		_ = proxy.Close()
		_ = srv.Close()
		return "", errors.New("tailscale node has no DNS name; cannot build public URL")
	}

	p.server = srv
	p.proxy = proxy
	publicURL := "https://" + dnsName
	p.logger.Info("funnel established", "url", publicURL, "local_port", port)
	return publicURL, nil
}

// Disconnect closes the proxy and leaves the tailnet.
func (p *FunnelProvider) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.proxy != nil {
		if err := p.proxy.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing funnel proxy: %w", err))
		}
		p.proxy = nil
	}
	if p.server != nil {
		if err := p.server.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing tailscale node: %w", err))
		}
		p.server = nil
	}
	return errors.Join(errs...)
}

// Kill force-closes everything, ignoring errors.
func (p *FunnelProvider) Kill() {
	_ = p.Disconnect()
}
