// ABOUTME: Entry point for the tasklink sync gateway
// ABOUTME: Pairs a local work queue with remote browsers over LAN or Funnel

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/tasklink/tasklink/internal/config"
	"github.com/tasklink/tasklink/internal/gateway"
	"github.com/tasklink/tasklink/internal/tunnel"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _            _    _ _       _
| |_ __ _ ___| | _| (_)_ __ | | __
| __/ _' / __| |/ / | | '_ \| |/ /
| || (_| \__ \   <| | | | | |   <
 \__\__,_|___/_|\_\_|_|_| |_|_|\_\
`

// getConfigPath returns the path to the tasklink config file.
// Priority: TASKLINK_CONFIG env var > XDG_CONFIG_HOME/tasklink/tasklink.yaml > ~/.config/tasklink/tasklink.yaml
func getConfigPath() string {
	if envPath := os.Getenv("TASKLINK_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "tasklink.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "tasklink", "tasklink.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: tasklink <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve       Start the sync gateway and print the pairing link")
		fmt.Println("  init        Write a default config file")
		fmt.Println("  status URL  Query a running gateway through its pairing URL")
		fmt.Println("  pair URL    Re-print the QR code for a pairing URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "status":
		err = runStatus(ctx, os.Args[2:])
	case "pair":
		err = runPair(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	if cfg.Tunnel.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tunnel:   ")
		cyan.Print(cfg.Tunnel.Hostname)
		yellow.Print(" [funnel]")
		if cfg.Tunnel.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
		if cfg.Auth.WebPassword == "" {
			yellow.Print("    ▶ ")
			fmt.Println("Warning:  external mode without a web password")
		}
	} else {
		green.Print("    ▶ ")
		fmt.Println("Mode:     local network only")
	}
	fmt.Println()

	var tun tunnel.Provider
	if cfg.Tunnel.Enabled {
		tun = tunnel.NewFunnelProvider(tunnel.FunnelConfig{
			Hostname:       cfg.Tunnel.Hostname,
			AuthKey:        cfg.Tunnel.AuthKey,
			StateDir:       cfg.Tunnel.StateDir,
			Ephemeral:      cfg.Tunnel.Ephemeral,
			ConnectTimeout: cfg.Tunnel.ConnectTimeout,
		}, logger)
	}

	gw, err := gateway.New(cfg, nil, tun, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	defer gw.Close()

	pairingURL, err := gw.Start(ctx)
	if err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}

	printPairing(pairingURL)

	<-ctx.Done()
	gw.Stop()
	return nil
}

// printPairing shows the pairing link plus a scannable QR code for phones.
func printPairing(url string) {
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Pairing:  %s\n\n", url)

	qr, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return
	}
	fmt.Println(qr.ToSmallString(false))
}

// runStatus queries /api/status on a running gateway. The pairing URL
// carries the token, so no extra credentials are needed.
func runStatus(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: tasklink status <pairing-url>")
	}

	pairing, err := url.Parse(args[0])
	if err != nil {
		return fmt.Errorf("parsing pairing URL: %w", err)
	}
	token := pairing.Query().Get("token")
	if token == "" {
		return fmt.Errorf("pairing URL carries no token")
	}

	statusURL := pairing.Scheme + "://" + pairing.Host + "/api/status?token=" + token
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("reaching gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %s", resp.Status)
	}

	var status gateway.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Running:    %v\n", status.Running)
	green.Print("    ▶ ")
	fmt.Printf("URL:        %s\n", status.URL)
	green.Print("    ▶ ")
	fmt.Printf("External:   %v\n", status.IsExternal)
	green.Print("    ▶ ")
	fmt.Printf("Password:   %v\n", status.HasPassword)
	green.Print("    ▶ ")
	fmt.Printf("Clients:    %d\n", status.Clients)
	green.Print("    ▶ ")
	fmt.Printf("Queue size: %d\n", status.QueueSize)
	if status.BlockedSources > 0 {
		color.New(color.FgYellow).Print("    ▶ ")
		fmt.Printf("Blocked:    %d source(s)\n", status.BlockedSources)
	}
	return nil
}

// runPair re-renders the QR code for an existing pairing URL, for when the
// serve terminal scrolled away.
func runPair(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: tasklink pair <pairing-url>")
	}
	printPairing(args[0])
	return nil
}

func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	defaultConfig := `# tasklink configuration
server:
  host: ""       # all interfaces
  port: 0        # OS-assigned

auth:
  web_password: ""        # required for external exposure
  lockout_threshold: 5
  lockout_grace: 1s

tunnel:
  enabled: false
  hostname: tasklink
  auth_key: "${TS_AUTHKEY}"
  ephemeral: true
  connect_timeout: 60s

logging:
  level: info
  format: text   # or json
`
	if err := os.WriteFile(configPath, []byte(defaultConfig), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Wrote %s\n", configPath)
	return nil
}

// loadConfig falls back to defaults when no config file exists yet.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler renders colorized log lines with the component attr (every
// package logger sets one) pulled out as a bracketed prefix. Writes are
// serialized so concurrent goroutines cannot shear a line.
type colorHandler struct {
	mu        sync.Mutex
	level     slog.Level
	component string
	prefix    string
	attrs     []slog.Attr
}

var levelBadges = map[slog.Level]string{
	slog.LevelDebug: color.MagentaString("DBG"),
	slog.LevelInfo:  color.CyanString("INF"),
	slog.LevelWarn:  color.YellowString("WRN"),
	slog.LevelError: color.New(color.FgRed, color.Bold).Sprint("ERR"),
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05")))
	buf.WriteByte(' ')
	if badge, ok := levelBadges[r.Level]; ok {
		buf.WriteString(badge)
	} else {
		buf.WriteString(r.Level.String())
	}
	buf.WriteByte(' ')
	if h.component != "" {
		buf.WriteString(color.GreenString("[" + h.component + "] "))
	}
	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		h.writeAttr(&buf, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.writeAttr(&buf, a)
		return true
	})
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) writeAttr(buf *strings.Builder, a slog.Attr) {
	buf.WriteString(color.HiBlackString(" " + h.prefix + a.Key + "="))
	buf.WriteString(a.Value.String())
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h.clone()
	for _, a := range attrs {
		if h.prefix == "" && a.Key == "component" {
			next.component = a.Value.String()
			continue
		}
		next.attrs = append(next.attrs, a)
	}
	return next
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	next := h.clone()
	next.prefix = h.prefix + name + "."
	return next
}

func (h *colorHandler) clone() *colorHandler {
	return &colorHandler{
		level:     h.level,
		component: h.component,
		prefix:    h.prefix,
		attrs:     append([]slog.Attr(nil), h.attrs...),
	}
}
