// ABOUTME: Tunnel provider abstraction for exposing the gateway publicly
// ABOUTME: Maps a locally bound port to a publicly routable URL

package tunnel

import (
	"context"
)

// Provider maps a locally bound port to a publicly routable URL. Connect is
// bounded by its context: callers fail the gateway start on timeout rather
// than hang.
type Provider interface {
	// Connect exposes the local port and returns the public URL.
	Connect(ctx context.Context, port int) (string, error)

	// Disconnect tears the tunnel down cleanly.
	Disconnect() error

	// Kill force-closes the tunnel, swallowing errors. Safe to call in any
	// state; used during best-effort gateway teardown.
	Kill()
}
