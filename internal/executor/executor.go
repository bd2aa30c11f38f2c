// ABOUTME: Interface to the external agent-session executor
// ABOUTME: The gateway only drives and observes it; execution lives elsewhere

package executor

import (
	"context"
	"sync"
)

// Executor is the agent-session manager that consumes queued work. The
// gateway treats it as an opaque async boundary: failures surface as
// handler errors, never gateway crashes.
type Executor interface {
	// StartSession boots the underlying agent session.
	StartSession(ctx context.Context) error

	// StartProcessing begins draining the queue.
	StartProcessing(ctx context.Context) error

	// StopProcessing halts after the in-flight item finishes.
	StopProcessing(ctx context.Context) error

	// Interrupt aborts the in-flight item immediately.
	Interrupt(ctx context.Context) error

	// Output returns the shared output buffer.
	Output() string

	// Ready reports whether the session is up and accepting work.
	Ready() bool
}

// Nop is an executor that accepts every command and does nothing. Used for
// running the gateway standalone and in tests.
type Nop struct {
	mu         sync.Mutex
	output     string
	ready      bool
	processing bool
}

// NewNop returns a Nop that reports ready.
func NewNop() *Nop {
	return &Nop{ready: true}
}

func (n *Nop) StartSession(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ready = true
	return nil
}

func (n *Nop) StartProcessing(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.processing = true
	return nil
}

func (n *Nop) StopProcessing(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.processing = false
	return nil
}

func (n *Nop) Interrupt(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.processing = false
	return nil
}

func (n *Nop) Output() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.output
}

func (n *Nop) Ready() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ready
}

// SetOutput replaces the output buffer. Test hook.
func (n *Nop) SetOutput(s string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.output = s
}

// Processing reports whether StartProcessing is active. Test hook.
func (n *Nop) Processing() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.processing
}
