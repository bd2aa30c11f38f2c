// ABOUTME: Authentication manager for the sync gateway
// ABOUTME: Verifies the process token, runs password checks, and enforces per-source lockout

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrUnauthorized indicates a missing or wrong credential.
var ErrUnauthorized = errors.New("unauthorized")

// ErrBlocked indicates the source was already locked out; the candidate is
// not even inspected.
var ErrBlocked = errors.New("source is blocked")

// ErrTooManyAttempts indicates this failure crossed the lockout threshold.
var ErrTooManyAttempts = errors.New("too many failed attempts")

// DefaultLockoutThreshold is the number of consecutive password failures
// from one source that triggers a permanent block.
const DefaultLockoutThreshold = 5

// dummyHash keeps bcrypt comparison timing constant on code paths where no
// real hash is available.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// FailureStore persists per-source failure records. Satisfied by
// store.SecurityStore.
type FailureStore interface {
	RecordFailure(ctx context.Context, sourceID string) (int, error)
	ClearFailures(ctx context.Context, sourceID string) error
	Block(ctx context.Context, sourceID string) error
	IsBlocked(ctx context.Context, sourceID string) (bool, error)
	CountBlocked(ctx context.Context) (int, error)
}

// Config carries the authentication settings for one gateway instance.
type Config struct {
	// WebPassword gates sessions when the gateway is exposed beyond the
	// local network. Empty disables password mode.
	WebPassword string

	// UseExternalServer marks the gateway as publicly tunneled. The
	// password is only enforced together with this flag.
	UseExternalServer bool

	// LockoutThreshold overrides DefaultLockoutThreshold when positive.
	LockoutThreshold int
}

// Manager verifies bearer tokens, runs password checks with per-source
// lockout, and issues session tokens. It has no knowledge of the queue.
type Manager struct {
	token        string
	passwordHash []byte
	external     bool
	threshold    int

	failures FailureStore
	sessions *sessionSigner
	logger   *slog.Logger

	mu        sync.Mutex
	onLockout func(sourceID string)
}

// NewManager mints the process token and prepares password verification.
func NewManager(cfg Config, failures FailureStore, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	token, err := generateToken(32)
	if err != nil {
		return nil, fmt.Errorf("generating process token: %w", err)
	}

	signer, err := newSessionSigner()
	if err != nil {
		return nil, err
	}

	m := &Manager{
		token:     token,
		external:  cfg.UseExternalServer,
		threshold: cfg.LockoutThreshold,
		failures:  failures,
		sessions:  signer,
		logger:    logger.With("component", "auth"),
	}
	if m.threshold <= 0 {
		m.threshold = DefaultLockoutThreshold
	}

	if cfg.WebPassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.WebPassword), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hashing web password: %w", err)
		}
		m.passwordHash = hash
	}

	return m, nil
}

// Token returns the process token for pairing URL construction.
func (m *Manager) Token() string {
	return m.token
}

// CheckAPIToken reports whether the candidate matches the process token.
func (m *Manager) CheckAPIToken(candidate string) bool {
	return candidate != "" && tokenEqual(candidate, m.token)
}

// PasswordRequired reports whether password mode is active: a password is
// configured and the gateway is exposed beyond the local network.
func (m *Manager) PasswordRequired() bool {
	return m.external && len(m.passwordHash) > 0
}

// OnLockout registers the callback fired when a source crosses the lockout
// threshold. The gateway uses it to schedule its fail-closed shutdown.
func (m *Manager) OnLockout(fn func(sourceID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLockout = fn
}

// CheckPassword verifies a password candidate for a source. On success the
// source's failure record is cleared and a session token is issued. On
// failure the record is incremented; attemptsLeft reports how many tries
// remain before lockout. A source that is already blocked fails with
// ErrBlocked without the candidate being inspected.
func (m *Manager) CheckPassword(ctx context.Context, candidate, sourceID string) (sessionToken string, attemptsLeft int, err error) {
	// With password mode inactive there is nothing to verify against, and
	// failure accounting must stay dormant: counting attempts here would
	// let valid local traffic trip the lockout shutdown.
	if !m.PasswordRequired() {
		return "", 0, ErrUnauthorized
	}

	blocked, err := m.failures.IsBlocked(ctx, sourceID)
	if err != nil {
		return "", 0, fmt.Errorf("checking block state: %w", err)
	}
	if blocked {
		// No bcrypt work here: the answer is the same either way, and a
		// blocked source gets no timing signal about the candidate.
		return "", 0, ErrBlocked
	}

	hash := m.passwordHash
	if len(hash) == 0 {
		hash = []byte(dummyHash)
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(candidate)) != nil || len(m.passwordHash) == 0 {
		return m.recordFailure(ctx, sourceID)
	}

	if err := m.failures.ClearFailures(ctx, sourceID); err != nil {
		return "", 0, fmt.Errorf("clearing failure record: %w", err)
	}

	session, err := m.sessions.Issue(sourceID)
	if err != nil {
		return "", 0, fmt.Errorf("issuing session: %w", err)
	}
	m.logger.Info("session issued", "source", sourceID)
	return session, m.threshold, nil
}

// recordFailure bumps the counter and fires the lockout path when the
// threshold is reached.
func (m *Manager) recordFailure(ctx context.Context, sourceID string) (string, int, error) {
	count, err := m.failures.RecordFailure(ctx, sourceID)
	if err != nil {
		return "", 0, fmt.Errorf("recording failure: %w", err)
	}

	if count >= m.threshold {
		if err := m.failures.Block(ctx, sourceID); err != nil {
			return "", 0, fmt.Errorf("blocking source: %w", err)
		}
		m.logger.Warn("source locked out after repeated password failures", "source", sourceID, "attempts", count)

		m.mu.Lock()
		fn := m.onLockout
		m.mu.Unlock()
		if fn != nil {
			fn(sourceID)
		}
		return "", 0, ErrTooManyAttempts
	}

	left := m.threshold - count
	m.logger.Warn("password check failed", "source", sourceID, "attempts_left", left)
	return "", left, ErrUnauthorized
}

// CheckSession verifies a session token previously issued by CheckPassword.
func (m *Manager) CheckSession(token string) error {
	if token == "" {
		return ErrInvalidSession
	}
	_, err := m.sessions.Verify(token)
	return err
}

// BlockedCount returns how many sources are locked out.
func (m *Manager) BlockedCount(ctx context.Context) (int, error) {
	return m.failures.CountBlocked(ctx)
}
