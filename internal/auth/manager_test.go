// ABOUTME: Tests for the auth manager: token checks, password lockout, sessions
// ABOUTME: Uses the real in-memory security store as the failure backend

package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklink/tasklink/internal/store"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	failures, err := store.NewSecurityStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = failures.Close() })

	m, err := NewManager(cfg, failures, nil)
	require.NoError(t, err)
	return m
}

func TestManager_TokenIsGeneratedAndChecked(t *testing.T) {
	m := newTestManager(t, Config{})

	require.NotEmpty(t, m.Token())
	assert.True(t, m.CheckAPIToken(m.Token()))
	assert.False(t, m.CheckAPIToken("wrong"))
	assert.False(t, m.CheckAPIToken(""))
}

func TestManager_TokensDifferAcrossInstances(t *testing.T) {
	a := newTestManager(t, Config{})
	b := newTestManager(t, Config{})
	assert.NotEqual(t, a.Token(), b.Token())
}

func TestManager_PasswordRequiredOnlyWhenExternal(t *testing.T) {
	assert.False(t, newTestManager(t, Config{WebPassword: "hunter2"}).PasswordRequired())
	assert.False(t, newTestManager(t, Config{UseExternalServer: true}).PasswordRequired())
	assert.True(t, newTestManager(t, Config{WebPassword: "hunter2", UseExternalServer: true}).PasswordRequired())
}

func TestManager_InactivePasswordModeNeverCountsFailures(t *testing.T) {
	// Local mode and external-without-password both leave the password
	// subsystem dormant: rejections carry no failure accounting, so no
	// amount of wrong guesses can trip the lockout shutdown.
	for name, cfg := range map[string]Config{
		"local":                {},
		"local with password":  {WebPassword: "hunter2"},
		"external no password": {UseExternalServer: true},
	} {
		t.Run(name, func(t *testing.T) {
			m := newTestManager(t, cfg)
			ctx := t.Context()

			lockoutFired := false
			m.OnLockout(func(string) { lockoutFired = true })

			for i := 0; i < 6; i++ {
				_, _, err := m.CheckPassword(ctx, "anything", "10.0.0.7")
				require.ErrorIs(t, err, ErrUnauthorized)
			}

			count, err := m.BlockedCount(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, count)
			assert.False(t, lockoutFired)

			// The source is not blocked either.
			_, _, err = m.CheckPassword(ctx, "anything", "10.0.0.7")
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestManager_CorrectPasswordIssuesSession(t *testing.T) {
	m := newTestManager(t, Config{WebPassword: "hunter2", UseExternalServer: true})

	session, _, err := m.CheckPassword(t.Context(), "hunter2", "10.0.0.7")
	require.NoError(t, err)
	require.NotEmpty(t, session)

	assert.NoError(t, m.CheckSession(session))
	assert.ErrorIs(t, m.CheckSession("bogus"), ErrInvalidSession)
	assert.ErrorIs(t, m.CheckSession(""), ErrInvalidSession)
}

func TestManager_SessionTokenDistinctFromProcessToken(t *testing.T) {
	m := newTestManager(t, Config{WebPassword: "hunter2", UseExternalServer: true})

	session, _, err := m.CheckPassword(t.Context(), "hunter2", "10.0.0.7")
	require.NoError(t, err)
	assert.NotEqual(t, m.Token(), session)
}

func TestManager_WrongPasswordCountsDown(t *testing.T) {
	m := newTestManager(t, Config{WebPassword: "hunter2", UseExternalServer: true})
	ctx := t.Context()

	for want := 4; want >= 1; want-- {
		_, left, err := m.CheckPassword(ctx, "nope", "10.0.0.7")
		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.Equal(t, want, left)
	}
}

func TestManager_FifthFailureLocksOutPermanently(t *testing.T) {
	m := newTestManager(t, Config{WebPassword: "hunter2", UseExternalServer: true})
	ctx := t.Context()

	var lockedOut string
	m.OnLockout(func(sourceID string) { lockedOut = sourceID })

	for i := 0; i < 4; i++ {
		_, _, err := m.CheckPassword(ctx, "nope", "10.0.0.7")
		require.ErrorIs(t, err, ErrUnauthorized)
	}

	_, _, err := m.CheckPassword(ctx, "nope", "10.0.0.7")
	assert.ErrorIs(t, err, ErrTooManyAttempts)
	assert.Equal(t, "10.0.0.7", lockedOut)

	// Even the correct password is rejected once blocked.
	_, _, err = m.CheckPassword(ctx, "hunter2", "10.0.0.7")
	assert.ErrorIs(t, err, ErrBlocked)

	count, err := m.BlockedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestManager_SuccessResetsFailureCount(t *testing.T) {
	m := newTestManager(t, Config{WebPassword: "hunter2", UseExternalServer: true})
	ctx := t.Context()

	for i := 0; i < 4; i++ {
		_, _, err := m.CheckPassword(ctx, "nope", "10.0.0.7")
		require.ErrorIs(t, err, ErrUnauthorized)
	}

	_, _, err := m.CheckPassword(ctx, "hunter2", "10.0.0.7")
	require.NoError(t, err)

	// The slate is clean: four more failures allowed before lockout.
	_, left, err := m.CheckPassword(ctx, "nope", "10.0.0.7")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 4, left)
}

func TestManager_LockoutIsPerSource(t *testing.T) {
	m := newTestManager(t, Config{WebPassword: "hunter2", UseExternalServer: true})
	ctx := t.Context()

	for i := 0; i < 5; i++ {
		_, _, _ = m.CheckPassword(ctx, "nope", "10.0.0.7")
	}

	// A different source still gets through.
	session, _, err := m.CheckPassword(ctx, "hunter2", "10.0.0.8")
	require.NoError(t, err)
	assert.NotEmpty(t, session)
}
