package auth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/camcreds/internal/auth"
	"github.com/systmms/camcreds/internal/store"
	"github.com/systmms/camcreds/pkg/cloud"
	"github.com/systmms/camcreds/pkg/flow"
	"github.com/systmms/camcreds/tests/fakes"
)

const (
	account  = "user@example.com"
	password = "hunter2"
)

var creds = auth.Credentials{Account: account, Password: password, APIURL: "apiieu.ezvizlife.com"}

func newMachine(t *testing.T, fake *fakes.FakeCloud, policy auth.Policy) (*auth.Machine, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	return auth.NewMachine(fake, s, policy), s
}

func TestLogin_WithoutChallenge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := fakes.NewFakeCloud().WithAccount(account, password)
	m, s := newMachine(t, fake, auth.DefaultPolicy())

	var seen []auth.Transition
	m.Subscribe(func(tr auth.Transition) { seen = append(seen, tr) })

	res := m.Login(ctx, creds)
	require.True(t, res.Succeeded(), "login failed: %v", res.Err())
	assert.Equal(t, auth.Authenticated, m.State())

	sess, err := s.ReadSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, account, sess.Account)
	assert.Equal(t, "sess-1", sess.SessionID)

	require.Len(t, seen, 2)
	assert.Equal(t, auth.Unauthenticated, seen[0].From)
	assert.Equal(t, auth.LoggingIn, seen[0].To)
	assert.Equal(t, auth.Authenticated, seen[1].To)
}

func TestLogin_MFAChallenge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := fakes.NewFakeCloud().WithAccount(account, password).WithLoginMFA("123456")
	m, _ := newMachine(t, fake, auth.DefaultPolicy())

	res := m.Login(ctx, creds)
	assert.Equal(t, flow.NeedsInput, res.Outcome)
	assert.Equal(t, flow.InputLoginCode, res.Input)
	require.NotNil(t, res.Challenge)
	assert.Equal(t, auth.PurposeAccountLogin, res.Challenge.Purpose)
	assert.Equal(t, auth.AwaitingMFA, m.State())

	ch, ok := m.Pending()
	require.True(t, ok)
	assert.Equal(t, res.Challenge.ID, ch.ID)

	res = m.SubmitMFA(ctx, "123456")
	require.True(t, res.Succeeded(), "submit failed: %v", res.Err())
	assert.Equal(t, auth.Authenticated, m.State())
	_, ok = m.Pending()
	assert.False(t, ok)
}

func TestSubmitMFA_RetryPolicy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		maxRetries int
		codes      []string
		wantReason []flow.Reason
		wantState  auth.State
	}{
		{
			name:       "one retry then success",
			maxRetries: 1,
			codes:      []string{"000000", "123456"},
			wantReason: []flow.Reason{flow.ReasonMFARejected, ""},
			wantState:  auth.Authenticated,
		},
		{
			name:       "second reject abandons login",
			maxRetries: 1,
			codes:      []string{"000000", "111111"},
			wantReason: []flow.Reason{flow.ReasonMFARejected, flow.ReasonInvalidCredentials},
			wantState:  auth.Rejected,
		},
		{
			name:       "no retries",
			maxRetries: 0,
			codes:      []string{"000000"},
			wantReason: []flow.Reason{flow.ReasonInvalidCredentials},
			wantState:  auth.Rejected,
		},
		{
			name:       "three retries",
			maxRetries: 3,
			codes:      []string{"1", "2", "3", "123456"},
			wantReason: []flow.Reason{flow.ReasonMFARejected, flow.ReasonMFARejected, flow.ReasonMFARejected, ""},
			wantState:  auth.Authenticated,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			fake := fakes.NewFakeCloud().WithAccount(account, password).WithLoginMFA("123456")
			m, _ := newMachine(t, fake, auth.Policy{MaxMFARetries: tt.maxRetries})
			require.Equal(t, flow.NeedsInput, m.Login(ctx, creds).Outcome)

			for i, code := range tt.codes {
				res := m.SubmitMFA(ctx, code)
				assert.Equal(t, tt.wantReason[i], res.Reason(), "code %d", i)
			}
			assert.Equal(t, tt.wantState, m.State())
		})
	}
}

func TestSubmitMFA_NoPendingChallenge(t *testing.T) {
	t.Parallel()
	m, _ := newMachine(t, fakes.NewFakeCloud(), auth.DefaultPolicy())

	res := m.SubmitMFA(context.Background(), "123456")
	assert.Equal(t, flow.ReasonNoPendingChallenge, res.Reason())
	assert.ErrorIs(t, res.Err(), flow.ErrNoPendingChallenge)
}

func TestLogin_Failures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		creds      auth.Credentials
		loginErr   error
		wantReason flow.Reason
		wantState  auth.State
	}{
		{
			name:       "wrong password",
			creds:      auth.Credentials{Account: account, Password: "nope"},
			wantReason: flow.ReasonInvalidCredentials,
			wantState:  auth.Rejected,
		},
		{
			name:       "unreachable",
			creds:      creds,
			loginErr:   &cloud.ConnectivityError{Op: "login", Err: errors.New("no route to host")},
			wantReason: flow.ReasonConnectivity,
			wantState:  auth.Unauthenticated,
		},
		{
			name:       "unexpected error",
			creds:      creds,
			loginErr:   errors.New("HTTP 500"),
			wantReason: flow.ReasonInternal,
			wantState:  auth.Unauthenticated,
		},
		{
			name:       "missing password",
			creds:      auth.Credentials{Account: account},
			wantReason: flow.ReasonInvalidInput,
			wantState:  auth.Unauthenticated,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := fakes.NewFakeCloud().WithAccount(account, password).WithError("Login", tt.loginErr)
			m, _ := newMachine(t, fake, auth.DefaultPolicy())

			res := m.Login(context.Background(), tt.creds)
			assert.Equal(t, flow.Failed, res.Outcome)
			assert.Equal(t, tt.wantReason, res.Reason())
			assert.Equal(t, tt.wantState, m.State())
		})
	}
}

func TestLogin_AlreadyInProgress(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := fakes.NewFakeCloud().WithAccount(account, password).WithDelay(200 * time.Millisecond)
	m, _ := newMachine(t, fake, auth.DefaultPolicy())

	var wg sync.WaitGroup
	wg.Add(1)
	var first flow.Result
	go func() {
		defer wg.Done()
		first = m.Login(ctx, creds)
	}()

	require.Eventually(t, func() bool { return m.State() == auth.LoggingIn }, time.Second, 5*time.Millisecond)
	second := m.Login(ctx, creds)
	assert.Equal(t, flow.ReasonAlreadyInProgress, second.Reason())
	assert.Equal(t, flow.ReasonAlreadyInProgress, m.Refresh(ctx).Reason())

	wg.Wait()
	assert.True(t, first.Succeeded())
	assert.Equal(t, 1, fake.Calls("Login"))
}

func TestRefresh_UsesRefreshToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := fakes.NewFakeCloud().WithAccount(account, password)
	m, s := newMachine(t, fake, auth.DefaultPolicy())
	require.True(t, m.Login(ctx, creds).Succeeded())

	fake.ExpireSessions()
	res := m.Refresh(ctx)
	require.True(t, res.Succeeded(), "refresh failed: %v", res.Err())
	assert.Equal(t, auth.Authenticated, m.State())
	assert.Equal(t, 1, fake.Calls("Login"))
	assert.Equal(t, 1, fake.Calls("RefreshSession"))

	sess, err := s.ReadSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sess-2", sess.SessionID)
	assert.Equal(t, "rf-2", sess.RefreshSessionID)
}

func TestRefresh_FallsBackToCachedCredentials(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := fakes.NewFakeCloud().WithAccount(account, password)
	m, _ := newMachine(t, fake, auth.DefaultPolicy())
	require.True(t, m.Login(ctx, creds).Succeeded())

	var states []auth.State
	m.Subscribe(func(tr auth.Transition) { states = append(states, tr.To) })

	fake.RevokeRefresh()
	res := m.Refresh(ctx)
	require.True(t, res.Succeeded(), "refresh failed: %v", res.Err())
	assert.Equal(t, 2, fake.Calls("Login"))
	assert.Equal(t, []auth.State{auth.Expired, auth.LoggingIn, auth.Authenticated}, states)
}

func TestRefresh_WithoutCachedCredentials(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := fakes.NewFakeCloud()
	s := store.NewMemoryStore()
	require.NoError(t, s.WriteSession(ctx, cloud.Session{Account: account, SessionID: "old", RefreshSessionID: "rf-old"}))
	m := auth.NewMachine(fake, s, auth.DefaultPolicy())
	require.True(t, m.Restore(ctx).Succeeded())

	res := m.Refresh(ctx)
	assert.Equal(t, flow.ReasonSessionExpired, res.Reason())
	assert.ErrorIs(t, res.Err(), flow.ErrSessionExpired)
	assert.Contains(t, res.Err().Error(), "re-authentication required")
	assert.Equal(t, auth.Expired, m.State())
	assert.Equal(t, 0, fake.Calls("Login"))
}

func TestRefresh_RequiresMFA(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := fakes.NewFakeCloud().WithAccount(account, password).WithLoginMFA("123456")
	m, _ := newMachine(t, fake, auth.DefaultPolicy())
	require.Equal(t, flow.NeedsInput, m.Login(ctx, creds).Outcome)
	require.True(t, m.SubmitMFA(ctx, "123456").Succeeded())

	fake.RevokeRefresh()
	res := m.Refresh(ctx)
	assert.Equal(t, flow.NeedsInput, res.Outcome)
	assert.Equal(t, flow.InputLoginCode, res.Input)
	assert.Equal(t, auth.AwaitingMFA, m.State())

	assert.True(t, m.Cancel())
	assert.Equal(t, auth.Expired, m.State())
	assert.False(t, m.Cancel())
}

func TestRefresh_InvalidatedPassword(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := fakes.NewFakeCloud().WithAccount(account, password)
	m, s := newMachine(t, fake, auth.DefaultPolicy())
	require.True(t, m.Login(ctx, creds).Succeeded())

	fake.RevokeRefresh()
	fake.WithAccount(account, "changed")
	res := m.Refresh(ctx)
	assert.Equal(t, flow.ReasonInvalidCredentials, res.Reason())
	assert.Equal(t, auth.Rejected, m.State())

	_, err := s.ReadSession(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRefresh_NotLoggedIn(t *testing.T) {
	t.Parallel()
	m, _ := newMachine(t, fakes.NewFakeCloud(), auth.DefaultPolicy())
	assert.Equal(t, flow.ReasonSessionRequired, m.Refresh(context.Background()).Reason())
}

func TestRestore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		session    *cloud.Session
		wantReason flow.Reason
		wantState  auth.State
	}{
		{name: "nothing stored", wantReason: flow.ReasonSessionRequired, wantState: auth.Unauthenticated},
		{
			name:      "valid session",
			session:   &cloud.Session{Account: account, SessionID: "s", ExpiresAt: now.Add(time.Hour)},
			wantState: auth.Authenticated,
		},
		{
			name:       "expired session",
			session:    &cloud.Session{Account: account, SessionID: "s", ExpiresAt: now.Add(-time.Minute)},
			wantReason: flow.ReasonSessionExpired,
			wantState:  auth.Expired,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := store.NewMemoryStore()
			if tt.session != nil {
				require.NoError(t, s.WriteSession(ctx, *tt.session))
			}
			m := auth.NewMachine(fakes.NewFakeCloud(), s, auth.DefaultPolicy(), auth.WithClock(func() time.Time { return now }))
			res := m.Restore(ctx)
			assert.Equal(t, tt.wantReason, res.Reason())
			assert.Equal(t, tt.wantState, m.State())
		})
	}
}

func TestToken_LocalExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	fake := fakes.NewFakeCloud().WithAccount(account, password).WithTTL(time.Hour, clock)
	m := auth.NewMachine(fake, store.NewMemoryStore(), auth.DefaultPolicy(), auth.WithClock(func() time.Time { return now }))
	require.True(t, m.Login(ctx, creds).Succeeded())

	_, state := m.Token()
	assert.Equal(t, auth.Authenticated, state)

	now = now.Add(2 * time.Hour)
	tok, state := m.Token()
	assert.Equal(t, auth.Expired, state)
	assert.Equal(t, "sess-1", tok.SessionID)
}

func TestLogout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := fakes.NewFakeCloud().WithAccount(account, password)
	m, s := newMachine(t, fake, auth.DefaultPolicy())
	require.True(t, m.Login(ctx, creds).Succeeded())

	require.True(t, m.Logout(ctx).Succeeded())
	assert.Equal(t, auth.Unauthenticated, m.State())
	_, ok := m.Session()
	assert.False(t, ok)
	_, err := s.ReadSession(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLogin_CancelsPendingChallenge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := fakes.NewFakeCloud().WithAccount(account, password).WithLoginMFA("123456")
	m, _ := newMachine(t, fake, auth.DefaultPolicy())

	first := m.Login(ctx, creds)
	second := m.Login(ctx, creds)
	require.Equal(t, flow.NeedsInput, second.Outcome)
	assert.NotEqual(t, first.Challenge.ID, second.Challenge.ID)
	assert.Equal(t, auth.AwaitingMFA, m.State())
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := fakes.NewFakeCloud().WithAccount(account, password)
	m, _ := newMachine(t, fake, auth.DefaultPolicy())

	count := 0
	unsubscribe := m.Subscribe(func(auth.Transition) { count++ })
	require.True(t, m.Login(ctx, creds).Succeeded())
	assert.Equal(t, 2, count)

	unsubscribe()
	require.True(t, m.Logout(ctx).Succeeded())
	assert.Equal(t, 2, count)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "awaiting_mfa", auth.AwaitingMFA.String())
	assert.Equal(t, "rejected", auth.Rejected.String())
	assert.Equal(t, "state(42)", auth.State(42).String())
}

func TestLogin_RecoversFromPanickingClient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := fakes.NewFakeCloud().WithAccount(account, password).WithPanic("Login", "boom")
	m, _ := newMachine(t, fake, auth.DefaultPolicy())

	res := m.Login(ctx, creds)
	assert.Equal(t, flow.ReasonInternal, res.Reason())
	assert.Contains(t, res.Err().Error(), "boom")
	assert.Equal(t, auth.Unauthenticated, m.State())

	res = m.Login(ctx, creds)
	require.True(t, res.Succeeded(), "login after panic failed: %v", res.Err())
	assert.Equal(t, auth.Authenticated, m.State())
}

func TestSubmitMFA_RecoversFromPanickingClient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := fakes.NewFakeCloud().WithAccount(account, password).WithLoginMFA("123456").WithPanic("SubmitMFA", "boom")
	m, _ := newMachine(t, fake, auth.DefaultPolicy())
	require.Equal(t, flow.NeedsInput, m.Login(ctx, creds).Outcome)

	assert.Equal(t, flow.ReasonInternal, m.SubmitMFA(ctx, "123456").Reason())
	assert.Equal(t, auth.AwaitingMFA, m.State())

	res := m.SubmitMFA(ctx, "123456")
	require.True(t, res.Succeeded(), "submit after panic failed: %v", res.Err())
}

func TestRefresh_RecoversFromPanickingClient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := fakes.NewFakeCloud().WithAccount(account, password)
	m, _ := newMachine(t, fake, auth.DefaultPolicy())
	require.True(t, m.Login(ctx, creds).Succeeded())

	fake.WithPanic("RefreshSession", "boom")
	assert.Equal(t, flow.ReasonInternal, m.Refresh(ctx).Reason())
	assert.Equal(t, auth.Expired, m.State())

	require.True(t, m.Refresh(ctx).Succeeded())
	require.True(t, m.Logout(ctx).Succeeded())
	assert.Equal(t, auth.Unauthenticated, m.State())
}

func TestLogin_RejectionForgetsPersistedSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := fakes.NewFakeCloud().WithAccount(account, password)
	m, s := newMachine(t, fake, auth.DefaultPolicy())
	require.True(t, m.Login(ctx, creds).Succeeded())

	res := m.Login(ctx, auth.Credentials{Account: account, Password: "wrong"})
	assert.Equal(t, flow.ReasonInvalidCredentials, res.Reason())
	assert.Equal(t, auth.Rejected, m.State())

	_, err := s.ReadSession(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)

	next := auth.NewMachine(fake, s, auth.DefaultPolicy())
	assert.Equal(t, flow.ReasonSessionRequired, next.Restore(ctx).Reason())
	assert.Equal(t, auth.Unauthenticated, next.State())
}

func TestSubmitMFA_RejectionForgetsPersistedSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := fakes.NewFakeCloud().WithAccount(account, password)
	m, s := newMachine(t, fake, auth.Policy{MaxMFARetries: 0})
	require.True(t, m.Login(ctx, creds).Succeeded())

	fake.WithLoginMFA("123456")
	require.Equal(t, flow.NeedsInput, m.Login(ctx, creds).Outcome)
	assert.Equal(t, flow.ReasonInvalidCredentials, m.SubmitMFA(ctx, "000000").Reason())
	assert.Equal(t, auth.Rejected, m.State())

	_, err := s.ReadSession(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
