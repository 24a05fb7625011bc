// Package auth implements the account authentication state machine.
//
// A Machine moves between the states below and publishes every transition
// to its subscribers:
//
//	Unauthenticated -> LoggingIn -> AwaitingMFA -> Authenticated -> Expired
//	                             \-> Rejected (terminal until the next Login)
//
// Cloud calls are made without holding the machine lock. A second Login,
// SubmitMFA or Refresh while one is in flight fails with
// flow.ReasonAlreadyInProgress.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/systmms/camcreds/internal/logging"
	"github.com/systmms/camcreds/internal/metrics"
	"github.com/systmms/camcreds/internal/secure"
	"github.com/systmms/camcreds/internal/store"
	"github.com/systmms/camcreds/pkg/cloud"
	"github.com/systmms/camcreds/pkg/flow"
)

// State is the authentication state of one account.
type State int

const (
	Unauthenticated State = iota
	LoggingIn
	AwaitingMFA
	Authenticated
	Expired
	Rejected
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case LoggingIn:
		return "logging_in"
	case AwaitingMFA:
		return "awaiting_mfa"
	case Authenticated:
		return "authenticated"
	case Expired:
		return "expired"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// PurposeAccountLogin is the purpose of a login challenge.
const PurposeAccountLogin = "account_login"

// Credentials are the account credentials used to log in.
type Credentials struct {
	Account  string
	Password string
	APIURL   string
}

// Policy tunes the machine.
type Policy struct {
	// MaxMFARetries is how many rejected codes are tolerated before the
	// login is abandoned.
	MaxMFARetries int
}

// DefaultPolicy allows one retry after a rejected code.
func DefaultPolicy() Policy {
	return Policy{MaxMFARetries: 1}
}

// Transition is published for every state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Challenge is a pending one-time code request.
type Challenge struct {
	ID       string
	Purpose  string
	IssuedAt time.Time
}

type cachedCreds struct {
	account  string
	apiURL   string
	password *secure.SecureBuffer
}

func (c *cachedCreds) request() (cloud.LoginRequest, error) {
	pw, err := c.password.Reveal()
	if err != nil {
		return cloud.LoginRequest{}, err
	}
	return cloud.LoginRequest{Account: c.account, Password: pw, APIURL: c.apiURL}, nil
}

type pendingLogin struct {
	challenge Challenge
	creds     *cachedCreds
	rejects   int
	prev      State
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// Machine is the authentication state machine for one cloud account.
type Machine struct {
	client   cloud.Client
	sessions store.SessionStore
	policy   Policy
	logger   *logging.Logger
	now      func() time.Time

	mu      sync.Mutex
	state   State
	busy    bool
	attempt uint64
	session *cloud.Session
	creds   *cachedCreds
	pending *pendingLogin

	subMu   sync.Mutex
	subs    map[int]func(Transition)
	nextSub int
}

// NewMachine creates a machine in the Unauthenticated state.
func NewMachine(client cloud.Client, sessions store.SessionStore, policy Policy, opts ...Option) *Machine {
	if policy.MaxMFARetries < 0 {
		policy.MaxMFARetries = 0
	}
	m := &Machine{
		client:   client,
		sessions: sessions,
		policy:   policy,
		logger:   logging.Nop(),
		now:      time.Now,
		subs:     make(map[int]func(Transition)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a copy of the current session, if any.
func (m *Machine) Session() (cloud.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return cloud.Session{}, false
	}
	return *m.session, true
}

// Token returns the session token together with the state. A session past
// its expiry is reported as Expired even before the cloud says so.
func (m *Machine) Token() (cloud.Token, State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return cloud.Token{}, m.state
	}
	if m.state == Authenticated && m.session.Expired(m.now()) {
		return m.session.Token(), Expired
	}
	return m.session.Token(), m.state
}

// Pending returns the pending login challenge, if any.
func (m *Machine) Pending() (Challenge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return Challenge{}, false
	}
	return m.pending.challenge, true
}

// Subscribe registers fn for every transition and returns a function that
// removes it. fn is called outside the machine lock, in transition order
// for a single caller.
func (m *Machine) Subscribe(fn func(Transition)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subs, id)
	}
}

func (m *Machine) publish(ts []Transition) {
	if len(ts) == 0 {
		return
	}
	m.subMu.Lock()
	subs := make([]func(Transition), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.subMu.Unlock()
	for _, t := range ts {
		for _, fn := range subs {
			fn(t)
		}
	}
}

// setLocked must be called with m.mu held.
func (m *Machine) setLocked(to State, ts *[]Transition) {
	if m.state == to {
		return
	}
	t := Transition{From: m.state, To: to, At: m.now()}
	m.logger.Debug("auth: %s -> %s", t.From, t.To)
	metrics.RecordAuthTransition(t.From.String(), t.To.String())
	m.state = to
	*ts = append(*ts, t)
}

// stableLocked returns the state to fall back to when an attempt fails
// without a verdict on the credentials.
func (m *Machine) stableLocked() State {
	if m.pending != nil {
		return m.pending.prev
	}
	switch m.state {
	case Authenticated, Expired:
		return m.state
	}
	return Unauthenticated
}

// beginLocked marks a cloud attempt in flight and returns its id. It must
// be called with m.mu held.
func (m *Machine) beginLocked() uint64 {
	m.busy = true
	m.attempt++
	return m.attempt
}

// abandon releases attempt id if it is still in flight, which only happens
// when the cloud call panicked. A machine left in LoggingIn returns to
// fallback.
func (m *Machine) abandon(id uint64, fallback State) {
	var ts []Transition
	m.mu.Lock()
	if m.busy && m.attempt == id {
		m.busy = false
		if m.state == LoggingIn {
			m.setLocked(fallback, &ts)
		}
	}
	m.mu.Unlock()
	m.publish(ts)
}

func (m *Machine) dropCredsLocked() {
	if m.creds != nil {
		m.creds.password.Destroy()
		m.creds = nil
	}
}

func (m *Machine) persist(ctx context.Context, sess cloud.Session) {
	if m.sessions == nil {
		return
	}
	if err := m.sessions.WriteSession(ctx, sess); err != nil {
		m.logger.Warn("Failed to persist session for %s: %v", sess.Account, err)
	}
}

func (m *Machine) forget(ctx context.Context) {
	if m.sessions == nil {
		return
	}
	if err := m.sessions.DeleteSession(ctx); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("Failed to delete persisted session: %v", err)
	}
}

// authenticatedLocked installs a fresh session. It must be called with
// m.mu held.
func (m *Machine) authenticatedLocked(account string, token cloud.Token, ts *[]Transition) cloud.Session {
	sess := cloud.NewSession(account, token)
	m.session = &sess
	m.pending = nil
	m.setLocked(Authenticated, ts)
	return sess
}

// Login starts a login with account credentials. A pending login
// challenge is discarded.
func (m *Machine) Login(ctx context.Context, c Credentials) (res flow.Result) {
	defer flow.Guard(&res)

	if strings.TrimSpace(c.Account) == "" || c.Password == "" {
		return flow.Fail(flow.ReasonInvalidInput, errors.New("account and password are required"))
	}

	var ts []Transition
	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return flow.Fail(flow.ReasonAlreadyInProgress, flow.ErrAlreadyInProgress)
	}
	attempt := m.beginLocked()
	prev := m.stableLocked()
	m.pending = nil
	m.setLocked(LoggingIn, &ts)
	m.mu.Unlock()
	m.publish(ts)
	defer m.abandon(attempt, prev)

	creds := &cachedCreds{account: c.Account, apiURL: c.APIURL, password: secure.NewString(c.Password)}
	token, err := m.client.Login(ctx, cloud.LoginRequest{Account: c.Account, Password: c.Password, APIURL: c.APIURL})

	ts = nil
	m.mu.Lock()
	m.busy = false
	res = m.afterLoginLocked(creds, prev, token, err, &ts)
	m.mu.Unlock()
	m.publish(ts)

	switch {
	case res.Succeeded():
		sess, _ := m.Session()
		m.persist(ctx, sess)
		m.logger.Info("Logged in as %s", c.Account)
	case res.Reason() == flow.ReasonInvalidCredentials:
		m.forget(ctx)
	}
	return res
}

// afterLoginLocked handles the outcome of a login call. prev is the state
// to return to on a transient failure.
func (m *Machine) afterLoginLocked(creds *cachedCreds, prev State, token cloud.Token, err error, ts *[]Transition) flow.Result {
	switch {
	case err == nil:
		if m.creds != creds {
			m.dropCredsLocked()
		}
		m.creds = creds
		m.authenticatedLocked(creds.account, token, ts)
		return flow.Ok()

	case cloud.IsMFARequired(err):
		if m.creds != creds {
			m.dropCredsLocked()
		}
		m.creds = creds
		m.pending = &pendingLogin{
			challenge: Challenge{ID: uuid.NewString(), Purpose: PurposeAccountLogin, IssuedAt: m.now()},
			creds:     creds,
			prev:      prev,
		}
		m.setLocked(AwaitingMFA, ts)
		metrics.RecordMFAChallenge(PurposeAccountLogin)
		return flow.Need(flow.InputLoginCode, &flow.Challenge{ID: m.pending.challenge.ID, Purpose: PurposeAccountLogin})

	case cloud.IsInvalidCredentials(err):
		if m.creds != creds {
			creds.password.Destroy()
		}
		m.dropCredsLocked()
		m.session = nil
		m.setLocked(Rejected, ts)
		return flow.Fail(flow.ReasonInvalidCredentials, err)

	case cloud.IsConnectivity(err):
		if m.creds != creds {
			creds.password.Destroy()
		}
		m.setLocked(prev, ts)
		return flow.Fail(flow.ReasonConnectivity, err)

	default:
		if m.creds != creds {
			creds.password.Destroy()
		}
		m.setLocked(prev, ts)
		return flow.Fail(flow.ReasonInternal, err)
	}
}

// SubmitMFA completes a login waiting for a one-time code.
func (m *Machine) SubmitMFA(ctx context.Context, code string) (res flow.Result) {
	defer flow.Guard(&res)

	code = strings.TrimSpace(code)
	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return flow.Fail(flow.ReasonAlreadyInProgress, flow.ErrAlreadyInProgress)
	}
	if m.state != AwaitingMFA || m.pending == nil {
		m.mu.Unlock()
		return flow.Fail(flow.ReasonNoPendingChallenge, flow.ErrNoPendingChallenge)
	}
	if code == "" {
		m.mu.Unlock()
		return flow.Fail(flow.ReasonInvalidInput, errors.New("verification code is empty"))
	}
	p := m.pending
	req, err := p.creds.request()
	if err != nil {
		m.mu.Unlock()
		return flow.Fail(flow.ReasonInternal, err)
	}
	attempt := m.beginLocked()
	m.mu.Unlock()
	defer m.abandon(attempt, AwaitingMFA)

	token, err := m.client.SubmitMFA(ctx, req, code)

	var ts []Transition
	m.mu.Lock()
	m.busy = false
	if m.pending != p {
		m.mu.Unlock()
		return flow.Fail(flow.ReasonNoPendingChallenge, errors.New("challenge was cancelled"))
	}
	switch {
	case err == nil:
		m.authenticatedLocked(p.creds.account, token, &ts)
		res = flow.Ok()
	case cloud.IsMFARejected(err):
		p.rejects++
		if p.rejects > m.policy.MaxMFARetries {
			m.pending = nil
			m.dropCredsLocked()
			m.setLocked(Rejected, &ts)
			res = flow.Fail(flow.ReasonInvalidCredentials, fmt.Errorf("too many rejected codes: %w", err))
		} else {
			res = flow.Fail(flow.ReasonMFARejected, err)
		}
	case cloud.IsInvalidCredentials(err):
		m.pending = nil
		m.dropCredsLocked()
		m.setLocked(Rejected, &ts)
		res = flow.Fail(flow.ReasonInvalidCredentials, err)
	case cloud.IsConnectivity(err):
		res = flow.Fail(flow.ReasonConnectivity, err)
	default:
		res = flow.Fail(flow.ReasonInternal, err)
	}
	m.mu.Unlock()
	m.publish(ts)

	switch {
	case res.Succeeded():
		sess, _ := m.Session()
		m.persist(ctx, sess)
		m.logger.Info("Logged in as %s", sess.Account)
	case res.Reason() == flow.ReasonInvalidCredentials:
		m.forget(ctx)
	}
	return res
}

// Refresh renews an expired session. The refresh token is tried first,
// then the cached credentials. Without either the machine stays Expired
// and the caller must log in again.
func (m *Machine) Refresh(ctx context.Context) (res flow.Result) {
	defer flow.Guard(&res)

	var ts []Transition
	m.mu.Lock()
	if m.busy || m.state == AwaitingMFA {
		m.mu.Unlock()
		return flow.Fail(flow.ReasonAlreadyInProgress, flow.ErrAlreadyInProgress)
	}
	if m.state != Authenticated && m.state != Expired {
		m.mu.Unlock()
		return flow.Fail(flow.ReasonSessionRequired, flow.ErrSessionRequired)
	}
	attempt := m.beginLocked()
	var sess *cloud.Session
	if m.session != nil {
		s := *m.session
		sess = &s
	}
	creds := m.creds
	m.setLocked(Expired, &ts)
	m.setLocked(LoggingIn, &ts)
	m.mu.Unlock()
	m.publish(ts)
	defer m.abandon(attempt, Expired)

	if sess != nil && sess.RefreshSessionID != "" {
		token, err := m.client.RefreshSession(ctx, sess.Token())
		if err == nil {
			ts = nil
			m.mu.Lock()
			m.busy = false
			next := m.authenticatedLocked(sess.Account, token, &ts)
			m.mu.Unlock()
			m.publish(ts)
			if sess.Rotated(token) {
				m.persist(ctx, next)
			}
			m.logger.Debug("Session refreshed for %s", sess.Account)
			return flow.Ok()
		}
		if cloud.IsConnectivity(err) {
			return m.settle(Expired, flow.Fail(flow.ReasonConnectivity, err))
		}
		m.logger.Debug("Refresh token rejected: %v", err)
	}

	if creds == nil {
		return m.settle(Expired, flow.Fail(flow.ReasonSessionExpired,
			fmt.Errorf("%w: re-authentication required", flow.ErrSessionExpired)))
	}

	req, err := creds.request()
	if err != nil {
		return m.settle(Expired, flow.Fail(flow.ReasonSessionExpired, err))
	}
	token, err := m.client.Login(ctx, req)

	ts = nil
	m.mu.Lock()
	m.busy = false
	res = m.afterLoginLocked(creds, Expired, token, err, &ts)
	if res.Outcome == flow.Failed && res.Reason() == flow.ReasonInvalidCredentials {
		m.mu.Unlock()
		m.publish(ts)
		m.forget(ctx)
		return res
	}
	m.mu.Unlock()
	m.publish(ts)

	if res.Succeeded() {
		next, _ := m.Session()
		m.persist(ctx, next)
		m.logger.Info("Re-authenticated %s", next.Account)
	}
	return res
}

// settle ends a busy attempt in state to with res.
func (m *Machine) settle(to State, res flow.Result) flow.Result {
	var ts []Transition
	m.mu.Lock()
	m.busy = false
	m.setLocked(to, &ts)
	m.mu.Unlock()
	m.publish(ts)
	return res
}

// Restore loads a persisted session. It succeeds when the session is still
// valid, fails with ReasonSessionExpired when it has expired and with
// ReasonSessionRequired when none is stored.
func (m *Machine) Restore(ctx context.Context) (res flow.Result) {
	defer flow.Guard(&res)

	if m.sessions == nil {
		return flow.Fail(flow.ReasonSessionRequired, flow.ErrSessionRequired)
	}
	sess, err := m.sessions.ReadSession(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return flow.Fail(flow.ReasonSessionRequired, flow.ErrSessionRequired)
	}
	if err != nil {
		return flow.Fail(flow.ReasonInternal, err)
	}

	var ts []Transition
	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return flow.Fail(flow.ReasonAlreadyInProgress, flow.ErrAlreadyInProgress)
	}
	m.session = &sess
	if sess.Expired(m.now()) {
		m.setLocked(Expired, &ts)
		res = flow.Fail(flow.ReasonSessionExpired, flow.ErrSessionExpired)
	} else {
		m.setLocked(Authenticated, &ts)
		res = flow.Ok()
	}
	m.mu.Unlock()
	m.publish(ts)
	return res
}

// MarkExpired records that the cloud no longer accepts the session.
func (m *Machine) MarkExpired() {
	var ts []Transition
	m.mu.Lock()
	if m.state == Authenticated {
		m.setLocked(Expired, &ts)
	}
	m.mu.Unlock()
	m.publish(ts)
}

// Cancel drops a pending login challenge and returns to the state before
// the login. It reports whether a challenge was pending.
func (m *Machine) Cancel() bool {
	var ts []Transition
	m.mu.Lock()
	if m.pending == nil {
		m.mu.Unlock()
		return false
	}
	prev := m.pending.prev
	m.pending = nil
	m.setLocked(prev, &ts)
	m.mu.Unlock()
	m.publish(ts)
	return true
}

// Logout destroys the session and any cached credentials.
func (m *Machine) Logout(ctx context.Context) (res flow.Result) {
	defer flow.Guard(&res)

	var ts []Transition
	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return flow.Fail(flow.ReasonAlreadyInProgress, flow.ErrAlreadyInProgress)
	}
	m.session = nil
	m.pending = nil
	m.dropCredsLocked()
	m.setLocked(Unauthenticated, &ts)
	m.mu.Unlock()
	m.publish(ts)

	m.forget(ctx)
	return flow.Ok()
}
