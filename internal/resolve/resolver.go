// Package resolve turns per-device credential requests into stored device
// records.
//
// A request either carries the secret itself, which is stored as given, or
// the fetch placeholder, in which case the secret is fetched from the cloud
// with the account session. A fetch may be suspended on a one-time code;
// the resolver then holds a pending fetch for the device until the code is
// submitted or the fetch is cancelled. Requests for one device are
// serialized, requests for different devices are not.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/systmms/camcreds/internal/auth"
	"github.com/systmms/camcreds/internal/logging"
	"github.com/systmms/camcreds/internal/metrics"
	"github.com/systmms/camcreds/internal/rtsp"
	"github.com/systmms/camcreds/internal/store"
	"github.com/systmms/camcreds/pkg/cloud"
	"github.com/systmms/camcreds/pkg/device"
	"github.com/systmms/camcreds/pkg/flow"
)

// Session is the part of the auth machine the resolver depends on.
type Session interface {
	Token() (cloud.Token, auth.State)
	Refresh(ctx context.Context) flow.Result
	Subscribe(fn func(auth.Transition)) func()
}

// Request asks for the secret of one device.
type Request struct {
	DeviceID string
	Kind     device.SecretKind
	// Value is the secret, or device.FetchPlaceholder (or empty) to fetch it.
	Value string
	// Username and RTSPPath replace the stored values when set.
	Username string
	RTSPPath string
	// Refetch forces a cloud fetch even when the slot is already resolved.
	Refetch bool
}

// Options tunes a Resolver.
type Options struct {
	ValidateTimeout time.Duration
	Logger          *logging.Logger
}

// FetchPurpose is the challenge purpose for a fetch of kind.
func FetchPurpose(kind device.SecretKind) string {
	return "secret_fetch:" + kind.String()
}

type pendingFetch struct {
	challenge flow.Challenge
	record    device.Record
	kind      device.SecretKind
}

// deviceState tracks the fetch held for one device.
type deviceState struct {
	busy      bool
	cancelled bool
	pending   *pendingFetch
}

// Resolver resolves and validates device credentials.
type Resolver struct {
	session Session
	client  cloud.Client
	records store.RecordStore
	prober  rtsp.Prober
	opts    Options
	logger  *logging.Logger

	mu          sync.Mutex
	devices     map[string]*deviceState
	unsubscribe func()
}

// New creates a resolver and subscribes it to session transitions.
func New(session Session, client cloud.Client, records store.RecordStore, prober rtsp.Prober, opts Options) *Resolver {
	if opts.ValidateTimeout <= 0 {
		opts.ValidateTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if prober == nil {
		prober = rtsp.NewClient()
	}
	r := &Resolver{
		session: session,
		client:  client,
		records: records,
		prober:  prober,
		opts:    opts,
		logger:  opts.Logger,
		devices: make(map[string]*deviceState),
	}
	r.unsubscribe = session.Subscribe(r.onTransition)
	return r
}

// Close stops listening to session transitions.
func (r *Resolver) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}

func (r *Resolver) onTransition(t auth.Transition) {
	if t.To != auth.Unauthenticated && t.To != auth.Rejected {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, st := range r.devices {
		if st.busy {
			st.cancelled = true
			continue
		}
		r.logger.Debug("Dropping pending fetch for %s: session %s", id, t.To)
		delete(r.devices, id)
	}
}

// acquire marks deviceID busy. It fails when a fetch is running or
// suspended for the device.
func (r *Resolver) acquire(deviceID string) (*deviceState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[deviceID]; ok {
		return nil, false
	}
	st := &deviceState{busy: true}
	r.devices[deviceID] = st
	return st, true
}

// abandon releases deviceID when st still holds it mid-call, which only
// happens when a call below panicked. Suspended and released devices are
// left alone.
func (r *Resolver) abandon(deviceID string, st *deviceState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.devices[deviceID]; ok && cur == st && st.busy {
		delete(r.devices, deviceID)
	}
}

// cancelled reports whether the fetch running for deviceID was cancelled.
func (r *Resolver) cancelled(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.devices[deviceID]
	return ok && st.cancelled
}

func (r *Resolver) release(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, deviceID)
}

// suspend keeps the device held with a pending fetch. A fetch cancelled
// while it ran is released instead; suspend reports which happened.
func (r *Resolver) suspend(deviceID string, p *pendingFetch) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.devices[deviceID]
	if !ok || st.cancelled {
		delete(r.devices, deviceID)
		return false
	}
	st.busy = false
	st.pending = p
	return true
}

// Pending returns the pending fetch challenge for deviceID.
func (r *Resolver) Pending(deviceID string) (flow.Challenge, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.devices[deviceID]
	if !ok || st.pending == nil {
		return flow.Challenge{}, false
	}
	return st.pending.challenge, true
}

func (r *Resolver) load(ctx context.Context, deviceID string) (device.Record, error) {
	rec, err := r.records.ReadRecord(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return device.NewRecord(deviceID), nil
	}
	return rec, err
}

func (r *Resolver) save(ctx context.Context, rec device.Record) flow.Result {
	if err := r.records.WriteRecord(ctx, rec); err != nil {
		return flow.Fail(flow.ReasonInternal, fmt.Errorf("failed to store record %s: %w", rec.DeviceID, err))
	}
	return flow.OkRecord(rec)
}

// Resolve stores or fetches the secret named by req and makes it active.
func (r *Resolver) Resolve(ctx context.Context, req Request) (res flow.Result) {
	defer flow.Guard(&res)

	if strings.TrimSpace(req.DeviceID) == "" {
		return flow.Fail(flow.ReasonInvalidInput, errors.New("device identifier is required"))
	}
	if !req.Kind.Valid() {
		return flow.Fail(flow.ReasonInvalidInput, fmt.Errorf("invalid secret kind %d", int(req.Kind)))
	}
	if req.RTSPPath != "" && !strings.HasPrefix(req.RTSPPath, "/") {
		req.RTSPPath = "/" + req.RTSPPath
	}

	held, ok := r.acquire(req.DeviceID)
	if !ok {
		return flow.Fail(flow.ReasonFetchInProgress, flow.ErrFetchInProgress)
	}
	defer r.abandon(req.DeviceID, held)

	rec, err := r.load(ctx, req.DeviceID)
	if err != nil {
		r.release(req.DeviceID)
		return flow.Fail(flow.ReasonInternal, err)
	}
	if req.Username != "" {
		rec.Username = req.Username
	}
	if req.RTSPPath != "" {
		rec.RTSPPath = req.RTSPPath
	}

	if !device.IsPlaceholder(req.Value) {
		rec.Secrets.Set(req.Kind, req.Value)
		rec.Kind = req.Kind
		rec.Validated = false
		r.logger.Debug("Storing supplied %s for %s", req.Kind, req.DeviceID)
		defer r.release(req.DeviceID)
		return r.save(ctx, rec)
	}

	if rec.Secrets.Resolved(req.Kind) && !req.Refetch {
		if rec.Kind != req.Kind {
			rec.Kind = req.Kind
			rec.Validated = false
		}
		metrics.RecordSecretFetch(req.Kind.String(), "cached")
		r.logger.Debug("Using cached %s for %s", req.Kind, req.DeviceID)
		defer r.release(req.DeviceID)
		return r.save(ctx, rec)
	}

	return r.fetch(ctx, rec, req.Kind, "")
}

// fetch queries the cloud for kind and stores the answer. The device must
// be held by the caller; fetch releases it unless the fetch is suspended.
func (r *Resolver) fetch(ctx context.Context, rec device.Record, kind device.SecretKind, code string) flow.Result {
	token, res, ok := r.token(ctx)
	if !ok {
		r.release(rec.DeviceID)
		return res
	}

	req := cloud.FetchRequest{Token: token, DeviceID: rec.DeviceID, Kind: kind, MFACode: code}
	value, err := r.client.FetchSecret(ctx, req)
	if cloud.IsSessionExpired(err) {
		r.logger.Debug("Session expired while fetching %s for %s, refreshing", kind, rec.DeviceID)
		if refreshed := r.session.Refresh(ctx); !refreshed.Succeeded() {
			r.release(rec.DeviceID)
			return refreshFailure(refreshed)
		}
		if req.Token, res, ok = r.token(ctx); !ok {
			r.release(rec.DeviceID)
			return res
		}
		value, err = r.client.FetchSecret(ctx, req)
	}

	switch {
	case err == nil && r.cancelled(rec.DeviceID):
		r.release(rec.DeviceID)
		metrics.RecordSecretFetch(kind.String(), "cancelled")
		r.logger.Debug("Discarding %s fetched for %s: cancelled", kind, rec.DeviceID)
		return flow.Fail(flow.ReasonNoPendingChallenge, errors.New("fetch was cancelled"))

	case err == nil:
		rec.Secrets.Set(kind, value)
		rec.Kind = kind
		rec.Validated = false
		metrics.RecordSecretFetch(kind.String(), "success")
		r.logger.Info("Fetched %s for %s", kind, rec.DeviceID)
		defer r.release(rec.DeviceID)
		return r.save(ctx, rec)

	case cloud.IsMFARequired(err) && code == "":
		ch := flow.Challenge{ID: uuid.NewString(), Purpose: FetchPurpose(kind), DeviceID: rec.DeviceID}
		if !r.suspend(rec.DeviceID, &pendingFetch{challenge: ch, record: rec, kind: kind}) {
			return flow.Fail(flow.ReasonNoPendingChallenge, errors.New("fetch was cancelled"))
		}
		metrics.RecordSecretFetch(kind.String(), "mfa_required")
		metrics.RecordMFAChallenge(FetchPurpose(kind))
		r.logger.Info("Verification code required to fetch %s for %s", kind, rec.DeviceID)
		return flow.Need(flow.InputFetchCode, &ch)
	}

	r.release(rec.DeviceID)
	metrics.RecordSecretFetch(kind.String(), "failure")
	switch {
	case cloud.IsMFARejected(err), cloud.IsMFARequired(err):
		return flow.Fail(flow.ReasonMFARejected, err)
	case cloud.IsConnectivity(err):
		return flow.Fail(flow.ReasonConnectivity, err)
	case cloud.IsSessionExpired(err):
		return flow.Fail(flow.ReasonSessionExpired, err)
	case cloud.IsInvalidCredentials(err):
		return flow.Fail(flow.ReasonInvalidCredentials, err)
	}
	var devErr *cloud.DeviceError
	if errors.As(err, &devErr) {
		return flow.Fail(flow.ReasonDevice, err)
	}
	return flow.Fail(flow.ReasonInternal, err)
}

// token returns a usable session token, refreshing an expired session
// first.
func (r *Resolver) token(ctx context.Context) (cloud.Token, flow.Result, bool) {
	token, state := r.session.Token()
	switch state {
	case auth.Authenticated:
		return token, flow.Result{}, true
	case auth.Expired:
		if refreshed := r.session.Refresh(ctx); !refreshed.Succeeded() {
			return cloud.Token{}, refreshFailure(refreshed), false
		}
		token, state = r.session.Token()
		if state == auth.Authenticated {
			return token, flow.Result{}, true
		}
	}
	return cloud.Token{}, flow.Fail(flow.ReasonSessionRequired, flow.ErrSessionRequired), false
}

// refreshFailure reports a refresh that did not end authenticated. A
// refresh waiting for a login code is passed through so the wizard asks
// for it.
func refreshFailure(res flow.Result) flow.Result {
	if res.Outcome == flow.NeedsInput {
		return res
	}
	switch res.Reason() {
	case flow.ReasonConnectivity, flow.ReasonAlreadyInProgress, flow.ReasonInvalidCredentials:
		return res
	}
	return flow.Fail(flow.ReasonSessionExpired, res.Err())
}

// SubmitFetchMFA resumes the suspended fetch for deviceID with code. The
// pending fetch is cleared whatever the outcome.
func (r *Resolver) SubmitFetchMFA(ctx context.Context, deviceID, code string) (res flow.Result) {
	defer flow.Guard(&res)

	code = strings.TrimSpace(code)
	r.mu.Lock()
	st, ok := r.devices[deviceID]
	if !ok || st.pending == nil {
		r.mu.Unlock()
		return flow.Fail(flow.ReasonNoPendingChallenge, flow.ErrNoPendingChallenge)
	}
	if st.busy {
		r.mu.Unlock()
		return flow.Fail(flow.ReasonFetchInProgress, flow.ErrFetchInProgress)
	}
	if code == "" {
		r.mu.Unlock()
		return flow.Fail(flow.ReasonInvalidInput, errors.New("verification code is empty"))
	}
	p := st.pending
	st.pending = nil
	st.busy = true
	r.mu.Unlock()
	defer r.abandon(deviceID, st)

	return r.fetch(ctx, p.record, p.kind, code)
}

// Cancel drops the fetch held for deviceID. A fetch still talking to the
// cloud finishes, but is not suspended afterwards. It reports whether
// anything was held.
func (r *Resolver) Cancel(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.devices[deviceID]
	if !ok {
		return false
	}
	if st.busy {
		st.cancelled = true
		return true
	}
	delete(r.devices, deviceID)
	return true
}

// SelectKind makes kind the active secret of an existing record. The other
// slot is kept.
func (r *Resolver) SelectKind(ctx context.Context, deviceID string, kind device.SecretKind) (res flow.Result) {
	defer flow.Guard(&res)

	if !kind.Valid() {
		return flow.Fail(flow.ReasonInvalidInput, fmt.Errorf("invalid secret kind %d", int(kind)))
	}
	if _, ok := r.acquire(deviceID); !ok {
		return flow.Fail(flow.ReasonFetchInProgress, flow.ErrFetchInProgress)
	}
	defer r.release(deviceID)

	rec, err := r.records.ReadRecord(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return flow.Fail(flow.ReasonInvalidInput, fmt.Errorf("no record for device %s", deviceID))
	}
	if err != nil {
		return flow.Fail(flow.ReasonInternal, err)
	}
	if rec.Kind == kind {
		return flow.OkRecord(rec)
	}
	rec.Kind = kind
	rec.Validated = false
	return r.save(ctx, rec)
}

// Validate checks the active secret of deviceID against the camera at ip.
// It never changes the record and never contacts the cloud.
func (r *Resolver) Validate(ctx context.Context, deviceID, ip string) (res flow.Result) {
	defer flow.Guard(&res)

	rec, err := r.records.ReadRecord(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return flow.Fail(flow.ReasonInvalidInput, fmt.Errorf("no record for device %s", deviceID))
	}
	if err != nil {
		return flow.Fail(flow.ReasonInternal, err)
	}
	if _, ok := rec.ActiveSecret(); !ok {
		metrics.RecordValidation(string(flow.CauseAuth))
		return flow.FailValidation(flow.CauseAuth, fmt.Errorf("%s for %s is not resolved", rec.Kind, deviceID))
	}
	u, err := device.StreamURL(rec, ip)
	if err != nil {
		return flow.Fail(flow.ReasonInvalidInput, err)
	}

	ctx, cancel := withValidateTimeout(ctx, r.opts.ValidateTimeout)
	defer cancel()
	err = r.prober.Probe(ctx, u)
	if err != nil {
		cause := validationCause(err)
		metrics.RecordValidation(string(cause))
		r.logger.Warn("RTSP check failed for %s (%s): %v", deviceID, cause, err)
		return flow.FailValidation(cause, err)
	}
	metrics.RecordValidation("success")
	r.logger.Info("RTSP check succeeded for %s", deviceID)
	return flow.OkRecord(rec)
}

// MarkValidated records that the active secret passed a check.
func (r *Resolver) MarkValidated(ctx context.Context, deviceID string) (res flow.Result) {
	defer flow.Guard(&res)

	if _, ok := r.acquire(deviceID); !ok {
		return flow.Fail(flow.ReasonFetchInProgress, flow.ErrFetchInProgress)
	}
	defer r.release(deviceID)

	rec, err := r.records.ReadRecord(ctx, deviceID)
	if err != nil {
		return flow.Fail(flow.ReasonInvalidInput, err)
	}
	rec.Validated = true
	return r.save(ctx, rec)
}
