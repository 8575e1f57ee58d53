// Package authn verifies device, principal and secret for logins and for
// the supervisor override flow.
package authn

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"fieldgate.org/internal/audit"
	"fieldgate.org/internal/credential"
	"fieldgate.org/internal/errs"
	"fieldgate.org/internal/lockout"
	"fieldgate.org/internal/obs"
	"fieldgate.org/internal/stream"
)

// Client-facing failures. Which factor failed is never revealed.
var (
	ErrInvalidCredentials = errs.New(errs.CodeInvalidCredentials, "invalid credentials")
	ErrLockedOut          = errs.New(errs.CodeLockedOut, "too many failed attempts")
	ErrRateLimited        = errs.New(errs.CodeRateLimited, "too many requests")
)

const supervisorKeyPrefix = "supervisor:"

// Attempt is one credential presentation. Secret is never logged.
type Attempt struct {
	DeviceID    string
	PrincipalID string
	Secret      string
	// Scope defaults to the PIN verifier.
	Scope      credential.Scope
	RemoteAddr string
}

// Authenticated is the handle returned on success.
type Authenticated struct {
	Principal Identity
	Device    Identity
	Scope     credential.Scope
}

// BindingCheck decides whether an authenticated supervisor may act for the
// device's team.
type BindingCheck func(ctx context.Context, supervisor, device Identity) error

// Authenticator runs the login state machine.
type Authenticator struct {
	dir          Directory
	creds        credential.Store
	tracker      lockout.Tracker
	guard        *lockout.Guard
	sink         audit.Sink
	events       *stream.Stream
	dummy        string
	params       credential.Params
	storeTimeout time.Duration
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithGuard enables the coarse per-address and per-device limiter.
func WithGuard(g *lockout.Guard) Option { return func(a *Authenticator) { a.guard = g } }

// WithAudit sets the audit sink.
func WithAudit(s audit.Sink) Option { return func(a *Authenticator) { a.sink = s } }

// WithEvents publishes lockout transitions.
func WithEvents(s *stream.Stream) Option { return func(a *Authenticator) { a.events = s } }

// WithHashParams sets the cost of the throwaway verifier used for unknown
// identities. It should match the cost of stored verifiers.
func WithHashParams(p credential.Params) Option { return func(a *Authenticator) { a.params = p } }

// WithStoreTimeout bounds every store round trip.
func WithStoreTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.storeTimeout = d
		}
	}
}

// NewAuthenticator wires the collaborators.
func NewAuthenticator(dir Directory, creds credential.Store, tracker lockout.Tracker, opts ...Option) (*Authenticator, error) {
	if dir == nil || creds == nil || tracker == nil {
		return nil, errors.New("authn: directory, credential store and tracker are required")
	}
	a := &Authenticator{
		dir:          dir,
		creds:        creds,
		tracker:      tracker,
		sink:         audit.LogSink{},
		params:       credential.DefaultParams,
		storeTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	dummy, err := credential.HashSecretWith("fieldgate-dummy-secret", a.params)
	if err != nil {
		return nil, err
	}
	a.dummy = dummy
	return a, nil
}

// Authenticate verifies device, principal and secret. The principal must
// belong to the device's team.
func (a *Authenticator) Authenticate(ctx context.Context, at Attempt) (Authenticated, error) {
	if at.Scope == "" {
		at.Scope = credential.ScopePIN
	}
	return a.run(ctx, at, flow{
		action:    "auth.login",
		lockKey:   lockout.Key{IdentityID: at.PrincipalID, DeviceID: at.DeviceID},
		teamBound: true,
	})
}

// Supervisor verifies a supervisor's secondary secret on an operator's
// device. The supervisor verifier scope has its own lockout counter, and
// check decides whether the supervisor may act for the device's team.
func (a *Authenticator) Supervisor(ctx context.Context, at Attempt, check BindingCheck) (Authenticated, error) {
	at.Scope = credential.ScopeSupervisor
	return a.run(ctx, at, flow{
		action:  "auth.supervisor",
		lockKey: lockout.Key{IdentityID: supervisorKeyPrefix + at.PrincipalID, DeviceID: at.DeviceID},
		check:   check,
	})
}

// Reverify checks the current secret of an identity that already holds a
// session, before it changes that secret. Failures count against the same
// lockout key a login in that scope uses.
func (a *Authenticator) Reverify(ctx context.Context, at Attempt) (Authenticated, error) {
	if at.Scope == "" {
		at.Scope = credential.ScopePIN
	}
	key := lockout.Key{IdentityID: at.PrincipalID, DeviceID: at.DeviceID}
	if at.Scope == credential.ScopeSupervisor {
		key.IdentityID = supervisorKeyPrefix + at.PrincipalID
	}
	return a.run(ctx, at, flow{action: "auth.reverify", lockKey: key})
}

type flow struct {
	action    string
	lockKey   lockout.Key
	teamBound bool
	check     BindingCheck
}

func (a *Authenticator) run(ctx context.Context, at Attempt, f flow) (Authenticated, error) {
	rec := audit.Record{
		Actor:    at.PrincipalID,
		Action:   f.action,
		Resource: "device:" + at.DeviceID,
		Fields:   map[string]any{"remote_addr": at.RemoteAddr, "scope": string(at.Scope)},
	}

	if ok, retry := a.allow(at); !ok {
		return Authenticated{}, a.finish(ctx, rec, "rate_limited", errs.Retry(ErrRateLimited, retry))
	}

	device, principal, known, err := a.resolve(ctx, at, f.teamBound)
	if err != nil {
		return Authenticated{}, a.finish(ctx, rec, "error", errs.Internal("authn: directory lookup", err))
	}

	status, err := a.check(ctx, f.lockKey)
	if err != nil {
		return Authenticated{}, a.finish(ctx, rec, "error", errs.Internal("authn: lockout check", err))
	}
	if status.Phase == lockout.Locked {
		rec.Fields["retry_after_seconds"] = int64(status.RetryAfter / time.Second)
		return Authenticated{}, a.finish(ctx, rec, "locked_out", errs.Retry(ErrLockedOut, status.RetryAfter))
	}

	match := false
	if known {
		match, err = a.compare(ctx, at)
		if err != nil {
			return Authenticated{}, a.finish(ctx, rec, "error", err)
		}
	} else {
		credential.DummyCompare(a.dummy, at.Secret)
	}

	if !match {
		st, err := a.recordFailure(ctx, f.lockKey)
		if err != nil {
			return Authenticated{}, a.finish(ctx, rec, "error", errs.Internal("authn: record failure", err))
		}
		rec.Fields["failures"] = st.Failures
		if st.Phase == lockout.Locked {
			a.events.Publish(stream.Event{
				Type:    stream.LockoutEngaged,
				Subject: at.PrincipalID,
				TeamID:  device.TeamID,
				Fields:  map[string]string{"device_id": at.DeviceID},
			})
		}
		return Authenticated{}, a.finish(ctx, rec, "invalid_credentials", ErrInvalidCredentials)
	}

	if err := a.reset(ctx, f.lockKey); err != nil {
		return Authenticated{}, a.finish(ctx, rec, "error", errs.Internal("authn: reset lockout", err))
	}
	if f.check != nil {
		if err := f.check(ctx, principal, device); err != nil {
			return Authenticated{}, a.finish(ctx, rec, "forbidden", err)
		}
	}
	a.finish(ctx, rec, "success", nil)
	return Authenticated{Principal: principal, Device: device, Scope: at.Scope}, nil
}

func (a *Authenticator) allow(at Attempt) (bool, time.Duration) {
	if a.guard == nil {
		return true, 0
	}
	if at.RemoteAddr != "" {
		if ok, retry := a.guard.Allow("addr:" + at.RemoteAddr); !ok {
			return false, retry
		}
	}
	return a.guard.Allow("device:" + at.DeviceID)
}

// resolve reports known=false for every unknown, disabled or mismatched
// identity; only store failures are errors.
func (a *Authenticator) resolve(ctx context.Context, at Attempt, teamBound bool) (device, principal Identity, known bool, err error) {
	if strings.TrimSpace(at.DeviceID) == "" || strings.TrimSpace(at.PrincipalID) == "" || at.Secret == "" {
		return device, principal, false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()

	device, err = a.dir.LookupIdentity(ctx, at.DeviceID)
	if errors.Is(err, ErrUnknownIdentity) {
		return Identity{}, principal, false, nil
	}
	if err != nil {
		return device, principal, false, err
	}
	principal, err = a.dir.LookupIdentity(ctx, at.PrincipalID)
	if errors.Is(err, ErrUnknownIdentity) {
		return device, Identity{}, false, nil
	}
	if err != nil {
		return device, principal, false, err
	}
	known = device.Kind == KindDevice && device.Active() &&
		principal.Kind == KindHuman && principal.Active()
	if teamBound && principal.TeamID != device.TeamID {
		known = false
	}
	return device, principal, known, nil
}

func (a *Authenticator) check(ctx context.Context, key lockout.Key) (lockout.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()
	return a.tracker.Check(ctx, key)
}

func (a *Authenticator) recordFailure(ctx context.Context, key lockout.Key) (lockout.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()
	return a.tracker.RecordFailure(ctx, key)
}

func (a *Authenticator) reset(ctx context.Context, key lockout.Key) error {
	ctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()
	return a.tracker.Reset(ctx, key)
}

// compare checks the secret against the active verifier. A missing or
// malformed verifier is a mismatch.
func (a *Authenticator) compare(ctx context.Context, at Attempt) (bool, error) {
	sctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	v, err := a.creds.ActiveVerifier(sctx, at.PrincipalID, at.Scope)
	cancel()
	if errors.Is(err, credential.ErrNotFound) {
		credential.DummyCompare(a.dummy, at.Secret)
		return false, nil
	}
	if err != nil {
		return false, errs.Internal("authn: load verifier", err)
	}
	ok, err := credential.CompareSecret(v.Hash, at.Secret)
	if err != nil {
		obs.Logger().Error("verifier_unreadable",
			slog.String("identity_id", at.PrincipalID),
			slog.String("request_id", audit.CorrelationID(ctx)),
			slog.String("error", err.Error()))
		return false, nil
	}
	return ok, nil
}

// finish audits the outcome and returns err unchanged.
func (a *Authenticator) finish(ctx context.Context, rec audit.Record, outcome string, err error) error {
	rec.Fields["outcome"] = outcome
	rec.Decision = audit.DecisionDeny
	switch outcome {
	case "success":
		rec.Decision = audit.DecisionAllow
	case "error":
		rec.Decision = audit.DecisionError
	}
	obs.AuthAttempt(outcome)
	audit.Emit(ctx, a.sink, rec)
	return err
}
