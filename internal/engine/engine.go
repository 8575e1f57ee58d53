// Package engine exposes the transport-facing operations: login, refresh,
// logout, whoami, policy fetch and reissue, supervisor override and
// secret rotation. Each operation composes the authenticator, token
// issuer, permission resolver and policy signer; transports only map
// requests and errors.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"fieldgate.org/internal/audit"
	"fieldgate.org/internal/authn"
	"fieldgate.org/internal/authz"
	"fieldgate.org/internal/clock"
	"fieldgate.org/internal/credential"
	"fieldgate.org/internal/errs"
	"fieldgate.org/internal/obs"
	"fieldgate.org/internal/policy"
	"fieldgate.org/internal/stream"
	"fieldgate.org/internal/token"
)

// ErrNotFound is the client-facing miss for devices and sessions.
var ErrNotFound = errs.New(errs.CodeNotFound, "not found")

// ErrInvalidRequest is returned for malformed operation input.
var ErrInvalidRequest = errs.New(errs.CodeInvalidRequest, "invalid request")

// Deps are the collaborators an Engine composes. Audit and Events are
// optional.
type Deps struct {
	Authenticator *authn.Authenticator
	Issuer        *token.Issuer
	Resolver      *authz.Resolver
	Signer        *policy.Signer
	Directory     authn.Directory
	Credentials   credential.Store
	Sessions      SessionStore
	Audit         audit.Sink
	Events        *stream.Stream
}

// Engine is safe for concurrent use.
type Engine struct {
	authn    *authn.Authenticator
	issuer   *token.Issuer
	resolver *authz.Resolver
	signer   *policy.Signer
	dir      authn.Directory
	creds    credential.Store
	sessions SessionStore
	sink     audit.Sink
	events   *stream.Stream

	clock        clock.Clock
	storeTimeout time.Duration
	hashParams   credential.Params
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for session bookkeeping.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithStoreTimeout bounds directory and session store calls.
func WithStoreTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.storeTimeout = d
		}
	}
}

// WithHashParams sets the argon2id cost for rotated secrets.
func WithHashParams(p credential.Params) Option {
	return func(e *Engine) { e.hashParams = p }
}

// New validates deps.
func New(d Deps, opts ...Option) (*Engine, error) {
	switch {
	case d.Authenticator == nil:
		return nil, errors.New("engine: authenticator is required")
	case d.Issuer == nil:
		return nil, errors.New("engine: token issuer is required")
	case d.Resolver == nil:
		return nil, errors.New("engine: permission resolver is required")
	case d.Signer == nil:
		return nil, errors.New("engine: policy signer is required")
	case d.Directory == nil || d.Credentials == nil || d.Sessions == nil:
		return nil, errors.New("engine: directory, credential and session stores are required")
	}
	e := &Engine{
		authn:        d.Authenticator,
		issuer:       d.Issuer,
		resolver:     d.Resolver,
		signer:       d.Signer,
		dir:          d.Directory,
		creds:        d.Credentials,
		sessions:     d.Sessions,
		sink:         d.Audit,
		events:       d.Events,
		clock:        clock.Real(),
		storeTimeout: 2 * time.Second,
		hashParams:   credential.DefaultParams,
	}
	if e.sink == nil {
		e.sink = audit.LogSink{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Signer exposes the policy signer for key publication.
func (e *Engine) Signer() *policy.Signer { return e.signer }

func (e *Engine) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.storeTimeout)
}

func (e *Engine) lookup(ctx context.Context, id string) (authn.Identity, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	ident, err := e.dir.LookupIdentity(ctx, id)
	if errors.Is(err, authn.ErrUnknownIdentity) {
		return authn.Identity{}, ErrNotFound
	}
	if err != nil {
		return authn.Identity{}, errs.Internal("engine: directory lookup", err)
	}
	return ident, nil
}

func (e *Engine) audit(ctx context.Context, rec audit.Record) {
	audit.Emit(ctx, e.sink, rec)
}

// authorize runs a permission check and audits denials.
func (e *Engine) authorize(ctx context.Context, p Principal, resource, action string, scope authz.Scope) error {
	_, err := e.decide(ctx, p, resource, action, scope)
	return err
}

// decide is authorize that also returns the granting decision.
func (e *Engine) decide(ctx context.Context, p Principal, resource, action string, scope authz.Scope) (authz.Decision, error) {
	d, err := e.resolver.Check(ctx, p.Request(resource, action, scope))
	if err != nil {
		obs.Logger().Error("permission_check_failed",
			slog.String("request_id", audit.CorrelationID(ctx)),
			slog.String("identity_id", p.ID()),
			slog.String("error", err.Error()))
		return authz.Decision{}, err
	}
	if !d.Allowed {
		e.deny(ctx, p, resource+":"+action, map[string]any{"scope": scope.String(), "override": p.Override()})
		return authz.Decision{}, authz.ErrForbidden
	}
	return d, nil
}

func (e *Engine) deny(ctx context.Context, p Principal, resource string, fields map[string]any) {
	e.audit(ctx, audit.Record{
		Actor:    p.ID(),
		Action:   "authz.check",
		Resource: resource,
		Decision: audit.DecisionDeny,
		Fields:   fields,
	})
}

// Authorize is the generic check for privileged calls outside the engine.
func (e *Engine) Authorize(ctx context.Context, p Principal, resource, action string, scope authz.Scope) error {
	return e.authorize(ctx, p, resource, action, scope)
}
