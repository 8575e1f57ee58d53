package engine

import (
	"context"
	"fmt"
	"strings"

	"fieldgate.org/internal/audit"
	"fieldgate.org/internal/authn"
	"fieldgate.org/internal/authz"
	"fieldgate.org/internal/errs"
	"fieldgate.org/internal/stream"
	"fieldgate.org/internal/token"
)

// OverrideRequest is a supervisor's secondary authentication on the
// operator's device.
type OverrideRequest struct {
	SupervisorID string
	Secret       string
	RemoteAddr   string
}

// SupervisorOverrideLogin verifies the supervisor against the supervisor
// verifier scope and, when the supervisor may grant overrides for the
// device's team, issues a time-boxed override token to the operator p.
func (e *Engine) SupervisorOverrideLogin(ctx context.Context, p Principal, req OverrideRequest) (token.Token, error) {
	if p.Claims == nil || p.Claims.DeviceID == "" {
		return token.Token{}, fmt.Errorf("%w: override requires a device session", ErrInvalidRequest)
	}
	if p.Override() {
		return token.Token{}, fmt.Errorf("%w: override tokens cannot be chained", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.SupervisorID) == p.ID() {
		return token.Token{}, fmt.Errorf("%w: supervisor must differ from operator", ErrInvalidRequest)
	}
	check := func(ctx context.Context, sup, dev authn.Identity) error {
		d, err := e.resolver.Check(ctx, authz.Request{
			IdentityID: sup.ID,
			Resource:   authz.ResourceOverride,
			Action:     authz.ActionGrant,
			Scope:      dev.TeamScope(),
		})
		if err != nil {
			return err
		}
		if !d.Allowed {
			return authz.ErrForbidden
		}
		return nil
	}
	res, err := e.authn.Supervisor(ctx, authn.Attempt{
		DeviceID:    p.Claims.DeviceID,
		PrincipalID: req.SupervisorID,
		Secret:      req.Secret,
		RemoteAddr:  req.RemoteAddr,
	}, check)
	if err != nil {
		return token.Token{}, err
	}

	sub := token.Subject{IdentityID: p.ID(), DeviceID: res.Device.ID, TeamID: res.Device.TeamID}
	tok, err := e.issuer.IssueOverride(ctx, sub, res.Principal.ID)
	if err != nil {
		return token.Token{}, errs.Internal("engine: issue override", err)
	}
	sctx, cancel := e.bounded(ctx)
	err = e.sessions.Start(sctx, Session{
		ID:              tok.JTI,
		Kind:            token.KindOverride,
		IdentityID:      sub.IdentityID,
		DeviceID:        sub.DeviceID,
		TeamID:          sub.TeamID,
		SupervisorID:    res.Principal.ID,
		StartedAt:       tok.IssuedAt,
		AccessExpiresAt: tok.ExpiresAt,
		ExpiresAt:       tok.ExpiresAt,
		OverrideUntil:   tok.ExpiresAt,
	})
	cancel()
	if err != nil {
		return token.Token{}, errs.Internal("engine: record override session", err)
	}
	e.events.Publish(stream.Event{
		Type:    stream.OverrideStart,
		Subject: sub.IdentityID,
		TeamID:  sub.TeamID,
		Fields:  map[string]string{"jti": tok.JTI, "supervisor_id": res.Principal.ID, "device_id": sub.DeviceID},
	})
	e.audit(ctx, audit.Record{
		Actor:    res.Principal.ID,
		Action:   "override.grant",
		Resource: "device:" + sub.DeviceID,
		Decision: audit.DecisionAllow,
		Fields:   map[string]any{"subject": sub.IdentityID, "jti": tok.JTI, "until": tok.ExpiresAt},
	})
	return tok, nil
}

// SupervisorOverrideRevoke ends an override early. The granting
// supervisor, the operator holding it, or anyone with override:revoke on
// the operator's team may revoke.
func (e *Engine) SupervisorOverrideRevoke(ctx context.Context, p Principal, jti string) error {
	sess, err := e.findSession(ctx, jti)
	if err != nil {
		return err
	}
	if sess.Kind != token.KindOverride {
		return ErrNotFound
	}
	if p.ID() != sess.SupervisorID && p.ID() != sess.IdentityID {
		owner, err := e.lookup(ctx, sess.IdentityID)
		if err != nil {
			return err
		}
		if err := e.authorize(ctx, p, authz.ResourceOverride, authz.ActionRevoke, owner.TeamScope()); err != nil {
			return err
		}
	}
	if err := e.revokeSession(ctx, sess, token.ReasonOverrideRevoked); err != nil {
		return err
	}
	e.publishRevoked(sess.IdentityID, sess.TeamID, sess.ID, token.ReasonOverrideRevoked)
	e.audit(ctx, audit.Record{
		Actor:    p.ID(),
		Action:   "override.revoke",
		Resource: "session:" + sess.ID,
		Decision: audit.DecisionAllow,
		Fields:   map[string]any{"subject": sess.IdentityID, "supervisor_id": sess.SupervisorID},
	})
	return nil
}
