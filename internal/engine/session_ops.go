package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"fieldgate.org/internal/audit"
	"fieldgate.org/internal/authn"
	"fieldgate.org/internal/authz"
	"fieldgate.org/internal/errs"
	"fieldgate.org/internal/obs"
	"fieldgate.org/internal/stream"
	"fieldgate.org/internal/token"
)

// LoginResult is returned to the device after a successful login.
type LoginResult struct {
	Pair      token.Pair
	Principal authn.Identity
	Device    authn.Identity
}

// Login authenticates device, principal and PIN and opens a session.
func (e *Engine) Login(ctx context.Context, at authn.Attempt) (LoginResult, error) {
	res, err := e.authn.Authenticate(ctx, at)
	if err != nil {
		return LoginResult{}, err
	}
	sub := token.Subject{IdentityID: res.Principal.ID, DeviceID: res.Device.ID, TeamID: res.Device.TeamID}
	pair, err := e.issuer.IssuePair(ctx, sub)
	if err != nil {
		return LoginResult{}, errs.Internal("engine: issue tokens", err)
	}
	if err := e.startSession(ctx, pair, sub); err != nil {
		return LoginResult{}, err
	}
	e.audit(ctx, audit.Record{
		Actor:    sub.IdentityID,
		Action:   "token.issue",
		Resource: "device:" + sub.DeviceID,
		Decision: audit.DecisionAllow,
		Fields:   map[string]any{"jti": pair.Access.JTI, "refresh_jti": pair.Refresh.JTI},
	})
	return LoginResult{Pair: pair, Principal: res.Principal, Device: res.Device}, nil
}

// Refresh rotates a refresh token. The presented token is consumed
// exactly once; the access token of the old session is revoked with it.
func (e *Engine) Refresh(ctx context.Context, raw string) (token.Pair, error) {
	pair, old, err := e.issuer.Refresh(ctx, raw)
	if err != nil {
		return token.Pair{}, err
	}
	sub := old.Bearer()
	if err := e.requireActive(ctx, sub); err != nil {
		return token.Pair{}, err
	}
	if prev, err := e.findSession(ctx, old.ID); err == nil {
		e.revokeQuietly(ctx, prev, token.ReasonRotated)
	}
	if err := e.startSession(ctx, pair, sub); err != nil {
		return token.Pair{}, err
	}
	e.audit(ctx, audit.Record{
		Actor:    sub.IdentityID,
		Action:   "token.refresh",
		Resource: "device:" + sub.DeviceID,
		Decision: audit.DecisionAllow,
		Fields:   map[string]any{"consumed_jti": old.ID, "jti": pair.Access.JTI},
	})
	return pair, nil
}

// Logout revokes the presented access token and its refresh token.
func (e *Engine) Logout(ctx context.Context, p Principal) error {
	if p.Claims == nil {
		return token.ErrInvalid
	}
	if _, err := e.issuer.Revoke(ctx, p.Claims, token.ReasonLogout); err != nil {
		return err
	}
	if sess, err := e.findSession(ctx, p.Claims.ID); err == nil {
		e.revokeQuietly(ctx, sess, token.ReasonLogout)
	}
	e.publishRevoked(p.ID(), p.Identity.TeamID, p.Claims.ID, token.ReasonLogout)
	e.audit(ctx, audit.Record{
		Actor:    p.ID(),
		Action:   "token.revoke",
		Resource: "session:" + p.Claims.ID,
		Decision: audit.DecisionAllow,
		Fields:   map[string]any{"reason": string(token.ReasonLogout)},
	})
	return nil
}

// EndSession force-closes another identity's session (access and refresh).
func (e *Engine) EndSession(ctx context.Context, p Principal, jti string) error {
	sess, err := e.findSession(ctx, jti)
	if err != nil {
		return err
	}
	owner, err := e.lookup(ctx, sess.IdentityID)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, p, authz.ResourceSession, authz.ActionEnd, owner.TeamScope()); err != nil {
		return err
	}
	if err := e.revokeSession(ctx, sess, token.ReasonSessionEnded); err != nil {
		return err
	}
	e.publishRevoked(sess.IdentityID, sess.TeamID, sess.ID, token.ReasonSessionEnded)
	e.audit(ctx, audit.Record{
		Actor:    p.ID(),
		Action:   "token.revoke",
		Resource: "session:" + sess.ID,
		Decision: audit.DecisionAllow,
		Fields:   map[string]any{"reason": string(token.ReasonSessionEnded), "subject": sess.IdentityID},
	})
	return nil
}

// Authenticate verifies a bearer access or override token and loads the
// identity behind it. Identities disabled after issuance are rejected.
func (e *Engine) Authenticate(ctx context.Context, raw string) (Principal, error) {
	claims, err := e.issuer.Verify(ctx, raw, token.KindAccess, token.KindOverride)
	if err != nil {
		return Principal{}, err
	}
	ident, err := e.lookup(ctx, claims.Subject)
	if errors.Is(err, ErrNotFound) {
		return Principal{}, token.ErrRevoked
	}
	if err != nil {
		return Principal{}, err
	}
	if !ident.Active() {
		return Principal{}, token.ErrRevoked
	}
	p := Principal{Identity: ident, Claims: claims}
	if claims.DeviceID != "" {
		dev, err := e.lookup(ctx, claims.DeviceID)
		if errors.Is(err, ErrNotFound) {
			return Principal{}, token.ErrRevoked
		}
		if err != nil {
			return Principal{}, err
		}
		if !dev.Active() {
			return Principal{}, token.ErrRevoked
		}
		p.Device = dev
	}
	return p, nil
}

// WhoAmI describes the presented credential.
type WhoAmI struct {
	IdentityID   string             `json:"identity_id"`
	Kind         authn.Kind         `json:"kind"`
	TeamID       string             `json:"team_id"`
	RegionID     string             `json:"region_id,omitempty"`
	OrgID        string             `json:"org_id,omitempty"`
	DeviceID     string             `json:"device_id,omitempty"`
	TokenKind    token.Kind         `json:"token_kind"`
	TokenID      string             `json:"token_id"`
	ExpiresAt    time.Time          `json:"expires_at"`
	Override     bool               `json:"override"`
	SupervisorID string             `json:"supervisor_id,omitempty"`
	Assignments  []authz.Assignment `json:"assignments"`
}

// WhoAmI returns the principal's identity, token and assignments.
func (e *Engine) WhoAmI(ctx context.Context, p Principal) (WhoAmI, error) {
	if p.Claims == nil {
		return WhoAmI{}, token.ErrInvalid
	}
	sctx, cancel := e.bounded(ctx)
	assignments, err := e.dir.ListAssignments(sctx, p.ID())
	cancel()
	if err != nil {
		return WhoAmI{}, errs.Internal("engine: list assignments", err)
	}
	if assignments == nil {
		assignments = []authz.Assignment{}
	}
	return WhoAmI{
		IdentityID:   p.ID(),
		Kind:         p.Identity.Kind,
		TeamID:       p.Identity.TeamID,
		RegionID:     p.Identity.RegionID,
		OrgID:        p.Identity.OrgID,
		DeviceID:     p.Claims.DeviceID,
		TokenKind:    p.Claims.Kind,
		TokenID:      p.Claims.ID,
		ExpiresAt:    p.ExpiresAt().UTC(),
		Override:     p.Override(),
		SupervisorID: p.Claims.SupervisorID,
		Assignments:  assignments,
	}, nil
}

func (e *Engine) requireActive(ctx context.Context, sub token.Subject) error {
	ident, err := e.lookup(ctx, sub.IdentityID)
	if errors.Is(err, ErrNotFound) {
		return token.ErrRevoked
	}
	if err != nil {
		return err
	}
	if !ident.Active() {
		return token.ErrRevoked
	}
	return nil
}

func (e *Engine) startSession(ctx context.Context, pair token.Pair, sub token.Subject) error {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	err := e.sessions.Start(ctx, Session{
		ID:              pair.Access.JTI,
		RefreshJTI:      pair.Refresh.JTI,
		Kind:            token.KindAccess,
		IdentityID:      sub.IdentityID,
		DeviceID:        sub.DeviceID,
		TeamID:          sub.TeamID,
		StartedAt:       pair.Access.IssuedAt,
		AccessExpiresAt: pair.Access.ExpiresAt,
		ExpiresAt:       pair.Refresh.ExpiresAt,
	})
	if err != nil {
		return errs.Internal("engine: record session", err)
	}
	return nil
}

func (e *Engine) findSession(ctx context.Context, jti string) (Session, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	sess, err := e.sessions.Lookup(ctx, jti)
	if errors.Is(err, ErrSessionNotFound) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, errs.Internal("engine: session lookup", err)
	}
	return sess, nil
}

// revokeSession writes every token id of sess into the ledger and marks it
// ended. Ledger failures are returned; session bookkeeping failures are
// logged since the ledger is authoritative.
func (e *Engine) revokeSession(ctx context.Context, sess Session, reason token.Reason) error {
	entries := []token.Entry{{
		JTI: sess.ID, Subject: sess.IdentityID, Kind: sess.Kind, Reason: reason, ExpiresAt: sess.AccessExpiresAt,
	}}
	if sess.Kind == token.KindOverride {
		entries[0].ExpiresAt = sess.ExpiresAt
	}
	if sess.RefreshJTI != "" {
		entries = append(entries, token.Entry{
			JTI: sess.RefreshJTI, Subject: sess.IdentityID, Kind: token.KindRefresh, Reason: reason, ExpiresAt: sess.ExpiresAt,
		})
	}
	for _, entry := range entries {
		if _, err := e.issuer.RevokeEntry(ctx, entry); err != nil {
			return err
		}
	}
	sctx, cancel := e.bounded(ctx)
	defer cancel()
	if err := e.sessions.End(sctx, sess.ID, string(reason), e.clock.Now().UTC()); err != nil {
		obs.Logger().Warn("session_end_failed",
			slog.String("request_id", audit.CorrelationID(ctx)),
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()))
	}
	return nil
}

// revokeQuietly is revokeSession for follow-up revocations whose failure
// must not undo the primary operation.
func (e *Engine) revokeQuietly(ctx context.Context, sess Session, reason token.Reason) {
	if err := e.revokeSession(ctx, sess, reason); err != nil {
		obs.Logger().Error("session_revoke_failed",
			slog.String("request_id", audit.CorrelationID(ctx)),
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) publishRevoked(subject, teamID, jti string, reason token.Reason) {
	e.events.Publish(stream.Event{
		Type:    stream.TokenRevoked,
		Subject: subject,
		TeamID:  teamID,
		Fields:  map[string]string{"jti": jti, "reason": string(reason)},
	})
}
