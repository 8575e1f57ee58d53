package engine

import (
	"context"
	"fmt"

	"fieldgate.org/internal/audit"
	"fieldgate.org/internal/authn"
	"fieldgate.org/internal/authz"
	"fieldgate.org/internal/credential"
	"fieldgate.org/internal/errs"
)

// MinSecretLength applies to every rotated PIN or password.
const MinSecretLength = 4

// SecretChange asks to replace the active verifier of IdentityID in Scope.
// Current is required when callers change their own secret.
type SecretChange struct {
	IdentityID string
	Scope      credential.Scope
	Current    string
	Secret     string
	RemoteAddr string
}

// RotateSecret replaces a verifier. Identities rotating their own secret
// re-prove the current one through the login lockout. Rotating someone
// else's needs credential:rotate on their team from an assignment that
// covers every assignment the target holds; holders of the system role or
// of organization-wide or broader assignments are never rotated this way.
func (e *Engine) RotateSecret(ctx context.Context, p Principal, c SecretChange) error {
	if !c.Scope.Valid() {
		return fmt.Errorf("%w: unknown credential scope %q", ErrInvalidRequest, c.Scope)
	}
	if len(c.Secret) < MinSecretLength {
		return fmt.Errorf("%w: secret shorter than %d characters", ErrInvalidRequest, MinSecretLength)
	}
	target, err := e.lookup(ctx, c.IdentityID)
	if err != nil {
		return err
	}
	if target.ID == p.ID() {
		err = e.reverify(ctx, p, c)
	} else {
		err = e.mayRotateFor(ctx, p, target)
	}
	if err != nil {
		return err
	}

	hash, err := credential.HashSecretWith(c.Secret, e.hashParams)
	if err != nil {
		return errs.Internal("engine: hash secret", err)
	}
	sctx, cancel := e.bounded(ctx)
	v, err := e.creds.Rotate(sctx, target.ID, c.Scope, hash)
	cancel()
	if err != nil {
		return errs.Internal("engine: rotate verifier", err)
	}
	e.audit(ctx, audit.Record{
		Actor:    p.ID(),
		Action:   "credential.rotate",
		Resource: "identity:" + target.ID,
		Decision: audit.DecisionAllow,
		Fields:   map[string]any{"scope": string(c.Scope), "verifier_id": v.ID},
	})
	return nil
}

func (e *Engine) reverify(ctx context.Context, p Principal, c SecretChange) error {
	if c.Current == "" {
		return fmt.Errorf("%w: current secret is required", ErrInvalidRequest)
	}
	_, err := e.authn.Reverify(ctx, authn.Attempt{
		DeviceID:    p.Device.ID,
		PrincipalID: p.ID(),
		Secret:      c.Current,
		Scope:       c.Scope,
		RemoteAddr:  c.RemoteAddr,
	})
	return err
}

func (e *Engine) mayRotateFor(ctx context.Context, p Principal, target authn.Identity) error {
	d, err := e.decide(ctx, p, authz.ResourceCredential, authz.ActionRotate, target.TeamScope())
	if err != nil {
		return err
	}
	held, err := e.resolver.Assignments(ctx, target.ID)
	if err != nil {
		return err
	}
	home := target.SelfScope()
	for _, a := range held {
		if a.RoleID == e.resolver.SystemAdminRole() || !covers(d.Via, a.Scope, home) {
			e.deny(ctx, p, authz.ResourceCredential+":"+authz.ActionRotate, map[string]any{
				"target": target.ID,
				"held":   a.RoleID + "@" + a.Scope.String(),
			})
			return authz.ErrForbidden
		}
	}
	return nil
}

// covers reports whether the granting scope via reaches an assignment held
// at held by an identity whose own ancestry is home. Organization-wide and
// broader assignments are never covered, and neither is a scope outside the
// target's home chain unless via names it exactly.
func covers(via, held authz.ScopeRef, home authz.Scope) bool {
	if held.Level >= authz.LevelOrganization {
		return false
	}
	if via == held {
		return true
	}
	if home.IDAt(held.Level) != held.ID {
		return false
	}
	s := home
	s.Level = held.Level
	return authz.Dominates(via, s)
}
