package engine

import (
	"context"
	"errors"
	"strconv"

	"fieldgate.org/internal/audit"
	"fieldgate.org/internal/authn"
	"fieldgate.org/internal/authz"
	"fieldgate.org/internal/policy"
	"fieldgate.org/internal/stream"
)

// FetchPolicy returns the signed policy for deviceID. The caller needs
// policy:read on the device's team.
func (e *Engine) FetchPolicy(ctx context.Context, p Principal, deviceID string) (policy.Signed, error) {
	dev, err := e.policyDevice(ctx, deviceID)
	if err != nil {
		return policy.Signed{}, err
	}
	if err := e.authorize(ctx, p, authz.ResourcePolicy, authz.ActionRead, dev.TeamScope()); err != nil {
		return policy.Signed{}, err
	}
	signed, err := e.signer.Issue(ctx, dev.ID, dev.TeamID)
	if err != nil {
		e.auditPolicy(ctx, p, "policy.issue", dev, policy.Signed{}, err)
		return policy.Signed{}, err
	}
	e.auditPolicy(ctx, p, "policy.issue", dev, signed, nil)
	return signed, nil
}

// ReissuePolicy signs a new version for deviceID regardless of the cache.
// The caller needs policy:reissue on the device's team.
func (e *Engine) ReissuePolicy(ctx context.Context, p Principal, deviceID string) (policy.Signed, error) {
	dev, err := e.policyDevice(ctx, deviceID)
	if err != nil {
		return policy.Signed{}, err
	}
	if err := e.authorize(ctx, p, authz.ResourcePolicy, authz.ActionReissue, dev.TeamScope()); err != nil {
		return policy.Signed{}, err
	}
	signed, err := e.signer.Reissue(ctx, dev.ID, dev.TeamID)
	if err != nil {
		e.auditPolicy(ctx, p, "policy.reissue", dev, policy.Signed{}, err)
		return policy.Signed{}, err
	}
	e.auditPolicy(ctx, p, "policy.reissue", dev, signed, nil)
	e.events.Publish(stream.Event{
		Type:    stream.PolicyReissued,
		Subject: dev.ID,
		TeamID:  dev.TeamID,
		Fields:  map[string]string{"version": strconv.FormatUint(signed.Version, 10), "digest": signed.Digest},
	})
	return signed, nil
}

func (e *Engine) policyDevice(ctx context.Context, deviceID string) (authn.Identity, error) {
	dev, err := e.lookup(ctx, deviceID)
	if err != nil {
		return authn.Identity{}, err
	}
	if dev.Kind != authn.KindDevice || !dev.Active() {
		return authn.Identity{}, ErrNotFound
	}
	return dev, nil
}

func (e *Engine) auditPolicy(ctx context.Context, p Principal, action string, dev authn.Identity, s policy.Signed, err error) {
	rec := audit.Record{
		Actor:    p.ID(),
		Action:   action,
		Resource: "device:" + dev.ID,
		Decision: audit.DecisionAllow,
		Fields:   map[string]any{"team_id": dev.TeamID},
	}
	if err != nil {
		rec.Decision = audit.DecisionError
		if errors.Is(err, policy.ErrConfig) {
			rec.Fields["error"] = "policy_config"
		} else {
			rec.Fields["error"] = "internal"
		}
	} else {
		rec.Fields["version"] = s.Version
		rec.Fields["digest"] = s.Digest
	}
	e.audit(ctx, rec)
}
