package pipeline

import (
	"context"

	"riskgate/internal/audit"
	"riskgate/internal/callctx"
	"riskgate/internal/integrity"
)

// RegisterManifest stores a signed manifest pending activation and audits it.
func (o *Orchestrator) RegisterManifest(ctx context.Context, m integrity.Manifest, actor callctx.Actor) (integrity.Manifest, error) {
	saved, err := o.Integrity.Register(ctx, m, actor.UserID)
	if err != nil {
		return integrity.Manifest{}, manifestError(err)
	}
	return saved, o.auditManifest(ctx, audit.EventManifestRegistered, saved, actor, "")
}

func (o *Orchestrator) ActivateManifest(ctx context.Context, capabilityID string, actor callctx.Actor) (integrity.Manifest, error) {
	saved, err := o.Integrity.Activate(ctx, capabilityID, actor)
	if err != nil {
		return integrity.Manifest{}, manifestError(err)
	}
	return saved, o.auditManifest(ctx, audit.EventManifestActivated, saved, actor, "")
}

func (o *Orchestrator) RevokeManifest(ctx context.Context, capabilityID string, actor callctx.Actor, reason string) (integrity.Manifest, error) {
	saved, err := o.Integrity.Revoke(ctx, capabilityID, actor, reason)
	if err != nil {
		return integrity.Manifest{}, manifestError(err)
	}
	return saved, o.auditManifest(ctx, audit.EventManifestRevoked, saved, actor, reason)
}

func (o *Orchestrator) Manifest(ctx context.Context, capabilityID string) (integrity.Manifest, error) {
	m, err := o.Integrity.Get(ctx, capabilityID)
	if err != nil {
		return integrity.Manifest{}, manifestError(err)
	}
	return m, nil
}

func (o *Orchestrator) auditManifest(ctx context.Context, typ audit.EventType, m integrity.Manifest, actor callctx.Actor, reason string) error {
	details := map[string]any{
		"capability": m.CapabilityID,
		"version":    m.Version,
		"code_hash":  m.CodeHash,
		"key_id":     m.KeyID,
		"status":     m.Status,
	}
	if reason != "" {
		details["reason"] = reason
	}
	if _, err := o.Audit.Append(ctx, audit.Entry{Type: typ, ActorID: actor.UserID, Details: details}); err != nil {
		return &Error{Kind: KindUnavailable, Reason: ReasonAuditUnavailable, Err: err}
	}
	return nil
}
