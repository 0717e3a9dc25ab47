package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/seravault/authcore/internal/stores"
)

// GetIdentity loads the caller-facing view of an identity.
func (e *Engine) GetIdentity(ctx context.Context, actor ActorRef) (*Identity, error) {
	if !actor.Kind.Valid() {
		return nil, ErrKindInvalid
	}

	sctx, cancel := e.storeCtx(ctx)
	rec, err := e.identities.GetByID(sctx, string(actor.Kind), actor.ID)
	cancel()
	if err != nil {
		if errors.Is(err, stores.ErrIdentityNotFound) {
			return nil, ErrIdentityNotFound
		}
		return nil, storeErr(err)
	}

	return identityView(rec), nil
}

// SuspendIdentity marks the identity suspended and revokes every session it
// holds. A suspended identity fails credentialed operations with the same
// generic error as bad credentials.
func (e *Engine) SuspendIdentity(ctx context.Context, actor ActorRef) error {
	if err := e.setIdentityStatus(ctx, actor, StatusSuspended); err != nil {
		return err
	}

	if _, err := e.LogoutAll(ctx, actor, RevokeIncludeCurrent, ""); err != nil {
		return err
	}

	e.emitAudit(ctx, auditEventIdentitySuspended, true, actor, "", nil, nil)
	return nil
}

// ReinstateIdentity returns a suspended identity to active. Existing
// sessions were revoked at suspension; the actor logs in again.
func (e *Engine) ReinstateIdentity(ctx context.Context, actor ActorRef) error {
	if err := e.setIdentityStatus(ctx, actor, StatusActive); err != nil {
		return err
	}

	e.emitAudit(ctx, auditEventIdentityReinstated, true, actor, "", nil, nil)
	return nil
}

// DeleteIdentity soft-deletes the identity, releases its email for reuse,
// and revokes all sessions. Idempotent.
func (e *Engine) DeleteIdentity(ctx context.Context, actor ActorRef) error {
	if !actor.Kind.Valid() {
		return ErrKindInvalid
	}

	sctx, cancel := e.storeCtx(ctx)
	err := e.identities.SoftDelete(sctx, string(actor.Kind), actor.ID, e.now())
	cancel()
	if err != nil {
		return storeErr(err)
	}

	if _, err := e.LogoutAll(ctx, actor, RevokeIncludeCurrent, ""); err != nil {
		return err
	}

	e.emitAudit(ctx, auditEventIdentityDeleted, true, actor, "", nil, nil)
	return nil
}

func (e *Engine) setIdentityStatus(ctx context.Context, actor ActorRef, status IdentityStatus) error {
	if !actor.Kind.Valid() {
		return ErrKindInvalid
	}

	sctx, cancel := e.storeCtx(ctx)
	err := e.identities.UpdateStatus(sctx, string(actor.Kind), actor.ID, uint8(status), e.now())
	cancel()
	if err != nil {
		if errors.Is(err, stores.ErrIdentityNotFound) {
			return ErrIdentityNotFound
		}
		return storeErr(err)
	}

	return nil
}

func identityView(rec *stores.IdentityRecord) *Identity {
	out := &Identity{
		ID:            rec.ID,
		Kind:          ActorKind(rec.ActorKind),
		Email:         rec.Email,
		Status:        IdentityStatus(rec.Status),
		EmailVerified: rec.EmailVerified,
		CreatedAt:     time.Unix(rec.CreatedAt, 0),
	}
	if rec.VerifiedAt > 0 {
		out.VerifiedAt = time.Unix(rec.VerifiedAt, 0)
	}
	return out
}
