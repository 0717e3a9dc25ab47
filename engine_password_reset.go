package authcore

import (
	"context"
	"encoding/hex"
	"errors"
	"log"
	"time"

	"github.com/seravault/authcore/internal"
	"github.com/seravault/authcore/internal/stores"
)

const recoveryAckMessage = "if the address is registered, a message is on its way"

// RequestPasswordReset issues a one-time reset token and mails it to the
// address. The acknowledgement is identical whether or not the email matches
// an identity, and the unknown-email path is padded to similar latency, so
// the operation cannot be used to enumerate accounts. Repeated requests
// accumulate: an older outstanding token stays valid until consumed or
// expired.
func (e *Engine) RequestPasswordReset(ctx context.Context, kind ActorKind, email string) (Ack, error) {
	if !kind.Valid() {
		return Ack{}, ErrKindInvalid
	}
	if !kind.Credentialed() {
		return Ack{}, ErrGuestNoLogin
	}

	actor := ActorRef{Kind: kind}
	scope := recoveryScope(kind, email, clientIPFromContext(ctx))

	if err := e.limitHit(ctx, PolicyRecovery, scope); err != nil {
		if errors.Is(err, ErrRateLimited) {
			e.emitRateLimit(ctx, PolicyRecovery, actor)
		}
		return Ack{}, err
	}

	e.metricInc(MetricPasswordResetRequest)

	sctx, cancel := e.storeCtx(ctx)
	rec, err := e.identities.GetByEmail(sctx, string(kind), email)
	cancel()
	if err != nil {
		if errors.Is(err, stores.ErrIdentityNotFound) {
			e.enumerationPause(ctx)
			e.emitAudit(ctx, auditEventPasswordResetRequest, true, actor, "", nil, func() map[string]string {
				return map[string]string{"outcome": "unknown_email"}
			})
			return Ack{Accepted: true, Message: recoveryAckMessage}, nil
		}
		return Ack{}, storeErr(err)
	}
	actor.ID = rec.ID

	if IdentityStatus(rec.Status) != StatusActive {
		e.enumerationPause(ctx)
		e.emitAudit(ctx, auditEventPasswordResetRequest, true, actor, "", nil, func() map[string]string {
			return map[string]string{"outcome": "suspended"}
		})
		return Ack{Accepted: true, Message: recoveryAckMessage}, nil
	}

	token, expiresAt, err := e.issueRecoveryToken(ctx, e.resets, actor, rec.Email, e.config.Recovery.ResetTTL)
	if err != nil {
		return Ack{}, err
	}

	if err := e.mailer.SendPasswordReset(ctx, rec.Email, token, expiresAt); err != nil {
		log.Print("authcore: password reset mail delivery failed")
		e.emitAudit(ctx, auditEventMailDeliveryFailed, false, actor, "", nil, func() map[string]string {
			return map[string]string{"mail": string(MailPasswordReset)}
		})
	}

	e.emitAudit(ctx, auditEventPasswordResetRequest, true, actor, "", nil, nil)

	return Ack{Accepted: true, Message: recoveryAckMessage}, nil
}

// ConfirmPasswordReset consumes a reset token, installs the new password,
// and revokes every session of the actor. Unknown, expired, consumed, and
// mismatched tokens all fail with ErrRecoveryInvalid.
func (e *Engine) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	if err := e.checkPasswordPolicy(newPassword); err != nil {
		return err
	}

	rec, err := e.consumeRecoveryToken(ctx, e.resets, token)
	if err != nil {
		e.metricInc(MetricPasswordResetConfirmFailure)
		e.emitAudit(ctx, auditEventPasswordResetConfirm, false, ActorRef{}, "", err, nil)
		return err
	}

	actor := ActorRef{Kind: ActorKind(rec.ActorKind), ID: rec.ActorID}

	sctx, cancel := e.storeCtx(ctx)
	identity, err := e.identities.GetByID(sctx, rec.ActorKind, rec.ActorID)
	cancel()
	if err != nil {
		if errors.Is(err, stores.ErrIdentityNotFound) {
			e.metricInc(MetricPasswordResetConfirmFailure)
			e.emitAudit(ctx, auditEventPasswordResetConfirm, false, actor, "", ErrRecoveryInvalid, func() map[string]string {
				return map[string]string{"reason": "identity_gone"}
			})
			return ErrRecoveryInvalid
		}
		return storeErr(err)
	}

	if IdentityStatus(identity.Status) != StatusActive {
		e.metricInc(MetricPasswordResetConfirmFailure)
		e.emitAudit(ctx, auditEventPasswordResetConfirm, false, actor, "", ErrRecoveryInvalid, func() map[string]string {
			return map[string]string{"reason": "suspended"}
		})
		return ErrRecoveryInvalid
	}

	newHash, err := e.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	newPassword = ""

	sctx, cancel = e.storeCtx(ctx)
	err = e.identities.UpdatePasswordHash(sctx, rec.ActorKind, rec.ActorID, newHash, e.now())
	cancel()
	if err != nil {
		return storeErr(err)
	}

	// A reset proves the old credential may be compromised; no session is
	// spared, the caller included.
	if e.config.Session.RevokeOtherSessionsOnPasswordChange {
		if _, err := e.LogoutAll(ctx, actor, RevokeIncludeCurrent, ""); err != nil {
			log.Print("authcore: session cascade after password reset failed")
			return err
		}
	}

	e.metricInc(MetricPasswordResetConfirmSuccess)
	e.emitAudit(ctx, auditEventPasswordResetConfirm, true, actor, "", nil, nil)

	return nil
}

// issueRecoveryToken mints a fresh one-time token into the given store and
// returns the raw token for out-of-band delivery. The raw secret exists only
// in the returned string.
func (e *Engine) issueRecoveryToken(
	ctx context.Context,
	store *stores.RecoveryStore,
	actor ActorRef,
	email string,
	ttl time.Duration,
) (string, time.Time, error) {
	id, err := internal.NewTokenID()
	if err != nil {
		return "", time.Time{}, err
	}
	secret, err := internal.NewSecret()
	if err != nil {
		return "", time.Time{}, err
	}

	now := e.now()
	expiresAt := now.Add(ttl)
	hash := internal.HashSecret(secret)

	rec := &stores.RecoveryRecord{
		RecoveryID:  id.String(),
		ActorKind:   string(actor.Kind),
		ActorID:     actor.ID,
		Email:       email,
		SecretHash:  hex.EncodeToString(hash[:]),
		RequestedAt: now.Unix(),
		ExpiresAt:   expiresAt.Unix(),
	}

	sctx, cancel := e.storeCtx(ctx)
	err = store.Save(sctx, rec, now)
	cancel()
	if err != nil {
		return "", time.Time{}, storeErr(err)
	}

	return internal.EncodeOpaqueToken(id, secret), expiresAt, nil
}

// consumeRecoveryToken decodes and atomically consumes a one-time token.
// Every failure mode collapses into ErrRecoveryInvalid except backend
// unavailability.
func (e *Engine) consumeRecoveryToken(ctx context.Context, store *stores.RecoveryStore, token string) (*stores.RecoveryRecord, error) {
	id, secret, err := internal.DecodeOpaqueToken(token)
	if err != nil {
		return nil, ErrRecoveryInvalid
	}

	hash := internal.HashSecret(secret)

	sctx, cancel := e.storeCtx(ctx)
	rec, err := store.Consume(sctx, id.String(), hex.EncodeToString(hash[:]), e.now())
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, stores.ErrRecoveryNotFound),
			errors.Is(err, stores.ErrRecoveryConsumed),
			errors.Is(err, stores.ErrRecoveryMismatch):
			return nil, ErrRecoveryInvalid
		default:
			return nil, storeErr(err)
		}
	}

	return rec, nil
}

// enumerationPause pads the negative path of a recovery request so its
// latency resembles a real token issue.
func (e *Engine) enumerationPause(ctx context.Context) {
	delay := e.config.Recovery.EnumerationDelay
	if delay <= 0 {
		return
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
