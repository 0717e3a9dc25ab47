package authcore

import (
	"context"
	"errors"
	"log"

	"github.com/seravault/authcore/internal/stores"
)

// startEmailVerification mints a verification token and mails it. Failures
// are logged and audited but never propagated; the actor can always request
// a resend.
func (e *Engine) startEmailVerification(ctx context.Context, actor ActorRef, email string) {
	token, expiresAt, err := e.issueRecoveryToken(ctx, e.verifies, actor, email, e.config.Recovery.VerificationTTL)
	if err != nil {
		log.Print("authcore: email verification token issue failed")
		return
	}

	e.metricInc(MetricVerificationRequest)

	if err := e.mailer.SendEmailVerification(ctx, email, token, expiresAt); err != nil {
		log.Print("authcore: email verification mail delivery failed")
		e.emitAudit(ctx, auditEventMailDeliveryFailed, false, actor, "", nil, func() map[string]string {
			return map[string]string{"mail": string(MailEmailVerification)}
		})
		return
	}

	e.emitAudit(ctx, auditEventVerificationRequest, true, actor, "", nil, nil)
}

// ResendEmailVerification issues another verification token. Earlier
// outstanding tokens stay valid; resending accumulates rather than
// invalidates. The acknowledgement never reveals whether the email exists
// or is already verified.
func (e *Engine) ResendEmailVerification(ctx context.Context, kind ActorKind, email string) (Ack, error) {
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

	sctx, cancel := e.storeCtx(ctx)
	rec, err := e.identities.GetByEmail(sctx, string(kind), email)
	cancel()
	if err != nil {
		if errors.Is(err, stores.ErrIdentityNotFound) {
			e.enumerationPause(ctx)
			e.emitAudit(ctx, auditEventVerificationRequest, true, actor, "", nil, func() map[string]string {
				return map[string]string{"outcome": "unknown_email"}
			})
			return Ack{Accepted: true, Message: recoveryAckMessage}, nil
		}
		return Ack{}, storeErr(err)
	}
	actor.ID = rec.ID

	if rec.EmailVerified || IdentityStatus(rec.Status) != StatusActive {
		e.enumerationPause(ctx)
		e.emitAudit(ctx, auditEventVerificationRequest, true, actor, "", nil, func() map[string]string {
			return map[string]string{"outcome": "no_token_needed"}
		})
		return Ack{Accepted: true, Message: recoveryAckMessage}, nil
	}

	e.startEmailVerification(ctx, actor, rec.Email)

	return Ack{Accepted: true, Message: recoveryAckMessage}, nil
}

// ConfirmEmailVerification consumes a verification token and marks the
// identity's email verified. Unknown, expired, consumed, and mismatched
// tokens all fail with ErrRecoveryInvalid.
func (e *Engine) ConfirmEmailVerification(ctx context.Context, token string) error {
	rec, err := e.consumeRecoveryToken(ctx, e.verifies, token)
	if err != nil {
		e.metricInc(MetricVerificationConfirmFailure)
		e.emitAudit(ctx, auditEventVerificationConfirm, false, ActorRef{}, "", err, nil)
		return err
	}

	actor := ActorRef{Kind: ActorKind(rec.ActorKind), ID: rec.ActorID}

	sctx, cancel := e.storeCtx(ctx)
	err = e.identities.MarkEmailVerified(sctx, rec.ActorKind, rec.ActorID, e.now())
	cancel()
	if err != nil {
		if errors.Is(err, stores.ErrIdentityNotFound) {
			e.metricInc(MetricVerificationConfirmFailure)
			e.emitAudit(ctx, auditEventVerificationConfirm, false, actor, "", ErrRecoveryInvalid, func() map[string]string {
				return map[string]string{"reason": "identity_gone"}
			})
			return ErrRecoveryInvalid
		}
		return storeErr(err)
	}

	e.metricInc(MetricVerificationConfirmSuccess)
	e.emitAudit(ctx, auditEventVerificationConfirm, true, actor, "", nil, nil)

	return nil
}
