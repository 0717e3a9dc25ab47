package authcore

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/seravault/authcore/internal/stores"
)

// JoinRequest carries the inputs for identity creation. Guests join without
// credentials; every other kind requires email and password.
type JoinRequest struct {
	Kind     ActorKind
	Email    string
	Password string
}

// Join creates an identity and logs it in, returning the first session.
// Credentialed joins also start the email verification flow; the session is
// issued regardless, verification is not a login gate.
func (e *Engine) Join(ctx context.Context, req JoinRequest) (*AuthorizedSession, error) {
	if !req.Kind.Valid() {
		return nil, ErrKindInvalid
	}

	actor := ActorRef{Kind: req.Kind}
	scope := string(req.Kind) + ":" + clientIPFromContext(ctx)

	if err := e.limitHit(ctx, PolicyJoin, scope); err != nil {
		if errors.Is(err, ErrRateLimited) {
			e.metricInc(MetricJoinRateLimited)
			e.emitRateLimit(ctx, PolicyJoin, actor)
		}
		return nil, err
	}

	rec := &stores.IdentityRecord{
		ID:        uuid.NewString(),
		ActorKind: string(req.Kind),
		Status:    uint8(StatusActive),
		CreatedAt: e.now().Unix(),
		UpdatedAt: e.now().Unix(),
	}

	if req.Kind.Credentialed() {
		email := strings.TrimSpace(req.Email)
		if email == "" || !strings.Contains(email, "@") {
			return nil, ErrEmailRequired
		}
		if err := e.checkPasswordPolicy(req.Password); err != nil {
			return nil, err
		}

		hash, err := e.hasher.Hash(req.Password)
		if err != nil {
			return nil, err
		}
		rec.Email = email
		rec.PasswordHash = hash
		req.Password = ""
	}

	actor.ID = rec.ID

	sctx, cancel := e.storeCtx(ctx)
	err := e.identities.Create(sctx, rec)
	cancel()
	if err != nil {
		if errors.Is(err, stores.ErrDuplicateEmail) {
			e.metricInc(MetricJoinDuplicate)
			e.emitAudit(ctx, auditEventJoinDuplicate, false, ActorRef{Kind: req.Kind}, "", ErrDuplicateEmail, nil)
			return nil, ErrDuplicateEmail
		}
		return nil, storeErr(err)
	}

	authorized, err := e.issueSession(ctx, actor)
	if err != nil {
		e.emitAudit(ctx, auditEventJoinFailure, false, actor, "", err, nil)
		return nil, err
	}

	if req.Kind.Credentialed() {
		// Verification kickoff is best-effort; the identity and session exist
		// either way and the actor can request a resend.
		e.startEmailVerification(ctx, actor, rec.Email)
	}

	e.metricInc(MetricJoinSuccess)
	e.emitAudit(ctx, auditEventJoinSuccess, true, actor, authorized.SessionID, nil, nil)

	return authorized, nil
}
