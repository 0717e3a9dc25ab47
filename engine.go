package authcore

import (
	"context"
	"encoding/hex"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/seravault/authcore/internal"
	"github.com/seravault/authcore/internal/audit"
	"github.com/seravault/authcore/internal/rate"
	"github.com/seravault/authcore/internal/stores"
	"github.com/seravault/authcore/jwt"
	"github.com/seravault/authcore/password"
	"github.com/seravault/authcore/session"
)

// Engine is the authentication and session lifecycle engine. Immutable after
// Build; all methods are safe for concurrent use.
type Engine struct {
	config     Config
	clockFn    func() time.Time
	mailer     Mailer
	hasher     *password.Hasher
	tokens     *jwt.Manager
	sessions   *session.Store
	identities *stores.IdentityStore
	resets     *stores.RecoveryStore
	verifies   *stores.RecoveryStore
	limiter    *rate.Limiter
	metrics    *Metrics
	audit      *audit.Dispatcher
}

func (e *Engine) now() time.Time {
	if e == nil || e.clockFn == nil {
		return time.Now()
	}
	return e.clockFn()
}

// Close drains the audit dispatcher. The engine must not be used afterwards.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports how many audit events were discarded under
// backpressure since startup.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of all engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// storeCtx bounds one store interaction with the configured timeout.
func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, e.config.Store.Timeout)
}

// storeErr maps a backend failure to the transient error family. Deadline
// overruns get their own sentinel so operators can tell saturation from
// outage.
func storeErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrStoreTimeout
	}
	return ErrStoreUnavailable
}

func (e *Engine) limitCheck(ctx context.Context, policyID, scope string) error {
	if e.limiter == nil {
		return nil
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	err := e.limiter.Check(sctx, policyID, scope)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rate.ErrRateLimited):
		return ErrRateLimited
	default:
		return storeErr(err)
	}
}

func (e *Engine) limitHit(ctx context.Context, policyID, scope string) error {
	if e.limiter == nil {
		return nil
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	err := e.limiter.Increment(sctx, policyID, scope)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rate.ErrRateLimited):
		return ErrRateLimited
	default:
		return storeErr(err)
	}
}

func (e *Engine) limitReset(ctx context.Context, policyID, scope string) {
	if e.limiter == nil {
		return
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	// Counter reset is best-effort and must not fail the successful operation.
	if err := e.limiter.Reset(sctx, policyID, scope); err != nil {
		log.Print("authcore: rate limit counter reset failed")
	}
}

func loginScope(kind ActorKind, email, ip string) string {
	return string(kind) + ":" + strings.ToLower(email) + ":" + ip
}

func recoveryScope(kind ActorKind, email, ip string) string {
	return string(kind) + ":" + strings.ToLower(email) + ":" + ip
}

// Login authenticates a credentialed actor and establishes a new session.
// Unknown email, wrong password, and suspended identity all fail with the
// same ErrInvalidCredentials; the audit trail records the real reason.
func (e *Engine) Login(ctx context.Context, kind ActorKind, email, pass string) (*AuthorizedSession, error) {
	if !kind.Valid() {
		return nil, ErrKindInvalid
	}
	if !kind.Credentialed() {
		return nil, ErrGuestNoLogin
	}

	actor := ActorRef{Kind: kind}
	scope := loginScope(kind, email, clientIPFromContext(ctx))

	if err := e.limitCheck(ctx, PolicyLogin, scope); err != nil {
		if errors.Is(err, ErrRateLimited) {
			e.metricInc(MetricLoginRateLimited)
			e.emitRateLimit(ctx, PolicyLogin, actor)
		}
		return nil, err
	}

	if email == "" || pass == "" {
		e.loginFailed(ctx, scope, actor, "empty_credentials")
		return nil, ErrInvalidCredentials
	}

	sctx, cancel := e.storeCtx(ctx)
	rec, err := e.identities.GetByEmail(sctx, string(kind), email)
	cancel()
	if err != nil {
		if errors.Is(err, stores.ErrIdentityNotFound) {
			e.loginFailed(ctx, scope, actor, "unknown_email")
			return nil, ErrInvalidCredentials
		}
		return nil, storeErr(err)
	}
	actor.ID = rec.ID

	ok, err := e.hasher.Verify(pass, rec.PasswordHash)
	if err != nil || !ok {
		e.loginFailed(ctx, scope, actor, "password_mismatch")
		return nil, ErrInvalidCredentials
	}

	if IdentityStatus(rec.Status) != StatusActive {
		e.loginFailed(ctx, scope, actor, "suspended")
		return nil, ErrInvalidCredentials
	}

	if e.config.Password.UpgradeOnLogin {
		if needs, err := e.hasher.NeedsRehash(rec.PasswordHash); err == nil && needs {
			if upgraded, err := e.hasher.Hash(pass); err == nil {
				sctx, cancel := e.storeCtx(ctx)
				// Rehash update is best-effort and must not block a successful login.
				if err := e.identities.UpdatePasswordHash(sctx, rec.ActorKind, rec.ID, upgraded, e.now()); err != nil {
					log.Print("authcore: password hash upgrade failed")
				}
				cancel()
			}
		}
	}
	pass = ""

	authorized, err := e.issueSession(ctx, actor)
	if err != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, actor, "", err, nil)
		return nil, err
	}

	e.limitReset(ctx, PolicyLogin, scope)
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, actor, authorized.SessionID, nil, nil)

	return authorized, nil
}

func (e *Engine) loginFailed(ctx context.Context, scope string, actor ActorRef, reason string) {
	if err := e.limitHit(ctx, PolicyLogin, scope); err != nil && errors.Is(err, ErrRateLimited) {
		e.metricInc(MetricLoginRateLimited)
		e.emitRateLimit(ctx, PolicyLogin, actor)
	}
	e.metricInc(MetricLoginFailure)
	e.emitAudit(ctx, auditEventLoginFailure, false, actor, "", ErrInvalidCredentials, func() map[string]string {
		return map[string]string{
			"reason": reason,
		}
	})
}

// issueSession creates a session record and mints the access/refresh token
// pair for it. Kind-specific TTL policy is applied here.
func (e *Engine) issueSession(ctx context.Context, actor ActorRef) (*AuthorizedSession, error) {
	sid, err := internal.NewTokenID()
	if err != nil {
		return nil, err
	}
	secret, err := internal.NewSecret()
	if err != nil {
		return nil, err
	}

	now := e.now()
	accessTTL := e.config.Token.AccessTTL[actor.Kind]
	refreshTTL := e.config.Token.RefreshTTL[actor.Kind]
	hash := internal.HashSecret(secret)

	sess := &session.Session{
		SessionID:      sid.String(),
		ActorKind:      string(actor.Kind),
		ActorID:        actor.ID,
		RefreshHash:    hex.EncodeToString(hash[:]),
		IssuedAt:       now.Unix(),
		LastAccessedAt: now.Unix(),
		ExpiresAt:      now.Add(refreshTTL).Unix(),
	}

	sctx, cancel := e.storeCtx(ctx)
	err = e.sessions.Save(sctx, sess, now)
	cancel()
	if err != nil {
		return nil, storeErr(err)
	}

	access, err := e.tokens.CreateAccess(actor.ID, string(actor.Kind), sess.SessionID, accessTTL, now)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricSessionCreated)

	return &AuthorizedSession{
		Actor:            actor,
		SessionID:        sess.SessionID,
		AccessToken:      access,
		RefreshToken:     internal.EncodeOpaqueToken(sid, secret),
		AccessExpiresAt:  now.Add(accessTTL),
		RefreshExpiresAt: now.Add(refreshTTL),
	}, nil
}

// Refresh rotates a refresh token: the presented token is retired and a new
// token pair minted, atomically. Of any number of concurrent calls with the
// same token, exactly one wins; the losers get ErrRefreshReuse and the
// session is revoked as a replay response.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*AuthorizedSession, error) {
	sid, providedSecret, err := internal.DecodeOpaqueToken(refreshToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, ActorRef{}, "", ErrRefreshInvalid, func() map[string]string {
			return map[string]string{
				"reason": "malformed_token",
			}
		})
		return nil, ErrRefreshInvalid
	}
	sessionID := sid.String()

	if err := e.limitHit(ctx, PolicyRefresh, sessionID); err != nil {
		if errors.Is(err, ErrRateLimited) {
			e.metricInc(MetricRefreshRateLimited)
			e.emitRateLimit(ctx, PolicyRefresh, ActorRef{})
		}
		return nil, err
	}

	// The session row carries the actor kind, which determines the rotation
	// extension. The read races the CAS rotate below, but the rotate alone
	// decides the winner.
	sctx, cancel := e.storeCtx(ctx)
	current, err := e.sessions.Get(sctx, sessionID)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrCorruptRecord):
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, ActorRef{}, sessionID, ErrRefreshInvalid, nil)
			return nil, ErrRefreshInvalid
		default:
			return nil, storeErr(err)
		}
	}

	actor := ActorRef{Kind: ActorKind(current.ActorKind), ID: current.ActorID}
	if !actor.Kind.Valid() {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, ActorRef{}, sessionID, ErrRefreshInvalid, nil)
		return nil, ErrRefreshInvalid
	}

	nextSecret, err := internal.NewSecret()
	if err != nil {
		return nil, err
	}

	now := e.now()
	refreshTTL := e.config.Token.RefreshTTL[actor.Kind]

	sctx, cancel = e.storeCtx(ctx)
	sess, err := e.sessions.Rotate(
		sctx,
		sessionID,
		internal.HashSecret(providedSecret),
		internal.HashSecret(nextSecret),
		refreshTTL,
		now,
	)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, session.ErrHashMismatch):
			e.metricInc(MetricRefreshReuseDetected)
			e.revokeOnReuse(ctx, sessionID, now)
			e.emitAudit(ctx, auditEventRefreshReuseDetected, false, actor, sessionID, ErrRefreshReuse, nil)
			return nil, ErrRefreshReuse
		case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrCorruptRecord):
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, actor, sessionID, ErrRefreshInvalid, nil)
			return nil, ErrRefreshInvalid
		default:
			return nil, storeErr(err)
		}
	}

	accessTTL := e.config.Token.AccessTTL[actor.Kind]
	access, err := e.tokens.CreateAccess(actor.ID, string(actor.Kind), sess.SessionID, accessTTL, now)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, actor, sessionID, err, nil)
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, actor, sessionID, nil, nil)

	return &AuthorizedSession{
		Actor:            actor,
		SessionID:        sess.SessionID,
		AccessToken:      access,
		RefreshToken:     internal.EncodeOpaqueToken(sid, nextSecret),
		AccessExpiresAt:  now.Add(accessTTL),
		RefreshExpiresAt: time.Unix(sess.ExpiresAt, 0),
	}, nil
}

// revokeOnReuse kills a session whose refresh token was replayed. A stolen
// token that loses the rotation race must not leave the thief's winning
// branch alive either.
func (e *Engine) revokeOnReuse(ctx context.Context, sessionID string, now time.Time) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	if err := e.sessions.Revoke(sctx, sessionID, now); err != nil {
		log.Print("authcore: session revocation after refresh reuse failed")
		return
	}
	e.metricInc(MetricSessionRevoked)
}

// Logout revokes a single session. Idempotent: revoking an unknown or
// already-revoked session succeeds.
func (e *Engine) Logout(ctx context.Context, sessionID string) error {
	sctx, cancel := e.storeCtx(ctx)
	err := e.sessions.Revoke(sctx, sessionID, e.now())
	cancel()
	if err != nil {
		if errors.Is(err, session.ErrCorruptRecord) {
			e.emitAudit(ctx, auditEventLogoutSession, false, ActorRef{}, sessionID, err, nil)
			return ErrStoreUnavailable
		}
		return storeErr(err)
	}

	e.metricInc(MetricLogout)
	e.metricInc(MetricSessionRevoked)
	e.emitAudit(ctx, auditEventLogoutSession, true, ActorRef{}, sessionID, nil, nil)
	return nil
}

// LogoutAll revokes the actor's sessions. With RevokeExcludeCurrent (the
// default mode for cascades) the session named by currentSessionID survives;
// with RevokeIncludeCurrent everything goes. Returns how many sessions were
// revoked.
func (e *Engine) LogoutAll(ctx context.Context, actor ActorRef, mode RevokeMode, currentSessionID string) (int, error) {
	if !actor.Kind.Valid() {
		return 0, ErrKindInvalid
	}

	except := currentSessionID
	if mode == RevokeIncludeCurrent {
		except = ""
	}

	sctx, cancel := e.storeCtx(ctx)
	revoked, err := e.sessions.RevokeAllForActor(sctx, string(actor.Kind), actor.ID, except, e.now())
	cancel()
	if err != nil {
		e.emitAudit(ctx, auditEventLogoutAll, false, actor, "", err, nil)
		return revoked, storeErr(err)
	}

	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, true, actor, currentSessionID, nil, func() map[string]string {
		m := map[string]string{
			"mode": "exclude_current",
		}
		if mode == RevokeIncludeCurrent {
			m["mode"] = "include_current"
		}
		return m
	})

	return revoked, nil
}

// ValidateAccess verifies an access token and confirms its session is still
// usable. Every verification failure collapses into ErrAccessInvalid.
func (e *Engine) ValidateAccess(ctx context.Context, tokenStr string) (*AccessResult, error) {
	if e.metrics != nil && e.metrics.LatencyEnabled() {
		start := time.Now()
		defer e.metrics.Observe(MetricValidateLatency, time.Since(start))
	}

	claims, err := e.tokens.ParseAccess(tokenStr)
	if err != nil {
		e.metricInc(MetricValidateFailure)
		return nil, ErrAccessInvalid
	}

	sctx, cancel := e.storeCtx(ctx)
	sess, err := e.sessions.Get(sctx, claims.SessionID)
	cancel()
	if err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrCorruptRecord) {
			e.metricInc(MetricValidateFailure)
			e.emitAudit(ctx, auditEventValidateAccessRejected, false,
				ActorRef{Kind: ActorKind(claims.ActorKind), ID: claims.ActorID}, claims.SessionID, ErrAccessInvalid, nil)
			return nil, ErrAccessInvalid
		}
		return nil, storeErr(err)
	}

	if !sess.Usable(e.now().Unix()) {
		e.metricInc(MetricValidateFailure)
		e.emitAudit(ctx, auditEventValidateAccessRejected, false,
			ActorRef{Kind: ActorKind(claims.ActorKind), ID: claims.ActorID}, claims.SessionID, ErrAccessInvalid, nil)
		return nil, ErrAccessInvalid
	}

	e.metricInc(MetricValidateSuccess)

	return &AccessResult{
		Actor:     ActorRef{Kind: ActorKind(claims.ActorKind), ID: claims.ActorID},
		SessionID: claims.SessionID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// ChangePassword verifies the current password, installs the new one, and
// cascades revocation of the actor's other sessions when configured. The
// caller's own session, named by currentSessionID, survives the cascade.
func (e *Engine) ChangePassword(ctx context.Context, actor ActorRef, currentPassword, newPassword, currentSessionID string) error {
	if !actor.Kind.Valid() {
		return ErrKindInvalid
	}
	if !actor.Kind.Credentialed() {
		return ErrGuestNoLogin
	}
	if err := e.checkPasswordPolicy(newPassword); err != nil {
		e.metricInc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, actor, currentSessionID, err, nil)
		return err
	}

	sctx, cancel := e.storeCtx(ctx)
	rec, err := e.identities.GetByID(sctx, string(actor.Kind), actor.ID)
	cancel()
	if err != nil {
		if errors.Is(err, stores.ErrIdentityNotFound) {
			e.metricInc(MetricPasswordChangeFailure)
			e.emitAudit(ctx, auditEventPasswordChangeFailure, false, actor, currentSessionID, ErrInvalidCredentials, func() map[string]string {
				return map[string]string{"reason": "identity_not_found"}
			})
			return ErrInvalidCredentials
		}
		return storeErr(err)
	}

	if IdentityStatus(rec.Status) != StatusActive {
		e.metricInc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, actor, currentSessionID, ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"reason": "suspended"}
		})
		return ErrInvalidCredentials
	}

	ok, err := e.hasher.Verify(currentPassword, rec.PasswordHash)
	if err != nil || !ok {
		e.metricInc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, actor, currentSessionID, ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"reason": "password_mismatch"}
		})
		return ErrInvalidCredentials
	}

	if same, err := e.hasher.Verify(newPassword, rec.PasswordHash); err == nil && same {
		e.metricInc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, actor, currentSessionID, ErrPasswordReuse, nil)
		return ErrPasswordReuse
	}

	newHash, err := e.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	currentPassword = ""
	newPassword = ""

	sctx, cancel = e.storeCtx(ctx)
	err = e.identities.UpdatePasswordHash(sctx, rec.ActorKind, rec.ID, newHash, e.now())
	cancel()
	if err != nil {
		return storeErr(err)
	}

	if e.config.Session.RevokeOtherSessionsOnPasswordChange {
		if _, err := e.LogoutAll(ctx, actor, RevokeExcludeCurrent, currentSessionID); err != nil {
			log.Print("authcore: session cascade after password change failed")
			e.metricInc(MetricPasswordChangeFailure)
			e.emitAudit(ctx, auditEventPasswordChangeFailure, false, actor, currentSessionID, err, func() map[string]string {
				return map[string]string{"reason": "cascade_failed"}
			})
			return err
		}
	}

	e.metricInc(MetricPasswordChangeSuccess)
	e.emitAudit(ctx, auditEventPasswordChangeSuccess, true, actor, currentSessionID, nil, nil)

	return nil
}

func (e *Engine) checkPasswordPolicy(plain string) error {
	if len(plain) < e.config.Password.MinLength {
		return ErrPasswordPolicy
	}
	return nil
}
