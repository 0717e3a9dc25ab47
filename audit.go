package authcore

import (
	"context"
	"errors"
	"io"

	"github.com/seravault/authcore/internal/audit"
)

// AuditEvent is the structured audit record delivered to sinks.
type AuditEvent = audit.Event

// AuditSink consumes audit events. Implementations must tolerate concurrent
// calls; slow sinks cost buffered events, never request latency.
type AuditSink = audit.Sink

// NoOpSink discards audit events.
type NoOpSink = audit.NoOpSink

// NewChannelSink returns a sink that forwards events into a buffered channel.
func NewChannelSink(buffer int) *audit.ChannelSink {
	return audit.NewChannelSink(buffer)
}

// NewJSONWriterSink returns a sink that writes one JSON object per line.
func NewJSONWriterSink(w io.Writer) *audit.JSONWriterSink {
	return audit.NewJSONWriterSink(w)
}

const (
	auditEventJoinSuccess            = "join_success"
	auditEventJoinFailure            = "join_failure"
	auditEventJoinDuplicate          = "join_duplicate"
	auditEventLoginSuccess           = "login_success"
	auditEventLoginFailure           = "login_failure"
	auditEventRefreshSuccess         = "refresh_success"
	auditEventRefreshInvalid         = "refresh_invalid"
	auditEventRefreshReuseDetected   = "refresh_reuse_detected"
	auditEventLogoutSession          = "logout_session"
	auditEventLogoutAll              = "logout_all"
	auditEventPasswordChangeSuccess  = "password_change_success"
	auditEventPasswordChangeFailure  = "password_change_failure"
	auditEventPasswordResetRequest   = "password_reset_request"
	auditEventPasswordResetConfirm   = "password_reset_confirm"
	auditEventVerificationRequest    = "email_verification_request"
	auditEventVerificationConfirm    = "email_verification_confirm"
	auditEventRateLimitTriggered     = "rate_limit_triggered"
	auditEventPolicyDisabled         = "rate_limit_policy_disabled"
	auditEventPolicyEnabled          = "rate_limit_policy_enabled"
	auditEventPolicyRetired          = "rate_limit_policy_retired"
	auditEventIdentitySuspended      = "identity_suspended"
	auditEventIdentityReinstated     = "identity_reinstated"
	auditEventIdentityDeleted        = "identity_deleted"
	auditEventMailDeliveryFailed     = "mail_delivery_failed"
	auditEventValidateAccessRejected = "access_token_rejected"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	operation string,
	success bool,
	actor ActorRef,
	sessionID string,
	cause error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: e.now().UTC(),
		Operation: operation,
		ActorKind: string(actor.Kind),
		ActorID:   actor.ID,
		SessionID: sessionID,
		ClientIP:  clientIPFromContext(ctx),
		UserAgent: userAgentFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(cause); code != "" {
		event.Detail = code
	}

	e.audit.Emit(ctx, event)
}

func (e *Engine) emitRateLimit(ctx context.Context, policyID string, actor ActorRef) {
	e.emitAudit(ctx, auditEventRateLimitTriggered, false, actor, "", ErrRateLimited, func() map[string]string {
		return map[string]string{
			"policy": policyID,
		}
	})
}

// auditErrorCode reduces an internal error to a stable audit detail string.
// Unlike caller-facing errors, audit details preserve the real failure mode.
func auditErrorCode(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrRefreshReuse):
		return "refresh_reuse"
	case errors.Is(err, ErrRefreshInvalid):
		return "refresh_invalid"
	case errors.Is(err, ErrAccessInvalid):
		return "access_invalid"
	case errors.Is(err, ErrRecoveryInvalid):
		return "recovery_invalid"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrDuplicateEmail):
		return "duplicate_email"
	case errors.Is(err, ErrPolicyEnabled):
		return "policy_enabled"
	case errors.Is(err, ErrPasswordPolicy):
		return "password_policy"
	case errors.Is(err, ErrPasswordReuse):
		return "password_reuse"
	case errors.Is(err, ErrKindInvalid), errors.Is(err, ErrEmailRequired), errors.Is(err, ErrGuestNoLogin):
		return "invalid_input"
	case errors.Is(err, ErrPolicyNotFound), errors.Is(err, ErrIdentityNotFound):
		return "not_found"
	case errors.Is(err, ErrStoreTimeout):
		return "store_timeout"
	case errors.Is(err, ErrTransient):
		return "backend_unavailable"
	default:
		return "internal_error"
	}
}
