package authcore

import (
	"context"
	"errors"

	"github.com/seravault/authcore/internal/rate"
)

// RateLimitPolicyStatus is the administrative view of one policy.
type RateLimitPolicyStatus struct {
	ID      string
	Limit   int
	Window  int64 // seconds
	Enabled bool
	Retired bool
}

// InspectRateLimitPolicy reports the current state of a policy.
func (e *Engine) InspectRateLimitPolicy(ctx context.Context, policyID string) (*RateLimitPolicyStatus, error) {
	if e.limiter == nil {
		return nil, ErrPolicyNotFound
	}

	sctx, cancel := e.storeCtx(ctx)
	pol, err := e.limiter.GetPolicy(sctx, policyID)
	cancel()
	if err != nil {
		if errors.Is(err, rate.ErrPolicyNotFound) {
			return nil, ErrPolicyNotFound
		}
		return nil, storeErr(err)
	}

	return &RateLimitPolicyStatus{
		ID:      pol.ID,
		Limit:   pol.Limit,
		Window:  pol.WindowSeconds,
		Enabled: pol.Enabled,
		Retired: pol.RetiredAt > 0,
	}, nil
}

// DisableRateLimitPolicy turns a policy off. A disabled policy admits every
// attempt but keeps its definition; it can be re-enabled or retired.
func (e *Engine) DisableRateLimitPolicy(ctx context.Context, policyID string) error {
	if err := e.setPolicyEnabled(ctx, policyID, false); err != nil {
		return err
	}
	e.emitAudit(ctx, auditEventPolicyDisabled, true, ActorRef{}, "", nil, policyMeta(policyID))
	return nil
}

// EnableRateLimitPolicy turns a policy back on.
func (e *Engine) EnableRateLimitPolicy(ctx context.Context, policyID string) error {
	if err := e.setPolicyEnabled(ctx, policyID, true); err != nil {
		return err
	}
	e.emitAudit(ctx, auditEventPolicyEnabled, true, ActorRef{}, "", nil, policyMeta(policyID))
	return nil
}

// RetireRateLimitPolicy permanently retires a policy. The policy must be
// disabled first: retiring an enabled policy fails with ErrPolicyEnabled.
// Retiring an already-retired policy is an idempotent no-op. An unknown
// policy reports ErrPolicyNotFound.
func (e *Engine) RetireRateLimitPolicy(ctx context.Context, policyID string) error {
	if e.limiter == nil {
		return ErrPolicyNotFound
	}

	sctx, cancel := e.storeCtx(ctx)
	err := e.limiter.Retire(sctx, policyID, e.now())
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, rate.ErrPolicyNotFound):
			return ErrPolicyNotFound
		case errors.Is(err, rate.ErrPolicyEnabled):
			e.emitAudit(ctx, auditEventPolicyRetired, false, ActorRef{}, "", ErrPolicyEnabled, policyMeta(policyID))
			return ErrPolicyEnabled
		default:
			return storeErr(err)
		}
	}

	e.metricInc(MetricPolicyRetired)
	e.emitAudit(ctx, auditEventPolicyRetired, true, ActorRef{}, "", nil, policyMeta(policyID))
	return nil
}

func (e *Engine) setPolicyEnabled(ctx context.Context, policyID string, enabled bool) error {
	if e.limiter == nil {
		return ErrPolicyNotFound
	}

	sctx, cancel := e.storeCtx(ctx)
	err := e.limiter.SetEnabled(sctx, policyID, enabled)
	cancel()
	if err != nil {
		if errors.Is(err, rate.ErrPolicyNotFound) {
			return ErrPolicyNotFound
		}
		return storeErr(err)
	}

	return nil
}

func policyMeta(policyID string) func() map[string]string {
	return func() map[string]string {
		return map[string]string{
			"policy": policyID,
		}
	}
}
