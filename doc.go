// Package authcore is a Redis-backed authentication and session lifecycle
// engine: identity creation for four actor kinds, credential login, JWT
// access tokens, opaque rotating refresh tokens with replay detection,
// idempotent revocation, one-time password-reset and email-verification
// tokens, fixed-window rate limiting with a policy lifecycle, async audit
// dispatch, and in-process metrics.
//
// Build an engine with the fluent builder:
//
//	engine, err := authcore.New().
//		WithRedis(client).
//		WithSigningKeys("ed25519", privateKey, publicKey).
//		WithMailer(mailer).
//		Build()
//	if err != nil {
//		// handle
//	}
//	defer engine.Close()
//
// Every error the engine returns wraps one of six kind sentinels
// (ErrValidation, ErrAuth, ErrForbidden, ErrNotFound, ErrConflict,
// ErrTransient), so callers classify with errors.Is. Authentication
// failures are deliberately uniform: unknown email, wrong password, and
// suspended identity are indistinguishable to the caller.
package authcore
