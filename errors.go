package authcore

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the engine wraps exactly one of
// these, so callers can classify with errors.Is and map kinds to transport
// status codes without string matching.
var (
	ErrValidation = errors.New("validation failed")
	ErrAuth       = errors.New("authentication failed")
	ErrForbidden  = errors.New("forbidden")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrTransient  = errors.New("transient backend failure")
)

var (
	// ErrInvalidCredentials covers unknown email, wrong password, and
	// suspended identity alike. The engine never tells a caller which one
	// it was; the audit trail carries the internal reason.
	ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", ErrAuth)

	// ErrRefreshInvalid covers malformed, unknown, expired, and revoked
	// refresh tokens.
	ErrRefreshInvalid = fmt.Errorf("%w: invalid refresh token", ErrAuth)

	// ErrRefreshReuse is returned when a refresh token loses the rotation
	// race: the stored hash no longer matches, meaning the token was
	// already rotated away. The session is revoked as a replay response.
	ErrRefreshReuse = fmt.Errorf("%w: refresh token reuse detected", ErrAuth)

	// ErrAccessInvalid covers every access-token verification failure.
	ErrAccessInvalid = fmt.Errorf("%w: invalid access token", ErrAuth)

	// ErrRecoveryInvalid covers malformed, unknown, expired, consumed, and
	// mismatched recovery tokens for both reset and verification flows.
	ErrRecoveryInvalid = fmt.Errorf("%w: invalid recovery token", ErrAuth)

	ErrRateLimited = fmt.Errorf("%w: too many attempts", ErrForbidden)

	ErrKindInvalid    = fmt.Errorf("%w: unknown actor kind", ErrValidation)
	ErrEmailRequired  = fmt.Errorf("%w: email required", ErrValidation)
	ErrPasswordPolicy = fmt.Errorf("%w: password policy violation", ErrValidation)
	ErrPasswordReuse  = fmt.Errorf("%w: new password must differ from current", ErrValidation)
	ErrGuestNoLogin   = fmt.Errorf("%w: guests have no credentials", ErrValidation)

	ErrDuplicateEmail = fmt.Errorf("%w: email already registered", ErrConflict)

	// ErrPolicyEnabled blocks retiring a rate-limit policy that is still
	// enabled. Disable it first.
	ErrPolicyEnabled = fmt.Errorf("%w: policy still enabled", ErrConflict)

	ErrPolicyNotFound   = fmt.Errorf("%w: rate limit policy", ErrNotFound)
	ErrIdentityNotFound = fmt.Errorf("%w: identity", ErrNotFound)

	ErrStoreTimeout     = fmt.Errorf("%w: store deadline exceeded", ErrTransient)
	ErrStoreUnavailable = fmt.Errorf("%w: store unavailable", ErrTransient)
)
