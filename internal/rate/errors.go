package rate

import "errors"

var (
	// ErrRateLimited reports that the scope exhausted its attempt budget
	// within the current window.
	ErrRateLimited = errors.New("rate limited")

	// ErrPolicyEnabled blocks retirement of a policy that is still enabled;
	// a policy must be disabled before it can be retired.
	ErrPolicyEnabled = errors.New("policy still enabled")

	ErrPolicyNotFound = errors.New("policy not found")
	ErrUnavailable    = errors.New("rate limit backend unavailable")
)
