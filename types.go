package authcore

import "time"

// ActorKind partitions the identity space. Kinds never overlap: the same
// email can exist once per kind, sessions and tokens are scoped to a kind,
// and TTL policy is resolved per kind.
type ActorKind string

const (
	KindGuest       ActorKind = "guest"
	KindUser        ActorKind = "user"
	KindAdmin       ActorKind = "admin"
	KindSystemAdmin ActorKind = "system_admin"
)

var allActorKinds = []ActorKind{KindGuest, KindUser, KindAdmin, KindSystemAdmin}

// Valid reports whether k is one of the four recognized kinds.
func (k ActorKind) Valid() bool {
	switch k {
	case KindGuest, KindUser, KindAdmin, KindSystemAdmin:
		return true
	default:
		return false
	}
}

// Credentialed reports whether identities of this kind carry an email and
// password. Guests are anonymous and authenticate only by their tokens.
func (k ActorKind) Credentialed() bool {
	return k != KindGuest
}

// ActorRef names one identity without loading it.
type ActorRef struct {
	Kind ActorKind
	ID   string
}

// IdentityStatus is the lifecycle state of an identity. A suspended identity
// fails all credentialed operations with the same generic authentication
// error as bad credentials.
type IdentityStatus uint8

const (
	StatusActive    IdentityStatus = 1
	StatusSuspended IdentityStatus = 2
)

// Identity is the caller-facing view of a stored identity. The password hash
// never leaves the engine.
type Identity struct {
	ID            string
	Kind          ActorKind
	Email         string
	Status        IdentityStatus
	EmailVerified bool
	VerifiedAt    time.Time
	CreatedAt     time.Time
}

// AuthorizedSession is the result of any operation that establishes or
// rotates a session: a fresh access token, a fresh refresh token, and their
// expiries.
type AuthorizedSession struct {
	Actor            ActorRef
	SessionID        string
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// AccessResult is the outcome of validating an access token.
type AccessResult struct {
	Actor     ActorRef
	SessionID string
	ExpiresAt time.Time
}

// Ack is the uniform acknowledgement returned by recovery request
// operations. It is identical whether or not the email resolved to an
// identity, so the response cannot be used for account enumeration.
type Ack struct {
	Accepted bool
	Message  string
}

// RevokeMode selects how LogoutAll treats the caller's own session.
type RevokeMode int

const (
	// RevokeExcludeCurrent revokes every session of the actor except the
	// one named by the caller. This is the default for cascade revocations
	// so the actor is not logged out by their own security action.
	RevokeExcludeCurrent RevokeMode = iota

	// RevokeIncludeCurrent revokes every session, the caller's included.
	RevokeIncludeCurrent
)
