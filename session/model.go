package session

// Session is the persisted session record. It references exactly one actor
// through the kind+id pair and carries only the hash of its refresh token,
// never the raw value.
//
// A session is usable iff RevokedAt is zero and the clock has not passed
// ExpiresAt. Revoked and expired sessions are retained (with a bounded
// retention TTL) for audit rather than hard-deleted.
type Session struct {
	SessionID      string `json:"sid"`
	ActorKind      string `json:"actor_kind"`
	ActorID        string `json:"actor_id"`
	RefreshHash    string `json:"refresh_hash"`
	IssuedAt       int64  `json:"issued_at"`
	LastAccessedAt int64  `json:"last_accessed_at"`
	ExpiresAt      int64  `json:"expires_at"`
	RevokedAt      int64  `json:"revoked_at"`
}

// Usable reports whether the session can still authenticate at nowUnix.
func (s *Session) Usable(nowUnix int64) bool {
	return s != nil && s.RevokedAt == 0 && nowUnix < s.ExpiresAt
}
