// Package jwt signs and verifies the short-lived access tokens minted on
// login and refresh. Refresh tokens are opaque and never pass through here.
package jwt
