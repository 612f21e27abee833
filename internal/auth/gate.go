package auth

import "crypto/subtle"

// Header is the request header (and gRPC metadata key) carrying the token.
const Header = "x-api-token"

// Gate approves mutating requests that present the shared secret.
type Gate struct {
	token []byte
}

// NewGate returns a Gate that accepts exactly token.
func NewGate(token string) *Gate {
	return &Gate{token: []byte(token)}
}

// Authorize reports whether presented matches the configured secret.
// An empty token never matches.
func (g *Gate) Authorize(presented string) bool {
	if presented == "" || len(g.token) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), g.token) == 1
}
