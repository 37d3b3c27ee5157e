package machines

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// TokenGenerator mints per-job webhook bearer tokens. A token is
// HMAC-SHA256(secret, jobID), so it is deterministic for a stable secret:
// an operator can re-derive the token for a known job after a restart, and
// knowing a jobID without the secret yields nothing.
type TokenGenerator struct {
	secret []byte
}

// NewTokenGenerator creates a generator over the process-wide secret.
func NewTokenGenerator(secret string) *TokenGenerator {
	return &TokenGenerator{secret: []byte(secret)}
}

// Token returns the bearer token for a job ID.
func (g *TokenGenerator) Token(jobID string) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(jobID))
	return hex.EncodeToString(mac.Sum(nil))
}
