package security

import (
	"crypto/rand"
	"crypto/rsa"
	"time"
)

// NewTestKeyPair generates an ephemeral RSA key pair. For unit tests only.
func NewTestKeyPair() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

// NewTestIssuerVerifier returns a matched Issuer/Verifier pair on an
// ephemeral key with test issuer/audience values. ttl may be negative to
// mint already-expired tokens.
func NewTestIssuerVerifier(ttl time.Duration) (*Issuer, *Verifier, error) {
	key, err := NewTestKeyPair()
	if err != nil {
		return nil, nil, err
	}
	iss := NewIssuer(key, "test-issuer", "test-audience", ttl)
	ver := NewVerifier(&key.PublicKey, "test-issuer", "test-audience")
	return iss, ver, nil
}
