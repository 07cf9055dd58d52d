// Package security issues and verifies the JWTs that authenticate
// realtime streaming connections. Tokens are signed with RS256 or ES256;
// the gateway only ever holds the public key.
package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token is malformed, expired, or has a bad signature/issuer/audience.
	ErrInvalidToken = errors.New("invalid token")
	// ErrMissingClaim is returned when a structurally valid token lacks one of the required claims.
	ErrMissingClaim = errors.New("token missing required claim")
)

// StreamClaims holds the JWT claims carried by a streaming token.
type StreamClaims struct {
	jwt.RegisteredClaims
	Email    string `json:"email"`
	Role     string `json:"role"`
	TenantID string `json:"tenantId"`
}

// Identity is the resolved identity of an authenticated connection.
// All four fields are guaranteed non-empty by Verifier.Verify.
type Identity struct {
	UserID   string
	Email    string
	Role     string
	TenantID string
}

// Verifier validates streaming tokens against a public key, issuer, and audience.
type Verifier struct {
	publicKey crypto.PublicKey
	issuer    string
	audience  string
}

// NewVerifier returns a Verifier for tokens signed with the private half of publicKey (RSA or ECDSA).
func NewVerifier(publicKey crypto.PublicKey, issuer, audience string) *Verifier {
	return &Verifier{publicKey: publicKey, issuer: issuer, audience: audience}
}

// Verify parses and validates a streaming token (signature, exp, iss, aud)
// and checks that sub, email, role, and tenantId are all present.
// Returns ErrInvalidToken or ErrMissingClaim; never a partial Identity.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &StreamClaims{}, func(token *jwt.Token) (interface{}, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA:
			return v.publicKey, nil
		}
		return nil, ErrInvalidToken
	})
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	claims, ok := token.Claims.(*StreamClaims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	if claims.Issuer != v.issuer {
		return Identity{}, ErrInvalidToken
	}
	audOK := false
	for _, a := range claims.Audience {
		if a == v.audience {
			audOK = true
			break
		}
	}
	if !audOK {
		return Identity{}, ErrInvalidToken
	}
	if claims.Subject == "" || claims.Email == "" || claims.Role == "" || claims.TenantID == "" {
		return Identity{}, ErrMissingClaim
	}
	return Identity{
		UserID:   claims.Subject,
		Email:    claims.Email,
		Role:     claims.Role,
		TenantID: claims.TenantID,
	}, nil
}

// Issuer signs streaming tokens. Used by tooling and tests; the production
// path only verifies tokens issued by the account backend.
type Issuer struct {
	privateKey crypto.Signer
	issuer     string
	audience   string
	ttl        time.Duration
}

// NewIssuer returns an Issuer signing with the given private key (RS256 or ES256).
func NewIssuer(privateKey crypto.Signer, issuer, audience string, ttl time.Duration) *Issuer {
	return &Issuer{privateKey: privateKey, issuer: issuer, audience: audience, ttl: ttl}
}

// Issue signs a streaming token for the given identity. Returns the token
// string and its expiry.
func (i *Issuer) Issue(id Identity) (token string, expiresAt time.Time, err error) {
	now := time.Now().UTC()
	expiresAt = now.Add(i.ttl)
	claims := StreamClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Email:    id.Email,
		Role:     id.Role,
		TenantID: id.TenantID,
	}
	var method jwt.SigningMethod
	switch i.privateKey.Public().(type) {
	case *rsa.PublicKey:
		method = jwt.SigningMethodRS256
	case *ecdsa.PublicKey:
		method = jwt.SigningMethodES256
	default:
		return "", time.Time{}, ErrInvalidToken
	}
	token, err = jwt.NewWithClaims(method, claims).SignedString(i.privateKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}
