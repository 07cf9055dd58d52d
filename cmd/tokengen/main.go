// Tokengen mints a streaming JWT for local testing against the realtime
// server. Set JWT_PRIVATE_KEY (PEM or path); issuer, audience, and TTL
// come from the same config the server reads, so the minted token
// verifies without extra flags. JWT_PUBLIC_KEY is required by config but
// unused here.
//
// Usage:
//
//	tokengen -tenant acme-energy -user u-100 -email ops@acme.example -role operator
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"wellpulse/backend/internal/config"
	"wellpulse/backend/internal/security"
)

func main() {
	tenant := flag.String("tenant", "", "tenant id claim (required)")
	user := flag.String("user", "dev-user-001", "subject claim")
	email := flag.String("email", "dev@example.com", "email claim")
	role := flag.String("role", "operator", "role claim")
	ttl := flag.Duration("ttl", 0, "token lifetime; 0 uses JWT_ACCESS_TTL")
	flag.Parse()

	if *tenant == "" {
		log.Fatal("tokengen: -tenant is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.JWTPrivateKey == "" {
		log.Fatal("tokengen: JWT_PRIVATE_KEY is required")
	}
	key, err := security.ParsePrivateKey(cfg.JWTPrivateKey)
	if err != nil {
		log.Fatalf("tokengen: parse private key: %v", err)
	}

	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = cfg.AccessTTL()
	}

	iss := security.NewIssuer(key, cfg.JWTIssuer, cfg.JWTAudience, lifetime)
	token, expiresAt, err := iss.Issue(security.Identity{
		UserID:   *user,
		Email:    *email,
		Role:     *role,
		TenantID: *tenant,
	})
	if err != nil {
		log.Fatalf("tokengen: issue: %v", err)
	}

	fmt.Println(token)
	log.Printf("tokengen: %s token for tenant %s, expires %s",
		security.KeyAlg(key.Public()), *tenant, expiresAt.Format(time.RFC3339))
}
