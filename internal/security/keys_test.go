package security

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func testKeyPEMs(t *testing.T) (privPEM, pubPEM string) {
	t.Helper()
	key, err := NewTestKeyPair()
	if err != nil {
		t.Fatalf("NewTestKeyPair: %v", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	privPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}))
	pubPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	return privPEM, pubPEM
}

func TestParseKeysInlinePEM(t *testing.T) {
	privPEM, pubPEM := testKeyPEMs(t)

	signer, err := ParsePrivateKey(privPEM)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	if _, ok := signer.Public().(*rsa.PublicKey); !ok {
		t.Errorf("ParsePrivateKey: got %T, want RSA", signer.Public())
	}

	pub, err := ParsePublicKey(pubPEM)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if KeyAlg(pub) != "RS256" {
		t.Errorf("KeyAlg: got %q, want RS256", KeyAlg(pub))
	}
}

func TestParseKeysFromFile(t *testing.T) {
	privPEM, pubPEM := testKeyPEMs(t)
	dir := t.TempDir()
	privPath := dir + "/key.pem"
	pubPath := dir + "/key.pub.pem"
	writeFile(t, privPath, privPEM)
	writeFile(t, pubPath, pubPEM)

	if _, err := ParsePrivateKey(privPath); err != nil {
		t.Errorf("ParsePrivateKey from file: %v", err)
	}
	if _, err := ParsePublicKey(pubPath); err != nil {
		t.Errorf("ParsePublicKey from file: %v", err)
	}
}

func TestParseKeysInvalid(t *testing.T) {
	if _, err := ParsePrivateKey("not pem"); err == nil {
		t.Error("ParsePrivateKey: want error for non-PEM input")
	}
	if _, err := ParsePublicKey(""); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("ParsePublicKey empty: want ErrInvalidKey, got %v", err)
	}
	if _, err := LoadPEM(""); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("LoadPEM empty: want ErrInvalidKey, got %v", err)
	}
}
