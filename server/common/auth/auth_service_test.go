package auth

import (
	"testing"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewService("test-secret", 60)
	token, err := svc.GenerateToken("user-1", "acme", "rep")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	userID, tenantID, role, err := svc.ParseAuthContext(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if userID != "user-1" || tenantID != "acme" || role != "rep" {
		t.Errorf("claims = %s/%s/%s", userID, tenantID, role)
	}
}

func TestTokenSignedWithOtherSecretIsRejected(t *testing.T) {
	issuer := NewService("secret-a", 60)
	verifier := NewService("secret-b", 60)
	token, err := issuer.GenerateToken("user-1", "acme", "rep")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := verifier.ParseToken(token); err == nil {
		t.Fatal("token with wrong signature must be rejected")
	}
}

func TestExpiredTokenIsRejected(t *testing.T) {
	svc := NewService("test-secret", -1)
	token, err := svc.GenerateToken("user-1", "acme", "rep")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := svc.ParseToken(token); err == nil {
		t.Fatal("expired token must be rejected")
	}
}
