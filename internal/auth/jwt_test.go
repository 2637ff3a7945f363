package auth

import (
	"errors"
	"testing"
	"time"
)

func testConfig() TokenConfig {
	return TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
}

func TestCreateAndVerifyToken(t *testing.T) {
	tok, err := CreateToken(Grant{ParticipantID: "ada", Name: "Ada"}, testConfig())
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	claims, err := VerifyToken(tok, testConfig())
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.ParticipantID() != "ada" || claims.Name != "Ada" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !claims.Allows("any-room") {
		t.Fatalf("unrestricted token should allow any session")
	}
}

func TestVerifyToken_SessionRestriction(t *testing.T) {
	tok, err := CreateToken(Grant{ParticipantID: "ada", SessionID: "doc-1"}, testConfig())
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	claims, err := VerifyToken(tok, testConfig())
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if !claims.Allows("doc-1") || claims.Allows("doc-2") {
		t.Fatalf("unexpected session restriction: %+v", claims)
	}
}

func TestVerifyToken_WrongSecret(t *testing.T) {
	tok, err := CreateToken(Grant{ParticipantID: "ada"}, testConfig())
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	wrong := testConfig()
	wrong.Secret = "wrong"
	if _, err := VerifyToken(tok, wrong); err == nil {
		t.Fatalf("expected error")
	}
}

func TestVerifyToken_WrongIssuer(t *testing.T) {
	tok, err := CreateToken(Grant{ParticipantID: "ada"}, testConfig())
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	other := testConfig()
	other.Issuer = "someone-else"
	if _, err := VerifyToken(tok, other); err == nil {
		t.Fatalf("expected issuer mismatch")
	}
}

func TestCreateToken_Validation(t *testing.T) {
	cfg := testConfig()
	cfg.Expiry = -time.Second
	if _, err := CreateToken(Grant{ParticipantID: "ada"}, cfg); !errors.Is(err, ErrInvalidExpiry) {
		t.Fatalf("expected ErrInvalidExpiry, got %v", err)
	}
	if _, err := CreateToken(Grant{}, testConfig()); !errors.Is(err, ErrMissingParticipant) {
		t.Fatalf("expected ErrMissingParticipant, got %v", err)
	}
	if _, err := CreateToken(Grant{ParticipantID: "ada"}, TokenConfig{Expiry: time.Hour}); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}
