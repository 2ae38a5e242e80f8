package auth

import (
	"testing"
	"time"
)

func TestSessionIssuerIssueRoundTrip(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return clockNow }

	issuer, err := NewSessionIssuer(SessionIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		TokenTTL:      time.Hour,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	token, expiresAt, err := issuer.Issue(SessionIdentity{
		UserID:      testSessionUserID,
		Email:       " " + testSessionUserEmail + " ",
		DisplayName: "Ada",
	})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if !expiresAt.Equal(clockNow.Add(time.Hour)) {
		t.Fatalf("unexpected expiry: %v", expiresAt)
	}

	claims, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if claims.Subject != testSessionUserID || claims.UserEmail != testSessionUserEmail || claims.UserDisplayName != "Ada" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestSessionIssuerRequiresSecretAndSubject(t *testing.T) {
	if _, err := NewSessionIssuer(SessionIssuerConfig{}); err == nil {
		t.Fatalf("expected missing secret error")
	}
	issuer, err := NewSessionIssuer(SessionIssuerConfig{SigningSecret: []byte(testSessionSigningSecret)})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	if _, _, err := issuer.Issue(SessionIdentity{UserID: "  "}); err == nil {
		t.Fatalf("expected missing subject error")
	}
}
