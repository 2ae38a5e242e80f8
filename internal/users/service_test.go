package users

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/notice/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func newIdentityService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestResolveCanonicalUserIDStripsProviderPrefix(t *testing.T) {
	service, db := newIdentityService(t)

	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
	}
	userID, err := service.ResolveCanonicalUserID(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected canonical user id without provider prefix, got %q", userID)
	}

	// cached
	userID, err = service.ResolveCanonicalUserID(context.Background(), claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected canonical user id to remain stable, got %q", userID)
	}

	var count int64
	if err := db.Model(&Identity{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single identity row, got %d", count)
	}
}

func TestResolveCanonicalUserIDRejectsEmptyClaims(t *testing.T) {
	service, _ := newIdentityService(t)
	if _, err := service.ResolveCanonicalUserID(context.Background(), auth.SessionClaims{}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity, got %v", err)
	}
}

func TestSessionResolverResolvesIssuedTokens(t *testing.T) {
	service, _ := newIdentityService(t)
	secret := []byte("resolver-secret")

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: secret, CookieName: "app_session"})
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{SigningSecret: secret})
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	resolver, err := NewSessionResolver(validator, service)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}

	token, _, err := issuer.Issue(auth.SessionIdentity{UserID: "student-7"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	userID, err := resolver.ResolveSessionToken(context.Background(), token)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if userID != "student-7" {
		t.Fatalf("unexpected user id %q", userID)
	}

	if _, err := resolver.ResolveSessionToken(context.Background(), "not-a-token"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}

func TestResolveCanonicalUserIDFoldsEmailCase(t *testing.T) {
	service, db := newIdentityService(t)

	first, err := service.ResolveCanonicalUserID(context.Background(), auth.SessionClaims{UserEmail: "Student@Example.com"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	service.cache.Range(func(key, _ any) bool {
		service.cache.Delete(key)
		return true
	})
	second, err := service.ResolveCanonicalUserID(context.Background(), auth.SessionClaims{UserEmail: " student@example.COM "})
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if first != "student@example.com" || second != first {
		t.Fatalf("expected one lower-cased identity, got %q and %q", first, second)
	}

	var stored Identity
	if err := db.Where("subject = ?", first).Take(&stored).Error; err != nil {
		t.Fatalf("identity not stored: %v", err)
	}
	if stored.Email != "student@example.com" {
		t.Fatalf("expected normalized email, got %q", stored.Email)
	}
}
