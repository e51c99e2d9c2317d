package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDenialMatchesReasonSentinel(t *testing.T) {
	err := fmt.Errorf("login: %w", Deny(ReasonRateLimited).WithRemaining(0))
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited match")
	}
	if errors.Is(err, ErrAccountLocked) {
		t.Fatalf("unexpected ErrAccountLocked match")
	}
	d, ok := AsDenial(err)
	if !ok || d.RemainingAttempts == nil || *d.RemainingAttempts != 0 {
		t.Fatalf("unexpected denial: %+v", d)
	}
	if !IsDenial(err, ReasonRateLimited) || IsDenial(errors.New("x"), ReasonRateLimited) {
		t.Fatalf("IsDenial mismatch")
	}
}

func TestDenialClampsRemaining(t *testing.T) {
	d := Deny(ReasonInvalidCredentials).WithRemaining(-3)
	if *d.RemainingAttempts != 0 {
		t.Fatalf("remaining should clamp to zero, got %d", *d.RemainingAttempts)
	}
	if d.Error() != "auth: denied: invalid_credentials" {
		t.Fatalf("unexpected message %q", d.Error())
	}
}

func TestTokenErrorsShareRoot(t *testing.T) {
	for _, err := range []error{ErrInvalidSignature, ErrTokenExpired, ErrMalformedToken} {
		if !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%v should wrap ErrInvalidToken", err)
		}
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := IdentityFromContext(ctx); ok {
		t.Fatalf("unexpected identity")
	}
	ctx = ContextWithIdentity(ctx, Identity{ID: "idn_1"})
	ctx = ContextWithTenant(ctx, Tenant{ID: "ten_1", Slug: "acme"})
	ctx = ContextWithClaims(ctx, &Claims{TenantID: "ten_1"})

	id, ok := IdentityFromContext(ctx)
	if !ok || id.ID != "idn_1" {
		t.Fatalf("identity not stored: %+v", id)
	}
	tenant, ok := TenantFromContext(ctx)
	if !ok || tenant.Slug != "acme" {
		t.Fatalf("tenant not stored: %+v", tenant)
	}
	if claims, ok := ClaimsFromContext(ctx); !ok || claims.TenantID != "ten_1" {
		t.Fatalf("claims not stored")
	}
}

func TestSessionExpired(t *testing.T) {
	now := time.Now()
	s := Session{ExpiresAt: now}
	if !s.Expired(now) {
		t.Fatalf("session expiring now should be expired")
	}
	if s.Expired(now.Add(-time.Nanosecond)) {
		t.Fatalf("session should be live before expiry")
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("s3cret-pass")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := VerifyPassword(hash, "s3cret-pass"); err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if err := VerifyPassword(hash, "wrong"); err == nil {
		t.Fatalf("expected mismatch")
	}
	if _, err := HashPassword(""); err == nil {
		t.Fatalf("expected error for empty password")
	}
	BurnPasswordCheck("anything")
}
