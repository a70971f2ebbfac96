package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	gjwt "github.com/golang-jwt/jwt/v5"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(Config{
		AccessSecret:  "access-secret",
		RefreshSecret: "refresh-secret",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    30 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return c
}

func TestAccessRoundTrip(t *testing.T) {
	c := newTestCodec(t)
	raw, err := c.SignAccess("u1", "USER", "ann@example.com")
	if err != nil {
		t.Fatalf("sign access: %v", err)
	}
	claims, err := c.ParseAccess(raw)
	if err != nil {
		t.Fatalf("parse access: %v", err)
	}
	if claims.Subject != "u1" || claims.Role != "USER" || claims.Email != "ann@example.com" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestRefreshRoundTrip(t *testing.T) {
	c := newTestCodec(t)
	raw, err := c.SignRefresh("u1", "tok-42")
	if err != nil {
		t.Fatalf("sign refresh: %v", err)
	}
	claims, err := c.ParseRefresh(raw)
	if err != nil {
		t.Fatalf("parse refresh: %v", err)
	}
	if claims.Subject != "u1" || claims.ID != "tok-42" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseAccessRejectsExpired(t *testing.T) {
	c := newTestCodec(t)
	c.now = func() time.Time { return time.Now().Add(-time.Hour) }
	raw, err := c.SignAccess("u1", "USER", "ann@example.com")
	if err != nil {
		t.Fatalf("sign access: %v", err)
	}
	c.now = time.Now

	if _, err := c.ParseAccess(raw); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestParseAccessRejectsTampering(t *testing.T) {
	c := newTestCodec(t)
	raw, err := c.SignAccess("u1", "USER", "ann@example.com")
	if err != nil {
		t.Fatalf("sign access: %v", err)
	}
	parts := strings.Split(raw, ".")
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	if _, err := c.ParseAccess(tampered); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
	if _, err := c.ParseAccess("not-a-token"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for garbage, got %v", err)
	}
}

func TestTokenFamiliesUseIndependentKeys(t *testing.T) {
	c := newTestCodec(t)
	access, err := c.SignAccess("u1", "USER", "ann@example.com")
	if err != nil {
		t.Fatalf("sign access: %v", err)
	}
	refresh, err := c.SignRefresh("u1", "tok-1")
	if err != nil {
		t.Fatalf("sign refresh: %v", err)
	}
	if _, err := c.ParseRefresh(access); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("access token must not verify as refresh, got %v", err)
	}
	if _, err := c.ParseAccess(refresh); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("refresh token must not verify as access, got %v", err)
	}
}

func TestParseAccessRejectsWrongAlgorithm(t *testing.T) {
	c := newTestCodec(t)
	claims := AccessClaims{
		Role: "USER",
		RegisteredClaims: gjwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	raw, err := gjwt.NewWithClaims(gjwt.SigningMethodHS256, claims).SignedString(c.accessKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := c.ParseAccess(raw); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected wrong algorithm to be rejected, got %v", err)
	}
}

func TestParseRefreshRequiresTokenID(t *testing.T) {
	c := newTestCodec(t)
	claims := RefreshClaims{RegisteredClaims: gjwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}
	raw, err := gjwt.NewWithClaims(gjwt.SigningMethodHS512, claims).SignedString(c.refreshKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := c.ParseRefresh(raw); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected refresh without jti to be rejected, got %v", err)
	}
}
