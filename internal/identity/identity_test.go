package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier("test-secret", "racelog-test")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

func TestIssueAndVerify(t *testing.T) {
	v := newTestVerifier(t)

	tok, err := v.Issue(Identity{OwnerID: "U1", DisplayName: "Runner One"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	id, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.OwnerID != "U1" || id.DisplayName != "Runner One" {
		t.Errorf("identity = %+v", id)
	}
}

func TestVerifyRejects(t *testing.T) {
	v := newTestVerifier(t)
	other, _ := NewVerifier("other-secret", "racelog-test")
	otherIssuer, _ := NewVerifier("test-secret", "someone-else")

	foreign, _ := other.Issue(Identity{OwnerID: "U1"}, 0)
	wrongIssuer, _ := otherIssuer.Issue(Identity{OwnerID: "U1"}, 0)

	past := *v
	past.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _ := past.Issue(Identity{OwnerID: "U1"}, time.Minute)

	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "racelog-test"},
	}).SignedString([]byte("test-secret"))

	tests := map[string]string{
		"empty":        "",
		"garbage":      "not.a.token",
		"wrong secret": foreign,
		"wrong issuer": wrongIssuer,
		"expired":      expired,
		"no subject":   noSubject,
	}
	for name, tok := range tests {
		if _, err := v.Verify(tok); !errors.Is(err, ErrLoginFailed) {
			t.Errorf("%s: error = %v, want ErrLoginFailed", name, err)
		}
	}
}

func TestVerifyRejectsNoneAlg(t *testing.T) {
	v := newTestVerifier(t)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "U1", Issuer: "racelog-test"},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}
	if _, err := v.Verify(tok); !errors.Is(err, ErrLoginFailed) {
		t.Errorf("error = %v, want ErrLoginFailed", err)
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier("", ""); err == nil {
		t.Error("NewVerifier with empty secret succeeded")
	}
}

func TestIssueRequiresOwner(t *testing.T) {
	if _, err := newTestVerifier(t).Issue(Identity{}, 0); err == nil {
		t.Error("Issue without owner succeeded")
	}
}

func TestContext(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Error("empty context reported an identity")
	}
	ctx := WithIdentity(context.Background(), Identity{OwnerID: "U1"})
	id, ok := FromContext(ctx)
	if !ok || id.OwnerID != "U1" {
		t.Errorf("FromContext = %+v, %v", id, ok)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc ", "abc", true},
		{"Basic abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := BearerToken(tt.header)
		if got != tt.want || ok != tt.ok {
			t.Errorf("BearerToken(%q) = (%q, %v), want (%q, %v)", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}
