package session

import (
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)
	token, err := issuer.Issue(TokenClaims{SessionID: "sess-1", UserID: "u1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := issuer.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.SessionID != "sess-1" || claims.UserID != "u1" {
		t.Fatalf("claims drifted: %+v", claims)
	}
}

func TestTokenRejectsTampering(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)
	token, err := issuer.Issue(TokenClaims{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := issuer.Parse(token + "x"); err == nil {
		t.Fatal("tampered signature accepted")
	}
	if _, err := issuer.Parse("no-separator"); err == nil {
		t.Fatal("malformed token accepted")
	}
	other := NewTokenIssuer("different-secret", time.Hour)
	if _, err := other.Parse(token); err == nil {
		t.Fatal("token verified under the wrong secret")
	}
}

func TestTokenExpires(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Minute)
	current := time.Now()
	issuer.now = func() time.Time { return current }

	token, err := issuer.Issue(TokenClaims{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	current = current.Add(2 * time.Minute)
	if _, err := issuer.Parse(token); err == nil {
		t.Fatal("expired token accepted")
	}
}
