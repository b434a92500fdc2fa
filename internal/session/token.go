package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var ErrInvalidToken = errors.New("invalid token")

// TokenClaims are carried by every session credential: join tokens handed
// to peers and connection tokens injected into dedicated servers.
type TokenClaims struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	Server    bool   `json:"server,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	ExpiresAt int64  `json:"exp"`
}

// TokenIssuer mints and verifies HMAC-signed session credentials.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (t *TokenIssuer) Issue(claims TokenClaims) (string, error) {
	claims.ExpiresAt = t.now().Add(t.ttl).Unix()
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + t.sign(body), nil
}

func (t *TokenIssuer) Parse(token string) (TokenClaims, error) {
	body, mac, found := strings.Cut(token, ".")
	if !found {
		return TokenClaims{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(t.sign(body)), []byte(mac)) {
		return TokenClaims{}, ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return TokenClaims{}, ErrInvalidToken
	}
	var claims TokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return TokenClaims{}, ErrInvalidToken
	}
	if t.now().Unix() >= claims.ExpiresAt {
		return TokenClaims{}, ErrInvalidToken
	}
	return claims, nil
}

func (t *TokenIssuer) sign(body string) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
