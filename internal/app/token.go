package app

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrInvalidToken indicates a malformed, tampered or expired bearer token.
var ErrInvalidToken = errors.New("app: invalid token")

// TokenClaims carries the identity fields the external token issuer signs.
// The RBAC core never issues tokens; it only verifies and translates them
// into a typed actor context at the request boundary.
type TokenClaims struct {
	UserID     int64  `json:"uid"`
	TenantID   *int64 `json:"tid,omitempty"`
	SuperAdmin bool   `json:"sa,omitempty"`
	ExpiresAt  int64  `json:"exp"`
}

// TokenCodec verifies HMAC-SHA256 signed bearer tokens.
type TokenCodec struct {
	secret []byte
}

// NewTokenCodec constructs a codec for the shared secret.
func NewTokenCodec(secret string) *TokenCodec {
	return &TokenCodec{secret: []byte(secret)}
}

// Encode signs claims into a token. Mostly used by tests and local tooling;
// production tokens come from the external session layer.
func (c *TokenCodec) Encode(claims TokenClaims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + c.sign(body), nil
}

// Decode verifies the signature and expiry, returning the claims.
func (c *TokenCodec) Decode(token string, now time.Time) (TokenClaims, error) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok {
		return TokenClaims{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(c.sign(body)), []byte(sig)) {
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
	if claims.UserID <= 0 {
		return TokenClaims{}, ErrInvalidToken
	}
	if claims.ExpiresAt > 0 && !time.Unix(claims.ExpiresAt, 0).After(now) {
		return TokenClaims{}, ErrInvalidToken
	}
	return claims, nil
}

func (c *TokenCodec) sign(body string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
