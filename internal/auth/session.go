// Package auth covers both faces of the gateway: bearer API keys on the
// OpenAI surface and HMAC-signed cookie sessions on the admin and public
// consoles.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Session roles.
const (
	RoleAdmin  = "admin"
	RolePublic = "public"
)

var (
	ErrTokenInvalid = errors.New("session token invalid")
	ErrTokenExpired = errors.New("session token expired")
)

// sessionPayload is the signed cookie body.
type sessionPayload struct {
	Sub string `json:"sub"`
	Iat int64  `json:"iat"`
	Exp int64  `json:"exp"`
	V   int    `json:"v"`
}

// Signer mints and checks cookie session tokens. The wire format is
// base64url(payload).base64url(hmac-sha256(secret, payload_b64)).
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner requires a non-empty secret (enforced at config validation).
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), now: time.Now}
}

// Sign mints a token for role valid for ttl.
func (s *Signer) Sign(role string, ttl time.Duration) string {
	now := s.now()
	payload, _ := json.Marshal(sessionPayload{
		Sub: role,
		Iat: now.Unix(),
		Exp: now.Add(ttl).Unix(),
		V:   1,
	})
	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)
	return payloadB64 + "." + s.mac(payloadB64)
}

// Verify checks the signature and expiry and returns the role.
func (s *Signer) Verify(token string) (string, error) {
	payloadB64, sig, ok := strings.Cut(token, ".")
	if !ok {
		return "", ErrTokenInvalid
	}
	if !hmac.Equal([]byte(s.mac(payloadB64)), []byte(sig)) {
		return "", ErrTokenInvalid
	}
	raw, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return "", ErrTokenInvalid
	}
	var payload sessionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", ErrTokenInvalid
	}
	if payload.V != 1 || payload.Sub == "" {
		return "", ErrTokenInvalid
	}
	if s.now().Unix() >= payload.Exp {
		return "", ErrTokenExpired
	}
	return payload.Sub, nil
}

func (s *Signer) mac(payloadB64 string) string {
	h := hmac.New(sha256.New, s.secret)
	fmt.Fprint(h, payloadB64)
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
