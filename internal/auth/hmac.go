// Package auth verifies signed identity tokens presented by room participants.
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

var (
	// ErrInvalidToken indicates the token failed signature checks or had malformed structure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
	// ErrAudienceMismatch signals a token minted for another service.
	ErrAudienceMismatch = errors.New("token audience mismatch")
)

const tokenHeader = `{"alg":"HS256","typ":"JWT"}`

// Claims is the identity payload carried by a participant token. Name and
// Picture seed the participant's display profile.
type Claims struct {
	Subject   string
	Name      string
	Picture   string
	Audience  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type wireClaims struct {
	Subject  string `json:"sub"`
	Name     string `json:"name,omitempty"`
	Picture  string `json:"picture,omitempty"`
	Audience string `json:"aud,omitempty"`
	Issued   int64  `json:"iat,omitempty"`
	Expires  int64  `json:"exp"`
}

// VerifierOption customises an HMACTokenVerifier.
type VerifierOption func(*HMACTokenVerifier)

// WithClock overrides the verifier clock, enabling deterministic unit tests.
func WithClock(clock func() time.Time) VerifierOption {
	return func(v *HMACTokenVerifier) {
		if clock != nil {
			v.now = clock
		}
	}
}

// WithAudience requires tokens to name audience in their aud claim.
func WithAudience(audience string) VerifierOption {
	return func(v *HMACTokenVerifier) {
		v.audience = strings.TrimSpace(audience)
	}
}

// HMACTokenVerifier signs and validates compact JWT-style tokens using HS256.
type HMACTokenVerifier struct {
	secret   []byte
	now      func() time.Time
	leeway   time.Duration
	audience string
}

// NewHMACTokenVerifier constructs a verifier for the shared secret and clock skew allowance.
func NewHMACTokenVerifier(secret string, leeway time.Duration, opts ...VerifierOption) (*HMACTokenVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("hmac secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	v := &HMACTokenVerifier{secret: []byte(secret), now: time.Now, leeway: leeway}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// Sign mints a token for claims. A zero IssuedAt is stamped with the verifier clock.
func (v *HMACTokenVerifier) Sign(claims Claims) (string, error) {
	if v == nil || len(v.secret) == 0 {
		return "", errors.New("verifier not initialised")
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ExpiresAt.IsZero() {
		return "", fmt.Errorf("%w: subject and expiry are required", ErrInvalidToken)
	}
	if claims.IssuedAt.IsZero() {
		claims.IssuedAt = v.now()
	}
	payload, err := json.Marshal(wireClaims{
		Subject:  claims.Subject,
		Name:     claims.Name,
		Picture:  claims.Picture,
		Audience: claims.Audience,
		Issued:   claims.IssuedAt.Unix(),
		Expires:  claims.ExpiresAt.Unix(),
	})
	if err != nil {
		return "", err
	}
	signingInput := encodeSegment([]byte(tokenHeader)) + "." + encodeSegment(payload)
	return signingInput + "." + encodeSegment(v.sign([]byte(signingInput))), nil
}

// Verify checks the signature, expiry and audience and returns the claims.
func (v *HMACTokenVerifier) Verify(token string) (*Claims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("verifier not initialised")
	}
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}

	//1.- Only HS256 is accepted; anything else is rejected before signature checks.
	headerBytes, err := decodeSegment(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var header struct {
		Algorithm string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, ErrInvalidToken
	}
	if header.Algorithm != "HS256" {
		return nil, fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidToken, header.Algorithm)
	}

	//2.- Compare signatures in constant time.
	signature, err := decodeSegment(parts[2])
	if err != nil || !hmac.Equal(signature, v.sign([]byte(parts[0]+"."+parts[1]))) {
		return nil, ErrInvalidToken
	}

	//3.- Decode the payload and enforce subject, expiry and audience.
	payloadBytes, err := decodeSegment(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var payload wireClaims
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(payload.Subject) == "" || payload.Expires <= 0 {
		return nil, ErrInvalidToken
	}
	expiresAt := time.Unix(payload.Expires, 0)
	if expiresAt.Add(v.leeway).Before(v.now()) {
		return nil, ErrExpiredToken
	}
	if v.audience != "" && payload.Audience != v.audience {
		return nil, ErrAudienceMismatch
	}

	return &Claims{
		Subject:   payload.Subject,
		Name:      payload.Name,
		Picture:   payload.Picture,
		Audience:  payload.Audience,
		IssuedAt:  time.Unix(payload.Issued, 0),
		ExpiresAt: expiresAt,
	}, nil
}

func (v *HMACTokenVerifier) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

func encodeSegment(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeSegment(segment string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(segment)
}
