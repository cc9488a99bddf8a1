package main

import (
	"net/http"
	"strings"
	"time"

	"pongarena/broker/internal/auth"
	"pongarena/broker/internal/broker"
	"pongarena/broker/internal/match"
)

const (
	authTokenQuery  = "auth_token"
	authTokenHeader = "X-Auth-Token"
	// tokenLeeway tolerates clock skew between the token issuer and the broker.
	tokenLeeway = 2 * time.Second
)

// tokenResolver takes the identity from a signed token when one is presented
// and defers to the plain client id sources otherwise.
type tokenResolver struct {
	verifier *auth.HMACTokenVerifier
	fallback broker.IdentityResolver
}

// newIdentityResolver builds the socket identity resolver for secret. An empty
// secret disables token support.
func newIdentityResolver(secret string) (broker.IdentityResolver, error) {
	if strings.TrimSpace(secret) == "" {
		return broker.ClientIDResolver{}, nil
	}
	verifier, err := auth.NewHMACTokenVerifier(secret, tokenLeeway)
	if err != nil {
		return nil, err
	}
	return &tokenResolver{verifier: verifier, fallback: broker.ClientIDResolver{}}, nil
}

// Resolve implements broker.IdentityResolver.
func (t *tokenResolver) Resolve(r *http.Request) (string, error) {
	identity, _, err := t.ResolveProfile(r)
	return identity, err
}

// ResolveProfile implements broker.ProfileResolver. A token that fails
// verification rejects the request rather than falling back.
func (t *tokenResolver) ResolveProfile(r *http.Request) (string, match.Profile, error) {
	token := strings.TrimSpace(r.URL.Query().Get(authTokenQuery))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get(authTokenHeader))
	}
	if token == "" {
		identity, err := t.fallback.Resolve(r)
		return identity, match.Profile{}, err
	}
	claims, err := t.verifier.Verify(token)
	if err != nil {
		return "", match.Profile{}, err
	}
	return claims.Subject, match.Profile{Name: claims.Name, Avatar: claims.Picture}, nil
}

var _ broker.ProfileResolver = (*tokenResolver)(nil)
