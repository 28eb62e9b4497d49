// Package auth provides an additive JWT-over-JWKS bearer validation layer.
// This supplements, never replaces, the mandatory static-token predicate in
// rpcproto.AuthorizeToken: when no JWKS endpoint is configured, the broker's
// auth behaviour is exactly the spec's literal header/Bearer/query check.
//
// Grounded on the teacher's internal/auth/jwt.go (JWTValidator, keyfunc,
// audience/claim checks), generalised from a hardcoded single workspace
// claim to an arbitrary resource identifier.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT claim set the broker expects when JWKS validation is
// enabled.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTValidator validates bearer tokens against a remote JWKS endpoint.
type JWTValidator struct {
	jwks     *keyfunc.Keyfunc
	audience string
	issuer   string
}

// NewJWTValidator fetches and caches the JWKS at jwksURL.
func NewJWTValidator(ctx context.Context, jwksURL, audience, issuer string) (*JWTValidator, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	k, err := keyfunc.NewDefaultCtx(fetchCtx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("auth: failed to create JWKS keyfunc: %w", err)
	}

	return &JWTValidator{jwks: k, audience: audience, issuer: issuer}, nil
}

// Validate parses and validates tokenString, checking audience/issuer when
// configured. It returns the validated claims on success.
func (v *JWTValidator) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("auth: invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("auth: unexpected claims type")
	}

	if v.audience != "" {
		aud, err := claims.GetAudience()
		if err != nil {
			return nil, fmt.Errorf("auth: failed to get audience: %w", err)
		}
		valid := false
		for _, a := range aud {
			if a == v.audience {
				valid = true
				break
			}
		}
		if !valid {
			return nil, fmt.Errorf("auth: invalid audience")
		}
	}

	if v.issuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil || iss != v.issuer {
			return nil, fmt.Errorf("auth: invalid issuer")
		}
	}

	return claims, nil
}
