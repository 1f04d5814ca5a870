package kiro

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Desktop-auth access tokens are JWTs minted for the CodeWhisperer backend.
// The gateway is not their audience and holds no verification key, so the
// claims are decoded unverified and only seed local bookkeeping: expiry for
// imported tokens that arrive without expiresIn, and the provider-side user
// id for account labels.

func claimsOf(accessToken string) (*jwt.RegisteredClaims, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return nil, false
	}
	return claims, true
}

// TokenExpiry reads the exp claim from an access token.
func TokenExpiry(accessToken string) (time.Time, bool) {
	claims, ok := claimsOf(accessToken)
	if !ok || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// TokenSubject reads the sub claim, the auth service's stable user id.
func TokenSubject(accessToken string) (string, bool) {
	claims, ok := claimsOf(accessToken)
	if !ok || claims.Subject == "" {
		return "", false
	}
	return claims.Subject, true
}
