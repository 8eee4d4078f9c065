package oauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// identityFromToken reads the identity claims of a Tapis access token. The
// token comes straight from the token endpoint over TLS, so its signature
// is not checked here.
func identityFromToken(access string) (Identity, time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, claims); err != nil {
		return Identity{}, time.Time{}, fmt.Errorf("parse access token: %w", err)
	}

	id := Identity{
		Username:    firstClaim(claims, "tapis/username", "username", "sub"),
		Email:       firstClaim(claims, "email", "tapis/email"),
		FirstName:   firstClaim(claims, "given_name"),
		LastName:    firstClaim(claims, "family_name"),
		DisplayName: firstClaim(claims, "display_name", "name"),
	}
	if id.Username == "" {
		return Identity{}, time.Time{}, fmt.Errorf("access token carries no username claim")
	}

	var exp time.Time
	if nd, err := claims.GetExpirationTime(); err == nil && nd != nil {
		exp = nd.Time.UTC()
	}
	return id, exp, nil
}

func firstClaim(claims jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		if v, ok := claims[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
