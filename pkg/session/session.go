// Package session extracts the local user identity from the session token
// issued by the coordination server. The agent does not verify the signature;
// the server does that on every authenticated request.
package session

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the subset of session token claims the agent reads
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// ExtractUserID parses the token without verification and returns the user id
func ExtractUserID(tokenString string) (string, error) {
	token, _, err := new(jwt.Parser).ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return "", fmt.Errorf("failed to parse session token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return "", fmt.Errorf("invalid session token claims")
	}

	if claims.UserID != "" {
		return claims.UserID, nil
	}
	if claims.Subject != "" {
		return claims.Subject, nil
	}
	return "", fmt.Errorf("session token carries no user id")
}
