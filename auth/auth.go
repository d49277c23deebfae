// Package auth issues and checks the bearer tokens the relay presents to
// the coordination service.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for missing, malformed or foreign tokens.
var ErrUnauthorized = errors.New("unauthorized")

const issuerClaim = "issuer"

// Issuer signs and verifies HS256 tokens carrying the application name.
type Issuer struct {
	appName string
	secret  []byte
}

func NewIssuer(appName, secret string) *Issuer {
	return &Issuer{appName: appName, secret: []byte(secret)}
}

// Issue returns a new token. Tokens do not expire.
func (i *Issuer) Issue() (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{issuerClaim: i.appName})
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Validate checks the signature and that the token was issued for this
// application.
func (i *Issuer) Validate(tokenString string) error {
	if strings.TrimSpace(tokenString) == "" {
		return fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if issuer, _ := claims[issuerClaim].(string); issuer != i.appName {
		return fmt.Errorf("%w: token issued for %q", ErrUnauthorized, issuer)
	}
	return nil
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("%w: missing authorization header", ErrUnauthorized)
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", fmt.Errorf("%w: malformed authorization header", ErrUnauthorized)
	}
	return strings.TrimSpace(token), nil
}

// Require wraps next so it only runs for requests with a valid token.
// Everything else gets 401 {"error": "Unauthorized"}.
func (i *Issuer) Require(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := BearerToken(r)
		if err == nil {
			err = i.Validate(token)
		}
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized"})
			return
		}
		next(w, r)
	}
}
