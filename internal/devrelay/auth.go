package devrelay

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultAudience = "pawpal"
	ScopePush       = "relay:push"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// Claims are the bearer token claims. Subject is the user id.
type Claims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

func (c Claims) hasScope(scope string) bool {
	for _, granted := range c.Scopes {
		if granted == scope {
			return true
		}
	}
	return false
}

// IssueToken signs an HS256 token for userID that expires ttl after now.
func IssueToken(secret, userID string, ttl time.Duration, now time.Time, scopes ...string) (string, error) {
	if strings.TrimSpace(secret) == "" || strings.TrimSpace(userID) == "" {
		return "", errors.New("secret and user id are required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Audience:  jwt.ClaimStrings{DefaultAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(authHeader string) (string, bool) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return raw, raw != ""
}

func parseToken(raw, secret string, now time.Time) (Claims, *authError) {
	if raw == "" {
		return Claims{}, &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(DefaultAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil || !token.Valid {
		message := "invalid token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			message = "token expired"
		}
		return Claims{}, &authError{status: 401, code: "unauthorized", message: message}
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, &authError{status: 401, code: "unauthorized", message: "missing sub claim"}
	}
	return claims, nil
}

func authorizeBearer(authHeader, secret, requiredScope string, now time.Time) (Claims, *authError) {
	raw, _ := bearerToken(authHeader)
	claims, err := parseToken(raw, secret, now)
	if err != nil {
		return Claims{}, err
	}
	if requiredScope != "" && !claims.hasScope(requiredScope) {
		return Claims{}, &authError{status: 403, code: "forbidden", message: "missing required scope: " + requiredScope}
	}
	return claims, nil
}
