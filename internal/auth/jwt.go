package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const userIDKey contextKey = "user_id"

type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

var errNoToken = errors.New("missing bearer token")

// Middleware authenticates requests with an HS256 bearer token. Websocket
// upgrades may pass the token as ?access_token= since browsers cannot set
// headers on them.
func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := tokenFromRequest(r)
			if err != nil {
				unauthorized(w, err.Error())
				return
			}
			userID, err := ParseToken(secret, raw)
			if err != nil {
				unauthorized(w, "invalid token")
				return
			}
			ctx := context.WithValue(r.Context(), userIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func tokenFromRequest(r *http.Request) (string, error) {
	if authz := r.Header.Get("Authorization"); authz != "" {
		if !strings.HasPrefix(authz, "Bearer ") {
			return "", errNoToken
		}
		return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer ")), nil
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		if tok := r.URL.Query().Get("access_token"); tok != "" {
			return tok, nil
		}
	}
	return "", errNoToken
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":{"code":"unauthorized","message":"` + msg + `"}}`))
}

// ParseToken validates raw and returns its uid claim.
func ParseToken(secret, raw string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.UserID == "" {
		return "", errors.New("token has no user")
	}
	return claims.UserID, nil
}

// IssueToken signs a token for userID valid for ttl.
func IssueToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(userIDKey).(string)
	return s, ok && s != ""
}
