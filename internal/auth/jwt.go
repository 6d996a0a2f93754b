package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ServiceSubject is the subject of tokens the server mints for its own calls.
const ServiceSubject = "article-assistant"

func GenerateJWT(secret, subject string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ValidateJWT(secret, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})

	if err != nil {
		return "", err
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		if sub, ok := claims["sub"].(string); ok && sub != "" {
			return sub, nil
		}
	}

	return "", fmt.Errorf("invalid token")
}

// Credential yields the Authorization header value for an outgoing call. An
// empty value means no header is sent.
type Credential func(ctx context.Context) (string, error)

// ServiceCredential mints a short-lived bearer token per call. With an empty
// secret auth is disabled and the credential is empty.
func ServiceCredential(secret string) Credential {
	return func(context.Context) (string, error) {
		if secret == "" {
			return "", nil
		}
		token, err := GenerateJWT(secret, ServiceSubject, 5*time.Minute)
		if err != nil {
			return "", fmt.Errorf("failed to sign service token: %w", err)
		}
		return "Bearer " + token, nil
	}
}

// CheckPassword compares in constant time. An empty expected password never
// matches.
func CheckPassword(expected, given string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(given)) == 1
}

type contextKey string

const subjectKey contextKey = "subject"

// Subject returns the token subject stored by Middleware, if any.
func Subject(ctx context.Context) string {
	sub, _ := ctx.Value(subjectKey).(string)
	return sub
}

// Middleware requires a valid bearer token. An empty secret disables the
// check entirely.
func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				unauthorized(w)
				return
			}

			subject, err := ValidateJWT(secret, strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				log.Printf("Rejected token for %s %s: %v", r.Method, r.URL.Path, err)
				unauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), subjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized"})
}
