package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pursuitworks/govern/pkg/contracts"
	"github.com/pursuitworks/govern/pkg/workflow"
)

// Claims are the JWT claims expected by the API: a subject identifying
// the actor and the roles granted to it.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// JWTValidator validates HMAC-signed bearer tokens.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator builds a validator over a shared secret. An empty
// secret yields nil, which makes the middleware fail closed.
func NewJWTValidator(secret string) *JWTValidator {
	if secret == "" {
		return nil
	}
	return &JWTValidator{secret: []byte(secret)}
}

// Validate parses and validates a token string.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

type contextKey string

const actorKey contextKey = "actor"

// WithActor attaches the authenticated actor to the context.
func WithActor(ctx context.Context, actor workflow.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFrom retrieves the authenticated actor from the context.
func ActorFrom(ctx context.Context) (workflow.Actor, error) {
	actor, ok := ctx.Value(actorKey).(workflow.Actor)
	if !ok {
		return workflow.Actor{}, errors.New("no actor in context")
	}
	return actor, nil
}

var publicPaths = []string{
	"/health",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// AuthMiddleware authenticates requests with a bearer token and injects
// the actor into the request context. A nil validator rejects all
// non-public requests.
func AuthMiddleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			if validator == nil {
				WriteUnauthorized(w, "Authentication not configured")
				return
			}
			claims, err := validator.Validate(parts[1])
			if err != nil {
				WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				WriteUnauthorized(w, "Token subject is required")
				return
			}

			roles := make([]contracts.Role, 0, len(claims.Roles))
			for _, role := range claims.Roles {
				roles = append(roles, contracts.Role(role))
			}
			actor := workflow.Actor{ID: claims.Subject, Roles: roles}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}
