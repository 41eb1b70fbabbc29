package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"boardline/internal/domain"
	"boardline/internal/engine"
)

type AuthConfig struct {
	JWTSecret string
	// DevAuth exposes POST /auth/dev/login, which mints tokens for anyone.
	DevAuth  bool
	TokenTTL time.Duration
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (domain.Principal, huma.StatusError) {
	if p, ok := ctx.Value(principalKey{}).(domain.Principal); ok && p.Authenticated() {
		return p, nil
	}
	return domain.Principal{}, newAPIError(http.StatusUnauthorized, string(domain.KindNotAuthenticated), "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Tenant string `json:"tenant,omitempty"`
}

// SignToken mints an HS256 token for owner within tenant.
func SignToken(secret, owner, tenant string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(owner) == "" {
		return "", errors.New("owner required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   owner,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Tenant: tenant,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateJWT(token string, secret string) (domain.Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return domain.Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return domain.Principal{}, err
	}
	if !parsed.Valid {
		return domain.Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return domain.Principal{}, errors.New("subject claim required")
	}
	return domain.Principal{OwnerID: claims.Subject, TenantID: claims.Tenant, Token: token}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, e engine.Engine, log *zap.Logger) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
		path.Join(basePath, "openapi.json"):   true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKey := strings.TrimSpace(req.Header.Get("X-Api-Key"))

			var (
				principal domain.Principal
				err       error
			)
			switch {
			case authz != "":
				token, ok := bearerToken(authz)
				if !ok {
					err = errors.New("malformed authorization header")
					break
				}
				principal, err = authenticateJWT(token, cfg.JWTSecret)
			case apiKey != "":
				principal, err = e.Authenticate(req.Context(), apiKey)
			default:
				respondStatusError(w, newAPIError(http.StatusUnauthorized, string(domain.KindNotAuthenticated), "authentication required", nil))
				return
			}
			if err != nil {
				log.Debug("rejected credentials", zap.String("path", req.URL.Path), zap.Error(err))
				respondStatusError(w, newAPIError(http.StatusUnauthorized, string(domain.KindNotAuthenticated), "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
