package dvpd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Scopes guarding the admin API.
const (
	ScopeRead  = "settlement:read"
	ScopeWrite = "settlement:write"
)

type contextKey string

const (
	contextKeySubject contextKey = "dvpd.subject"
	contextKeyScopes  contextKey = "dvpd.scopes"
)

// AuthConfig configures HMAC signed bearer tokens.
type AuthConfig struct {
	Enabled    bool
	HMACSecret string
	Issuer     string
	Audience   string
	ScopeClaim string
	ClockSkew  time.Duration
}

// Authenticator validates bearer tokens and enforces scopes.
type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
	secret []byte
}

// NewAuthenticator returns an authenticator; a disabled one lets every
// request through.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) (*Authenticator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	secret := []byte(strings.TrimSpace(cfg.HMACSecret))
	if cfg.Enabled && len(secret) == 0 {
		return nil, errors.New("dvpd: admin auth enabled without an hmac secret")
	}
	return &Authenticator{cfg: cfg, logger: logger, secret: secret}, nil
}

// Require rejects requests lacking a valid token carrying every scope.
func (a *Authenticator) Require(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			raw := extractBearer(r.Header.Get("Authorization"))
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			claims, err := a.parse(raw)
			if err != nil {
				a.logger.Warn("admin token rejected", slog.String("path", r.URL.Path), slog.Any("error", err))
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			granted := extractScopes(claims, a.cfg.ScopeClaim)
			if !hasScopes(granted, scopes) {
				writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			subject, _ := claims.GetSubject()
			ctx := context.WithValue(r.Context(), contextKeySubject, subject)
			ctx = context.WithValue(ctx, contextKeyScopes, granted)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Authenticator) parse(raw string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

// Subject returns the authenticated token subject, if any.
func Subject(ctx context.Context) string {
	subject, _ := ctx.Value(contextKeySubject).(string)
	return subject
}

func extractScopes(claims jwt.MapClaims, claim string) []string {
	switch v := claims[claim].(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func hasScopes(granted, required []string) bool {
	set := make(map[string]struct{}, len(granted))
	for _, scope := range granted {
		set[scope] = struct{}{}
	}
	for _, req := range required {
		if _, ok := set[req]; !ok {
			return false
		}
	}
	return true
}

func extractBearer(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
