// Package jwtauth authenticates consumers with HMAC-signed JWTs. A claim
// (iss by default) names the consumer key; the token must be signed with
// that consumer's secret.
package jwtauth

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wudi/portico/internal/errors"
	"github.com/wudi/portico/internal/filter"
	"go.uber.org/zap"
)

// Module is the name descriptors use to reference this filter.
const Module = "jwt-auth"

// Config is the filter's configuration document.
type Config struct {
	// Header carrying "Bearer <token>". Defaults to Authorization.
	Header string `yaml:"header"`
	// Query parameter checked when the header is absent.
	Query string `yaml:"query"`
	// KeyClaim names the claim holding the consumer key. Defaults to iss.
	KeyClaim string `yaml:"key_claim"`
	// RequireExp rejects tokens without an exp claim.
	RequireExp bool          `yaml:"require_exp"`
	Leeway     time.Duration `yaml:"leeway"`
	Audience   string        `yaml:"audience"`
}

type Spec struct{}

// NewSpec returns the module.
func NewSpec() Spec { return Spec{} }

func (Spec) Name() string { return Module }

func (Spec) SupportsPhase(p filter.Phase) bool { return p == filter.PhaseRequest }

func (Spec) CreateFilter(_ string, cfg filter.Config) (filter.Filter, error) {
	var c Config
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	if c.Header == "" {
		c.Header = "Authorization"
	}
	if c.KeyClaim == "" {
		c.KeyClaim = "iss"
	}
	if c.Leeway < 0 {
		return nil, fmt.Errorf("leeway must not be negative")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(c.Leeway),
	}
	if c.RequireExp {
		opts = append(opts, jwt.WithExpirationRequired())
	}
	if c.Audience != "" {
		opts = append(opts, jwt.WithAudience(c.Audience))
	}
	return &jwtAuth{cfg: c, parser: jwt.NewParser(opts...)}, nil
}

type jwtAuth struct {
	cfg    Config
	parser *jwt.Parser
}

var errUnknownConsumer = stderrors.New("unknown consumer")

func (a *jwtAuth) Apply(ctx *filter.Context) filter.Result {
	raw := a.extractToken(ctx)
	if raw == "" {
		return a.reject(ctx, "Bearer token not provided")
	}

	dir := ctx.Consumers()
	var consumer *filter.Consumer
	_, err := a.parser.Parse(raw, func(t *jwt.Token) (any, error) {
		claims, ok := t.Claims.(jwt.MapClaims)
		if !ok {
			return nil, errUnknownConsumer
		}
		key, _ := claims[a.cfg.KeyClaim].(string)
		if key == "" || dir == nil {
			return nil, errUnknownConsumer
		}
		c, ok := dir.ConsumerByKey(key)
		if !ok {
			return nil, errUnknownConsumer
		}
		consumer = c
		return []byte(c.Secret), nil
	})
	if err != nil {
		ctx.Logger().Debug("jwt rejected", zap.Error(err))
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return a.reject(ctx, "Token expired")
		}
		return a.reject(ctx, "Invalid token")
	}

	ctx.SetConsumer(consumer)
	return filter.Next()
}

func (a *jwtAuth) extractToken(ctx *filter.Context) string {
	r := ctx.Request()
	if v := r.Header.Get(a.cfg.Header); v != "" {
		if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
			return strings.TrimSpace(v[7:])
		}
		if a.cfg.Header != "Authorization" {
			return v
		}
	}
	if a.cfg.Query != "" {
		return r.URL.Query().Get(a.cfg.Query)
	}
	return ""
}

func (a *jwtAuth) reject(ctx *filter.Context, details string) filter.Result {
	ctx.ResponseWriter().Header().Set("WWW-Authenticate", `Bearer realm="portico"`)
	return ctx.ServeError(errors.ErrUnauthorized.WithDetails(details))
}
