// Package basicauth authenticates consumers with HTTP Basic credentials:
// the user name is the consumer key and the password its secret.
package basicauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/wudi/portico/internal/errors"
	"github.com/wudi/portico/internal/filter"
	"golang.org/x/crypto/bcrypt"
)

// Module is the name descriptors use to reference this filter.
const Module = "basic-auth"

// Config is the filter's configuration document.
type Config struct {
	Realm           string `yaml:"realm"`
	HideCredentials bool   `yaml:"hide_credentials"`

	// CacheSize bounds how many successful bcrypt verifications are
	// remembered. Negative disables the cache.
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
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
	if c.Realm == "" {
		c.Realm = "Restricted"
	}
	if c.CacheSize == 0 {
		c.CacheSize = 1024
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 5 * time.Minute
	}
	a := &basicAuth{
		cfg:       c,
		challenge: fmt.Sprintf("Basic realm=%q", c.Realm),
		now:       time.Now,
	}
	if c.CacheSize > 0 {
		cache, err := lru.New[[sha256.Size]byte, time.Time](c.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("basic-auth: %w", err)
		}
		a.verified = cache
	}
	return a, nil
}

// dummyHash is compared against for unknown users so that a miss costs as
// much as a wrong password.
var dummyHash = sync.OnceValue(func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("dummy"), bcrypt.DefaultCost)
	return h
})

type basicAuth struct {
	cfg       Config
	challenge string
	now       func() time.Time

	// verified maps a digest of (key, stored secret, password) to the
	// time the entry expires.
	verified *lru.Cache[[sha256.Size]byte, time.Time]
}

func (a *basicAuth) Apply(ctx *filter.Context) filter.Result {
	r := ctx.Request()
	key, password, ok := r.BasicAuth()
	if !ok {
		return a.reject(ctx, "Basic credentials not provided")
	}

	var consumer *filter.Consumer
	if dir := ctx.Consumers(); dir != nil {
		consumer, _ = dir.ConsumerByKey(key)
	}
	if consumer == nil {
		bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return a.reject(ctx, "Invalid credentials")
	}
	if !a.check(key, consumer.Secret, password) {
		return a.reject(ctx, "Invalid credentials")
	}

	ctx.SetConsumer(consumer)
	if a.cfg.HideCredentials {
		r.Header.Del("Authorization")
	}
	return filter.Next()
}

func (a *basicAuth) check(key, secret, password string) bool {
	if a.verified == nil || !isBcrypt(secret) {
		return checkSecret(secret, password)
	}
	digest := a.digestFor(key, secret, password)
	now := a.now()
	if exp, ok := a.verified.Get(digest); ok {
		if now.Before(exp) {
			return true
		}
		a.verified.Remove(digest)
	}
	if !checkSecret(secret, password) {
		return false
	}
	a.verified.Add(digest, now.Add(a.cfg.CacheTTL))
	return true
}

func (a *basicAuth) digestFor(key, secret, password string) [sha256.Size]byte {
	return sha256.Sum256([]byte(key + "\x00" + secret + "\x00" + password))
}

// checkSecret compares password with a stored secret, which is either a
// bcrypt hash or plain text.
func checkSecret(secret, password string) bool {
	if isBcrypt(secret) {
		return bcrypt.CompareHashAndPassword([]byte(secret), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(password)) == 1
}

func isBcrypt(s string) bool {
	return len(s) == 60 && (strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$"))
}

func (a *basicAuth) reject(ctx *filter.Context, details string) filter.Result {
	ctx.ResponseWriter().Header().Set("WWW-Authenticate", a.challenge)
	return ctx.ServeError(errors.ErrUnauthorized.WithDetails(details))
}
