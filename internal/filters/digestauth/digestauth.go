// Package digestauth authenticates consumers with HTTP Digest (RFC 2617,
// MD5, qop=auth). The user name is the consumer key; the consumer secret
// must be stored in plain text, since the digest is computed from it.
package digestauth

import (
	"sync"

	auth "github.com/abbot/go-http-auth"
	"github.com/wudi/portico/internal/filter"
)

// Module is the name descriptors use to reference this filter.
const Module = "digest-auth"

// Config is the filter's configuration document.
type Config struct {
	Realm           string `yaml:"realm"`
	HideCredentials bool   `yaml:"hide_credentials"`
	// NonceCacheSize bounds the number of outstanding nonces.
	NonceCacheSize   int  `yaml:"nonce_cache_size"`
	IgnoreNonceCount bool `yaml:"ignore_nonce_count"`
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

	d := &digestAuth{
		cfg:      c,
		unusable: auth.RandomKey(),
	}
	d.auth = auth.NewDigestAuthenticator(c.Realm, d.ha1)
	d.auth.IgnoreNonceCount = c.IgnoreNonceCount
	if c.NonceCacheSize > 0 {
		d.auth.ClientCacheSize = c.NonceCacheSize
		d.auth.ClientCacheTolerance = c.NonceCacheSize/10 + 1
	}
	return d, nil
}

// digestAuth serializes all use of the authenticator: its nonce table is
// not safe for concurrent challenges.
type digestAuth struct {
	cfg Config

	mu   sync.Mutex
	auth *auth.DigestAuth
	dir  filter.ConsumerDirectory
	// unusable is returned as HA1 for keys that cannot authenticate.
	unusable string
}

// ha1 is the authenticator's secret provider. Called with d.mu held.
func (d *digestAuth) ha1(key, realm string) string {
	if d.dir == nil {
		return d.unusable
	}
	c, ok := d.dir.ConsumerByKey(key)
	if !ok || c.Secret == "" || isBcrypt(c.Secret) {
		return d.unusable
	}
	return auth.H(key + ":" + realm + ":" + c.Secret)
}

func (d *digestAuth) Apply(ctx *filter.Context) filter.Result {
	r := ctx.Request()
	dir := ctx.Consumers()

	d.mu.Lock()
	d.dir = dir
	key, info := d.auth.CheckAuth(r)
	d.dir = nil
	var consumer *filter.Consumer
	if key != "" && dir != nil {
		consumer, _ = dir.ConsumerByKey(key)
	}
	if consumer == nil {
		d.auth.RequireAuth(ctx.ResponseWriter(), r)
		d.mu.Unlock()
		return filter.Served()
	}
	d.mu.Unlock()

	if info != nil {
		ctx.ResponseWriter().Header().Set(auth.NormalHeaders.AuthInfo, *info)
	}
	ctx.SetConsumer(consumer)
	if d.cfg.HideCredentials {
		r.Header.Del("Authorization")
	}
	return filter.Next()
}

func isBcrypt(s string) bool {
	return len(s) == 60 && s[0] == '$' && s[1] == '2'
}
