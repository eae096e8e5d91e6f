package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Scope selects which identities a bucket is keyed by.
type Scope uint8

const (
	// ScopeProviderConsumer keys a bucket by provider and consumer.
	ScopeProviderConsumer Scope = iota
	// ScopeProvider keys a bucket by provider, shared by all consumers.
	ScopeProvider
	// ScopeConsumer keys a bucket by consumer, shared across providers.
	ScopeConsumer
	// ScopeGlobal is a single bucket.
	ScopeGlobal
)

var scopeNames = [...]string{
	ScopeProviderConsumer: "provider_consumer",
	ScopeProvider:         "provider",
	ScopeConsumer:         "consumer",
	ScopeGlobal:           "global",
}

func (s Scope) String() string {
	if int(s) < len(scopeNames) {
		return scopeNames[s]
	}
	return "scope(" + strconv.Itoa(int(s)) + ")"
}

// ParseScope parses a scope name as written in filter configuration.
func ParseScope(name string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "provider_consumer", "provider+consumer":
		return ScopeProviderConsumer, nil
	case "provider":
		return ScopeProvider, nil
	case "consumer":
		return ScopeConsumer, nil
	case "global", "":
		return ScopeGlobal, nil
	}
	return 0, fmt.Errorf("unknown rate limit scope %q", name)
}

// Rule is a bucket's shape: Capacity tokens, refilled at Capacity per Period.
type Rule struct {
	Capacity int
	Period   time.Duration
}

// Validate reports whether the rule can back a bucket.
func (r Rule) Validate() error {
	if r.Capacity <= 0 {
		return fmt.Errorf("rate limit capacity must be positive, got %d", r.Capacity)
	}
	if r.Period <= 0 {
		return fmt.Errorf("rate limit period must be positive, got %s", r.Period)
	}
	return nil
}

// Key identifies one bucket. Name is the owning filter's name, so two
// filters never share buckets; Rule is part of the identity, so a consumer
// override with a different capacity gets its own bucket.
type Key struct {
	Name     string
	Scope    Scope
	Provider string
	Consumer string
	Rule     Rule
}

const keySep = '\x1f'

// String returns the bucket's map key.
func (k Key) String() string {
	var b strings.Builder
	b.Grow(len(k.Name) + len(k.Provider) + len(k.Consumer) + 32)
	b.WriteString(k.Name)
	b.WriteByte(keySep)
	b.WriteString(k.Scope.String())
	b.WriteByte(keySep)
	b.WriteString(k.Provider)
	b.WriteByte(keySep)
	b.WriteString(k.Consumer)
	b.WriteByte(keySep)
	b.WriteString(strconv.Itoa(k.Rule.Capacity))
	b.WriteByte('/')
	b.WriteString(strconv.FormatInt(int64(k.Rule.Period), 10))
	return b.String()
}

// ResolveKeys turns configured scopes into bucket keys for one request.
// A scope whose identity is unknown degrades to the next less specific
// scope that can be keyed: provider+consumer to provider, consumer to global.
// Scopes that collapse onto the same bucket are charged once.
func ResolveKeys(name string, rule Rule, scopes []Scope, provider, consumer string) []Key {
	keys := make([]Key, 0, len(scopes))
	for _, s := range scopes {
		s = effectiveScope(s, provider, consumer)
		k := Key{Name: name, Scope: s, Rule: rule}
		switch s {
		case ScopeProviderConsumer:
			k.Provider, k.Consumer = provider, consumer
		case ScopeProvider:
			k.Provider = provider
		case ScopeConsumer:
			k.Consumer = consumer
		}
		if !containsKey(keys, k) {
			keys = append(keys, k)
		}
	}
	return keys
}

func effectiveScope(s Scope, provider, consumer string) Scope {
	if s == ScopeProviderConsumer && consumer == "" {
		s = ScopeProvider
	}
	if s == ScopeProvider && provider == "" {
		s = ScopeGlobal
	}
	if s == ScopeConsumer && consumer == "" {
		s = ScopeGlobal
	}
	return s
}

func containsKey(keys []Key, k Key) bool {
	for _, existing := range keys {
		if existing == k {
			return true
		}
	}
	return false
}
