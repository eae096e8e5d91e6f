// Package iprestriction admits or rejects requests by client address.
package iprestriction

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/wudi/portico/internal/errors"
	"github.com/wudi/portico/internal/filter"
	"go4.org/netipx"
)

// Module is the name descriptors use to reference this filter.
const Module = "ip-restriction"

// Config is the filter's configuration document. Entries are CIDRs or
// single addresses.
type Config struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
	// Order is "deny_first" (default) or "allow_first".
	Order string `yaml:"order"`
	// TrustForwardedFor takes the client address from the first
	// X-Forwarded-For entry instead of the connection.
	TrustForwardedFor bool `yaml:"trust_forwarded_for"`
}

type Spec struct{}

// NewSpec returns the module.
func NewSpec() Spec { return Spec{} }

func (Spec) Name() string { return Module }

// SupportsPhase restricts the module to prefilters.
func (Spec) SupportsPhase(p filter.Phase) bool { return p == filter.PhaseRequest }

func (Spec) CreateFilter(_ string, cfg filter.Config) (filter.Filter, error) {
	var c Config
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	f := &restriction{order: c.Order, trustXFF: c.TrustForwardedFor}
	switch f.order {
	case "":
		f.order = "deny_first"
	case "deny_first", "allow_first":
	default:
		return nil, fmt.Errorf("order must be deny_first or allow_first, got %q", c.Order)
	}

	var err error
	if f.allow, err = parseSet(c.Allow); err != nil {
		return nil, err
	}
	if f.deny, err = parseSet(c.Deny); err != nil {
		return nil, err
	}
	if len(c.Allow) == 0 && len(c.Deny) == 0 {
		return nil, fmt.Errorf("at least one of allow or deny is required")
	}
	return f, nil
}

// parseSet returns nil for an empty list.
func parseSet(entries []string) (*netipx.IPSet, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	var b netipx.IPSetBuilder
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if p, err := netip.ParsePrefix(e); err == nil {
			b.AddPrefix(p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("invalid address or CIDR %q", e)
		}
		b.Add(addr.Unmap())
	}
	return b.IPSet()
}

type restriction struct {
	allow    *netipx.IPSet
	deny     *netipx.IPSet
	order    string
	trustXFF bool
}

func (f *restriction) Apply(ctx *filter.Context) filter.Result {
	addr, ok := f.clientAddr(ctx.Request())
	if !ok || !f.allowed(addr) {
		return filter.Fail(errors.ErrForbidden.WithDetails("IP address not allowed"))
	}
	return filter.Next()
}

func (f *restriction) clientAddr(r *http.Request) (netip.Addr, bool) {
	raw := r.RemoteAddr
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	if f.trustXFF {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			raw = strings.TrimSpace(first)
		}
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func (f *restriction) allowed(addr netip.Addr) bool {
	if f.order == "allow_first" {
		if f.allow != nil {
			return f.allow.Contains(addr)
		}
		return !f.deny.Contains(addr)
	}
	if f.deny != nil && f.deny.Contains(addr) {
		return false
	}
	return f.allow == nil || f.allow.Contains(addr)
}
