package filter

import (
	"fmt"
	"sort"
	"sync"
)

// Catalog maps module names to statically linked filter specs.
type Catalog struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

// NewCatalog returns a catalog holding specs. It panics on duplicate names,
// which can only come from wiring mistakes at startup.
func NewCatalog(specs ...Spec) *Catalog {
	c := &Catalog{specs: make(map[string]Spec, len(specs))}
	for _, s := range specs {
		if err := c.Register(s); err != nil {
			panic(err)
		}
	}
	return c
}

// Register adds a spec.
func (c *Catalog) Register(s Spec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := s.Name()
	if _, exists := c.specs[name]; exists {
		return fmt.Errorf("filter module %q registered twice", name)
	}
	c.specs[name] = s
	return nil
}

// Lookup returns the spec registered under module.
func (c *Catalog) Lookup(module string) (Spec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.specs[module]
	return s, ok
}

// Modules returns the registered module names in sorted order.
func (c *Catalog) Modules() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.specs))
	for name := range c.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
