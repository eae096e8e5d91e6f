package registry

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/wudi/portico/internal/config"
	"github.com/wudi/portico/internal/filter"
)

// recordingFilter remembers the config it was created with.
type recordingFilter struct {
	name string
	cfg  filter.Config
}

func (f *recordingFilter) Apply(*filter.Context) filter.Result { return filter.Next() }

type stubSpec struct {
	module  string
	phases  []filter.Phase
	failing bool
}

func (s stubSpec) Name() string { return s.module }

func (s stubSpec) CreateFilter(name string, cfg filter.Config) (filter.Filter, error) {
	if s.failing || cfg["fail"] == true {
		return nil, errors.New("refusing to build")
	}
	return &recordingFilter{name: name, cfg: cfg}, nil
}

type restrictedSpec struct {
	stubSpec
}

func (s restrictedSpec) SupportsPhase(p filter.Phase) bool {
	for _, allowed := range s.phases {
		if allowed == p {
			return true
		}
	}
	return false
}

func testCatalog() *filter.Catalog {
	return filter.NewCatalog(
		stubSpec{module: "noop"},
		restrictedSpec{stubSpec{module: "pre-only", phases: []filter.Phase{filter.PhaseRequest}}},
		stubSpec{module: "broken", failing: true},
	)
}

func parse(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.NewLoader().Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

const chainDoc = `
filters:
  - {name: g1, module: noop}
  - {name: g2, module: noop}
  - {name: p1, module: noop}
  - {name: p2, module: noop}
  - {name: r1, module: noop}
  - {name: gp, module: noop}
  - {name: pp, module: noop}
  - {name: rp1, module: noop}
  - {name: rp2, module: noop}
prefilters: [g1, g2]
postfilters: [gp]
providers:
  - id: api
    context: /api
    target: http://127.0.0.1:9000
    prefilters: [p1, p2]
    postfilters: [pp]
    resources:
      - id: res
        path: /r1
        prefilters: [r1]
        postfilters: [rp1, rp2]
  - id: other
    context: /other
    target: http://127.0.0.1:9001
`

func names(ds []*Descriptor) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Name
	}
	return out
}

func TestChainOrder(t *testing.T) {
	snap, err := Build(parse(t, chainDoc), testCatalog())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	tests := []struct {
		path     string
		wantPre  []string
		wantPost []string
	}{
		{"/api/r1/x", []string{"g1", "g2", "p1", "p2", "r1"}, []string{"rp1", "rp2", "pp", "gp"}},
		{"/api/elsewhere", []string{"g1", "g2", "p1", "p2"}, []string{"pp", "gp"}},
		{"/other", []string{"g1", "g2"}, []string{"gp"}},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			m, ok := snap.Resolve(tt.path)
			if !ok {
				t.Fatalf("Resolve(%q) failed", tt.path)
			}
			chain := m.Chain()
			if diff := cmp.Diff(tt.wantPre, names(chain.Pre)); diff != "" {
				t.Errorf("prefilters (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantPost, names(chain.Post)); diff != "" {
				t.Errorf("postfilters (-want +got):\n%s", diff)
			}
			if c := snap.Chain(m.Provider, m.Resource); !reflect.DeepEqual(c, chain) {
				t.Error("Snapshot.Chain disagrees with Match.Chain")
			}
		})
	}
}

func TestBuildChainProperty(t *testing.T) {
	d := func(n string) *Descriptor { return &Descriptor{Name: n} }
	gPre := []*Descriptor{d("a"), d("b")}
	gPost := []*Descriptor{d("z")}
	p := &Provider{Prefilters: []*Descriptor{d("c")}, Postfilters: []*Descriptor{d("y"), d("x")}}
	r := &Resource{Prefilters: []*Descriptor{d("e"), d("f")}, Postfilters: []*Descriptor{d("w")}}

	c := BuildChain(gPre, gPost, p, r)
	wantPre := append(append(names(gPre), names(p.Prefilters)...), names(r.Prefilters)...)
	wantPost := append(append(names(r.Postfilters), names(p.Postfilters)...), names(gPost)...)
	if diff := cmp.Diff(wantPre, names(c.Pre)); diff != "" {
		t.Errorf("pre (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantPost, names(c.Post)); diff != "" {
		t.Errorf("post (-want +got):\n%s", diff)
	}

	pre, post := c.Names()
	if len(pre) != 5 || len(post) != 4 {
		t.Errorf("Names() = %v / %v", pre, post)
	}

	// Building a chain must not alias the global slice.
	c.Pre[0] = d("mutated")
	if gPre[0].Name != "a" {
		t.Error("BuildChain aliased the global prefilter slice")
	}
}

func TestResolveMisses(t *testing.T) {
	snap, err := Build(parse(t, chainDoc), testCatalog())
	if err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{"/unknown", "/apiv2", "/", ""} {
		if _, ok := snap.Resolve(path); ok {
			t.Errorf("Resolve(%q) should miss", path)
		}
	}
	m, _ := snap.Resolve("/api/r1")
	if m.Resource == nil || m.Resource.ID != "res" || m.Resource.Provider != m.Provider {
		t.Errorf("unexpected match %+v", m)
	}
	rt := m.Route()
	if rt.ProviderID != "api" || rt.ResourceID != "res" || rt.Target.Host != "127.0.0.1:9000" {
		t.Errorf("unexpected route %+v", rt)
	}
}

func TestOverrides(t *testing.T) {
	doc := `
filters:
  - name: limit
    module: noop
    config: {limit: 2, period: 1h}
consumers:
  - {id: c1, key: K1}
  - {id: c2, key: K2}
overrides:
  - filter: limit
    consumer: c1
    config: {limit: 100}
providers:
  - {id: api, context: /api, target: "http://127.0.0.1:1"}
`
	snap, err := Build(parse(t, doc), testCatalog())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	d, ok := snap.Filter("limit")
	if !ok {
		t.Fatal("filter limit missing")
	}

	c1, _ := snap.ConsumerByKey("K1")
	c2, _ := snap.ConsumerByID("c2")

	def, overridden := d.For(nil)
	if overridden {
		t.Error("anonymous request must use the default instance")
	}
	if got, _ := d.For(c2); got != def {
		t.Error("consumer without override must use the default instance")
	}

	inst, overridden := d.For(c1)
	if !overridden || inst == def {
		t.Fatal("c1 should get its override instance")
	}
	cfg := inst.(*recordingFilter).cfg
	if fmt.Sprint(cfg["limit"]) != "100" || cfg["period"] != "1h" {
		t.Errorf("override config = %v, want limit 100 merged over period 1h", cfg)
	}
	if fmt.Sprint(def.(*recordingFilter).cfg["limit"]) != "2" {
		t.Errorf("default config mutated: %v", def.(*recordingFilter).cfg)
	}
	if !d.HasOverride("c1") || d.HasOverride("c2") {
		t.Error("HasOverride mismatch")
	}
}

func TestBuildReportsEveryProblem(t *testing.T) {
	doc := `
filters:
  - {name: ok, module: noop}
  - {name: ghost, module: nonexistent}
  - {name: bad, module: broken}
  - {name: pre, module: pre-only}
prefilters: [ok, missing-global]
postfilters: [pre]
consumers:
  - {id: c1, key: K1}
overrides:
  - {filter: ok, consumer: nobody}
  - {filter: nothing, consumer: c1}
  - {filter: ok, consumer: c1}
  - {filter: ok, consumer: c1}
providers:
  - id: a
    context: /a/b
    target: http://127.0.0.1:1
    resources:
      - {id: r1, path: /x}
      - {id: r2, path: /x/}
      - {id: r3, path: /y, prefilters: [missing-resource]}
  - id: b
    context: /a
    target: http://127.0.0.1:2
  - id: c
    context: /c
    target: http://127.0.0.1:3
    prefilters: [missing-provider]
`
	_, err := Build(parse(t, doc), testCatalog())
	if err == nil {
		t.Fatal("expected build errors")
	}
	msg := err.Error()
	for _, want := range []string{
		`filter ghost: unknown module "nonexistent"`,
		`filter bad: refusing to build`,
		`global prefilters: unknown filter "missing-global"`,
		`filter "pre" (module pre-only) cannot run as a postfilter`,
		`unknown consumer "nobody"`,
		`unknown filter "nothing"`,
		`override ok/c1: more than one override`,
		`provider b: context "/a" overlaps "/a/b"`,
		`resource r2: resource path "/x"`,
		`resource r3 prefilters: unknown filter "missing-resource"`,
		`provider c prefilters: unknown filter "missing-provider"`,
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error does not mention %q\nfull error: %s", want, msg)
		}
	}
}

func TestStorePublish(t *testing.T) {
	cat := testCatalog()
	first, err := Build(parse(t, chainDoc), cat)
	if err != nil {
		t.Fatal(err)
	}
	store := NewStore(first)
	if store.Current() != first || first.Version() != 1 {
		t.Fatalf("initial publish: version %d", first.Version())
	}

	inFlight := store.Current()

	second, err := Build(parse(t, `
providers:
  - {id: only, context: /only, target: "http://127.0.0.1:1"}
`), cat)
	if err != nil {
		t.Fatal(err)
	}
	if v := store.Publish(second); v != 2 {
		t.Errorf("second version = %d, want 2", v)
	}
	if store.Current() != second {
		t.Error("Current should return the new snapshot")
	}
	if _, ok := inFlight.Resolve("/api/r1"); !ok {
		t.Error("a snapshot held by an in-flight request must stay usable")
	}
	if _, ok := store.Current().Resolve("/api/r1"); ok {
		t.Error("new snapshot should not know /api")
	}

	if NewStore(nil).Current() != nil {
		t.Error("empty store should return nil")
	}
}
