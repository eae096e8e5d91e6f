package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnvProvider(t *testing.T) {
	t.Setenv("PORTICO_TEST_SECRET", "s3cret")

	p := &EnvProvider{}
	got, err := p.Resolve(context.Background(), "PORTICO_TEST_SECRET")
	if err != nil || got != "s3cret" {
		t.Fatalf("Resolve = %q, %v", got, err)
	}
	if _, err := p.Resolve(context.Background(), "PORTICO_DEFINITELY_UNSET"); err == nil {
		t.Fatal("expected error for unset variable")
	}
}

func TestFileProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.txt")
	if err := os.WriteFile(path, []byte("file-secret\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := (&FileProvider{}).Resolve(context.Background(), path)
	if err != nil || got != "file-secret" {
		t.Fatalf("Resolve = %q, %v", got, err)
	}
	if _, err := (&FileProvider{AllowedPrefixes: []string{dir}}).Resolve(context.Background(), path); err != nil {
		t.Errorf("allowed prefix rejected: %v", err)
	}
	if _, err := (&FileProvider{AllowedPrefixes: []string{"/other"}}).Resolve(context.Background(), path); err == nil {
		t.Error("expected error for disallowed prefix")
	}
	if _, err := (&FileProvider{}).Resolve(context.Background(), filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}

type staticProvider map[string]string

func (staticProvider) Scheme() string { return "vault" }

func (p staticProvider) Resolve(_ context.Context, ref string) (string, error) {
	return p[ref], nil
}

func TestLoaderResolvesSecrets(t *testing.T) {
	t.Setenv("PORTICO_JWT_SECRET", "from-env")
	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	doc := `
filters:
  - name: signer
    module: headers
    config:
      set:
        X-Token: ${vault:token}
consumers:
  - id: c1
    key: K1
    secret: ${env:PORTICO_JWT_SECRET}
  - id: c2
    key: ${file:` + path + `}
overrides:
  - filter: signer
    consumer: c1
    config:
      set:
        X-Token: ${env:PORTICO_JWT_SECRET}
`
	l := NewLoader()
	l.RegisterSecretProvider(staticProvider{"token": "from-vault"})
	cfg, err := l.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := cfg.Consumers[0].Secret; got != "from-env" {
		t.Errorf("c1 secret = %q", got)
	}
	if got := cfg.Consumers[1].Key; got != "from-file" {
		t.Errorf("c2 key = %q", got)
	}
	set := cfg.Filters[0].Config["set"].(map[string]any)
	if set["X-Token"] != "from-vault" {
		t.Errorf("filter config = %v", set)
	}
	oset := cfg.Overrides[0].Config["set"].(map[string]any)
	if oset["X-Token"] != "from-env" {
		t.Errorf("override config = %v", oset)
	}
}

func TestLoaderSecretErrors(t *testing.T) {
	for _, ref := range []string{"${env:PORTICO_DEFINITELY_UNSET}", "${nope:x}"} {
		doc := "consumers:\n  - id: c1\n    key: K1\n    secret: " + ref + "\n"
		_, err := NewLoader().Parse([]byte(doc))
		if err == nil || !strings.Contains(err.Error(), "Consumers[0].Secret") {
			t.Errorf("%s: error = %v", ref, err)
		}
	}
}

func TestRedactConfig(t *testing.T) {
	cfg, err := NewLoader().Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Tracing.Headers = map[string]string{"Authorization": "Bearer abc"}

	red, err := RedactConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if red.Consumers[0].Secret != RedactedValue || red.Consumers[0].Key != RedactedValue {
		t.Errorf("consumer not redacted: %+v", red.Consumers[0])
	}
	if red.Consumers[0].ID != "c1" {
		t.Errorf("id should survive redaction, got %q", red.Consumers[0].ID)
	}
	if red.Tracing.Headers["Authorization"] != RedactedValue {
		t.Error("tracing headers not redacted")
	}
	if cfg.Consumers[0].Secret != "s1" || cfg.Tracing.Headers["Authorization"] != "Bearer abc" {
		t.Error("RedactConfig modified its input")
	}
	if red.Server.ReadTimeout != cfg.Server.ReadTimeout {
		t.Errorf("read timeout = %v after round trip", red.Server.ReadTimeout)
	}
}
