package config

import "testing"

func TestMergeFilterConfig(t *testing.T) {
	base := map[string]any{
		"limit":  2,
		"period": "1h",
		"scope":  "global",
	}
	overlay := map[string]any{
		"limit": 100,
	}

	got, err := MergeFilterConfig(base, overlay)
	if err != nil {
		t.Fatalf("MergeFilterConfig: %v", err)
	}

	if got["limit"] != 100 {
		t.Errorf("limit = %v, want 100", got["limit"])
	}
	if got["period"] != "1h" {
		t.Errorf("period = %v, want 1h", got["period"])
	}
	if got["scope"] != "global" {
		t.Errorf("scope = %v, want global", got["scope"])
	}
	if base["limit"] != 2 {
		t.Errorf("base was mutated: limit = %v", base["limit"])
	}
}

func TestMergeFilterConfigNilBase(t *testing.T) {
	got, err := MergeFilterConfig(nil, map[string]any{"header": "X-Key"})
	if err != nil {
		t.Fatalf("MergeFilterConfig: %v", err)
	}
	if got["header"] != "X-Key" {
		t.Errorf("header = %v, want X-Key", got["header"])
	}
}

func TestMergeFilterConfigCopiesSlices(t *testing.T) {
	base := map[string]any{"origins": []any{"https://a.example"}}
	got, err := MergeFilterConfig(base, nil)
	if err != nil {
		t.Fatalf("MergeFilterConfig: %v", err)
	}
	got["origins"].([]any)[0] = "https://b.example"
	if base["origins"].([]any)[0] != "https://a.example" {
		t.Error("slice in base shared with result")
	}
}
