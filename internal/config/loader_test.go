package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoader_MissingFileFallsBackToDefault(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "missing.json"), slog.Default())
	spec := l.Load()

	if len(spec.Servers) != 0 {
		t.Fatalf("expected an empty upstream set for a missing config file, got %+v", spec.Servers)
	}
}

func TestLoader_MalformedJSONFallsBackToDefault(t *testing.T) {
	path := writeTempConfig(t, `{not valid json`)
	l := NewLoader(path, slog.Default())
	spec := l.Load()

	if len(spec.Servers) != 0 {
		t.Fatalf("expected default plan for malformed JSON, got %+v", spec.Servers)
	}
}

func TestLoader_ReloadWithUnchangedHashReturnsCachedPlan(t *testing.T) {
	path := writeTempConfig(t, `{"governance":{"base_port":9000},"mcpServers":{}}`)
	l := NewLoader(path, slog.Default())

	first := l.Load()
	second := l.Load()

	if first.ContentHash != second.ContentHash || first.BasePort != second.BasePort {
		t.Fatalf("expected an unchanged reload to return the cached plan, got %+v vs %+v", first, second)
	}
}

func TestLoader_ReloadAfterContentChangePicksUpNewValue(t *testing.T) {
	path := writeTempConfig(t, `{"governance":{"base_port":9000},"mcpServers":{}}`)
	l := NewLoader(path, slog.Default())

	first := l.Load()
	if first.BasePort != 9000 {
		t.Fatalf("expected base_port 9000, got %d", first.BasePort)
	}

	if err := os.WriteFile(path, []byte(`{"governance":{"base_port":9100},"mcpServers":{}}`), 0o644); err != nil {
		t.Fatalf("rewriting temp config: %v", err)
	}

	second := l.Load()
	if second.BasePort != 9100 {
		t.Fatalf("expected reload to observe the new base_port, got %d", second.BasePort)
	}
	if second.ContentHash == first.ContentHash {
		t.Fatalf("expected content hash to change alongside the content")
	}
}

func TestLoader_MongoURIEnvOverridesFile(t *testing.T) {
	path := writeTempConfig(t, `{"governance":{"mongodb_uri":"mongodb://file"},"mcpServers":{}}`)
	t.Setenv("MONGODB_URI", "mongodb://from-env")

	l := NewLoader(path, slog.Default())
	spec := l.Load()

	if spec.MongoURI != "mongodb://from-env" {
		t.Fatalf("expected MONGODB_URI env var to override the file value, got %q", spec.MongoURI)
	}
}

func TestLoader_CustomRulesAvailableAfterLoad(t *testing.T) {
	path := writeTempConfig(t, `{"governance":{},"mcpServers":{"fs":{"transport":"stdio","command":"echo",
		"governance":{"custom_rules":[{"id":"r1","name":"no-writes","tool_match":"write_*","action":"deny"}]}}}}`)
	l := NewLoader(path, slog.Default())
	l.Load()

	rules := l.CustomRules()
	if len(rules["fs"]) != 1 || rules["fs"][0].Name != "no-writes" {
		t.Fatalf("expected one custom rule for fs, got %+v", rules)
	}
}
