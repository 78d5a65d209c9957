package config

import (
	"bytes"
	"log/slog"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/viper"

	"github.com/toolgate/toolgate/internal/domain/deployment"
	"github.com/toolgate/toolgate/internal/domain/policy"
)

// Loader reads the deployment document from disk and produces a
// deployment.DeploymentSpec. A reload with an unchanged content hash returns
// the cached plan rather than rebuilding it.
type Loader struct {
	path   string
	logger *slog.Logger

	mu        sync.Mutex
	lastHash  uint64
	lastSpec  deployment.DeploymentSpec
	lastRules map[string][]policy.CustomRule
	warm      bool
}

// NewLoader creates a Loader for the config file at path. path may be empty,
// in which case Load always returns the built-in default plan.
func NewLoader(path string, logger *slog.Logger) *Loader {
	return &Loader{path: path, logger: logger}
}

// Load reads and validates the configuration file, applying environment
// overrides for MONGODB_URI / MONGODB_DATABASE. A missing or malformed file
// is not fatal: it falls back to Default() with a warning.
func (l *Loader) Load() deployment.DeploymentSpec {
	data, hash, ok := l.readFile()

	l.mu.Lock()
	defer l.mu.Unlock()

	if ok && l.warm && hash == l.lastHash {
		return l.lastSpec
	}

	doc := Default()
	if ok {
		v := viper.New()
		v.SetConfigType("json")
		if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
			l.logger.Warn("config file is not valid JSON, using default plan", "path", l.path, "error", err)
		} else if err := v.Unmarshal(&doc); err != nil {
			l.logger.Warn("config file does not match expected shape, using default plan", "path", l.path, "error", err)
			doc = Default()
		}
	} else if l.path != "" {
		l.logger.Warn("config file not found, using default plan", "path", l.path)
	}

	applyEnvOverrides(&doc)

	spec := Build(doc, l.logger)
	spec.ContentHash = hashHex(hash)

	l.lastHash = hash
	l.lastSpec = spec
	l.lastRules = BuildCustomRules(doc, l.logger)
	l.warm = true

	return spec
}

// CustomRules returns the custom_rules blocks parsed by the most recent
// Load call, keyed by server_name. Call after Load; returns nil before the
// first Load.
func (l *Loader) CustomRules() map[string][]policy.CustomRule {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastRules
}

func applyEnvOverrides(doc *RawDocument) {
	if uri := os.Getenv("MONGODB_URI"); uri != "" {
		doc.Governance.MongoURI = uri
	}
	if db := os.Getenv("MONGODB_DATABASE"); db != "" {
		doc.Governance.MongoDatabase = db
	}
	if path := os.Getenv("TOOLGATE_SQLITE_PATH"); path != "" {
		doc.Governance.SqlitePath = path
	}
}

func (l *Loader) readFile() (data []byte, hash uint64, ok bool) {
	if l.path == "" {
		return nil, 0, false
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, 0, false
	}
	return data, xxhash.Sum64(data), true
}

func hashHex(h uint64) string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hextable[h&0xf]
		h >>= 4
	}
	return string(buf)
}
