// Package config loads the orchestrator's run configuration: defaults,
// an optional JSON file under the planning directory, then environment
// variable overrides, in that precedence order (lowest to highest).
// It follows the teacher's pkg/config global-singleton-by-value
// conventions (SchemaVersion constant, GetConfig returns a copy, the
// singleton is replaced only by Load) generalized from project/build
// settings to the CLI-flag-equivalent fields this system reads.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// SchemaVersion must be incremented for any breaking change to Config's
// on-disk shape.
const SchemaVersion = "1.0"

const configFilename = "autopilot-config.json"

// Config holds every setting the launcher/CLI would otherwise parse
// from flags, expressed as a schema-versioned, serializable document.
type Config struct {
	SchemaVersion string `json:"schemaVersion"`

	PRDPath     string    `json:"prdPath,omitempty"`
	Resume      bool      `json:"resume"`
	Phases      []float64 `json:"phases,omitempty"`
	SkipDiscuss bool      `json:"skipDiscuss"`
	SkipVerify  bool      `json:"skipVerify"`
	Port        int       `json:"port,omitempty"`
	Depth       string    `json:"depth,omitempty"`
	Model       string    `json:"model,omitempty"`
	Notify      string    `json:"notify,omitempty"`
	WebhookURL  string    `json:"webhookUrl,omitempty"`
	AdapterPath string    `json:"adapterPath,omitempty"`
	Verbose     bool      `json:"verbose"`
	Quiet       bool      `json:"quiet"`
}

// Default returns a Config with every field at its zero/default value
// and the current schema version stamped.
func Default() Config {
	return Config{SchemaVersion: SchemaVersion}
}

var (
	mu      sync.RWMutex
	current = Default()
)

// Load reads an optional .env file (ignored if absent) from dir, then
// an optional JSON config file from dir, then applies environment
// variable overrides, and stores the result as the process-wide
// singleton. Each layer only overrides fields its source actually sets.
func Load(dir string) (Config, error) {
	_ = godotenv.Load(filepath.Join(dir, ".env")) // optional; absence is not an error

	cfg := Default()

	path := filepath.Join(dir, configFilename)
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	cfg.SchemaVersion = SchemaVersion

	mu.Lock()
	current = cfg
	mu.Unlock()

	return cfg, nil
}

// GetConfig returns a copy of the current process-wide config, safe for
// the caller to read without synchronization of its own.
func GetConfig() Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// envPrefix namespaces every override so it can't collide with an
// unrelated environment variable of the same short name.
const envPrefix = "AUTOPILOT_"

func applyEnvOverrides(cfg *Config) {
	if v, ok := lookupEnv("PRD_PATH"); ok {
		cfg.PRDPath = v
	}
	if v, ok := lookupEnvBool("RESUME"); ok {
		cfg.Resume = v
	}
	if v, ok := lookupEnv("PHASES"); ok {
		cfg.Phases = parsePhaseList(v)
	}
	if v, ok := lookupEnvBool("SKIP_DISCUSS"); ok {
		cfg.SkipDiscuss = v
	}
	if v, ok := lookupEnvBool("SKIP_VERIFY"); ok {
		cfg.SkipVerify = v
	}
	if v, ok := lookupEnvInt("PORT"); ok {
		cfg.Port = v
	}
	if v, ok := lookupEnv("DEPTH"); ok {
		cfg.Depth = v
	}
	if v, ok := lookupEnv("MODEL"); ok {
		cfg.Model = v
	}
	if v, ok := lookupEnv("NOTIFY"); ok {
		cfg.Notify = v
	}
	if v, ok := lookupEnv("WEBHOOK_URL"); ok {
		cfg.WebhookURL = v
	}
	if v, ok := lookupEnv("ADAPTER_PATH"); ok {
		cfg.AdapterPath = v
	}
	if v, ok := lookupEnvBool("VERBOSE"); ok {
		cfg.Verbose = v
	}
	if v, ok := lookupEnvBool("QUIET"); ok {
		cfg.Quiet = v
	}
}

func lookupEnv(name string) (string, bool) {
	return os.LookupEnv(envPrefix + name)
}

func lookupEnvBool(name string) (bool, bool) {
	v, ok := lookupEnv(name)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func lookupEnvInt(name string) (int, bool) {
	v, ok := lookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parsePhaseList(v string) []float64 {
	parts := strings.Split(v, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseFloat(p, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}
