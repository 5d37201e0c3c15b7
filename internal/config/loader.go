package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "REFLECTD_"

// flatEnvKeys maps legacy flat environment names onto config paths. These are
// the names operators already export; section-style names (REFLECTD_STORE_HOST)
// work too.
var flatEnvKeys = map[string]string{
	"LOGS_DIR":                 "logs_dir",
	"STATE_FILE":               "state_file",
	"STORE_URL":                "store.host",
	"PREFER_LOCAL":             "embedding.prefer_local",
	"CLOUD_API_KEY":            "embedding.cloud_api_key",
	"ENABLE_MEMORY_DECAY":      "decay.enabled",
	"DECAY_WEIGHT":             "decay.weight",
	"DECAY_SCALE_DAYS":         "decay.scale_days",
	"MEMORY_LIMIT_MB":          "governor.memory_limit_mb",
	"MEMORY_WARNING_MB":        "governor.memory_warning_mb",
	"MAX_CPU_PERCENT_PER_CORE": "governor.max_cpu_percent_per_core",
	"MAX_QUEUE_SIZE":           "ingest.max_queue_size",
	"MAX_COLD_FILES":           "ingest.max_cold_files",
	"IMPORT_FREQUENCY":         "ingest.import_frequency",
	"HOT_CHECK_INTERVAL_S":     "ingest.hot_check_interval",
	"MAX_WARM_WAIT_MINUTES":    "ingest.max_warm_wait",
	"INGESTER_PARALLELISM":     "ingest.parallelism",
	"SHUTDOWN_GRACE":           "ingest.shutdown_grace",
}

// Load reads configuration from an optional YAML file, then overrides with
// REFLECTD_* environment variables, applies defaults, and validates.
//
// Precedence (highest first): environment, YAML file, defaults. The default
// file path is ~/.config/reflectd/config.yaml; a missing file is not an error.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "reflectd", "config.yaml")
	}

	if content, err := os.ReadFile(configPath); err == nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return transformEnvKey(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	normalizeBareDurations(k)
	normalizeStoreHost(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// bareDurationUnits holds duration keys whose legacy env form is a bare
// number: IMPORT_FREQUENCY=60 means 60 seconds, MAX_WARM_WAIT_MINUTES=30
// means 30 minutes.
var bareDurationUnits = map[string]string{
	"ingest.import_frequency":   "s",
	"ingest.hot_check_interval": "s",
	"ingest.shutdown_grace":     "s",
	"ingest.max_warm_wait":      "m",
}

// normalizeBareDurations appends the implied unit to numeric duration values.
func normalizeBareDurations(k *koanf.Koanf) {
	for key, unit := range bareDurationUnits {
		v := k.String(key)
		if v == "" {
			continue
		}
		if _, err := strconv.Atoi(v); err == nil {
			_ = k.Set(key, v+unit)
		}
	}
}

// normalizeStoreHost splits a URL-shaped store host into host and port. The
// legacy STORE_URL variable is often exported as http://localhost:6334, which
// a gRPC dial cannot use as-is.
func normalizeStoreHost(k *koanf.Koanf) {
	v := k.String("store.host")
	if v == "" {
		return
	}
	host, port := v, ""
	if strings.Contains(v, "://") {
		u, err := url.Parse(v)
		if err != nil || u.Host == "" {
			return
		}
		host, port = u.Hostname(), u.Port()
	} else if h, p, err := net.SplitHostPort(v); err == nil {
		host, port = h, p
	}
	_ = k.Set("store.host", host)
	if n, err := strconv.Atoi(port); err == nil && n > 0 {
		_ = k.Set("store.port", n)
	}
}

// transformEnvKey maps an environment variable name (prefix already stripped)
// to a koanf path. Flat legacy names resolve through flatEnvKeys; anything
// else splits on the first underscore into section.field.
func transformEnvKey(s string) string {
	if path, ok := flatEnvKeys[s]; ok {
		return path
	}
	lower := strings.ToLower(s)
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}
