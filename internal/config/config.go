// Package config handles environment-based configuration loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Database
	DatabaseURL     string
	ReplicationSlot string
	Publication     string

	// Network
	ListenAddress string
	Port          int

	// Secrets
	SecretKeyBase string

	// Change-log sink
	AuditFlushBatchSize int
	AuditFlushInterval  time.Duration

	// GeoIP
	GeoIPDBPath         string
	GeoIPReloadSchedule string

	// Version compatibility cutoffs
	MinClientVersionInPlaceUpdates string
	MinGatewayVersionFlowMessages  string

	// WAL
	WALStatusInterval time.Duration
}

// fileOverlay mirrors the yaml config file; every field is optional and
// overrides the corresponding environment value when set.
type fileOverlay struct {
	DatabaseURL         string `yaml:"database_url"`
	ReplicationSlot     string `yaml:"replication_slot"`
	Publication         string `yaml:"publication"`
	ListenAddress       string `yaml:"listen_address"`
	Port                int    `yaml:"port"`
	GeoIPDBPath         string `yaml:"geoip_db_path"`
	GeoIPReloadSchedule string `yaml:"geoip_reload_schedule"`
}

// LoadEnvConfig reads environment variables (plus the optional yaml file
// named by FZ_CONFIG_FILE) and returns a validated EnvConfig. Returns an
// error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Database ---
	cfg.DatabaseURL = envStr("FZ_DATABASE_URL", "")
	cfg.ReplicationSlot = envStr("FZ_REPLICATION_SLOT", "firezone_wal")
	cfg.Publication = envStr("FZ_PUBLICATION", "firezone_pub")

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("FZ_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("FZ_PORT", 8081, &errs)

	// --- Secrets ---
	cfg.SecretKeyBase = os.Getenv("FZ_SECRET_KEY_BASE")

	// --- Change-log sink ---
	cfg.AuditFlushBatchSize = envInt("FZ_AUDIT_FLUSH_BATCH_SIZE", 200, &errs)
	cfg.AuditFlushInterval = envDuration("FZ_AUDIT_FLUSH_INTERVAL", 5*time.Second, &errs)

	// --- GeoIP ---
	cfg.GeoIPDBPath = envStr("FZ_GEOIP_DB_PATH", "/var/lib/firezone/GeoLite2-Country.mmdb")
	cfg.GeoIPReloadSchedule = envStr("FZ_GEOIP_RELOAD_SCHEDULE", "0 7 * * *")

	// --- Version compatibility ---
	cfg.MinClientVersionInPlaceUpdates = envStr("FZ_MIN_CLIENT_VERSION_IN_PLACE_UPDATES", "1.4.0")
	cfg.MinGatewayVersionFlowMessages = envStr("FZ_MIN_GATEWAY_VERSION_FLOW_MESSAGES", "1.4.0")

	// --- WAL ---
	cfg.WALStatusInterval = envDuration("FZ_WAL_STATUS_INTERVAL", 10*time.Second, &errs)

	if path := os.Getenv("FZ_CONFIG_FILE"); path != "" {
		if err := applyOverlay(cfg, path); err != nil {
			errs = append(errs, err.Error())
		}
	}

	// --- Validation ---
	if cfg.DatabaseURL == "" {
		errs = append(errs, "FZ_DATABASE_URL must be defined")
	} else if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
		errs = append(errs, fmt.Sprintf("FZ_DATABASE_URL: unsupported scheme in %q", cfg.DatabaseURL))
	}
	if cfg.ReplicationSlot == "" {
		errs = append(errs, "FZ_REPLICATION_SLOT must not be empty")
	}
	if cfg.Publication == "" {
		errs = append(errs, "FZ_PUBLICATION must not be empty")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "FZ_LISTEN_ADDRESS must not be empty")
	}
	validatePort("FZ_PORT", cfg.Port, &errs)
	if cfg.SecretKeyBase == "" {
		errs = append(errs, "FZ_SECRET_KEY_BASE must be defined")
	} else if IsWeakSecret(cfg.SecretKeyBase) {
		errs = append(errs, "FZ_SECRET_KEY_BASE is too weak; use a long random value")
	}
	validatePositive("FZ_AUDIT_FLUSH_BATCH_SIZE", cfg.AuditFlushBatchSize, &errs)
	if cfg.AuditFlushInterval <= 0 {
		errs = append(errs, "FZ_AUDIT_FLUSH_INTERVAL must be positive")
	}
	if _, err := cron.ParseStandard(cfg.GeoIPReloadSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("FZ_GEOIP_RELOAD_SCHEDULE: invalid cron expression %q: %v", cfg.GeoIPReloadSchedule, err))
	}
	if cfg.WALStatusInterval <= 0 {
		errs = append(errs, "FZ_WAL_STATUS_INTERVAL must be positive")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

func applyOverlay(cfg *EnvConfig, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("FZ_CONFIG_FILE: %v", err)
	}
	var o fileOverlay
	if err := yaml.Unmarshal(raw, &o); err != nil {
		return fmt.Errorf("FZ_CONFIG_FILE: invalid yaml: %v", err)
	}
	if o.DatabaseURL != "" {
		cfg.DatabaseURL = o.DatabaseURL
	}
	if o.ReplicationSlot != "" {
		cfg.ReplicationSlot = o.ReplicationSlot
	}
	if o.Publication != "" {
		cfg.Publication = o.Publication
	}
	if o.ListenAddress != "" {
		cfg.ListenAddress = o.ListenAddress
	}
	if o.Port != 0 {
		cfg.Port = o.Port
	}
	if o.GeoIPDBPath != "" {
		cfg.GeoIPDBPath = o.GeoIPDBPath
	}
	if o.GeoIPReloadSchedule != "" {
		cfg.GeoIPReloadSchedule = o.GeoIPReloadSchedule
	}
	return nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(key string, port int, errs *[]string) {
	if port < 1 || port > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: invalid port %d", key, port))
	}
}

func validatePositive(key string, n int, errs *[]string) {
	if n <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be positive", key))
	}
}
