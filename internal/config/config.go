package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	// Ledger
	DataBackend  string
	SQLiteDBPath string
	PostgresDSN  string
	UserID       string
	// FailureRate injects transient ledger failures, for exercising retries.
	FailureRate float64

	// AMQP
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Journal
	JournalBackend           string
	GoogleSpreadsheetID      string
	GoogleJournalSheet       string
	GoogleServiceAccountJSON string
	GoogleServiceAccountFile string
	GoogleWritesPerMinute    int

	// Worker
	SyncBatchSize int
	SyncInterval  time.Duration

	// Rollup thresholds, in percent of the budget total
	WarningPercent  float64
	ExceededPercent float64

	// Reconciler policy
	PollInterval     time.Duration
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryMaxAttempts int
	DrainConcurrency int

	// Logging
	LogLevel  string
	LogFormat string

	// ConfigFile is the TOML overlay applied by Load, if any.
	ConfigFile string
}

// fileConfig mirrors the TOML overlay. Only keys present in the file
// override the environment.
type fileConfig struct {
	Thresholds struct {
		Warning  float64 `toml:"warning"`
		Exceeded float64 `toml:"exceeded"`
	} `toml:"thresholds"`
	Reconcile struct {
		PollInterval duration `toml:"poll_interval"`
		BaseDelay    duration `toml:"base_delay"`
		MaxDelay     duration `toml:"max_delay"`
		MaxAttempts  int      `toml:"max_attempts"`
		Concurrency  int      `toml:"concurrency"`
	} `toml:"reconcile"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Load reads the environment, after a .env file if one exists, and then
// applies the TOML overlay named by LEDGER_CONFIG_FILE.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DataBackend:  getEnv("DATA_BACKEND", "memory"),
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/ledger.db"),
		PostgresDSN:  getEnv("POSTGRES_DSN", ""),
		UserID:       getEnv("LEDGER_USER_ID", "local"),
		FailureRate:  getEnvFloat("LEDGER_FAILURE_RATE", 0),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "ledger"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "ledger_journal"),

		JournalBackend:           getEnv("JOURNAL_BACKEND", "memory"),
		GoogleSpreadsheetID:      getEnv("GOOGLE_SPREADSHEET_ID", ""),
		GoogleJournalSheet:       getEnv("GOOGLE_JOURNAL_SHEET_NAME", "Ledger"),
		GoogleServiceAccountJSON: getEnv("GOOGLE_SERVICE_ACCOUNT_JSON", ""),
		GoogleServiceAccountFile: getEnv("GOOGLE_SERVICE_ACCOUNT_FILE", getEnv("GOOGLE_APPLICATION_CREDENTIALS", "")),
		GoogleWritesPerMinute:    getEnvInt("GOOGLE_WRITES_PER_MINUTE", 60),

		SyncBatchSize: getEnvInt("SYNC_BATCH_SIZE", 100),
		SyncInterval:  getEnvDuration("SYNC_INTERVAL", 30*time.Second),

		WarningPercent:  getEnvFloat("ROLLUP_WARNING_PERCENT", 80),
		ExceededPercent: getEnvFloat("ROLLUP_EXCEEDED_PERCENT", 100),

		PollInterval:     getEnvDuration("RECONCILE_POLL_INTERVAL", 5*time.Second),
		RetryBaseDelay:   getEnvDuration("RECONCILE_BASE_DELAY", time.Second),
		RetryMaxDelay:    getEnvDuration("RECONCILE_MAX_DELAY", 30*time.Second),
		RetryMaxAttempts: getEnvInt("RECONCILE_MAX_ATTEMPTS", 5),
		DrainConcurrency: getEnvInt("RECONCILE_CONCURRENCY", 4),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		ConfigFile: getEnv("LEDGER_CONFIG_FILE", ""),
	}

	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LoadFile applies the thresholds and reconciler policy found in a TOML
// file. Unknown keys are rejected.
func (c *Config) LoadFile(path string) error {
	var fc fileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("config file %s: unknown keys %s", path, strings.Join(keys, ", "))
	}

	if md.IsDefined("thresholds", "warning") {
		c.WarningPercent = fc.Thresholds.Warning
	}
	if md.IsDefined("thresholds", "exceeded") {
		c.ExceededPercent = fc.Thresholds.Exceeded
	}
	if md.IsDefined("reconcile", "poll_interval") {
		c.PollInterval = fc.Reconcile.PollInterval.Duration
	}
	if md.IsDefined("reconcile", "base_delay") {
		c.RetryBaseDelay = fc.Reconcile.BaseDelay.Duration
	}
	if md.IsDefined("reconcile", "max_delay") {
		c.RetryMaxDelay = fc.Reconcile.MaxDelay.Duration
	}
	if md.IsDefined("reconcile", "max_attempts") {
		c.RetryMaxAttempts = fc.Reconcile.MaxAttempts
	}
	if md.IsDefined("reconcile", "concurrency") {
		c.DrainConcurrency = fc.Reconcile.Concurrency
	}
	return nil
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	validBackends := []string{"memory", "sqlite", "postgres"}
	if !contains(validBackends, c.DataBackend) {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	switch c.DataBackend {
	case "sqlite":
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else if dir := filepath.Dir(c.SQLiteDBPath); dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
				}
			}
		}
	case "postgres":
		if c.PostgresDSN == "" {
			errors = append(errors, "POSTGRES_DSN is required when using postgres backend")
		}
	}

	if strings.TrimSpace(c.UserID) == "" {
		errors = append(errors, "LEDGER_USER_ID cannot be empty")
	}
	if c.FailureRate < 0 || c.FailureRate >= 1 {
		errors = append(errors, fmt.Sprintf("invalid failure rate %v: must be in [0, 1)", c.FailureRate))
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
	}

	validJournals := []string{"none", "memory", "sheets"}
	if !contains(validJournals, c.JournalBackend) {
		errors = append(errors, fmt.Sprintf("invalid journal backend '%s': must be one of %v", c.JournalBackend, validJournals))
	}
	if c.JournalBackend == "sheets" {
		if c.GoogleSpreadsheetID == "" {
			errors = append(errors, "Google Spreadsheet ID is required when using sheets journal")
		}
		if c.GoogleServiceAccountJSON == "" && c.GoogleServiceAccountFile == "" {
			errors = append(errors, "either GOOGLE_SERVICE_ACCOUNT_JSON or GOOGLE_SERVICE_ACCOUNT_FILE must be provided for sheets journal")
		}
		if c.GoogleServiceAccountFile != "" {
			if _, err := os.Stat(c.GoogleServiceAccountFile); os.IsNotExist(err) {
				errors = append(errors, fmt.Sprintf("Google service account file does not exist: %s", c.GoogleServiceAccountFile))
			}
		}
	}

	if c.SyncBatchSize < 1 {
		errors = append(errors, fmt.Sprintf("invalid sync batch size %d: must be at least 1", c.SyncBatchSize))
	} else if c.SyncBatchSize > 1000 {
		errors = append(errors, fmt.Sprintf("invalid sync batch size %d: must be at most 1000", c.SyncBatchSize))
	}
	if c.SyncInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid sync interval %v: must be at least 1 second", c.SyncInterval))
	} else if c.SyncInterval > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid sync interval %v: must be at most 24 hours", c.SyncInterval))
	}

	if c.WarningPercent <= 0 || c.ExceededPercent < c.WarningPercent {
		errors = append(errors, fmt.Sprintf("invalid thresholds %v/%v: need 0 < warning <= exceeded", c.WarningPercent, c.ExceededPercent))
	}

	if c.PollInterval <= 0 {
		errors = append(errors, fmt.Sprintf("invalid poll interval %v: must be positive", c.PollInterval))
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		errors = append(errors, fmt.Sprintf("invalid retry delays %v/%v: need 0 < base <= max", c.RetryBaseDelay, c.RetryMaxDelay))
	}
	if c.RetryMaxAttempts < 1 {
		errors = append(errors, fmt.Sprintf("invalid max attempts %d: must be at least 1", c.RetryMaxAttempts))
	}
	if c.DrainConcurrency < 1 {
		errors = append(errors, fmt.Sprintf("invalid drain concurrency %d: must be at least 1", c.DrainConcurrency))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
