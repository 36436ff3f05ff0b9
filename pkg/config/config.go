// Package config loads daemon configuration from environment variables
// and an optional YAML identities file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Identity is one configured service-account principal.
type Identity struct {
	Name            string `yaml:"name"`
	CredentialsFile string `yaml:"credentials_file"`
}

// MySQLConfig holds the MySQL connection settings. All four fields must be
// set together; an empty Host selects lite mode (sqlite).
type MySQLConfig struct {
	User     string
	Password string
	Host     string
	DB       string
}

// DSN renders the go-sql-driver/mysql connection string.
func (m MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=false&multiStatements=true", m.User, m.Password, m.Host, m.DB)
}

// ArchiveConfig selects the export sink for operation-log bundles.
type ArchiveConfig struct {
	Backend   string // "none", "file", "s3" or "gcs"
	Dir       string
	S3Bucket  string
	S3Prefix  string
	GCSBucket string
}

// Config is the full daemon configuration.
type Config struct {
	MySQL      MySQLConfig
	LiteDBPath string

	Identities []Identity

	MaxProjectsPerBilling int
	UpdateInterval        time.Duration
	TaskTimeout           time.Duration
	MaxRetries            int
	BaseRetryDelay        time.Duration
	MaxRetryDelay         time.Duration
	EnableJitter          bool
	EnableAutoSwitch      bool
	MaxWorkers            int
	MaxQPSPerAccount      int

	AlertWebhookURL string
	ConsoleAddr     string
	LogLevel        string

	Archive ArchiveConfig
}

// Load reads the configuration from the environment. Identity discovery:
// IDENTITIES_FILE (YAML) wins when set, otherwise GCP_ACCOUNT_NAMES with
// credential files at CREDENTIALS_DIR/<name>.json.
func Load() (*Config, error) {
	cfg := &Config{
		MySQL: MySQLConfig{
			User:     os.Getenv("MYSQL_USER"),
			Password: os.Getenv("MYSQL_PASSWORD"),
			Host:     os.Getenv("MYSQL_HOST"),
			DB:       os.Getenv("MYSQL_DB"),
		},
		LiteDBPath:            getEnvStr("LITE_DB_PATH", "billingd.db"),
		MaxProjectsPerBilling: getEnvInt("MAX_PROJECTS_PER_BILLING", 3),
		UpdateInterval:        getEnvSeconds("UPDATE_INTERVAL", 300),
		TaskTimeout:           getEnvSeconds("TASK_TIMEOUT", 600),
		MaxRetries:            getEnvInt("MAX_RETRIES", 3),
		BaseRetryDelay:        getEnvSeconds("BASE_RETRY_DELAY", 1),
		MaxRetryDelay:         getEnvSeconds("MAX_RETRY_DELAY", 60),
		EnableJitter:          getEnvBool("ENABLE_JITTER", true),
		EnableAutoSwitch:      getEnvBool("ENABLE_AUTO_SWITCH", true),
		MaxWorkers:            getEnvInt("MAX_WORKERS", 8),
		MaxQPSPerAccount:      getEnvInt("MAX_QPS_PER_ACCOUNT", 10),
		AlertWebhookURL:       os.Getenv("ALERT_WEBHOOK_URL"),
		ConsoleAddr:           getEnvStr("CONSOLE_ADDR", ":8848"),
		LogLevel:              getEnvStr("LOG_LEVEL", "info"),
		Archive: ArchiveConfig{
			Backend:   getEnvStr("ARCHIVE_BACKEND", "none"),
			Dir:       getEnvStr("ARCHIVE_DIR", "data/archive"),
			S3Bucket:  os.Getenv("ARCHIVE_S3_BUCKET"),
			S3Prefix:  os.Getenv("ARCHIVE_S3_PREFIX"),
			GCSBucket: os.Getenv("ARCHIVE_GCS_BUCKET"),
		},
	}

	identities, err := loadIdentities()
	if err != nil {
		return nil, err
	}
	cfg.Identities = identities

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadIdentities() ([]Identity, error) {
	if file := os.Getenv("IDENTITIES_FILE"); file != "" {
		return loadIdentitiesFile(file)
	}

	names := os.Getenv("GCP_ACCOUNT_NAMES")
	credsDir := getEnvStr("CREDENTIALS_DIR", "/app/credentials")

	var identities []Identity
	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		identities = append(identities, Identity{
			Name:            name,
			CredentialsFile: filepath.Join(credsDir, name+".json"),
		})
	}
	return identities, nil
}

func loadIdentitiesFile(path string) ([]Identity, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("config: failed to read identities file: %w", err)
	}

	var doc struct {
		Identities []Identity `yaml:"identities"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: failed to parse identities file: %w", err)
	}

	for i, id := range doc.Identities {
		if id.Name == "" {
			return nil, fmt.Errorf("config: identities[%d]: name must not be empty", i)
		}
		if id.CredentialsFile == "" {
			return nil, fmt.Errorf("config: identities[%d] (%s): credentials_file must not be empty", i, id.Name)
		}
	}
	return doc.Identities, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if len(c.Identities) == 0 {
		return fmt.Errorf("config: no identities configured (set GCP_ACCOUNT_NAMES or IDENTITIES_FILE)")
	}
	seen := make(map[string]bool, len(c.Identities))
	for _, id := range c.Identities {
		if seen[id.Name] {
			return fmt.Errorf("config: duplicate identity name %q", id.Name)
		}
		seen[id.Name] = true
	}
	if c.MaxProjectsPerBilling < 1 {
		return fmt.Errorf("config: MAX_PROJECTS_PER_BILLING must be >= 1, got %d", c.MaxProjectsPerBilling)
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("config: MAX_WORKERS must be >= 1, got %d", c.MaxWorkers)
	}
	if c.MaxQPSPerAccount < 1 {
		return fmt.Errorf("config: MAX_QPS_PER_ACCOUNT must be >= 1, got %d", c.MaxQPSPerAccount)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be >= 1, got %d", c.MaxRetries)
	}
	if c.BaseRetryDelay > c.MaxRetryDelay {
		return fmt.Errorf("config: BASE_RETRY_DELAY (%s) exceeds MAX_RETRY_DELAY (%s)", c.BaseRetryDelay, c.MaxRetryDelay)
	}
	if err := c.MySQL.validate(); err != nil {
		return err
	}
	return nil
}

// UseMySQL reports whether the MySQL backend is configured.
func (c *Config) UseMySQL() bool {
	return c.MySQL.Host != ""
}

func (m MySQLConfig) validate() error {
	set := 0
	for _, v := range []string{m.User, m.Password, m.Host, m.DB} {
		if v != "" {
			set++
		}
	}
	if set != 0 && set != 4 {
		return fmt.Errorf("config: MYSQL_USER, MYSQL_PASSWORD, MYSQL_HOST and MYSQL_DB must be set together")
	}
	return nil
}

func getEnvStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// getEnvSeconds reads an integer number of seconds.
func getEnvSeconds(key string, def int) time.Duration {
	return time.Duration(getEnvInt(key, def)) * time.Second
}
