package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Store backends.
const (
	StoreJSONL    = "jsonl"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config is read from an optional TOML file (BEACON_CONFIG) and then
// overridden by BEACON_* environment variables.
type Config struct {
	HTTPAddr string `toml:"http_addr"` // BEACON_HTTP_ADDR (default ":3000")
	GRPCAddr string `toml:"grpc_addr"` // BEACON_GRPC_ADDR (default ":9090"; "off" disables)
	NATSURL  string `toml:"nats_url"`  // BEACON_NATS_URL (optional, empty = no mirror)

	Store       string `toml:"store"`        // BEACON_STORE: jsonl | postgres | sqlite (default "jsonl")
	LogPath     string `toml:"log_path"`     // BEACON_LOG_PATH (default "locations.json")
	DatabaseURL string `toml:"database_url"` // BEACON_DATABASE_URL (required for postgres)
	SQLitePath  string `toml:"sqlite_path"`  // BEACON_SQLITE_PATH (default "beacon.db")

	SendTimeout  Duration `toml:"send_timeout"`   // BEACON_SEND_TIMEOUT (default 5s)
	MaxBodyBytes int64    `toml:"max_body_bytes"` // BEACON_MAX_BODY_BYTES (default 1 MiB)

	LogLevel  string `toml:"log_level"`  // BEACON_LOG_LEVEL (default "info")
	LogFormat string `toml:"log_format"` // BEACON_LOG_FORMAT: text | json (default "text")

	// Backup settings
	BackupInterval   Duration `toml:"backup_interval"`    // BEACON_BACKUP_INTERVAL (default 0 = disabled)
	BackupS3Bucket   string   `toml:"backup_s3_bucket"`   // BEACON_BACKUP_S3_BUCKET (enables S3 when set)
	BackupS3Endpoint string   `toml:"backup_s3_endpoint"` // BEACON_BACKUP_S3_ENDPOINT (custom endpoint for MinIO)
	BackupS3Region   string   `toml:"backup_s3_region"`   // BEACON_BACKUP_S3_REGION (default "us-east-1")
	BackupS3Key      string   `toml:"backup_s3_key"`      // BEACON_BACKUP_S3_KEY (default "beacon/locations.jsonl")
	BackupGitRepo    string   `toml:"backup_git_repo"`    // BEACON_BACKUP_GIT_REPO (enables git when set; path to clone)
	BackupGitFile    string   `toml:"backup_git_file"`    // BEACON_BACKUP_GIT_FILE (default "locations.jsonl")
	BackupGitBranch  string   `toml:"backup_git_branch"`  // BEACON_BACKUP_GIT_BRANCH (default "main")
}

// Duration decodes TOML strings such as "5s" into a time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		HTTPAddr:        ":3000",
		GRPCAddr:        ":9090",
		Store:           StoreJSONL,
		LogPath:         "locations.json",
		SQLitePath:      "beacon.db",
		SendTimeout:     Duration{5 * time.Second},
		MaxBodyBytes:    1 << 20,
		LogLevel:        "info",
		LogFormat:       "text",
		BackupS3Region:  "us-east-1",
		BackupS3Key:     "beacon/locations.jsonl",
		BackupGitFile:   "locations.jsonl",
		BackupGitBranch: "main",
	}
}

func Load() (*Config, error) {
	c := Default()

	if path := os.Getenv("BEACON_CONFIG"); path != "" {
		if err := c.decodeFile(path); err != nil {
			return nil, err
		}
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) decodeFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.HTTPAddr = envOrDefault("BEACON_HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = envOrDefault("BEACON_GRPC_ADDR", c.GRPCAddr)
	c.NATSURL = envOrDefault("BEACON_NATS_URL", c.NATSURL)
	c.Store = envOrDefault("BEACON_STORE", c.Store)
	c.LogPath = envOrDefault("BEACON_LOG_PATH", c.LogPath)
	c.DatabaseURL = envOrDefault("BEACON_DATABASE_URL", c.DatabaseURL)
	c.SQLitePath = envOrDefault("BEACON_SQLITE_PATH", c.SQLitePath)
	c.LogLevel = envOrDefault("BEACON_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOrDefault("BEACON_LOG_FORMAT", c.LogFormat)
	c.BackupS3Bucket = envOrDefault("BEACON_BACKUP_S3_BUCKET", c.BackupS3Bucket)
	c.BackupS3Endpoint = envOrDefault("BEACON_BACKUP_S3_ENDPOINT", c.BackupS3Endpoint)
	c.BackupS3Region = envOrDefault("BEACON_BACKUP_S3_REGION", c.BackupS3Region)
	c.BackupS3Key = envOrDefault("BEACON_BACKUP_S3_KEY", c.BackupS3Key)
	c.BackupGitRepo = envOrDefault("BEACON_BACKUP_GIT_REPO", c.BackupGitRepo)
	c.BackupGitFile = envOrDefault("BEACON_BACKUP_GIT_FILE", c.BackupGitFile)
	c.BackupGitBranch = envOrDefault("BEACON_BACKUP_GIT_BRANCH", c.BackupGitBranch)

	if err := envDuration("BEACON_SEND_TIMEOUT", &c.SendTimeout); err != nil {
		return err
	}
	if err := envDuration("BEACON_BACKUP_INTERVAL", &c.BackupInterval); err != nil {
		return err
	}
	if s := os.Getenv("BEACON_MAX_BODY_BYTES"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("BEACON_MAX_BODY_BYTES: %w", err)
		}
		c.MaxBodyBytes = n
	}
	return nil
}

// Validate reports settings that cannot start a server.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreJSONL:
		if c.LogPath == "" {
			return fmt.Errorf("store %q requires log_path", c.Store)
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("store %q requires BEACON_DATABASE_URL", c.Store)
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("store %q requires sqlite_path", c.Store)
		}
	default:
		return fmt.Errorf("unknown store %q (want %s, %s or %s)", c.Store, StoreJSONL, StorePostgres, StoreSQLite)
	}
	if c.SendTimeout.Duration <= 0 {
		return fmt.Errorf("send_timeout must be positive, got %v", c.SendTimeout)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive, got %d", c.MaxBodyBytes)
	}
	if c.BackupInterval.Duration < 0 {
		return fmt.Errorf("backup_interval must not be negative, got %v", c.BackupInterval)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel ("debug", "info", "warn", "error").
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

// GRPCEnabled reports whether the gRPC listener should start.
func (c *Config) GRPCEnabled() bool {
	return c.GRPCAddr != "" && c.GRPCAddr != "off"
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, dst *Duration) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	dst.Duration = d
	return nil
}
