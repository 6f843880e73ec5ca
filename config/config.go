package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rollcall/backend/internal/models"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Auth     AuthConfig
	Sync     SyncConfig
	Roster   RosterConfig
	AWS      AWSConfig
	// FastStore selects the guest store: "postgres" (default) or "memory".
	FastStore string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	RequestTimeout     int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AuthConfig lists the admin logins as "email:bcrypt-hash" pairs.
type AuthConfig struct {
	AdminAccounts string
}

// SyncConfig holds roster sync settings.
type SyncConfig struct {
	CronSecret   string
	CronSpec     string // empty disables the in-process scheduler
	QueueDelay   time.Duration
	MaxRetries   int
	BatchSize    int
	UnsyncedMax  int
	CodeCacheTTL time.Duration
}

// RosterConfig selects and configures the external roster backend.
type RosterConfig struct {
	Backend           string // "sheets" or "memory"
	CredentialsFile   string
	CredentialsJSON   string
	RequestsPerSecond float64
	Burst             int
	VerifyDelay       time.Duration
	ColumnsFile       string
	Columns           models.ColumnMapping
}

// AWSConfig holds AWS credentials and the snapshot bucket. An empty bucket disables snapshots.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	SnapshotBucket       string
	PresignExpireMinutes int
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Credentials returns the service account key, reading the file when no inline JSON is set.
func (c RosterConfig) Credentials() ([]byte, error) {
	if c.CredentialsJSON != "" {
		return []byte(c.CredentialsJSON), nil
	}
	if c.CredentialsFile == "" {
		return nil, fmt.Errorf("roster credentials not configured")
	}
	return os.ReadFile(c.CredentialsFile)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			RequestTimeout:     getEnvInt("REQUEST_TIMEOUT_SEC", 15),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "rollcall"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 12),
		},
		Auth: AuthConfig{
			AdminAccounts: getEnv("ADMIN_ACCOUNTS", ""),
		},
		Sync: SyncConfig{
			CronSecret:   getEnv("CRON_SECRET", ""),
			CronSpec:     os.Getenv("SYNC_CRON_SPEC"),
			QueueDelay:   time.Duration(getEnvInt("SYNC_QUEUE_DELAY_MS", 200)) * time.Millisecond,
			MaxRetries:   getEnvInt("SYNC_QUEUE_MAX_RETRIES", 3),
			BatchSize:    getEnvInt("SYNC_BATCH_SIZE", 100),
			UnsyncedMax:  getEnvInt("SYNC_UNSYNCED_LIMIT", 100),
			CodeCacheTTL: time.Duration(getEnvInt("EVENT_CODE_CACHE_SEC", 60)) * time.Second,
		},
		Roster: RosterConfig{
			Backend:           getEnv("ROSTER_BACKEND", "sheets"),
			CredentialsFile:   getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),
			CredentialsJSON:   getEnv("GOOGLE_CREDENTIALS_JSON", ""),
			RequestsPerSecond: getEnvFloat("ROSTER_REQUESTS_PER_SEC", 1),
			Burst:             getEnvInt("ROSTER_BURST", 5),
			VerifyDelay:       time.Duration(getEnvInt("ROSTER_VERIFY_DELAY_MS", 800)) * time.Millisecond,
			ColumnsFile:       getEnv("ROSTER_COLUMNS_FILE", ""),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			SnapshotBucket:       getEnv("AWS_S3_SNAPSHOT_BUCKET", ""),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		FastStore: getEnv("FAST_STORE", "postgres"),
	}
	if _, ok := os.LookupEnv("SYNC_CRON_SPEC"); !ok {
		cfg.Sync.CronSpec = "@every 1m"
	}

	cols, err := LoadColumns(cfg.Roster.ColumnsFile)
	if err != nil {
		return nil, err
	}
	cfg.Roster.Columns = cols
	return cfg, nil
}

// LoadColumns reads a YAML column mapping. An empty path yields the default mapping.
func LoadColumns(path string) (models.ColumnMapping, error) {
	def := models.DefaultColumnMapping()
	if path == "" {
		return def, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return def, fmt.Errorf("read columns file: %w", err)
	}
	var m models.ColumnMapping
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return def, fmt.Errorf("parse columns file: %w", err)
	}
	return m.WithDefaults(def), nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// SplitTrim splits s on sep and drops empty items.
func SplitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
