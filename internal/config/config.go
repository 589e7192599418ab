package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

// Config holds all configuration options
type Config struct {
	// Version information
	Version   string
	BuildTime string
	GitCommit string

	// Catalog location
	CatalogPath string
	Instance    string

	// Database connection
	Host     string
	Port     int
	User     string
	Database string
	Password string
	SSLMode  string

	// Source cluster
	PGData       string
	ExternalDirs []string

	// Backup options
	Jobs           int
	CompressAlg    string // "none" or "gzip"
	CompressLevel  int
	Stream         bool
	Slot           string // replication slot for stream mode
	NoSync         bool
	ArchiveTimeout time.Duration

	// Retention
	RetentionRedundancy int
	RetentionWindowDays int

	// Output options
	LogLevel  string
	LogFormat string
	LogFile   string
	Progress  bool
}

// New creates a new configuration with default values
func New() *Config {
	return &Config{
		CatalogPath: getEnvString("BACKUP_PATH", ""),
		Instance:    getEnvString("BACKUP_INSTANCE", ""),

		Host:     getEnvString("PGHOST", "localhost"),
		Port:     getEnvInt("PGPORT", 5432),
		User:     getEnvString("PGUSER", getCurrentUser()),
		Database: getEnvString("PGDATABASE", "postgres"),
		Password: getEnvString("PGPASSWORD", ""),
		SSLMode:  getEnvString("PGSSLMODE", "prefer"),

		PGData: getEnvString("PGDATA", ""),

		Jobs:           getEnvInt("BACKUP_JOBS", defaultJobs()),
		CompressAlg:    getEnvString("COMPRESS_ALG", "none"),
		CompressLevel:  getEnvInt("COMPRESS_LEVEL", 1),
		ArchiveTimeout: time.Duration(getEnvInt("ARCHIVE_TIMEOUT", 300)) * time.Second,

		RetentionRedundancy: getEnvInt("RETENTION_REDUNDANCY", 0),
		RetentionWindowDays: getEnvInt("RETENTION_WINDOW", 0),

		LogLevel:  getEnvString("LOG_LEVEL", "info"),
		LogFormat: getEnvString("LOG_FORMAT", "text"),
	}
}

// InstanceDir returns the backups directory of the configured instance.
func (c *Config) InstanceDir() string {
	return filepath.Join(c.CatalogPath, "backups", c.Instance)
}

// WalDir returns the WAL archive directory of the configured instance.
func (c *Config) WalDir() string {
	return filepath.Join(c.CatalogPath, "wal", c.Instance)
}

// defaultJobs picks a worker count for file copy. Page copy is I/O
// bound, so half the CPUs is plenty; never less than one.
func defaultJobs() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	return n
}

func getCurrentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "postgres"
}

func getEnvString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}
