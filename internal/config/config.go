package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	BigMailer BigMailerConfig `yaml:"bigmailer"`
	Sheets    SheetsConfig    `yaml:"sheets"`
	Lists     []ListEntry     `yaml:"lists"`
	Redis     RedisConfig     `yaml:"redis"`
	Archive   ArchiveConfig   `yaml:"archive"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// BigMailerConfig holds BigMailer API configuration
type BigMailerConfig struct {
	APIKey         string `yaml:"api_key"`
	BrandID        string `yaml:"brand_id"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
	ValidateEmails bool   `yaml:"validate_emails"`
}

// Timeout returns the configured timeout as a duration
func (c BigMailerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SheetsConfig holds contact sheet storage configuration. Type picks
// the backend: "google" (live spreadsheet), "postgres", or "local"
// (CSV files; the default when empty).
type SheetsConfig struct {
	Type            string `yaml:"type"`
	SpreadsheetID   string `yaml:"spreadsheet_id"`
	CredentialsJSON string `yaml:"credentials_json"`
	CredentialsFile string `yaml:"credentials_file"`
	RangeColumns    string `yaml:"range_columns"`
	DatabaseURL     string `yaml:"database_url"`
	LocalPath       string `yaml:"local_path"`
	SourceTable     string `yaml:"source_table"`
	ProcessedTable  string `yaml:"processed_table"`
}

// SpreadsheetURL returns a browser link to the configured spreadsheet,
// or "" when no spreadsheet is configured.
func (c SheetsConfig) SpreadsheetURL() string {
	if c.SpreadsheetID == "" {
		return ""
	}
	return fmt.Sprintf("https://docs.google.com/spreadsheets/d/%s/edit", c.SpreadsheetID)
}

// ListEntry maps a human list name to a BigMailer list ID. Order in
// the registry is the default allocation priority order.
type ListEntry struct {
	Name string `yaml:"name"`
	ID   string `yaml:"id"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	URL string `yaml:"url"`
}

// ArchiveConfig holds S3 run-archive configuration
type ArchiveConfig struct {
	Enabled    bool   `yaml:"enabled"`
	S3Bucket   string `yaml:"s3_bucket"`
	S3Region   string `yaml:"s3_region"`
	AWSProfile string `yaml:"aws_profile"` // Empty string uses default credential chain (IAM role on ECS)
}

// GetAWSProfile returns the AWS profile, with environment variable override
func (c ArchiveConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return "" // Use default credential chain (IAM role)
		}
		return envProfile
	}
	// On ECS/Lambda, don't use a profile - use IAM role
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "" // Running on ECS or Lambda, use IAM role
	}
	return c.AWSProfile
}

// ListID resolves a registry name to its BigMailer list ID.
func (c *Config) ListID(name string) (string, bool) {
	for _, e := range c.Lists {
		if strings.EqualFold(e.Name, name) {
			return e.ID, true
		}
	}
	return "", false
}

// registryNames is the allocation priority order the registry fills
// from environment variables.
var registryNames = []string{"MAIN", "WARMING1", "WARMING2", "WARMING3", "WARMING4", "WARMING5"}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.BigMailer.BaseURL == "" {
		cfg.BigMailer.BaseURL = "https://api.bigmailer.io/v1"
	}
	if cfg.BigMailer.TimeoutSeconds == 0 {
		cfg.BigMailer.TimeoutSeconds = 30
	}
	if cfg.Sheets.RangeColumns == "" {
		cfg.Sheets.RangeColumns = "A:F"
	}
	if cfg.Sheets.SourceTable == "" {
		cfg.Sheets.SourceTable = "ContactsToAdd"
	}
	if cfg.Sheets.ProcessedTable == "" {
		cfg.Sheets.ProcessedTable = "ProcessedContacts"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
// A missing config file is not an error; defaults plus environment
// variables are enough to run.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg = &Config{}
		applyDefaults(cfg)
	}

	// Override with environment variables if present
	if apiKey := os.Getenv("BIGMAILER_API_KEY"); apiKey != "" {
		cfg.BigMailer.APIKey = apiKey
	}
	if brandID := os.Getenv("BIGMAILER_BRAND_ID"); brandID != "" {
		cfg.BigMailer.BrandID = brandID
	}
	if baseURL := os.Getenv("BIGMAILER_BASE_URL"); baseURL != "" {
		cfg.BigMailer.BaseURL = baseURL
	}
	if creds := os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON"); creds != "" {
		cfg.Sheets.CredentialsJSON = creds
	}
	if credsFile := os.Getenv("GOOGLE_SERVICE_ACCOUNT_FILE"); credsFile != "" {
		cfg.Sheets.CredentialsFile = credsFile
	}
	if id := os.Getenv("SPREADSHEET_ID"); id != "" {
		cfg.Sheets.SpreadsheetID = id
		if cfg.Sheets.Type == "" {
			cfg.Sheets.Type = "google"
		}
	}

	// Database override (also serves advisory locking when Redis is absent)
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Sheets.DatabaseURL = dbURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
	}

	// List registry overrides: BIGMAILER_LIST_MAIN, BIGMAILER_LIST_WARMING1, ...
	for _, name := range registryNames {
		id := os.Getenv("BIGMAILER_LIST_" + name)
		if id == "" {
			continue
		}
		upsertList(cfg, name, id)
	}

	// Archive overrides
	if v := os.Getenv("ARCHIVE_S3_BUCKET"); v != "" {
		cfg.Archive.S3Bucket = v
		cfg.Archive.Enabled = true
	}
	if v := os.Getenv("ARCHIVE_S3_REGION"); v != "" {
		cfg.Archive.S3Region = v
	}

	return cfg, nil
}

func upsertList(cfg *Config, name, id string) {
	for i, e := range cfg.Lists {
		if strings.EqualFold(e.Name, name) {
			cfg.Lists[i].ID = id
			return
		}
	}
	cfg.Lists = append(cfg.Lists, ListEntry{Name: name, ID: id})
}
