// Copyright (c) 2025 Admon, Inc. All rights reserved.

package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Valid granularity tiers for the -tier filter.
var validTiers = map[string]bool{"monthly": true, "daily": true, "hourly": true}

// Config holds all configuration for the CUR sync pipeline.
type Config struct {
	// Tenant catalog (MySQL)
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	// Optional AWS Secrets Manager secret holding the DB password.
	DBSecret       string
	DBSecretRegion string

	// Object storage
	AWSRegion    string
	TargetBucket string
	BackupBucket string
	// Optional IAM role name assumed in each payer account for source
	// access. Empty uses the catalog keys directly.
	AssumeRole string

	// Conversion
	WorkDir      string
	SchemaFile   string // empty: built-in canonical schema
	DatasetLabel string // second structural partition level
	BatchSize    int    // rows per conversion batch

	// Discovery filters
	PayerID         string
	Tier            string // monthly|daily|hourly, empty: all
	PathFilter      string // BILLING_PERIOD=YYYY-MM
	FullSync        bool
	SyncWindowHours int

	// Scheduling & retention
	MaxParallelAccounts int
	PublishRetries      int
	RetentionDays       int
	RunTimeoutMinutes   int

	// Notification
	SlackWebhookURL string

	// Output control
	LogDir    string
	LogStdout bool
	Debug     bool
	Quiet     bool
}

// LoadConfig loads configuration from CLI args, environment variables, and a
// YAML file. Priority: CLI flags > environment variables > YAML file > defaults.
func LoadConfig(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("cursync", flag.ContinueOnError)

	// Flags with a documented default are registered with their zero value;
	// a flag left unset must not override the YAML or environment layers.
	// applyDefaults fills in whatever is still unset afterwards.
	dbHost := fs.String("db-host", "", "Catalog MySQL host")
	dbPort := fs.Int("db-port", 0, "Catalog MySQL port (default: 3306)")
	dbUser := fs.String("db-user", "", "Catalog MySQL username")
	dbPassword := fs.String("db-password", "", "Catalog MySQL password")
	dbAuth := fs.String("db-auth", "", "Catalog auth file path (JSON with user and password)")
	dbName := fs.String("db-name", "", "Catalog database name (default: admindb)")
	dbSecret := fs.String("db-secret", "", "AWS Secrets Manager secret holding the catalog password")
	dbSecretRegion := fs.String("db-secret-region", "", "AWS region for Secrets Manager")

	awsRegion := fs.String("aws-region", "", "AWS region for target and backup buckets")
	targetBucket := fs.String("target-bucket", "", "Target bucket for converted parquet files")
	backupBucket := fs.String("backup-bucket", "", "Backup bucket for original export objects")
	assumeRole := fs.String("assume-role", "", "IAM role name to assume in each payer account")

	workDir := fs.String("work-dir", "", "Local working directory (default: /var/tmp/cursync)")
	schemaFile := fs.String("schema-file", "", "Canonical schema registry file (YAML); empty uses built-in schema")
	datasetLabel := fs.String("dataset", "", "Dataset label used as a structural partition level (default: cur2)")
	batchSize := fs.Int("batch-size", 0, "Rows per conversion batch (default: 5000)")

	payer := fs.String("payer", "", "Only process this payer account ID")
	tier := fs.String("tier", "", "Only process this granularity (monthly/daily/hourly)")
	pathFilter := fs.String("path", "", "Only process this partition, e.g. BILLING_PERIOD=2024-01")
	full := fs.Bool("full", false, "Full sync, ignore the discovery watermark")
	hours := fs.Int("hour", 0, "Sync objects modified within the last N hours (default: 24)")

	maxParallel := fs.Int("max-parallel-accounts", 0, "Max accounts processed in parallel (default: 4)")
	publishRetries := fs.Int("publish-retries", 0, "Max publish attempts per object (default: 3)")
	retentionDays := fs.Int("retention-days", 0, "Local artifact retention in days (default: 90)")
	runTimeout := fs.Int("run-timeout", 0, "Run timeout in minutes (0: no timeout)")

	slackWebhook := fs.String("slack-webhook", "", "Slack incoming webhook URL for the run summary")

	logDir := fs.String("log-dir", "", "Log directory (default: /tmp)")
	logStdout := fs.Bool("log-stdout", false, "Log to stdout instead of a file")
	debug := fs.Bool("debug", false, "Enable debug logging")
	quiet := fs.Bool("quiet", false, "Suppress the console summary")

	configFile := fs.String("config-file", "cursync-config.yaml", "Config file path (default: cursync-config.yaml)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *full && *hours > 0 {
		return nil, fmt.Errorf("-full and -hour cannot be used together")
	}

	// Load from YAML file if it exists
	if *configFile != "" {
		if err := loadFromYAML(cfg, *configFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with environment variables
	loadFromEnv(cfg)

	// Override with CLI flags (highest priority)
	if *dbHost != "" {
		cfg.DBHost = *dbHost
	}
	if *dbPort > 0 {
		cfg.DBPort = *dbPort
	}
	if *dbUser != "" {
		cfg.DBUser = *dbUser
	}
	if *dbPassword != "" {
		cfg.DBPassword = *dbPassword
	}
	if *dbAuth != "" {
		if err := cfg.ReadDBAuth(*dbAuth); err != nil {
			return nil, fmt.Errorf("failed to read DB auth file: %w", err)
		}
	}
	if *dbName != "" {
		cfg.DBName = *dbName
	}
	if *dbSecret != "" {
		cfg.DBSecret = *dbSecret
	}
	if *dbSecretRegion != "" {
		cfg.DBSecretRegion = *dbSecretRegion
	}
	if *awsRegion != "" {
		cfg.AWSRegion = *awsRegion
	}
	if *targetBucket != "" {
		cfg.TargetBucket = *targetBucket
	}
	if *backupBucket != "" {
		cfg.BackupBucket = *backupBucket
	}
	if *assumeRole != "" {
		cfg.AssumeRole = *assumeRole
	}
	if *workDir != "" {
		cfg.WorkDir = *workDir
	}
	if *schemaFile != "" {
		cfg.SchemaFile = *schemaFile
	}
	if *datasetLabel != "" {
		cfg.DatasetLabel = *datasetLabel
	}
	if *batchSize > 0 {
		cfg.BatchSize = *batchSize
	}
	if *payer != "" {
		cfg.PayerID = *payer
	}
	if *tier != "" {
		cfg.Tier = *tier
	}
	if *pathFilter != "" {
		cfg.PathFilter = *pathFilter
	}
	if *full {
		cfg.FullSync = true
	}
	if *hours > 0 {
		cfg.SyncWindowHours = *hours
	}
	if *maxParallel > 0 {
		cfg.MaxParallelAccounts = *maxParallel
	}
	if *publishRetries > 0 {
		cfg.PublishRetries = *publishRetries
	}
	if *retentionDays > 0 {
		cfg.RetentionDays = *retentionDays
	}
	if *runTimeout > 0 {
		cfg.RunTimeoutMinutes = *runTimeout
	}
	if *slackWebhook != "" {
		cfg.SlackWebhookURL = *slackWebhook
	}
	if *logDir != "" {
		cfg.LogDir = *logDir
	}
	if *logStdout {
		cfg.LogStdout = true
	}
	if *debug {
		cfg.Debug = true
	}
	if *quiet {
		cfg.Quiet = true
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DBPort == 0 {
		c.DBPort = 3306
	}
	if c.DBName == "" {
		c.DBName = "admindb"
	}
	if c.WorkDir == "" {
		c.WorkDir = "/var/tmp/cursync"
	}
	if c.DatasetLabel == "" {
		c.DatasetLabel = "cur2"
	}
	if c.BatchSize == 0 {
		c.BatchSize = 5000
	}
	if c.SyncWindowHours == 0 {
		c.SyncWindowHours = 24
	}
	if c.MaxParallelAccounts == 0 {
		c.MaxParallelAccounts = 4
	}
	if c.PublishRetries == 0 {
		c.PublishRetries = 3
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 90
	}
	if c.LogDir == "" {
		c.LogDir = "/tmp"
	}
}

// Validate checks required fields and filter formats.
func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("db-host is required")
	}
	if c.AWSRegion == "" {
		return fmt.Errorf("aws-region is required")
	}
	if c.TargetBucket == "" {
		return fmt.Errorf("target-bucket is required")
	}
	if c.BackupBucket == "" {
		return fmt.Errorf("backup-bucket is required")
	}
	if c.Tier != "" && !validTiers[c.Tier] {
		return fmt.Errorf("tier must be monthly, daily or hourly, got %q", c.Tier)
	}
	if c.PathFilter != "" && !strings.HasPrefix(c.PathFilter, "BILLING_PERIOD=") {
		return fmt.Errorf("path filter must start with 'BILLING_PERIOD=', got %q", c.PathFilter)
	}
	return nil
}

// loadFromYAML loads configuration from a YAML file.
func loadFromYAML(cfg *Config, filepath string) error {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return err
	}

	var yamlCfg struct {
		DBHost              string `yaml:"db_host"`
		DBPort              int    `yaml:"db_port"`
		DBUser              string `yaml:"db_user"`
		DBPassword          string `yaml:"db_password"`
		DBName              string `yaml:"db_name"`
		DBSecret            string `yaml:"db_secret"`
		DBSecretRegion      string `yaml:"db_secret_region"`
		AWSRegion           string `yaml:"aws_region"`
		TargetBucket        string `yaml:"target_bucket"`
		BackupBucket        string `yaml:"backup_bucket"`
		AssumeRole          string `yaml:"assume_role"`
		WorkDir             string `yaml:"work_dir"`
		SchemaFile          string `yaml:"schema_file"`
		DatasetLabel        string `yaml:"dataset"`
		BatchSize           int    `yaml:"batch_size"`
		SyncWindowHours     int    `yaml:"sync_window_hours"`
		MaxParallelAccounts int    `yaml:"max_parallel_accounts"`
		PublishRetries      int    `yaml:"publish_retries"`
		RetentionDays       int    `yaml:"retention_days"`
		RunTimeoutMinutes   int    `yaml:"run_timeout_minutes"`
		SlackWebhookURL     string `yaml:"slack_webhook_url"`
		LogDir              string `yaml:"log_dir"`
	}

	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return err
	}

	if yamlCfg.DBHost != "" {
		cfg.DBHost = yamlCfg.DBHost
	}
	if yamlCfg.DBPort > 0 {
		cfg.DBPort = yamlCfg.DBPort
	}
	if yamlCfg.DBUser != "" {
		cfg.DBUser = yamlCfg.DBUser
	}
	if yamlCfg.DBPassword != "" {
		cfg.DBPassword = yamlCfg.DBPassword
	}
	if yamlCfg.DBName != "" {
		cfg.DBName = yamlCfg.DBName
	}
	if yamlCfg.DBSecret != "" {
		cfg.DBSecret = yamlCfg.DBSecret
	}
	if yamlCfg.DBSecretRegion != "" {
		cfg.DBSecretRegion = yamlCfg.DBSecretRegion
	}
	if yamlCfg.AWSRegion != "" {
		cfg.AWSRegion = yamlCfg.AWSRegion
	}
	if yamlCfg.TargetBucket != "" {
		cfg.TargetBucket = yamlCfg.TargetBucket
	}
	if yamlCfg.BackupBucket != "" {
		cfg.BackupBucket = yamlCfg.BackupBucket
	}
	if yamlCfg.AssumeRole != "" {
		cfg.AssumeRole = yamlCfg.AssumeRole
	}
	if yamlCfg.WorkDir != "" {
		cfg.WorkDir = yamlCfg.WorkDir
	}
	if yamlCfg.SchemaFile != "" {
		cfg.SchemaFile = yamlCfg.SchemaFile
	}
	if yamlCfg.DatasetLabel != "" {
		cfg.DatasetLabel = yamlCfg.DatasetLabel
	}
	if yamlCfg.BatchSize > 0 {
		cfg.BatchSize = yamlCfg.BatchSize
	}
	if yamlCfg.SyncWindowHours > 0 {
		cfg.SyncWindowHours = yamlCfg.SyncWindowHours
	}
	if yamlCfg.MaxParallelAccounts > 0 {
		cfg.MaxParallelAccounts = yamlCfg.MaxParallelAccounts
	}
	if yamlCfg.PublishRetries > 0 {
		cfg.PublishRetries = yamlCfg.PublishRetries
	}
	if yamlCfg.RetentionDays > 0 {
		cfg.RetentionDays = yamlCfg.RetentionDays
	}
	if yamlCfg.RunTimeoutMinutes > 0 {
		cfg.RunTimeoutMinutes = yamlCfg.RunTimeoutMinutes
	}
	if yamlCfg.SlackWebhookURL != "" {
		cfg.SlackWebhookURL = yamlCfg.SlackWebhookURL
	}
	if yamlCfg.LogDir != "" {
		cfg.LogDir = yamlCfg.LogDir
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
func loadFromEnv(cfg *Config) {
	if val := os.Getenv("CUR_SYNC_DB_HOST"); val != "" {
		cfg.DBHost = val
	}
	if val := os.Getenv("CUR_SYNC_DB_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.DBPort = port
		}
	}
	if val := os.Getenv("CUR_SYNC_DB_USER"); val != "" {
		cfg.DBUser = val
	}
	if val := os.Getenv("CUR_SYNC_DB_PASSWORD"); val != "" {
		cfg.DBPassword = val
	}
	if val := os.Getenv("CUR_SYNC_DB_NAME"); val != "" {
		cfg.DBName = val
	}
	if val := os.Getenv("CUR_SYNC_DB_SECRET"); val != "" {
		cfg.DBSecret = val
	}
	if val := os.Getenv("CUR_SYNC_DB_SECRET_REGION"); val != "" {
		cfg.DBSecretRegion = val
	}
	if val := os.Getenv("CUR_SYNC_AWS_REGION"); val != "" {
		cfg.AWSRegion = val
	}
	if val := os.Getenv("CUR_SYNC_TARGET_BUCKET"); val != "" {
		cfg.TargetBucket = val
	}
	if val := os.Getenv("CUR_SYNC_BACKUP_BUCKET"); val != "" {
		cfg.BackupBucket = val
	}
	if val := os.Getenv("CUR_SYNC_ASSUME_ROLE"); val != "" {
		cfg.AssumeRole = val
	}
	if val := os.Getenv("CUR_SYNC_WORK_DIR"); val != "" {
		cfg.WorkDir = val
	}
	if val := os.Getenv("CUR_SYNC_SCHEMA_FILE"); val != "" {
		cfg.SchemaFile = val
	}
	if val := os.Getenv("CUR_SYNC_DATASET"); val != "" {
		cfg.DatasetLabel = val
	}
	if val := os.Getenv("CUR_SYNC_BATCH_SIZE"); val != "" {
		if batch, err := strconv.Atoi(val); err == nil {
			cfg.BatchSize = batch
		}
	}
	if val := os.Getenv("CUR_SYNC_SYNC_WINDOW_HOURS"); val != "" {
		if hours, err := strconv.Atoi(val); err == nil {
			cfg.SyncWindowHours = hours
		}
	}
	if val := os.Getenv("CUR_SYNC_MAX_PARALLEL_ACCOUNTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.MaxParallelAccounts = n
		}
	}
	if val := os.Getenv("CUR_SYNC_PUBLISH_RETRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.PublishRetries = n
		}
	}
	if val := os.Getenv("CUR_SYNC_RETENTION_DAYS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.RetentionDays = n
		}
	}
	if val := os.Getenv("CUR_SYNC_RUN_TIMEOUT_MINUTES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.RunTimeoutMinutes = n
		}
	}
	if val := os.Getenv("CUR_SYNC_SLACK_WEBHOOK_URL"); val != "" {
		cfg.SlackWebhookURL = val
	}
	if val := os.Getenv("CUR_SYNC_LOG_DIR"); val != "" {
		cfg.LogDir = val
	}
}

// GetCatalogDSN returns the tenant catalog connection string.
func (c *Config) GetCatalogDSN() string {
	host := c.DBHost
	if c.DBPort > 0 && c.DBPort != 3306 {
		host = fmt.Sprintf("%s:%d", c.DBHost, c.DBPort)
	}

	dsn := fmt.Sprintf("tcp(%s)/%s?parseTime=true", host, c.DBName)
	if c.DBUser != "" {
		if c.DBPassword != "" {
			dsn = fmt.Sprintf("%s:%s@%s", c.DBUser, c.DBPassword, dsn)
		} else {
			dsn = fmt.Sprintf("%s@%s", c.DBUser, dsn)
		}
	}
	return dsn
}

// ReadDBAuth reads catalog credentials from an auth file (JSON format).
func (c *Config) ReadDBAuth(authFile string) error {
	if authFile == "" {
		return nil
	}

	data, err := os.ReadFile(authFile)
	if err != nil {
		return fmt.Errorf("failed to read auth file: %w", err)
	}

	var auth struct {
		User     string `json:"user"`
		Password string `json:"password"`
	}

	if err := json.Unmarshal(data, &auth); err != nil {
		return fmt.Errorf("failed to parse auth file: %w", err)
	}

	c.DBUser = auth.User
	c.DBPassword = auth.Password
	return nil
}
