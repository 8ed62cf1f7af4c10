package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Server configuration
	Port        string `yaml:"port"`
	Environment string `yaml:"environment"`

	// Redis configuration
	RedisURL string `yaml:"redis_url"`

	// PubNub configuration
	PubNubPublishKey   string `yaml:"pubnub_publish_key"`
	PubNubSubscribeKey string `yaml:"pubnub_subscribe_key"`
	PubNubSecretKey    string `yaml:"pubnub_secret_key"`
	PubNubUserID       string `yaml:"pubnub_user_id"`

	// Voucher allocation
	VoucherCodePrefix   string `yaml:"voucher_code_prefix"`
	VoucherCodeLength   int    `yaml:"voucher_code_length"`
	VoucherIssueRetries int    `yaml:"voucher_issue_retries"`
	IssueRateLimit      int    `yaml:"issue_rate_limit"`

	// Edit lease
	LeaseTTL     time.Duration `yaml:"lease_ttl"`
	LeaseRetries int           `yaml:"lease_retries"`

	// Job pipeline
	JobQueueName      string        `yaml:"job_queue_name"`
	JobAttempts       int           `yaml:"job_attempts"`
	JobBackoffType    string        `yaml:"job_backoff_type"`
	JobBackoffDelay   time.Duration `yaml:"job_backoff_delay"`
	JobBackoffFactor  float64       `yaml:"job_backoff_factor"`
	JobBackoffMax     time.Duration `yaml:"job_backoff_max"`
	JobRetention      time.Duration `yaml:"job_retention"`
	JobStalledTimeout time.Duration `yaml:"job_stalled_timeout"`

	// Notification worker
	WorkerConcurrency int           `yaml:"worker_concurrency"`
	WorkerPollTimeout time.Duration `yaml:"worker_poll_timeout"`
	EmailRetries      int           `yaml:"email_retries"`
	EmailRetryDelay   time.Duration `yaml:"email_retry_delay"`

	// Recurring tasks
	LeaseReaperInterval     time.Duration `yaml:"lease_reaper_interval"`
	HealthProbeInterval     time.Duration `yaml:"health_probe_interval"`
	JobCleanupInterval      time.Duration `yaml:"job_cleanup_interval"`
	JobPromoteInterval      time.Duration `yaml:"job_promote_interval"`
	JobStalledCheckInterval time.Duration `yaml:"job_stalled_check_interval"`
	SchedulerDedupe         bool          `yaml:"scheduler_dedupe"`

	// Monitoring
	EnableMetrics bool   `yaml:"enable_metrics"`
	MetricsPort   string `yaml:"metrics_port"`
}

func defaultConfig() *Config {
	return &Config{
		Port:        "8090",
		Environment: "development",

		RedisURL: "localhost:6379",

		PubNubUserID: "voucher-system",

		VoucherCodePrefix:   "VC-",
		VoucherCodeLength:   10,
		VoucherIssueRetries: 5,
		IssueRateLimit:      30,

		LeaseTTL:     5 * time.Minute,
		LeaseRetries: 3,

		JobQueueName:      "notifications",
		JobAttempts:       3,
		JobBackoffType:    "exponential",
		JobBackoffDelay:   2 * time.Second,
		JobBackoffFactor:  2,
		JobBackoffMax:     5 * time.Minute,
		JobRetention:      24 * time.Hour,
		JobStalledTimeout: 5 * time.Minute,

		WorkerConcurrency: 4,
		WorkerPollTimeout: time.Second,
		EmailRetries:      3,
		EmailRetryDelay:   time.Second,

		LeaseReaperInterval:     time.Minute,
		HealthProbeInterval:     time.Minute,
		JobCleanupInterval:      time.Hour,
		JobPromoteInterval:      time.Second,
		JobStalledCheckInterval: 30 * time.Second,
		SchedulerDedupe:         true,

		EnableMetrics: true,
		MetricsPort:   "9090",
	}
}

// LoadConfig builds the configuration from defaults, the optional YAML file
// named by CONFIG_FILE, and finally environment variables.
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() {
	// Server
	c.Port = getEnv("PORT", c.Port)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)

	// Redis
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)

	// PubNub
	c.PubNubPublishKey = getEnv("PUBNUB_PUBLISH_KEY", c.PubNubPublishKey)
	c.PubNubSubscribeKey = getEnv("PUBNUB_SUBSCRIBE_KEY", c.PubNubSubscribeKey)
	c.PubNubSecretKey = getEnv("PUBNUB_SECRET_KEY", c.PubNubSecretKey)
	c.PubNubUserID = getEnv("PUBNUB_USER_ID", c.PubNubUserID)

	// Vouchers
	c.VoucherCodePrefix = getEnv("VOUCHER_CODE_PREFIX", c.VoucherCodePrefix)
	c.VoucherCodeLength = getEnvAsInt("VOUCHER_CODE_LENGTH", c.VoucherCodeLength)
	c.VoucherIssueRetries = getEnvAsInt("VOUCHER_ISSUE_RETRIES", c.VoucherIssueRetries)
	c.IssueRateLimit = getEnvAsInt("ISSUE_RATE_LIMIT", c.IssueRateLimit)

	// Lease
	c.LeaseTTL = getEnvAsDuration("LEASE_TTL", c.LeaseTTL)
	c.LeaseRetries = getEnvAsInt("LEASE_RETRIES", c.LeaseRetries)

	// Jobs
	c.JobQueueName = getEnv("JOB_QUEUE_NAME", c.JobQueueName)
	c.JobAttempts = getEnvAsInt("JOB_ATTEMPTS", c.JobAttempts)
	c.JobBackoffType = getEnv("JOB_BACKOFF_TYPE", c.JobBackoffType)
	c.JobBackoffDelay = getEnvAsDuration("JOB_BACKOFF_DELAY", c.JobBackoffDelay)
	c.JobBackoffFactor = getEnvAsFloat("JOB_BACKOFF_FACTOR", c.JobBackoffFactor)
	c.JobBackoffMax = getEnvAsDuration("JOB_BACKOFF_MAX", c.JobBackoffMax)
	c.JobRetention = getEnvAsDuration("JOB_RETENTION", c.JobRetention)
	c.JobStalledTimeout = getEnvAsDuration("JOB_STALLED_TIMEOUT", c.JobStalledTimeout)

	// Worker
	c.WorkerConcurrency = getEnvAsInt("WORKER_CONCURRENCY", c.WorkerConcurrency)
	c.WorkerPollTimeout = getEnvAsDuration("WORKER_POLL_TIMEOUT", c.WorkerPollTimeout)
	c.EmailRetries = getEnvAsInt("EMAIL_RETRIES", c.EmailRetries)
	c.EmailRetryDelay = getEnvAsDuration("EMAIL_RETRY_DELAY", c.EmailRetryDelay)

	// Recurring tasks
	c.LeaseReaperInterval = getEnvAsDuration("LEASE_REAPER_INTERVAL", c.LeaseReaperInterval)
	c.HealthProbeInterval = getEnvAsDuration("HEALTH_PROBE_INTERVAL", c.HealthProbeInterval)
	c.JobCleanupInterval = getEnvAsDuration("JOB_CLEANUP_INTERVAL", c.JobCleanupInterval)
	c.JobPromoteInterval = getEnvAsDuration("JOB_PROMOTE_INTERVAL", c.JobPromoteInterval)
	c.JobStalledCheckInterval = getEnvAsDuration("JOB_STALLED_CHECK_INTERVAL", c.JobStalledCheckInterval)
	c.SchedulerDedupe = getEnvAsBool("SCHEDULER_DEDUPE", c.SchedulerDedupe)

	// Monitoring
	c.EnableMetrics = getEnvAsBool("ENABLE_METRICS", c.EnableMetrics)
	c.MetricsPort = getEnv("METRICS_PORT", c.MetricsPort)
}

// Validate rejects settings the pipeline and allocator cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.VoucherCodeLength < 6:
		return fmt.Errorf("config: voucher code length must be at least 6, got %d", c.VoucherCodeLength)
	case c.VoucherIssueRetries < 1:
		return fmt.Errorf("config: voucher issue retries must be positive")
	case c.LeaseTTL <= 0:
		return fmt.Errorf("config: lease ttl must be positive")
	case c.JobAttempts < 1:
		return fmt.Errorf("config: job attempts must be positive")
	case c.JobBackoffType != "exponential" && c.JobBackoffType != "fixed":
		return fmt.Errorf("config: unknown job backoff type %q", c.JobBackoffType)
	case c.JobBackoffFactor < 1:
		return fmt.Errorf("config: job backoff factor must be >= 1")
	case c.WorkerConcurrency < 1:
		return fmt.Errorf("config: worker concurrency must be positive")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	return defaultValue
}
