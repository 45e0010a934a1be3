package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENV" default:"development"`
	Port        string `envconfig:"PORT" default:"8080"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:""`

	// Database
	DBConnectionString string `envconfig:"DB_CONNECTION_STRING" required:"true"`
	DBMaxConns         int32  `envconfig:"DB_MAX_CONNS" default:"25"`

	// Auth
	JWTSecret     string `envconfig:"JWT_SECRET" required:"true"`
	OperatorToken string `envconfig:"OPERATOR_TOKEN" required:"true"`

	// Storage
	StorageBackend    string `envconfig:"STORAGE_BACKEND" default:"local"`
	LocalStoragePath  string `envconfig:"LOCAL_STORAGE_PATH" default:"./storage/images"`
	PublicBaseURL     string `envconfig:"PUBLIC_BASE_URL" default:"http://localhost:8080/v1/images"`
	S3URL             string `envconfig:"S3_URL"`
	S3Bucket          string `envconfig:"S3_BUCKET" default:"pixshift-temp"`
	S3Region          string `envconfig:"S3_REGION" default:"us-east-1"`
	S3AccessKey       string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey       string `envconfig:"S3_SECRET_KEY"`
	SignedURLTTLSec   int    `envconfig:"SIGNED_URL_TTL_SEC" default:"3600"`
	MaxUploadSizeMB   int    `envconfig:"MAX_UPLOAD_SIZE_MB" default:"10"`
	StorageTimeoutSec int    `envconfig:"STORAGE_TIMEOUT_SEC" default:"30"`

	// Ledger and pricing
	FreeTierLimit      int    `envconfig:"FREE_TIER_LIMIT" default:"5"`
	PricingCatalogPath string `envconfig:"PRICING_CATALOG_PATH"`

	// Remote transform service
	TransformBaseURL           string  `envconfig:"TRANSFORM_BASE_URL" required:"true"`
	TransformAPIKey            string  `envconfig:"TRANSFORM_API_KEY"`
	TransformModel             string  `envconfig:"TRANSFORM_MODEL" default:"gemini-2.5-flash-image"`
	TransformSystemPrompt      string  `envconfig:"TRANSFORM_SYSTEM_PROMPT" default:"You are an image transformation assistant. Return only the transformed image."`
	TransformRequestTimeoutSec int     `envconfig:"TRANSFORM_REQUEST_TIMEOUT_SEC" default:"60"`
	TransformMaxAttempts       int     `envconfig:"TRANSFORM_MAX_ATTEMPTS" default:"3"`
	TransformBackoffInitialMs  int     `envconfig:"TRANSFORM_BACKOFF_INITIAL_MS" default:"1000"`
	TransformBackoffMultiplier float64 `envconfig:"TRANSFORM_BACKOFF_MULTIPLIER" default:"2"`
	TransformBackoffMaxMs      int     `envconfig:"TRANSFORM_BACKOFF_MAX_MS" default:"30000"`
	TransformRequestsPerMin    int     `envconfig:"TRANSFORM_REQUESTS_PER_MINUTE" default:"60"`

	// Stripe
	StripeSecretKey     string `envconfig:"STRIPE_SECRET_KEY" required:"true"`
	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET" required:"true"`

	// Queues
	TransformQueueName      string `envconfig:"TRANSFORM_QUEUE_NAME" default:"transform_queue"`
	TransformDeadLetterName string `envconfig:"TRANSFORM_DEAD_LETTER_QUEUE_NAME" default:"transform_queue_dlq"`
	TransformMaxReads       int    `envconfig:"TRANSFORM_MAX_READS" default:"5"`
	PurgeQueueName          string `envconfig:"PURGE_QUEUE_NAME" default:"purge_queue"`
	PurgeDeadLetterName     string `envconfig:"PURGE_DEAD_LETTER_QUEUE_NAME" default:"purge_queue_dlq"`
	PurgeMaxReads           int    `envconfig:"PURGE_MAX_READS" default:"10"`
	QueueVisibilitySec      int    `envconfig:"QUEUE_VISIBILITY_SEC" default:"120"`
	QueuePollTimeoutSec     int    `envconfig:"QUEUE_POLL_TIMEOUT_SEC" default:"30"`
	QueueReadBatch          int    `envconfig:"QUEUE_READ_BATCH" default:"1"`
	TransformWorkers        int    `envconfig:"TRANSFORM_WORKERS" default:"2"`

	// Retention
	RetentionWindowMin int `envconfig:"RETENTION_WINDOW_MIN" default:"5"`
	SweepIntervalMin   int `envconfig:"SWEEP_INTERVAL_MIN" default:"5"`
	SweepBatchSize     int `envconfig:"SWEEP_BATCH_SIZE" default:"100"`
	PurgeGraceDelaySec int `envconfig:"PURGE_GRACE_DELAY_SEC" default:"30"`
	StaleProcessingMin int `envconfig:"STALE_PROCESSING_MIN" default:"15"`
	ReaperIntervalMin  int `envconfig:"REAPER_INTERVAL_MIN" default:"5"`
	SweepLockTTLSec    int `envconfig:"SWEEP_LOCK_TTL_SEC" default:"600"`
	PurgeTimeoutSec    int `envconfig:"PURGE_TIMEOUT_SEC" default:"120"`

	// Optional infrastructure
	RedisURL     string `envconfig:"REDIS_URL"`
	GCPProjectID string `envconfig:"GCP_PROJECT_ID"`
	PubSubTopic  string `envconfig:"PUBSUB_TOPIC"`
	MetricsPort  string `envconfig:"METRICS_PORT" default:"9090"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// RetentionWindow is the age after which image bytes are swept.
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.RetentionWindowMin) * time.Minute
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMin) * time.Minute
}

func (c *Config) PurgeGraceDelay() time.Duration {
	return time.Duration(c.PurgeGraceDelaySec) * time.Second
}

func (c *Config) StaleProcessingAfter() time.Duration {
	return time.Duration(c.StaleProcessingMin) * time.Minute
}

func (c *Config) SignedURLTTL() time.Duration {
	return time.Duration(c.SignedURLTTLSec) * time.Second
}

func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalMin) * time.Minute
}

func (c *Config) SweepLockTTL() time.Duration {
	return time.Duration(c.SweepLockTTLSec) * time.Second
}

// StorageTimeout bounds one object store call.
func (c *Config) StorageTimeout() time.Duration {
	return time.Duration(c.StorageTimeoutSec) * time.Second
}

// PurgeTimeout bounds the purge of one record, across all its storage deletes.
func (c *Config) PurgeTimeout() time.Duration {
	return time.Duration(c.PurgeTimeoutSec) * time.Second
}

// QueueVisibility is how long a read message stays hidden before it is redelivered.
func (c *Config) QueueVisibility() time.Duration {
	return time.Duration(c.QueueVisibilitySec) * time.Second
}

func (c *Config) QueuePollTimeout() time.Duration {
	return time.Duration(c.QueuePollTimeoutSec) * time.Second
}

// MaxUploadSize is the upload limit in bytes.
func (c *Config) MaxUploadSize() int64 {
	return int64(c.MaxUploadSizeMB) << 20
}
