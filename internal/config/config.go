package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (optional: cross-instance event bridge, rate limiting, idempotency)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Auth
	JWTSecret string

	// Live channel
	HeartbeatInterval time.Duration
	EventBufferSize   int

	// Delivery worker
	WorkerPollInterval time.Duration
	WorkerBatchSize    int
	WorkerConsumers    int
	JobMaxAttempts     int
	JobBackoffBase     time.Duration

	// AWS relay transports
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string

	// SQS job mirror (optional)
	SQSRegion   string
	SQSQueueURL string

	// Webhook relay
	WebhookTimeout int // seconds

	// RelayDryRun swaps every relay transport for a logging sender.
	// Development knob: no AWS credentials needed, nothing leaves the box.
	RelayDryRun bool

	// Rate limit for message posting (per user per minute)
	PostRateLimit int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "pushgate",
		DBPassword: "",
		DBName:     "pushgate",
		DBSSLMode:  "disable",

		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		HeartbeatInterval: 30 * time.Second,
		EventBufferSize:   64,

		WorkerPollInterval: 5 * time.Second,
		WorkerBatchSize:    10,
		WorkerConsumers:    4,
		JobMaxAttempts:     5,
		JobBackoffBase:     30 * time.Second,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@pushgate.local",

		WebhookTimeout: 30,
		PostRateLimit:  60,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.JWTSecret = secret
	}

	if interval := os.Getenv("HEARTBEAT_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid HEARTBEAT_INTERVAL: %w", err)
		}
		cfg.HeartbeatInterval = d
	}

	if size := os.Getenv("EVENT_BUFFER_SIZE"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("invalid EVENT_BUFFER_SIZE: %w", err)
		}
		cfg.EventBufferSize = n
	}

	if interval := os.Getenv("WORKER_POLL_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_POLL_INTERVAL: %w", err)
		}
		cfg.WorkerPollInterval = d
	}

	if size := os.Getenv("WORKER_BATCH_SIZE"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_BATCH_SIZE: %w", err)
		}
		cfg.WorkerBatchSize = n
	}

	if count := os.Getenv("WORKER_CONSUMERS"); count != "" {
		n, err := strconv.Atoi(count)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_CONSUMERS: %w", err)
		}
		cfg.WorkerConsumers = n
	}

	if attempts := os.Getenv("JOB_MAX_ATTEMPTS"); attempts != "" {
		n, err := strconv.Atoi(attempts)
		if err != nil {
			return nil, fmt.Errorf("invalid JOB_MAX_ATTEMPTS: %w", err)
		}
		cfg.JobMaxAttempts = n
	}

	if base := os.Getenv("JOB_BACKOFF_BASE"); base != "" {
		d, err := time.ParseDuration(base)
		if err != nil {
			return nil, fmt.Errorf("invalid JOB_BACKOFF_BASE: %w", err)
		}
		cfg.JobBackoffBase = d
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	// SNS config for SMS
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	if timeout := os.Getenv("WEBHOOK_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_TIMEOUT: %w", err)
		}
		cfg.WebhookTimeout = t
	}

	if dryRun := os.Getenv("RELAY_DRY_RUN"); dryRun != "" {
		b, err := strconv.ParseBool(dryRun)
		if err != nil {
			return nil, fmt.Errorf("invalid RELAY_DRY_RUN: %w", err)
		}
		cfg.RelayDryRun = b
	}

	if limit := os.Getenv("POST_RATE_LIMIT"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid POST_RATE_LIMIT: %w", err)
		}
		cfg.PostRateLimit = n
	}

	return cfg, nil
}
