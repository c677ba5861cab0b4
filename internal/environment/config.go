package environment

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// EnvConfig holds everything the worker reads from the process environment.
// Competitions and traces live in the TOML config instead; the environment
// carries endpoints and machine-local paths only.
type EnvConfig struct {
	RedisURL string

	// QueueDriver selects the task intake transport: "nats" or "sqs".
	QueueDriver string
	NatsURL     string
	NatsSubject string
	SqsQueueURL string
	AwsRegion   string

	// CompetitionConfig is the path to the TOML competition file.
	CompetitionConfig string

	// UserDataDir is the root under which per-upload task directories live.
	UserDataDir string

	WorkerCount int
}

// ReadEnvConfig loads .env (when present) and reads the worker settings.
func ReadEnvConfig() (*EnvConfig, error) {
	// A missing .env is fine in production where the environment is real.
	_ = godotenv.Load()

	cfg := &EnvConfig{
		RedisURL:          os.Getenv("REDIS_URL"),
		QueueDriver:       os.Getenv("QUEUE_DRIVER"),
		NatsURL:           os.Getenv("NATS_URL"),
		NatsSubject:       os.Getenv("NATS_SUBJECT"),
		SqsQueueURL:       os.Getenv("SQS_QUEUE_URL"),
		AwsRegion:         os.Getenv("AWS_REGION"),
		CompetitionConfig: os.Getenv("COMPETITION_CONFIG"),
		UserDataDir:       os.Getenv("USER_DATA_DIR"),
		WorkerCount:       4,
	}

	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is not set")
	}
	if cfg.CompetitionConfig == "" {
		return nil, fmt.Errorf("COMPETITION_CONFIG is not set")
	}
	if cfg.UserDataDir == "" {
		return nil, fmt.Errorf("USER_DATA_DIR is not set")
	}
	if cfg.QueueDriver == "" {
		cfg.QueueDriver = "nats"
	}
	switch cfg.QueueDriver {
	case "nats":
		if cfg.NatsURL == "" {
			return nil, fmt.Errorf("QUEUE_DRIVER=nats but NATS_URL is not set")
		}
		if cfg.NatsSubject == "" {
			cfg.NatsSubject = "cceval.tasks"
		}
	case "sqs":
		if cfg.SqsQueueURL == "" {
			return nil, fmt.Errorf("QUEUE_DRIVER=sqs but SQS_QUEUE_URL is not set")
		}
	default:
		return nil, fmt.Errorf("unknown QUEUE_DRIVER %q", cfg.QueueDriver)
	}

	if v := os.Getenv("WORKER_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid WORKER_COUNT %q", v)
		}
		cfg.WorkerCount = n
	}

	return cfg, nil
}
