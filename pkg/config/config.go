package config

import (
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Tracking struct {
	BaseURL string `env:"TRACKING_BASE_URL" envDefault:"http://localhost:8080"`
	Secret  string `env:"TRACKING_SECRET,required,notEmpty"`
}

type APIConfig struct {
	Port     string `env:"PORT" envDefault:"8080"`
	DBDSN    string `env:"DB_DSN,required,notEmpty"`
	RedisURL string `env:"REDIS_URL,required,notEmpty"`
	Tracking
}

type WorkerConfig struct {
	DBDSN           string `env:"DB_DSN,required,notEmpty"`
	RMQURL          string `env:"RMQ_URL"`
	Queue           string `env:"QUEUE" envDefault:"send_jobs"`
	EngagementQueue string `env:"ENGAGEMENT_QUEUE" envDefault:"engagement_signals"`
	RedisURL        string `env:"REDIS_URL,required,notEmpty"`
	// Transport selects the outbound path: "rmq" publishes to Queue, "simulated"
	// delivers in process.
	Transport   string  `env:"TRANSPORT" envDefault:"rmq"`
	FailureRate float64 `env:"SIMULATED_FAILURE_RATE" envDefault:"0.1"`
	MetricsAddr string  `env:"METRICS_ADDR" envDefault:":9101"`

	Workers      int           `env:"WORKERS" envDefault:"8"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	Lookahead    time.Duration `env:"LOOKAHEAD" envDefault:"30s"`
	MaxAttempts  int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	BackoffBase  time.Duration `env:"BACKOFF_BASE" envDefault:"1s"`
	BackoffMax   time.Duration `env:"BACKOFF_MAX" envDefault:"1m"`
	ClaimTimeout time.Duration `env:"CLAIM_TIMEOUT" envDefault:"10m"`
	Tracking
}

var (
	API    APIConfig
	Worker WorkerConfig
)

// Load reads an optional .env file and parses the environment into target.
func Load(target any) error {
	_ = godotenv.Load()
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c WorkerConfig) validate() error {
	switch c.Transport {
	case "rmq":
		if c.RMQURL == "" {
			return fmt.Errorf("RMQ_URL is required for TRANSPORT=rmq")
		}
	case "simulated":
	default:
		return fmt.Errorf("unknown TRANSPORT %q", c.Transport)
	}
	if c.Workers <= 0 || c.MaxAttempts <= 0 {
		return fmt.Errorf("WORKERS and MAX_ATTEMPTS must be positive")
	}
	return nil
}

func MustLoadAPI() {
	if err := Load(&API); err != nil {
		log.Fatalf("config: %v", err)
	}
}

func MustLoadWorker() {
	if err := Load(&Worker); err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := Worker.validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
}
