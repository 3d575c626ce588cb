package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
)

// Store kinds.
const (
	StoreMemory = "memory"
	StoreBolt   = "bolt"
	StoreSQLite = "sqlite"
	StoreNats   = "nats"
)

// Transport kinds.
const (
	TransportNone = "none"
	TransportNats = "nats"
	TransportHTTP = "http"
)

// Settings is the settings provider for the taskflow server.
type Settings struct {
	NatsURL           string        `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	LogLevel          string        `env:"TASKFLOW_LOG_LEVEL" envDefault:"error"`
	Store             string        `env:"TASKFLOW_STORE" envDefault:"memory"`
	StorePath         string        `env:"TASKFLOW_STORE_PATH" envDefault:"taskflow.db"`
	Ephemeral         bool          `env:"TASKFLOW_EPHEMERAL" envDefault:"false"`
	CacheSize         int64         `env:"TASKFLOW_CACHE_SIZE" envDefault:"10000"`
	Transport         string        `env:"TASKFLOW_TRANSPORT" envDefault:"nats"`
	RequestTimeout    time.Duration `env:"TASKFLOW_REQUEST_TIMEOUT" envDefault:"30s"`
	Concurrency       int64         `env:"TASKFLOW_CONCURRENCY" envDefault:"64"`
	NotifyBuffer      int           `env:"TASKFLOW_NOTIFY_BUFFER" envDefault:"1024"`
	GrpcPort          int           `env:"TASKFLOW_GRPC_PORT" envDefault:"50000"`
	MetricsPort       int           `env:"TASKFLOW_METRICS_PORT" envDefault:"9090"`
	TelemetryEndpoint string        `env:"TASKFLOW_TELEMETRY"`
	Models            []string      `env:"TASKFLOW_MODELS" envSeparator:","`
	Admins            []string      `env:"TASKFLOW_ADMINS" envSeparator:","`
}

// GetEnvironment pulls the active settings into a settings struct.
func GetEnvironment() (*Settings, error) {
	cfg := &Settings{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment settings: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Settings) validate() error {
	switch s.Store {
	case StoreMemory, StoreBolt, StoreSQLite, StoreNats:
	default:
		return fmt.Errorf("unknown store kind %q", s.Store)
	}
	switch s.Transport {
	case TransportNone, TransportNats, TransportHTTP:
	default:
		return fmt.Errorf("unknown transport kind %q", s.Transport)
	}
	if s.Concurrency < 1 {
		return fmt.Errorf("concurrency must be positive, got %d", s.Concurrency)
	}
	return nil
}

// NeedsNats reports whether the settings require a NATS connection.
func (s *Settings) NeedsNats() bool {
	return s.Store == StoreNats || s.Transport == TransportNats
}
