package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type APIConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	DBMaxConns        int32         `envconfig:"DB_POOL_MAX_CONNS" default:"0"`
	DBMinConns        int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBMaxConnLifetime time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"0"`
	DBMaxConnIdleTime time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"0"`

	// SQS event publishing is optional; an empty queue URL disables it.
	AWSRegion     string `envconfig:"AWS_REGION" default:"us-east-1"`
	AWSEndpoint   string `envconfig:"AWS_ENDPOINT"`
	EventQueueURL string `envconfig:"EVENT_QUEUE_URL"`
}

type OrchestratorConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	Port      string `envconfig:"PORT" default:"8081"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	ExecutorBaseURL string        `envconfig:"EXECUTOR_BASE_URL" required:"true"`
	ExecutorAPIKey  string        `envconfig:"EXECUTOR_API_KEY"`
	CallTimeout     time.Duration `envconfig:"CALL_TIMEOUT" default:"90s"`

	ScanInterval  time.Duration `envconfig:"SCAN_INTERVAL" default:"5s"`
	ScanBatchSize int           `envconfig:"SCAN_BATCH_SIZE" default:"20"`
	StaleClaimAge time.Duration `envconfig:"STALE_CLAIM_AGE" default:"10m"`
	ShutdownGrace time.Duration `envconfig:"SHUTDOWN_GRACE" default:"10s"`

	// Cross-campaign cap per owner; 0 disables the secondary bucket.
	OwnerRPS   float64 `envconfig:"OWNER_RPS" default:"0"`
	OwnerBurst int     `envconfig:"OWNER_BURST" default:"5"`

	// Trip after N consecutive executor failures, give up on the campaign
	// once the breaker has been open this long.
	BreakerConsecutiveFailures uint32        `envconfig:"BREAKER_CONSECUTIVE_FAILURES" default:"5"`
	BreakerCooldown            time.Duration `envconfig:"BREAKER_COOLDOWN" default:"20s"`
	BreakerFailCeiling         time.Duration `envconfig:"BREAKER_FAIL_CEILING" default:"5m"`

	AWSRegion     string `envconfig:"AWS_REGION" default:"us-east-1"`
	AWSEndpoint   string `envconfig:"AWS_ENDPOINT"`
	EventQueueURL string `envconfig:"EVENT_QUEUE_URL"`
}

type MockExecutorConfig struct {
	Port        string        `envconfig:"PORT" default:"8090"`
	LogFormat   string        `envconfig:"LOG_FORMAT" default:"text"`
	SuccessRate float64       `envconfig:"MOCK_SUCCESS_RATE" default:"0.9"`
	BusyRate    float64       `envconfig:"MOCK_BUSY_RATE" default:"0.05"`
	InvalidRate float64       `envconfig:"MOCK_INVALID_RATE" default:"0.02"`
	Delay       time.Duration `envconfig:"MOCK_DELAY" default:"100ms"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadOrchestrator() OrchestratorConfig {
	var cfg OrchestratorConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadMockExecutor() MockExecutorConfig {
	var cfg MockExecutorConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
