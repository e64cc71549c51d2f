// Package config loads this module's runtime configuration: TOML file
// first, environment variables override, grounded directly in the
// teacher's internal/config/config.go (env-var struct with defaults) and
// internal/config/loader.go (BurntSushi/toml file loading merged over env
// defaults).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds this module's runtime options, one group per subsystem.
type Config struct {
	HTTP       HTTPConfig
	IdGen      IdGenConfig
	Transport  TransportConfig
	Inbox      InboxConfig
	Outbox     OutboxConfig
	Retry      RetryConfig
	CircuitBreaker CircuitBreakerConfig
	Batch      BatchConfig
	Recovery   RecoveryConfig
	Lifecycle  LifecycleConfig
	MongoDB    MongoDBConfig
	Redis      RedisConfig
	DevMode    bool
}

type HTTPConfig struct {
	Port        int
	CORSOrigins []string
}

// IdGenConfig selects a idgen.Layout preset and optional explicit
// worker id, per spec.md §6's idgen options.
type IdGenConfig struct {
	Layout   string // "twitter2010", "discord2015", "y2020", "wideworker", "longlifespan"
	WorkerId int64  // -1 means auto-detect
}

type TransportConfig struct {
	Type string // "memory", "nats", "sqs"
	NATS NATSConfig
	SQS  SQSConfig
}

type NATSConfig struct {
	URL            string
	StreamName     string
	SubjectPrefix  string
	ConsumeWorkers int
}

type SQSConfig struct {
	QueueURL          string
	Region            string
	WaitTimeSeconds   int32
	VisibilityTimeout int32
	MaxMessages       int32
	RateLimitPerSec   float64
}

type InboxConfig struct {
	TTL time.Duration
}

type OutboxConfig struct {
	ScanInterval                   time.Duration
	BatchSize                      int
	ErrorDelay                     time.Duration
	CompleteCurrentBatchOnShutdown bool
	StuckThreshold                 time.Duration
	RetentionPeriod                time.Duration
}

type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

type CircuitBreakerConfig struct {
	Enabled      bool
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

type BatchConfig struct {
	MaxBatchSize   int
	WindowDuration time.Duration
	JitterPct      float64
	MaxQueueLength int
	FlushDegree    int
	ShardIdleTtl   time.Duration
	MaxShards      int
}

type RecoveryConfig struct {
	PollInterval time.Duration
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	// UseExponentialBackoff selects the supervisor's retry delay curve:
	// doubling per attempt when true, a fixed BackoffBase delay when false.
	UseExponentialBackoff bool
	// EnableAutoRecovery controls whether an unhealthy component actually
	// gets its Recover() called; when false the supervisor still polls and
	// reports state, but never attempts recovery.
	EnableAutoRecovery bool
}

type LifecycleConfig struct {
	ShutdownTimeout time.Duration
	HookTimeout     time.Duration
	// EnableTransportHosting, EnableOutboxProcessor, and EnableAutoRecovery
	// gate whether main wires the transport's shutdown hooks, the outbox
	// processor, and the recovery supervisor at all (spec.md §6). Unlike
	// Recovery.EnableAutoRecovery, which tunes the supervisor's own
	// behavior once running, this flag decides whether the supervisor
	// starts in the first place.
	EnableTransportHosting bool
	EnableOutboxProcessor  bool
	EnableAutoRecovery     bool
}

type MongoDBConfig struct {
	URI      string
	Database string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Load builds a Config from environment variables with spec-compliant
// defaults, mirroring internal/config/config.go's Load.
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        getEnvInt("HTTP_PORT", 8080),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"http://localhost:3000"}),
		},
		IdGen: IdGenConfig{
			Layout:   getEnv("IDGEN_LAYOUT", "twitter2010"),
			WorkerId: int64(getEnvInt("IDGEN_WORKER_ID", -1)),
		},
		Transport: TransportConfig{
			Type: getEnv("TRANSPORT_TYPE", "memory"),
			NATS: NATSConfig{
				URL:            getEnv("NATS_URL", "nats://localhost:4222"),
				StreamName:     getEnv("NATS_STREAM_NAME", "FLOWMEDIATOR"),
				SubjectPrefix:  getEnv("NATS_SUBJECT_PREFIX", "flowmediator"),
				ConsumeWorkers: getEnvInt("NATS_CONSUME_WORKERS", 4),
			},
			SQS: SQSConfig{
				QueueURL:          getEnv("SQS_QUEUE_URL", ""),
				Region:            getEnv("AWS_REGION", "us-east-1"),
				WaitTimeSeconds:   int32(getEnvInt("SQS_WAIT_TIME_SECONDS", 20)),
				VisibilityTimeout: int32(getEnvInt("SQS_VISIBILITY_TIMEOUT", 120)),
				MaxMessages:       int32(getEnvInt("SQS_MAX_MESSAGES", 10)),
				RateLimitPerSec:   getEnvFloat("SQS_RATE_LIMIT_PER_SEC", 50),
			},
		},
		Inbox: InboxConfig{
			TTL: getEnvDuration("INBOX_TTL", 24*time.Hour),
		},
		Outbox: OutboxConfig{
			ScanInterval:                   getEnvDuration("OUTBOX_SCAN_INTERVAL", 1*time.Second),
			BatchSize:                      getEnvInt("OUTBOX_BATCH_SIZE", 100),
			ErrorDelay:                     getEnvDuration("OUTBOX_ERROR_DELAY", 5*time.Second),
			CompleteCurrentBatchOnShutdown: getEnvBool("OUTBOX_COMPLETE_BATCH_ON_SHUTDOWN", true),
			StuckThreshold:                 getEnvDuration("OUTBOX_STUCK_THRESHOLD", 5*time.Minute),
			RetentionPeriod:                getEnvDuration("OUTBOX_RETENTION_PERIOD", 7*24*time.Hour),
		},
		Retry: RetryConfig{
			MaxAttempts:  getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			InitialDelay: getEnvDuration("RETRY_INITIAL_DELAY", 100*time.Millisecond),
			MaxDelay:     getEnvDuration("RETRY_MAX_DELAY", 10*time.Second),
			Multiplier:   getEnvFloat("RETRY_MULTIPLIER", 2.0),
			Jitter:       getEnvFloat("RETRY_JITTER", 0.2),
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:      getEnvBool("CIRCUIT_BREAKER_ENABLED", true),
			MaxRequests:  uint32(getEnvInt("CIRCUIT_BREAKER_MAX_REQUESTS", 1)),
			Interval:     getEnvDuration("CIRCUIT_BREAKER_INTERVAL", 60*time.Second),
			Timeout:      getEnvDuration("CIRCUIT_BREAKER_TIMEOUT", 30*time.Second),
			FailureRatio: getEnvFloat("CIRCUIT_BREAKER_FAILURE_RATIO", 0.6),
			MinRequests:  uint32(getEnvInt("CIRCUIT_BREAKER_MIN_REQUESTS", 10)),
		},
		Batch: BatchConfig{
			MaxBatchSize:   getEnvInt("BATCH_MAX_SIZE", 50),
			WindowDuration: getEnvDuration("BATCH_WINDOW_DURATION", 50*time.Millisecond),
			JitterPct:      getEnvFloat("BATCH_JITTER_PCT", 0.1),
			MaxQueueLength: getEnvInt("BATCH_MAX_QUEUE_LENGTH", 1000),
			FlushDegree:    getEnvInt("BATCH_FLUSH_DEGREE", 1),
			ShardIdleTtl:   getEnvDuration("BATCH_SHARD_IDLE_TTL", 5*time.Minute),
			MaxShards:      getEnvInt("BATCH_MAX_SHARDS", 10000),
		},
		Recovery: RecoveryConfig{
			PollInterval:          getEnvDuration("RECOVERY_POLL_INTERVAL", 5*time.Second),
			MaxRetries:            getEnvInt("RECOVERY_MAX_RETRIES", 5),
			BackoffBase:           getEnvDuration("RECOVERY_BACKOFF_BASE", 500*time.Millisecond),
			BackoffMax:            getEnvDuration("RECOVERY_BACKOFF_MAX", 30*time.Second),
			UseExponentialBackoff: getEnvBool("RECOVERY_USE_EXPONENTIAL_BACKOFF", true),
			EnableAutoRecovery:    getEnvBool("RECOVERY_ENABLE_AUTO_RECOVERY", true),
		},
		Lifecycle: LifecycleConfig{
			ShutdownTimeout:        getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
			HookTimeout:            getEnvDuration("SHUTDOWN_HOOK_TIMEOUT", 10*time.Second),
			EnableTransportHosting: getEnvBool("LIFECYCLE_ENABLE_TRANSPORT_HOSTING", true),
			EnableOutboxProcessor:  getEnvBool("LIFECYCLE_ENABLE_OUTBOX_PROCESSOR", true),
			EnableAutoRecovery:     getEnvBool("LIFECYCLE_ENABLE_AUTO_RECOVERY", true),
		},
		MongoDB: MongoDBConfig{
			URI:      getEnv("MONGODB_URI", "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true"),
			Database: getEnv("MONGODB_DATABASE", "flowmediator"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Prefix:   getEnv("REDIS_PREFIX", "flowmediator:inbox:"),
		},
		DevMode: getEnvBool("FLOWMEDIATOR_DEV", false),
	}
	return cfg, nil
}

// ConfigPaths lists the paths searched for a config file, in order.
var ConfigPaths = []string{
	"config.toml",
	"flowmediator.toml",
	"./config/config.toml",
	"/etc/flowmediator/config.toml",
}

// LoadWithFile loads env-var defaults, then overlays a TOML file if one is
// found via FLOWMEDIATOR_CONFIG or ConfigPaths, mirroring
// internal/config/loader.go's LoadWithFile merge order (file as base, env
// wins). A FLOWMEDIATOR_CONFIG path that does not exist is treated as no
// file. Values the file sets replace the env-derived ones, except in the
// groups mergeOverEnv checks, where an explicitly set env var wins.
func LoadWithFile() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	path := os.Getenv("FLOWMEDIATOR_CONFIG")
	if path != "" {
		if _, statErr := os.Stat(path); statErr != nil {
			path = ""
		}
	} else {
		for _, p := range ConfigPaths {
			if _, statErr := os.Stat(p); statErr == nil {
				path = p
				break
			}
		}
	}
	if path == "" {
		return cfg, nil
	}

	fileCfg := *cfg
	if _, err := toml.DecodeFile(path, &fileCfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return mergeOverEnv(envSet(), &fileCfg, cfg), nil
}

// envSet reports which env vars were explicitly set, so LoadWithFile can
// tell "env default" from "operator override" when merging against file
// values.
func envSet() map[string]bool {
	seen := make(map[string]bool)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			seen[kv[:i]] = true
		}
	}
	return seen
}

// mergeOverEnv returns fileCfg as the base, with whole groups replaced from
// envCfg when that group's env var was explicitly set. Since Config has no
// per-field provenance, the merge is coarse: HTTP.Port vs HTTP_PORT and so
// on are resolved one group at a time using the presence of that group's
// primary env var as a proxy for "this whole group was
// operator-overridden". Only the HTTP, IdGen, Transport, MongoDB, Redis and
// DevMode groups are checked; every other group keeps fileCfg's values
// whatever the environment sets.
func mergeOverEnv(seen map[string]bool, fileCfg, envCfg *Config) *Config {
	merged := *fileCfg
	if seen["HTTP_PORT"] || seen["CORS_ORIGINS"] {
		merged.HTTP = envCfg.HTTP
	}
	if seen["IDGEN_LAYOUT"] || seen["IDGEN_WORKER_ID"] {
		merged.IdGen = envCfg.IdGen
	}
	if seen["TRANSPORT_TYPE"] {
		merged.Transport = envCfg.Transport
	}
	if seen["MONGODB_URI"] || seen["MONGODB_DATABASE"] {
		merged.MongoDB = envCfg.MongoDB
	}
	if seen["REDIS_ADDR"] {
		merged.Redis = envCfg.Redis
	}
	if seen["FLOWMEDIATOR_DEV"] {
		merged.DevMode = envCfg.DevMode
	}
	return &merged
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvSlice(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.Split(v, ",")
	}
	return def
}
