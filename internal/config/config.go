// Package config loads and validates the environment contract the
// worker-pool/job-orchestration core runs under.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Stage names known to the core (spec.md §3). Declared here so the
// MAX_<STAGE>_WORKERS environment keys can be bound without a struct
// field per stage.
var KnownStages = []string{
	"file-analysis",
	"directory-aggregation",
	"directory-resolution",
	"relationship-resolution",
	"validation",
	"reconciliation",
	"graph-ingestion",
}

// Environment selects the deployment profile, mirroring the teacher's
// DeploymentProfile (lite/standard) switch but named after spec.md's
// NODE_ENV contract.
type Environment string

const (
	EnvProduction  Environment = "production"
	EnvDevelopment Environment = "development"
	EnvTest        Environment = "test"
	EnvDebug       Environment = "debug"
)

// Config is the fully-loaded, validated environment contract of
// spec.md §6 plus the ambient pieces (storage backend, server, logging)
// every real deployment of this core needs.
type Config struct {
	NodeEnv Environment `mapstructure:"node_env" validate:"oneof=production development test debug"`

	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	Batch       BatchConfig       `mapstructure:"batch"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`

	Storage StorageConfig `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Neo4j    Neo4jConfig    `mapstructure:"neo4j"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Log      LogConfig      `mapstructure:"log"`
	AdminAPI AdminAPIConfig `mapstructure:"admin_api"`
	Lock     LockConfig     `mapstructure:"lock"`
	Cache    CacheConfig    `mapstructure:"cache"`

	// Warnings accumulates non-fatal boundary corrections applied during
	// Load (e.g. FORCE_MAX_CONCURRENCY clamped to the absolute ceiling).
	// Never populated from the environment.
	Warnings []string `mapstructure:"-"`
}

const absoluteConcurrencyCeiling = 150

// ConcurrencyConfig holds spec.md §6's concurrency-related environment
// keys: FORCE_MAX_CONCURRENCY, MAX_GLOBAL_CONCURRENCY, MAX_<STAGE>_WORKERS.
type ConcurrencyConfig struct {
	ForceMaxConcurrency int            `mapstructure:"force_max_concurrency" validate:"gte=0"`
	MaxGlobalConcurrency int           `mapstructure:"max_global_concurrency" validate:"gte=1,lte=150"`
	StageWorkers        map[string]int `mapstructure:"stage_workers"`
}

// MonitorConfig holds System Monitor (C4) thresholds.
type MonitorConfig struct {
	CPUThreshold    float64       `mapstructure:"cpu_threshold" validate:"gte=50,lte=100"`
	MemoryThreshold float64       `mapstructure:"memory_threshold" validate:"gte=50,lte=100"`
	SampleInterval  time.Duration `mapstructure:"sample_interval" validate:"gte=1s"`
}

// BatchConfig holds batch/rate/cache tuning knobs.
type BatchConfig struct {
	MaxBatchSize            int           `mapstructure:"max_batch_size" validate:"gte=1,lte=100000"`
	BatchProcessingInterval time.Duration `mapstructure:"batch_processing_interval"`
	APIRateLimit            int           `mapstructure:"api_rate_limit" validate:"gte=1"`
}

// PipelineConfig holds coordinator-level policy.
type PipelineConfig struct {
	MaxFailureRate      float64 `mapstructure:"max_failure_rate" validate:"gte=0,lte=1"`
	RequiredIdleChecks  int     `mapstructure:"required_idle_checks" validate:"gte=1,lte=10"`
	CheckIntervalMillis int     `mapstructure:"check_interval_millis" validate:"gte=100"`
}

// StorageBackend selects the relational persistence driver.
type StorageBackend string

const (
	StorageBackendSQLite   StorageBackend = "sqlite"
	StorageBackendPostgres StorageBackend = "postgres"
)

// StorageConfig selects and configures the A4 persistence backend.
type StorageConfig struct {
	Backend      StorageBackend `mapstructure:"backend" validate:"oneof=sqlite postgres"`
	SQLitePath   string         `mapstructure:"sqlite_path"`
}

// DatabaseConfig configures the Postgres backend when Storage.Backend
// is "postgres".
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"gte=1,lte=65535"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_connections" validate:"gte=1"`
	MinConns        int32         `mapstructure:"min_connections" validate:"gte=0"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
}

// RedisConfig configures internal/rediscoord.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size" validate:"gte=1"`
}

// Neo4jConfig is an opaque passthrough credential set for the external
// graph-ingestion collaborator (§6.7) — this module never opens a Neo4j
// connection itself.
type Neo4jConfig struct {
	URI      string `mapstructure:"uri"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// LLMConfig is an opaque passthrough credential for the external LLM
// collaborator (§6.7); this module has no LLM client package of its own.
type LLMConfig struct {
	DeepseekAPIKey string `mapstructure:"deepseek_api_key"`
}

// LogConfig mirrors pkg/logger.Config's field shape so it can be bound
// straight from viper.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// AdminAPIConfig configures the gorilla/mux + websocket status surface.
type AdminAPIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LockConfig configures the internal/rediscoord distributed lock.
type LockConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

// CacheConfig configures checkpoint/breaker cache TTLs.
type CacheConfig struct {
	CheckpointTTL time.Duration `mapstructure:"checkpoint_ttl"`
	BreakerTTL    time.Duration `mapstructure:"breaker_ttl"`
}

// Load reads the environment contract of spec.md §6 through viper
// AutomaticEnv, applying the same default-then-override sequencing as
// the teacher's LoadConfig, then validates the result.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnv(v)
	applyDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	if cfg.Concurrency.ForceMaxConcurrency > absoluteConcurrencyCeiling {
		cfg.Warnings = append(cfg.Warnings, fmt.Sprintf(
			"FORCE_MAX_CONCURRENCY=%d exceeds the absolute ceiling, clamped to %d",
			cfg.Concurrency.ForceMaxConcurrency, absoluteConcurrencyCeiling))
		cfg.Concurrency.ForceMaxConcurrency = absoluteConcurrencyCeiling
	}

	return &cfg, nil
}

// bindEnv explicitly binds every environment key named in spec.md §6 so
// AutomaticEnv's dotted-key replacement lines up with the documented
// variable names rather than a derived guess.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("node_env", "NODE_ENV")
	_ = v.BindEnv("concurrency.force_max_concurrency", "FORCE_MAX_CONCURRENCY")
	_ = v.BindEnv("concurrency.max_global_concurrency", "MAX_GLOBAL_CONCURRENCY")
	for _, stage := range KnownStages {
		key := "MAX_" + strings.ToUpper(strings.ReplaceAll(stage, "-", "_")) + "_WORKERS"
		_ = v.BindEnv("concurrency.stage_workers."+stage, key)
	}
	_ = v.BindEnv("monitor.cpu_threshold", "CPU_THRESHOLD")
	_ = v.BindEnv("monitor.memory_threshold", "MEMORY_THRESHOLD")
	_ = v.BindEnv("batch.max_batch_size", "MAX_BATCH_SIZE")
	_ = v.BindEnv("batch.batch_processing_interval", "BATCH_PROCESSING_INTERVAL")
	_ = v.BindEnv("batch.api_rate_limit", "API_RATE_LIMIT")
	_ = v.BindEnv("storage.sqlite_path", "SQLITE_DB_PATH")
	_ = v.BindEnv("neo4j.uri", "NEO4J_URI")
	_ = v.BindEnv("neo4j.user", "NEO4J_USER")
	_ = v.BindEnv("neo4j.password", "NEO4J_PASSWORD")
	_ = v.BindEnv("neo4j.database", "NEO4J_DATABASE")
	_ = v.BindEnv("redis.url", "REDIS_URL")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("llm.deepseek_api_key", "DEEPSEEK_API_KEY")
	_ = v.BindEnv("pipeline.max_failure_rate", "PIPELINE_MAX_FAILURE_RATE")
	_ = v.BindEnv("pipeline.required_idle_checks", "PIPELINE_REQUIRED_IDLE_CHECKS")
}

// applyDefaults mirrors the teacher's setDefaults, scoped to a private
// viper instance rather than the package-global viper.
func applyDefaults(v *viper.Viper) {
	v.SetDefault("node_env", string(EnvProduction))

	v.SetDefault("concurrency.force_max_concurrency", 0)
	v.SetDefault("concurrency.max_global_concurrency", 100)

	v.SetDefault("monitor.cpu_threshold", 85.0)
	v.SetDefault("monitor.memory_threshold", 90.0)
	v.SetDefault("monitor.sample_interval", "5s")

	v.SetDefault("batch.max_batch_size", 100)
	v.SetDefault("batch.batch_processing_interval", "1s")
	v.SetDefault("batch.api_rate_limit", 1000)

	v.SetDefault("pipeline.max_failure_rate", 0.2)
	v.SetDefault("pipeline.required_idle_checks", 3)
	v.SetDefault("pipeline.check_interval_millis", 2000)

	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.sqlite_path", "./data/pipeline.db")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "pipeline")
	v.SetDefault("database.username", "pipeline")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 2)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.query_timeout", "30s")

	v.SetDefault("redis.url", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("admin_api.enabled", true)
	v.SetDefault("admin_api.addr", ":8090")

	v.SetDefault("lock.ttl", "30s")
	v.SetDefault("lock.acquire_timeout", "5s")

	v.SetDefault("cache.checkpoint_ttl", "3600s")
	v.SetDefault("cache.breaker_ttl", "30s")
}
