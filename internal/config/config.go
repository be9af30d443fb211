// Package config loads worker configuration from a config file and
// environment variables. Every timing knob of the pipeline lives here so
// thresholds are explicit configuration, not literals buried in the code.
package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Executor ExecutorConfig
	AssetGen AssetGenConfig
	Quality  QualityConfig
	Poller   PollerConfig
	Stall    StallConfig
	Gate     GateConfig
}

type ServerConfig struct {
	// OpsAddr is the listen address for the health/status endpoints.
	OpsAddr  string
	Env      string
	LogLevel string
}

type DatabaseConfig struct {
	URL string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// StatusTTL bounds how long a published render-status projection
	// survives without updates.
	StatusTTL time.Duration
}

type StorageConfig struct {
	// Provider selects the artifact store: localfs | gdrive.
	Provider  string
	LocalRoot string

	GDriveClientID     string
	GDriveClientSecret string
	GDriveRefreshToken string
	GDriveFolderID     string
}

// ExecutorConfig drives the remote render executor client.
type ExecutorConfig struct {
	BaseURL string
	// MaxChunkSeconds bounds one chunk; must stay under the executor's own
	// time limit.
	MaxChunkSeconds float64
	// PollInterval is the fixed wait between status checks on an in-flight
	// chunk.
	PollInterval time.Duration
	// PollTimeout caps how long one chunk may stay in flight before it is
	// treated as failed.
	PollTimeout time.Duration
}

type AssetGenConfig struct {
	BaseURL string
	Timeout time.Duration
}

type QualityConfig struct {
	BaseURL string
	Timeout time.Duration
}

type PollerConfig struct {
	// TickInterval is the wait between claim attempts when the previous
	// tick found nothing.
	TickInterval time.Duration
}

// StallConfig holds the per-state stall thresholds. Render-side thresholds
// must be >= the executor poll interval, otherwise live renders get reset.
type StallConfig struct {
	CheckInterval      time.Duration
	GeneratingAfter    time.Duration
	RenderPendingAfter time.Duration
}

type GateConfig struct {
	// MinAggregateScore is the lowest acceptable mean scene score.
	MinAggregateScore float64
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	_ = viper.BindEnv("server.ops_addr", "OPS_ADDR")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("database.url", "DATABASE_URL")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("redis.status_ttl", "REDIS_STATUS_TTL")
	_ = viper.BindEnv("storage.provider", "STORAGE_PROVIDER")
	_ = viper.BindEnv("storage.local_root", "STORAGE_LOCAL_ROOT")
	_ = viper.BindEnv("storage.gdrive_client_id", "GDRIVE_CLIENT_ID")
	_ = viper.BindEnv("storage.gdrive_client_secret", "GDRIVE_CLIENT_SECRET")
	_ = viper.BindEnv("storage.gdrive_refresh_token", "GDRIVE_REFRESH_TOKEN")
	_ = viper.BindEnv("storage.gdrive_folder_id", "GDRIVE_FOLDER_ID")
	_ = viper.BindEnv("executor.base_url", "RENDER_EXECUTOR_BASEURL")
	_ = viper.BindEnv("executor.max_chunk_seconds", "RENDER_MAX_CHUNK_SECONDS")
	_ = viper.BindEnv("executor.poll_interval", "RENDER_POLL_INTERVAL")
	_ = viper.BindEnv("executor.poll_timeout", "RENDER_POLL_TIMEOUT")
	_ = viper.BindEnv("assetgen.base_url", "ASSETGEN_BASEURL")
	_ = viper.BindEnv("assetgen.timeout", "ASSETGEN_TIMEOUT")
	_ = viper.BindEnv("quality.base_url", "QUALITY_BASEURL")
	_ = viper.BindEnv("quality.timeout", "QUALITY_TIMEOUT")
	_ = viper.BindEnv("poller.tick_interval", "POLLER_TICK_INTERVAL")
	_ = viper.BindEnv("stall.check_interval", "STALL_CHECK_INTERVAL")
	_ = viper.BindEnv("stall.generating_after", "STALL_GENERATING_AFTER")
	_ = viper.BindEnv("stall.render_pending_after", "STALL_RENDER_PENDING_AFTER")
	_ = viper.BindEnv("gate.min_aggregate_score", "GATE_MIN_AGGREGATE_SCORE")

	viper.SetDefault("server.ops_addr", ":8090")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.status_ttl", "24h")
	viper.SetDefault("storage.provider", "localfs")
	viper.SetDefault("storage.local_root", "/data")
	viper.SetDefault("executor.max_chunk_seconds", 120.0)
	viper.SetDefault("executor.poll_interval", "10s")
	viper.SetDefault("executor.poll_timeout", "15m")
	viper.SetDefault("assetgen.timeout", "10m")
	viper.SetDefault("quality.timeout", "2m")
	viper.SetDefault("poller.tick_interval", "5s")
	viper.SetDefault("stall.check_interval", "1m")
	viper.SetDefault("stall.generating_after", "5m")
	viper.SetDefault("stall.render_pending_after", "2m")
	viper.SetDefault("gate.min_aggregate_score", 6.0)

	// Config file is optional; env vars and defaults cover everything.
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			OpsAddr:  viper.GetString("server.ops_addr"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
		},
		Database: DatabaseConfig{
			URL: viper.GetString("database.url"),
		},
		Redis: RedisConfig{
			Addr:      viper.GetString("redis.addr"),
			Password:  viper.GetString("redis.password"),
			DB:        viper.GetInt("redis.db"),
			StatusTTL: viper.GetDuration("redis.status_ttl"),
		},
		Storage: StorageConfig{
			Provider:           viper.GetString("storage.provider"),
			LocalRoot:          viper.GetString("storage.local_root"),
			GDriveClientID:     viper.GetString("storage.gdrive_client_id"),
			GDriveClientSecret: viper.GetString("storage.gdrive_client_secret"),
			GDriveRefreshToken: viper.GetString("storage.gdrive_refresh_token"),
			GDriveFolderID:     viper.GetString("storage.gdrive_folder_id"),
		},
		Executor: ExecutorConfig{
			BaseURL:         viper.GetString("executor.base_url"),
			MaxChunkSeconds: viper.GetFloat64("executor.max_chunk_seconds"),
			PollInterval:    viper.GetDuration("executor.poll_interval"),
			PollTimeout:     viper.GetDuration("executor.poll_timeout"),
		},
		AssetGen: AssetGenConfig{
			BaseURL: viper.GetString("assetgen.base_url"),
			Timeout: viper.GetDuration("assetgen.timeout"),
		},
		Quality: QualityConfig{
			BaseURL: viper.GetString("quality.base_url"),
			Timeout: viper.GetDuration("quality.timeout"),
		},
		Poller: PollerConfig{
			TickInterval: viper.GetDuration("poller.tick_interval"),
		},
		Stall: StallConfig{
			CheckInterval:      viper.GetDuration("stall.check_interval"),
			GeneratingAfter:    viper.GetDuration("stall.generating_after"),
			RenderPendingAfter: viper.GetDuration("stall.render_pending_after"),
		},
		Gate: GateConfig{
			MinAggregateScore: viper.GetFloat64("gate.min_aggregate_score"),
		},
	}

	return cfg, nil
}
