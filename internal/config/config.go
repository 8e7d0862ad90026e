package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port        int     `mapstructure:"port"`
	MetricsPort int     `mapstructure:"metrics_port"`
	RateLimit   float64 `mapstructure:"rate_limit"`
	RateBurst   float64 `mapstructure:"rate_burst"`
}

type BrokerConfig struct {
	URL            string        `mapstructure:"url"`
	Queue          string        `mapstructure:"queue"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

type WorkerConfig struct {
	Prefetch    int `mapstructure:"prefetch"`
	MetricsPort int `mapstructure:"metrics_port"`
}

type SandboxConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	MemoryMB   int64         `mapstructure:"memory_mb"`
	ScratchDir string        `mapstructure:"scratch_dir"`
}

type CacheConfig struct {
	ResultTTL time.Duration `mapstructure:"result_ttl"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Broker  BrokerConfig  `mapstructure:"broker"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Storage StorageConfig `mapstructure:"storage"`
}

// Load reads runq.yaml if present and overlays RUNQ_* environment variables.
// A missing config file is not an error; every key has a default.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("runq")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/runq")

	v.SetEnvPrefix("RUNQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.rate_limit", 0.5)
	v.SetDefault("server.rate_burst", 5.0)
	v.SetDefault("broker.url", "amqp://localhost")
	v.SetDefault("broker.queue", "code_execution_queue")
	v.SetDefault("broker.reconnect_delay", 5*time.Second)
	v.SetDefault("broker.max_retries", 5)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("worker.prefetch", 1)
	v.SetDefault("worker.metrics_port", 9091)
	v.SetDefault("sandbox.timeout", 10*time.Second)
	v.SetDefault("sandbox.memory_mb", 512)
	v.SetDefault("sandbox.scratch_dir", "")
	v.SetDefault("cache.result_ttl", time.Hour)
	v.SetDefault("storage.db_path", "runq.db")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}
