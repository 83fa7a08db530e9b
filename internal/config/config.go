package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres or sqlite
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	Path            string        `mapstructure:"path"` // sqlite file path
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN builds the driver-specific connection string.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
	}
	return c.Path
}

type StorageConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
}

type IngestConfig struct {
	Workers          int           `mapstructure:"workers"`
	ChunkSize        int           `mapstructure:"chunk_size"`
	BatchSize        int           `mapstructure:"batch_size"`
	JobConcurrency   int           `mapstructure:"job_concurrency"`
	ChunkTimeout     time.Duration `mapstructure:"chunk_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
	SkipOnDuplicate  bool          `mapstructure:"skip_on_duplicate"`
	HeartbeatPeriod  time.Duration `mapstructure:"heartbeat_period"`
}

type BreakerConfig struct {
	Window          time.Duration `mapstructure:"window"`
	VolumeThreshold int           `mapstructure:"volume_threshold"`
	ErrorThreshold  float64       `mapstructure:"error_threshold"`
	SleepWindow     time.Duration `mapstructure:"sleep_window"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
}

type MetricsConfig struct {
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	ThroughputFloor  float64       `mapstructure:"throughput_floor"`
}

type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Retries    int           `mapstructure:"retries"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	// Set config file path
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable override
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "mangalm_sales")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.path", "./data/ingest.db")
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.max_open_conns", 32)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.bucket", "uploads")
	v.SetDefault("ingest.workers", 8)
	v.SetDefault("ingest.chunk_size", 1000)
	v.SetDefault("ingest.batch_size", 100)
	v.SetDefault("ingest.job_concurrency", 4)
	v.SetDefault("ingest.chunk_timeout", 60*time.Second)
	v.SetDefault("ingest.max_retries", 3)
	v.SetDefault("ingest.retry_base_delay", 2*time.Second)
	v.SetDefault("ingest.retry_max_delay", 30*time.Second)
	v.SetDefault("ingest.skip_on_duplicate", true)
	v.SetDefault("ingest.heartbeat_period", 5*time.Second)
	v.SetDefault("breaker.window", 60*time.Second)
	v.SetDefault("breaker.volume_threshold", 20)
	v.SetDefault("breaker.error_threshold", 0.5)
	v.SetDefault("breaker.sleep_window", 60*time.Second)
	v.SetDefault("breaker.call_timeout", 10*time.Second)
	v.SetDefault("metrics.snapshot_interval", 10*time.Second)
	v.SetDefault("metrics.throughput_floor", 5000)
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.timeout", 5*time.Second)
	v.SetDefault("notify.retries", 3)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.name", "DB_NAME")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("storage.use_ssl", "STORAGE_USE_SSL")
	v.BindEnv("notify.webhook_url", "NOTIFY_WEBHOOK_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
