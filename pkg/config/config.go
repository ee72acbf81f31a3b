package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"MarketGate/pkg/util"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string        `yaml:"environment" default:"development" validate:"required"`
	Log         LogConfig     `yaml:"log"`
	Server      ServerConfig  `yaml:"server"`
	Metrics     MetricsConfig `yaml:"metrics"`
	API         APIConfig     `yaml:"api"`
	RateLimits  []RateLimit   `yaml:"rate_limits" validate:"dive"`
	Stream      StreamConfig  `yaml:"stream"`
	News        NewsConfig    `yaml:"news"`
	Backend     BackendConfig `yaml:"backend"`
	Kafka       KafkaConfig   `yaml:"kafka"`
	Redis       RedisConfig   `yaml:"redis"`
	ClickHouse  ClickHouse    `yaml:"clickhouse"`
}

type LogConfig struct {
	Level   string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format  string `yaml:"format" default:"console" validate:"oneof=json console"`
	Output  string `yaml:"output" default:"stdout"`
	Collect struct {
		Enabled        bool          `yaml:"enabled"`
		Topic          string        `yaml:"topic" default:"marketgate.logs"`
		Interval       time.Duration `yaml:"interval" default:"30s"`
		CountThreshold int           `yaml:"count_threshold" default:"100" validate:"min=1"`
	} `yaml:"collect"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" default:"0.0.0.0"`
	Port            int           `yaml:"port" default:"8080" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
	CORS            bool          `yaml:"cors" default:"true"`
	ClientRPS       float64       `yaml:"client_rps" default:"10"`
	ClientBurst     int           `yaml:"client_burst" default:"20"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" default:"true"`
	Path    string `yaml:"path" default:"/metrics"`
}

// APIConfig describes the platform REST API and its credentials.
type APIConfig struct {
	BaseURL      string        `yaml:"base_url" validate:"required,url"`
	Timeout      time.Duration `yaml:"timeout" default:"15s"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" default:"4194304" validate:"min=1024"`
	AccessToken  string        `yaml:"access_token"`
	RefreshToken string        `yaml:"refresh_token"`
	RefreshPath  string        `yaml:"refresh_path" default:"/auth/refresh"`
	Retry        struct {
		MaxAttempts int           `yaml:"max_attempts" default:"3" validate:"min=1,max=10"`
		BaseDelay   time.Duration `yaml:"base_delay" default:"200ms"`
		MaxDelay    time.Duration `yaml:"max_delay" default:"10s"`
	} `yaml:"retry"`
}

// RateLimit is a fixed-window budget for one provider key.
type RateLimit struct {
	Provider string        `yaml:"provider" validate:"required"`
	Capacity int           `yaml:"capacity" validate:"min=1"`
	Window   time.Duration `yaml:"window" validate:"required"`
}

type StreamConfig struct {
	URL                  string        `yaml:"url" validate:"omitempty,url"`
	Streams              []string      `yaml:"streams"`
	ReconnectBase        time.Duration `yaml:"reconnect_base" default:"500ms"`
	ReconnectMax         time.Duration `yaml:"reconnect_max" default:"30s"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" default:"10" validate:"min=1"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout" default:"10s"`
	PingInterval         time.Duration `yaml:"ping_interval" default:"30s"`
	MaxRPS               int           `yaml:"max_rps" default:"50" validate:"min=0"`
	BufferSize           int           `yaml:"buffer_size" default:"1000" validate:"min=1"`
	FlushBatch           int           `yaml:"flush_batch" default:"100" validate:"min=1"`
}

type NewsConfig struct {
	CacheTTL        time.Duration `yaml:"cache_ttl" default:"5m"`
	CacheMaxEntries int           `yaml:"cache_max_entries" default:"1000" validate:"min=0"`
	SweepInterval   time.Duration `yaml:"sweep_interval" default:"1m"`
	SourceTimeout   time.Duration `yaml:"source_timeout" default:"15s"`
	DefaultPageSize int           `yaml:"default_page_size" default:"20" validate:"min=1"`
	MaxPageSize     int           `yaml:"max_page_size" default:"100" validate:"gtefield=DefaultPageSize"`
	SimilarityChars int           `yaml:"similarity_chars" default:"20" validate:"min=1"`
	Sources         []NewsSource  `yaml:"sources" validate:"dive"`
}

// NewsSource configures one aggregator source.
type NewsSource struct {
	Name     string        `yaml:"name" validate:"required"`
	Kind     string        `yaml:"kind" validate:"oneof=rest rss"`
	Priority int           `yaml:"priority"`
	URL      string        `yaml:"url" validate:"required,url"`
	Format   string        `yaml:"format" validate:"omitempty,oneof=newsapi envelope"`
	APIKey   string        `yaml:"api_key"`
	Category string        `yaml:"category"`
	MaxAge   time.Duration `yaml:"max_age"`
	// Capacity and Window override the default per-source budget when both are set.
	Capacity int           `yaml:"capacity" validate:"min=0"`
	Window   time.Duration `yaml:"window"`
}

type BackendConfig struct {
	Type string `yaml:"type" default:"none" validate:"oneof=none kafka redis clickhouse"`
}

type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic" default:"marketgate.stream.events"`
	RequiredAcks int           `yaml:"required_acks" default:"1" validate:"oneof=-1 0 1"`
	Compression  string        `yaml:"compression" default:"snappy" validate:"oneof=none gzip snappy lz4 zstd"`
	MaxAttempts  int           `yaml:"max_attempts" default:"5"`
	BatchSize    int           `yaml:"batch_size" default:"100"`
	Linger       time.Duration `yaml:"linger" default:"50ms"`
	WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
	Async        bool          `yaml:"async"`
}

type RedisConfig struct {
	Host     string `yaml:"host" default:"localhost"`
	Port     int    `yaml:"port" default:"6379"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix" default:"marketgate"`
	PoolSize int    `yaml:"pool_size" default:"10"`
}

type ClickHouse struct {
	Host             string        `yaml:"host" default:"localhost"`
	Port             int           `yaml:"port" default:"9000"`
	Database         string        `yaml:"database" default:"default"`
	User             string        `yaml:"user" default:"default"`
	Password         string        `yaml:"password"`
	Table            string        `yaml:"table" default:"rt_stream_events"`
	UseHTTP          bool          `yaml:"use_http"`
	AsyncInsert      bool          `yaml:"async_insert"`
	DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
	ReadTimeout      time.Duration `yaml:"read_timeout" default:"30s"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"60s"`
}

var validate = validator.New()

// Load reads and parses a YAML configuration file, fills defaults and validates it.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse is Load without the file.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// LoadWithEnv loads .env (if present), then the YAML file, then applies MG_* overrides.
func LoadWithEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}

	if v, ok := get("MG_API_BASE_URL"); ok {
		c.API.BaseURL = v
	}
	if v, ok := get("MG_ACCESS_TOKEN"); ok {
		c.API.AccessToken = v
	}
	if v, ok := get("MG_REFRESH_TOKEN"); ok {
		c.API.RefreshToken = v
	}
	if v, ok := get("MG_STREAM_URL"); ok {
		c.Stream.URL = v
	}
	if v, ok := get("MG_STREAMS"); ok {
		c.Stream.Streams = util.SplitCSV(v)
	}
	if v, ok := get("MG_BACKEND"); ok {
		c.Backend.Type = v
	}
	if v, ok := get("MG_KAFKA_BROKERS"); ok {
		c.Kafka.Brokers = util.SplitCSV(v)
	}
	if v, ok := get("MG_MAX_ATTEMPTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MG_MAX_ATTEMPTS: %w", err)
		}
		c.API.Retry.MaxAttempts = n
	}
	if v, ok := get("MG_LOG_LEVEL"); ok {
		c.Log.Level = strings.ToLower(v)
	}
	return nil
}

// Validate checks tags first, then the rules that span sections.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	var errs []error
	switch c.Backend.Type {
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers is required for the kafka backend"))
		}
	case "clickhouse":
		if c.ClickHouse.Host == "" {
			errs = append(errs, errors.New("clickhouse.host is required for the clickhouse backend"))
		}
	}
	if len(c.Stream.Streams) > 0 && c.Stream.URL == "" {
		errs = append(errs, errors.New("stream.url is required when stream.streams is set"))
	}
	if c.Log.Collect.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("log.collect needs kafka.brokers"))
	}

	seen := make(map[string]bool, len(c.News.Sources))
	for _, s := range c.News.Sources {
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("news source %q defined twice", s.Name))
		}
		seen[s.Name] = true
		if (s.Capacity > 0) != (s.Window > 0) {
			errs = append(errs, fmt.Errorf("news source %q: capacity and window go together", s.Name))
		}
	}
	return errors.Join(errs...)
}
