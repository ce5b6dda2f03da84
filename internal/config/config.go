package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

const envPrefix = "BMP_COLLECTOR_"

type Config struct {
	Service   ServiceConfig   `koanf:"service"`
	Collector CollectorConfig `koanf:"collector"`
	Kafka     KafkaConfig     `koanf:"kafka"`
	Postgres  PostgresConfig  `koanf:"postgres"`
	Ingest    IngestConfig    `koanf:"ingest"`
	Retention RetentionConfig `koanf:"retention"`
	Routers   []RouterMeta    `koanf:"routers"`
}

// RouterMeta is operator-provided metadata for a BMP speaker.
type RouterMeta struct {
	Address  string `koanf:"address"`
	Name     string `koanf:"name"`
	Location string `koanf:"location"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	LogFile                string `koanf:"log_file"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

// CollectorConfig controls the BMP TCP listener. An empty Listen disables it.
type CollectorConfig struct {
	Listen             string `koanf:"listen"`
	MaxSessions        int    `koanf:"max_sessions"`
	MaxMessageBytes    int    `koanf:"max_message_bytes"`
	ReadBufferBytes    int    `koanf:"read_buffer_bytes"`
	IdleTimeoutSeconds int    `koanf:"idle_timeout_seconds"`
}

type KafkaConfig struct {
	Brokers       []string       `koanf:"brokers"`
	ClientID      string         `koanf:"client_id"`
	TLS           TLSConfig      `koanf:"tls"`
	SASL          SASLConfig     `koanf:"sasl"`
	Raw           ConsumerConfig `koanf:"raw"`
	Events        ProducerConfig `koanf:"events"`
	FetchMaxBytes int32          `koanf:"fetch_max_bytes"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

// ConsumerConfig selects OpenBMP RAW topics to decode. No topics disables
// the consumer.
type ConsumerConfig struct {
	GroupID string   `koanf:"group_id"`
	Topics  []string `koanf:"topics"`
}

// ProducerConfig selects the topic decoded events are published to. An
// empty topic disables the producer.
type ProducerConfig struct {
	Topic string `koanf:"topic"`
}

// PostgresConfig enables the event store when DSN is set.
type PostgresConfig struct {
	DSN           string `koanf:"dsn"`
	MaxConns      int32  `koanf:"max_conns"`
	MinConns      int32  `koanf:"min_conns"`
	MigrationsDir string `koanf:"migrations_dir"`
}

type IngestConfig struct {
	BatchSize             int  `koanf:"batch_size"`
	FlushIntervalMs       int  `koanf:"flush_interval_ms"`
	ChannelBufferSize     int  `koanf:"channel_buffer_size"`
	MaxPayloadBytes       int  `koanf:"max_payload_bytes"`
	StoreRawBytes         bool `koanf:"store_raw_bytes"`
	StoreRawBytesCompress bool `koanf:"store_raw_bytes_compress"`
	LogEvents             bool `koanf:"log_events"`
}

type RetentionConfig struct {
	Days     int    `koanf:"days"`
	Timezone string `koanf:"timezone"`
}

// Default returns the configuration used before the file and environment
// are applied.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "bmp-collector-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Collector: CollectorConfig{
			Listen:             ":11019",
			MaxSessions:        256,
			MaxMessageBytes:    16777216,
			ReadBufferBytes:    65536,
			IdleTimeoutSeconds: 0,
		},
		Kafka: KafkaConfig{
			ClientID:      "bmp-collector",
			FetchMaxBytes: 52428800,
			Raw: ConsumerConfig{
				GroupID: "bmp-collector-raw",
			},
		},
		Postgres: PostgresConfig{
			MaxConns:      20,
			MinConns:      2,
			MigrationsDir: "migrations",
		},
		Ingest: IngestConfig{
			BatchSize:             1000,
			FlushIntervalMs:       200,
			ChannelBufferSize:     16,
			MaxPayloadBytes:       16777216,
			StoreRawBytesCompress: true,
		},
		Retention: RetentionConfig{
			Days:     30,
			Timezone: "UTC",
		},
	}
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: BMP_COLLECTOR_KAFKA__BROKERS → kafka.brokers
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	cfg.Kafka.Raw.Topics = splitList(cfg.Kafka.Raw.Topics)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func splitList(v []string) []string {
	if len(v) == 1 && strings.Contains(v[0], ",") {
		return strings.Split(v[0], ",")
	}
	return v
}

// KafkaEnabled reports whether any Kafka client is configured.
func (c *Config) KafkaEnabled() bool {
	return len(c.Kafka.Raw.Topics) > 0 || c.Kafka.Events.Topic != ""
}

// PostgresEnabled reports whether events are persisted.
func (c *Config) PostgresEnabled() bool {
	return c.Postgres.DSN != ""
}

func (c *Config) Validate() error {
	if c.Collector.Listen == "" && len(c.Kafka.Raw.Topics) == 0 {
		return fmt.Errorf("config: one of collector.listen or kafka.raw.topics is required")
	}
	if c.Collector.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Collector.Listen); err != nil {
			return fmt.Errorf("config: collector.listen is invalid: %w", err)
		}
		if c.Collector.MaxSessions <= 0 {
			return fmt.Errorf("config: collector.max_sessions must be > 0 (got %d)", c.Collector.MaxSessions)
		}
		if c.Collector.ReadBufferBytes <= 0 {
			return fmt.Errorf("config: collector.read_buffer_bytes must be > 0 (got %d)", c.Collector.ReadBufferBytes)
		}
		if c.Collector.IdleTimeoutSeconds < 0 {
			return fmt.Errorf("config: collector.idle_timeout_seconds must be >= 0 (got %d)", c.Collector.IdleTimeoutSeconds)
		}
	}
	// The BMP common header cannot describe anything larger than 4 GiB.
	if c.Collector.MaxMessageBytes < 6 || int64(c.Collector.MaxMessageBytes) > 1<<32-1 {
		return fmt.Errorf("config: collector.max_message_bytes must be between 6 and 4294967295 (got %d)", c.Collector.MaxMessageBytes)
	}
	if c.KafkaEnabled() && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers is required")
	}
	if len(c.Kafka.Raw.Topics) > 0 && c.Kafka.Raw.GroupID == "" {
		return fmt.Errorf("config: kafka.raw.group_id is required")
	}
	if c.Ingest.FlushIntervalMs <= 0 {
		return fmt.Errorf("config: ingest.flush_interval_ms must be > 0 (got %d)", c.Ingest.FlushIntervalMs)
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("config: ingest.batch_size must be > 0 (got %d)", c.Ingest.BatchSize)
	}
	if c.Ingest.ChannelBufferSize <= 0 {
		return fmt.Errorf("config: ingest.channel_buffer_size must be > 0 (got %d)", c.Ingest.ChannelBufferSize)
	}
	if c.Ingest.MaxPayloadBytes <= 0 {
		return fmt.Errorf("config: ingest.max_payload_bytes must be > 0 (got %d)", c.Ingest.MaxPayloadBytes)
	}
	if c.Kafka.FetchMaxBytes <= 0 {
		return fmt.Errorf("config: kafka.fetch_max_bytes must be > 0 (got %d)", c.Kafka.FetchMaxBytes)
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("config: retention.days must be > 0 (got %d)", c.Retention.Days)
	}
	if c.PostgresEnabled() {
		if c.Postgres.MaxConns <= 0 {
			return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
		}
		if c.Postgres.MinConns < 0 {
			return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
		}
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if _, err := time.LoadLocation(c.Retention.Timezone); err != nil {
		return fmt.Errorf("config: retention.timezone is invalid: %w", err)
	}
	if len(c.Kafka.Raw.Topics) > 0 && int32(c.Ingest.MaxPayloadBytes) > c.Kafka.FetchMaxBytes {
		return fmt.Errorf("config: ingest.max_payload_bytes (%d) exceeds kafka.fetch_max_bytes (%d); messages larger than fetch_max_bytes will be dropped by the broker",
			c.Ingest.MaxPayloadBytes, c.Kafka.FetchMaxBytes)
	}
	return nil
}

// RouterName returns the configured metadata for a router address, if any.
func (c *Config) RouterName(addr string) (RouterMeta, bool) {
	for _, m := range c.Routers {
		if m.Address == addr {
			return m, true
		}
	}
	return RouterMeta{}, false
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
