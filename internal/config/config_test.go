package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Kafka.Raw.Topics = []string{"gobmp.raw"}
	cfg.Kafka.Events.Topic = "bmp.events"
	cfg.Postgres.DSN = "postgres://localhost/test"
	cfg.Ingest.MaxPayloadBytes = 1024
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_DefaultIsValid(t *testing.T) {
	// Listener only: no Kafka, no Postgres.
	if err := Default().Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no input", func(c *Config) { c.Collector.Listen = ""; c.Kafka.Raw.Topics = nil }, "collector.listen or kafka.raw.topics"},
		{"bad listen", func(c *Config) { c.Collector.Listen = "11019" }, "collector.listen"},
		{"no sessions", func(c *Config) { c.Collector.MaxSessions = 0 }, "collector.max_sessions"},
		{"no read buffer", func(c *Config) { c.Collector.ReadBufferBytes = 0 }, "collector.read_buffer_bytes"},
		{"negative idle timeout", func(c *Config) { c.Collector.IdleTimeoutSeconds = -1 }, "collector.idle_timeout_seconds"},
		{"max message below header", func(c *Config) { c.Collector.MaxMessageBytes = 5 }, "collector.max_message_bytes"},
		{"no brokers", func(c *Config) { c.Kafka.Brokers = nil }, "kafka.brokers"},
		{"no raw group", func(c *Config) { c.Kafka.Raw.GroupID = "" }, "kafka.raw.group_id"},
		{"flush interval zero", func(c *Config) { c.Ingest.FlushIntervalMs = 0 }, "ingest.flush_interval_ms"},
		{"flush interval negative", func(c *Config) { c.Ingest.FlushIntervalMs = -1 }, "ingest.flush_interval_ms"},
		{"batch size zero", func(c *Config) { c.Ingest.BatchSize = 0 }, "ingest.batch_size"},
		{"channel buffer zero", func(c *Config) { c.Ingest.ChannelBufferSize = 0 }, "ingest.channel_buffer_size"},
		{"retention zero", func(c *Config) { c.Retention.Days = 0 }, "retention.days"},
		{"max conns zero", func(c *Config) { c.Postgres.MaxConns = 0 }, "postgres.max_conns"},
		{"shutdown timeout zero", func(c *Config) { c.Service.ShutdownTimeoutSeconds = 0 }, "service.shutdown_timeout_seconds"},
		{"invalid timezone", func(c *Config) { c.Retention.Timezone = "Not/A/Real/Zone" }, "retention.timezone"},
		{"payload above fetch", func(c *Config) { c.Ingest.MaxPayloadBytes = 1 << 30 }, "kafka.fetch_max_bytes"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestValidate_OptionalSections(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.DSN = ""
	cfg.Postgres.MaxConns = 0 // ignored without a DSN
	cfg.Kafka.Raw.Topics = nil
	cfg.Kafka.Events.Topic = ""
	cfg.Kafka.Brokers = nil
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected listener-only config to be valid, got: %v", err)
	}
	if cfg.KafkaEnabled() || cfg.PostgresEnabled() {
		t.Error("expected kafka and postgres to be disabled")
	}
}

func writeMinimalYAML(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	data := `
collector:
  listen: "127.0.0.1:11019"
kafka:
  brokers:
    - "localhost:9092"
  events:
    topic: "bmp.events"
postgres:
  dsn: "postgres://localhost/test"
routers:
  - address: "192.0.2.1"
    name: "edge-1"
    location: "ams"
`
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_File(t *testing.T) {
	cfg, err := Load(writeMinimalYAML(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Collector.Listen != "127.0.0.1:11019" {
		t.Errorf("unexpected listen %q", cfg.Collector.Listen)
	}
	if cfg.Collector.MaxSessions != 256 || cfg.Ingest.BatchSize != 1000 {
		t.Error("expected defaults to survive for unset keys")
	}
	meta, ok := cfg.RouterName("192.0.2.1")
	if !ok || meta.Name != "edge-1" || meta.Location != "ams" {
		t.Errorf("unexpected router metadata %+v (%v)", meta, ok)
	}
}

func TestLoad_EnvOverrideDSN(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("BMP_COLLECTOR_POSTGRES__DSN", "postgres://envhost/envdb")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Postgres.DSN != "postgres://envhost/envdb" {
		t.Errorf("expected DSN from env, got %q", cfg.Postgres.DSN)
	}
}

func TestLoad_EnvOverrideLogLevel(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("BMP_COLLECTOR_SERVICE__LOG_LEVEL", "debug")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.LogLevel != "debug" {
		t.Errorf("expected log_level 'debug' from env, got %q", cfg.Service.LogLevel)
	}
}

func TestLoad_EnvCommaSeparatedTopics(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("BMP_COLLECTOR_KAFKA__RAW__TOPICS", "gobmp.raw.a,gobmp.raw.b")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Kafka.Raw.Topics) != 2 || cfg.Kafka.Raw.Topics[1] != "gobmp.raw.b" {
		t.Errorf("expected two topics, got %v", cfg.Kafka.Raw.Topics)
	}
}

func TestLoad_EnvEmptyGroupIDFailsValidation(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("BMP_COLLECTOR_KAFKA__RAW__TOPICS", "gobmp.raw")
	t.Setenv("BMP_COLLECTOR_KAFKA__RAW__GROUP_ID", "")

	_, err := Load(p)
	if err == nil {
		t.Fatal("expected validation error for empty raw group_id via env")
	}
}

func TestBuildSASLMechanism(t *testing.T) {
	k := KafkaConfig{}
	if k.BuildSASLMechanism() != nil {
		t.Error("expected nil mechanism when SASL is disabled")
	}
	k.SASL = SASLConfig{Enabled: true, Mechanism: "plain", Username: "u", Password: "p"}
	m := k.BuildSASLMechanism()
	if m == nil || m.Name() != "PLAIN" {
		t.Errorf("expected PLAIN mechanism, got %v", m)
	}
}

func TestBuildTLSConfig_Disabled(t *testing.T) {
	cfg, err := (&KafkaConfig{}).BuildTLSConfig()
	if err != nil || cfg != nil {
		t.Errorf("expected nil config, got %v, %v", cfg, err)
	}
	_, err = (&KafkaConfig{TLS: TLSConfig{Enabled: true, CAFile: "/nonexistent/ca.pem"}}).BuildTLSConfig()
	if err == nil {
		t.Error("expected error for missing CA file")
	}
}
