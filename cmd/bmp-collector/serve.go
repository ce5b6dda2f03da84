package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/route-beacon/bmp-collector/internal/bmp"
	"github.com/route-beacon/bmp-collector/internal/collector"
	"github.com/route-beacon/bmp-collector/internal/config"
	bmphttp "github.com/route-beacon/bmp-collector/internal/http"
	"github.com/route-beacon/bmp-collector/internal/kafka"
	"github.com/route-beacon/bmp-collector/internal/maintenance"
	"github.com/route-beacon/bmp-collector/internal/metrics"
	"github.com/route-beacon/bmp-collector/internal/sink"
	"github.com/route-beacon/bmp-collector/internal/store"
)

const maintenanceInterval = time.Hour

var migrateOnStart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the collector",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()
		return runServe(cfg, logger)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&migrateOnStart, "migrate", false, "Run database migrations before starting")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cfg *config.Config, logger *zap.Logger) error {
	if _, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof)); err != nil {
		logger.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}
	metrics.Register()

	logger.Info("starting bmp-collector",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
		zap.String("bmp_listen", cfg.Collector.Listen),
		zap.Strings("raw_topics", cfg.Kafka.Raw.Topics),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	var commitWg sync.WaitGroup

	// --- Sinks ---
	var sinks []sink.Sink
	var pool *pgxpool.Pool
	if cfg.PostgresEnabled() {
		var err error
		pool, err = store.NewPool(ctx, poolConfig(cfg))
		if err != nil {
			return fmt.Errorf("connecting to database %s: %w", redactDSN(cfg.Postgres.DSN), err)
		}
		defer pool.Close()

		if migrateOnStart {
			if err := store.RunMigrations(ctx, pool, os.DirFS(cfg.Postgres.MigrationsDir), logger.Named("migrate")); err != nil {
				return fmt.Errorf("running migrations: %w", err)
			}
		}

		// Ensure partitions exist before the first insert.
		pm := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger.Named("maintenance"))
		if err := pm.CreatePartitions(ctx); err != nil {
			return fmt.Errorf("creating partitions on startup: %w", err)
		}
		wg.Add(1)
		go func() { defer wg.Done(); pm.RunEvery(ctx, maintenanceInterval) }()

		sinks = append(sinks, store.NewWriter(pool, logger.Named("store"),
			cfg.Ingest.StoreRawBytes, cfg.Ingest.StoreRawBytesCompress))
	}

	var clientCfg kafka.ClientConfig
	if cfg.KafkaEnabled() {
		tlsCfg, err := cfg.Kafka.BuildTLSConfig()
		if err != nil {
			return fmt.Errorf("building kafka TLS config: %w", err)
		}
		clientCfg = kafka.ClientConfig{
			Brokers:       cfg.Kafka.Brokers,
			ClientID:      cfg.Kafka.ClientID,
			TLS:           tlsCfg,
			SASL:          cfg.Kafka.BuildSASLMechanism(),
			FetchMaxBytes: cfg.Kafka.FetchMaxBytes,
		}
	}

	if cfg.Kafka.Events.Topic != "" {
		producer, err := kafka.NewProducer(clientCfg, cfg.Kafka.Events.Topic, logger.Named("kafka.producer"))
		if err != nil {
			return fmt.Errorf("creating kafka producer: %w", err)
		}
		sinks = append(sinks, producer)
	}
	if cfg.Ingest.LogEvents || len(sinks) == 0 {
		sinks = append(sinks, sink.NewLog(logger.Named("events")))
	}

	out := sink.NewMulti(logger.Named("sink"), sinks...)
	defer out.Close()

	httpOpts := bmphttp.Options{Pool: pool}

	// --- BMP listener ---
	if cfg.Collector.Listen != "" {
		batches := make(chan collector.Batch[struct{}], cfg.Ingest.ChannelBufferSize)
		server := collector.NewServer(collector.ServerConfig{
			Listen:          cfg.Collector.Listen,
			MaxSessions:     cfg.Collector.MaxSessions,
			MaxMessageBytes: uint32(cfg.Collector.MaxMessageBytes),
			ReadBufferBytes: cfg.Collector.ReadBufferBytes,
			IdleTimeout:     time.Duration(cfg.Collector.IdleTimeoutSeconds) * time.Second,
			RouterName: func(addr string) string {
				meta, _ := cfg.RouterName(addr)
				return meta.Name
			},
		}, batches, logger.Named("collector"))
		pipeline := collector.NewPipeline[struct{}](out, sink.SourceTCP,
			cfg.Ingest.BatchSize, cfg.Ingest.FlushIntervalMs, logger.Named("pipeline.tcp"))

		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := server.Serve(ctx); err != nil {
				logger.Error("BMP listener failed", zap.Error(err))
				cancel()
			}
		}()
		go func() { defer wg.Done(); pipeline.Run(ctx, batches, nil) }()

		httpOpts.Listener = server
		httpOpts.Sessions = server
		logger.Info("BMP listener started", zap.String("listen", cfg.Collector.Listen))
	}

	// --- OpenBMP RAW consumer ---
	if len(cfg.Kafka.Raw.Topics) > 0 {
		consumer, err := kafka.NewRawConsumer(clientCfg, cfg.Kafka.Raw.GroupID, cfg.Kafka.Raw.Topics, logger.Named("kafka.raw"))
		if err != nil {
			return fmt.Errorf("creating raw consumer: %w", err)
		}
		defer consumer.Close()

		demux := collector.NewDemux(sink.SourceKafka, logger.Named("demux"),
			bmp.WithMaxMessageLength(uint32(cfg.Collector.MaxMessageBytes)))
		decoder := kafka.NewRawDecoder(demux, cfg.Ingest.MaxPayloadBytes, logger.Named("kafka.decoder"))
		pipeline := collector.NewPipeline[*kgo.Record](out, sink.SourceKafka,
			cfg.Ingest.BatchSize, cfg.Ingest.FlushIntervalMs, logger.Named("pipeline.kafka"))

		records := make(chan []*kgo.Record, cfg.Ingest.ChannelBufferSize)
		batches := make(chan collector.Batch[*kgo.Record], cfg.Ingest.ChannelBufferSize)
		flushed := make(chan []*kgo.Record, cfg.Ingest.ChannelBufferSize)

		wg.Add(3)
		go func() { defer wg.Done(); consumer.Run(ctx, records, flushed, &commitWg) }()
		go func() { defer wg.Done(); decoder.Run(ctx, records, batches) }()
		go func() {
			defer wg.Done()
			pipeline.Run(ctx, batches, flushed)
			close(flushed)
		}()

		httpOpts.RawConsumer = consumer
		logger.Info("raw consumer started",
			zap.Strings("topics", cfg.Kafka.Raw.Topics),
			zap.String("group_id", cfg.Kafka.Raw.GroupID),
		)
	}

	// --- HTTP server ---
	httpServer := bmphttp.NewServer(cfg.Service.HTTPListen, httpOpts, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("starting HTTP server: %w", err)
	}

	logger.Info("collector started", zap.Int("sinks", out.Len()))

	// Wait for a shutdown signal or a fatal component error.
	select {
	case sig := <-terminate():
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting HTTP traffic first.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Cancel context to stop listeners and pipelines.
	cancel()

	// Wait for the pipelines' final flush and the last offset commit.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		commitWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all pipelines stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}

	logger.Info("bmp-collector stopped")
	return nil
}
