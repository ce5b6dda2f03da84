package maintenance

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/route-beacon/bmp-collector/internal/metrics"
)

// partitionedTable is a table range-partitioned by day on ingest_time.
type partitionedTable struct {
	name      string
	validName *regexp.Regexp
	// indexes maps an index suffix to its column list.
	indexes map[string]string
}

var partitionedTables = []partitionedTable{
	{
		name:      "bmp_messages",
		validName: regexp.MustCompile(`^bmp_messages_\d{8}$`),
		indexes: map[string]string{
			"router_type": "(router_id, msg_type, ingest_time DESC)",
			"peer":        "(router_id, peer_addr, ingest_time DESC)",
		},
	},
	{
		name:      "route_events",
		validName: regexp.MustCompile(`^route_events_\d{8}$`),
		indexes: map[string]string{
			"prefix_history": "(router_id, table_name, afi, prefix, ingest_time DESC)",
			"router_churn":   "(router_id, table_name, afi, ingest_time DESC)",
		},
	},
}

type PartitionManager struct {
	pool          *pgxpool.Pool
	retentionDays int
	timezone      string
	logger        *zap.Logger
}

func NewPartitionManager(pool *pgxpool.Pool, retentionDays int, timezone string, logger *zap.Logger) *PartitionManager {
	return &PartitionManager{
		pool:          pool,
		retentionDays: retentionDays,
		timezone:      timezone,
		logger:        logger,
	}
}

func (pm *PartitionManager) Run(ctx context.Context) error {
	if err := pm.CreatePartitions(ctx); err != nil {
		return fmt.Errorf("creating partitions: %w", err)
	}
	if err := pm.DropOldPartitions(ctx); err != nil {
		return fmt.Errorf("dropping old partitions: %w", err)
	}
	return nil
}

// RunEvery runs maintenance once and then on every tick until ctx ends.
// Failures are logged and retried on the next tick.
func (pm *PartitionManager) RunEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := pm.Run(ctx); err != nil && ctx.Err() == nil {
			pm.logger.Error("partition maintenance failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CreatePartitions creates daily partitions for today and tomorrow using the configured timezone.
func (pm *PartitionManager) CreatePartitions(ctx context.Context) error {
	loc, err := time.LoadLocation(pm.timezone)
	if err != nil {
		return fmt.Errorf("loading timezone %s: %w", pm.timezone, err)
	}

	now := time.Now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	tomorrow := today.AddDate(0, 0, 1)
	dayAfter := today.AddDate(0, 0, 2)

	for _, tbl := range partitionedTables {
		if err := pm.createPartition(ctx, tbl, today, tomorrow); err != nil {
			return err
		}
		if err := pm.createPartition(ctx, tbl, tomorrow, dayAfter); err != nil {
			return err
		}
	}
	return nil
}

func partitionName(table string, day time.Time) string {
	return fmt.Sprintf("%s_%s", table, day.Format("20060102"))
}

func (pm *PartitionManager) createPartition(ctx context.Context, tbl partitionedTable, from, to time.Time) error {
	name := partitionName(tbl.name, from)
	safeName := pgx.Identifier{name}.Sanitize()
	fromStr := from.UTC().Format("2006-01-02 15:04:05+00")
	toStr := to.UTC().Format("2006-01-02 15:04:05+00")

	createSQL := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
		safeName, pgx.Identifier{tbl.name}.Sanitize(), fromStr, toStr,
	)

	if _, err := pm.pool.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("creating partition %s: %w", name, err)
	}
	pm.logger.Info("partition ensured", zap.String("partition", name))

	for suffix, columns := range tbl.indexes {
		safeIdx := pgx.Identifier{fmt.Sprintf("idx_%s_%s", name, suffix)}.Sanitize()
		idxSQL := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s %s`, safeIdx, safeName, columns)
		if _, err := pm.pool.Exec(ctx, idxSQL); err != nil {
			return fmt.Errorf("creating %s index on %s: %w", suffix, name, err)
		}
	}
	return nil
}

// DropOldPartitions drops partitions older than the configured retention period.
func (pm *PartitionManager) DropOldPartitions(ctx context.Context) error {
	loc, err := time.LoadLocation(pm.timezone)
	if err != nil {
		return fmt.Errorf("loading timezone %s: %w", pm.timezone, err)
	}

	cutoff := time.Now().In(loc).AddDate(0, 0, -pm.retentionDays)
	cutoffDate := time.Date(cutoff.Year(), cutoff.Month(), cutoff.Day(), 0, 0, 0, 0, loc)

	for _, tbl := range partitionedTables {
		partitions, err := pm.listPartitions(ctx, tbl.name)
		if err != nil {
			return err
		}
		expired := expiredPartitions(tbl, partitions, cutoffDate, loc, pm.logger)
		for _, name := range expired {
			dropSQL := fmt.Sprintf("DROP TABLE IF EXISTS %s", pgx.Identifier{name}.Sanitize())
			if _, err := pm.pool.Exec(ctx, dropSQL); err != nil {
				return fmt.Errorf("dropping partition %s: %w", name, err)
			}
			metrics.DBRowsAffectedTotal.WithLabelValues(tbl.name, "drop_partition").Inc()
			pm.logger.Info("dropped old partition", zap.String("partition", name), zap.Time("cutoff", cutoffDate))
		}
	}
	return nil
}

func (pm *PartitionManager) listPartitions(ctx context.Context, table string) ([]string, error) {
	rows, err := pm.pool.Query(ctx,
		`SELECT inhrelid::regclass::text FROM pg_inherits WHERE inhparent = $1::regclass`, table)
	if err != nil {
		return nil, fmt.Errorf("listing partitions of %s: %w", table, err)
	}
	defer rows.Close()

	var partitions []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning partition name: %w", err)
		}
		partitions = append(partitions, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating partitions: %w", err)
	}
	return partitions, nil
}

// expiredPartitions returns the partitions of tbl whose day is before
// cutoff. Names not produced by partitionName are never returned.
func expiredPartitions(tbl partitionedTable, names []string, cutoff time.Time, loc *time.Location, logger *zap.Logger) []string {
	var expired []string
	for _, name := range names {
		if !tbl.validName.MatchString(name) {
			logger.Warn("skipping partition with unexpected name", zap.String("partition", name))
			continue
		}
		partDate, err := time.ParseInLocation("20060102", name[len(name)-8:], loc)
		if err != nil {
			logger.Warn("cannot parse partition date", zap.String("partition", name))
			continue
		}
		if partDate.Before(cutoff) {
			expired = append(expired, name)
		}
	}
	return expired
}
