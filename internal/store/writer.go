package store

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/route-beacon/bmp-collector/internal/bgp"
	"github.com/route-beacon/bmp-collector/internal/bmp"
	"github.com/route-beacon/bmp-collector/internal/metrics"
	"github.com/route-beacon/bmp-collector/internal/sink"
)

var zstdEncoder, _ = zstd.NewWriter(nil)

const insertMessageSQL = `
INSERT INTO bmp_messages (event_id, ingest_time, router_id, session_id, source, msg_type,
	peer_type, peer_addr, peer_rd, peer_as, peer_time, decode_error, document, bmp_raw)
VALUES ($1, date_trunc('day', now()), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (event_id, ingest_time) DO NOTHING`

const insertRouteSQL = `
INSERT INTO route_events (event_id, ingest_time, router_id, peer_addr, table_name, afi,
	prefix, path_id, action, nexthop, as_path, origin, localpref, med,
	communities_std, communities_ext, communities_large, attrs)
VALUES ($1, date_trunc('day', now()), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT DO NOTHING`

const upsertPeerUpSQL = `
INSERT INTO peer_sessions (router_id, peer_type, peer_rd, peer_addr, peer_as, peer_bgp_id,
	state, local_addr, local_port, remote_port, last_up, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, 'up', $7, $8, $9, $10, now())
ON CONFLICT (router_id, peer_type, peer_rd, peer_addr) DO UPDATE SET
    peer_as     = EXCLUDED.peer_as,
    peer_bgp_id = EXCLUDED.peer_bgp_id,
    state       = 'up',
    local_addr  = EXCLUDED.local_addr,
    local_port  = EXCLUDED.local_port,
    remote_port = EXCLUDED.remote_port,
    last_up     = EXCLUDED.last_up,
    down_reason = NULL,
    updated_at  = now()`

const upsertPeerDownSQL = `
INSERT INTO peer_sessions (router_id, peer_type, peer_rd, peer_addr, peer_as, peer_bgp_id,
	state, down_reason, last_down, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, 'down', $7, $8, now())
ON CONFLICT (router_id, peer_type, peer_rd, peer_addr) DO UPDATE SET
    state       = 'down',
    down_reason = EXCLUDED.down_reason,
    last_down   = EXCLUDED.last_down,
    updated_at  = now()`

// Writer persists events: every decoded message to bmp_messages, routes
// to route_events, peer state to peer_sessions and Initiation metadata to
// routers. It implements sink.Sink.
type Writer struct {
	pool          *pgxpool.Pool
	logger        *zap.Logger
	storeRawBytes bool
	compressRaw   bool
}

func NewWriter(pool *pgxpool.Pool, logger *zap.Logger, storeRawBytes, compressRaw bool) *Writer {
	return &Writer{
		pool:          pool,
		logger:        logger,
		storeRawBytes: storeRawBytes,
		compressRaw:   compressRaw,
	}
}

func (w *Writer) Name() string { return "postgres" }

func (w *Writer) Close() error { return nil }

// Publish writes a batch in one transaction. Messages already stored
// (same event_id on the same day) are skipped together with their routes.
func (w *Writer) Publish(ctx context.Context, events []*sink.Event) error {
	rows := make([]*messageRow, 0, len(events))
	for _, ev := range events {
		row, err := w.newMessageRow(ev)
		if err != nil {
			w.logger.Warn("skipping event that cannot be stored", zap.String("router", ev.Router), zap.Error(err))
			continue
		}
		if row != nil {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		return nil
	}

	start := time.Now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var inserted, routes int64
	for _, row := range rows {
		tag, err := tx.Exec(ctx, insertMessageSQL, row.args()...)
		if err != nil {
			return fmt.Errorf("insert bmp_message: %w", err)
		}
		if tag.RowsAffected() == 0 {
			metrics.DedupConflictsTotal.Inc()
			continue
		}
		inserted++

		n, err := w.applyMessage(ctx, tx, row)
		if err != nil {
			return err
		}
		routes += n
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	metrics.DBWriteDuration.WithLabelValues("publish").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("bmp_messages", "insert").Add(float64(inserted))
	metrics.DBRowsAffectedTotal.WithLabelValues("route_events", "insert").Add(float64(routes))

	w.logger.Debug("event batch stored",
		zap.Int("batch_size", len(rows)),
		zap.Int64("inserted", inserted),
		zap.Int64("deduped", int64(len(rows))-inserted),
		zap.Int64("routes", routes),
	)
	return nil
}

// applyMessage writes the per-type side tables for a newly stored message.
func (w *Writer) applyMessage(ctx context.Context, tx pgx.Tx, row *messageRow) (int64, error) {
	switch m := row.event.Message.(type) {
	case *bmp.RouteMonitoring:
		var n int64
		for _, r := range routeRows(row, m) {
			tag, err := tx.Exec(ctx, insertRouteSQL, r.args()...)
			if err != nil {
				return 0, fmt.Errorf("insert route_event: %w", err)
			}
			n += tag.RowsAffected()
		}
		return n, nil
	case *bmp.PeerUpNotification:
		if _, err := tx.Exec(ctx, upsertPeerUpSQL, peerUpArgs(row.routerID, m)...); err != nil {
			return 0, fmt.Errorf("upsert peer up: %w", err)
		}
	case *bmp.PeerDownNotification:
		if _, err := tx.Exec(ctx, upsertPeerDownSQL, peerDownArgs(row.routerID, m)...); err != nil {
			return 0, fmt.Errorf("upsert peer down: %w", err)
		}
	case *bmp.Initiation:
		if err := UpsertRouter(ctx, tx, row.routerID, routerIP(row.routerID), m.SysName(), m.SysDescr()); err != nil {
			// Router metadata is informational; keep the batch.
			w.logger.Warn("failed to upsert router", zap.String("router_id", row.routerID), zap.Error(err))
		}
	}
	return 0, nil
}

// messageRow is one bmp_messages row.
type messageRow struct {
	event     *sink.Event
	eventID   []byte
	routerID  string
	document  []byte
	raw       []byte
	decodeErr string
}

// newMessageRow returns nil for events without a message; those are stream
// failures that the log sink records.
func (w *Writer) newMessageRow(ev *sink.Event) (*messageRow, error) {
	if ev.Message == nil {
		return nil, nil
	}
	wire, err := bmp.Marshal(ev.Message)
	if err != nil {
		return nil, fmt.Errorf("re-encoding %s: %w", ev.Message.MsgType(), err)
	}
	doc, err := json.Marshal(sink.NewDocument(ev))
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}

	row := &messageRow{
		event:    ev,
		eventID:  ComputeEventID(wire),
		routerID: ev.Router,
		document: doc,
	}
	if ev.Err != nil {
		row.decodeErr = ev.Err.Error()
	}
	if w.storeRawBytes {
		if w.compressRaw {
			row.raw = zstdEncoder.EncodeAll(wire, nil)
		} else {
			row.raw = wire
		}
	}
	return row, nil
}

func (r *messageRow) args() []any {
	var (
		peerType, peerAddr, peerRD, peerAS any
		peerTime                           any
	)
	if h := bmp.PeerHeaderOf(r.event.Message); h != nil {
		peerType = int16(h.Type)
		peerAddr = addrOrNil(h.Address)
		peerRD = rdValue(h.Distinguisher)
		peerAS = int64(h.AS)
		if !h.Timestamp.IsZero() {
			peerTime = h.Timestamp
		}
	}
	return []any{
		r.eventID, r.routerID, nilIfEmpty(r.event.Session), r.event.Source,
		int16(r.event.Message.MsgType()),
		peerType, peerAddr, peerRD, peerAS, peerTime,
		nilIfEmpty(r.decodeErr), r.document, r.raw,
	}
}

// routeRow is one route_events row.
type routeRow struct {
	eventID   []byte
	routerID  string
	peerAddr  any
	tableName string
	ev        *bgp.RouteEvent
}

func routeRows(row *messageRow, m *bmp.RouteMonitoring) []*routeRow {
	if m.BGP == nil || m.BGP.Update == nil || m.BGP.Update.IsEndOfRIB() {
		return nil
	}
	var rows []*routeRow
	for _, ev := range m.BGP.Update.Routes() {
		rows = append(rows, &routeRow{
			eventID:   row.eventID,
			routerID:  row.routerID,
			peerAddr:  addrOrNil(m.Peer.Address),
			tableName: m.TableName(),
			ev:        ev,
		})
	}
	return rows
}

func (r *routeRow) args() []any {
	var attrsJSON []byte
	if len(r.ev.Attrs) > 0 {
		attrsJSON, _ = json.Marshal(r.ev.Attrs)
	}
	return []any{
		r.eventID, r.routerID, r.peerAddr, r.tableName, r.ev.AFI,
		r.ev.Prefix, r.ev.PathID, r.ev.Action,
		nilIfEmpty(r.ev.Nexthop), nilIfEmpty(r.ev.ASPath),
		nilIfEmpty(r.ev.Origin), r.ev.LocalPref, r.ev.MED,
		r.ev.CommStd, r.ev.CommExt, r.ev.CommLarge,
		attrsJSON,
	}
}

func peerKeyArgs(routerID string, h *bmp.PeerHeader) []any {
	return []any{
		routerID, int16(h.Type), rdValue(h.Distinguisher), h.Address.String(),
		int64(h.AS), addrOrNil(h.BGPID),
	}
}

func peerUpArgs(routerID string, m *bmp.PeerUpNotification) []any {
	return append(peerKeyArgs(routerID, &m.Peer),
		addrOrNil(m.LocalAddr), int32(m.LocalPort), int32(m.RemotePort), timeOrNow(m.Peer.Timestamp))
}

func peerDownArgs(routerID string, m *bmp.PeerDownNotification) []any {
	return append(peerKeyArgs(routerID, &m.Peer), m.Reason.String(), timeOrNow(m.Peer.Timestamp))
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
