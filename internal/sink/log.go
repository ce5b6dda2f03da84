package sink

import (
	"context"

	"go.uber.org/zap"

	"github.com/route-beacon/bmp-collector/internal/bmp"
)

// Log writes a one-line summary of every event to a zap logger.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Publish(_ context.Context, events []*Event) error {
	for _, ev := range events {
		fields := []zap.Field{
			zap.String("router", ev.Router),
			zap.String("source", ev.Source),
		}
		if ev.Session != "" {
			fields = append(fields, zap.String("session", ev.Session))
		}
		if ev.Message != nil {
			fields = append(fields, zap.Stringer("type", ev.Message.MsgType()))
			if peer := bmp.PeerHeaderOf(ev.Message); peer != nil {
				fields = append(fields, zap.Stringer("peer", peer.Key()))
			}
		}
		fields = append(fields, summaryFields(ev.Message)...)
		if ev.Err != nil {
			l.logger.Warn("bmp message", append(fields, zap.Error(ev.Err))...)
			continue
		}
		l.logger.Info("bmp message", fields...)
	}
	return nil
}

func (l *Log) Close() error { return nil }

func summaryFields(msg bmp.Message) []zap.Field {
	switch m := msg.(type) {
	case *bmp.RouteMonitoring:
		if m.BGP == nil || m.BGP.Update == nil {
			return nil
		}
		if m.BGP.Update.IsEndOfRIB() {
			return []zap.Field{zap.Stringer("end_of_rib", m.BGP.Update.EndOfRIBFamily())}
		}
		return []zap.Field{zap.Int("routes", len(m.BGP.Update.Routes()))}
	case *bmp.StatisticsReport:
		return []zap.Field{zap.Int("stats", len(m.Stats))}
	case *bmp.PeerDownNotification:
		return []zap.Field{zap.Stringer("reason", m.Reason)}
	case *bmp.PeerUpNotification:
		return []zap.Field{
			zap.Stringer("local_addr", m.LocalAddr),
			zap.Uint16("local_port", m.LocalPort),
			zap.Uint16("remote_port", m.RemotePort),
		}
	case *bmp.Initiation:
		return []zap.Field{zap.String("sys_name", m.SysName()), zap.String("sys_descr", m.SysDescr())}
	case *bmp.Termination:
		if r, ok := m.Reason(); ok {
			return []zap.Field{zap.Uint16("reason", uint16(r))}
		}
	case *bmp.RouteMirroring:
		return []zap.Field{zap.Int("tlvs", len(m.TLVs))}
	case *bmp.UnknownMessage:
		return []zap.Field{zap.Int("body_bytes", len(m.Body))}
	}
	return nil
}
