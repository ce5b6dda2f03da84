package collector

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bmp-collector/internal/bmp"
	"github.com/route-beacon/bmp-collector/internal/metrics"
	"github.com/route-beacon/bmp-collector/internal/sink"
)

// errorKind labels a decode error for metrics.
func errorKind(err error) string {
	switch {
	case bmp.IsFatal(err):
		return "frame"
	case errors.Is(err, bmp.ErrEmbeddedBGP):
		return "embedded_bgp"
	case errors.Is(err, bmp.ErrUnknownMessageType):
		return "unknown_type"
	case errors.Is(err, bmp.ErrMalformedBody):
		return "malformed"
	default:
		return "other"
	}
}

// feed writes data to dec and converts every message that became complete
// into an event stamped like tmpl. The returned error is the fatal stream
// error, if one was hit.
func feed(dec *bmp.Decoder, data []byte, tmpl sink.Event, logger *zap.Logger) ([]*sink.Event, error) {
	metrics.BytesReceivedTotal.WithLabelValues(tmpl.Source).Add(float64(len(data)))

	var events []*sink.Event
	for msg, err := range dec.Feed(data) {
		if err != nil {
			metrics.DecodeErrorsTotal.WithLabelValues(tmpl.Source, errorKind(err)).Inc()
			if bmp.IsFatal(err) {
				return events, err
			}
			logger.Debug("bmp message decoded with error",
				zap.String("router", tmpl.Router),
				zap.Error(err),
			)
		}
		if msg != nil {
			metrics.MessagesTotal.WithLabelValues(tmpl.Source, msg.MsgType().String()).Inc()
		}
		ev := tmpl
		ev.Message = msg
		ev.Err = err
		events = append(events, &ev)
	}
	if len(events) > 0 && tmpl.Router != "" {
		metrics.LastMsgTimestamp.WithLabelValues(tmpl.Router).Set(float64(time.Now().Unix()))
		metrics.TrackedPeers.WithLabelValues(tmpl.Router).Set(float64(len(dec.Peers())))
	}
	return events, nil
}
