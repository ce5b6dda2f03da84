package collector

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bmp-collector/internal/bmp"
	"github.com/route-beacon/bmp-collector/internal/sink"
)

// Demux splits records that interleave several BMP streams, such as an
// OpenBMP RAW topic, into one Decoder per router so that capability state
// never leaks between speakers.
type Demux struct {
	mu       sync.Mutex
	decoders map[string]*bmp.Decoder
	opts     []bmp.Option
	source   string
	logger   *zap.Logger
}

func NewDemux(source string, logger *zap.Logger, opts ...bmp.Option) *Demux {
	return &Demux{
		decoders: make(map[string]*bmp.Decoder),
		opts:     opts,
		source:   source,
		logger:   logger,
	}
}

// Feed decodes data as the next chunk of router's stream. A fatal framing
// error resets that router's decoder so the next record starts clean; it is
// reported as an event without a message.
func (d *Demux) Feed(router string, received time.Time, data []byte) []*sink.Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	dec, ok := d.decoders[router]
	if !ok {
		dec = bmp.NewDecoder(append(d.opts[:len(d.opts):len(d.opts)], bmp.WithLogger(d.logger.With(zap.String("router", router))))...)
		d.decoders[router] = dec
		d.logger.Info("new bmp stream", zap.String("router", router))
	}

	tmpl := sink.Event{Router: router, Source: d.source, Received: received}
	events, err := feed(dec, data, tmpl, d.logger)
	if err != nil {
		d.logger.Warn("bmp stream reset after framing error",
			zap.String("router", router),
			zap.Int("peers_dropped", len(dec.Peers())),
			zap.Error(err),
		)
		dec.Reset()
		ev := tmpl
		ev.Err = err
		events = append(events, &ev)
	}
	return events
}

// Forget drops the decoder of router.
func (d *Demux) Forget(router string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.decoders, router)
}

// Routers returns the number of streams being decoded.
func (d *Demux) Routers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.decoders)
}

// Peers returns the peers that are up on router's stream.
func (d *Demux) Peers(router string) []bmp.PeerKey {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dec, ok := d.decoders[router]; ok {
		return dec.Peers()
	}
	return nil
}
