package bmp

import (
	"bytes"
	"errors"
	"iter"

	"go.uber.org/zap"

	"github.com/route-beacon/bmp-collector/internal/bgp"
)

// State is the buffering state of a Decoder.
type State int

const (
	// StateIdle means no partial message is buffered.
	StateIdle State = iota
	// StateBuffering means the buffer holds the start of an incomplete message.
	StateBuffering
)

func (s State) String() string {
	if s == StateBuffering {
		return "buffering"
	}
	return "idle"
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithMaxMessageLength sets the largest accepted message length. Longer
// declared lengths are fatal ErrInvalidLength errors.
func WithMaxMessageLength(n uint32) Option {
	return func(d *Decoder) { d.reader.MaxLength = n }
}

// WithCodec replaces the BGP codec used for embedded messages.
func WithCodec(c Codec) Option {
	return func(d *Decoder) { d.codec = c }
}

// WithLogger sets the logger for peer state changes and stream failures.
func WithLogger(l *zap.Logger) Option {
	return func(d *Decoder) { d.logger = l }
}

// Decoder turns the bytes of one BMP stream into messages. It owns the
// pending buffer and the capabilities of every peer that is up on the
// stream. A Decoder performs no I/O and is not safe for concurrent use;
// use one per stream.
type Decoder struct {
	reader FrameReader
	codec  Codec
	store  *CapabilityStore
	parser *Parser
	logger *zap.Logger

	buf    []byte
	start  int   // first unconsumed byte in buf
	offset int64 // stream offset of buf[start]
	fatal  error
}

func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{
		reader: FrameReader{MaxLength: DefaultMaxMessageLength},
		store:  NewCapabilityStore(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.parser = NewParser(NewAdapter(d.store, d.codec))
	return d
}

// Write appends stream bytes. It never blocks and only fails once the
// stream has hit a fatal error.
func (d *Decoder) Write(p []byte) (int, error) {
	if d.fatal != nil {
		return 0, d.fatal
	}
	if d.start > 0 {
		d.buf = append(d.buf[:0], d.buf[d.start:]...)
		d.start = 0
	}
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Next decodes the next complete message from the buffered bytes.
//
// It returns ErrNeedMoreData when no complete message is buffered. A
// *FrameError is fatal: the buffer is dropped and every later call returns
// the same error until Reset. Any other error concerns only the returned
// message; call Next again to continue.
//
// Returned messages never share memory with the decoder's buffer.
func (d *Decoder) Next() (Message, error) {
	if d.fatal != nil {
		return nil, d.fatal
	}

	frame, n, err := d.reader.Next(d.buf[d.start:])
	if err != nil {
		if errors.Is(err, ErrNeedMoreData) {
			return nil, ErrNeedMoreData
		}
		return nil, d.fail(err)
	}

	frame = bytes.Clone(frame)
	offset := d.offset
	d.consume(n)

	msg, err := d.parser.Parse(frame)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnsupportedVersion), errors.Is(err, ErrInvalidLength):
			return nil, d.fail(err)
		case errors.Is(err, ErrUnknownMessageType), errors.Is(err, ErrMalformedBody):
			err = &MessageError{Type: MsgType(frame[5]), Offset: offset, Err: err}
		}
	}
	d.track(msg)
	return msg, err
}

// Feed appends p and returns an iterator over the messages that are now
// complete. Iteration stops when more data is needed or after yielding a
// fatal error.
func (d *Decoder) Feed(p []byte) iter.Seq2[Message, error] {
	_, _ = d.Write(p)
	return func(yield func(Message, error) bool) {
		for {
			msg, err := d.Next()
			if errors.Is(err, ErrNeedMoreData) {
				return
			}
			if !yield(msg, err) || IsFatal(err) {
				return
			}
		}
	}
}

// State reports whether a partial message is buffered. Complete messages
// that Next has not yet returned leave the decoder idle.
func (d *Decoder) State() State {
	if d.Buffered() == 0 {
		return StateIdle
	}
	if _, _, err := d.reader.Next(d.buf[d.start:]); errors.Is(err, ErrNeedMoreData) {
		return StateBuffering
	}
	return StateIdle
}

// Buffered returns the number of bytes not yet consumed by Next.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.start
}

// Peers returns the peers that are currently up.
func (d *Decoder) Peers() []PeerKey {
	return d.store.Keys()
}

// Capabilities returns the context negotiated for a peer that is up.
func (d *Decoder) Capabilities(key PeerKey) (bgp.Context, bool) {
	return d.store.Lookup(key)
}

// Reset drops buffered bytes, peer state and any fatal error so the
// decoder can serve a new stream.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.start = 0
	d.offset = 0
	d.fatal = nil
	d.store.Reset()
}

func (d *Decoder) consume(n int) {
	d.start += n
	d.offset += int64(n)
	if d.start == len(d.buf) {
		d.buf = d.buf[:0]
		d.start = 0
	}
}

func (d *Decoder) fail(err error) error {
	d.fatal = &FrameError{Offset: d.offset, Err: err}
	d.buf = nil
	d.start = 0
	d.logger.Warn("bmp stream unrecoverable", zap.Int64("offset", d.offset), zap.Error(err))
	return d.fatal
}

// track applies Peer Up and Peer Down to the capability store.
func (d *Decoder) track(msg Message) {
	switch m := msg.(type) {
	case *PeerUpNotification:
		key := m.Peer.Key()
		ctx, err := d.store.Record(key, m.RawSentOpen, m.RawReceivedOpen)
		if err != nil {
			d.logger.Warn("peer up opens unusable, using default capabilities",
				zap.Stringer("peer", key), zap.Error(err))
		}
		d.logger.Debug("peer up",
			zap.Stringer("peer", key),
			zap.String("capabilities", describeContext(ctx)),
			zap.Int("tracked_peers", d.store.Len()))
	case *PeerDownNotification:
		key := m.Peer.Key()
		d.store.Forget(key)
		d.logger.Debug("peer down",
			zap.Stringer("peer", key),
			zap.Stringer("reason", m.Reason),
			zap.Int("tracked_peers", d.store.Len()))
	}
}
