package bmp

import (
	"github.com/route-beacon/bmp-collector/internal/bgp"
)

// Codec decodes one complete BGP message under a negotiated session context.
type Codec interface {
	Decode(data []byte, ctx bgp.Context) (*bgp.Message, error)
}

// CodecFunc adapts a function to the Codec interface.
type CodecFunc func(data []byte, ctx bgp.Context) (*bgp.Message, error)

func (f CodecFunc) Decode(data []byte, ctx bgp.Context) (*bgp.Message, error) {
	return f(data, ctx)
}

// DefaultCodec is the internal BGP decoder.
var DefaultCodec Codec = CodecFunc(bgp.Decode)

// Adapter decodes BGP messages embedded in BMP messages using the context
// negotiated for the owning peer.
type Adapter struct {
	store *CapabilityStore
	codec Codec
}

func NewAdapter(store *CapabilityStore, codec Codec) *Adapter {
	if codec == nil {
		codec = DefaultCodec
	}
	return &Adapter{store: store, codec: codec}
}

// Context returns the context used for messages of peer: the recorded one,
// or the default when the peer is not up. The A flag overrides the AS
// number width, since the speaker states the AS_PATH encoding explicitly.
func (a *Adapter) Context(peer *PeerHeader) bgp.Context {
	ctx, ok := a.store.Lookup(peer.Key())
	if !ok {
		ctx = bgp.DefaultContext()
	}
	if peer.Flags.LegacyASPath() {
		ctx.FourOctetAS = false
	}
	return ctx
}

// Decode decodes data for peer. A codec failure is returned as an
// *EmbeddedBGPError attributed to the peer and BMP message type.
func (a *Adapter) Decode(peer *PeerHeader, t MsgType, data []byte) (*bgp.Message, error) {
	msg, err := a.codec.Decode(data, a.Context(peer))
	if err != nil {
		return nil, &EmbeddedBGPError{Peer: peer.Key(), Type: t, Err: err}
	}
	return msg, nil
}
