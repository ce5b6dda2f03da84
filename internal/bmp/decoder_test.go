package bmp

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/route-beacon/bmp-collector/internal/bgp"
)

type decoded struct {
	msg Message
	err error
}

// drain collects messages until more data is needed or a fatal error.
func drain(d *Decoder) []decoded {
	var out []decoded
	for {
		msg, err := d.Next()
		if errors.Is(err, ErrNeedMoreData) {
			return out
		}
		out = append(out, decoded{msg, err})
		if IsFatal(err) {
			return out
		}
	}
}

// sessionStream is a typical stream: initiation, a four-octet peer coming
// up, a route for it, the peer going down and a route after that.
func sessionStream() []byte {
	peer := defaultPeerHeader()
	var stream []byte
	stream = append(stream, buildInitiation("r1")...)
	stream = append(stream, buildPeerUp(peer, fourOctetOpen(64496), fourOctetOpen(65536))...)
	stream = append(stream, buildRouteMonitoring(peer, buildUpdate(ambiguousASPath))...)
	stream = append(stream, buildPeerDown(peer, PeerDownRemoteNoData, nil)...)
	stream = append(stream, buildRouteMonitoring(peer, buildUpdate(ambiguousASPath))...)
	stream = append(stream, buildBMP(MsgTypeTermination)...)
	return stream
}

func TestDecoder_CapabilityLifecycle(t *testing.T) {
	d := NewDecoder()
	_, err := d.Write(sessionStream())
	require.NoError(t, err)

	out := drain(d)
	require.Len(t, out, 6)
	for i, o := range out {
		require.NoError(t, o.err, "message %d", i)
	}

	assert.IsType(t, &Initiation{}, out[0].msg)
	assert.IsType(t, &PeerUpNotification{}, out[1].msg)
	assert.Equal(t, "65536 33619973", asPathOf(out[2].msg), "route while peer is up uses four-octet AS")
	assert.IsType(t, &PeerDownNotification{}, out[3].msg)
	assert.Equal(t, "1 0 5", asPathOf(out[4].msg), "route after peer down uses defaults")
	assert.IsType(t, &Termination{}, out[5].msg)

	assert.Empty(t, d.Peers())
	assert.Equal(t, StateIdle, d.State())
}

func TestDecoder_DefaultsWithoutPeerUp(t *testing.T) {
	d := NewDecoder()
	msgs := d.Feed(buildRouteMonitoring(defaultPeerHeader(), buildUpdate(ambiguousASPath)))
	for msg, err := range msgs {
		require.NoError(t, err)
		assert.Equal(t, "1 0 5", asPathOf(msg))
	}
}

func TestDecoder_LegacyASPathFlag(t *testing.T) {
	d := NewDecoder()
	peer := defaultPeerHeader()
	_, _ = d.Write(buildPeerUp(peer, fourOctetOpen(64496), fourOctetOpen(65536)))

	// Same peer identity; the A flag is not part of the key.
	legacy := bytes.Clone(peer)
	legacy[1] = byte(PeerFlagLegacyASPath)
	_, _ = d.Write(buildRouteMonitoring(legacy, buildUpdate(ambiguousASPath)))

	out := drain(d)
	require.Len(t, out, 2)
	require.NoError(t, out[1].err)
	assert.Equal(t, "1 0 5", asPathOf(out[1].msg))

	ctx, ok := d.Capabilities(PeerHeaderOf(out[1].msg).Key())
	require.True(t, ok)
	assert.True(t, ctx.FourOctetAS, "the flag must not change the stored context")
}

func TestDecoder_PeersAreIsolated(t *testing.T) {
	d := NewDecoder()
	peerA := defaultPeerHeader()
	peerB := buildPeerHeader(PeerTypeGlobal, 0, testRouterID, 64497)

	_, _ = d.Write(buildPeerUp(peerA, fourOctetOpen(64496), fourOctetOpen(65536)))
	_, _ = d.Write(buildPeerUp(peerB, buildOpen(), buildOpen()))
	_, _ = d.Write(buildRouteMonitoring(peerA, buildUpdate(ambiguousASPath)))
	_, _ = d.Write(buildRouteMonitoring(peerB, buildUpdate(ambiguousASPath)))

	out := drain(d)
	require.Len(t, out, 4)
	assert.Equal(t, "65536 33619973", asPathOf(out[2].msg))
	assert.Equal(t, "1 0 5", asPathOf(out[3].msg))
	assert.Len(t, d.Peers(), 2)
}

func TestDecoder_Fragmentation(t *testing.T) {
	stream := sessionStream()

	whole := NewDecoder()
	_, _ = whole.Write(stream)
	want := drain(whole)

	byteWise := NewDecoder()
	var got []decoded
	for i := range stream {
		_, err := byteWise.Write(stream[i : i+1])
		require.NoError(t, err)
		got = append(got, drain(byteWise)...)
	}
	assert.Equal(t, want, got)
	assert.Equal(t, StateIdle, byteWise.State())
	assert.Zero(t, byteWise.Buffered())
}

func TestDecoder_PartialMessage(t *testing.T) {
	d := NewDecoder()
	msg := buildInitiation("r1")

	_, _ = d.Write(msg[:3])
	_, err := d.Next()
	assert.ErrorIs(t, err, ErrNeedMoreData)
	assert.Equal(t, StateBuffering, d.State())
	assert.Equal(t, 3, d.Buffered())

	_, _ = d.Write(msg[3:])
	got, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, "r1", got.(*Initiation).SysName())
	assert.Equal(t, StateIdle, d.State())
}

func TestDecoder_StateWithUndrainedFrames(t *testing.T) {
	d := NewDecoder()
	msg := buildInitiation("r1")

	_, _ = d.Write(msg)
	assert.Equal(t, len(msg), d.Buffered())
	assert.Equal(t, StateIdle, d.State(), "a complete frame is not a partial message")

	_, _ = d.Write(msg[:4])
	assert.Equal(t, StateIdle, d.State(), "the head of the buffer is still complete")

	_, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, 4, d.Buffered())
	assert.Equal(t, StateBuffering, d.State())
}

func TestDecoder_UnknownTypeContinues(t *testing.T) {
	d := NewDecoder()
	_, _ = d.Write(buildBMP(MsgType(99), []byte{1, 2, 3}))
	_, _ = d.Write(buildInitiation("after"))

	out := drain(d)
	require.Len(t, out, 2)

	var me *MessageError
	require.ErrorAs(t, out[0].err, &me)
	assert.Equal(t, MsgType(99), me.Type)
	assert.Zero(t, me.Offset)
	assert.ErrorIs(t, out[0].err, ErrUnknownMessageType)
	assert.False(t, IsFatal(out[0].err))
	assert.IsType(t, &UnknownMessage{}, out[0].msg)

	require.NoError(t, out[1].err)
	assert.Equal(t, "after", out[1].msg.(*Initiation).SysName())
}

func TestDecoder_MalformedContinues(t *testing.T) {
	d := NewDecoder()
	first := buildBMP(MsgTypeStatisticsReport, defaultPeerHeader(), []byte{0, 0})
	_, _ = d.Write(first)
	_, _ = d.Write(buildInitiation("after"))

	out := drain(d)
	require.Len(t, out, 2)
	assert.Nil(t, out[0].msg)
	assert.ErrorIs(t, out[0].err, ErrMalformedBody)
	assert.False(t, IsFatal(out[0].err))
	require.NoError(t, out[1].err)
}

func TestDecoder_EmbeddedErrorResync(t *testing.T) {
	d := NewDecoder()
	peer := defaultPeerHeader()
	_, _ = d.Write(buildRouteMonitoring(peer, buildBrokenUpdate()))
	_, _ = d.Write(buildRouteMonitoring(peer, buildUpdate([]byte{0x02, 0x01, 0xFB, 0xF0})))

	out := drain(d)
	require.Len(t, out, 2)
	assert.ErrorIs(t, out[0].err, ErrEmbeddedBGP)
	assert.NotNil(t, out[0].msg)
	require.NoError(t, out[1].err)
	assert.Equal(t, "64496", asPathOf(out[1].msg))
}

func TestDecoder_FatalIsSticky(t *testing.T) {
	d := NewDecoder()
	good := buildInitiation("r1")
	_, _ = d.Write(good)
	_, _ = d.Write([]byte{0x04, 0, 0, 0, 6, 4})

	_, err := d.Next()
	require.NoError(t, err)

	_, err = d.Next()
	require.True(t, IsFatal(err))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, int64(len(good)), fe.Offset)

	_, again := d.Next()
	assert.Same(t, err, again)
	_, werr := d.Write(good)
	assert.ErrorIs(t, werr, ErrUnsupportedVersion)
	assert.Zero(t, d.Buffered())

	d.Reset()
	_, _ = d.Write(good)
	msg, err := d.Next()
	require.NoError(t, err)
	assert.IsType(t, &Initiation{}, msg)
}

func TestDecoder_LengthGuard(t *testing.T) {
	d := NewDecoder(WithMaxMessageLength(1024))
	// Declares 1 MiB; only the header has arrived.
	_, _ = d.Write([]byte{BMPVersion, 0x00, 0x10, 0x00, 0x00, byte(MsgTypeRouteMonitoring)})

	_, err := d.Next()
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestDecoder_ShortDeclaredLength(t *testing.T) {
	d := NewDecoder()
	_, _ = d.Write([]byte{BMPVersion, 0, 0, 0, 2, 0, 0, 0})
	_, err := d.Next()
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestDecoder_FeedStopsAtFatal(t *testing.T) {
	d := NewDecoder()
	stream := append(buildInitiation("r1"), 0x02, 0, 0, 0, 6, 4)
	stream = append(stream, buildInitiation("never")...)

	var msgs []Message
	var errs []error
	for msg, err := range d.Feed(stream) {
		msgs = append(msgs, msg)
		errs = append(errs, err)
	}
	require.Len(t, msgs, 2)
	assert.NoError(t, errs[0])
	assert.True(t, IsFatal(errs[1]))
}

func TestDecoder_FeedEarlyBreak(t *testing.T) {
	d := NewDecoder()
	stream := append(buildInitiation("a"), buildInitiation("b")...)
	for range d.Feed(stream) {
		break
	}
	msg, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, "b", msg.(*Initiation).SysName())
}

func TestDecoder_MessagesDoNotAliasBuffer(t *testing.T) {
	d := NewDecoder()
	update := buildUpdate([]byte{0x02, 0x01, 0xFB, 0xF0})
	_, _ = d.Write(buildRouteMonitoring(defaultPeerHeader(), update))
	_, _ = d.Write(buildInitiation("r1")[:4])

	msg, err := d.Next()
	require.NoError(t, err)
	raw := msg.(*RouteMonitoring).RawBGP

	// Compaction and new data must not disturb the returned message.
	for i := 0; i < 8; i++ {
		_, _ = d.Write(bytes.Repeat([]byte{0xAB}, 64))
	}
	assert.Equal(t, update, raw)
}

func TestDecoder_CustomCodec(t *testing.T) {
	var seen []bgp.Context
	codec := CodecFunc(func(data []byte, ctx bgp.Context) (*bgp.Message, error) {
		seen = append(seen, ctx)
		return bgp.Decode(data, ctx)
	})
	d := NewDecoder(WithCodec(codec))
	peer := defaultPeerHeader()
	_, _ = d.Write(buildPeerUp(peer, fourOctetOpen(1), fourOctetOpen(2)))
	_, _ = d.Write(buildRouteMonitoring(peer, buildUpdate(ambiguousASPath)))
	drain(d)

	// Two OPENs decoded with the default context, then the UPDATE.
	require.Len(t, seen, 3)
	assert.False(t, seen[0].FourOctetAS)
	assert.True(t, seen[2].FourOctetAS)
}

func TestDecoder_Logging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	d := NewDecoder(WithLogger(zap.New(core)))
	peer := defaultPeerHeader()

	_, _ = d.Write(buildPeerUp(peer, fourOctetOpen(1), fourOctetOpen(2)))
	_, _ = d.Write(buildPeerDown(peer, PeerDownRemoteNoData, nil))
	_, _ = d.Write([]byte{0x07})
	drain(d)

	up := logs.FilterMessage("peer up").All()
	require.Len(t, up, 1)
	assert.Equal(t, "as4 ipv4-unicast", up[0].ContextMap()["capabilities"])
	assert.Equal(t, 1, logs.FilterMessage("peer down").Len())
	assert.Equal(t, 1, logs.FilterMessage("bmp stream unrecoverable").Len())
}

func TestDecoder_PeerUpWithoutOpensTracked(t *testing.T) {
	d := NewDecoder()
	_, _ = d.Write(buildPeerUp(defaultPeerHeader(), nil, nil))
	out := drain(d)
	require.Len(t, out, 1)
	require.NoError(t, out[0].err)

	peers := d.Peers()
	require.Len(t, peers, 1)
	ctx, ok := d.Capabilities(peers[0])
	require.True(t, ok)
	assert.False(t, ctx.FourOctetAS)
}
