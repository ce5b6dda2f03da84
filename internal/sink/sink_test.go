package sink

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/route-beacon/bmp-collector/internal/bgp"
	"github.com/route-beacon/bmp-collector/internal/bmp"
)

var testReceived = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testPeer() bmp.PeerHeader {
	return bmp.PeerHeader{
		Type:      bmp.PeerTypeGlobal,
		Address:   netip.MustParseAddr("192.0.2.10"),
		AS:        65001,
		BGPID:     netip.MustParseAddr("192.0.2.10"),
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}
}

func routeMonitoringEvent() *Event {
	lp := uint32(100)
	update := &bgp.Update{
		Attributes: &bgp.PathAttributes{
			Origin:    "IGP",
			ASPath:    bgp.ASPath{{Type: bgp.ASPathSegmentSequence, ASNs: []uint32{65001, 65002}}},
			Nexthop:   "192.0.2.10",
			LocalPref: &lp,
		},
		NLRI: []bgp.Prefix{{Prefix: netip.MustParsePrefix("198.51.100.0/24")}},
	}
	return &Event{
		Router:   "192.0.2.1",
		Session:  "s-1",
		Source:   SourceTCP,
		Received: testReceived,
		Message: &bmp.RouteMonitoring{
			Peer: testPeer(),
			BGP:  &bgp.Message{Type: bgp.MsgTypeUpdate, Update: update},
		},
	}
}

type recordingSink struct {
	name    string
	err     error
	batches [][]*Event
	closed  bool
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Publish(_ context.Context, events []*Event) error {
	r.batches = append(r.batches, events)
	return r.err
}

func (r *recordingSink) Close() error {
	r.closed = true
	return r.err
}

func TestMulti_FansOut(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}
	m := NewMulti(zap.NewNop(), a, b)

	require.NoError(t, m.Publish(context.Background(), []*Event{routeMonitoringEvent()}))
	assert.Len(t, a.batches, 1)
	assert.Len(t, b.batches, 1)
	assert.Equal(t, 2, m.Len())
}

func TestMulti_CollectsErrors(t *testing.T) {
	errA := errors.New("a failed")
	errC := errors.New("c failed")
	a := &recordingSink{name: "a", err: errA}
	b := &recordingSink{name: "b"}
	c := &recordingSink{name: "c", err: errC}
	m := NewMulti(zap.NewNop(), a, b, c)

	err := m.Publish(context.Background(), []*Event{routeMonitoringEvent()})
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errC)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 2)
	assert.Len(t, b.batches, 1, "healthy sink still receives the batch")

	require.Error(t, m.Close())
	assert.True(t, a.closed && b.closed && c.closed)
}

func TestMulti_EmptyBatch(t *testing.T) {
	a := &recordingSink{name: "a"}
	m := NewMulti(zap.NewNop(), a)
	require.NoError(t, m.Publish(context.Background(), nil))
	assert.Empty(t, a.batches)
}

func TestLog_Publish(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := NewLog(zap.New(core))

	bad := &Event{
		Router:   "192.0.2.1",
		Source:   SourceKafka,
		Received: testReceived,
		Err:      bmp.ErrMalformedBody,
	}
	require.NoError(t, l.Publish(context.Background(), []*Event{routeMonitoringEvent(), bad}))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "route_monitoring", fields["type"])
	assert.Equal(t, int64(1), fields["routes"])
	assert.Equal(t, "s-1", fields["session"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
}

func TestNewDocument_RouteMonitoring(t *testing.T) {
	doc := NewDocument(routeMonitoringEvent())

	assert.Equal(t, "route_monitoring", doc.Type)
	require.NotNil(t, doc.Peer)
	assert.Equal(t, "192.0.2.10", doc.Peer.Address)
	assert.Equal(t, uint32(65001), doc.Peer.AS)
	require.Len(t, doc.Routes, 1)
	r := doc.Routes[0]
	assert.Equal(t, "198.51.100.0/24", r.Prefix)
	assert.Equal(t, "A", r.Action)
	assert.Equal(t, "65001 65002", r.ASPath)
	assert.Equal(t, uint32(100), *r.LocalPref)
}

func TestNewDocument_Variants(t *testing.T) {
	tests := []struct {
		name  string
		msg   bmp.Message
		check func(t *testing.T, d *Document)
	}{
		{
			name: "initiation",
			msg: &bmp.Initiation{Information: []bmp.InformationTLV{
				{Type: bmp.InfoTypeSysName, Value: []byte("edge-1")},
				{Type: bmp.InfoTypeSysDescr, Value: []byte("test router")},
			}},
			check: func(t *testing.T, d *Document) {
				assert.Equal(t, "initiation", d.Type)
				assert.Nil(t, d.Peer)
				assert.Equal(t, "edge-1", d.Information["sys_name"])
				assert.Equal(t, "test router", d.Information["sys_descr"])
			},
		},
		{
			name: "termination reason",
			msg: &bmp.Termination{Information: []bmp.InformationTLV{
				{Type: bmp.TermTypeReason, Value: []byte{0, 2}},
			}},
			check: func(t *testing.T, d *Document) {
				assert.Equal(t, "2", d.Information["reason"])
			},
		},
		{
			name: "peer down",
			msg:  &bmp.PeerDownNotification{Peer: testPeer(), Reason: bmp.PeerDownLocalNoNotification, FSMEvent: 7},
			check: func(t *testing.T, d *Document) {
				require.NotNil(t, d.PeerDown)
				assert.Equal(t, "local_no_notification", d.PeerDown.Reason)
				assert.Equal(t, uint16(7), d.PeerDown.FSMEvent)
			},
		},
		{
			name: "statistics",
			msg: &bmp.StatisticsReport{Peer: testPeer(), Stats: []bmp.Stat{
				{Type: bmp.StatRejectedPrefixes, Value: 3},
				{Type: bmp.StatAdjRIBInRoutesPerAFI, Family: bgp.FamilyIPv6Unicast, Value: 42},
			}},
			check: func(t *testing.T, d *Document) {
				require.Len(t, d.Stats, 2)
				assert.Empty(t, d.Stats[0].Family)
				assert.Equal(t, "ipv6-unicast", d.Stats[1].Family)
				assert.Equal(t, uint64(42), d.Stats[1].Value)
			},
		},
		{
			name: "unknown",
			msg:  &bmp.UnknownMessage{Type: 9, Body: []byte{1, 2, 3}},
			check: func(t *testing.T, d *Document) {
				assert.Equal(t, "unknown(9)", d.Type)
				assert.Equal(t, 3, d.BodyBytes)
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.check(t, NewDocument(&Event{Received: testReceived, Message: tc.msg}))
		})
	}
}

func TestNewDocument_Undecodable(t *testing.T) {
	doc := NewDocument(&Event{Router: "r", Err: bmp.ErrMalformedBody})
	assert.Equal(t, "undecodable", doc.Type)
	assert.Equal(t, bmp.ErrMalformedBody.Error(), doc.Error)
}

type bufferCloser struct {
	bytes.Buffer
	closed bool
}

func (b *bufferCloser) Close() error {
	b.closed = true
	return nil
}

func TestFile_WritesJSONLines(t *testing.T) {
	buf := &bufferCloser{}
	f := NewWriter(buf)

	require.NoError(t, f.Publish(context.Background(), []*Event{routeMonitoringEvent(), routeMonitoringEvent()}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var doc Document
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &doc))
	assert.Equal(t, "192.0.2.1", doc.Router)
	assert.True(t, doc.Received.Equal(testReceived))

	require.NoError(t, f.Close())
	assert.True(t, buf.closed)
}
