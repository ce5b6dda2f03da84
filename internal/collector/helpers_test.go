package collector

import (
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/route-beacon/bmp-collector/internal/bgp"
	"github.com/route-beacon/bmp-collector/internal/bmp"
)

var (
	testPeerAddr = netip.MustParseAddr("192.0.2.10")
	testLocal    = netip.MustParseAddr("192.0.2.1")
)

func testPeer() bmp.PeerHeader {
	return bmp.PeerHeader{
		Type:      bmp.PeerTypeGlobal,
		Address:   testPeerAddr,
		AS:        65001,
		BGPID:     testPeerAddr,
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}
}

// testUpdate builds an UPDATE announcing 198.51.100.0/24 with a single
// AS_SEQUENCE encoded at the given ASN width.
func testUpdate(asWidth int, asns ...uint32) []byte {
	seg := []byte{bgp.ASPathSegmentSequence, byte(len(asns))}
	for _, asn := range asns {
		if asWidth == 4 {
			seg = binary.BigEndian.AppendUint32(seg, asn)
		} else {
			seg = binary.BigEndian.AppendUint16(seg, uint16(asn))
		}
	}
	var attrs []byte
	attrs = append(attrs, 0x40, 1, 1, 0)           // ORIGIN IGP
	attrs = append(attrs, 0x40, 2, byte(len(seg))) // AS_PATH
	attrs = append(attrs, seg...)
	attrs = append(attrs, 0x40, 3, 4, 192, 0, 2, 10) // NEXT_HOP
	nlri := []byte{24, 198, 51, 100}

	body := []byte{0, 0}
	body = binary.BigEndian.AppendUint16(body, uint16(len(attrs)))
	body = append(body, attrs...)
	body = append(body, nlri...)
	return append(bgp.AppendHeader(nil, bgp.MsgTypeUpdate, len(body)), body...)
}

func marshal(t *testing.T, msgs ...bmp.Message) []byte {
	t.Helper()
	var out []byte
	for _, m := range msgs {
		b, err := bmp.Marshal(m)
		require.NoError(t, err)
		out = append(out, b...)
	}
	return out
}

func initiation(sysName string) *bmp.Initiation {
	return &bmp.Initiation{Information: []bmp.InformationTLV{
		{Type: bmp.InfoTypeSysDescr, Value: []byte("test router")},
		{Type: bmp.InfoTypeSysName, Value: []byte(sysName)},
	}}
}

// peerUp reports a session on which both sides advertise four-octet ASNs.
func peerUp() *bmp.PeerUpNotification {
	sent := bgp.AppendOpen(nil, 23456, 90, testLocal, []bgp.Capability{bgp.FourOctetASCapability(4200000000)})
	recv := bgp.AppendOpen(nil, 23456, 90, testPeerAddr, []bgp.Capability{bgp.FourOctetASCapability(4200000001)})
	return &bmp.PeerUpNotification{
		Peer:            testPeer(),
		LocalAddr:       testLocal,
		LocalPort:       179,
		RemotePort:      50123,
		RawSentOpen:     sent,
		RawReceivedOpen: recv,
	}
}

func routeMonitoring(update []byte) *bmp.RouteMonitoring {
	return &bmp.RouteMonitoring{Peer: testPeer(), RawBGP: update}
}

func termination() *bmp.Termination {
	return &bmp.Termination{Information: []bmp.InformationTLV{
		{Type: bmp.TermTypeReason, Value: []byte{0, 0}},
	}}
}

func asPathOf(t *testing.T, m bmp.Message) string {
	t.Helper()
	rm, ok := m.(*bmp.RouteMonitoring)
	require.True(t, ok, "expected route monitoring, got %T", m)
	require.NotNil(t, rm.BGP)
	require.NotNil(t, rm.BGP.Update)
	return rm.BGP.Update.Attributes.EffectiveASPath().String()
}

// badVersion is a complete frame with BMP version 2.
var badVersion = []byte{2, 0, 0, 0, 6, 4}
