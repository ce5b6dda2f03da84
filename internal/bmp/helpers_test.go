package bmp

import (
	"encoding/binary"
	"net/netip"

	"github.com/route-beacon/bmp-collector/internal/bgp"
)

var (
	testPeerAddr = netip.MustParseAddr("192.0.2.10")
	testRouterID = netip.MustParseAddr("192.0.2.1")
)

// ambiguousASPath decodes as "65536 33619973" with 4-byte AS numbers and
// as "1 0 5" with 2-byte AS numbers.
var ambiguousASPath = []byte{0x02, 0x02, 0x00, 0x01, 0x00, 0x00, 0x02, 0x01, 0x00, 0x05}

// buildBMP wraps body parts in a common header with the correct length.
func buildBMP(t MsgType, parts ...[]byte) []byte {
	msg := []byte{BMPVersion, 0, 0, 0, 0, byte(t)}
	for _, p := range parts {
		msg = append(msg, p...)
	}
	binary.BigEndian.PutUint32(msg[1:5], uint32(len(msg)))
	return msg
}

// buildPeerHeader builds a 42-byte per-peer header. IPv4 addresses are
// written in the last 4 bytes of the address field.
func buildPeerHeader(typ PeerType, flags PeerFlags, addr netip.Addr, as uint32) []byte {
	b := make([]byte, PerPeerHeaderSize)
	b[0] = byte(typ)
	b[1] = byte(flags)
	if addr.Is4() {
		a := addr.As4()
		copy(b[22:26], a[:])
	} else {
		a := addr.As16()
		copy(b[10:26], a[:])
	}
	binary.BigEndian.PutUint32(b[26:30], as)
	id := testRouterID.As4()
	copy(b[30:34], id[:])
	binary.BigEndian.PutUint32(b[34:38], 1700000000)
	binary.BigEndian.PutUint32(b[38:42], 250)
	return b
}

func defaultPeerHeader() []byte {
	return buildPeerHeader(PeerTypeGlobal, 0, testPeerAddr, 64496)
}

func buildTLV(t uint16, value []byte) []byte {
	b := binary.BigEndian.AppendUint16(nil, t)
	b = binary.BigEndian.AppendUint16(b, uint16(len(value)))
	return append(b, value...)
}

// buildUpdate builds a BGP UPDATE announcing 198.51.100.0/24 with the given
// raw AS_PATH attribute value.
func buildUpdate(asPath []byte) []byte {
	var attrs []byte
	attrs = append(attrs, bgp.AttrFlagTransitive, bgp.AttrTypeOrigin, 1, 0)
	attrs = append(attrs, bgp.AttrFlagTransitive, bgp.AttrTypeASPath, byte(len(asPath)))
	attrs = append(attrs, asPath...)
	attrs = append(attrs, bgp.AttrFlagTransitive, bgp.AttrTypeNextHop, 4, 192, 0, 2, 1)
	nlri := []byte{24, 198, 51, 100}

	msg := bgp.AppendHeader(nil, bgp.MsgTypeUpdate, 2+2+len(attrs)+len(nlri))
	msg = append(msg, 0, 0)
	msg = binary.BigEndian.AppendUint16(msg, uint16(len(attrs)))
	msg = append(msg, attrs...)
	return append(msg, nlri...)
}

func buildEmptyUpdate() []byte {
	return append(bgp.AppendHeader(nil, bgp.MsgTypeUpdate, 4), 0, 0, 0, 0)
}

// buildBrokenUpdate has a valid BGP header but a withdrawn length that
// overruns the body.
func buildBrokenUpdate() []byte {
	return append(bgp.AppendHeader(nil, bgp.MsgTypeUpdate, 4), 0xFF, 0xFF, 0, 0)
}

func buildOpen(caps ...bgp.Capability) []byte {
	return bgp.AppendOpen(nil, bgp.ASTrans, 90, testRouterID, caps)
}

func fourOctetOpen(asn uint32) []byte {
	return buildOpen(bgp.MultiProtocolCapability(bgp.FamilyIPv4Unicast), bgp.FourOctetASCapability(asn))
}

func buildRouteMonitoring(peer []byte, update []byte) []byte {
	return buildBMP(MsgTypeRouteMonitoring, peer, update)
}

// buildPeerUp builds a Peer Up for an IPv4 peer. Passing nil OPENs omits
// them.
func buildPeerUp(peer []byte, sent, recv []byte, info ...[]byte) []byte {
	fixed := make([]byte, peerUpFixedSize)
	copy(fixed[12:16], []byte{192, 0, 2, 1})
	binary.BigEndian.PutUint16(fixed[16:18], 179)
	binary.BigEndian.PutUint16(fixed[18:20], 50123)
	parts := [][]byte{peer, fixed, sent, recv}
	return buildBMP(MsgTypePeerUp, append(parts, info...)...)
}

func buildPeerDown(peer []byte, reason PeerDownReason, data []byte) []byte {
	return buildBMP(MsgTypePeerDown, peer, []byte{byte(reason)}, data)
}

func buildInitiation(sysName string) []byte {
	return buildBMP(MsgTypeInitiation,
		buildTLV(uint16(InfoTypeSysDescr), []byte("test router")),
		buildTLV(uint16(InfoTypeSysName), []byte(sysName)),
	)
}

// asPathOf returns the AS_PATH of a decoded Route Monitoring message, or
// "" when the embedded UPDATE was not decoded.
func asPathOf(msg Message) string {
	rm, ok := msg.(*RouteMonitoring)
	if !ok || rm.BGP == nil || rm.BGP.Update == nil || rm.BGP.Update.Attributes == nil {
		return ""
	}
	return rm.BGP.Update.Attributes.ASPath.String()
}
