package bgp

import "fmt"

// BGP message types (RFC 4271 §4.1, RFC 2918).
type MsgType uint8

const (
	MsgTypeOpen         MsgType = 1
	MsgTypeUpdate       MsgType = 2
	MsgTypeNotification MsgType = 3
	MsgTypeKeepalive    MsgType = 4
	MsgTypeRouteRefresh MsgType = 5
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeOpen:
		return "open"
	case MsgTypeUpdate:
		return "update"
	case MsgTypeNotification:
		return "notification"
	case MsgTypeKeepalive:
		return "keepalive"
	case MsgTypeRouteRefresh:
		return "route_refresh"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// BGP header size: marker(16) + length(2) + type(1) = 19
const HeaderSize = 19

// MaxMessageSize is the largest BGP message allowed by RFC 8654 (Extended
// Message). Sessions without the capability are limited to 4096 bytes, but a
// BMP speaker may relay either.
const MaxMessageSize = 65535

// BGP path attribute type codes.
const (
	AttrTypeOrigin          uint8 = 1
	AttrTypeASPath          uint8 = 2
	AttrTypeNextHop         uint8 = 3
	AttrTypeMED             uint8 = 4
	AttrTypeLocalPref       uint8 = 5
	AttrTypeAtomicAggregate uint8 = 6
	AttrTypeAggregator      uint8 = 7
	AttrTypeCommunity       uint8 = 8
	AttrTypeMPReachNLRI     uint8 = 14
	AttrTypeMPUnreachNLRI   uint8 = 15
	AttrTypeExtCommunity    uint8 = 16
	AttrTypeAS4Path         uint8 = 17
	AttrTypeAS4Aggregator   uint8 = 18
	AttrTypeLargeCommunity  uint8 = 32
)

// Path attribute flag bits.
const (
	AttrFlagOptional   uint8 = 0x80
	AttrFlagTransitive uint8 = 0x40
	AttrFlagPartial    uint8 = 0x20
	AttrFlagExtLength  uint8 = 0x10
)

// AFI codes.
const (
	AFIIPv4 uint16 = 1
	AFIIPv6 uint16 = 2
)

// SAFI codes.
const (
	SAFIUnicast   uint8 = 1
	SAFIMulticast uint8 = 2
)

// AS_PATH segment types.
const (
	ASPathSegmentSet            uint8 = 1
	ASPathSegmentSequence       uint8 = 2
	ASPathSegmentConfedSequence uint8 = 3
	ASPathSegmentConfedSet      uint8 = 4
)

// ASTrans is the 2-byte placeholder for 4-byte AS numbers (RFC 6793).
const ASTrans uint16 = 23456

// Origin values.
var OriginValues = map[uint8]string{
	0: "IGP",
	1: "EGP",
	2: "INCOMPLETE",
}

// Family is an AFI/SAFI pair.
type Family struct {
	AFI  uint16
	SAFI uint8
}

var (
	FamilyIPv4Unicast = Family{AFI: AFIIPv4, SAFI: SAFIUnicast}
	FamilyIPv6Unicast = Family{AFI: AFIIPv6, SAFI: SAFIUnicast}
)

func (f Family) String() string {
	var afi, safi string
	switch f.AFI {
	case AFIIPv4:
		afi = "ipv4"
	case AFIIPv6:
		afi = "ipv6"
	default:
		afi = fmt.Sprintf("afi%d", f.AFI)
	}
	switch f.SAFI {
	case SAFIUnicast:
		safi = "unicast"
	case SAFIMulticast:
		safi = "multicast"
	default:
		safi = fmt.Sprintf("safi%d", f.SAFI)
	}
	return afi + "-" + safi
}

// Context carries the capabilities negotiated on a BGP session. It decides
// how variable-width fields in UPDATE messages are read: AS number width and
// whether NLRI entries carry an Add-Path identifier.
//
// The maps are shared between copies and must be treated as read-only.
type Context struct {
	FourOctetAS bool
	AddPath     map[Family]bool
	Families    map[Family]bool
}

// DefaultContext is used when nothing was negotiated: 2-byte AS numbers,
// no Add-Path and IPv4 unicast only.
func DefaultContext() Context {
	return Context{
		Families: map[Family]bool{FamilyIPv4Unicast: true},
	}
}

// HasAddPath reports whether NLRI of family f carry path identifiers.
func (c Context) HasAddPath(f Family) bool {
	return c.AddPath[f]
}

// Negotiated reports whether family f was negotiated on the session.
func (c Context) Negotiated(f Family) bool {
	return c.Families[f]
}

// RouteEvent represents a single route event extracted from a BGP UPDATE.
type RouteEvent struct {
	AFI       int    // 4 or 6
	Prefix    string // CIDR notation
	PathID    int64  // 0 if no Add-Path
	Action    string // "A" or "D"
	Nexthop   string
	ASPath    string
	Origin    string
	LocalPref *uint32
	MED       *uint32
	CommStd   []string
	CommExt   []string
	CommLarge []string
	Attrs     map[string]string // Unknown attributes as hex strings
}
