package bgp

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// PathAttributes holds parsed path attributes from a BGP UPDATE.
type PathAttributes struct {
	Origin          string
	ASPath          ASPath
	AS4Path         ASPath
	Nexthop         string
	MED             *uint32
	LocalPref       *uint32
	AtomicAggregate bool
	Aggregator      *Aggregator
	AS4Aggregator   *Aggregator
	CommStd         []string
	CommExt         []string
	CommLarge       []string
	Attrs           map[string]string // Unknown attributes keyed by type code

	MPReach   *MPReach
	MPUnreach *MPUnreach
}

// MPReach is the decoded MP_REACH_NLRI attribute (RFC 4760).
type MPReach struct {
	Family  Family
	Nexthop string
	NLRI    []Prefix
}

// MPUnreach is the decoded MP_UNREACH_NLRI attribute (RFC 4760).
type MPUnreach struct {
	Family Family
	NLRI   []Prefix
}

// Aggregator is the AGGREGATOR / AS4_AGGREGATOR attribute.
type Aggregator struct {
	AS      uint32
	Address netip.Addr
}

// ASPathSegment is one AS_SET, AS_SEQUENCE or confederation segment.
type ASPathSegment struct {
	Type uint8
	ASNs []uint32
}

// ASPath is an ordered list of AS_PATH segments.
type ASPath []ASPathSegment

// String renders sequences space-separated and sets as {a,b}. Confederation
// sequences render as (a b) and confederation sets as [a,b].
func (p ASPath) String() string {
	var segments []string
	for _, seg := range p {
		asns := make([]string, len(seg.ASNs))
		for i, asn := range seg.ASNs {
			asns[i] = strconv.FormatUint(uint64(asn), 10)
		}
		switch seg.Type {
		case ASPathSegmentSequence:
			segments = append(segments, strings.Join(asns, " "))
		case ASPathSegmentSet:
			segments = append(segments, "{"+strings.Join(asns, ",")+"}")
		case ASPathSegmentConfedSequence:
			segments = append(segments, "("+strings.Join(asns, " ")+")")
		case ASPathSegmentConfedSet:
			segments = append(segments, "["+strings.Join(asns, ",")+"]")
		}
	}
	return strings.Join(segments, " ")
}

// Len counts path length the way best-path selection does: every sequence
// member counts, a set counts once and confederation segments count zero
// (RFC 5065 §5.3).
func (p ASPath) Len() int {
	n := 0
	for _, seg := range p {
		if isConfedSegment(seg.Type) {
			continue
		}
		if seg.Type == ASPathSegmentSet {
			n++
			continue
		}
		n += len(seg.ASNs)
	}
	return n
}

// EffectiveASPath reconstructs the 4-byte AS path of a route learned over a
// 2-byte session by merging AS_PATH and AS4_PATH (RFC 6793 §4.2.3). When no
// AS4_PATH is present, or it is longer than AS_PATH, AS_PATH is returned.
func (a *PathAttributes) EffectiveASPath() ASPath {
	if len(a.AS4Path) == 0 {
		return a.ASPath
	}
	keep := a.ASPath.Len() - a.AS4Path.Len()
	if keep < 0 {
		return a.ASPath
	}

	var merged ASPath
	for _, seg := range a.ASPath {
		if keep == 0 {
			break
		}
		if isConfedSegment(seg.Type) {
			merged = append(merged, seg)
			continue
		}
		if seg.Type == ASPathSegmentSet {
			merged = append(merged, seg)
			keep--
			continue
		}
		n := min(keep, len(seg.ASNs))
		merged = append(merged, ASPathSegment{Type: seg.Type, ASNs: seg.ASNs[:n]})
		keep -= n
	}
	return append(merged, a.AS4Path...)
}

// Prefix represents a single NLRI prefix with optional path_id.
type Prefix struct {
	Prefix netip.Prefix
	PathID uint32
}

func (p Prefix) String() string {
	return p.Prefix.String()
}

// ParsePathAttributes parses the path attributes section of a BGP UPDATE.
func ParsePathAttributes(data []byte, ctx Context) (*PathAttributes, error) {
	attrs := &PathAttributes{
		Attrs: make(map[string]string),
	}

	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return attrs, fmt.Errorf("bgp: attr header truncated at offset %d", offset)
		}

		flags := data[offset]
		typeCode := data[offset+1]
		offset += 2

		// Attribute length: 1 byte or 2 bytes depending on Extended Length flag.
		var attrLen int
		if flags&AttrFlagExtLength != 0 {
			if offset+2 > len(data) {
				return attrs, fmt.Errorf("bgp: extended attr length truncated")
			}
			attrLen = int(binary.BigEndian.Uint16(data[offset : offset+2]))
			offset += 2
		} else {
			if offset+1 > len(data) {
				return attrs, fmt.Errorf("bgp: attr length truncated")
			}
			attrLen = int(data[offset])
			offset++
		}

		if offset+attrLen > len(data) {
			return attrs, fmt.Errorf("bgp: attr data truncated (type %d, need %d, have %d)", typeCode, attrLen, len(data)-offset)
		}

		attrData := data[offset : offset+attrLen]
		offset += attrLen

		var err error
		switch typeCode {
		case AttrTypeOrigin:
			parseOrigin(attrData, attrs)
		case AttrTypeASPath:
			attrs.ASPath, err = parseASPath(attrData, ctx.FourOctetAS)
		case AttrTypeAS4Path:
			attrs.AS4Path, err = parseASPath(attrData, true)
		case AttrTypeNextHop:
			parseNextHop(attrData, attrs)
		case AttrTypeMED:
			attrs.MED = parseUint32(attrData)
		case AttrTypeLocalPref:
			attrs.LocalPref = parseUint32(attrData)
		case AttrTypeAtomicAggregate:
			attrs.AtomicAggregate = true
		case AttrTypeAggregator:
			attrs.Aggregator, err = parseAggregator(attrData, ctx.FourOctetAS)
		case AttrTypeAS4Aggregator:
			attrs.AS4Aggregator, err = parseAggregator(attrData, true)
		case AttrTypeCommunity:
			parseCommunity(attrData, attrs)
		case AttrTypeMPReachNLRI:
			err = parseMPReachNLRI(attrData, attrs, ctx)
		case AttrTypeMPUnreachNLRI:
			err = parseMPUnreachNLRI(attrData, attrs, ctx)
		case AttrTypeExtCommunity:
			parseExtCommunity(attrData, attrs)
		case AttrTypeLargeCommunity:
			parseLargeCommunity(attrData, attrs)
		default:
			attrs.Attrs[strconv.Itoa(int(typeCode))] = hex.EncodeToString(attrData)
		}
		if err != nil {
			return attrs, fmt.Errorf("bgp: attr type %d: %w", typeCode, err)
		}
	}

	return attrs, nil
}

func parseOrigin(data []byte, attrs *PathAttributes) {
	if len(data) < 1 {
		return
	}
	if v, ok := OriginValues[data[0]]; ok {
		attrs.Origin = v
	} else {
		attrs.Origin = fmt.Sprintf("UNKNOWN(%d)", data[0])
	}
}

// parseASPath decodes AS_PATH segments using 4-byte or 2-byte AS numbers.
// Any segment that does not fit the attribute exactly is an error: reading
// with the wrong width is the typical way this fails.
func parseASPath(data []byte, fourOctet bool) (ASPath, error) {
	width := 2
	if fourOctet {
		width = 4
	}

	var path ASPath
	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return path, fmt.Errorf("as_path segment header truncated at offset %d", offset)
		}
		segType := data[offset]
		segLen := int(data[offset+1])
		offset += 2

		if segType < ASPathSegmentSet || segType > ASPathSegmentConfedSet {
			return path, fmt.Errorf("as_path segment type %d invalid", segType)
		}
		if offset+segLen*width > len(data) {
			return path, fmt.Errorf("as_path segment of %d ASNs truncated (%d-byte width)", segLen, width)
		}

		asns := make([]uint32, segLen)
		for i := 0; i < segLen; i++ {
			if fourOctet {
				asns[i] = binary.BigEndian.Uint32(data[offset : offset+4])
			} else {
				asns[i] = uint32(binary.BigEndian.Uint16(data[offset : offset+2]))
			}
			offset += width
		}
		path = append(path, ASPathSegment{Type: segType, ASNs: asns})
	}
	return path, nil
}

func isConfedSegment(t uint8) bool {
	return t == ASPathSegmentConfedSequence || t == ASPathSegmentConfedSet
}

func parseAggregator(data []byte, fourOctet bool) (*Aggregator, error) {
	switch {
	case fourOctet && len(data) == 8:
		return &Aggregator{
			AS:      binary.BigEndian.Uint32(data[0:4]),
			Address: netip.AddrFrom4([4]byte(data[4:8])),
		}, nil
	case !fourOctet && len(data) == 6:
		return &Aggregator{
			AS:      uint32(binary.BigEndian.Uint16(data[0:2])),
			Address: netip.AddrFrom4([4]byte(data[2:6])),
		}, nil
	}
	return nil, fmt.Errorf("aggregator length %d invalid", len(data))
}

func parseNextHop(data []byte, attrs *PathAttributes) {
	if len(data) == 4 {
		attrs.Nexthop = netip.AddrFrom4([4]byte(data)).String()
	}
}

func parseUint32(data []byte) *uint32 {
	if len(data) != 4 {
		return nil
	}
	v := binary.BigEndian.Uint32(data)
	return &v
}

func parseCommunity(data []byte, attrs *PathAttributes) {
	for i := 0; i+4 <= len(data); i += 4 {
		hi := binary.BigEndian.Uint16(data[i : i+2])
		lo := binary.BigEndian.Uint16(data[i+2 : i+4])
		attrs.CommStd = append(attrs.CommStd, fmt.Sprintf("%d:%d", hi, lo))
	}
}

func parseExtCommunity(data []byte, attrs *PathAttributes) {
	for i := 0; i+8 <= len(data); i += 8 {
		attrs.CommExt = append(attrs.CommExt, decodeExtCommunity(data[i:i+8]))
	}
}

// decodeExtCommunity decodes a single 8-byte extended community into a
// human-readable string. Recognises Route Target (subtype 0x02) and
// Route Origin / Site-of-Origin (subtype 0x03) for 2-octet AS, IPv4,
// and 4-octet AS types. Falls back to hex for unknown types.
func decodeExtCommunity(data []byte) string {
	typeHigh := data[0]
	typeLow := data[1]

	// Mask transitive bit for matching.
	typeHighBase := typeHigh & 0x3F

	switch typeHighBase {
	case 0x00: // 2-Octet AS Specific
		asn := binary.BigEndian.Uint16(data[2:4])
		val := binary.BigEndian.Uint32(data[4:8])
		switch typeLow {
		case 0x02:
			return fmt.Sprintf("RT:%d:%d", asn, val)
		case 0x03:
			return fmt.Sprintf("SOO:%d:%d", asn, val)
		}
	case 0x01: // IPv4 Address Specific
		ip := netip.AddrFrom4([4]byte(data[2:6])).String()
		val := binary.BigEndian.Uint16(data[6:8])
		switch typeLow {
		case 0x02:
			return fmt.Sprintf("RT:%s:%d", ip, val)
		case 0x03:
			return fmt.Sprintf("SOO:%s:%d", ip, val)
		}
	case 0x02: // 4-Octet AS Specific
		asn := binary.BigEndian.Uint32(data[2:6])
		val := binary.BigEndian.Uint16(data[6:8])
		switch typeLow {
		case 0x02:
			return fmt.Sprintf("RT:%d:%d", asn, val)
		case 0x03:
			return fmt.Sprintf("SOO:%d:%d", asn, val)
		}
	}

	return hex.EncodeToString(data)
}

func parseLargeCommunity(data []byte, attrs *PathAttributes) {
	for i := 0; i+12 <= len(data); i += 12 {
		global := binary.BigEndian.Uint32(data[i : i+4])
		data1 := binary.BigEndian.Uint32(data[i+4 : i+8])
		data2 := binary.BigEndian.Uint32(data[i+8 : i+12])
		attrs.CommLarge = append(attrs.CommLarge, fmt.Sprintf("%d:%d:%d", global, data1, data2))
	}
}

func parseMPReachNLRI(data []byte, attrs *PathAttributes, ctx Context) error {
	if len(data) < 5 {
		return fmt.Errorf("mp_reach_nlri too short (%d bytes)", len(data))
	}

	family := Family{AFI: binary.BigEndian.Uint16(data[0:2]), SAFI: data[2]}
	nhLen := int(data[3])
	offset := 4

	if offset+nhLen > len(data) {
		return fmt.Errorf("mp_reach_nlri next-hop length %d exceeds data", nhLen)
	}

	reach := &MPReach{Family: family}
	attrs.MPReach = reach

	// Parse next-hop based on length.
	nhData := data[offset : offset+nhLen]
	switch nhLen {
	case 4:
		reach.Nexthop = netip.AddrFrom4([4]byte(nhData)).String()
	case 16:
		reach.Nexthop = netip.AddrFrom16([16]byte(nhData)).String()
	case 32:
		// Global + link-local; use global.
		reach.Nexthop = netip.AddrFrom16([16]byte(nhData[:16])).String()
	}
	if attrs.Nexthop == "" {
		attrs.Nexthop = reach.Nexthop
	}
	offset += nhLen

	// Skip SNPA entries (RFC 2858: 1-byte count, then N x {1-byte len, len bytes}).
	// RFC 4760 reserves the count byte and sets it to zero.
	if offset >= len(data) {
		return fmt.Errorf("mp_reach_nlri snpa count missing")
	}
	snpaCount := int(data[offset])
	offset++
	for i := 0; i < snpaCount; i++ {
		if offset >= len(data) {
			return fmt.Errorf("mp_reach_nlri snpa %d truncated", i)
		}
		// SNPA length is in semi-octets; byte length = (snpaLen + 1) / 2
		snpaByteLen := (int(data[offset]) + 1) / 2
		offset++
		if offset+snpaByteLen > len(data) {
			return fmt.Errorf("mp_reach_nlri snpa %d truncated", i)
		}
		offset += snpaByteLen
	}

	// Only unicast NLRI are decoded; other SAFIs keep the family only.
	if family.SAFI != SAFIUnicast || afiToVersion(family.AFI) == 0 {
		return nil
	}
	var err error
	reach.NLRI, err = parsePrefixes(data[offset:], afiToVersion(family.AFI), ctx.HasAddPath(family))
	return err
}

func parseMPUnreachNLRI(data []byte, attrs *PathAttributes, ctx Context) error {
	if len(data) < 3 {
		return fmt.Errorf("mp_unreach_nlri too short (%d bytes)", len(data))
	}

	family := Family{AFI: binary.BigEndian.Uint16(data[0:2]), SAFI: data[2]}
	unreach := &MPUnreach{Family: family}
	attrs.MPUnreach = unreach

	if family.SAFI != SAFIUnicast || afiToVersion(family.AFI) == 0 {
		return nil
	}
	var err error
	unreach.NLRI, err = parsePrefixes(data[3:], afiToVersion(family.AFI), ctx.HasAddPath(family))
	return err
}

func parsePrefixes(data []byte, ipVersion int, hasAddPath bool) ([]Prefix, error) {
	var prefixes []Prefix
	offset := 0

	for offset < len(data) {
		var pathID uint32
		if hasAddPath {
			if offset+4 > len(data) {
				return prefixes, fmt.Errorf("bgp: prefix data truncated at offset %d", offset)
			}
			pathID = binary.BigEndian.Uint32(data[offset : offset+4])
			offset += 4
		}

		if offset >= len(data) {
			return prefixes, fmt.Errorf("bgp: prefix data truncated at offset %d", offset)
		}

		prefixLen := int(data[offset])
		offset++

		// Reject prefix lengths that exceed the AFI maximum.
		maxBits := maxIPLen(ipVersion) * 8
		if prefixLen > maxBits {
			return prefixes, fmt.Errorf("bgp: prefix length %d exceeds %d bits", prefixLen, maxBits)
		}

		// Number of bytes needed for the prefix.
		byteLen := (prefixLen + 7) / 8
		if offset+byteLen > len(data) {
			return prefixes, fmt.Errorf("bgp: prefix data truncated at offset %d", offset)
		}

		var addr netip.Addr
		if ipVersion == 4 {
			var b [4]byte
			copy(b[:], data[offset:offset+byteLen])
			addr = netip.AddrFrom4(b)
		} else {
			var b [16]byte
			copy(b[:], data[offset:offset+byteLen])
			addr = netip.AddrFrom16(b)
		}
		offset += byteLen

		prefixes = append(prefixes, Prefix{
			Prefix: netip.PrefixFrom(addr, prefixLen),
			PathID: pathID,
		})
	}

	return prefixes, nil
}

func afiToVersion(afi uint16) int {
	switch afi {
	case AFIIPv4:
		return 4
	case AFIIPv6:
		return 6
	default:
		return 0 // unsupported AFI
	}
}

func maxIPLen(version int) int {
	if version == 4 {
		return 4
	}
	return 16
}

// OriginASN extracts the origin AS number (last ASN) from a space-delimited
// AS path string. Returns nil if the path is empty or ends with an AS_SET
// (e.g. "{64497,64498}").
func OriginASN(asPath string) *int {
	asPath = strings.TrimSpace(asPath)
	if asPath == "" {
		return nil
	}

	fields := strings.Fields(asPath)
	last := fields[len(fields)-1]

	// AS_SET at the end → origin is ambiguous.
	if strings.HasPrefix(last, "{") {
		return nil
	}

	asn, err := strconv.Atoi(last)
	if err != nil {
		return nil
	}
	return &asn
}
