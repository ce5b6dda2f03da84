package bgp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Capability codes (RFC 5492 registry).
type CapabilityCode uint8

const (
	CapMultiProtocol   CapabilityCode = 1
	CapRouteRefresh    CapabilityCode = 2
	CapExtendedMessage CapabilityCode = 6
	CapFourOctetAS     CapabilityCode = 65
	CapAddPath         CapabilityCode = 69
	CapHostname        CapabilityCode = 73
)

// Optional parameter types.
const (
	optParamCapabilities uint8 = 2
	optParamExtended     uint8 = 255 // RFC 9072 non-extended marker
)

// AddPathMode is the Send/Receive field of the Add-Path capability (RFC 7911).
type AddPathMode uint8

const (
	AddPathReceive AddPathMode = 1
	AddPathSend    AddPathMode = 2
	AddPathBoth    AddPathMode = 3
)

func (m AddPathMode) CanReceive() bool { return m&AddPathReceive != 0 }
func (m AddPathMode) CanSend() bool    { return m&AddPathSend != 0 }

// Capability is a single capability advertisement with its raw value.
type Capability struct {
	Code  CapabilityCode
	Value []byte
}

// Open is a decoded BGP OPEN message body.
type Open struct {
	Version      uint8
	MyAS         uint16
	HoldTime     uint16
	BGPID        netip.Addr
	Capabilities []Capability
}

// ParseOpen parses a BGP OPEN message body (after the 19-byte BGP header).
//
// OPEN layout (RFC 4271 §4.2):
//
//	Offset 0: Version (1 byte)
//	Offset 1: My Autonomous System (2 bytes)
//	Offset 3: Hold Time (2 bytes)
//	Offset 5: BGP Identifier (4 bytes)
//	Offset 9: Opt Parm Len (1 byte)
//	Offset 10: Optional Parameters (variable)
func ParseOpen(data []byte) (*Open, error) {
	if len(data) < 10 {
		return nil, fmt.Errorf("bgp: open too short (%d bytes)", len(data))
	}
	o := &Open{
		Version:  data[0],
		MyAS:     binary.BigEndian.Uint16(data[1:3]),
		HoldTime: binary.BigEndian.Uint16(data[3:5]),
		BGPID:    netip.AddrFrom4([4]byte(data[5:9])),
	}
	if o.Version != 4 {
		return nil, fmt.Errorf("bgp: open version %d not supported", o.Version)
	}

	optLen := int(data[9])
	params := data[10:]
	extended := false

	// RFC 9072: Opt Parm Len 255 followed by type 255 switches to 2-byte lengths.
	if optLen == 255 && len(params) >= 3 && params[0] == optParamExtended {
		optLen = int(binary.BigEndian.Uint16(params[1:3]))
		params = params[3:]
		extended = true
	}
	if optLen != len(params) {
		return nil, fmt.Errorf("bgp: open optional parameters length %d, have %d bytes", optLen, len(params))
	}

	offset := 0
	for offset < len(params) {
		hdr := 2
		if extended {
			hdr = 3
		}
		if offset+hdr > len(params) {
			return nil, fmt.Errorf("bgp: optional parameter header truncated at offset %d", offset)
		}
		paramType := params[offset]
		var paramLen int
		if extended {
			paramLen = int(binary.BigEndian.Uint16(params[offset+1 : offset+3]))
		} else {
			paramLen = int(params[offset+1])
		}
		offset += hdr

		if offset+paramLen > len(params) {
			return nil, fmt.Errorf("bgp: optional parameter type %d truncated", paramType)
		}
		if paramType == optParamCapabilities {
			caps, err := parseCapabilities(params[offset : offset+paramLen])
			if err != nil {
				return nil, err
			}
			o.Capabilities = append(o.Capabilities, caps...)
		}
		offset += paramLen
	}

	return o, nil
}

// parseCapabilities walks the Code(1) + Length(1) + Value list of a
// Capabilities optional parameter (RFC 5492).
func parseCapabilities(data []byte) ([]Capability, error) {
	var caps []Capability
	offset := 0
	for offset+2 <= len(data) {
		code := CapabilityCode(data[offset])
		capLen := int(data[offset+1])
		offset += 2

		if offset+capLen > len(data) {
			return caps, fmt.Errorf("bgp: capability %d truncated (need %d, have %d)", code, capLen, len(data)-offset)
		}
		caps = append(caps, Capability{Code: code, Value: data[offset : offset+capLen]})
		offset += capLen
	}
	if offset != len(data) {
		return caps, fmt.Errorf("bgp: trailing byte in capabilities parameter")
	}
	return caps, nil
}

// FourOctetAS returns the AS number advertised in the four-octet AS
// capability (RFC 6793, code 65) and whether the capability is present.
func (o *Open) FourOctetAS() (uint32, bool) {
	for _, c := range o.Capabilities {
		if c.Code == CapFourOctetAS && len(c.Value) == 4 {
			return binary.BigEndian.Uint32(c.Value), true
		}
	}
	return 0, false
}

// ASN returns the speaker's AS number, preferring the four-octet capability.
func (o *Open) ASN() uint32 {
	if as4, ok := o.FourOctetAS(); ok {
		return as4
	}
	return uint32(o.MyAS)
}

// Families returns the AFI/SAFI pairs advertised through multiprotocol
// capabilities (RFC 4760). The list is empty when none were advertised.
func (o *Open) Families() []Family {
	var out []Family
	for _, c := range o.Capabilities {
		if c.Code == CapMultiProtocol && len(c.Value) == 4 {
			out = append(out, Family{AFI: binary.BigEndian.Uint16(c.Value[0:2]), SAFI: c.Value[3]})
		}
	}
	return out
}

// AddPath returns the per-family Add-Path modes (RFC 7911, code 69).
func (o *Open) AddPath() map[Family]AddPathMode {
	modes := make(map[Family]AddPathMode)
	for _, c := range o.Capabilities {
		if c.Code != CapAddPath {
			continue
		}
		for i := 0; i+4 <= len(c.Value); i += 4 {
			f := Family{AFI: binary.BigEndian.Uint16(c.Value[i : i+2]), SAFI: c.Value[i+2]}
			modes[f] |= AddPathMode(c.Value[i+3])
		}
	}
	return modes
}

// HasCapability reports whether a capability with the given code is present.
func (o *Open) HasCapability(code CapabilityCode) bool {
	for _, c := range o.Capabilities {
		if c.Code == code {
			return true
		}
	}
	return false
}

// Negotiate derives the session context from the OPEN sent by the monitored
// router and the OPEN it received from its peer. Every capability is the
// intersection of both sides:
//   - four-octet AS numbers when both advertise code 65;
//   - families advertised by both, where a side that sent no multiprotocol
//     capability offers IPv4 unicast only;
//   - Add-Path for a family when the router can receive and the peer can
//     send, which is the direction of the UPDATEs a BMP speaker relays.
func Negotiate(sent, recv *Open) Context {
	if sent == nil || recv == nil {
		return DefaultContext()
	}
	ctx := Context{
		Families: make(map[Family]bool),
		AddPath:  make(map[Family]bool),
	}

	ctx.FourOctetAS = sent.HasCapability(CapFourOctetAS) && recv.HasCapability(CapFourOctetAS)

	sentFamilies, recvFamilies := sent.Families(), recv.Families()
	if len(sentFamilies) == 0 {
		sentFamilies = []Family{FamilyIPv4Unicast}
	}
	if len(recvFamilies) == 0 {
		recvFamilies = []Family{FamilyIPv4Unicast}
	}
	offered := make(map[Family]bool, len(sentFamilies))
	for _, f := range sentFamilies {
		offered[f] = true
	}
	for _, f := range recvFamilies {
		if offered[f] {
			ctx.Families[f] = true
		}
	}

	sentModes, recvModes := sent.AddPath(), recv.AddPath()
	for f, mode := range sentModes {
		if mode.CanReceive() && recvModes[f].CanSend() {
			ctx.AddPath[f] = true
		}
	}

	return ctx
}

// AppendOpen appends a complete OPEN message carrying caps in a single
// Capabilities optional parameter.
func AppendOpen(dst []byte, myAS, holdTime uint16, bgpID netip.Addr, caps []Capability) []byte {
	var capBytes []byte
	for _, c := range caps {
		capBytes = append(capBytes, byte(c.Code), byte(len(c.Value)))
		capBytes = append(capBytes, c.Value...)
	}
	var params []byte
	if len(capBytes) > 0 {
		params = append(params, optParamCapabilities, byte(len(capBytes)))
		params = append(params, capBytes...)
	}

	dst = AppendHeader(dst, MsgTypeOpen, 10+len(params))
	dst = append(dst, 4)
	dst = binary.BigEndian.AppendUint16(dst, myAS)
	dst = binary.BigEndian.AppendUint16(dst, holdTime)
	id := bgpID.As4()
	dst = append(dst, id[:]...)
	dst = append(dst, byte(len(params)))
	return append(dst, params...)
}

// FourOctetASCapability builds a code 65 capability.
func FourOctetASCapability(asn uint32) Capability {
	return Capability{Code: CapFourOctetAS, Value: binary.BigEndian.AppendUint32(nil, asn)}
}

// MultiProtocolCapability builds a code 1 capability for f.
func MultiProtocolCapability(f Family) Capability {
	v := binary.BigEndian.AppendUint16(nil, f.AFI)
	return Capability{Code: CapMultiProtocol, Value: append(v, 0, f.SAFI)}
}

// AddPathCapability builds a code 69 capability with one tuple per family.
func AddPathCapability(modes map[Family]AddPathMode) Capability {
	var v []byte
	for f, m := range modes {
		v = binary.BigEndian.AppendUint16(v, f.AFI)
		v = append(v, f.SAFI, byte(m))
	}
	return Capability{Code: CapAddPath, Value: v}
}
