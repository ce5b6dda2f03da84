package bmp

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/route-beacon/bmp-collector/internal/bgp"
)

// BMPVersion is the only BMP protocol version accepted on a stream.
const BMPVersion uint8 = 3

// BMP header sizes.
const (
	CommonHeaderSize  = 6  // version(1) + msg_length(4) + msg_type(1)
	PerPeerHeaderSize = 42 // peer_type(1) + flags(1) + distinguisher(8) + addr(16) + AS(4) + BGPID(4) + ts_sec(4) + ts_usec(4)

	peerUpFixedSize = 16 + 2 + 2 // local address + local port + remote port
	tlvHeaderSize   = 4          // type(2) + length(2)
)

// MsgType is the BMP message type code (RFC 7854 §4.1).
type MsgType uint8

const (
	MsgTypeRouteMonitoring  MsgType = 0
	MsgTypeStatisticsReport MsgType = 1
	MsgTypePeerDown         MsgType = 2
	MsgTypePeerUp           MsgType = 3
	MsgTypeInitiation       MsgType = 4
	MsgTypeTermination      MsgType = 5
	MsgTypeRouteMirroring   MsgType = 6
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRouteMonitoring:
		return "route_monitoring"
	case MsgTypeStatisticsReport:
		return "statistics_report"
	case MsgTypePeerDown:
		return "peer_down"
	case MsgTypePeerUp:
		return "peer_up"
	case MsgTypeInitiation:
		return "initiation"
	case MsgTypeTermination:
		return "termination"
	case MsgTypeRouteMirroring:
		return "route_mirroring"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// PeerType identifies the kind of instance a peer belongs to.
type PeerType uint8

const (
	PeerTypeGlobal PeerType = 0
	PeerTypeRD     PeerType = 1
	PeerTypeLocal  PeerType = 2
	PeerTypeLocRIB PeerType = 3 // RFC 9069
)

func (t PeerType) String() string {
	switch t {
	case PeerTypeGlobal:
		return "global"
	case PeerTypeRD:
		return "rd"
	case PeerTypeLocal:
		return "local"
	case PeerTypeLocRIB:
		return "loc_rib"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// PeerFlags is the per-peer header flags octet. Bits are numbered from the
// most significant bit as in RFC 7854 §4.2, so bit 0 is 0x80.
type PeerFlags uint8

const (
	PeerFlagIPv6         PeerFlags = 0x80 // V: peer address is IPv6
	PeerFlagPostPolicy   PeerFlags = 0x40 // L: Adj-RIB-In post-policy
	PeerFlagLegacyASPath PeerFlags = 0x20 // A: 2-byte AS_PATH format
)

func (f PeerFlags) IPv6() bool         { return f&PeerFlagIPv6 != 0 }
func (f PeerFlags) PostPolicy() bool   { return f&PeerFlagPostPolicy != 0 }
func (f PeerFlags) LegacyASPath() bool { return f&PeerFlagLegacyASPath != 0 }

// PeerHeader is the decoded per-peer header (RFC 7854 §4.2).
type PeerHeader struct {
	Type          PeerType
	Flags         PeerFlags
	Distinguisher uint64
	Address       netip.Addr
	AS            uint32
	BGPID         netip.Addr
	Timestamp     time.Time
}

// Key returns the identity of the peering session the header belongs to.
func (h *PeerHeader) Key() PeerKey {
	return PeerKey{Addr: h.Address, Distinguisher: h.Distinguisher, Type: h.Type}
}

// PeerKey identifies one monitored peering session within a BMP stream.
// It is comparable and used directly as a map key.
type PeerKey struct {
	Addr          netip.Addr
	Distinguisher uint64
	Type          PeerType
}

func (k PeerKey) String() string {
	if k.Distinguisher == 0 {
		return fmt.Sprintf("%s/%s", k.Type, k.Addr)
	}
	return fmt.Sprintf("%s/%d/%s", k.Type, k.Distinguisher, k.Addr)
}

// Message is a decoded BMP message. The set of implementations is closed:
// *RouteMonitoring, *StatisticsReport, *PeerDownNotification,
// *PeerUpNotification, *Initiation, *Termination, *RouteMirroring and
// *UnknownMessage for type codes outside the registry.
type Message interface {
	MsgType() MsgType
	isMessage()
}

// RouteMonitoring carries one BGP UPDATE received from or sent to a peer.
type RouteMonitoring struct {
	Peer PeerHeader
	// BGP is the decoded UPDATE, nil when the embedded message could not be
	// decoded. RawBGP always holds the embedded bytes.
	BGP    *bgp.Message
	RawBGP []byte
	// TLVs trailing the BGP message, such as the Loc-RIB table name (RFC 9069).
	TLVs []InformationTLV
}

// TableName returns the RFC 9069 table name TLV, if present.
func (m *RouteMonitoring) TableName() string {
	for _, tlv := range m.TLVs {
		if tlv.Type == InfoTypeString {
			return string(tlv.Value)
		}
	}
	return ""
}

// StatisticsReport carries counters and gauges for a peer (RFC 7854 §4.8).
type StatisticsReport struct {
	Peer  PeerHeader
	Stats []Stat
}

// PeerDownNotification reports that a peering session went down.
type PeerDownNotification struct {
	Peer   PeerHeader
	Reason PeerDownReason
	// Notification is the decoded NOTIFICATION for reasons 1 and 3, nil when
	// it could not be decoded. RawBGP holds its bytes.
	Notification *bgp.Message
	RawBGP       []byte
	// FSMEvent is the FSM event code for reason 2.
	FSMEvent uint16
	// TLVs for reason 6 (RFC 9069).
	TLVs []InformationTLV
	// Data holds any other reason-specific bytes.
	Data []byte
}

// PeerUpNotification reports that a peering session reached Established.
type PeerUpNotification struct {
	Peer       PeerHeader
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemotePort uint16
	// SentOpen and ReceivedOpen are the decoded OPEN messages, nil when
	// absent or undecodable. The raw fields hold the embedded bytes and are
	// nil when the speaker omitted the OPENs.
	SentOpen        *bgp.Message
	ReceivedOpen    *bgp.Message
	RawSentOpen     []byte
	RawReceivedOpen []byte
	Information     []InformationTLV
}

// Initiation is sent once at the start of a BMP session.
type Initiation struct {
	Information []InformationTLV
}

// SysName returns the sysName TLV value, if present.
func (m *Initiation) SysName() string { return infoString(m.Information, InfoTypeSysName) }

// SysDescr returns the sysDescr TLV value, if present.
func (m *Initiation) SysDescr() string { return infoString(m.Information, InfoTypeSysDescr) }

// Termination is sent by the speaker before closing the session.
type Termination struct {
	Information []InformationTLV
}

// Reason returns the termination reason code (RFC 7854 §4.5), if present.
func (m *Termination) Reason() (TerminationReason, bool) {
	for _, tlv := range m.Information {
		if tlv.Type == TermTypeReason && len(tlv.Value) == 2 {
			return TerminationReason(uint16(tlv.Value[0])<<8 | uint16(tlv.Value[1])), true
		}
	}
	return 0, false
}

// RouteMirroring carries verbatim copies of BGP PDUs (RFC 7854 §4.7).
type RouteMirroring struct {
	Peer PeerHeader
	TLVs []MirroringTLV
}

// UnknownMessage is a message whose type code is outside the registry. The
// framing was valid, so the stream continues after it.
type UnknownMessage struct {
	Type MsgType
	Body []byte // bytes after the common header
}

func (*RouteMonitoring) MsgType() MsgType      { return MsgTypeRouteMonitoring }
func (*StatisticsReport) MsgType() MsgType     { return MsgTypeStatisticsReport }
func (*PeerDownNotification) MsgType() MsgType { return MsgTypePeerDown }
func (*PeerUpNotification) MsgType() MsgType   { return MsgTypePeerUp }
func (*Initiation) MsgType() MsgType           { return MsgTypeInitiation }
func (*Termination) MsgType() MsgType          { return MsgTypeTermination }
func (*RouteMirroring) MsgType() MsgType       { return MsgTypeRouteMirroring }
func (m *UnknownMessage) MsgType() MsgType     { return m.Type }

func (*RouteMonitoring) isMessage()      {}
func (*StatisticsReport) isMessage()     {}
func (*PeerDownNotification) isMessage() {}
func (*PeerUpNotification) isMessage()   {}
func (*Initiation) isMessage()           {}
func (*Termination) isMessage()          {}
func (*RouteMirroring) isMessage()       {}
func (*UnknownMessage) isMessage()       {}

// PeerHeaderOf returns the per-peer header of m, or nil for message types
// that do not carry one.
func PeerHeaderOf(m Message) *PeerHeader {
	switch m := m.(type) {
	case *RouteMonitoring:
		return &m.Peer
	case *StatisticsReport:
		return &m.Peer
	case *PeerDownNotification:
		return &m.Peer
	case *PeerUpNotification:
		return &m.Peer
	case *RouteMirroring:
		return &m.Peer
	default:
		return nil
	}
}

// PeerDownReason is the reason code of a Peer Down notification.
type PeerDownReason uint8

const (
	PeerDownLocalNotification   PeerDownReason = 1
	PeerDownLocalNoNotification PeerDownReason = 2
	PeerDownRemoteNotification  PeerDownReason = 3
	PeerDownRemoteNoData        PeerDownReason = 4
	PeerDownDeconfigured        PeerDownReason = 5
	PeerDownLocalSystemClosed   PeerDownReason = 6 // RFC 9069
)

func (r PeerDownReason) String() string {
	switch r {
	case PeerDownLocalNotification:
		return "local_notification"
	case PeerDownLocalNoNotification:
		return "local_no_notification"
	case PeerDownRemoteNotification:
		return "remote_notification"
	case PeerDownRemoteNoData:
		return "remote_no_data"
	case PeerDownDeconfigured:
		return "peer_deconfigured"
	case PeerDownLocalSystemClosed:
		return "local_system_closed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// InfoType is the type of an Information TLV.
type InfoType uint16

// Initiation and Peer Up information types (RFC 7854 §4.4).
const (
	InfoTypeString   InfoType = 0
	InfoTypeSysDescr InfoType = 1
	InfoTypeSysName  InfoType = 2
)

// Termination information types (RFC 7854 §4.5).
const (
	TermTypeString InfoType = 0
	TermTypeReason InfoType = 1
)

// TerminationReason is the value of a Termination reason TLV.
type TerminationReason uint16

const (
	TermReasonAdminClose       TerminationReason = 0
	TermReasonUnspecified      TerminationReason = 1
	TermReasonOutOfResources   TerminationReason = 2
	TermReasonRedundant        TerminationReason = 3
	TermReasonPermanentlyClose TerminationReason = 4
)

// InformationTLV is a type/length/value element used by Initiation,
// Termination and Peer Up messages.
type InformationTLV struct {
	Type  InfoType
	Value []byte
}

func infoString(tlvs []InformationTLV, t InfoType) string {
	for _, tlv := range tlvs {
		if tlv.Type == t {
			return string(tlv.Value)
		}
	}
	return ""
}

// MirroringTLVType is the type of a Route Mirroring TLV.
type MirroringTLVType uint16

const (
	MirrorTypeBGPMessage MirroringTLVType = 0
	MirrorTypeInfo       MirroringTLVType = 1
)

// Route Mirroring information codes.
const (
	MirrorInfoErroredPDU   uint16 = 0
	MirrorInfoMessagesLost uint16 = 1
)

// MirroringTLV is one element of a Route Mirroring message. For
// MirrorTypeBGPMessage, BGP holds the decoded PDU when decoding succeeded.
type MirroringTLV struct {
	Type  MirroringTLVType
	Value []byte
	BGP   *bgp.Message
}

// InfoCode returns the information code of a MirrorTypeInfo TLV.
func (t *MirroringTLV) InfoCode() (uint16, bool) {
	if t.Type != MirrorTypeInfo || len(t.Value) != 2 {
		return 0, false
	}
	return uint16(t.Value[0])<<8 | uint16(t.Value[1]), true
}
