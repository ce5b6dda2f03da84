package bmp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/route-beacon/bmp-collector/internal/bgp"
)

var bgpMarker = bytes.Repeat([]byte{0xFF}, 16)

// Parser decodes delimited BMP messages. Embedded BGP messages go through
// the adapter so that they are read with the owning peer's capabilities.
type Parser struct {
	adapter *Adapter
}

func NewParser(adapter *Adapter) *Parser {
	return &Parser{adapter: adapter}
}

// Parse decodes one message using default capabilities for every peer.
func Parse(frame []byte) (Message, error) {
	return NewParser(NewAdapter(NewCapabilityStore(), nil)).Parse(frame)
}

// Parse decodes one complete BMP message. frame must hold exactly the
// message, as returned by FrameReader.Next.
//
// The error is one of:
//   - ErrUnsupportedVersion or ErrInvalidLength (wrapped) for a bad header;
//   - ErrUnknownMessageType (wrapped) with an *UnknownMessage;
//   - ErrMalformedBody (wrapped) with a nil message;
//   - one or more *EmbeddedBGPError alongside the decoded message.
func (p *Parser) Parse(frame []byte) (Message, error) {
	if len(frame) < CommonHeaderSize {
		return nil, fmt.Errorf("%w: message too short for common header (%d bytes)", ErrInvalidLength, len(frame))
	}
	if frame[0] != BMPVersion {
		return nil, fmt.Errorf("%w %d (expected %d)", ErrUnsupportedVersion, frame[0], BMPVersion)
	}
	msgLength := binary.BigEndian.Uint32(frame[1:5])
	if uint64(msgLength) != uint64(len(frame)) {
		return nil, fmt.Errorf("%w: declared msg_length %d does not match %d bytes", ErrInvalidLength, msgLength, len(frame))
	}

	msgType := MsgType(frame[5])
	body := frame[CommonHeaderSize:]

	switch msgType {
	case MsgTypeRouteMonitoring:
		return p.parseRouteMonitoring(body)
	case MsgTypeStatisticsReport:
		return parseStatisticsReport(body)
	case MsgTypePeerDown:
		return p.parsePeerDown(body)
	case MsgTypePeerUp:
		return p.parsePeerUp(body)
	case MsgTypeInitiation:
		tlvs, err := parseInformationTLVs(body)
		if err != nil {
			return nil, err
		}
		return &Initiation{Information: tlvs}, nil
	case MsgTypeTermination:
		tlvs, err := parseInformationTLVs(body)
		if err != nil {
			return nil, err
		}
		return &Termination{Information: tlvs}, nil
	case MsgTypeRouteMirroring:
		return p.parseRouteMirroring(body)
	default:
		return &UnknownMessage{Type: msgType, Body: body}, fmt.Errorf("%w %d", ErrUnknownMessageType, uint8(msgType))
	}
}

// parsePeerHeader decodes the per-peer header (RFC 7854 §4.2).
//
//	Offset  0: Peer Type (1 byte)
//	Offset  1: Peer Flags (1 byte)
//	Offset  2: Peer Distinguisher (8 bytes)
//	Offset 10: Peer Address (16 bytes)
//	Offset 26: Peer AS (4 bytes)
//	Offset 30: Peer BGP ID (4 bytes)
//	Offset 34: Timestamp seconds (4 bytes)
//	Offset 38: Timestamp microseconds (4 bytes)
func parsePeerHeader(data []byte) (PeerHeader, error) {
	if len(data) < PerPeerHeaderSize {
		return PeerHeader{}, fmt.Errorf("%w: too short for per-peer header (%d bytes)", ErrMalformedBody, len(data))
	}
	h := PeerHeader{
		Type:          PeerType(data[0]),
		Flags:         PeerFlags(data[1]),
		Distinguisher: binary.BigEndian.Uint64(data[2:10]),
		AS:            binary.BigEndian.Uint32(data[26:30]),
		BGPID:         netip.AddrFrom4([4]byte(data[30:34])),
	}
	h.Address = decodeAddress(data[10:26], h.Flags.IPv6())

	sec := binary.BigEndian.Uint32(data[34:38])
	usec := binary.BigEndian.Uint32(data[38:42])
	h.Timestamp = time.Unix(int64(sec), int64(usec)*int64(time.Microsecond)).UTC()
	return h, nil
}

// decodeAddress reads a 16-byte BMP address field. IPv4 addresses occupy
// the last 4 bytes with 12 leading zeros.
func decodeAddress(b []byte, ipv6 bool) netip.Addr {
	if ipv6 {
		return netip.AddrFrom16([16]byte(b))
	}
	return netip.AddrFrom4([4]byte(b[12:16]))
}

func (p *Parser) parseRouteMonitoring(body []byte) (Message, error) {
	peer, err := parsePeerHeader(body)
	if err != nil {
		return nil, err
	}
	rest := body[PerPeerHeaderSize:]
	if len(rest) < bgp.HeaderSize {
		return nil, fmt.Errorf("%w: route monitoring carries %d bytes, need a bgp header", ErrMalformedBody, len(rest))
	}

	m := &RouteMonitoring{Peer: peer}
	raw, tail, err := bgp.Split(rest)
	if err != nil {
		// The BGP header is unusable; keep everything as the embedded PDU.
		m.RawBGP = rest
		return m, &EmbeddedBGPError{Peer: peer.Key(), Type: MsgTypeRouteMonitoring, Err: err}
	}
	m.RawBGP = raw
	if len(tail) > 0 {
		if m.TLVs, err = parseInformationTLVs(tail); err != nil {
			return nil, err
		}
	}

	m.BGP, err = p.decodeEmbedded(&m.Peer, MsgTypeRouteMonitoring, raw, bgp.MsgTypeUpdate)
	return m, err
}

func parseStatisticsReport(body []byte) (Message, error) {
	peer, err := parsePeerHeader(body)
	if err != nil {
		return nil, err
	}
	stats, err := parseStats(body[PerPeerHeaderSize:])
	if err != nil {
		return nil, err
	}
	return &StatisticsReport{Peer: peer, Stats: stats}, nil
}

func (p *Parser) parsePeerDown(body []byte) (Message, error) {
	peer, err := parsePeerHeader(body)
	if err != nil {
		return nil, err
	}
	if len(body) < PerPeerHeaderSize+1 {
		return nil, fmt.Errorf("%w: peer down reason missing", ErrMalformedBody)
	}

	m := &PeerDownNotification{Peer: peer, Reason: PeerDownReason(body[PerPeerHeaderSize])}
	rest := body[PerPeerHeaderSize+1:]

	switch m.Reason {
	case PeerDownLocalNotification, PeerDownRemoteNotification:
		if len(rest) < bgp.HeaderSize {
			return nil, fmt.Errorf("%w: peer down reason %d carries %d bytes, need a notification", ErrMalformedBody, m.Reason, len(rest))
		}
		m.RawBGP = rest
		m.Notification, err = p.decodeEmbedded(&m.Peer, MsgTypePeerDown, rest, bgp.MsgTypeNotification)
		return m, err
	case PeerDownLocalNoNotification:
		if len(rest) != 2 {
			return nil, fmt.Errorf("%w: peer down fsm event code has %d bytes", ErrMalformedBody, len(rest))
		}
		m.FSMEvent = binary.BigEndian.Uint16(rest)
	case PeerDownLocalSystemClosed:
		if m.TLVs, err = parseInformationTLVs(rest); err != nil {
			return nil, err
		}
	default:
		if len(rest) > 0 {
			m.Data = rest
		}
	}
	return m, nil
}

// parsePeerUp decodes a Peer Up notification (RFC 7854 §4.10):
//
//	Per-Peer Header (42) + Local Address (16) + Local Port (2) +
//	Remote Port (2) + Sent OPEN + Received OPEN + Information TLVs
//
// Some speakers omit both OPENs; the message is accepted and the peer
// falls back to default capabilities.
func (p *Parser) parsePeerUp(body []byte) (Message, error) {
	peer, err := parsePeerHeader(body)
	if err != nil {
		return nil, err
	}
	if len(body) < PerPeerHeaderSize+peerUpFixedSize {
		return nil, fmt.Errorf("%w: peer up too short (%d bytes)", ErrMalformedBody, len(body))
	}

	data := body[PerPeerHeaderSize:]
	m := &PeerUpNotification{
		Peer:       peer,
		LocalAddr:  decodeAddress(data[0:16], peer.Flags.IPv6()),
		LocalPort:  binary.BigEndian.Uint16(data[16:18]),
		RemotePort: binary.BigEndian.Uint16(data[18:20]),
	}
	rest := data[peerUpFixedSize:]

	if bytes.HasPrefix(rest, bgpMarker) {
		if m.RawSentOpen, rest, err = bgp.Split(rest); err != nil {
			return nil, fmt.Errorf("%w: sent open: %v", ErrMalformedBody, err)
		}
		if m.RawReceivedOpen, rest, err = bgp.Split(rest); err != nil {
			return nil, fmt.Errorf("%w: received open: %v", ErrMalformedBody, err)
		}
	}
	if m.Information, err = parseInformationTLVs(rest); err != nil {
		return nil, err
	}

	if m.RawSentOpen == nil {
		return m, nil
	}
	var errs []error
	if m.SentOpen, err = p.decodeEmbedded(&m.Peer, MsgTypePeerUp, m.RawSentOpen, bgp.MsgTypeOpen); err != nil {
		errs = append(errs, err)
	}
	if m.ReceivedOpen, err = p.decodeEmbedded(&m.Peer, MsgTypePeerUp, m.RawReceivedOpen, bgp.MsgTypeOpen); err != nil {
		errs = append(errs, err)
	}
	return m, combine(errs)
}

func (p *Parser) parseRouteMirroring(body []byte) (Message, error) {
	peer, err := parsePeerHeader(body)
	if err != nil {
		return nil, err
	}
	m := &RouteMirroring{Peer: peer}

	var errs []error
	err = walkTLVs(body[PerPeerHeaderSize:], func(t uint16, value []byte) {
		tlv := MirroringTLV{Type: MirroringTLVType(t), Value: value}
		if tlv.Type == MirrorTypeBGPMessage {
			msg, err := p.adapter.Decode(&m.Peer, MsgTypeRouteMirroring, value)
			if err != nil {
				errs = append(errs, err)
			}
			tlv.BGP = msg
		}
		m.TLVs = append(m.TLVs, tlv)
	})
	if err != nil {
		return nil, err
	}
	return m, combine(errs)
}

// decodeEmbedded decodes raw through the adapter and checks its BGP type.
func (p *Parser) decodeEmbedded(peer *PeerHeader, t MsgType, raw []byte, want bgp.MsgType) (*bgp.Message, error) {
	msg, err := p.adapter.Decode(peer, t, raw)
	if err != nil {
		return nil, err
	}
	if msg.Type != want {
		return nil, &EmbeddedBGPError{Peer: peer.Key(), Type: t, Err: fmt.Errorf("bgp: expected %s, got %s", want, msg.Type)}
	}
	return msg, nil
}

// combine returns nil, the single error, or a multierror of all errors.
func combine(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	return multierror.Append(nil, errs...)
}

func parseInformationTLVs(data []byte) ([]InformationTLV, error) {
	var tlvs []InformationTLV
	err := walkTLVs(data, func(t uint16, value []byte) {
		tlvs = append(tlvs, InformationTLV{Type: InfoType(t), Value: value})
	})
	return tlvs, err
}

// walkTLVs calls fn for each type(2) + length(2) + value element. The
// elements must cover data exactly.
func walkTLVs(data []byte, fn func(t uint16, value []byte)) error {
	offset := 0
	for offset < len(data) {
		if offset+tlvHeaderSize > len(data) {
			return fmt.Errorf("%w: tlv header truncated at offset %d", ErrMalformedBody, offset)
		}
		tlvType := binary.BigEndian.Uint16(data[offset : offset+2])
		tlvLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		offset += tlvHeaderSize

		if offset+tlvLen > len(data) {
			return fmt.Errorf("%w: tlv type %d truncated (need %d, have %d)", ErrMalformedBody, tlvType, tlvLen, len(data)-offset)
		}
		fn(tlvType, data[offset:offset+tlvLen])
		offset += tlvLen
	}
	return nil
}
