package bmp

import (
	"encoding/binary"
	"fmt"
	"math"
	"net/netip"
	"time"
)

// Marshal encodes m in BMP wire format. Embedded BGP messages are written
// from their raw bytes; decoded BGP fields are ignored.
func Marshal(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("bmp: cannot marshal nil message")
	}

	buf := make([]byte, CommonHeaderSize, 256)
	buf[0] = BMPVersion
	buf[5] = byte(m.MsgType())

	var err error
	switch m := m.(type) {
	case *RouteMonitoring:
		if buf, err = appendPeerHeader(buf, &m.Peer); err != nil {
			return nil, err
		}
		buf = append(buf, m.RawBGP...)
		buf, err = appendInformationTLVs(buf, m.TLVs)
	case *StatisticsReport:
		if buf, err = appendPeerHeader(buf, &m.Peer); err != nil {
			return nil, err
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Stats)))
		for _, st := range m.Stats {
			if buf, err = appendStat(buf, st); err != nil {
				return nil, err
			}
		}
	case *PeerDownNotification:
		if buf, err = appendPeerHeader(buf, &m.Peer); err != nil {
			return nil, err
		}
		buf = append(buf, byte(m.Reason))
		switch m.Reason {
		case PeerDownLocalNotification, PeerDownRemoteNotification:
			buf = append(buf, m.RawBGP...)
		case PeerDownLocalNoNotification:
			buf = binary.BigEndian.AppendUint16(buf, m.FSMEvent)
		case PeerDownLocalSystemClosed:
			buf, err = appendInformationTLVs(buf, m.TLVs)
		default:
			buf = append(buf, m.Data...)
		}
	case *PeerUpNotification:
		if buf, err = appendPeerHeader(buf, &m.Peer); err != nil {
			return nil, err
		}
		if buf, err = appendAddress(buf, m.LocalAddr, m.Peer.Flags.IPv6()); err != nil {
			return nil, err
		}
		buf = binary.BigEndian.AppendUint16(buf, m.LocalPort)
		buf = binary.BigEndian.AppendUint16(buf, m.RemotePort)
		buf = append(buf, m.RawSentOpen...)
		buf = append(buf, m.RawReceivedOpen...)
		buf, err = appendInformationTLVs(buf, m.Information)
	case *Initiation:
		buf, err = appendInformationTLVs(buf, m.Information)
	case *Termination:
		buf, err = appendInformationTLVs(buf, m.Information)
	case *RouteMirroring:
		if buf, err = appendPeerHeader(buf, &m.Peer); err != nil {
			return nil, err
		}
		for _, tlv := range m.TLVs {
			if buf, err = appendTLV(buf, uint16(tlv.Type), tlv.Value); err != nil {
				return nil, err
			}
		}
	case *UnknownMessage:
		buf = append(buf, m.Body...)
	default:
		return nil, fmt.Errorf("bmp: cannot marshal %T", m)
	}
	if err != nil {
		return nil, err
	}

	if uint64(len(buf)) > math.MaxUint32 {
		return nil, fmt.Errorf("bmp: message length %d exceeds wire format", len(buf))
	}
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(buf)))
	return buf, nil
}

func appendPeerHeader(dst []byte, h *PeerHeader) ([]byte, error) {
	dst = append(dst, byte(h.Type), byte(h.Flags))
	dst = binary.BigEndian.AppendUint64(dst, h.Distinguisher)

	var err error
	if dst, err = appendAddress(dst, h.Address, h.Flags.IPv6()); err != nil {
		return nil, err
	}
	dst = binary.BigEndian.AppendUint32(dst, h.AS)

	var id [4]byte
	if h.BGPID.Is4() {
		id = h.BGPID.As4()
	} else if h.BGPID.IsValid() {
		return nil, fmt.Errorf("bmp: peer bgp id %s is not an IPv4 address", h.BGPID)
	}
	dst = append(dst, id[:]...)

	var sec, usec uint32
	if !h.Timestamp.IsZero() {
		sec = uint32(h.Timestamp.Unix())
		usec = uint32(h.Timestamp.Nanosecond() / int(time.Microsecond))
	}
	dst = binary.BigEndian.AppendUint32(dst, sec)
	return binary.BigEndian.AppendUint32(dst, usec), nil
}

// appendAddress writes a 16-byte BMP address field.
func appendAddress(dst []byte, addr netip.Addr, ipv6 bool) ([]byte, error) {
	switch {
	case ipv6:
		b := addr.As16()
		return append(dst, b[:]...), nil
	case addr.Is4():
		b := addr.As4()
		dst = append(dst, make([]byte, 12)...)
		return append(dst, b[:]...), nil
	case !addr.IsValid():
		return append(dst, make([]byte, 16)...), nil
	default:
		return nil, fmt.Errorf("bmp: address %s needs the IPv6 peer flag", addr)
	}
}

func appendInformationTLVs(dst []byte, tlvs []InformationTLV) ([]byte, error) {
	var err error
	for _, tlv := range tlvs {
		if dst, err = appendTLV(dst, uint16(tlv.Type), tlv.Value); err != nil {
			return nil, err
		}
	}
	return dst, nil
}

func appendTLV(dst []byte, t uint16, value []byte) ([]byte, error) {
	if len(value) > math.MaxUint16 {
		return nil, fmt.Errorf("bmp: tlv type %d value of %d bytes exceeds 65535", t, len(value))
	}
	dst = binary.BigEndian.AppendUint16(dst, t)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(value)))
	return append(dst, value...), nil
}
