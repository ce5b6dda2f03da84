package bgp

import (
	"encoding/binary"
	"fmt"
)

// Message is a decoded BGP message. Exactly one of the typed bodies is set,
// matching Type; KEEPALIVE has none and ROUTE-REFRESH keeps only Body.
type Message struct {
	Type         MsgType
	Length       int
	Open         *Open
	Update       *Update
	Notification *Notification
	Body         []byte // Message bytes after the 19-byte header.
	Raw          []byte // Full message including header.
}

// MessageLength reads and validates the length field from a BGP message header.
func MessageLength(data []byte) (int, error) {
	if len(data) < HeaderSize {
		return 0, fmt.Errorf("bgp: message too short (%d bytes)", len(data))
	}
	for i := 0; i < 16; i++ {
		if data[i] != 0xFF {
			return 0, fmt.Errorf("bgp: invalid marker at byte %d", i)
		}
	}
	// Length is at offset 16-17 (after the 16-byte marker).
	length := int(binary.BigEndian.Uint16(data[16:18]))
	if length < HeaderSize {
		return 0, fmt.Errorf("bgp: invalid message length %d", length)
	}
	return length, nil
}

// Decode parses one complete BGP message. data must hold exactly the
// message; trailing bytes are an error. ctx selects AS number width and
// Add-Path handling for UPDATE messages.
func Decode(data []byte, ctx Context) (*Message, error) {
	length, err := MessageLength(data)
	if err != nil {
		return nil, err
	}
	if length != len(data) {
		return nil, fmt.Errorf("bgp: message length %d does not match %d available bytes", length, len(data))
	}

	msg := &Message{
		Type:   MsgType(data[18]),
		Length: length,
		Body:   data[HeaderSize:length],
		Raw:    data[:length],
	}

	switch msg.Type {
	case MsgTypeOpen:
		msg.Open, err = ParseOpen(msg.Body)
	case MsgTypeUpdate:
		msg.Update, err = ParseUpdatePayload(msg.Body, ctx)
	case MsgTypeNotification:
		msg.Notification, err = ParseNotification(msg.Body)
	case MsgTypeKeepalive:
		if len(msg.Body) != 0 {
			err = fmt.Errorf("bgp: keepalive carries %d unexpected bytes", len(msg.Body))
		}
	case MsgTypeRouteRefresh:
		if len(msg.Body) != 4 {
			err = fmt.Errorf("bgp: route refresh length %d, expected 4", len(msg.Body))
		}
	default:
		err = fmt.Errorf("bgp: unknown message type %d", data[18])
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Split returns the first BGP message in data and the remaining bytes.
// It is used to walk back-to-back messages such as the OPEN pair in a
// BMP Peer Up notification.
func Split(data []byte) (msg, rest []byte, err error) {
	length, err := MessageLength(data)
	if err != nil {
		return nil, nil, err
	}
	if length > len(data) {
		return nil, nil, fmt.Errorf("bgp: message length %d exceeds available data %d", length, len(data))
	}
	return data[:length], data[length:], nil
}

// AppendHeader appends a BGP header for a message with bodyLen body bytes.
func AppendHeader(dst []byte, t MsgType, bodyLen int) []byte {
	for i := 0; i < 16; i++ {
		dst = append(dst, 0xFF)
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(HeaderSize+bodyLen))
	return append(dst, byte(t))
}
