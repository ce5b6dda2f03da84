package bmp

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"net/netip"
)

const (
	// OBMP v1.7 format (goBMP raw topics).
	obmpMagic        uint32 = 0x4F424D50 // "OBMP"
	obmpMinHeaderLen        = 12         // Minimum to read header_length and msg_length

	// Legacy v2 format.
	OpenBMPHeaderSize      = 10 // version(2) + collector_hash(4) + msg_len(4)
	openBMPVersionExpected = 2
)

// OpenBMPFrame is an unwrapped OpenBMP RAW record.
type OpenBMPFrame struct {
	BMP        []byte     // BMP stream bytes, possibly several messages.
	RouterIP   netip.Addr // Zero when the header carries no router identity.
	RouterHash string     // Hex router hash from the v1.7 header.
	Len        int        // Bytes of data the frame occupies, header included.
}

// RouterKey identifies the BMP speaker a frame came from. Records from one
// speaker form one BMP stream.
func (f OpenBMPFrame) RouterKey() string {
	if f.RouterHash != "" {
		return f.RouterHash
	}
	if f.RouterIP.IsValid() {
		return f.RouterIP.String()
	}
	return ""
}

// DecodeOpenBMPFrame decodes an OpenBMP frame and extracts the BMP payload.
// Supports both OBMP v1.7 and legacy v2 headers.
func DecodeOpenBMPFrame(data []byte, maxPayloadBytes int) (OpenBMPFrame, error) {
	if len(data) < 4 {
		return OpenBMPFrame{}, fmt.Errorf("openbmp: frame too short (%d bytes)", len(data))
	}
	if binary.BigEndian.Uint32(data[0:4]) == obmpMagic {
		return decodeOBMPv17(data, maxPayloadBytes)
	}
	return decodeLegacyV2(data, maxPayloadBytes)
}

// decodeOBMPv17 parses the OBMP v1.7 header.
//
//	 0-3:  Magic (uint32) = 0x4F424D50 ("OBMP")
//	 4:    Version Major (uint8) = 1
//	 5:    Version Minor (uint8) = 7
//	 6-7:  Header Length (uint16)
//	 8-11: BMP Message Length (uint32)
//	12:    Flags (uint8)
//	13:    Message Type (uint8)
//	14-17: Timestamp seconds (uint32)
//	18-21: Timestamp microseconds (uint32)
//	22-37: Collector Hash (16 bytes)
//	38-39: Collector Admin ID Length (uint16)
//	40..40+N: Collector Admin ID (N bytes)
//	40+N..55+N: Router Hash (16 bytes)
//	56+N..71+N: Router IP (16 bytes)
//	72+N..73+N: Router Group Length (uint16)
//	74+N..74+N+M: Router Group (M bytes)
//	74+N+M..77+N+M: Row Count (uint32)
func decodeOBMPv17(data []byte, maxPayloadBytes int) (OpenBMPFrame, error) {
	if len(data) < obmpMinHeaderLen {
		return OpenBMPFrame{}, fmt.Errorf("openbmp: v1.7 frame too short (%d bytes)", len(data))
	}

	headerLen := int(binary.BigEndian.Uint16(data[6:8]))
	msgLen := binary.BigEndian.Uint32(data[8:12])

	if headerLen < obmpMinHeaderLen {
		return OpenBMPFrame{}, fmt.Errorf("openbmp: header_length %d too small", headerLen)
	}
	if headerLen > len(data) {
		return OpenBMPFrame{}, fmt.Errorf("openbmp: header_length %d exceeds frame (%d bytes)", headerLen, len(data))
	}
	payload, err := payloadAt(data, headerLen, msgLen, maxPayloadBytes)
	if err != nil {
		return OpenBMPFrame{}, err
	}
	frame := OpenBMPFrame{BMP: payload, Len: headerLen + len(payload)}

	// Router identity sits after the variable-length collector admin ID.
	if headerLen >= 40 {
		collectorIDLen := int(binary.BigEndian.Uint16(data[38:40]))
		routerHashOff := 40 + collectorIDLen
		routerIPOff := routerHashOff + 16

		if routerIPOff+16 <= headerLen {
			frame.RouterHash = hex.EncodeToString(data[routerHashOff : routerHashOff+16])
			frame.RouterIP = parseOBMPRouterIP(data[routerIPOff : routerIPOff+16])
		}
	}
	return frame, nil
}

// decodeLegacyV2 parses the 10-byte OpenBMP v2 header, which carries no
// router identity.
func decodeLegacyV2(data []byte, maxPayloadBytes int) (OpenBMPFrame, error) {
	if len(data) < OpenBMPHeaderSize {
		return OpenBMPFrame{}, fmt.Errorf("openbmp: frame too short (%d bytes, need %d)", len(data), OpenBMPHeaderSize)
	}
	version := binary.BigEndian.Uint16(data[0:2])
	if version != openBMPVersionExpected {
		return OpenBMPFrame{}, fmt.Errorf("openbmp: unrecognized format (no OBMP magic, version=%d)", version)
	}

	// collector_hash at offset 2-6 is ignored.
	payload, err := payloadAt(data, OpenBMPHeaderSize, binary.BigEndian.Uint32(data[6:10]), maxPayloadBytes)
	if err != nil {
		return OpenBMPFrame{}, err
	}
	return OpenBMPFrame{BMP: payload, Len: OpenBMPHeaderSize + len(payload)}, nil
}

func payloadAt(data []byte, headerLen int, msgLen uint32, maxPayloadBytes int) ([]byte, error) {
	if msgLen == 0 {
		return nil, fmt.Errorf("openbmp: msg_len is 0")
	}
	if uint64(msgLen) > uint64(math.MaxInt)-uint64(headerLen) {
		return nil, fmt.Errorf("openbmp: msg_len %d overflows addressable size", msgLen)
	}
	if maxPayloadBytes > 0 && uint64(msgLen) > uint64(maxPayloadBytes) {
		return nil, fmt.Errorf("openbmp: msg_len %d exceeds limit %d", msgLen, maxPayloadBytes)
	}
	totalLen := headerLen + int(msgLen)
	if len(data) < totalLen {
		return nil, fmt.Errorf("openbmp: frame truncated (have %d, need %d)", len(data), totalLen)
	}
	return data[headerLen:totalLen], nil
}

// parseOBMPRouterIP reads the 16-byte router IP. Encodings seen in the wild:
//   - IPv4 in the first 4 bytes with 12 trailing zeros (goBMP)
//   - IPv4 in the last 4 bytes with 12 leading zeros (BMP per-peer style)
//   - IPv4-mapped IPv6 (::ffff:x.x.x.x)
//   - full IPv6
func parseOBMPRouterIP(b []byte) netip.Addr {
	addr := netip.AddrFrom16([16]byte(b))
	if addr.Is4In6() {
		return addr.Unmap()
	}
	if addr.IsUnspecified() {
		return netip.Addr{}
	}

	trailingZero, leadingZero := true, true
	for i := 4; i < 16; i++ {
		if b[i] != 0 {
			trailingZero = false
			break
		}
	}
	for i := 0; i < 12; i++ {
		if b[i] != 0 {
			leadingZero = false
			break
		}
	}
	switch {
	case trailingZero:
		return netip.AddrFrom4([4]byte(b[:4]))
	case leadingZero:
		return netip.AddrFrom4([4]byte(b[12:16]))
	}
	return addr
}
