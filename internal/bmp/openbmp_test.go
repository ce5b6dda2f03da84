package bmp

import (
	"encoding/binary"
	"testing"
)

const testMaxPayload = 16 * 1024 * 1024

// buildLegacyFrame builds a legacy OpenBMP v2 frame (10-byte header).
func buildLegacyFrame(version uint16, collectorHash uint32, payload []byte) []byte {
	frame := make([]byte, 10+len(payload))
	binary.BigEndian.PutUint16(frame[0:2], version)
	binary.BigEndian.PutUint32(frame[2:6], collectorHash)
	binary.BigEndian.PutUint32(frame[6:10], uint32(len(payload)))
	copy(frame[10:], payload)
	return frame
}

// buildOBMPv17Frame builds an OBMP v1.7 frame with a 16-byte router IP field
// and the given router hash.
func buildOBMPv17Frame(routerIP [16]byte, routerHash byte, payload []byte) []byte {
	routerHashOff := 40
	routerIPOff := routerHashOff + 16
	routerGroupOff := routerIPOff + 16
	rowCountOff := routerGroupOff + 2
	headerLen := rowCountOff + 4

	frame := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], 0x4F424D50)
	frame[4] = 1
	frame[5] = 7
	binary.BigEndian.PutUint16(frame[6:8], uint16(headerLen))
	binary.BigEndian.PutUint32(frame[8:12], uint32(len(payload)))
	frame[12] = 0x80 // flags: router message
	frame[13] = 12   // message type: BMP_RAW
	// Collector Admin ID Length = 0
	binary.BigEndian.PutUint16(frame[38:40], 0)
	frame[routerHashOff+15] = routerHash
	copy(frame[routerIPOff:routerIPOff+16], routerIP[:])
	binary.BigEndian.PutUint32(frame[rowCountOff:rowCountOff+4], 1)

	copy(frame[headerLen:], payload)
	return frame
}

func ipv4Field(a, b, c, d byte) [16]byte {
	return [16]byte{a, b, c, d} // goBMP places IPv4 in the first 4 bytes
}

var minimalBMP = []byte{0x03, 0x00, 0x00, 0x00, 0x06, 0x04}

// --- Legacy v2 ---

func TestDecodeOpenBMPFrame_Valid(t *testing.T) {
	frame := buildLegacyFrame(2, 0xAABBCCDD, minimalBMP)

	result, err := DecodeOpenBMPFrame(frame, testMaxPayload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result.BMP) != string(minimalBMP) {
		t.Fatalf("expected payload %x, got %x", minimalBMP, result.BMP)
	}
	if result.RouterIP.IsValid() {
		t.Errorf("expected no RouterIP for legacy frame, got %s", result.RouterIP)
	}
	if result.RouterKey() != "" {
		t.Errorf("expected empty router key, got %q", result.RouterKey())
	}
}

func TestDecodeOpenBMPFrame_Errors(t *testing.T) {
	zeroLen := make([]byte, 10)
	binary.BigEndian.PutUint16(zeroLen[0:2], 2)

	shortPayload := make([]byte, 10+5)
	binary.BigEndian.PutUint16(shortPayload[0:2], 2)
	binary.BigEndian.PutUint32(shortPayload[6:10], 100) // only 5 bytes follow
	copy(shortPayload[10:], minimalBMP[:5])

	v17ZeroLen := buildOBMPv17Frame(ipv4Field(10, 0, 0, 1), 1, nil)

	tests := []struct {
		name  string
		frame []byte
		max   int
	}{
		{"legacy truncated header", buildLegacyFrame(2, 0xAABBCCDD, minimalBMP)[:8], testMaxPayload},
		{"legacy bad version", buildLegacyFrame(99, 0, []byte{0x03}), testMaxPayload},
		{"legacy oversized", buildLegacyFrame(2, 0, minimalBMP), 2},
		{"legacy zero length", zeroLen, testMaxPayload},
		{"legacy truncated payload", shortPayload, testMaxPayload},
		{"v17 truncated", buildOBMPv17Frame(ipv4Field(10, 0, 0, 1), 1, minimalBMP)[:20], testMaxPayload},
		{"v17 oversized", buildOBMPv17Frame(ipv4Field(10, 0, 0, 1), 1, minimalBMP), 2},
		{"v17 zero length", v17ZeroLen, testMaxPayload},
		{"too short", []byte{0x00, 0x02}, testMaxPayload},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeOpenBMPFrame(tc.frame, tc.max); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestDecodeOpenBMPFrame_MultipleFrames(t *testing.T) {
	payload1 := []byte{0x01, 0x02, 0x03}
	payload2 := []byte{0x04, 0x05}
	combined := append(buildLegacyFrame(2, 0x11111111, payload1), buildLegacyFrame(2, 0x22222222, payload2)...)

	result1, err := DecodeOpenBMPFrame(combined, testMaxPayload)
	if err != nil {
		t.Fatalf("frame 1: unexpected error: %v", err)
	}
	if len(result1.BMP) != 3 {
		t.Fatalf("frame 1: expected 3 bytes, got %d", len(result1.BMP))
	}
	if result1.Len != 10+len(payload1) {
		t.Fatalf("frame 1: expected Len %d, got %d", 10+len(payload1), result1.Len)
	}

	result2, err := DecodeOpenBMPFrame(combined[result1.Len:], testMaxPayload)
	if err != nil {
		t.Fatalf("frame 2: unexpected error: %v", err)
	}
	if len(result2.BMP) != 2 {
		t.Fatalf("frame 2: expected 2 bytes, got %d", len(result2.BMP))
	}
}

// --- OBMP v1.7 ---

func TestDecodeOBMPv17_IPv4Router(t *testing.T) {
	frame := buildOBMPv17Frame(ipv4Field(10, 0, 0, 1), 0xAB, minimalBMP)

	result, err := DecodeOpenBMPFrame(frame, testMaxPayload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.BMP) != len(minimalBMP) {
		t.Fatalf("expected %d BMP bytes, got %d", len(minimalBMP), len(result.BMP))
	}
	if result.RouterIP.String() != "10.0.0.1" {
		t.Errorf("expected RouterIP=10.0.0.1, got %s", result.RouterIP)
	}
	if result.RouterHash != "000000000000000000000000000000ab" {
		t.Errorf("unexpected RouterHash %q", result.RouterHash)
	}
	if result.Len != len(frame) {
		t.Errorf("expected Len=%d, got %d", len(frame), result.Len)
	}
	if result.RouterKey() != result.RouterHash {
		t.Errorf("expected router key to prefer the hash, got %q", result.RouterKey())
	}
}

func TestDecodeOBMPv17_IPv6Router(t *testing.T) {
	ipv6 := [16]byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x01}
	frame := buildOBMPv17Frame(ipv6, 1, minimalBMP)

	result, err := DecodeOpenBMPFrame(frame, testMaxPayload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RouterIP.String() != "2001:db8::1" {
		t.Errorf("expected RouterIP=2001:db8::1, got %s", result.RouterIP)
	}
}

func TestDecodeOBMPv17_ZeroRouterIP(t *testing.T) {
	frame := buildOBMPv17Frame([16]byte{}, 1, minimalBMP)

	result, err := DecodeOpenBMPFrame(frame, testMaxPayload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RouterIP.IsValid() {
		t.Errorf("expected no RouterIP for all-zero address, got %s", result.RouterIP)
	}
}

func TestParseOBMPRouterIP(t *testing.T) {
	tests := []struct {
		name string
		b    [16]byte
		want string
	}{
		{"ipv4 leading zeros", [16]byte{12: 10, 13: 0, 14: 0, 15: 2}, "10.0.0.2"},
		{"ipv4 trailing zeros", [16]byte{192, 168, 1, 1}, "192.168.1.1"},
		{"ipv4 mapped", [16]byte{10: 0xff, 11: 0xff, 12: 10, 13: 0, 14: 0, 15: 1}, "10.0.0.1"},
		{"full ipv6", [16]byte{0x20, 0x01, 0x0d, 0xb8, 15: 0x01}, "2001:db8::1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := parseOBMPRouterIP(tc.b[:]).String(); got != tc.want {
				t.Errorf("expected %s, got %s", tc.want, got)
			}
		})
	}
}
