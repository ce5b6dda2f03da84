package bgp

import (
	"testing"
)

func TestDecode_Keepalive(t *testing.T) {
	msg, err := Decode(AppendHeader(nil, MsgTypeKeepalive, 0), DefaultContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Type != MsgTypeKeepalive || msg.Length != HeaderSize {
		t.Errorf("unexpected message: type=%s length=%d", msg.Type, msg.Length)
	}
}

func TestDecode_Notification(t *testing.T) {
	raw := AppendNotification(nil, ErrCodeCease, 2, []byte("bye"))
	msg, err := Decode(raw, DefaultContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n := msg.Notification
	if n == nil {
		t.Fatal("expected notification body")
	}
	if n.String() != "cease/administrative_shutdown" {
		t.Errorf("expected 'cease/administrative_shutdown', got %q", n.String())
	}
	if string(n.Data) != "bye" {
		t.Errorf("expected data 'bye', got %q", n.Data)
	}

	n = &Notification{Code: ErrCodeUpdateMessage, Subcode: 11}
	if n.String() != "update_message_error/11" {
		t.Errorf("expected 'update_message_error/11', got %q", n.String())
	}
	n = &Notification{Code: 42}
	if n.CodeName() != "unknown(42)" {
		t.Errorf("expected 'unknown(42)', got %q", n.CodeName())
	}
}

func TestDecode_Errors(t *testing.T) {
	keepalive := AppendHeader(nil, MsgTypeKeepalive, 0)

	badMarker := append([]byte(nil), keepalive...)
	badMarker[3] = 0

	shortLength := append([]byte(nil), keepalive...)
	shortLength[17] = 18

	trailing := append(append([]byte(nil), keepalive...), 0)

	keepaliveWithBody := AppendHeader(nil, MsgTypeKeepalive, 1)
	keepaliveWithBody = append(keepaliveWithBody, 0)

	unknown := AppendHeader(nil, MsgType(9), 0)

	tests := []struct {
		name string
		data []byte
	}{
		{"short", keepalive[:10]},
		{"bad marker", badMarker},
		{"length below header", shortLength},
		{"trailing bytes", trailing},
		{"keepalive with body", keepaliveWithBody},
		{"route refresh short", AppendHeader(nil, MsgTypeRouteRefresh, 0)},
		{"unknown type", unknown},
		{"notification short", AppendHeader(nil, MsgTypeNotification, 0)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.data, DefaultContext()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSplit(t *testing.T) {
	first := buildOpen(FourOctetASCapability(65536))
	second := buildOpen()
	data := append(append([]byte(nil), first...), second...)

	msg, rest, err := Split(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msg) != len(first) || len(rest) != len(second) {
		t.Fatalf("expected split %d/%d, got %d/%d", len(first), len(second), len(msg), len(rest))
	}

	if _, _, err := Split(data[:len(first)-1]); err == nil {
		t.Fatal("expected error for truncated message")
	}
}
