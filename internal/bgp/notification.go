package bgp

import (
	"fmt"
	"strconv"
)

// NOTIFICATION error codes (RFC 4271 §4.5).
const (
	ErrCodeMessageHeader uint8 = 1
	ErrCodeOpenMessage   uint8 = 2
	ErrCodeUpdateMessage uint8 = 3
	ErrCodeHoldTimer     uint8 = 4
	ErrCodeFSM           uint8 = 5
	ErrCodeCease         uint8 = 6
	ErrCodeRouteRefresh  uint8 = 7
)

var errorCodeNames = map[uint8]string{
	ErrCodeMessageHeader: "message_header_error",
	ErrCodeOpenMessage:   "open_message_error",
	ErrCodeUpdateMessage: "update_message_error",
	ErrCodeHoldTimer:     "hold_timer_expired",
	ErrCodeFSM:           "fsm_error",
	ErrCodeCease:         "cease",
	ErrCodeRouteRefresh:  "route_refresh_error",
}

// Cease subcodes (RFC 4486).
var ceaseSubcodeNames = map[uint8]string{
	1:  "max_prefixes_reached",
	2:  "administrative_shutdown",
	3:  "peer_deconfigured",
	4:  "administrative_reset",
	5:  "connection_rejected",
	6:  "other_configuration_change",
	7:  "connection_collision_resolution",
	8:  "out_of_resources",
	9:  "hard_reset",
	10: "bfd_down",
}

// Notification is a decoded BGP NOTIFICATION body.
type Notification struct {
	Code    uint8
	Subcode uint8
	Data    []byte
}

// ParseNotification parses a NOTIFICATION body (after the 19-byte header).
func ParseNotification(data []byte) (*Notification, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("bgp: notification too short (%d bytes)", len(data))
	}
	return &Notification{
		Code:    data[0],
		Subcode: data[1],
		Data:    data[2:],
	}, nil
}

// CodeName returns a readable name for the error code.
func (n *Notification) CodeName() string {
	if name, ok := errorCodeNames[n.Code]; ok {
		return name
	}
	return "unknown(" + strconv.Itoa(int(n.Code)) + ")"
}

func (n *Notification) String() string {
	if n.Code == ErrCodeCease {
		if name, ok := ceaseSubcodeNames[n.Subcode]; ok {
			return n.CodeName() + "/" + name
		}
	}
	return fmt.Sprintf("%s/%d", n.CodeName(), n.Subcode)
}

// AppendNotification appends a complete NOTIFICATION message.
func AppendNotification(dst []byte, code, subcode uint8, data []byte) []byte {
	dst = AppendHeader(dst, MsgTypeNotification, 2+len(data))
	dst = append(dst, code, subcode)
	return append(dst, data...)
}
