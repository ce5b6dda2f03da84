package bmp

import (
	"errors"
	"fmt"
)

var (
	// ErrNeedMoreData reports that the buffer ends inside a message. It is
	// not a failure: supply more bytes and try again.
	ErrNeedMoreData = errors.New("bmp: need more data")

	// ErrUnsupportedVersion and ErrInvalidLength mean the framing can no
	// longer be trusted. They terminate the stream.
	ErrUnsupportedVersion = errors.New("bmp: unsupported version")
	ErrInvalidLength      = errors.New("bmp: invalid message length")

	// The remaining errors are local to one message; decoding continues
	// with the next frame.
	ErrUnknownMessageType = errors.New("bmp: unknown message type")
	ErrMalformedBody      = errors.New("bmp: malformed message body")
	ErrEmbeddedBGP        = errors.New("bmp: embedded bgp message")
)

// FrameError is a fatal framing failure at a stream offset. It wraps
// ErrUnsupportedVersion or ErrInvalidLength.
type FrameError struct {
	Offset int64
	Err    error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("bmp: frame at offset %d: %v", e.Offset, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// MessageError is a recoverable failure to decode one framed message.
type MessageError struct {
	Type   MsgType
	Offset int64
	Err    error
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("bmp: %s message at offset %d: %v", e.Type, e.Offset, e.Err)
}

func (e *MessageError) Unwrap() error { return e.Err }

// EmbeddedBGPError reports that the BGP codec rejected a message embedded
// in a BMP message. The BMP message itself is still returned.
type EmbeddedBGPError struct {
	Peer PeerKey
	Type MsgType
	Err  error
}

func (e *EmbeddedBGPError) Error() string {
	return fmt.Sprintf("bmp: embedded bgp in %s for peer %s: %v", e.Type, e.Peer, e.Err)
}

func (e *EmbeddedBGPError) Unwrap() []error { return []error{ErrEmbeddedBGP, e.Err} }

// IsFatal reports whether err ends decoding of the stream.
func IsFatal(err error) bool {
	var fe *FrameError
	return errors.As(err, &fe)
}
