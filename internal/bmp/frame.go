package bmp

import (
	"encoding/binary"
	"fmt"
)

// DefaultMaxMessageLength bounds the declared length of a single message.
const DefaultMaxMessageLength = 16 * 1024 * 1024

// frameHeaderSize is the version and length prefix, enough to delimit a frame.
const frameHeaderSize = 5

// FrameReader delimits BMP messages in a byte buffer using the length field
// of the common header. It keeps no state of its own.
type FrameReader struct {
	MaxLength uint32
}

// Next returns the first complete message in buf and the number of bytes it
// occupies. When buf ends inside a message it returns ErrNeedMoreData and
// n == 0; the caller keeps buf and appends to it. The returned frame aliases
// buf.
//
// A message shorter than the common header or longer than MaxLength is
// rejected with ErrInvalidLength since no later boundary can be trusted.
func (r FrameReader) Next(buf []byte) (frame []byte, n int, err error) {
	if len(buf) == 0 {
		return nil, 0, ErrNeedMoreData
	}
	if buf[0] != BMPVersion {
		return nil, 0, fmt.Errorf("%w %d (expected %d)", ErrUnsupportedVersion, buf[0], BMPVersion)
	}
	if len(buf) < frameHeaderSize {
		return nil, 0, ErrNeedMoreData
	}

	length := binary.BigEndian.Uint32(buf[1:5])
	limit := r.MaxLength
	if limit == 0 {
		limit = DefaultMaxMessageLength
	}
	if length < CommonHeaderSize {
		return nil, 0, fmt.Errorf("%w: declared length %d below common header size %d", ErrInvalidLength, length, CommonHeaderSize)
	}
	if length > limit {
		return nil, 0, fmt.Errorf("%w: declared length %d exceeds maximum %d", ErrInvalidLength, length, limit)
	}
	if uint64(length) > uint64(len(buf)) {
		return nil, 0, ErrNeedMoreData
	}
	return buf[:length], int(length), nil
}
