package amqpengine

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Framing constants, matching the transport's existing length-prefix
// convention: a 4-byte big-endian length prefix followed by that many
// bytes of frame body.
const (
	lengthPrefixSize = 4

	// defaultMaxFrameSize bounds a single performative frame. Transfer
	// payloads larger than this must be rejected by the caller before
	// they ever reach enqueueSend.
	defaultMaxFrameSize = 1 << 20 // 1 MiB
)

// ErrFrameTooLarge indicates an inbound frame's declared length exceeds
// the engine's configured maximum.
var ErrFrameTooLarge = errors.New("amqpengine: frame too large")

// frameAccumulator turns a byte stream, fed in arbitrary chunks via
// feed, into a sequence of complete length-prefixed frames. The engine
// owns one of these for its inbound side since it has no direct socket
// access: callers hand it whatever bytes they read off the wire.
type frameAccumulator struct {
	buf         []byte
	maxFrameSize uint32
}

func newFrameAccumulator(maxFrameSize uint32) *frameAccumulator {
	if maxFrameSize == 0 {
		maxFrameSize = defaultMaxFrameSize
	}
	return &frameAccumulator{maxFrameSize: maxFrameSize}
}

// feed appends newly received bytes to the accumulator.
func (a *frameAccumulator) feed(data []byte) {
	a.buf = append(a.buf, data...)
}

// next extracts the next complete frame body from the accumulator, if
// one is fully buffered. ok is false when more bytes are needed.
func (a *frameAccumulator) next() (frame []byte, ok bool, err error) {
	if len(a.buf) < lengthPrefixSize {
		return nil, false, nil
	}
	length := binary.BigEndian.Uint32(a.buf[:lengthPrefixSize])
	if length > a.maxFrameSize {
		return nil, false, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, a.maxFrameSize)
	}
	total := lengthPrefixSize + int(length)
	if len(a.buf) < total {
		return nil, false, nil
	}

	frame = make([]byte, length)
	copy(frame, a.buf[lengthPrefixSize:total])

	remaining := len(a.buf) - total
	copy(a.buf, a.buf[total:])
	a.buf = a.buf[:remaining]

	return frame, true, nil
}

// encodeFrame prefixes body with its big-endian length.
func encodeFrame(body []byte) []byte {
	out := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(out[:lengthPrefixSize], uint32(len(body)))
	copy(out[lengthPrefixSize:], body)
	return out
}
