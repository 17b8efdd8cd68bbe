package someip

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ByteReceiver is the byte source a StreamReader pulls from.
//
// Receive returns (0, nil) when no data is currently available. End of stream
// and socket failures are reported as errors.
type ByteReceiver interface {
	Receive(p []byte) (int, error)
}

// StreamReader reconstructs SOME/IP messages from a byte stream one message
// at a time. It tolerates arbitrarily short reads: each call to Read performs
// at most one Receive for the header and one for the body, and keeps its
// position across calls.
//
// A completed message blocks further reading until it is taken with
// NextMessage. A StreamReader is bound to a single stream; after a reconnect
// a fresh reader must be used since partial state cannot be resumed.
type StreamReader struct {
	bytesRead int
	length    uint32
	available bool
	message   []byte
	maxSize   int
}

// NewStreamReader returns a reader. A maxSize of zero or less disables the size limit.
func NewStreamReader(maxSize int) *StreamReader {
	return &StreamReader{
		message: make([]byte, HeaderSize),
		maxSize: maxSize,
	}
}

// Read pulls the next chunk of the current message from src.
// It is a no-op while a completed message is waiting to be taken.
func (r *StreamReader) Read(src ByteReceiver) error {
	if r.available {
		return nil
	}

	if r.bytesRead < HeaderSize {
		n, err := src.Receive(r.message[r.bytesRead:HeaderSize])
		r.bytesRead += n
		if err != nil {
			return err
		}
		if r.bytesRead < HeaderSize {
			return nil
		}
		if err = r.resolveLength(); err != nil {
			// A rejected header is never reported as a message.
			r.reset()
			return err
		}
	}

	if r.bytesRead < len(r.message) {
		n, err := src.Receive(r.message[r.bytesRead:])
		r.bytesRead += n
		if err != nil {
			return err
		}
	}

	if r.bytesRead == len(r.message) {
		r.available = true
	}

	return nil
}

// resolveLength sizes the buffer once the header is complete.
func (r *StreamReader) resolveLength() error {
	r.length = binary.BigEndian.Uint32(r.message[lengthFieldOffset:])

	size, err := messageSize(r.length)
	if err != nil {
		return err
	}
	if r.maxSize > 0 && size > r.maxSize {
		return errors.Wrapf(ErrMessageTooLarge, "%d bytes exceeds limit %d", size, r.maxSize)
	}

	if size > cap(r.message) {
		grown := make([]byte, size)
		copy(grown, r.message[:HeaderSize])
		r.message = grown
	} else {
		r.message = r.message[:size]
	}

	return nil
}

// IsMessageAvailable reports whether a complete message is buffered.
func (r *StreamReader) IsMessageAvailable() bool {
	return r.available
}

// NextMessage hands off the buffered message and prepares for the next one.
// It returns nil if no message is available.
func (r *StreamReader) NextMessage() *Message {
	if !r.available {
		return nil
	}

	h, _ := DecodeHeader(r.message)
	m := &Message{data: r.message, header: h}

	r.reset()
	return m
}

func (r *StreamReader) reset() {
	r.message = make([]byte, HeaderSize)
	r.bytesRead = 0
	r.length = 0
	r.available = false
}
