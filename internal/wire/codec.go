package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/kstaniek/go-sonic-server/internal/metrics"
)

// Codec encodes/decodes client frames. Stateless and safe for concurrent use.
type Codec struct{}

var (
	// ErrInvalidLength is returned when a payload exceeds MaxPayload.
	ErrInvalidLength = errors.New("wire: invalid length")
	// ErrTruncatedFrame is returned when the underlying reader ends mid-frame.
	ErrTruncatedFrame = errors.New("wire: truncated frame")
	// ErrUnknownType is returned for an unassigned type byte.
	ErrUnknownType = errors.New("wire: unknown frame type")
	// ErrInvalidText is returned when a payload is not valid UTF-8.
	ErrInvalidText = errors.New("wire: payload is not utf-8")
)

const headerLen = 3

// Encode packs frames back to back.
func (c *Codec) Encode(frames []Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	size := 0
	for _, f := range frames {
		size += headerLen + len(f.Payload)
	}
	buf.Grow(size)
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes frames to w and returns bytes written. Each frame is
// 1-byte type, 2-byte BE payload length, payload. Payloads beyond
// MaxPayload are rejected.
func (c *Codec) EncodeTo(w io.Writer, frames []Frame) (int, error) {
	var total int
	for _, f := range frames {
		if len(f.Payload) > MaxPayload {
			return total, fmt.Errorf("wire encode: %w (%d)", ErrInvalidLength, len(f.Payload))
		}
		var hdr [headerLen]byte
		hdr[0] = byte(f.Type)
		binary.BigEndian.PutUint16(hdr[1:], uint16(len(f.Payload)))
		n, err := w.Write(hdr[:])
		total += n
		if err != nil {
			return total, fmt.Errorf("wire encode header: %w", err)
		}
		if len(f.Payload) > 0 {
			n, err = w.Write(f.Payload)
			total += n
			if err != nil {
				return total, fmt.Errorf("wire encode payload: %w", err)
			}
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r.
// It returns io.EOF if called at a clean frame boundary and no more data is available.
func (c *Codec) Decode(r io.Reader) (Frame, error) {
	var f Frame
	var hdr [headerLen]byte
	if n, err := io.ReadFull(r, hdr[:]); err != nil {
		if n > 0 && errors.Is(err, io.ErrUnexpectedEOF) {
			metrics.IncMalformed()
			return f, fmt.Errorf("wire decode header: %w", ErrTruncatedFrame)
		}
		return f, err
	}
	f.Type = Type(hdr[0])
	ln := int(binary.BigEndian.Uint16(hdr[1:]))
	if !f.Type.valid() {
		metrics.IncMalformed()
		return f, fmt.Errorf("wire decode: %w (0x%02X)", ErrUnknownType, hdr[0])
	}
	if ln > MaxPayload {
		metrics.IncMalformed()
		return f, fmt.Errorf("wire decode: %w (%d)", ErrInvalidLength, ln)
	}
	if ln > 0 {
		f.Payload = make([]byte, ln)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			metrics.IncMalformed()
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return f, fmt.Errorf("wire decode payload: %w", ErrTruncatedFrame)
			}
			return f, fmt.Errorf("wire decode payload: %w", err)
		}
		if !utf8.Valid(f.Payload) {
			metrics.IncMalformed()
			return f, fmt.Errorf("wire decode: %w", ErrInvalidText)
		}
	}
	return f, nil
}

// DecodeN decodes up to max frames (if max>0) or until EOF (if max<=0) invoking onFrame for each.
// It returns the number of frames decoded and the terminal error (which can be io.EOF).
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
