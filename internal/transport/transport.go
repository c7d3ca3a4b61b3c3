package transport

import (
	"errors"
	"io"

	"github.com/kstaniek/go-sonic-server/internal/wire"
)

// ErrTxOverflow is wrapped by every backend queue that refuses work because
// it is full.
var ErrTxOverflow = errors.New("tx overflow")

// FrameDecoder decodes a single client frame from a stream.
type FrameDecoder interface {
	Decode(r io.Reader) (wire.Frame, error)
}

// MultiFrameDecoder optionally drains multiple frames from a stream.
type MultiFrameDecoder interface {
	DecodeN(r io.Reader, max int, onFrame func(wire.Frame)) (int, error)
}

// FrameBatchEncoder can encode batches efficiently (either to bytes or directly to writer).
type FrameBatchEncoder interface {
	Encode([]wire.Frame) []byte
	EncodeTo(w io.Writer, frames []wire.Frame) (int, error)
}

var (
	_ FrameDecoder      = (*wire.Codec)(nil)
	_ MultiFrameDecoder = (*wire.Codec)(nil)
	_ FrameBatchEncoder = (*wire.Codec)(nil)
)
