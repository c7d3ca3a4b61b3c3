package sonic

import "errors"

var (
	// ErrUnknownSymbol is returned when encoding a character absent from the alphabet.
	ErrUnknownSymbol = errors.New("sonic: unknown symbol")
	// ErrOutOfRange marks a frequency outside the band and its tolerance.
	ErrOutOfRange = errors.New("sonic: frequency out of range")
	// ErrRestartRequired signals that the capture feeding the decoder is broken
	// and must be reinitialized before decoding can continue.
	ErrRestartRequired = errors.New("sonic: capture restart required")
	// ErrCaptureCollapsed: lowest bin fell below the collapse threshold.
	ErrCaptureCollapsed = errors.New("capture collapsed")
	// ErrCaptureFlat: low bins stuck at the flat value.
	ErrCaptureFlat = errors.New("capture flat")

	ErrInvalidConfig   = errors.New("sonic: invalid config")
	ErrInvalidAlphabet = errors.New("sonic: invalid alphabet")
)
