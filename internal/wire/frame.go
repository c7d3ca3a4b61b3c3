// Package wire implements the TCP client protocol: a fixed hello followed by
// typed, length-prefixed UTF-8 frames.
package wire

import "fmt"

// Type identifies a frame.
type Type uint8

const (
	// TypeSend carries text a client wants transmitted over the air.
	TypeSend Type = 0x01
	// TypeMessage carries a message decoded from the air.
	TypeMessage Type = 0x02
	// TypeError reports a failed request back to the client.
	TypeError Type = 0x03
)

// MaxPayload bounds a frame payload in bytes.
const MaxPayload = 1024

func (t Type) String() string {
	switch t {
	case TypeSend:
		return "send"
	case TypeMessage:
		return "message"
	case TypeError:
		return "error"
	default:
		return fmt.Sprintf("type(0x%02X)", uint8(t))
	}
}

func (t Type) valid() bool { return t >= TypeSend && t <= TypeError }

// Frame is one protocol unit.
type Frame struct {
	Type    Type
	Payload []byte
}

func Send(text string) Frame    { return Frame{Type: TypeSend, Payload: []byte(text)} }
func Message(text string) Frame { return Frame{Type: TypeMessage, Payload: []byte(text)} }
func Error(reason string) Frame { return Frame{Type: TypeError, Payload: []byte(reason)} }

// Text returns the payload as a string.
func (f Frame) Text() string { return string(f.Payload) }
