// Package serial speaks to a capture/tone device over a UART link.
//
// Device to host: spectrum frames
//
//	2D D3 | lenHi lenLo | rate u32 | bins u16 | bins x int16 centi-dB | checksum
//
// Host to device: tone frames
//
//	2D D4 | len | 03 | freq Hz u32 | start us u32 | duration us u32 | ramp us u32 | checksum
//
// len counts the data bytes plus the checksum. checksum is the low byte of
// 0x2D plus the length byte(s) plus every data byte. Multi-byte fields are
// big endian.
package serial

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/kstaniek/go-sonic-server/internal/metrics"
	"github.com/kstaniek/go-sonic-server/internal/sonic"
)

const (
	pre0      = 0x2D
	preLong   = 0xD3
	preShort  = 0xD4
	insTone   = 0x03
	toneBytes = 1 + 4*4

	// MaxBins bounds a spectrum frame.
	MaxBins = 8192
)

var ErrBadToneFrame = errors.New("serial: bad tone frame")

type Codec struct{}

// CompactBuffer reclaims consumed prefix capacity when underlying buffer
// grows too large relative to unread bytes. It returns true if compaction
// occurred.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

// shortFrame wraps data (< 255 bytes) as [2D D4 len+1 data... checksum].
func shortFrame(data []byte) []byte {
	n := len(data)
	frame := make([]byte, n+4)
	frame[0] = pre0
	frame[1] = preShort
	frame[2] = byte(n + 1)
	sum := frame[2] + pre0
	for i, b := range data {
		frame[3+i] = b
		sum += b
	}
	frame[3+n] = sum
	return frame
}

// longFrame wraps data as [2D D3 lenHi lenLo data... checksum].
func longFrame(data []byte) []byte {
	n := len(data)
	frame := make([]byte, n+5)
	frame[0] = pre0
	frame[1] = preLong
	binary.BigEndian.PutUint16(frame[2:4], uint16(n+1))
	sum := byte(pre0) + frame[2] + frame[3]
	for i, b := range data {
		frame[4+i] = b
		sum += b
	}
	frame[4+n] = sum
	return frame
}

func micros(sec float64) uint32 {
	if sec <= 0 {
		return 0
	}
	return uint32(math.Round(sec * 1e6))
}

// EncodeTone builds the tone frame for c with its start taken relative to
// origin (seconds).
func (Codec) EncodeTone(c sonic.ToneCommand, origin float64) []byte {
	var data [toneBytes]byte
	data[0] = insTone
	binary.BigEndian.PutUint32(data[1:5], uint32(math.Round(c.Frequency)))
	binary.BigEndian.PutUint32(data[5:9], micros(c.Start-origin))
	binary.BigEndian.PutUint32(data[9:13], micros(c.Duration))
	binary.BigEndian.PutUint32(data[13:17], micros(c.Ramp))
	return shortFrame(data[:])
}

// EncodeSchedule concatenates the tone frames of cmds, timed from the first
// command.
func (c Codec) EncodeSchedule(cmds []sonic.ToneCommand) []byte {
	if len(cmds) == 0 {
		return nil
	}
	origin := cmds[0].Start
	out := make([]byte, 0, len(cmds)*(toneBytes+4))
	for _, cmd := range cmds {
		out = append(out, c.EncodeTone(cmd, origin)...)
	}
	return out
}

// DecodeTone parses one tone frame. Times are relative to the schedule
// origin.
func (Codec) DecodeTone(frame []byte) (sonic.ToneCommand, error) {
	var c sonic.ToneCommand
	if len(frame) != toneBytes+4 || frame[0] != pre0 || frame[1] != preShort || int(frame[2]) != toneBytes+1 {
		return c, fmt.Errorf("%w: header % X", ErrBadToneFrame, frame[:min(len(frame), 3)])
	}
	sum := byte(pre0) + frame[2]
	for _, b := range frame[3 : len(frame)-1] {
		sum += b
	}
	if sum != frame[len(frame)-1] {
		return c, fmt.Errorf("%w: checksum", ErrBadToneFrame)
	}
	data := frame[3 : len(frame)-1]
	if data[0] != insTone {
		return c, fmt.Errorf("%w: ins 0x%02X", ErrBadToneFrame, data[0])
	}
	c.Frequency = float64(binary.BigEndian.Uint32(data[1:5]))
	c.Start = float64(binary.BigEndian.Uint32(data[5:9])) / 1e6
	c.Duration = float64(binary.BigEndian.Uint32(data[9:13])) / 1e6
	c.Ramp = float64(binary.BigEndian.Uint32(data[13:17])) / 1e6
	return c, nil
}

// EncodeSpectrum builds a spectrum frame; magnitudes are clamped to the
// int16 centi-dB range.
func (Codec) EncodeSpectrum(s sonic.Spectrum) []byte {
	bins := min(len(s.Magnitudes), MaxBins)
	data := make([]byte, 6+2*bins)
	binary.BigEndian.PutUint32(data[0:4], uint32(s.SampleRate))
	binary.BigEndian.PutUint16(data[4:6], uint16(bins))
	for i := 0; i < bins; i++ {
		v := math.Round(float64(s.Magnitudes[i]) * 100)
		v = math.Max(math.MinInt16, math.Min(math.MaxInt16, v))
		binary.BigEndian.PutUint16(data[6+2*i:], uint16(int16(v)))
	}
	return longFrame(data)
}

// DecodeStream reads spectrum frames from in and emits each via out.
// Incomplete trailing bytes stay in the buffer for the next call.
// Corrupt frames are counted as malformed and skipped one byte at a time.
func (Codec) DecodeStream(in *bytes.Buffer, out func(sonic.Spectrum)) error {
	const (
		minLn = 4 + 2 + 2 + 1 // one bin
		maxLn = 4 + 2 + 2*MaxBins + 1
	)
	header := []byte{pre0, preLong}

	for {
		data := in.Bytes()
		_ = CompactBuffer(in)
		if len(data) < 4 {
			return nil
		}

		i := bytes.Index(data, header)
		if i < 0 {
			// keep last byte in case next buffer starts with preamble second byte
			if in.Len() > 1 {
				last := data[len(data)-1]
				in.Reset()
				_ = in.WriteByte(last)
			}
			return nil
		}
		if i > 0 {
			in.Next(i)
			continue
		}

		ln := int(binary.BigEndian.Uint16(data[2:4]))
		if ln < minLn || ln > maxLn || (ln-7)%2 != 0 {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		req := 4 + ln
		if len(data) < req {
			return nil
		}

		sum := byte(pre0) + data[2] + data[3]
		for _, b := range data[4 : req-1] {
			sum += b
		}
		if sum != data[req-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}

		body := data[4 : req-1]
		rate := binary.BigEndian.Uint32(body[0:4])
		bins := int(binary.BigEndian.Uint16(body[4:6]))
		if bins != (len(body)-6)/2 || rate == 0 {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		mags := make([]float32, bins)
		for k := range mags {
			mags[k] = float32(int16(binary.BigEndian.Uint16(body[6+2*k:]))) / 100
		}
		out(sonic.Spectrum{Magnitudes: mags, SampleRate: float64(rate)})
		metrics.IncSerialRx()
		in.Next(req)
	}
}
