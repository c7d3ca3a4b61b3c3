package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/kstaniek/go-sonic-server/internal/sonic"
	"github.com/kstaniek/go-sonic-server/internal/spectrum"
)

const (
	bitDepth     = 16
	wavPCMFormat = 1
)

var ErrInvalidWAV = errors.New("audio: invalid WAV file")

// WriteWAV stores samples in [-1, 1] as 16-bit mono PCM.
func WriteWAV(w io.WriteSeeker, samples []float64, sampleRate int) error {
	enc := wav.NewEncoder(w, sampleRate, bitDepth, 1, wavPCMFormat)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           make([]int, len(samples)),
		SourceBitDepth: bitDepth,
	}
	const full = math.MaxInt16
	for i, v := range samples {
		v = math.Max(-1, math.Min(1, v))
		buf.Data[i] = int(math.Round(v * full))
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("wav write: %w", err)
	}
	return enc.Close()
}

// WAVSink writes every tone schedule it receives to its own WAV file in Dir.
type WAVSink struct {
	Dir        string
	SampleRate int
	Amplitude  float64

	mu   sync.Mutex
	seq  int
	last string
}

// PlayTones renders cmds to Dir/tx-<seq>-<unix ms>.wav.
func (s *WAVSink) PlayTones(ctx context.Context, cmds []sonic.ToneCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	amp := s.Amplitude
	if amp <= 0 {
		amp = 0.5
	}
	pcm := Render(cmds, s.SampleRate, amp)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	name := filepath.Join(s.Dir, fmt.Sprintf("tx-%04d-%d.wav", s.seq, time.Now().UnixMilli()))
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := WriteWAV(f, pcm, s.SampleRate); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	s.last = name
	return nil
}

// LastFile is the path of the most recent schedule written.
func (s *WAVSink) LastFile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// WAVSource replays a WAV file as spectrum frames at a fixed frame rate.
// The first channel is used. Frame timestamps follow the audio timeline so
// idle timeouts behave as in real time regardless of replay speed.
type WAVSource struct {
	dec      *wav.Decoder
	analyzer *spectrum.Analyzer
	rate     int
	chans    int
	full     float64
	hop      int

	buf    *goaudio.IntBuffer
	window []float64
	read   int64
	epoch  time.Time
}

// NewWAVSource reads the header of r and prepares fps frames per second of
// audio (60 when fps <= 0).
func NewWAVSource(r io.ReadSeeker, analyzer *spectrum.Analyzer, fps int) (*WAVSource, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, ErrInvalidWAV
	}
	format := dec.Format()
	if format == nil || format.SampleRate <= 0 || format.NumChannels <= 0 {
		return nil, ErrInvalidWAV
	}
	if fps <= 0 {
		fps = 60
	}
	hop := max(format.SampleRate/fps, 1)
	depth := int(dec.BitDepth)
	if depth == 0 {
		depth = bitDepth
	}
	return &WAVSource{
		dec:      dec,
		analyzer: analyzer,
		rate:     format.SampleRate,
		chans:    format.NumChannels,
		full:     math.Pow(2, float64(depth-1)),
		hop:      hop,
		buf:      &goaudio.IntBuffer{Format: format, Data: make([]int, hop*format.NumChannels)},
		window:   make([]float64, 0, analyzer.Size()),
		epoch:    time.Unix(0, 0),
	}, nil
}

// SampleRate of the file.
func (s *WAVSource) SampleRate() int { return s.rate }

// Now is the audio time of the last frame returned.
func (s *WAVSource) Now() time.Time {
	return s.epoch.Add(time.Duration(s.read) * time.Second / time.Duration(s.rate))
}

// NextFrame implements sonic.FrameSource.
func (s *WAVSource) NextFrame(ctx context.Context) (sonic.Spectrum, error) {
	if err := ctx.Err(); err != nil {
		return sonic.Spectrum{}, err
	}
	n, err := s.dec.PCMBuffer(s.buf)
	if err != nil {
		return sonic.Spectrum{}, fmt.Errorf("wav read: %w", err)
	}
	if n == 0 {
		return sonic.Spectrum{}, io.EOF
	}
	frames := n / s.chans
	for i := 0; i < frames; i++ {
		s.window = append(s.window, float64(s.buf.Data[i*s.chans])/s.full)
	}
	if over := len(s.window) - s.analyzer.Size(); over > 0 {
		s.window = append(s.window[:0], s.window[over:]...)
	}
	s.read += int64(frames)
	return s.analyzer.Analyze(s.window, float64(s.rate)), nil
}

// Rewind restarts the file from the first sample.
func (s *WAVSource) Rewind() error {
	s.window = s.window[:0]
	s.read = 0
	s.analyzer.Reset()
	return s.dec.Rewind()
}
