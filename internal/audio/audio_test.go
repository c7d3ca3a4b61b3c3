package audio

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-sonic-server/internal/sonic"
	"github.com/kstaniek/go-sonic-server/internal/spectrum"
)

const rate = 48000

func loopbackConfig() sonic.Config {
	cfg := sonic.DefaultConfig()
	cfg.Alphabet = " abc"
	return cfg
}

func TestRenderLengthAndEnvelope(t *testing.T) {
	cmds := []sonic.ToneCommand{
		{Frequency: 1000, Start: 5, Duration: 0.1, Ramp: 0.01},
		{Frequency: 2000, Start: 5.1, Duration: 0.1, Ramp: 0.01},
	}
	pcm := Render(cmds, rate, 0.5)
	assert.InDelta(t, 0.2*rate, len(pcm), 1)
	assert.Equal(t, 0.0, pcm[0])
	peak := 0.0
	for _, v := range pcm {
		assert.LessOrEqual(t, v, 0.5+1e-9)
		peak = max(peak, v)
	}
	assert.InDelta(t, 0.5, peak, 0.01)
	assert.Nil(t, Render(nil, rate, 0.5))
}

func TestSilence(t *testing.T) {
	assert.Len(t, Silence(0.5, 8000), 4000)
	assert.Nil(t, Silence(0, 8000))
}

func writeTemp(t *testing.T, pcm []float64) string {
	t.Helper()
	name := filepath.Join(t.TempDir(), "in.wav")
	f, err := os.Create(name)
	require.NoError(t, err)
	require.NoError(t, WriteWAV(f, pcm, rate))
	require.NoError(t, f.Close())
	return name
}

func decodeFile(t *testing.T, name string, cfg sonic.Config) []string {
	t.Helper()
	f, err := os.Open(name)
	require.NoError(t, err)
	defer f.Close()

	an, err := spectrum.New(2048)
	require.NoError(t, err)
	src, err := NewWAVSource(f, an, 60)
	require.NoError(t, err)

	var got []string
	dec, err := sonic.NewDecoder(cfg, sonic.WithEvents(sonic.EventFuncs{
		Message: func(m string) { got = append(got, m) },
	}))
	require.NoError(t, err)
	loop := sonic.NewLoop(dec, src, sonic.WithClock(src.Now))
	require.NoError(t, loop.Run(context.Background()))
	return got
}

func TestWAVLoopback(t *testing.T) {
	cfg := loopbackConfig()
	enc, err := sonic.NewEncoderFromConfig(cfg)
	require.NoError(t, err)
	cmds, err := enc.Encode("ab", 0)
	require.NoError(t, err)

	pcm := Silence(0.2, rate)
	pcm = append(pcm, Render(cmds, rate, 0.5)...)
	pcm = append(pcm, Silence(0.5, rate)...)

	assert.Equal(t, []string{"ab"}, decodeFile(t, writeTemp(t, pcm), cfg))
}

func TestWAVSinkWritesDecodableFile(t *testing.T) {
	cfg := loopbackConfig()
	enc, err := sonic.NewEncoderFromConfig(cfg)
	require.NoError(t, err)
	sink := &WAVSink{Dir: t.TempDir(), SampleRate: rate}
	_, err = enc.Send(context.Background(), "cab", 0, sink, nil)
	require.NoError(t, err)
	require.NotEmpty(t, sink.LastFile())

	assert.Equal(t, []string{"cab"}, decodeFile(t, sink.LastFile(), cfg))
}

func TestWAVSourceClockFollowsSamples(t *testing.T) {
	name := writeTemp(t, Silence(1, rate))
	f, err := os.Open(name)
	require.NoError(t, err)
	defer f.Close()
	an, err := spectrum.New(1024)
	require.NoError(t, err)
	src, err := NewWAVSource(f, an, 10)
	require.NoError(t, err)
	assert.Equal(t, rate, src.SampleRate())

	start := src.Now()
	for i := 0; i < 10; i++ {
		_, err := src.NextFrame(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, time.Second, src.Now().Sub(start))

	require.NoError(t, src.Rewind())
	assert.Equal(t, start, src.Now())
}

func TestWAVSourceRejectsGarbage(t *testing.T) {
	name := filepath.Join(t.TempDir(), "bad.wav")
	require.NoError(t, os.WriteFile(name, []byte("definitely not a riff file"), 0o644))
	f, err := os.Open(name)
	require.NoError(t, err)
	defer f.Close()
	an, err := spectrum.New(1024)
	require.NoError(t, err)
	_, err = NewWAVSource(f, an, 0)
	assert.ErrorIs(t, err, ErrInvalidWAV)
}
