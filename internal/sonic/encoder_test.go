package sonic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	got [][]ToneCommand
	err error
}

func (s *captureSink) PlayTones(_ context.Context, cmds []ToneCommand) error {
	if s.err != nil {
		return s.err
	}
	s.got = append(s.got, cmds)
	return nil
}

func newTestEncoder(t *testing.T) *Encoder {
	t.Helper()
	e, err := NewEncoderFromConfig(testConfig())
	require.NoError(t, err)
	return e
}

func TestEncodeSchedule(t *testing.T) {
	e := newTestEncoder(t)
	cmds, err := e.Encode("ab", 10)
	require.NoError(t, err)
	require.Len(t, cmds, 4)
	wantSym := []rune("^ab$")
	wantFreq := []float64{100, 133, 150, 183}
	for i, c := range cmds {
		assert.Equal(t, wantSym[i], c.Symbol)
		assert.Equal(t, wantFreq[i], c.Frequency)
		assert.InDelta(t, 10+0.2*float64(i), c.Start, 1e-9)
		assert.InDelta(t, 0.2, c.Duration, 1e-9)
		assert.InDelta(t, 0.001, c.Ramp, 1e-9)
	}
}

func TestEncodeUnknownSymbolAborts(t *testing.T) {
	e := newTestEncoder(t)
	cmds, err := e.Encode("abz", 0)
	assert.ErrorIs(t, err, ErrUnknownSymbol)
	assert.Nil(t, cmds)
}

func TestToneEnvelope(t *testing.T) {
	c := ToneCommand{Frequency: 150, Start: 1, Duration: 0.2, Ramp: 0.01}
	env := c.Envelope()
	assert.Equal(t, GainPoint{1, 0}, env[0])
	assert.InDelta(t, 1.01, env[1].Time, 1e-9)
	assert.Equal(t, 1.0, env[1].Gain)
	assert.InDelta(t, 1.19, env[2].Time, 1e-9)
	assert.Equal(t, 1.0, env[2].Gain)
	assert.InDelta(t, 1.2, env[3].Time, 1e-9)
	assert.Equal(t, 0.0, env[3].Gain)

	assert.Equal(t, 0.0, c.Gain(0.5))
	assert.InDelta(t, 0.5, c.Gain(1.005), 1e-9)
	assert.Equal(t, 1.0, c.Gain(1.1))
	assert.InDelta(t, 0.5, c.Gain(1.195), 1e-9)
	assert.Equal(t, 0.0, c.Gain(1.3))
}

func TestSendSchedulesDone(t *testing.T) {
	e := newTestEncoder(t)
	var after time.Duration
	e.afterFn = func(d time.Duration, f func()) *time.Timer {
		after = d
		f()
		return nil
	}
	sink := &captureSink{}
	called := false
	cmds, err := e.Send(context.Background(), "abc", 0, sink, func() { called = true })
	require.NoError(t, err)
	assert.Len(t, cmds, 5)
	require.Len(t, sink.got, 1)
	assert.True(t, called)
	assert.Equal(t, time.Second, after)
	assert.Equal(t, time.Second, e.TransmitDuration("abc"))
}

func TestSendSinkError(t *testing.T) {
	e := newTestEncoder(t)
	boom := errors.New("boom")
	_, err := e.Send(context.Background(), "a", 0, &captureSink{err: boom}, nil)
	assert.ErrorIs(t, err, boom)
}
