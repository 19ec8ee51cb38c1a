package audio

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSamplesRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 1234}
	assert.Equal(t, in, Samples(PCM(in)))
}

func TestSamplesIgnoresOddTrailingByte(t *testing.T) {
	pcm := append(PCM([]int16{7, -7}), 0xff)
	assert.Equal(t, []int16{7, -7}, Samples(pcm))
}

func TestDurationAndBytes(t *testing.T) {
	assert.Equal(t, 32.0, BytesPerMs(16000))
	assert.Equal(t, 1000.0, DurationMs(32000, 16000))
	assert.Equal(t, 3200, BytesFor(100, 16000))
	assert.Equal(t, 0, BytesFor(0.01, 16000))
	assert.Equal(t, 32.0, BytesPerMs(0), "zero rate falls back to the default")
}

func TestRMSAndClip(t *testing.T) {
	assert.Equal(t, 0.0, RMS(nil))
	assert.InDelta(t, 100.0, RMS([]int16{100, -100, 100, -100}), 1e-9)
	assert.Equal(t, int16(32767), Clip(40000))
	assert.Equal(t, int16(-32767), Clip(-40000))
	assert.Equal(t, int16(3), Clip(2.6))
}

func TestFrameReaderSplitsStream(t *testing.T) {
	// 250ms at 8kHz with 100ms frames: 100, 100, 50.
	pcm := make([]byte, BytesFor(250, 8000))
	fr := NewFrameReader(bytes.NewReader(pcm), 8000, 100)

	var sizes []int
	for {
		f, err := fr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, 8000, f.SampleRate)
		sizes = append(sizes, len(f.PCM))
	}
	assert.Equal(t, []int{1600, 1600, 800}, sizes)
}

func TestWAVRoundTrip(t *testing.T) {
	in := []int16{0, 500, -500, 12000, -12000, 32767, -32767}
	encoded, err := EncodeWAV(PCM(in), 16000)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(encoded[:4]))

	pcm, rate, err := ReadWAV(bytes.NewReader(encoded))
	require.NoError(t, err)
	assert.Equal(t, 16000, rate)
	assert.Equal(t, in, Samples(pcm))
}
