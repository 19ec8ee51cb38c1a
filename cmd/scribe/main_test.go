package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetscribe/internal/audio"
	"github.com/meetscribe/internal/config"
)

func TestReadFramesSplitsInput(t *testing.T) {
	pcm := make([]byte, audio.BytesFor(250, 16000))
	src := &inputSource{r: bytes.NewReader(pcm), rate: 16000}
	frames := make(chan audio.Frame, 8)
	require.NoError(t, readFrames(context.Background(), src, 100, false, frames))
	close(frames)

	total := 0
	n := 0
	for f := range frames {
		total += len(f.PCM)
		n++
	}
	assert.Equal(t, 3, n)
	assert.Equal(t, len(pcm), total)
}

func TestReadFramesStopsOnCancel(t *testing.T) {
	pcm := make([]byte, audio.BytesFor(1000, 16000))
	src := &inputSource{r: bytes.NewReader(pcm), rate: 16000}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, readFrames(ctx, src, 100, true, make(chan audio.Frame)))
}

func TestOpenInput(t *testing.T) {
	cfg := config.Default()
	dir := t.TempDir()

	wavPath := filepath.Join(dir, "in.wav")
	samples := []int16{0, 1000, -1000, 32767}
	b, err := audio.EncodeWAV(audio.PCM(samples), 16000)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(wavPath, b, 0o644))

	src, err := openInput(wavPath, "wav", cfg)
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, 16000, src.rate)

	cfg.Audio.SampleRate = 8000
	_, err = openInput(wavPath, "wav", cfg)
	assert.Error(t, err)

	_, err = openInput(wavPath, "flac", cfg)
	assert.Error(t, err)

	_, err = openInput(filepath.Join(dir, "missing.pcm"), "pcm", cfg)
	assert.Error(t, err)
}
