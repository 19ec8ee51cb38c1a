// Package audio holds the 16-bit little-endian mono PCM plumbing shared by
// the detector, the chunk archive and the binaries.
package audio

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"time"
)

const (
	DefaultSampleRate = 16000
	BytesPerSample    = 2
)

// Frame is one unit of captured PCM as handed to the pipeline.
type Frame struct {
	PCM        []byte
	SampleRate int
	CapturedAt time.Time
}

// BytesPerMs is the PCM byte rate for one millisecond at sampleRate.
func BytesPerMs(sampleRate int) float64 {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return float64(sampleRate*BytesPerSample) / 1000
}

// DurationMs converts a PCM byte count into milliseconds of audio.
func DurationMs(n int, sampleRate int) float64 {
	return float64(n) / BytesPerMs(sampleRate)
}

// BytesFor returns the even byte count holding ms milliseconds of audio.
func BytesFor(ms float64, sampleRate int) int {
	n := int(ms * BytesPerMs(sampleRate))
	return n &^ 1
}

// Samples decodes little-endian int16 samples. A trailing odd byte is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return out
}

// PCM encodes samples as little-endian bytes.
func PCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// RMS is the root-mean-square amplitude of samples, zero for empty input.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Clip rounds v and clamps it to the symmetric 16-bit range.
func Clip(v float64) int16 {
	v = math.Round(v)
	if v > 32767 {
		return 32767
	}
	if v < -32767 {
		return -32767
	}
	return int16(v)
}

// FrameReader slices a raw PCM stream into fixed-duration frames.
type FrameReader struct {
	r          io.Reader
	sampleRate int
	frameBytes int
}

// NewFrameReader reads frames of frameMs milliseconds from r.
func NewFrameReader(r io.Reader, sampleRate int, frameMs int) *FrameReader {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if frameMs <= 0 {
		frameMs = 100
	}
	n := BytesFor(float64(frameMs), sampleRate)
	if n < BytesPerSample {
		n = BytesPerSample
	}
	return &FrameReader{r: r, sampleRate: sampleRate, frameBytes: n}
}

// Next returns the next frame. The final short frame is returned with a nil
// error; io.EOF is returned once the stream is exhausted.
func (f *FrameReader) Next() (Frame, error) {
	buf := make([]byte, f.frameBytes)
	n, err := io.ReadFull(f.r, buf)
	if n > 0 {
		n &^= 1
		if n == 0 {
			return Frame{}, io.EOF
		}
		return Frame{PCM: buf[:n], SampleRate: f.sampleRate, CapturedAt: time.Now()}, nil
	}
	if err == nil || errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return Frame{}, err
}
