package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/youpy/go-wav"
)

// ReadWAV decodes a 16-bit WAV stream into mono PCM. Only the first channel
// of multi-channel input is kept.
func ReadWAV(r io.Reader) ([]byte, int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, fmt.Errorf("read wav: %w", err)
	}
	reader := wav.NewReader(bytes.NewReader(data))
	format, err := reader.Format()
	if err != nil {
		return nil, 0, fmt.Errorf("wav format: %w", err)
	}
	if format.BitsPerSample != 16 {
		return nil, 0, fmt.Errorf("wav: unsupported bits per sample %d", format.BitsPerSample)
	}

	var out []int16
	for {
		samples, err := reader.ReadSamples(4096)
		for _, s := range samples {
			out = append(out, Clip(float64(s.Values[0])))
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("wav samples: %w", err)
		}
		if len(samples) == 0 {
			break
		}
	}
	return PCM(out), int(format.SampleRate), nil
}

// WriteWAV encodes mono 16-bit PCM as a WAV stream.
func WriteWAV(w io.Writer, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	samples := Samples(pcm)
	out := make([]wav.Sample, len(samples))
	for i, s := range samples {
		out[i].Values[0] = int(s)
	}
	writer := wav.NewWriter(w, uint32(len(samples)), 1, uint32(sampleRate), 16)
	if err := writer.WriteSamples(out); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return nil
}

// EncodeWAV is WriteWAV into a fresh buffer.
func EncodeWAV(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAV(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
