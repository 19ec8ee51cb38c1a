// Package capture archives flushed audio chunks for debugging: one WAV per
// chunk plus a JSON sidecar describing why and for whom it was flushed.
package capture

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/meetscribe/internal/audio"
	"github.com/meetscribe/internal/fileio"
	"github.com/meetscribe/internal/logging"
)

// Sidecar is the JSON written next to every archived WAV.
type Sidecar struct {
	ChunkID    string    `json:"chunk_id"`
	MeetingID  string    `json:"meeting_id"`
	Speaker    string    `json:"speaker"`
	Reason     string    `json:"reason"`
	DurationMs float64   `json:"duration_ms"`
	SampleRate int       `json:"sample_rate"`
	Bytes      int       `json:"bytes"`
	WavPath    string    `json:"wav_path"`
	CreatedAt  time.Time `json:"created_at"`
}

// Archive writes chunks into one directory. A nil *Archive discards
// everything, so callers need not check whether archiving is enabled.
type Archive struct {
	dir       string
	meetingID string
	now       func() time.Time
}

// NewArchive returns nil when dir is empty.
func NewArchive(dir, meetingID string) *Archive {
	if dir == "" {
		return nil
	}
	return &Archive{dir: dir, meetingID: meetingID, now: time.Now}
}

func (a *Archive) Dir() string {
	if a == nil {
		return ""
	}
	return a.dir
}

// Save writes pcm as <dir>/<chunk id>.wav with its sidecar.
func (a *Archive) Save(pcm []byte, sampleRate int, speaker, reason string) (Sidecar, error) {
	if a == nil || len(pcm) == 0 {
		return Sidecar{}, nil
	}
	id := uuid.NewString()
	sc := Sidecar{
		ChunkID:    id,
		MeetingID:  a.meetingID,
		Speaker:    speaker,
		Reason:     reason,
		DurationMs: audio.DurationMs(len(pcm), sampleRate),
		SampleRate: sampleRate,
		Bytes:      len(pcm),
		WavPath:    filepath.Join(a.dir, id+".wav"),
		CreatedAt:  a.now().UTC(),
	}
	wav, err := audio.EncodeWAV(pcm, sampleRate)
	if err != nil {
		return Sidecar{}, fmt.Errorf("capture: encode: %w", err)
	}
	if err := fileio.WriteFileAtomic(sc.WavPath, wav, 0o644); err != nil {
		return Sidecar{}, fmt.Errorf("capture: write wav: %w", err)
	}
	b, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return Sidecar{}, fmt.Errorf("capture: marshal sidecar: %w", err)
	}
	if err := fileio.WriteFileAtomic(filepath.Join(a.dir, id+".json"), b, 0o644); err != nil {
		return Sidecar{}, fmt.Errorf("capture: write sidecar: %w", err)
	}
	logging.Debugw("capture: saved chunk", logging.ChunkFields(id, len(pcm), sc.DurationMs, reason)...)
	return sc, nil
}
