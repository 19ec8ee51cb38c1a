// Package pipeline wires one meeting together: captured frames go through
// the chunker, flushed chunks are streamed to the transcription session,
// and accepted lines land in the transcript log.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/meetscribe/internal/audio"
	"github.com/meetscribe/internal/capture"
	"github.com/meetscribe/internal/config"
	"github.com/meetscribe/internal/fileio"
	"github.com/meetscribe/internal/logging"
	"github.com/meetscribe/internal/metrics"
	"github.com/meetscribe/internal/roster"
	"github.com/meetscribe/internal/session"
	"github.com/meetscribe/internal/stt"
	"github.com/meetscribe/internal/timeline"
	"github.com/meetscribe/internal/transcript"
	"github.com/meetscribe/internal/vad"
)

const stopTimeout = 10 * time.Second

// Deps are what a Meeting is built from. Tracker and Changes are created
// when nil; a caller feeding presence from elsewhere passes its own.
type Deps struct {
	Config  config.Config
	Backend stt.Backend
	Tracker *roster.Tracker
	Changes *timeline.ChangeLog
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Stats combines the session and chunker snapshots.
type Stats struct {
	MeetingID string        `json:"meeting_id"`
	Session   session.Stats `json:"session"`
	Chunker   vad.Stats     `json:"chunker"`
	Lines     int           `json:"lines"`
	Archived  int           `json:"archived_chunks"`
	SendDrops int           `json:"send_drops"`
}

// Meeting owns every per-meeting component. There is no package-level
// state; two meetings in one process do not share anything.
type Meeting struct {
	id      string
	tracker *roster.Tracker
	session *session.Session
	log     *transcript.Log
	archive *capture.Archive
	merger  *transcript.Merger

	chunkMu sync.Mutex
	chunker *vad.Chunker

	mu        sync.Mutex
	archived  int
	sendDrops int
	closed    bool
	stopped   bool
}

func NewMeeting(d Deps) (*Meeting, error) {
	if d.Backend == nil {
		return nil, errors.New("pipeline: transcription backend is required")
	}
	cfg := d.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	changes := d.Changes
	if changes == nil {
		changes = timeline.NewChangeLog(0)
	}
	tracker := d.Tracker
	if tracker == nil {
		tracker = roster.NewTracker(roster.New(), changes, cfg.Session.BotName)
	}

	log, err := transcript.OpenLog(cfg.Transcript.LogPath)
	if err != nil {
		return nil, err
	}
	sess, err := session.New(cfg.Session, session.Deps{
		Backend:  d.Backend,
		Presence: tracker,
		Changes:  changes,
		Sink:     log,
		Metrics:  d.Metrics,
		Now:      d.Now,
	})
	if err != nil {
		_ = log.Close()
		return nil, err
	}

	opts := []vad.Option{vad.WithMetrics(d.Metrics)}
	if d.Now != nil {
		opts = append(opts, vad.WithClock(d.Now))
		tracker.SetClock(d.Now)
	}
	id := uuid.NewString()
	m := &Meeting{
		id:      id,
		tracker: tracker,
		session: sess,
		log:     log,
		archive: capture.NewArchive(cfg.Capture.Dir, id),
		merger:  transcript.NewMerger(transcript.DefaultOptions(), d.Metrics),
		chunker: vad.NewChunker(cfg.VAD, opts...),
	}
	tracker.OnReady(sess.NotifyRosterReady)
	logging.Infow("pipeline: meeting created", "meeting_id", id, "session_id", sess.ID(),
		"log_path", log.Path(), "capture_dir", m.archive.Dir())
	return m, nil
}

func (m *Meeting) ID() string                { return m.id }
func (m *Meeting) Tracker() *roster.Tracker  { return m.tracker }
func (m *Meeting) Session() *session.Session { return m.session }
func (m *Meeting) Log() *transcript.Log      { return m.log }

// Start opens the transcription stream.
func (m *Meeting) Start(ctx context.Context) error {
	return m.session.Start(ctx)
}

// MarkJoined starts the chunker's startup grace period.
func (m *Meeting) MarkJoined() {
	m.chunkMu.Lock()
	defer m.chunkMu.Unlock()
	m.chunker.MarkMeetingJoined()
}

// Run consumes frames until ctx is cancelled or frames is closed, then
// flushes what the chunker still holds, stops the session and closes the
// log. Chunk delivery runs on its own goroutine so slow archive writes do
// not stall capture.
func (m *Meeting) Run(ctx context.Context, frames <-chan audio.Frame) error {
	chunks := make(chan vad.Decision, 16)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(chunks)
		for {
			select {
			case <-gctx.Done():
				m.flushFinal(chunks)
				return nil
			case f, ok := <-frames:
				if !ok {
					m.flushFinal(chunks)
					return nil
				}
				if d := m.process(f); d.Flush {
					chunks <- d
				}
			}
		}
	})
	g.Go(func() error {
		for d := range chunks {
			m.deliver(d)
		}
		return nil
	})

	err := g.Wait()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	return errors.Join(err, m.stop(stopCtx), m.Close())
}

func (m *Meeting) process(f audio.Frame) vad.Decision {
	speaker, changed := m.tracker.Current()
	m.chunkMu.Lock()
	defer m.chunkMu.Unlock()
	return m.chunker.Process(vad.Frame{
		PCM:            f.PCM,
		Speaker:        speaker,
		SpeakerChanged: changed,
		SampleRate:     f.SampleRate,
	})
}

func (m *Meeting) flushFinal(chunks chan<- vad.Decision) {
	m.chunkMu.Lock()
	d := m.chunker.Flush(m.tracker.CurrentSpeaker())
	m.chunkMu.Unlock()
	if d.Flush {
		chunks <- d
	}
}

func (m *Meeting) deliver(d vad.Decision) {
	if err := m.session.SendAudio(d.Audio, d.Speaker, d.SampleRate); err != nil {
		m.mu.Lock()
		m.sendDrops++
		m.mu.Unlock()
		logging.Warnw("pipeline: chunk not sent", append(logging.ChunkFields("", len(d.Audio), d.DurationMs, d.Reason), "error", err)...)
	}
	sc, err := m.archive.Save(d.Audio, d.SampleRate, d.Speaker, d.Reason)
	if err != nil {
		logging.Warnw("pipeline: failed to archive chunk", "error", err, "dir", m.archive.Dir())
		return
	}
	if sc.ChunkID != "" {
		m.mu.Lock()
		m.archived++
		m.mu.Unlock()
	}
}

func (m *Meeting) stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()
	return m.session.Stop(ctx)
}

// Merge cleans the lines this meeting produced. When the log is file
// backed, or out is set, the cleaned transcript is written atomically.
func (m *Meeting) Merge(out string) (string, transcript.Report, error) {
	text, rep := m.merger.MergeText(transcript.Format(m.log.Lines()))
	if out == "" && m.log.Path() != "" {
		out = transcript.CleanedPath(m.log.Path())
	}
	if out != "" {
		if err := fileio.WriteFileAtomic(out, []byte(text), 0o644); err != nil {
			return text, rep, fmt.Errorf("pipeline: write merged transcript: %w", err)
		}
		rep.OutputPath = out
	}
	logging.Infow("pipeline: transcript merged", "meeting_id", m.id,
		"lines_in", rep.Input, "lines_out", rep.Output, "output", rep.OutputPath)
	return text, rep, nil
}

func (m *Meeting) Stats() Stats {
	m.chunkMu.Lock()
	cs := m.chunker.Stats()
	m.chunkMu.Unlock()
	m.mu.Lock()
	archived, drops := m.archived, m.sendDrops
	m.mu.Unlock()
	return Stats{
		MeetingID: m.id,
		Session:   m.session.Stats(),
		Chunker:   cs,
		Lines:     m.log.Len(),
		Archived:  archived,
		SendDrops: drops,
	}
}

// Close stops the session if Run never did and closes the log. Safe to
// call more than once.
func (m *Meeting) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return errors.Join(m.stop(ctx), m.log.Close())
}
