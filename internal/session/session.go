// Package session owns the live connection to the streaming transcription
// backend. It records who was speaking while audio was sent, attributes
// finished turns back to that speaker, filters them and appends accepted
// lines to the transcript.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meetscribe/internal/audio"
	"github.com/meetscribe/internal/logging"
	"github.com/meetscribe/internal/metrics"
	"github.com/meetscribe/internal/stt"
	"github.com/meetscribe/internal/timeline"
	"github.com/meetscribe/internal/transcript"
)

var (
	ErrNotConnected   = errors.New("session: not connected")
	ErrStopped        = errors.New("session: stopped")
	ErrAlreadyStarted = errors.New("session: already started")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
	StateClosed
	StateReconnecting
	StateStopped
)

var stateNames = []string{"disconnected", "connecting", "connected", "error", "closed", "reconnecting", "stopped"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Outcomes recorded per finished turn.
const (
	OutcomeAccepted    = "accepted"
	OutcomeFiltered    = "filtered"
	OutcomeDuplicate   = "duplicate"
	OutcomeBuffered    = "buffered"
	OutcomeDropped     = "dropped"
	OutcomeIncomplete  = "incomplete"
	OutcomeUnformatted = "unformatted"
	OutcomeWriteError  = "write_error"
)

// Presence is the read side of the roster the session needs.
type Presence interface {
	CurrentSpeaker() string
	RecentHuman(now time.Time, within time.Duration) (string, bool)
	Ready() bool
	Participants() []string
}

// Sink receives accepted lines. transcript.Log implements it.
type Sink interface {
	Append(transcript.Line) error
}

// Deps are the collaborators a Session is built from.
type Deps struct {
	Backend  stt.Backend
	Presence Presence
	Changes  *timeline.ChangeLog
	Sink     Sink
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

type earlyEntry struct {
	text string
	at   time.Time
}

// Stats are cumulative counters for one session.
type Stats struct {
	State               string    `json:"state"`
	TotalTranscripts    int       `json:"total_transcripts"`
	ValidSpeakerCount   int       `json:"valid_speaker_count"`
	UnknownSpeakerCount int       `json:"unknown_speaker_count"`
	SpeakerChanges      int       `json:"speaker_changes"`
	LastValidSpeakerAt  time.Time `json:"last_valid_speaker_at"`
	Filtered            int       `json:"filtered"`
	Duplicates          int       `json:"duplicates"`
	Reconnects          int       `json:"reconnects"`
	EarlyBuffered       int       `json:"early_buffered"`
	TimelineRecords     int       `json:"timeline_records"`
	VisualDetectionRate float64   `json:"visual_detection_rate"`
	DetectionWorking    bool      `json:"detection_working"`
	NeedsBatchFallback  bool      `json:"needs_batch_fallback"`
}

// Session is safe for concurrent use. The event goroutine and the audio send
// path share one mutex; sink writes happen outside it.
type Session struct {
	id       string
	backend  stt.Backend
	presence Presence
	changes  *timeline.ChangeLog
	sink     Sink
	metrics  *metrics.Metrics
	now      func() time.Time
	timeline *timeline.Timeline

	partials *logging.Sampler
	tracking *logging.Sampler
	skipped  *logging.Sampler

	wg sync.WaitGroup

	mu          sync.Mutex
	cfg         Config
	correlator  *timeline.Correlator
	admission   *Admission
	state       State
	stream      stt.Stream
	running     bool
	attempts    int
	timer       *time.Timer
	rosterReady bool
	early       []earlyEntry
	lastSpeaker string
	lastPartial string
	stats       Stats
}

func New(cfg Config, d Deps) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session: config: %w", err)
	}
	if d.Backend == nil || d.Presence == nil || d.Sink == nil {
		return nil, errors.New("session: backend, presence and sink are required")
	}
	if d.Changes == nil {
		d.Changes = timeline.NewChangeLog(0)
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Session{
		id:         uuid.NewString(),
		backend:    d.Backend,
		presence:   d.Presence,
		changes:    d.Changes,
		sink:       d.Sink,
		metrics:    d.Metrics,
		now:        d.Now,
		timeline:   timeline.New(cfg.TimelineCapacity),
		partials:   logging.NewSampler(1, 50, 0),
		tracking:   logging.NewSampler(1, 50, 0),
		skipped:    logging.NewSampler(1, 20, 0),
		cfg:        cfg,
		correlator: timeline.NewCorrelator(cfg.Correlation),
		admission:  NewAdmission(cfg),
	}, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	logging.Infow("session: state changed", append(logging.SessionFields(s.id, st.String()), "from", s.state.String())...)
	s.state = st
	s.metrics.SetSessionState(st.String(), stateNames)
}

// Start opens the stream. The connect phase is bounded by ConnectTimeout; a
// failure leaves the session Disconnected and is returned to the caller.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.running = true
	s.attempts = 0
	s.mu.Unlock()

	if err := s.connect(ctx); err != nil {
		s.mu.Lock()
		s.running = false
		s.setStateLocked(StateDisconnected)
		s.mu.Unlock()
		logging.Errorw("session: failed to start streaming, no live transcript", append(logging.SessionFields(s.id, ""), "error", err)...)
		return fmt.Errorf("session: connect: %w", err)
	}
	return nil
}

func (s *Session) connect(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	sc := stt.StreamConfig{
		SampleRate:  cfg.SampleRate,
		FormatTurns: cfg.ExpectFormatted,
		Keyterms:    stt.Keyterms(cfg.Keyterms, s.presence.Participants()),
	}
	cctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	stream, err := s.backend.Open(cctx, sc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		_ = stream.Close()
		return ErrStopped
	}
	s.stream = stream
	s.attempts = 0
	s.setStateLocked(StateConnected)
	s.wg.Add(1)
	s.mu.Unlock()

	go s.consume(stream)
	return nil
}

func (s *Session) consume(stream stt.Stream) {
	defer s.wg.Done()
	for ev := range stream.Events() {
		s.handleEvent(ev)
	}
	err := stream.Err()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != stream || !s.running {
		return
	}
	s.stream = nil
	if err != nil {
		logging.Warnw("session: stream failed", append(logging.SessionFields(s.id, ""), "error", err)...)
		s.setStateLocked(StateError)
		s.scheduleReconnectLocked(s.cfg.ReconnectDelayError)
		return
	}
	logging.Infow("session: stream closed by backend", logging.SessionFields(s.id, "")...)
	s.setStateLocked(StateClosed)
	s.scheduleReconnectLocked(s.cfg.ReconnectDelayClose)
}

func (s *Session) scheduleReconnectLocked(delay time.Duration) {
	if s.attempts >= s.cfg.MaxReconnectAttempts {
		s.running = false
		s.setStateLocked(StateStopped)
		logging.Errorw("session: reconnect attempts exhausted", append(logging.SessionFields(s.id, ""), "attempts", s.attempts)...)
		return
	}
	s.attempts++
	s.stats.Reconnects++
	s.metrics.Reconnect()
	s.setStateLocked(StateReconnecting)
	logging.Infow("session: scheduling reconnect", append(logging.SessionFields(s.id, ""),
		"attempt", s.attempts, "max_attempts", s.cfg.MaxReconnectAttempts, "delay", delay.String())...)
	s.wg.Add(1)
	s.timer = time.AfterFunc(delay, s.reconnect)
}

func (s *Session) reconnect() {
	defer s.wg.Done()
	s.mu.Lock()
	s.timer = nil
	running := s.running
	s.mu.Unlock()
	if !running {
		return
	}
	err := s.connect(context.Background())
	if err == nil || errors.Is(err, ErrStopped) {
		return
	}
	logging.Warnw("session: reconnect failed", append(logging.SessionFields(s.id, ""), "error", err)...)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.setStateLocked(StateError)
		s.scheduleReconnectLocked(s.cfg.ReconnectDelayError)
	}
}

// cancelTimerLocked stops a pending reconnect. A timer that had not fired
// yet never runs reconnect, so its WaitGroup slot is released here.
func (s *Session) cancelTimerLocked() {
	if s.timer != nil && s.timer.Stop() {
		s.wg.Done()
	}
	s.timer = nil
}

// Reconnect tears down the current stream and connects with cfg. This is the
// only way to change keyterms or any other stream setting.
func (s *Session) Reconnect(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("session: config: %w", err)
	}
	s.mu.Lock()
	s.cancelTimerLocked()
	old := s.stream
	s.stream = nil
	s.cfg = cfg
	s.correlator = timeline.NewCorrelator(cfg.Correlation)
	s.admission.cfg = cfg
	s.running = true
	s.attempts = 0
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	if err := s.connect(ctx); err != nil {
		s.mu.Lock()
		s.running = false
		s.setStateLocked(StateDisconnected)
		s.mu.Unlock()
		return fmt.Errorf("session: reconnect: %w", err)
	}
	return nil
}

// SendAudio forwards one chunk and records who was speaking while it was
// captured. speaker may be empty, in which case the roster's current speaker
// is used.
func (s *Session) SendAudio(chunk []byte, speaker string, sampleRate int) error {
	if len(chunk) == 0 {
		return nil
	}
	s.mu.Lock()
	if s.state != StateConnected || s.stream == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	stream := s.stream
	if sampleRate <= 0 {
		sampleRate = s.cfg.SampleRate
	}
	if speaker == "" {
		speaker = s.presence.CurrentSpeaker()
	}
	if speaker == "" {
		speaker = timeline.UnknownSpeaker
	}
	now := s.now()
	dur := audio.DurationMs(len(chunk), sampleRate)
	s.timeline.Append(timeline.Record{At: now, Speaker: speaker, DurationMs: dur})
	n := s.timeline.Len()
	s.mu.Unlock()

	if err := stream.Send(chunk); err != nil {
		return fmt.Errorf("session: send audio: %w", err)
	}
	s.metrics.AudioSent(len(chunk), n)
	s.tracking.Debugw("session: tracked chunk", "speaker.label", speaker, "duration_ms", int(dur), "bytes", len(chunk), "timeline_records", n)
	return nil
}

func (s *Session) handleEvent(ev stt.Event) {
	switch ev.Kind {
	case stt.EventBegin:
		logging.Infow("session: backend session opened", append(logging.SessionFields(s.id, ""), "backend_session", ev.SessionID)...)
	case stt.EventTermination:
		logging.Infow("session: backend session terminated", logging.SessionFields(s.id, "")...)
	case stt.EventTurn:
		s.handleTurn(ev)
	}
}

func (s *Session) handleTurn(ev stt.Event) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}
	s.mu.Lock()
	if !ev.EndOfTurn {
		s.lastPartial = text
		s.mu.Unlock()
		s.partials.Debugw("session: partial turn", "text", truncate(text, 60))
		return
	}
	if s.cfg.ExpectFormatted && !ev.Formatted {
		s.mu.Unlock()
		s.metrics.Transcript(OutcomeUnformatted)
		s.skipped.Debugw("session: skipping unformatted turn, waiting for formatted version")
		return
	}
	s.lastPartial = ""
	now := s.now()
	if !s.rosterReady && !s.presence.Ready() {
		if len(s.early) < s.cfg.EarlyBufferSize {
			s.early = append(s.early, earlyEntry{text: text, at: now})
			s.stats.EarlyBuffered++
			n := len(s.early)
			s.mu.Unlock()
			s.metrics.Transcript(OutcomeBuffered)
			logging.Infow("session: no roster yet, buffered turn", "buffered", n, "capacity", s.cfg.EarlyBufferSize)
			return
		}
		s.mu.Unlock()
		s.metrics.Transcript(OutcomeDropped)
		logging.Warnw("session: early buffer full, dropping turn", "text", truncate(text, 60))
		return
	}
	s.mu.Unlock()

	if _, err := s.accept(text, now, false); err != nil {
		logging.Errorw("session: failed to record transcript", append(logging.SessionFields(s.id, ""), "error", err)...)
	}
}

// accept attributes and filters one finished utterance, then writes it.
// force skips the filler and duplicate filters and applies the
// mid-sentence check instead.
func (s *Session) accept(text string, arrival time.Time, force bool) (bool, error) {
	s.mu.Lock()
	current := s.presence.CurrentSpeaker()
	att := s.correlator.Resolve(arrival, s.timeline, s.changes, current, s.lastSpeaker)
	speaker := att.Speaker
	if speaker != current && current != "" {
		logging.Debugw("session: timeline correlation overrode current speaker", "current", current, "speaker.label", speaker, "method", att.Method)
	}
	if speaker != s.lastSpeaker && !timeline.IsPlaceholder(speaker) {
		s.stats.SpeakerChanges++
		s.lastSpeaker = speaker
	}
	if timeline.IsPlaceholder(speaker) {
		s.stats.UnknownSpeakerCount++
		if name, ok := s.presence.RecentHuman(arrival, s.cfg.UnknownFallbackWindow); ok {
			speaker = name
		} else if s.lastSpeaker != "" {
			speaker = s.lastSpeaker
		}
	} else {
		s.stats.ValidSpeakerCount++
		s.stats.LastValidSpeakerAt = arrival
	}
	ok, outcome := s.admitLocked(speaker, text, arrival, force)
	s.mu.Unlock()

	s.metrics.Attribution(att.Method)
	if !ok {
		s.metrics.Transcript(outcome)
		logging.Debugw("session: turn rejected", "outcome", outcome, "speaker.label", speaker, "text", truncate(text, 60))
		return false, nil
	}
	return true, s.write(speaker, text, arrival)
}

func (s *Session) admitLocked(speaker, text string, at time.Time, force bool) (bool, string) {
	if force {
		if Incomplete(text) {
			return false, OutcomeIncomplete
		}
	} else {
		if TooShort(text, s.cfg.MinChars) {
			s.stats.Filtered++
			return false, OutcomeFiltered
		}
		if s.admission.Duplicate(speaker, text, at) {
			s.stats.Duplicates++
			return false, OutcomeDuplicate
		}
	}
	s.stats.TotalTranscripts++
	s.admission.Remember(speaker, text, at)
	return true, OutcomeAccepted
}

func (s *Session) write(speaker, text string, at time.Time) error {
	if err := s.sink.Append(transcript.NewLine(at, speaker, text)); err != nil {
		s.metrics.Transcript(OutcomeWriteError)
		return fmt.Errorf("session: append transcript: %w", err)
	}
	s.metrics.Transcript(OutcomeAccepted)
	logging.Infow("session: transcript", "speaker.label", speaker, "text", truncate(text, 80))
	return nil
}

// NotifyRosterReady replays turns buffered before anyone was known,
// attributing them to the most recently active human or the current
// speaker. Replayed turns count as confidently attributed.
func (s *Session) NotifyRosterReady() {
	now := s.now()
	s.mu.Lock()
	if s.rosterReady {
		s.mu.Unlock()
		return
	}
	s.rosterReady = true
	early := s.early
	s.early = nil

	speaker, ok := s.presence.RecentHuman(now, math.MaxInt64)
	if !ok {
		speaker = s.presence.CurrentSpeaker()
	}
	if speaker == "" {
		speaker = timeline.UnknownSpeaker
	}
	var accepted []earlyEntry
	for _, e := range early {
		if ok, _ := s.admitLocked(speaker, e.text, e.at, false); ok {
			s.stats.ValidSpeakerCount++
			accepted = append(accepted, e)
		}
	}
	s.mu.Unlock()

	logging.Infow("session: roster ready", "buffered", len(early), "replayed", len(accepted), "speaker.label", speaker)
	for _, e := range accepted {
		if err := s.write(speaker, e.text, e.at); err != nil {
			logging.Errorw("session: failed to replay buffered turn", "error", err)
		}
	}
}

// ForceFlush writes text without the filler and duplicate filters. Text that
// looks cut off mid-sentence is dropped. Used for the last partial turn at
// shutdown.
func (s *Session) ForceFlush(text string) (bool, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return false, nil
	}
	ok, err := s.accept(text, s.now(), true)
	if !ok && err == nil {
		logging.Infow("session: skipping incomplete trailing turn", "text", truncate(text, 60))
	}
	return ok, err
}

// Stop cancels any pending reconnect and asks the backend to finish, so
// turns for audio already sent still reach the log. It then closes the
// stream, force-flushes the last partial turn, clears the timeline and logs a
// summary. If ctx expires first the stream is dropped, teardown still runs
// and the context error is returned.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.running = false
	s.cancelTimerLocked()
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	var err error
	if stream != nil {
		logging.Infow("session: stopping stream, draining final turns", logging.SessionFields(s.id, "")...)
		if cerr := stream.CloseSend(); cerr != nil {
			err = fmt.Errorf("session: close send: %w", cerr)
		}
		select {
		case <-stream.Done():
		case <-ctx.Done():
			logging.Warnw("session: drain interrupted, dropping stream", logging.SessionFields(s.id, "")...)
			err = fmt.Errorf("session: stop: %w", ctx.Err())
		}
		if cerr := stream.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("session: close stream: %w", cerr)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if !errors.Is(err, ctx.Err()) {
			err = fmt.Errorf("session: stop: %w", ctx.Err())
		}
	}

	s.mu.Lock()
	partial := s.lastPartial
	s.lastPartial = ""
	s.mu.Unlock()
	if partial != "" {
		if _, ferr := s.ForceFlush(partial); ferr != nil && err == nil {
			err = ferr
		}
	}

	s.mu.Lock()
	logging.Infow("session: clearing presence timeline", "records", s.timeline.Len())
	s.timeline.Reset()
	s.setStateLocked(StateStopped)
	s.mu.Unlock()

	s.logStats()
	return err
}

// Stats returns a snapshot with the derived detection fields filled in.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.State = s.state.String()
	st.TimelineRecords = s.timeline.Len()
	if total := st.ValidSpeakerCount + st.UnknownSpeakerCount; total > 0 {
		st.VisualDetectionRate = float64(st.ValidSpeakerCount) / float64(total) * 100
	}
	st.DetectionWorking = st.VisualDetectionRate > s.cfg.DetectionThreshold
	st.NeedsBatchFallback = st.VisualDetectionRate < s.cfg.DetectionThreshold
	return st
}

func (s *Session) logStats() {
	st := s.Stats()
	status := "good"
	if !st.DetectionWorking {
		status = "poor, needs batch fallback"
	}
	logging.Infow("session: statistics", append(logging.SessionFields(s.id, st.State),
		"total_transcripts", st.TotalTranscripts,
		"valid_speakers", st.ValidSpeakerCount,
		"unknown_speakers", st.UnknownSpeakerCount,
		"speaker_changes", st.SpeakerChanges,
		"visual_detection_rate", fmt.Sprintf("%.1f", st.VisualDetectionRate),
		"reconnects", st.Reconnects,
		"status", status)...)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
