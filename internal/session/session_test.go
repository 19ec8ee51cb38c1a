package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetscribe/internal/metrics"
	"github.com/meetscribe/internal/stt"
	"github.com/meetscribe/internal/timeline"
	"github.com/meetscribe/internal/transcript"
)

var t0 = time.Date(2025, 11, 21, 10, 0, 0, 0, time.UTC)

type fakeStream struct {
	events chan stt.Event
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	sent   int
	err    error
	closed bool

	// farewell is delivered after CloseSend, before the stream ends.
	farewell []stt.Event
	// stall makes CloseSend leave the stream open until Close.
	stall bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan stt.Event), done: make(chan struct{})}
}

func (f *fakeStream) Send(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return stt.ErrStreamClosed
	}
	f.sent += len(chunk)
	return nil
}

func (f *fakeStream) sentBytes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

func (f *fakeStream) Events() <-chan stt.Event { return f.events }
func (f *fakeStream) Done() <-chan struct{}    { return f.done }

func (f *fakeStream) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// end finishes the stream as the backend would, with err as the cause.
func (f *fakeStream) end(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.closed = true
		f.mu.Unlock()
		close(f.events)
		close(f.done)
	})
}

func (f *fakeStream) CloseSend() error {
	f.mu.Lock()
	f.closed = true
	farewell, stall := f.farewell, f.stall
	f.mu.Unlock()
	if stall {
		return nil
	}
	go func() {
		for _, ev := range farewell {
			f.events <- ev
		}
		f.end(nil)
	}()
	return nil
}

func (f *fakeStream) Close() error {
	f.end(nil)
	return nil
}

func (f *fakeStream) turn(text string, final, formatted bool) {
	f.events <- stt.Event{Kind: stt.EventTurn, Text: text, EndOfTurn: final, Formatted: formatted}
}

type fakeBackend struct {
	mu      sync.Mutex
	streams []*fakeStream
	configs []stt.StreamConfig
	opens   int
	// failFrom makes every Open from this attempt on fail; 0 disables.
	failFrom int
}

func (b *fakeBackend) Open(_ context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opens++
	b.configs = append(b.configs, cfg)
	if b.failFrom > 0 && b.opens >= b.failFrom {
		return nil, errors.New("dial: connection refused")
	}
	s := newFakeStream()
	b.streams = append(b.streams, s)
	return s, nil
}

func (b *fakeBackend) stream(i int) *fakeStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[i]
}

func (b *fakeBackend) openCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

type fakePresence struct {
	mu           sync.Mutex
	current      string
	recent       string
	ready        bool
	participants []string
}

func (p *fakePresence) CurrentSpeaker() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *fakePresence) RecentHuman(time.Time, time.Duration) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recent, p.recent != ""
}

func (p *fakePresence) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *fakePresence) Participants() []string { return p.participants }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(d time.Duration) {
	c.mu.Lock()
	c.t = t0.Add(d)
	c.mu.Unlock()
}

type harness struct {
	s        *Session
	backend  *fakeBackend
	presence *fakePresence
	log      *transcript.Log
	clock    *clock
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T, cfg Config, presence *fakePresence) *harness {
	t.Helper()
	log, err := transcript.OpenLog("")
	require.NoError(t, err)
	h := &harness{
		backend:  &fakeBackend{},
		presence: presence,
		log:      log,
		clock:    &clock{t: t0},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	h.s, err = New(cfg, Deps{
		Backend:  h.backend,
		Presence: presence,
		Sink:     log,
		Metrics:  h.metrics,
		Now:      h.clock.now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.s.Stop(context.Background()) })
	return h
}

func (h *harness) waitLines(t *testing.T, n int) []transcript.Line {
	t.Helper()
	require.Eventually(t, func() bool { return h.log.Len() >= n }, time.Second, 5*time.Millisecond)
	return h.log.Lines()
}

// second of 16 kHz mono 16-bit audio
var oneSecond = make([]byte, 32000)

func TestTooShort(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"thank you", true},
		{"Thank you for watching", true},
		{"Hi there", true},
		{"really great", true},
		{"sounds good", false},
		{"okay sure then", false},
		{"Let's review the roadmap", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, TooShort(c.text, 10), c.text)
	}
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("Hello World", "hello world "))
	assert.InDelta(t, 11.0/17.0, Similarity("hello world", "hello world again"), 1e-9)
	assert.InDelta(t, 0.25, Similarity("night", "nacht"), 1e-9)
	assert.Equal(t, 0.0, Similarity("a", "b"))
	assert.Equal(t, 0.0, Similarity("", "text"))
}

func TestIncomplete(t *testing.T) {
	assert.True(t, Incomplete("going to the"))
	assert.True(t, Incomplete("yes please"))
	assert.True(t, Incomplete("we were talking about the budget and"))
	assert.False(t, Incomplete("We shipped the fix."))
	assert.False(t, Incomplete("We shipped it"))
}

func TestDuplicate(t *testing.T) {
	const stored = "the quarterly budget review is on friday" // 40 runes
	cfg := DefaultConfig()

	fresh := func() *Admission {
		a := NewAdmission(cfg)
		a.Remember("Bob", stored, t0)
		return a
	}

	t.Run("five percent longer is a duplicate", func(t *testing.T) {
		assert.True(t, fresh().Duplicate("Bob", stored+"!!", t0.Add(2*time.Second)))
	})
	t.Run("exactly twenty percent longer is still a duplicate", func(t *testing.T) {
		assert.True(t, fresh().Duplicate("Bob", stored+" by noon", t0.Add(2*time.Second)))
	})
	t.Run("more than twenty percent longer replaces", func(t *testing.T) {
		a := fresh()
		assert.False(t, a.Duplicate("Bob", stored+" by noon!", t0.Add(2*time.Second)))
		assert.Equal(t, 0, a.Len())
	})
	t.Run("other speaker is not a duplicate", func(t *testing.T) {
		assert.False(t, fresh().Duplicate("Alice", stored, t0.Add(time.Second)))
	})
	t.Run("outside the window is not a duplicate", func(t *testing.T) {
		a := fresh()
		assert.False(t, a.Duplicate("Bob", stored, t0.Add(20*time.Second)))
		assert.Equal(t, 1, a.Len())
	})
	t.Run("old entries are pruned", func(t *testing.T) {
		a := fresh()
		assert.False(t, a.Duplicate("Bob", stored, t0.Add(31*time.Second)))
		assert.Equal(t, 0, a.Len())
	})
}

func TestRememberCapsHistory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecentHistory = 2
	a := NewAdmission(cfg)
	a.Remember("A", "one", t0)
	a.Remember("A", "two", t0)
	a.Remember("A", "three", t0)
	assert.Equal(t, 2, a.Len())
	assert.Equal(t, "two", a.recent[0].text)
}

func TestSessionAttributesTurnFromTimeline(t *testing.T) {
	p := &fakePresence{current: "Alice", ready: true, participants: []string{"Alice", "Bob"}}
	h := newHarness(t, DefaultConfig(), p)
	require.NoError(t, h.s.Start(context.Background()))
	assert.Equal(t, StateConnected, h.s.State())
	assert.Contains(t, h.backend.configs[0].Keyterms, "Bob")

	h.clock.set(time.Second)
	require.NoError(t, h.s.SendAudio(oneSecond, "Bob", 16000))
	h.clock.set(2 * time.Second)
	require.NoError(t, h.s.SendAudio(oneSecond, "Bob", 16000))

	// Alice is the current speaker when the turn arrives, but Bob was
	// speaking when the audio was captured.
	h.clock.set(6 * time.Second)
	h.backend.stream(0).turn("Bob is presenting the quarterly numbers now", true, true)

	lines := h.waitLines(t, 1)
	assert.Equal(t, "Bob", lines[0].Speaker)
	assert.Equal(t, t0.Add(6*time.Second), lines[0].Time)

	st := h.s.Stats()
	assert.Equal(t, 1, st.TotalTranscripts)
	assert.Equal(t, 1, st.ValidSpeakerCount)
	assert.Equal(t, 1, st.SpeakerChanges)
	assert.Equal(t, 2, st.TimelineRecords)
	assert.Equal(t, 64000, h.backend.stream(0).sentBytes())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Attributions.WithLabelValues(timeline.MethodMajority)))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Transcripts.WithLabelValues(OutcomeAccepted)))
}

func TestSessionFiltersAndDeduplicates(t *testing.T) {
	p := &fakePresence{current: "Alice", ready: true}
	h := newHarness(t, DefaultConfig(), p)
	require.NoError(t, h.s.Start(context.Background()))
	st := h.backend.stream(0)

	h.clock.set(time.Second)
	st.turn("thank you", true, true)
	st.turn("the deploy went out this morning", true, false)
	st.turn("the deploy went out this morning", true, true)
	h.clock.set(2 * time.Second)
	st.turn("The deploy went out this morning", true, true)

	lines := h.waitLines(t, 1)
	require.Eventually(t, func() bool { return h.s.Stats().Duplicates == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, lines, 1)
	assert.Equal(t, "Alice", lines[0].Speaker)

	stats := h.s.Stats()
	assert.Equal(t, 1, stats.Filtered)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Transcripts.WithLabelValues(OutcomeUnformatted)))
}

func TestSessionUnknownSpeakerAndDetectionRate(t *testing.T) {
	p := &fakePresence{ready: true}
	h := newHarness(t, DefaultConfig(), p)
	require.NoError(t, h.s.Start(context.Background()))
	st := h.backend.stream(0)

	h.clock.set(time.Second)
	require.NoError(t, h.s.SendAudio(oneSecond, "", 0))
	h.clock.set(5 * time.Second)
	st.turn("someone in the room asked a question", true, true)
	lines := h.waitLines(t, 1)
	assert.Equal(t, timeline.UnknownSpeaker, lines[0].Speaker)

	h.clock.set(20 * time.Second)
	require.NoError(t, h.s.SendAudio(oneSecond, "Bob", 0))
	h.clock.set(24 * time.Second)
	st.turn("Bob answered the question about pricing", true, true)
	lines = h.waitLines(t, 2)
	assert.Equal(t, "Bob", lines[1].Speaker)

	// No audio covers this turn and nobody is speaking, so the last
	// attributed speaker is used while the turn still counts as unknown.
	h.clock.set(60 * time.Second)
	st.turn("and a follow up about the discount tiers", true, true)
	lines = h.waitLines(t, 3)
	assert.Equal(t, "Bob", lines[2].Speaker)

	stats := h.s.Stats()
	assert.Equal(t, 3, stats.TotalTranscripts)
	assert.Equal(t, 1, stats.ValidSpeakerCount)
	assert.Equal(t, 2, stats.UnknownSpeakerCount)
	assert.InDelta(t, 100.0/3.0, stats.VisualDetectionRate, 1e-9)
	assert.False(t, stats.DetectionWorking)
	assert.True(t, stats.NeedsBatchFallback)
}

func TestSessionRecentHumanFallback(t *testing.T) {
	p := &fakePresence{ready: true, recent: "Dana"}
	h := newHarness(t, DefaultConfig(), p)
	require.NoError(t, h.s.Start(context.Background()))

	h.clock.set(10 * time.Second)
	h.backend.stream(0).turn("could everyone mute when not speaking", true, true)
	lines := h.waitLines(t, 1)
	assert.Equal(t, "Dana", lines[0].Speaker)
	assert.Equal(t, 1, h.s.Stats().UnknownSpeakerCount)
}

func TestSessionEarlyBufferReplay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EarlyBufferSize = 2
	p := &fakePresence{}
	h := newHarness(t, cfg, p)
	require.NoError(t, h.s.Start(context.Background()))
	st := h.backend.stream(0)

	buffered := func(n int) func() bool {
		return func() bool { return h.s.Stats().EarlyBuffered == n }
	}
	h.clock.set(time.Second)
	st.turn("good morning everyone, can you hear me", true, true)
	require.Eventually(t, buffered(1), time.Second, time.Millisecond)
	h.clock.set(2 * time.Second)
	st.turn("let me share my screen with the agenda", true, true)
	require.Eventually(t, buffered(2), time.Second, time.Millisecond)
	h.clock.set(3 * time.Second)
	st.turn("this one does not fit in the buffer", true, true)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.Transcripts.WithLabelValues(OutcomeDropped)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.log.Len())

	p.mu.Lock()
	p.ready, p.recent = true, "Carol"
	p.mu.Unlock()
	h.clock.set(4 * time.Second)
	h.s.NotifyRosterReady()
	h.s.NotifyRosterReady()

	lines := h.log.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "Carol", lines[0].Speaker)
	assert.Equal(t, t0.Add(time.Second), lines[0].Time)
	assert.Equal(t, t0.Add(2*time.Second), lines[1].Time)

	stats := h.s.Stats()
	assert.Equal(t, 2, stats.TotalTranscripts)
	assert.Equal(t, 2, stats.ValidSpeakerCount)
	assert.Equal(t, 2, stats.EarlyBuffered)
}

func TestSessionStopFlushesLastPartial(t *testing.T) {
	p := &fakePresence{current: "Alice", ready: true}
	h := newHarness(t, DefaultConfig(), p)
	require.NoError(t, h.s.Start(context.Background()))
	st := h.backend.stream(0)

	st.turn("and that wraps up", false, false)
	st.turn("and that wraps up the meeting for today", false, false)
	require.NoError(t, h.s.Stop(context.Background()))

	lines := h.log.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, "and that wraps up the meeting for today", lines[0].Text)
	assert.Equal(t, StateStopped, h.s.State())
	assert.Equal(t, 0, h.s.Stats().TimelineRecords)
	assert.ErrorIs(t, h.s.SendAudio(oneSecond, "", 0), ErrNotConnected)
}

func TestSessionStopDrainsTurnsAfterTerminate(t *testing.T) {
	p := &fakePresence{current: "Alice", ready: true}
	h := newHarness(t, DefaultConfig(), p)
	require.NoError(t, h.s.Start(context.Background()))
	st := h.backend.stream(0)
	require.NoError(t, h.s.SendAudio(oneSecond, "Alice", 0))

	st.mu.Lock()
	st.farewell = []stt.Event{
		{Kind: stt.EventTurn, Text: "Let's pick this up on Monday.", EndOfTurn: true, Formatted: true},
		{Kind: stt.EventTermination},
	}
	st.mu.Unlock()
	require.NoError(t, h.s.Stop(context.Background()))

	lines := h.log.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, "Alice", lines[0].Speaker)
	assert.Equal(t, "Let's pick this up on Monday.", lines[0].Text)
	assert.Equal(t, StateStopped, h.s.State())
}

func TestSessionStopTimeoutStillTearsDown(t *testing.T) {
	p := &fakePresence{current: "Alice", ready: true}
	h := newHarness(t, DefaultConfig(), p)
	require.NoError(t, h.s.Start(context.Background()))
	st := h.backend.stream(0)
	require.NoError(t, h.s.SendAudio(oneSecond, "Alice", 0))
	st.turn("and one more thing about the launch", false, false)
	require.Eventually(t, func() bool {
		h.s.mu.Lock()
		defer h.s.mu.Unlock()
		return h.s.lastPartial != ""
	}, time.Second, time.Millisecond)

	st.mu.Lock()
	st.stall = true
	st.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.s.Stop(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateStopped, h.s.State())
	assert.Equal(t, 0, h.s.Stats().TimelineRecords)
	require.Len(t, h.log.Lines(), 1)
	assert.Equal(t, "and one more thing about the launch", h.log.Lines()[0].Text)
}

func TestForceFlushDropsIncompleteText(t *testing.T) {
	p := &fakePresence{current: "Alice", ready: true}
	h := newHarness(t, DefaultConfig(), p)

	ok, err := h.s.ForceFlush("we should probably talk about the")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = h.s.ForceFlush("ok bye now")
	require.NoError(t, err)
	assert.True(t, ok, "force flush skips the length filter")
	assert.Equal(t, 1, h.log.Len())
}

func TestSessionStartFailure(t *testing.T) {
	p := &fakePresence{ready: true}
	h := newHarness(t, DefaultConfig(), p)
	h.backend.failFrom = 1

	err := h.s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, h.s.State())
	assert.ErrorIs(t, h.s.SendAudio(oneSecond, "Bob", 0), ErrNotConnected)
}

func TestSessionStartTwice(t *testing.T) {
	h := newHarness(t, DefaultConfig(), &fakePresence{ready: true})
	require.NoError(t, h.s.Start(context.Background()))
	assert.ErrorIs(t, h.s.Start(context.Background()), ErrAlreadyStarted)
}

func fastReconnect() Config {
	cfg := DefaultConfig()
	cfg.ReconnectDelayClose = time.Millisecond
	cfg.ReconnectDelayError = time.Millisecond
	cfg.MaxReconnectAttempts = 2
	return cfg
}

func TestSessionReconnectsAfterClose(t *testing.T) {
	h := newHarness(t, fastReconnect(), &fakePresence{ready: true})
	require.NoError(t, h.s.Start(context.Background()))

	h.backend.stream(0).end(nil)
	require.Eventually(t, func() bool {
		return h.backend.openCount() == 2 && h.s.State() == StateConnected
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.s.Stats().Reconnects)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Reconnects))

	require.NoError(t, h.s.SendAudio(oneSecond, "Bob", 0))
	assert.Equal(t, 32000, h.backend.stream(1).sentBytes())
}

func TestSessionStopsAfterReconnectAttemptsExhausted(t *testing.T) {
	h := newHarness(t, fastReconnect(), &fakePresence{ready: true})
	require.NoError(t, h.s.Start(context.Background()))
	h.backend.mu.Lock()
	h.backend.failFrom = 2
	h.backend.mu.Unlock()

	h.backend.stream(0).end(errors.New("websocket: unexpected EOF"))
	require.Eventually(t, func() bool { return h.s.State() == StateStopped }, time.Second, time.Millisecond)
	assert.Equal(t, 3, h.backend.openCount())
	assert.Equal(t, 2, h.s.Stats().Reconnects)
	assert.NoError(t, h.s.Stop(context.Background()))
}

func TestSessionReconnectAppliesNewConfig(t *testing.T) {
	h := newHarness(t, DefaultConfig(), &fakePresence{ready: true})
	require.NoError(t, h.s.Start(context.Background()))

	cfg := DefaultConfig()
	cfg.Keyterms = []string{"Meetscribe"}
	require.NoError(t, h.s.Reconnect(context.Background(), cfg))

	assert.Equal(t, 2, h.backend.openCount())
	assert.Contains(t, h.backend.configs[1].Keyterms, "Meetscribe")
	assert.NotContains(t, h.backend.configs[0].Keyterms, "Meetscribe")
	assert.Equal(t, StateConnected, h.s.State())
	assert.Equal(t, 0, h.s.Stats().Reconnects)

	bad := cfg
	bad.SimilarityThreshold = 2
	assert.Error(t, h.s.Reconnect(context.Background(), bad))
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)

	bad := DefaultConfig()
	bad.SampleRate = 0
	_, err = New(bad, Deps{Backend: &fakeBackend{}, Presence: &fakePresence{}, Sink: &transcript.Log{}})
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "unknown", State(42).String())
}
