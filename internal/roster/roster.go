// Package roster tracks meeting participants and who is currently speaking.
package roster

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/meetscribe/internal/logging"
	"github.com/meetscribe/internal/timeline"
)

// Participant is one roster entry. ID is the stable key (a Discord user id,
// a meeting-platform participant id); Name is what transcripts show.
type Participant struct {
	ID         string
	Name       string
	Bot        bool
	JoinedAt   time.Time
	LastActive time.Time
}

// Roster is a concurrency-safe participant table.
type Roster struct {
	mu    sync.RWMutex
	byID  map[string]*Participant
	order []string
}

func New() *Roster {
	return &Roster{byID: make(map[string]*Participant)}
}

// Upsert adds or renames a participant. It reports whether the roster was
// empty before the call.
func (r *Roster) Upsert(id, name string, bot bool, at time.Time) (first bool) {
	if name == "" {
		name = id
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	first = len(r.byID) == 0
	if p, ok := r.byID[id]; ok {
		p.Name = name
		p.Bot = bot
		return first
	}
	r.byID[id] = &Participant{ID: id, Name: name, Bot: bot, JoinedAt: at}
	r.order = append(r.order, id)
	return first
}

// Touch marks id as active at at. Unknown ids are ignored.
func (r *Roster) Touch(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byID[id]; ok && at.After(p.LastActive) {
		p.LastActive = at
	}
}

func (r *Roster) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return
	}
	delete(r.byID, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Roster) Get(id string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Names returns the display names of human participants in join order.
func (r *Roster) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if p := r.byID[id]; !p.Bot {
			out = append(out, p.Name)
		}
	}
	return out
}

// MostRecentHuman returns the most recently active participant that is not
// a bot, not named botName and not a placeholder, provided it was active
// within the given window before now.
func (r *Roster) MostRecentHuman(botName string, now time.Time, within time.Duration) (Participant, bool) {
	r.mu.RLock()
	candidates := make([]Participant, 0, len(r.byID))
	for _, id := range r.order {
		p := r.byID[id]
		if p.Bot || p.LastActive.IsZero() || timeline.IsPlaceholder(p.Name) {
			continue
		}
		if botName != "" && strings.EqualFold(p.Name, botName) {
			continue
		}
		candidates = append(candidates, *p)
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return Participant{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].LastActive.After(candidates[j].LastActive)
	})
	best := candidates[0]
	if now.Sub(best.LastActive) > within {
		return Participant{}, false
	}
	return best, true
}

// Tracker follows the active speaker, logs changes to the shared change log
// and tells the pipeline when a change has happened since it last asked.
type Tracker struct {
	roster  *Roster
	changes *timeline.ChangeLog
	botName string
	now     func() time.Time

	mu      sync.Mutex
	current string
	changed bool
	ready   bool
	onReady []func()
}

func NewTracker(r *Roster, changes *timeline.ChangeLog, botName string) *Tracker {
	return &Tracker{roster: r, changes: changes, botName: botName, now: time.Now}
}

// SetClock replaces time.Now.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

func (t *Tracker) Roster() *Roster { return t.roster }

// Join adds a participant and fires the ready callbacks the first time the
// roster becomes non-empty.
func (t *Tracker) Join(id, name string, bot bool) {
	first := t.roster.Upsert(id, name, bot, t.now())
	logging.Debugw("roster: participant joined", "user_id", id, "user_name", name, "bot", bot)
	if !first {
		return
	}
	t.mu.Lock()
	if t.ready {
		t.mu.Unlock()
		return
	}
	t.ready = true
	callbacks := t.onReady
	t.onReady = nil
	t.mu.Unlock()

	logging.Infow("roster: first participant available", "user_name", name)
	for _, fn := range callbacks {
		fn()
	}
}

func (t *Tracker) Leave(id string) {
	t.roster.Remove(id)
	logging.Debugw("roster: participant left", "user_id", id)
}

// OnReady registers fn to run once the roster has a participant. If it
// already has one, fn runs immediately.
func (t *Tracker) OnReady(fn func()) {
	t.mu.Lock()
	if t.ready {
		t.mu.Unlock()
		fn()
		return
	}
	t.onReady = append(t.onReady, fn)
	t.mu.Unlock()
}

func (t *Tracker) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

// SetSpeaker records that participant id started speaking.
func (t *Tracker) SetSpeaker(id string) {
	now := t.now()
	t.roster.Touch(id, now)
	name := id
	if p, ok := t.roster.Get(id); ok {
		name = p.Name
	}

	t.mu.Lock()
	if name == t.current {
		t.mu.Unlock()
		return
	}
	prev := t.current
	t.current = name
	t.changed = true
	t.mu.Unlock()

	if t.changes != nil {
		t.changes.Record(timeline.Change{At: now, Speaker: name})
	}
	logging.Debugw("roster: speaker changed", "from", prev, "speaker.label", name)
}

// Current returns the active speaker and whether it changed since the last
// call. The changed flag is consumed.
func (t *Tracker) Current() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := t.changed
	t.changed = false
	return t.current, changed
}

// CurrentSpeaker returns the active speaker without consuming the flag.
func (t *Tracker) CurrentSpeaker() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// RecentHuman returns the display name of the most recently active human
// participant within the window.
func (t *Tracker) RecentHuman(now time.Time, within time.Duration) (string, bool) {
	p, ok := t.roster.MostRecentHuman(t.botName, now, within)
	return p.Name, ok
}

// Participants returns human display names for keyterm boosting.
func (t *Tracker) Participants() []string { return t.roster.Names() }
