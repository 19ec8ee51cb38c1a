package timeline

import (
	"fmt"
	"time"

	"github.com/meetscribe/internal/logging"
)

// Attribution methods.
const (
	MethodNoAudio             = "no-audio"
	MethodMajority            = "majority"
	MethodMajorityFallback    = "majority-fallback"
	MethodBeforeLateChange    = "before-late-change"
	MethodMajorityAfterChange = "majority-after-change"
)

// CorrelatorConfig describes how far back a finished turn is assumed to
// reach.
type CorrelatorConfig struct {
	ProcessingDelay    time.Duration `yaml:"processing_delay"`
	UtteranceWindow    time.Duration `yaml:"utterance_window"`
	LateChangeFraction float64       `yaml:"late_change_fraction"`
}

func DefaultCorrelatorConfig() CorrelatorConfig {
	return CorrelatorConfig{
		ProcessingDelay:    2500 * time.Millisecond,
		UtteranceWindow:    5 * time.Second,
		LateChangeFraction: 0.2,
	}
}

func (c *CorrelatorConfig) Validate() error {
	if c.ProcessingDelay < 0 {
		return fmt.Errorf("processing_delay must not be negative")
	}
	if c.UtteranceWindow <= 0 {
		return fmt.Errorf("utterance_window must be positive")
	}
	if c.LateChangeFraction < 0 || c.LateChangeFraction > 1 {
		return fmt.Errorf("late_change_fraction must be in [0, 1], got %f", c.LateChangeFraction)
	}
	return nil
}

// Attribution is the resolved speaker for one turn and how it was chosen.
type Attribution struct {
	Speaker string
	Method  string
	Records int
	Changes int
}

// Correlator maps a turn's arrival time back onto the presence timeline.
type Correlator struct {
	cfg     CorrelatorConfig
	sampler *logging.Sampler
}

func NewCorrelator(cfg CorrelatorConfig) *Correlator {
	return &Correlator{cfg: cfg, sampler: logging.NewSampler(1, 20, 0)}
}

// Interval estimates when the speech in a turn arriving at arrival happened.
func (c *Correlator) Interval(arrival time.Time) (start, end time.Time) {
	end = arrival.Add(-c.cfg.ProcessingDelay)
	return end.Add(-c.cfg.UtteranceWindow), end
}

// Resolve picks the speaker for a turn that arrived at arrival. current is
// the speaker the roster believes is talking now; last is the previously
// attributed speaker.
func (c *Correlator) Resolve(arrival time.Time, tl *Timeline, changes *ChangeLog, current, last string) Attribution {
	start, end := c.Interval(arrival)
	records := tl.Window(start, end)
	var during []Change
	if changes != nil {
		during = changes.Window(start, end)
	}

	a := Attribution{Records: len(records), Changes: len(during)}
	defer func() {
		c.sampler.Debugw("timeline: correlated turn", "speech_start", start.Format(time.RFC3339Nano),
			"speech_end", end.Format(time.RFC3339Nano), "records", a.Records, "changes", a.Changes,
			"speaker.label", a.Speaker, "method", a.Method)
	}()

	if len(records) == 0 {
		a.Speaker, a.Method = orUnknown(current), MethodNoAudio
		return a
	}

	if len(during) == 0 {
		if s := Dominant(records); s != "" {
			a.Speaker, a.Method = s, MethodMajority
			return a
		}
		a.Speaker, a.Method = orUnknown(current, last), MethodMajorityFallback
		return a
	}

	lastChange := during[len(during)-1]
	late := time.Duration(float64(c.cfg.UtteranceWindow) * c.cfg.LateChangeFraction)
	if end.Sub(lastChange.At) < late {
		var before []Record
		for _, r := range records {
			if r.At.Before(lastChange.At) {
				before = append(before, r)
			}
		}
		a.Speaker, a.Method = orUnknown(Dominant(before), current), MethodBeforeLateChange
		return a
	}
	a.Speaker, a.Method = orUnknown(Dominant(records), current), MethodMajorityAfterChange
	return a
}

// Dominant returns the non-placeholder speaker with the greatest summed
// duration. Ties go to the speaker seen first. Empty when no record names a
// real speaker.
func Dominant(records []Record) string {
	totals := make(map[string]float64)
	var order []string
	for _, r := range records {
		if IsPlaceholder(r.Speaker) {
			continue
		}
		if _, ok := totals[r.Speaker]; !ok {
			order = append(order, r.Speaker)
		}
		totals[r.Speaker] += r.DurationMs
	}
	best, top := "", 0.0
	for _, s := range order {
		if totals[s] > top {
			best, top = s, totals[s]
		}
	}
	return best
}

func orUnknown(candidates ...string) string {
	for _, s := range candidates {
		if s != "" {
			return s
		}
	}
	return UnknownSpeaker
}
