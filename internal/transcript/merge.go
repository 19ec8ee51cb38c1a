package transcript

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/meetscribe/internal/fileio"
	"github.com/meetscribe/internal/logging"
	"github.com/meetscribe/internal/metrics"
)

// CrossSpeakerAppendWords is how many new words a differently attributed
// repeat must add before it extends the first speaker's line instead of
// simply replacing its text.
const CrossSpeakerAppendWords = 8

var defaultNoise = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(um|uh|hmm|mm|ah|eh)$`),
	regexp.MustCompile(`(?i)^(yeah|yes|no|okay|ok)$`),
	regexp.MustCompile(`(?i)^thank you$`),
	regexp.MustCompile(`(?i)^(you|i|the|and)$`),
}

var (
	incompleteEndingRe = regexp.MustCompile(`(?i)\b(the|a|an|and|but|or|so|if|when|while|for|to|at|in|on|with|about)$`)
	terminalRe         = regexp.MustCompile(`[.!?]$`)
)

// Options tune the merge passes.
type Options struct {
	NoisePatterns []*regexp.Regexp
	MinChars      int

	LookbackLines           int
	LookbackWindow          time.Duration
	DuplicateThreshold      float64
	CrossSpeakerAppendWords int
	PartialThreshold        float64
	PartialWindow           time.Duration

	FragmentGap      time.Duration
	FragmentMinWords int
	RepeatThreshold  float64
}

func DefaultOptions() Options {
	return Options{
		NoisePatterns:           defaultNoise,
		MinChars:                3,
		LookbackLines:           5,
		LookbackWindow:          15 * time.Second,
		DuplicateThreshold:      0.7,
		CrossSpeakerAppendWords: CrossSpeakerAppendWords,
		PartialThreshold:        0.8,
		PartialWindow:           3 * time.Second,
		FragmentGap:             3 * time.Second,
		FragmentMinWords:        5,
		RepeatThreshold:         0.8,
	}
}

// Report summarizes one merge.
type Report struct {
	Input      int    `json:"input"`
	Skipped    int    `json:"skipped"`
	Noise      int    `json:"noise"`
	Duplicates int    `json:"duplicates"`
	Fragments  int    `json:"fragments"`
	Output     int    `json:"output"`
	Passes     int    `json:"passes"`
	OutputPath string `json:"output_path,omitempty"`
}

// Reduction is the share of input lines removed, in percent.
func (r Report) Reduction() float64 {
	if r.Input == 0 {
		return 0
	}
	return (1 - float64(r.Output)/float64(r.Input)) * 100
}

// Merger cleans a finished transcript: noise filter, duplicate collapse,
// then fragment merge. It holds no state between calls.
type Merger struct {
	opts    Options
	metrics *metrics.Metrics
}

func NewMerger(opts Options, m *metrics.Metrics) *Merger {
	return &Merger{opts: opts, metrics: m}
}

// Merge runs the three stages until a pass removes nothing, so merging its
// own output again is a no-op.
func (m *Merger) Merge(lines []Line) []Line {
	out, _ := m.merge(lines)
	return out
}

func (m *Merger) merge(lines []Line) ([]Line, Report) {
	rep := Report{Input: len(lines)}
	out := lines
	for {
		rep.Passes++
		before := len(out)
		var noise, dups, frags int
		out, noise = m.filterNoise(out)
		out, dups = m.collapseDuplicates(out)
		out, frags = m.mergeFragments(out)
		rep.Noise += noise
		rep.Duplicates += dups
		rep.Fragments += frags
		if len(out) == before {
			break
		}
	}
	rep.Output = len(out)
	m.metrics.Merged(rep.Input, rep.Output)
	return out, rep
}

// MergeText parses text, merges it and formats the result. Malformed lines
// are dropped.
func (m *Merger) MergeText(text string) (string, Report) {
	lines, skipped, _ := ParseAll(strings.NewReader(text))
	out, rep := m.merge(lines)
	rep.Input += skipped
	rep.Skipped = skipped
	return Format(out), rep
}

// MergeFile merges the log at in and atomically writes the result to out.
// An empty out writes next to the input (see CleanedPath).
func (m *Merger) MergeFile(in, out string) (Report, error) {
	f, err := os.Open(in)
	if err != nil {
		return Report{}, fmt.Errorf("transcript: open %s: %w", in, err)
	}
	lines, skipped, err := ParseAll(f)
	_ = f.Close()
	if err != nil {
		return Report{}, err
	}
	merged, rep := m.merge(lines)
	rep.Input += skipped
	rep.Skipped = skipped
	if out == "" {
		out = CleanedPath(in)
	}
	if err := fileio.WriteFileAtomic(out, []byte(Format(merged)), 0o644); err != nil {
		return rep, fmt.Errorf("transcript: write cleaned: %w", err)
	}
	rep.OutputPath = out
	logging.Infow("transcript: merged",
		"input", in,
		"output", out,
		"lines_in", rep.Input,
		"lines_out", rep.Output,
		"reduction_pct", fmt.Sprintf("%.0f", rep.Reduction()))
	return rep, nil
}

// CleanedPath maps meeting.log to meeting_cleaned.log.
func CleanedPath(in string) string {
	if strings.HasSuffix(in, ".log") {
		return strings.TrimSuffix(in, ".log") + "_cleaned.log"
	}
	return in + "_cleaned.log"
}

func (m *Merger) isNoise(text string) bool {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < m.opts.MinChars {
		return true
	}
	for _, re := range m.opts.NoisePatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func (m *Merger) filterNoise(lines []Line) ([]Line, int) {
	out := make([]Line, 0, len(lines))
	for _, l := range lines {
		if !m.isNoise(l.Text) {
			out = append(out, l)
		}
	}
	return out, len(lines) - len(out)
}

// collapseDuplicates compares each line against the last few accepted lines.
// Same-speaker repeats keep the longer text. Cross-speaker repeats keep the
// first speaker, since attribution lags behind the audio. A line that the
// same speaker's next line restates more fully is dropped.
func (m *Merger) collapseDuplicates(lines []Line) ([]Line, int) {
	out := make([]Line, 0, len(lines))
	for i, cur := range lines {
		dup := false
		for j := len(out) - 1; j >= 0 && j >= len(out)-m.opts.LookbackLines; j-- {
			prev := out[j]
			if cur.Time.Sub(prev.Time) > m.opts.LookbackWindow {
				break
			}
			if m.repeatScore(prev, cur) <= m.opts.DuplicateThreshold {
				continue
			}
			dup = true
			if cur.Speaker == prev.Speaker {
				if len(cur.Text) > len(prev.Text) {
					out[j] = cur
				}
				break
			}
			_, suffix := commonPrefix(prev.Text, cur.Text)
			switch {
			case len(suffix) > m.opts.CrossSpeakerAppendWords:
				// cur starts with the shared prefix, so it is the stored
				// line grown by the new words.
				out[j] = prev.WithText(cur.Text)
			case len(cur.Text) > len(prev.Text):
				out[j] = prev.WithText(cur.Text)
			}
			break
		}
		if !dup && i+1 < len(lines) {
			next := lines[i+1]
			if next.Speaker == cur.Speaker &&
				next.Time.Sub(cur.Time) < m.opts.PartialWindow &&
				m.repeatScore(cur, next) > m.opts.PartialThreshold &&
				len(next.Text) > len(cur.Text) {
				dup = true
			}
		}
		if !dup {
			out = append(out, cur)
		}
	}
	return out, len(lines) - len(out)
}

func (m *Merger) incomplete(text string) bool {
	if incompleteEndingRe.MatchString(text) {
		return true
	}
	return len(strings.Fields(text)) < m.opts.FragmentMinWords && !terminalRe.MatchString(text)
}

// mergeFragments joins consecutive same-speaker lines close in time when the
// earlier one is cut off. The joined line takes the later timestamp.
func (m *Merger) mergeFragments(lines []Line) ([]Line, int) {
	if len(lines) == 0 {
		return lines, 0
	}
	out := make([]Line, 0, len(lines))
	cur := lines[0]
	for _, next := range lines[1:] {
		if next.Speaker != cur.Speaker || next.Time.Sub(cur.Time) >= m.opts.FragmentGap {
			out = append(out, cur)
			cur = next
			continue
		}
		switch {
		case WordOverlap(cur.Text, next.Text) > m.opts.RepeatThreshold:
			if len(next.Text) > len(cur.Text) {
				cur = next
			}
		case m.incomplete(cur.Text):
			cur = next.WithText(cur.Text + " " + next.Text)
		default:
			out = append(out, cur)
			cur = next
		}
	}
	out = append(out, cur)
	return out, len(lines) - len(out)
}

// WordOverlap is the number of words in a also present in b, divided by
// the larger word count. Case-insensitive.
func WordOverlap(a, b string) float64 {
	wa := strings.Fields(strings.ToLower(a))
	wb := strings.Fields(strings.ToLower(b))
	total := max(len(wa), len(wb))
	if total == 0 {
		return 0
	}
	set := make(map[string]bool, len(wb))
	for _, w := range wb {
		set[w] = true
	}
	common := 0
	for _, w := range wa {
		if set[w] {
			common++
		}
	}
	return float64(common) / float64(total)
}

// RepeatScore is WordOverlap, except that text which is a word prefix of the
// other scores 1: a transcript that restates an earlier, cut-off turn is a
// repeat however many words it adds.
func RepeatScore(a, b string) float64 {
	wa, wb := len(strings.Fields(a)), len(strings.Fields(b))
	if wa > 0 && wb > 0 {
		shorter, longer := a, b
		if wa > wb {
			shorter, longer = b, a
		}
		if prefix, _ := commonPrefix(shorter, longer); len(prefix) == min(wa, wb) {
			return 1
		}
	}
	return WordOverlap(a, b)
}

// repeatScore applies the word-prefix shortcut only to lines spoken within
// PartialWindow of each other.
func (m *Merger) repeatScore(earlier, later Line) float64 {
	if later.Time.Sub(earlier.Time) <= m.opts.PartialWindow {
		return RepeatScore(earlier.Text, later.Text)
	}
	return WordOverlap(earlier.Text, later.Text)
}

// commonPrefix splits b into the words it shares with the start of a
// (case-insensitive) and the rest.
func commonPrefix(a, b string) (prefix, suffix []string) {
	wa := strings.Fields(strings.ToLower(a))
	wb := strings.Fields(b)
	n := 0
	for n < len(wa) && n < len(wb) && wa[n] == strings.ToLower(wb[n]) {
		n++
	}
	return wb[:n], wb[n:]
}
