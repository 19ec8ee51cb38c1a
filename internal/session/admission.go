package session

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

var automatedPhrases = map[string]bool{
	"thank you":                 true,
	"thank you for watching":    true,
	"thanks for watching":       true,
	"i don't know what to say":  true,
	"i don't know":              true,
	"i do not know what to say": true,
}

var meaningfulShortPhrases = map[string]bool{
	"sounds good":    true,
	"good morning":   true,
	"good afternoon": true,
	"good evening":   true,
	"got it":         true,
	"makes sense":    true,
	"no problem":     true,
	"you're welcome": true,
	"of course":      true,
	"not yet":        true,
	"right now":      true,
	"thank you":      true,
	"thanks team":    true,
}

var (
	endsWithWordRe      = regexp.MustCompile(`\w+$`)
	endsWithConnectorRe = regexp.MustCompile(`(?i)\b(and|but|or|so|that|the|a|an|in|on|at|to|for|of|with|is|are|was|were|will|would|should|could)\s*$`)
)

// TooShort reports whether text is filler that should never reach the log:
// a known automated phrase, fewer than minChars characters, or at most two
// words that are not a meaningful short phrase.
func TooShort(text string, minChars int) bool {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)
	if automatedPhrases[lower] {
		return true
	}
	if utf8.RuneCountInString(trimmed) < minChars {
		return true
	}
	if len(strings.Fields(trimmed)) <= 2 {
		return !meaningfulShortPhrases[lower]
	}
	return false
}

// Incomplete reports whether text looks cut off mid-sentence: it ends on a
// bare connector word, or has fewer than three words.
func Incomplete(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(strings.Split(trimmed, " ")) < 3 {
		return true
	}
	return endsWithWordRe.MatchString(trimmed) && endsWithConnectorRe.MatchString(trimmed)
}

// Similarity compares two utterances case-insensitively: 1 for equal text,
// the length ratio when one contains the other, otherwise the bigram Dice
// coefficient.
func Similarity(x, y string) float64 {
	a := []rune(strings.ToLower(strings.TrimSpace(x)))
	b := []rune(strings.ToLower(strings.TrimSpace(y)))
	as, bs := string(a), string(b)
	if as == bs {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if strings.Contains(as, bs) || strings.Contains(bs, as) {
		shorter, longer := len(a), len(b)
		if shorter > longer {
			shorter, longer = longer, shorter
		}
		return float64(shorter) / float64(longer)
	}
	denom := len(a) + len(b) - 2
	if denom <= 0 {
		return 0
	}
	bigrams := make(map[string]bool, len(a))
	for i := 0; i+1 < len(a); i++ {
		bigrams[string(a[i:i+2])] = true
	}
	matches := 0
	for i := 0; i+1 < len(b); i++ {
		g := string(b[i : i+2])
		if bigrams[g] {
			matches++
			delete(bigrams, g)
		}
	}
	return 2 * float64(matches) / float64(denom)
}

type recentEntry struct {
	speaker string
	text    string
	at      time.Time
}

// Admission holds the short recency window used to suppress repeated
// submissions of the same utterance. Not safe for concurrent use.
type Admission struct {
	cfg    Config
	recent []recentEntry
}

func NewAdmission(cfg Config) *Admission {
	return &Admission{cfg: cfg}
}

// Duplicate reports whether text repeats a recent same-speaker entry. A
// sufficiently longer version evicts the stored entry and is not a
// duplicate.
func (a *Admission) Duplicate(speaker, text string, now time.Time) bool {
	kept := a.recent[:0]
	for _, e := range a.recent {
		if now.Sub(e.at) < a.cfg.DedupPruneAge {
			kept = append(kept, e)
		}
	}
	a.recent = kept

	n := utf8.RuneCountInString(text)
	for i, e := range a.recent {
		if e.speaker != speaker || now.Sub(e.at) > a.cfg.DedupWindow {
			continue
		}
		if Similarity(text, e.text) < a.cfg.SimilarityThreshold {
			continue
		}
		if float64(n) > float64(utf8.RuneCountInString(e.text))*a.cfg.ReplaceGrowth {
			a.recent = append(a.recent[:i], a.recent[i+1:]...)
			return false
		}
		return true
	}
	return false
}

// Remember adds an accepted entry, keeping at most RecentHistory entries.
func (a *Admission) Remember(speaker, text string, at time.Time) {
	a.recent = append(a.recent, recentEntry{speaker: speaker, text: text, at: at})
	if n := len(a.recent) - a.cfg.RecentHistory; n > 0 {
		a.recent = append(a.recent[:0:0], a.recent[n:]...)
	}
}

func (a *Admission) Len() int { return len(a.recent) }
