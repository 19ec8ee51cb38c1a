package stt

import (
	"strings"

	"github.com/meetscribe/internal/timeline"
)

// MaxKeyterms is the most terms a stream accepts.
const MaxKeyterms = 100

// DefaultKeyterms are meeting vocabulary boosted on every stream.
var DefaultKeyterms = []string{
	"Google Meet", "Zoom", "Microsoft Teams", "Slack",
	"API", "UI", "UX", "AWS", "GitHub",
	"PostgreSQL", "MySQL", "MongoDB", "Redis", "Kubernetes", "Docker",
	"TypeScript", "JavaScript", "React", "Vue", "Angular", "Node.js",
	"GraphQL", "REST API", "OAuth", "JWT",
	"KPI", "ROI", "B2B", "B2C", "SaaS", "MVP", "POC",
}

// Keyterms merges the defaults, custom terms and participant names,
// dropping blanks, placeholders and case-insensitive repeats, and caps the
// result at MaxKeyterms. Order is preserved.
func Keyterms(custom, participants []string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(DefaultKeyterms)+len(custom)+len(participants))
	add := func(terms []string) {
		for _, t := range terms {
			t = strings.TrimSpace(t)
			if t == "" || timeline.IsPlaceholder(t) {
				continue
			}
			k := strings.ToLower(t)
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, t)
		}
	}
	add(DefaultKeyterms)
	add(custom)
	add(participants)
	if len(out) > MaxKeyterms {
		out = out[:MaxKeyterms]
	}
	return out
}
