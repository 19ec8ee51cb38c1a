// Package transcript owns the persisted transcript line grammar, the
// append-only live log and the offline merge engine.
package transcript

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
)

// StampLayout is ISO-8601 UTC with milliseconds.
const StampLayout = "2006-01-02T15:04:05.000Z07:00"

var ErrMalformedLine = errors.New("transcript: malformed line")

var lineRe = regexp.MustCompile(`^\[([\d\-T:.Z]+)\]\s+([^:]+):\s+(.+)$`)

// Line is one persisted entry: `[<stamp>] <speaker>: <text>`.
type Line struct {
	Time    time.Time
	Speaker string
	Text    string

	stamp string
}

// NewLine builds a line stamped with t in UTC.
func NewLine(t time.Time, speaker, text string) Line {
	t = t.UTC()
	return Line{Time: t, Speaker: speaker, Text: text, stamp: t.Format(StampLayout)}
}

// Stamp is the timestamp exactly as it appears in the log.
func (l Line) Stamp() string {
	if l.stamp == "" {
		return l.Time.UTC().Format(StampLayout)
	}
	return l.stamp
}

func (l Line) String() string {
	return "[" + l.Stamp() + "] " + l.Speaker + ": " + l.Text
}

// WithText returns a copy carrying new text and the same timestamp.
func (l Line) WithText(text string) Line {
	l.Text = text
	return l
}

// Parse reads one line of the grammar. The original stamp text is kept so
// String reproduces the input byte for byte.
func Parse(s string) (Line, error) {
	s = strings.TrimRight(s, "\r\n")
	m := lineRe.FindStringSubmatch(s)
	if m == nil {
		return Line{}, ErrMalformedLine
	}
	t, err := time.Parse(time.RFC3339Nano, m[1])
	if err != nil {
		return Line{}, fmt.Errorf("%w: bad timestamp %q", ErrMalformedLine, m[1])
	}
	return Line{Time: t, Speaker: m[2], Text: m[3], stamp: m[1]}, nil
}

// ParseAll parses every well-formed line in r. Malformed lines are skipped
// and counted.
func ParseAll(r io.Reader) (lines []Line, skipped int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		raw := sc.Text()
		if strings.TrimSpace(raw) == "" {
			continue
		}
		l, perr := Parse(raw)
		if perr != nil {
			skipped++
			continue
		}
		lines = append(lines, l)
	}
	if err := sc.Err(); err != nil {
		return lines, skipped, fmt.Errorf("transcript: read: %w", err)
	}
	return lines, skipped, nil
}

// Format serializes lines newline-joined with a trailing newline. Empty
// input gives an empty string.
func Format(lines []Line) string {
	if len(lines) == 0 {
		return ""
	}
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l.String())
		b.WriteByte('\n')
	}
	return b.String()
}
