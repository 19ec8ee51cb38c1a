package capture

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/meetscribe/internal/logging"
)

type pair struct {
	jsonPath string
	wavPath  string
	mod      time.Time
}

// StartCleaner periodically removes archived pairs older than retention and
// keeps at most maxFiles pairs. Caller must wg.Add(1) first; the goroutine
// calls wg.Done on exit.
func StartCleaner(ctx context.Context, wg *sync.WaitGroup, dir string, retention, interval time.Duration, maxFiles int) {
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := Clean(dir, retention, maxFiles, time.Now()); err != nil {
					logging.Debugw("capture: cleanup failed", "dir", dir, "error", err)
				} else if n > 0 {
					logging.Infow("capture: removed archived chunks", "dir", dir, "removed", n)
				}
			}
		}
	}()
}

// Clean runs one cleanup pass and returns how many pairs were removed. A
// zero retention or maxFiles disables that limit.
func Clean(dir string, retention time.Duration, maxFiles int, now time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var pairs []pair
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		jsonPath := filepath.Join(dir, name)
		info, err := e.Info()
		if err != nil {
			continue
		}
		p := pair{jsonPath: jsonPath, wavPath: strings.TrimSuffix(jsonPath, ".json") + ".wav", mod: info.ModTime()}
		if b, err := os.ReadFile(jsonPath); err == nil {
			var sc Sidecar
			if json.Unmarshal(b, &sc) == nil && sc.WavPath != "" {
				p.wavPath = sc.WavPath
			}
		}
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].mod.Before(pairs[j].mod) })

	removed := 0
	kept := pairs[:0]
	for _, p := range pairs {
		if retention > 0 && p.mod.Before(now.Add(-retention)) {
			remove(p)
			removed++
			continue
		}
		kept = append(kept, p)
	}
	if maxFiles > 0 && len(kept) > maxFiles {
		for _, p := range kept[:len(kept)-maxFiles] {
			remove(p)
			removed++
		}
	}
	return removed, nil
}

func remove(p pair) {
	_ = os.Remove(p.jsonPath)
	if p.wavPath != "" {
		_ = os.Remove(p.wavPath)
	}
}
