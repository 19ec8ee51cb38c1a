// Command transcript-merge cleans a speaker-attributed transcript log:
// noise lines are dropped, repeated lines collapsed and sentence fragments
// joined.
//
//	transcript-merge [-watch] [-mcp-url URL | -mcp-cmd BIN] in.log [out.log]
//
// Without out.log the result goes next to the input as <name>_cleaned.log.
// With -mcp-url or -mcp-cmd the merge runs on a transcript MCP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/meetscribe/internal/fileio"
	"github.com/meetscribe/internal/logging"
	"github.com/meetscribe/internal/mcp"
	"github.com/meetscribe/internal/transcript"
)

var version = "dev"

// textMerger is satisfied by the local engine and the MCP client.
type textMerger interface {
	MergeTranscript(ctx context.Context, text string) (string, error)
}

type localMerger struct {
	m *transcript.Merger
}

func (l localMerger) MergeTranscript(_ context.Context, text string) (string, error) {
	out, rep := l.m.MergeText(text)
	logging.Infow("transcript-merge: merged",
		"lines_in", rep.Input,
		"lines_out", rep.Output,
		"skipped", rep.Skipped,
		"reduction_pct", fmt.Sprintf("%.0f", rep.Reduction()))
	return out, nil
}

func main() {
	watch := flag.Bool("watch", false, "re-merge whenever the input changes")
	mcpURL := flag.String("mcp-url", "", "merge on a transcript MCP server reachable over websocket")
	mcpCmd := flag.String("mcp-cmd", "", "spawn a transcript MCP server binary and merge on it")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-watch] [-mcp-url URL | -mcp-cmd BIN] in.log [out.log]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	logging.Init()
	defer logging.Sync()

	if flag.NArg() < 1 || flag.NArg() > 2 || (*mcpURL != "" && *mcpCmd != "") {
		flag.Usage()
		os.Exit(2)
	}
	in := flag.Arg(0)
	out := flag.Arg(1)
	if out == "" {
		out = transcript.CleanedPath(in)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var merger textMerger = localMerger{m: transcript.NewMerger(transcript.DefaultOptions(), nil)}
	if *mcpURL != "" || *mcpCmd != "" {
		client := mcp.NewClientWrapper("transcript-merge", version)
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		var err error
		if *mcpURL != "" {
			err = client.ConnectWebSocket(cctx, *mcpURL)
		} else {
			parts := strings.Fields(*mcpCmd)
			err = client.ConnectCommand(cctx, parts[0], parts[1:], nil)
		}
		cancel()
		if err != nil {
			logging.FatalExitf("transcript-merge: connect to MCP server", "error", err)
		}
		defer client.Close()
		merger = client
	}

	if err := mergeOnce(ctx, merger, in, out); err != nil {
		logging.FatalExitf("transcript-merge: merge failed", "error", err, "input", in)
	}
	if !*watch {
		return
	}
	if err := watchAndMerge(ctx, merger, in, out, defaultDebounce); err != nil {
		logging.FatalExitf("transcript-merge: watch failed", "error", err, "input", in)
	}
}

func mergeOnce(ctx context.Context, m textMerger, in, out string) error {
	raw, err := os.ReadFile(in)
	if err != nil {
		return fmt.Errorf("read %s: %w", in, err)
	}
	cleaned, err := m.MergeTranscript(ctx, string(raw))
	if err != nil {
		return err
	}
	if err := fileio.WriteFileAtomic(out, []byte(cleaned), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	logging.Infow("transcript-merge: wrote cleaned transcript", "input", in, "output", out)
	return nil
}
