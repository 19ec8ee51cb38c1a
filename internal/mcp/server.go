// Package mcp exposes the transcript tools over the Model Context Protocol
// and provides a client for calling them from other processes.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/meetscribe/internal/logging"
	"github.com/meetscribe/internal/transcript"
)

const (
	ToolMergeTranscript = "merge_transcript"
	ToolSessionStats    = "session_stats"
)

// StatsFunc returns a JSON-serializable snapshot of the live session.
type StatsFunc func() any

type MergeArgs struct {
	Text   string `json:"text,omitempty" jsonschema:"raw transcript lines to clean"`
	Path   string `json:"path,omitempty" jsonschema:"transcript log file to clean instead of text"`
	Write  bool   `json:"write,omitempty" jsonschema:"write the cleaned file next to path"`
	Output string `json:"output,omitempty" jsonschema:"explicit output path when write is set"`
}

type statsArgs struct{}

// NewServer builds an MCP server with the merge tool and, when stats is
// non-nil, the session statistics tool.
func NewServer(name, version string, merger *transcript.Merger, stats StatsFunc) *sdk.Server {
	server := sdk.NewServer(&sdk.Implementation{Name: name, Version: version}, nil)

	sdk.AddTool(server, &sdk.Tool{
		Name:        ToolMergeTranscript,
		Description: "Remove noise and duplicates from a speaker-attributed transcript and merge sentence fragments",
	}, func(ctx context.Context, req *sdk.CallToolRequest, args MergeArgs) (*sdk.CallToolResult, any, error) {
		text, rep, err := merge(merger, args)
		if err != nil {
			logging.Warnw("mcp: merge_transcript failed", "error", err, "path", args.Path)
			return nil, nil, err
		}
		logging.Infow("mcp: merge_transcript", "lines_in", rep.Input, "lines_out", rep.Output, "output", rep.OutputPath)
		content := []sdk.Content{&sdk.TextContent{Text: text}}
		if rep.OutputPath != "" {
			content = append(content, &sdk.TextContent{Text: "written to " + rep.OutputPath})
		}
		return &sdk.CallToolResult{Content: content}, nil, nil
	})

	if stats != nil {
		sdk.AddTool(server, &sdk.Tool{
			Name:        ToolSessionStats,
			Description: "Attribution and admission statistics of the live transcription session",
		}, func(ctx context.Context, req *sdk.CallToolRequest, _ statsArgs) (*sdk.CallToolResult, any, error) {
			b, err := json.Marshal(stats())
			if err != nil {
				return nil, nil, fmt.Errorf("marshal stats: %w", err)
			}
			return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: string(b)}}}, nil, nil
		})
	}
	return server
}

func merge(m *transcript.Merger, args MergeArgs) (string, transcript.Report, error) {
	switch {
	case args.Text != "":
		text, rep := m.MergeText(args.Text)
		return text, rep, nil
	case args.Path != "" && args.Write:
		rep, err := m.MergeFile(args.Path, args.Output)
		if err != nil {
			return "", rep, err
		}
		b, err := os.ReadFile(rep.OutputPath)
		if err != nil {
			return "", rep, fmt.Errorf("read cleaned transcript: %w", err)
		}
		return string(b), rep, nil
	case args.Path != "":
		b, err := os.ReadFile(args.Path)
		if err != nil {
			return "", transcript.Report{}, fmt.Errorf("read transcript: %w", err)
		}
		text, rep := m.MergeText(string(b))
		return text, rep, nil
	}
	return "", transcript.Report{}, errors.New("either text or path is required")
}
