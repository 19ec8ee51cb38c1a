// Command transcript-mcp serves the transcript merge tool over MCP, on
// stdio by default or on a websocket endpoint with -ws.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meetscribe/internal/logging"
	"github.com/meetscribe/internal/mcp"
	"github.com/meetscribe/internal/metrics"
	"github.com/meetscribe/internal/server"
	"github.com/meetscribe/internal/transcript"
)

var version = "dev"

func main() {
	wsAddr := flag.String("ws", os.Getenv("MCP_WS_ADDR"), "serve websocket MCP on this address (/mcp/ws) instead of stdio")
	flag.Parse()

	if *wsAddr == "" {
		// stdout carries the protocol.
		_ = os.Setenv("LOG_OUTPUT", "stderr")
	}
	logging.Init()
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.NewRegistry())
	srv := mcp.NewServer("transcript-mcp", version, transcript.NewMerger(transcript.DefaultOptions(), m), nil)

	if *wsAddr != "" {
		logging.Infow("transcript-mcp: serving websocket", "addr", *wsAddr, "path", "/mcp/ws")
		if err := server.New(*wsAddr, server.Sources{Metrics: m, MCP: srv}).Run(ctx); err != nil {
			logging.FatalExitf("transcript-mcp: http server failed", "error", err)
		}
		return
	}

	logging.Infow("transcript-mcp: serving stdio")
	if err := srv.Run(ctx, &sdk.StdioTransport{}); err != nil && ctx.Err() == nil {
		logging.FatalExitf("transcript-mcp: stdio server failed", "error", err)
	}
}
