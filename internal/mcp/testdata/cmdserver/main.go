package main

import (
	"context"
	"log"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/meetscribe/internal/mcp"
	"github.com/meetscribe/internal/transcript"
)

func main() {
	server := mcp.NewServer("test-command", "1.0.0", transcript.NewMerger(transcript.DefaultOptions(), nil),
		func() any { return map[string]string{"state": "connected"} })
	if err := server.Run(context.Background(), &sdk.StdioTransport{}); err != nil {
		log.Printf("server exited: %v", err)
	}
}
