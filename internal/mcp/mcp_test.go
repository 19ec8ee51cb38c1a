package mcp

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetscribe/internal/transcript"
)

const rawTranscript = "[2025-11-21T03:33:06.182Z] A: we should ship the release on friday\n" +
	"[2025-11-21T03:33:07.000Z] A: um\n" +
	"[2025-11-21T03:33:11.182Z] A: we should ship the release on friday morning\n"

const cleanedTranscript = "[2025-11-21T03:33:11.182Z] A: we should ship the release on friday morning\n"

func newTestServer(stats StatsFunc) *sdk.Server {
	return NewServer("test", "v0", transcript.NewMerger(transcript.DefaultOptions(), nil), stats)
}

func TestClientOverWebSocket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := httptest.NewServer(WebSocketHandler(newTestServer(func() any {
		return map[string]int{"total_transcripts": 7}
	})))
	defer srv.Close()

	c := NewClientWrapper("test-client", "v0")
	require.NoError(t, c.ConnectWebSocket(ctx, srv.URL))
	defer c.Close()

	out, err := c.MergeTranscript(ctx, rawTranscript)
	require.NoError(t, err)
	assert.Equal(t, cleanedTranscript, out)

	b, err := c.SessionStats(ctx)
	require.NoError(t, err)
	var stats map[string]int
	require.NoError(t, json.Unmarshal(b, &stats))
	assert.Equal(t, 7, stats["total_transcripts"])
}

func TestClientOverPipes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()

	ss, err := newTestServer(nil).Connect(ctx, newCommandTransport(serverR, serverW), nil)
	require.NoError(t, err)
	defer ss.Close()

	c := NewClientWrapper("test-client", "v0")
	require.NoError(t, c.connect(ctx, newCommandTransport(clientR, clientW)))
	defer c.Close()

	out, err := c.MergeTranscript(ctx, rawTranscript)
	require.NoError(t, err)
	assert.Equal(t, cleanedTranscript, out)

	// no stats function registered
	_, err = c.SessionStats(ctx)
	assert.Error(t, err)
}

func TestMergeToolErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := httptest.NewServer(WebSocketHandler(newTestServer(nil)))
	defer srv.Close()

	c := NewClientWrapper("test-client", "v0")
	require.NoError(t, c.ConnectWebSocket(ctx, srv.URL))
	defer c.Close()

	_, err := c.callText(ctx, ToolMergeTranscript, MergeArgs{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "either text or path"), err.Error())

	_, err = c.callText(ctx, ToolMergeTranscript, MergeArgs{Path: filepath.Join(t.TempDir(), "missing.log")})
	assert.Error(t, err)
}

func TestMergeFromPath(t *testing.T) {
	m := transcript.NewMerger(transcript.DefaultOptions(), nil)
	dir := t.TempDir()
	in := filepath.Join(dir, "meeting.log")
	require.NoError(t, os.WriteFile(in, []byte(rawTranscript), 0o644))

	text, rep, err := merge(m, MergeArgs{Path: in})
	require.NoError(t, err)
	assert.Equal(t, cleanedTranscript, text)
	assert.Empty(t, rep.OutputPath)

	out := filepath.Join(dir, "clean.log")
	text, rep, err = merge(m, MergeArgs{Path: in, Write: true, Output: out})
	require.NoError(t, err)
	assert.Equal(t, out, rep.OutputPath)
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, text, string(b))
}

func TestClientNotConnected(t *testing.T) {
	c := NewClientWrapper("test-client", "v0")
	_, err := c.MergeTranscript(context.Background(), rawTranscript)
	assert.Error(t, err)
	assert.NoError(t, c.Close())
}

func TestClientConnectCommand(t *testing.T) {
	binPath := buildCommandServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := NewClientWrapper("integration-client", "test")
	require.NoError(t, c.ConnectCommand(ctx, binPath, nil, map[string]string{"LOG_LEVEL": "debug"}))

	out, err := c.MergeTranscript(ctx, rawTranscript)
	require.NoError(t, err)
	assert.Equal(t, cleanedTranscript, out)

	b, err := c.SessionStats(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"connected"}`, string(b))

	assert.NoError(t, c.Close())
}

func buildCommandServer(t *testing.T) string {
	t.Helper()
	goBin, err := exec.LookPath("go")
	if err != nil {
		t.Skip("go toolchain not in PATH")
	}
	_, filename, _, ok := runtime.Caller(0)
	require.True(t, ok)
	binPath := filepath.Join(t.TempDir(), "cmdserver")
	cmd := exec.Command(goBin, "build", "-o", binPath, ".")
	cmd.Dir = filepath.Join(filepath.Dir(filename), "testdata", "cmdserver")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
	return binPath
}
