package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetscribe/internal/mcp"
	"github.com/meetscribe/internal/metrics"
	"github.com/meetscribe/internal/transcript"
)

var t0 = time.Date(2025, 11, 21, 3, 33, 6, 182_000_000, time.UTC)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRoutes(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	m.Transcript("accepted")
	lines := []transcript.Line{transcript.NewLine(t0, "Alice", "The budget is approved.")}
	s := New(":0", Sources{
		Stats:   func() any { return map[string]int{"total_transcripts": 3} },
		Lines:   func() []transcript.Line { return lines },
		Metrics: m,
	})
	h := s.Handler()

	rec := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = get(t, h, "/stats")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"total_transcripts":3}`, rec.Body.String())

	rec = get(t, h, "/transcript")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "Alice", got[0]["speaker"])

	rec = get(t, h, "/transcript?format=text")
	assert.Equal(t, "[2025-11-21T03:33:06.182Z] Alice: The budget is approved.\n", rec.Body.String())

	rec = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "transcripts_total")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRoutesWithoutMeeting(t *testing.T) {
	h := New(":0", Sources{}).Handler()
	assert.Equal(t, http.StatusNotFound, get(t, h, "/stats").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/transcript").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/mcp/ws").Code)
}

func TestMCPEndpoint(t *testing.T) {
	merger := transcript.NewMerger(transcript.DefaultOptions(), nil)
	s := New(":0", Sources{MCP: mcp.NewServer("test", "v0", merger, nil)})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := mcp.NewClientWrapper("test-client", "v0")
	require.NoError(t, c.ConnectWebSocket(ctx, srv.URL+"/mcp/ws"))
	defer c.Close()

	out, err := c.MergeTranscript(ctx, "[2025-11-21T03:33:06.182Z] A: um\n[2025-11-21T03:33:08.182Z] A: The budget is approved.\n")
	require.NoError(t, err)
	assert.Equal(t, "[2025-11-21T03:33:08.182Z] A: The budget is approved.\n", out)
}

func TestRunShutsDown(t *testing.T) {
	s := New("127.0.0.1:0", Sources{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRunListenError(t *testing.T) {
	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	err = New(ln.Addr().String(), Sources{}).Run(context.Background())
	assert.Error(t, err)
}
