// Package server is the HTTP surface of a running meeting.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/meetscribe/internal/logging"
	"github.com/meetscribe/internal/mcp"
	"github.com/meetscribe/internal/metrics"
	"github.com/meetscribe/internal/transcript"
)

const shutdownTimeout = 5 * time.Second

// Sources are the read-only views the handlers serve. Any of them may be
// nil, in which case the route answers 404.
type Sources struct {
	Stats   func() any
	Lines   func() []transcript.Line
	Metrics *metrics.Metrics
	MCP     *sdk.Server
}

type Server struct {
	src    Sources
	router *mux.Router
	http   *http.Server
}

func New(addr string, src Sources) *Server {
	s := &Server{src: src, router: mux.NewRouter()}
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/transcript", s.handleTranscript).Methods(http.MethodGet)
	s.router.Handle("/metrics", src.Metrics.Handler()).Methods(http.MethodGet)
	if src.MCP != nil {
		s.router.Handle("/mcp/ws", mcp.WebSocketHandler(src.MCP))
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	logging.Infow("server: listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.http.Shutdown(sctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.src.Stats == nil {
		http.Error(w, "no active meeting", http.StatusNotFound)
		return
	}
	writeJSON(w, s.src.Stats())
}

// handleTranscript returns the live lines; ?format=text gives the log form.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.src.Lines == nil {
		http.Error(w, "no active meeting", http.StatusNotFound)
		return
	}
	lines := s.src.Lines()
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(transcript.Format(lines)))
		return
	}
	type jsonLine struct {
		Time    time.Time `json:"time"`
		Speaker string    `json:"speaker"`
		Text    string    `json:"text"`
	}
	out := make([]jsonLine, 0, len(lines))
	for _, l := range lines {
		out = append(out, jsonLine{Time: l.Time, Speaker: l.Speaker, Text: l.Text})
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Errorw("server: failed to encode response", "error", err)
	}
}
