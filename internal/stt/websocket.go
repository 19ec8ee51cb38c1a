package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meetscribe/internal/logging"
)

const DefaultURL = "wss://streaming.assemblyai.com/v3/ws"

// terminateGrace bounds how long Close waits for the terminate message to be
// written before dropping the connection.
var terminateGrace = 2 * time.Second

// WebSocketConfig points the backend at a v3 turn-protocol endpoint.
type WebSocketConfig struct {
	APIKey string `yaml:"api_key"`
	URL    string `yaml:"url"`
}

// WebSocketBackend implements Backend over the v3 streaming turn protocol:
// binary PCM frames up, JSON Begin/Turn/Termination messages down.
type WebSocketBackend struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer
}

func NewWebSocketBackend(cfg WebSocketConfig) *WebSocketBackend {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	return &WebSocketBackend{cfg: cfg, dialer: websocket.DefaultDialer}
}

func (b *WebSocketBackend) Open(ctx context.Context, cfg StreamConfig) (Stream, error) {
	if strings.TrimSpace(b.cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	wsURL, err := buildStreamURL(b.cfg.URL, cfg)
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	headers.Set("Authorization", b.cfg.APIKey)

	conn, resp, err := b.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("stt: dial %s: %w (status %d)", redact(wsURL), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("stt: dial %s: %w", redact(wsURL), err)
	}
	logging.Infow("stt: stream connected", "url", redact(wsURL), "keyterms", len(cfg.Keyterms), "sample_rate", cfg.SampleRate)

	s := &wsStream{
		conn:      conn,
		events:    make(chan Event, 64),
		audio:     make(chan []byte, 32),
		done:      make(chan struct{}),
		closing:   make(chan struct{}),
		readDone:  make(chan struct{}),
		writeDone: make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	go func() {
		s.wg.Wait()
		close(s.events)
		close(s.done)
		_ = conn.Close()
	}()
	return s, nil
}

type wsStream struct {
	conn *websocket.Conn

	events    chan Event
	audio     chan []byte
	done      chan struct{}
	closing   chan struct{}
	readDone  chan struct{}
	writeDone chan struct{}

	wg sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeOnce     sync.Once
	closeSendOnce sync.Once
	sendMu        sync.RWMutex
	sendShut      bool
}

func (s *wsStream) Send(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.sendShut {
		return ErrStreamClosed
	}
	copied := append([]byte(nil), chunk...)
	select {
	case s.audio <- copied:
		return nil
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		return ErrStreamClosed
	}
}

func (s *wsStream) Events() <-chan Event  { return s.events }
func (s *wsStream) Done() <-chan struct{} { return s.done }

func (s *wsStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// CloseSend queues the terminate message after any audio already sent. The
// read loop keeps emitting until the backend answers with Termination.
func (s *wsStream) CloseSend() error {
	s.closeSendOnce.Do(func() {
		s.sendMu.Lock()
		s.sendShut = true
		close(s.audio)
		s.sendMu.Unlock()
	})
	return nil
}

// Close asks the backend to terminate, then drops the connection without
// waiting for the remaining turns.
func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		_ = s.CloseSend()

		select {
		case <-s.writeDone:
		case <-s.done:
		case <-time.After(terminateGrace):
		}
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
	<-s.done
	return s.Err()
}

func (s *wsStream) setErr(err error) {
	if err == nil {
		return
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return
	}
	select {
	case <-s.closing:
		// errors caused by our own Close are not failures
		return
	default:
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *wsStream) writeLoop() {
	defer s.wg.Done()
	defer close(s.writeDone)

	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Terminate"}`)); err != nil {
					s.setErr(fmt.Errorf("stt: send terminate: %w", err))
				}
				return
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				s.setErr(fmt.Errorf("stt: send audio: %w", err))
				// unblock the reader so the stream finishes
				_ = s.conn.Close()
				return
			}
		case <-s.readDone:
			return
		}
	}
}

func (s *wsStream) readLoop() {
	defer s.wg.Done()
	defer close(s.readDone)

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.setErr(fmt.Errorf("stt: read event: %w", err))
			return
		}
		var msg turnMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			logging.Debugw("stt: ignoring non-JSON message", "bytes", len(payload))
			continue
		}
		switch strings.ToLower(msg.Type) {
		case "begin":
			s.emit(Event{Kind: EventBegin, SessionID: msg.ID})
		case "turn":
			text := strings.TrimSpace(msg.Transcript)
			if text == "" {
				text = strings.TrimSpace(msg.Text)
			}
			if text == "" {
				continue
			}
			s.emit(Event{Kind: EventTurn, Text: text, EndOfTurn: msg.EndOfTurn, Formatted: msg.TurnIsFormatted})
		case "termination":
			s.emit(Event{Kind: EventTermination})
			return
		case "error":
			msgText := strings.TrimSpace(msg.Error)
			if msgText == "" {
				msgText = "backend returned an unknown error"
			}
			s.setErr(errors.New("stt: " + msgText))
			return
		}
	}
}

func (s *wsStream) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.closing:
	}
}

type turnMessage struct {
	Type            string `json:"type"`
	ID              string `json:"id"`
	Transcript      string `json:"transcript"`
	Text            string `json:"text"`
	EndOfTurn       bool   `json:"end_of_turn"`
	TurnIsFormatted bool   `json:"turn_is_formatted"`
	Error           string `json:"error"`
}

func buildStreamURL(base string, cfg StreamConfig) (string, error) {
	base = strings.TrimSpace(base)
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("stt: invalid stream url %q", base)
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("encoding", "pcm_s16le")
	q.Set("format_turns", strconv.FormatBool(cfg.FormatTurns))
	if len(cfg.Keyterms) > 0 {
		b, err := json.Marshal(cfg.Keyterms)
		if err != nil {
			return "", fmt.Errorf("stt: encode keyterms: %w", err)
		}
		q.Set("keyterms_prompt", string(b))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// redact drops the query string, which can be long and carries keyterms.
func redact(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
