// Package stt is the contract with the streaming speech-to-text backend and
// a websocket implementation of its turn protocol.
package stt

import (
	"context"
	"errors"
)

var (
	ErrMissingAPIKey = errors.New("stt: api key is not configured")
	ErrStreamClosed  = errors.New("stt: stream is closed")
)

type EventKind int

const (
	EventBegin EventKind = iota
	EventTurn
	EventTermination
)

func (k EventKind) String() string {
	switch k {
	case EventBegin:
		return "begin"
	case EventTurn:
		return "turn"
	case EventTermination:
		return "termination"
	}
	return "unknown"
}

// Event is one message from the backend. Text, EndOfTurn and Formatted are
// only meaningful for EventTurn.
type Event struct {
	Kind      EventKind
	SessionID string
	Text      string
	EndOfTurn bool
	Formatted bool
}

// StreamConfig is fixed for the lifetime of a stream. Changing any field
// means opening a new stream.
type StreamConfig struct {
	SampleRate  int
	FormatTurns bool
	Keyterms    []string
}

// Backend opens streams. Open must honor ctx for the connection phase only.
type Backend interface {
	Open(ctx context.Context, cfg StreamConfig) (Stream, error)
}

// Stream is a live bidirectional channel. Send is fire-and-forget. Events is
// closed when the stream ends; Done is closed at the same time and Err then
// reports the abnormal cause, or nil for a normal close.
//
// CloseSend stops accepting audio and asks the backend to terminate while
// Events keeps delivering the remaining turns until the backend ends the
// stream. Close drops the connection at once and discards undelivered events.
type Stream interface {
	Send(chunk []byte) error
	Events() <-chan Event
	Done() <-chan struct{}
	Err() error
	CloseSend() error
	Close() error
}
