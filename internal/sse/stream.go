// Package sse carries one chat turn's event stream from the pipeline
// to the HTTP writer. Unlike a broadcast hub, a stream has exactly one
// producer (the orchestrator) and one consumer (the response writer).
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/yungbote/ipsibridge-backend/internal/logger"
)

type EventType string

const (
	EventStatus EventType = "status"
	EventChunk  EventType = "chunk"
	EventDone   EventType = "done"
	EventError  EventType = "error"
)

// Pipeline step names carried on status events. Clients must tolerate
// values outside this set.
const (
	StepRouter         = "router"
	StepFunctions      = "functions"
	StepFunctionResult = "function_result"
	StepSynthesizer    = "synthesizer"
)

type Event struct {
	Type   EventType      `json:"type"`
	Step   string         `json:"step,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
	Text   string         `json:"text,omitempty"`

	Sources    []string         `json:"sources,omitempty"`
	SourceURLs []string         `json:"source_urls,omitempty"`
	UsedChunks []string         `json:"used_chunks,omitempty"`
	Timing     map[string]int64 `json:"timing,omitempty"`

	Message string `json:"message,omitempty"`
}

// Stream is the bounded event channel for one turn. Send blocks when
// the writer lags, which backpressures the pipeline instead of
// dropping events.
type Stream struct {
	ch chan Event

	mu     sync.Mutex
	closed bool
}

const defaultBuffer = 16

func NewStream() *Stream {
	return &Stream{ch: make(chan Event, defaultBuffer)}
}

func (s *Stream) Events() <-chan Event { return s.ch }

// Send delivers an event unless the turn was cancelled or the stream
// already closed.
func (s *Stream) Send(ctx context.Context, ev Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	select {
	case s.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Stream) Status(ctx context.Context, step string, detail map[string]any) bool {
	return s.Send(ctx, Event{Type: EventStatus, Step: step, Detail: detail})
}

func (s *Stream) Chunk(ctx context.Context, text string) bool {
	return s.Send(ctx, Event{Type: EventChunk, Text: text})
}

func (s *Stream) Done(ctx context.Context, sources, sourceURLs, usedChunks []string, timing map[string]int64) bool {
	if sources == nil {
		sources = []string{}
	}
	if sourceURLs == nil {
		sourceURLs = []string{}
	}
	if usedChunks == nil {
		usedChunks = []string{}
	}
	return s.Send(ctx, Event{
		Type:       EventDone,
		Sources:    sources,
		SourceURLs: sourceURLs,
		UsedChunks: usedChunks,
		Timing:     timing,
	})
}

func (s *Stream) Error(ctx context.Context, message string) bool {
	return s.Send(ctx, Event{Type: EventError, Message: message})
}

// Close ends the stream; the writer loop drains and returns. Safe to
// call more than once.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Serve writes the stream to an SSE response until the stream closes
// or the client disconnects. It is the stream's sole consumer.
func Serve(w http.ResponseWriter, r *http.Request, stream *Stream, log *logger.Logger) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected", "err", ctx.Err())
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-stream.Events():
			if !open {
				return
			}
			raw, err := json.Marshal(ev)
			if err != nil {
				log.Warn("failed to marshal SSE event", "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", string(raw))
			flusher.Flush()
		}
	}
}
