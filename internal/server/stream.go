package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cwbudde/polcomp/internal/search"
	"github.com/cwbudde/polcomp/internal/store"
)

// StreamEvent is one SSE message. Event is set for search progress, Outcome
// once the run has finished.
type StreamEvent struct {
	RunID     string          `json:"runId"`
	Status    store.Status    `json:"status"`
	Event     *search.Event   `json:"event,omitempty"`
	Outcome   *search.Outcome `json:"outcome,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventBroadcaster fans run events out to SSE clients.
type EventBroadcaster struct {
	mu        sync.Mutex
	clients   map[string]map[chan StreamEvent]bool // runID -> set of client channels
	lastEvent map[string]StreamEvent               // runID -> last event for new clients
}

// NewEventBroadcaster creates an empty broadcaster.
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		clients:   make(map[string]map[chan StreamEvent]bool),
		lastEvent: make(map[string]StreamEvent),
	}
}

// Subscribe registers a client for runID and replays the last event.
func (eb *EventBroadcaster) Subscribe(runID string) chan StreamEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan StreamEvent, 64)

	if eb.clients[runID] == nil {
		eb.clients[runID] = make(map[chan StreamEvent]bool)
	}
	eb.clients[runID][ch] = true

	if last, ok := eb.lastEvent[runID]; ok {
		ch <- last
	}

	slog.Debug("SSE client subscribed", "run_id", runID, "total_clients", len(eb.clients[runID]))
	return ch
}

// Unsubscribe removes a client. Channels already closed by CleanupRun are
// left alone.
func (eb *EventBroadcaster) Unsubscribe(runID string, ch chan StreamEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	clients, ok := eb.clients[runID]
	if !ok || !clients[ch] {
		return
	}
	delete(clients, ch)
	close(ch)
	if len(clients) == 0 {
		delete(eb.clients, runID)
	}

	slog.Debug("SSE client unsubscribed", "run_id", runID)
}

// Broadcast sends event to every client of its run without blocking.
func (eb *EventBroadcaster) Broadcast(event StreamEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.lastEvent[event.RunID] = event

	for ch := range eb.clients[event.RunID] {
		select {
		case ch <- event:
		default:
			slog.Warn("SSE channel full, skipping event", "run_id", event.RunID)
		}
	}
}

// CleanupRun closes all client channels of runID and forgets its last event.
func (eb *EventBroadcaster) CleanupRun(runID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for ch := range eb.clients[runID] {
		close(ch)
	}
	delete(eb.clients, runID)
	delete(eb.lastEvent, runID)
	slog.Debug("Cleaned up SSE resources", "run_id", runID)
}

// Clients returns the number of subscribers of runID.
func (eb *EventBroadcaster) Clients(runID string) int {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	return len(eb.clients[runID])
}

// handleRunStream serves GET /api/v1/runs/{id}/events.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request, runID string) {
	report, exists := s.runs.Get(runID)
	if !exists {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	eventChan := s.runs.Broadcaster().Subscribe(runID)
	defer s.runs.Broadcaster().Unsubscribe(runID, eventChan)

	// Re-read after subscribing so a run that finished in between is not
	// missed.
	report, _ = s.runs.Get(runID)
	if err := writeSSEEvent(w, statusEvent(report)); err != nil {
		slog.Error("Failed to write initial SSE event", "error", err)
		return
	}
	flusher.Flush()
	if report.Status.Terminal() {
		return
	}

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("SSE client disconnected", "run_id", runID)
			return

		case event, ok := <-eventChan:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				slog.Error("Failed to write SSE event", "error", err)
				return
			}
			flusher.Flush()
			if event.Event == nil && event.Status.Terminal() {
				return
			}

		case <-pingTicker.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func statusEvent(r store.Report) StreamEvent {
	return StreamEvent{
		RunID:     r.RunID,
		Status:    r.Status,
		Outcome:   r.Outcome,
		Error:     r.Error,
		Timestamp: time.Now(),
	}
}

// writeSSEEvent writes event as "event: <type>\ndata: <json>\n\n".
func writeSSEEvent(w http.ResponseWriter, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	name := "status"
	if event.Event != nil {
		name = string(event.Event.Kind)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
