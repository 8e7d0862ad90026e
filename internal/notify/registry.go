// Package notify holds ephemeral job subscriptions and pushes one-shot
// completion events. Delivery is at-most-once and best-effort: the
// authoritative result is already cached and stored, so a lost notification
// costs timeliness, never data.
package notify

import (
	"log/slog"
	"sync"

	"github.com/devanshbm/runq/internal/domain"
	"github.com/devanshbm/runq/internal/metrics"
)

// Conn is the delivery handle for one subscriber. *websocket.Conn wrapped
// for synchronized writes satisfies it, as do test fakes. A write error
// marks the handle dead.
type Conn interface {
	WriteJSON(v any) error
}

// CompletionMessage is the one-shot push sent when a job finishes.
type CompletionMessage struct {
	Type            string        `json:"type"`
	JobID           string        `json:"jobId"`
	Output          string        `json:"output"`
	Error           *string       `json:"error"`
	Success         bool          `json:"success"`
	ExecutionTimeMs int64         `json:"executionTime"`
	Status          domain.Status `json:"status"`
}

// Registry maps job ids to live delivery handles. Subscriptions live only in
// process memory for the lifetime of a connection: a subscriber that
// reconnects after its job completed misses the event and polls instead.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]Conn
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]Conn)}
}

// Subscribe records the delivery target for a job, replacing any previous one.
func (r *Registry) Subscribe(jobID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[jobID] = conn
	slog.Info("subscribed to job updates", "jobId", jobID)
}

// Notify delivers a single completion event to the job's subscriber, if one
// exists, and removes the subscription. Missing or dead handles are logged
// and the event is discarded.
func (r *Registry) Notify(result domain.JobResult) {
	r.mu.Lock()
	conn, ok := r.subs[result.JobID]
	if ok {
		delete(r.subs, result.JobID)
	}
	r.mu.Unlock()

	if !ok {
		slog.Warn("no subscription for completed job", "jobId", result.JobID)
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		return
	}

	msg := CompletionMessage{
		Type:            "job_completed",
		JobID:           result.JobID,
		Output:          result.Output,
		Success:         result.Success,
		ExecutionTimeMs: result.ExecutionTimeMs,
		Status:          result.Status,
	}
	if result.Error != "" {
		msg.Error = &result.Error
	}

	if err := conn.WriteJSON(msg); err != nil {
		slog.Error("failed to push completion, dropping", "jobId", result.JobID, "error", err)
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		return
	}
	metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
	slog.Info("completion pushed", "jobId", result.JobID)
}

// Unsubscribe removes every job mapped to a closing connection so no
// delivery is attempted against a dead handle.
func (r *Registry) Unsubscribe(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for jobID, c := range r.subs {
		if c == conn {
			delete(r.subs, jobID)
			slog.Info("removed subscription for closed connection", "jobId", jobID)
		}
	}
}

// ActiveSubscriptions returns the currently subscribed job ids.
func (r *Registry) ActiveSubscriptions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.subs))
	for jobID := range r.subs {
		ids = append(ids, jobID)
	}
	return ids
}
