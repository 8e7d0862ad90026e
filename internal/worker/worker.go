package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/devanshbm/runq/internal/domain"
	"github.com/devanshbm/runq/internal/metrics"
	"github.com/devanshbm/runq/internal/storage"
)

// Consumer is the consume-side slice of the broker the worker depends on.
type Consumer interface {
	Consume(ctx context.Context) (<-chan amqp.Delivery, error)
}

// Worker drives the long-lived consume loop: it pulls deliveries from the
// main queue at a bounded concurrency, runs the sandbox executor and settles
// every delivery as acknowledged or dead-lettered — never silently dropped.
type Worker struct {
	queue       Consumer
	exec        domain.Executor
	cache       domain.ResultCache
	store       storage.ResultStore
	results     domain.ResultBroadcaster
	ttl         time.Duration
	concurrency int
}

// New wires a worker. concurrency should match the broker prefetch; the
// default of 1 fully serializes execution per worker instance.
func New(queue Consumer, exec domain.Executor, cache domain.ResultCache, store storage.ResultStore, results domain.ResultBroadcaster, resultTTL time.Duration, concurrency int) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		queue:       queue,
		exec:        exec,
		cache:       cache,
		store:       store,
		results:     results,
		ttl:         resultTTL,
		concurrency: concurrency,
	}
}

// Run consumes until the context is cancelled or the delivery stream closes.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.queue.Consume(ctx)
	if err != nil {
		return fmt.Errorf("binding consumer: %w", err)
	}
	slog.Info("worker consuming", "concurrency", w.concurrency)

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for d := range deliveries {
				w.handle(ctx, d)
			}
			slog.Info("worker loop stopped", "workerId", id)
		}(i)
	}
	wg.Wait()
	return nil
}

// handle settles exactly one delivery. An execution failure (compile error,
// non-zero exit, time limit) is a completed job carrying a failure result
// and is acknowledged; only infrastructure failures dead-letter the message.
func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	job, err := decodeJob(d.Body)
	if err != nil {
		// A payload that cannot be parsed can never succeed; reject it
		// permanently instead of cycling it through retries.
		slog.Error("rejecting malformed job payload", "messageId", d.MessageId, "error", err)
		w.settle(d.Reject(false), d.MessageId)
		metrics.JobsTotal.WithLabelValues("rejected").Inc()
		return
	}

	slog.Info("processing job", "jobId", job.ID, "userId", job.UserID, "language", job.Language)
	fingerprint := domain.Fingerprint(job.Language, job.Code)

	if err := w.cache.Set(ctx, fingerprint, domain.CacheEntry{
		JobID:  job.ID,
		Status: domain.StatusProcessing,
	}, w.ttl); err != nil {
		slog.Error("failed to mark job processing in cache", "jobId", job.ID, "error", err)
	}

	res, err := w.exec.Execute(ctx, job.Code, job.Language)
	if err != nil {
		// This job will never produce a result; release the fingerprint claim
		// so an identical resubmission can re-enqueue instead of deduplicating
		// against a dead entry for the full TTL.
		if delErr := w.cache.Delete(ctx, fingerprint); delErr != nil {
			slog.Error("failed to release claim for dead job", "jobId", job.ID, "error", delErr)
		}

		if errors.Is(err, domain.ErrUnsupportedLanguage) {
			slog.Error("rejecting job with unsupported language", "jobId", job.ID, "language", job.Language)
			w.settle(d.Reject(false), job.ID)
			metrics.JobsTotal.WithLabelValues("rejected").Inc()
			return
		}
		// Infrastructure failure: dead-letter, do not retry in place.
		slog.Error("dead-lettering job after infrastructure failure", "jobId", job.ID, "error", err)
		w.settle(d.Nack(false, false), job.ID)
		metrics.JobsTotal.WithLabelValues("dead_lettered").Inc()
		return
	}

	metrics.ExecutionDuration.Observe(float64(res.ExecutionTimeMs) / 1000)

	status := domain.StatusCompleted
	outcome := "completed"
	if !res.Success {
		status = domain.StatusFailed
		outcome = "failed"
	}
	result := domain.JobResult{
		JobID:           job.ID,
		Success:         res.Success,
		Output:          res.Output,
		Error:           res.Error,
		ExecutionTimeMs: res.ExecutionTimeMs,
		Status:          status,
		CompletedAt:     time.Now().UTC(),
	}

	// Independent best-effort writes; the two stores are never reconciled,
	// divergence is only logged.
	if err := w.cache.Set(ctx, fingerprint, domain.CacheEntry{
		JobID:           job.ID,
		Status:          status,
		Output:          res.Output,
		Error:           res.Error,
		ExecutionTimeMs: res.ExecutionTimeMs,
	}, w.ttl); err != nil {
		slog.Error("failed to cache result", "jobId", job.ID, "error", err)
	}
	if err := w.store.SaveResult(ctx, result); err != nil {
		slog.Error("failed to persist result", "jobId", job.ID, "error", err)
	}

	w.settle(d.Ack(false), job.ID)
	metrics.JobsTotal.WithLabelValues(outcome).Inc()

	if err := w.results.Broadcast(ctx, result); err != nil {
		// Notification loss costs timeliness, not data; the result is
		// already cached and stored.
		slog.Error("failed to broadcast completion", "jobId", job.ID, "error", err)
	}

	slog.Info("job settled", "jobId", job.ID, "success", res.Success, "executionMs", res.ExecutionTimeMs)
}

func (w *Worker) settle(err error, jobID string) {
	if err != nil {
		slog.Error("failed to settle delivery", "jobId", jobID, "error", err)
	}
}

// decodeJob strictly decodes a queue payload; schema mismatches are errors
// so the caller can reject rather than crash.
func decodeJob(body []byte) (domain.Job, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	var job domain.Job
	if err := dec.Decode(&job); err != nil {
		return domain.Job{}, fmt.Errorf("decoding job payload: %w", err)
	}
	if job.ID == "" || job.Code == "" || job.Language == "" {
		return domain.Job{}, fmt.Errorf("job payload missing required fields")
	}
	return job, nil
}
