package publish

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/devanshbm/runq/internal/domain"
	"github.com/devanshbm/runq/internal/metrics"
	"github.com/devanshbm/runq/internal/sandbox"
)

// maxCodeSize bounds submission size in bytes.
const maxCodeSize = 10000

// Queue is the publish-side slice of the broker the Publisher depends on.
type Queue interface {
	PublishJob(ctx context.Context, job domain.Job) error
	IsReady() bool
}

// Submission is what a caller gets back for a submit: the content-addressed
// token to poll or subscribe with, the current status, and the cached result
// when one already exists.
type Submission struct {
	Token  string             `json:"code_token"`
	Status domain.Status      `json:"status"`
	Result *domain.CacheEntry `json:"result,omitempty"`
}

// Publisher accepts execution requests, deduplicates them against the
// result cache and enqueues a job when no prior submission covers them.
type Publisher struct {
	queue Queue
	cache domain.ResultCache
	ttl   time.Duration
}

// NewPublisher wires a publisher to its broker and cache.
func NewPublisher(queue Queue, cache domain.ResultCache, resultTTL time.Duration) *Publisher {
	return &Publisher{queue: queue, cache: cache, ttl: resultTTL}
}

// Submit validates and screens the request, short-circuits on a cache hit
// and otherwise publishes a new job. Duplicate submissions of identical
// (language, code) collapse to one job via the fingerprint claim; that cache
// check is the deduplication device, not a database constraint.
func (p *Publisher) Submit(ctx context.Context, userID, code, language, snippetID string) (Submission, error) {
	if code == "" {
		return Submission{}, fmt.Errorf("%w: code is required", domain.ErrValidation)
	}
	if len(code) > maxCodeSize {
		return Submission{}, fmt.Errorf("%w: code exceeds %d bytes", domain.ErrValidation, maxCodeSize)
	}
	lang, err := sandbox.Normalize(language)
	if err != nil {
		return Submission{}, err
	}

	fingerprint := domain.Fingerprint(lang, code)

	// Cache-aside read: any existing entry, terminal or in flight, answers
	// the submission without a new enqueue.
	entry, err := p.cache.Get(ctx, fingerprint)
	if err != nil {
		slog.Error("cache lookup failed, proceeding without dedup", "token", fingerprint, "error", err)
	}
	if entry != nil {
		metrics.CacheEvents.WithLabelValues("hit").Inc()
		slog.Info("cache hit", "token", fingerprint, "status", entry.Status)
		return Submission{Token: fingerprint, Status: entry.Status, Result: entry}, nil
	}
	metrics.CacheEvents.WithLabelValues("miss").Inc()

	if err := screenCode(code, lang); err != nil {
		slog.Warn("submission rejected by security screen", "userId", userID, "language", lang)
		return Submission{}, err
	}

	if !p.queue.IsReady() {
		return Submission{}, domain.ErrBrokerUnavailable
	}

	job := domain.Job{
		ID:            uuid.NewString(),
		UserID:        userID,
		Code:          code,
		Language:      lang,
		CodeSnippetID: snippetID,
		Timestamp:     time.Now().UnixMilli(),
	}

	// Claim the fingerprint before publishing so two racing identical
	// submissions produce exactly one job. The loser reads the winner's
	// entry and returns its token.
	claimed, err := p.cache.SetIfAbsent(ctx, fingerprint, domain.CacheEntry{
		JobID:  job.ID,
		Status: domain.StatusQueued,
	}, p.ttl)
	if err != nil {
		// Cache down: dedup degrades, correctness does not. Publish anyway.
		slog.Error("cache claim failed, publishing without dedup", "token", fingerprint, "error", err)
		claimed = true
	}
	if !claimed {
		existing, err := p.cache.Get(ctx, fingerprint)
		if err == nil && existing != nil {
			slog.Info("lost dedup race, returning existing submission", "token", fingerprint)
			return Submission{Token: fingerprint, Status: existing.Status, Result: existing}, nil
		}
		// Claim lost but entry unreadable; fall through and publish rather
		// than fail the caller.
	}

	if err := p.queue.PublishJob(ctx, job); err != nil {
		// Release the claim so a retry is not deduplicated against a job
		// that never reached the queue.
		if delErr := p.cache.Delete(ctx, fingerprint); delErr != nil {
			slog.Error("failed to release claim after publish failure", "token", fingerprint, "error", delErr)
		}
		return Submission{}, err
	}

	slog.Info("job queued", "jobId", job.ID, "userId", userID, "language", lang, "token", fingerprint)
	return Submission{Token: fingerprint, Status: domain.StatusQueued}, nil
}
