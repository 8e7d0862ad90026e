package publish

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/devanshbm/runq/internal/domain"
)

type mockQueue struct {
	mu        sync.Mutex
	ready     bool
	published []domain.Job
	pubErr    error
}

func (m *mockQueue) PublishJob(ctx context.Context, job domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pubErr != nil {
		return m.pubErr
	}
	m.published = append(m.published, job)
	return nil
}

func (m *mockQueue) IsReady() bool { return m.ready }

func (m *mockQueue) publishedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

type mockCache struct {
	mu      sync.Mutex
	entries map[string]domain.CacheEntry
	getErr  error
	setErr  error
}

func newMockCache() *mockCache {
	return &mockCache{entries: make(map[string]domain.CacheEntry)}
}

func (m *mockCache) Get(ctx context.Context, fp string) (*domain.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	if e, ok := m.entries[fp]; ok {
		copied := e
		return &copied, nil
	}
	return nil, nil
}

func (m *mockCache) Set(ctx context.Context, fp string, e domain.CacheEntry, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.entries[fp] = e
	return nil
}

func (m *mockCache) SetIfAbsent(ctx context.Context, fp string, e domain.CacheEntry, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return false, m.setErr
	}
	if _, ok := m.entries[fp]; ok {
		return false, nil
	}
	m.entries[fp] = e
	return true, nil
}

func (m *mockCache) Delete(ctx context.Context, fp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, fp)
	return nil
}

func newPublisher(q *mockQueue, c *mockCache) *Publisher {
	return NewPublisher(q, c, time.Hour)
}

func TestSubmitQueuesNewJob(t *testing.T) {
	q := &mockQueue{ready: true}
	c := newMockCache()
	p := newPublisher(q, c)

	sub, err := p.Submit(context.Background(), "u1", "print(1+1)", "python", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.Status != domain.StatusQueued {
		t.Fatalf("expected QUEUED, got %s", sub.Status)
	}
	if sub.Token != domain.Fingerprint("python", "print(1+1)") {
		t.Fatalf("token is not the fingerprint: %s", sub.Token)
	}
	if q.publishedCount() != 1 {
		t.Fatalf("expected one publish, got %d", q.publishedCount())
	}
	job := q.published[0]
	if job.ID == "" || job.UserID != "u1" || job.Language != "python" {
		t.Fatalf("malformed job: %+v", job)
	}

	entry, _ := c.Get(context.Background(), sub.Token)
	if entry == nil || entry.Status != domain.StatusQueued || entry.JobID != job.ID {
		t.Fatalf("QUEUED cache entry missing or wrong: %+v", entry)
	}
}

func TestSubmitDeduplicatesIdenticalCode(t *testing.T) {
	q := &mockQueue{ready: true}
	c := newMockCache()
	p := newPublisher(q, c)

	first, err := p.Submit(context.Background(), "u1", "print(1)", "python", "")
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	second, err := p.Submit(context.Background(), "u2", "print(1)", "python", "")
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}

	if first.Token != second.Token {
		t.Fatalf("both callers must receive the same token: %s vs %s", first.Token, second.Token)
	}
	if q.publishedCount() != 1 {
		t.Fatalf("identical submissions must enqueue exactly one job, got %d", q.publishedCount())
	}
}

func TestSubmitConcurrentIdenticalSubmissionsEnqueueOnce(t *testing.T) {
	q := &mockQueue{ready: true}
	c := newMockCache()
	p := newPublisher(q, c)

	const callers = 16
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub, err := p.Submit(context.Background(), "u", "print(2)", "python", "")
			if err != nil {
				t.Errorf("Submit: %v", err)
				return
			}
			tokens[i] = sub.Token
		}(i)
	}
	wg.Wait()

	if q.publishedCount() != 1 {
		t.Fatalf("racing identical submissions must collapse to one job, got %d", q.publishedCount())
	}
	for _, tok := range tokens {
		if tok != tokens[0] {
			t.Fatalf("callers diverged on token: %v", tokens)
		}
	}
}

func TestSubmitReturnsCachedTerminalResult(t *testing.T) {
	q := &mockQueue{ready: true}
	c := newMockCache()
	fp := domain.Fingerprint("python", "print(3)")
	c.entries[fp] = domain.CacheEntry{
		JobID:  "j-done",
		Status: domain.StatusCompleted,
		Output: "3",
	}
	p := newPublisher(q, c)

	sub, err := p.Submit(context.Background(), "u1", "print(3)", "python", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.Status != domain.StatusCompleted {
		t.Fatalf("expected cached COMPLETED, got %s", sub.Status)
	}
	if sub.Result == nil || sub.Result.Output != "3" {
		t.Fatalf("cached result not returned: %+v", sub.Result)
	}
	if q.publishedCount() != 0 {
		t.Fatal("cache hit must not enqueue")
	}
}

func TestSubmitRejectsDangerousCode(t *testing.T) {
	q := &mockQueue{ready: true}
	p := newPublisher(q, newMockCache())

	_, err := p.Submit(context.Background(), "u1", "import os\nos.system('rm -rf /')", "python", "")
	if !errors.Is(err, domain.ErrSecurityRejected) {
		t.Fatalf("expected ErrSecurityRejected, got %v", err)
	}
	if q.publishedCount() != 0 {
		t.Fatal("rejected code must not be enqueued")
	}
}

func TestSubmitRejectsRestrictedLanguageAPI(t *testing.T) {
	q := &mockQueue{ready: true}
	p := newPublisher(q, newMockCache())

	_, err := p.Submit(context.Background(), "u1", "new java.lang.ProcessBuilder()", "java", "")
	if !errors.Is(err, domain.ErrSecurityRejected) {
		t.Fatalf("expected ErrSecurityRejected, got %v", err)
	}
}

func TestSubmitBrokerUnavailable(t *testing.T) {
	q := &mockQueue{ready: false}
	p := newPublisher(q, newMockCache())

	_, err := p.Submit(context.Background(), "u1", "print(1)", "python", "")
	if !errors.Is(err, domain.ErrBrokerUnavailable) {
		t.Fatalf("expected ErrBrokerUnavailable, got %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	q := &mockQueue{ready: true}
	p := newPublisher(q, newMockCache())

	if _, err := p.Submit(context.Background(), "u1", "", "python", ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("empty code: expected ErrValidation, got %v", err)
	}
	if _, err := p.Submit(context.Background(), "u1", "print(1)", "fortran", ""); !errors.Is(err, domain.ErrUnsupportedLanguage) {
		t.Fatalf("expected ErrUnsupportedLanguage, got %v", err)
	}
}

func TestSubmitReleasesClaimOnPublishFailure(t *testing.T) {
	q := &mockQueue{ready: true, pubErr: errors.New("channel closed")}
	c := newMockCache()
	p := newPublisher(q, c)

	_, err := p.Submit(context.Background(), "u1", "print(1)", "python", "")
	if err == nil {
		t.Fatal("expected publish failure to surface")
	}

	fp := domain.Fingerprint("python", "print(1)")
	if entry, _ := c.Get(context.Background(), fp); entry != nil {
		t.Fatal("claim must be released when the job never reached the queue")
	}
}

func TestSubmitSurvivesCacheOutage(t *testing.T) {
	q := &mockQueue{ready: true}
	c := newMockCache()
	c.getErr = errors.New("redis down")
	c.setErr = errors.New("redis down")
	p := newPublisher(q, c)

	sub, err := p.Submit(context.Background(), "u1", "print(9)", "python", "")
	if err != nil {
		t.Fatalf("cache outage must not fail the request: %v", err)
	}
	if sub.Status != domain.StatusQueued {
		t.Fatalf("expected QUEUED, got %s", sub.Status)
	}
	if q.publishedCount() != 1 {
		t.Fatal("job must be published on the authoritative path despite cache failure")
	}
}
