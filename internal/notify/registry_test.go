package notify

import (
	"errors"
	"sync"
	"testing"

	"github.com/devanshbm/runq/internal/domain"
)

type fakeConn struct {
	mu       sync.Mutex
	messages []CompletionMessage
	err      error
}

func (f *fakeConn) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, v.(CompletionMessage))
	return nil
}

func result(jobID string) domain.JobResult {
	return domain.JobResult{
		JobID:           jobID,
		Success:         true,
		Output:          "2",
		ExecutionTimeMs: 10,
		Status:          domain.StatusCompleted,
	}
}

func TestNotifyDeliversOnceAndRemovesSubscription(t *testing.T) {
	r := NewRegistry()
	conn := &fakeConn{}
	r.Subscribe("j1", conn)

	r.Notify(result("j1"))
	r.Notify(result("j1")) // second event has no subscription left

	if len(conn.messages) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(conn.messages))
	}
	msg := conn.messages[0]
	if msg.Type != "job_completed" || msg.JobID != "j1" || !msg.Success {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.Error != nil {
		t.Fatalf("successful result should carry a null error, got %v", *msg.Error)
	}
	if len(r.ActiveSubscriptions()) != 0 {
		t.Fatal("subscription must be removed on delivery")
	}
}

func TestNotifyWithoutSubscriberDiscards(t *testing.T) {
	r := NewRegistry()
	// Must not panic or block.
	r.Notify(result("unknown"))
}

func TestNotifyDeadHandleDropsAndCleansUp(t *testing.T) {
	r := NewRegistry()
	conn := &fakeConn{err: errors.New("connection reset")}
	r.Subscribe("j2", conn)

	r.Notify(result("j2"))

	if len(r.ActiveSubscriptions()) != 0 {
		t.Fatal("dead subscription must be cleaned up after a failed write")
	}
}

func TestNotifyCarriesFailureResult(t *testing.T) {
	r := NewRegistry()
	conn := &fakeConn{}
	r.Subscribe("j3", conn)

	res := domain.JobResult{
		JobID:   "j3",
		Success: false,
		Error:   "compilation error: expected ';'",
		Status:  domain.StatusFailed,
	}
	r.Notify(res)

	if len(conn.messages) != 1 {
		t.Fatalf("expected one delivery, got %d", len(conn.messages))
	}
	msg := conn.messages[0]
	if msg.Success || msg.Status != domain.StatusFailed {
		t.Fatalf("failure result mangled: %+v", msg)
	}
	if msg.Error == nil || *msg.Error != res.Error {
		t.Fatalf("error text not carried: %+v", msg.Error)
	}
}

func TestUnsubscribeSweepsAllJobsForConnection(t *testing.T) {
	r := NewRegistry()
	closing := &fakeConn{}
	staying := &fakeConn{}
	r.Subscribe("j1", closing)
	r.Subscribe("j2", closing)
	r.Subscribe("j3", staying)

	r.Unsubscribe(closing)

	subs := r.ActiveSubscriptions()
	if len(subs) != 1 || subs[0] != "j3" {
		t.Fatalf("expected only j3 to remain, got %v", subs)
	}

	r.Notify(result("j1"))
	if len(closing.messages) != 0 {
		t.Fatal("no delivery may be attempted on an unsubscribed connection")
	}
}
