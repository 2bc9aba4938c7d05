package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"hookbeat/internal/core"
)

func newTestDispatcher(st Store, opts Options) *Dispatcher {
	policy := NewRetryPolicy(core.ConstantBackoff{Interval: time.Millisecond}, nil, zerolog.Nop())
	return NewDispatcher(st, NewCaller(4096), policy, zerolog.Nop(), opts)
}

func TestRunTaskDeliversAndParksOneShot(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	now := time.Now().UTC()
	task := onceTask("tsk_1", 3, now.Add(-time.Second))
	task.URL = srv.URL
	st := newFakeStore(task)
	d := newTestDispatcher(st, Options{Workers: 1, MissedAfter: time.Hour})

	claimed, err := st.ClaimDue(context.Background(), now, 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimDue = %v tasks, err %v", len(claimed), err)
	}
	d.runTask(context.Background(), claimed[0], now)

	if hits.Load() != 1 {
		t.Fatalf("target hit %d times, want 1", hits.Load())
	}
	execs := st.taskExecutions(task.ID)
	if len(execs) != 1 || execs[0].Status != core.ExecutionStatusSuccess {
		t.Fatalf("expected single successful execution, got %+v", execs)
	}
	if got := st.task(task.ID); got.NextRunAt != nil {
		t.Fatalf("one-shot task rescheduled at %v", got.NextRunAt)
	}
}

func TestRunTaskRetriesUntilExhaustion(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	now := time.Now().UTC()
	const budget = 2
	task := onceTask("tsk_1", budget, now.Add(-time.Second))
	task.URL = srv.URL
	st := newFakeStore(task)
	d := newTestDispatcher(st, Options{Workers: 1, MissedAfter: time.Hour})

	// Each pass claims the task, runs the pending attempt and either
	// schedules the next retry or goes terminal.
	for i := 0; i < budget+1; i++ {
		claimed, err := st.ClaimDue(context.Background(), time.Now().UTC().Add(time.Minute), 10)
		if err != nil {
			t.Fatalf("ClaimDue: %v", err)
		}
		if len(claimed) != 1 {
			t.Fatalf("pass %d claimed %d tasks, want 1", i, len(claimed))
		}
		d.runTask(context.Background(), claimed[0], time.Now().UTC())
	}

	if int(hits.Load()) != budget+1 {
		t.Fatalf("target hit %d times, want %d", hits.Load(), budget+1)
	}
	execs := st.taskExecutions(task.ID)
	if len(execs) != budget+1 {
		t.Fatalf("execution rows = %d, want %d", len(execs), budget+1)
	}
	got := st.task(task.ID)
	if !got.Failing {
		t.Fatal("task not failing after exhaustion")
	}
	if got.NextRunAt != nil {
		t.Fatal("exhausted one-shot still scheduled")
	}
}

func TestRunTaskFinishesAfterShutdownCancel(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(150 * time.Millisecond)
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	now := time.Now().UTC()
	task := onceTask("tsk_1", 3, now.Add(-time.Second))
	task.URL = srv.URL
	task.TimeoutMs = 10000
	st := newFakeStore(task)
	d := newTestDispatcher(st, Options{Workers: 1, MissedAfter: time.Hour})

	claimed, _ := st.ClaimDue(context.Background(), now, 10)
	if len(claimed) != 1 {
		t.Fatalf("claimed %d tasks, want 1", len(claimed))
	}

	// Cancel the run context while the call is in flight, as a SIGTERM
	// would. The delivery must complete on its own deadline and record a
	// success, not a cancellation-shaped failure.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.runTask(ctx, claimed[0], now)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if hits.Load() != 1 {
		t.Fatalf("target hit %d times, want 1", hits.Load())
	}
	execs := st.taskExecutions(task.ID)
	if len(execs) != 1 {
		t.Fatalf("execution rows = %d, want 1", len(execs))
	}
	if execs[0].Status != core.ExecutionStatusSuccess {
		t.Fatalf("execution status = %s, want success (err %v)", execs[0].Status, execs[0].Error)
	}
	if got := st.task(task.ID); got.Failing {
		t.Fatal("cancelled shutdown consumed a retry and marked the task failing")
	}
}

func TestRunTaskMarksOverdueAsMissed(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	now := time.Now().UTC()
	task := onceTask("tsk_1", 3, now.Add(-time.Hour))
	task.URL = srv.URL
	st := newFakeStore(task)
	d := newTestDispatcher(st, Options{Workers: 1, MissedAfter: 5 * time.Minute})

	claimed, _ := st.ClaimDue(context.Background(), now, 10)
	if len(claimed) != 1 {
		t.Fatalf("claimed %d tasks, want 1", len(claimed))
	}
	d.runTask(context.Background(), claimed[0], now)

	if hits.Load() != 0 {
		t.Fatalf("missed task still dispatched %d calls", hits.Load())
	}
	execs := st.taskExecutions(task.ID)
	if len(execs) != 1 || execs[0].Status != core.ExecutionStatusMissed {
		t.Fatalf("expected single missed execution, got %+v", execs)
	}
}

func TestClaimDueIsExclusive(t *testing.T) {
	now := time.Now().UTC()
	task := onceTask("tsk_1", 0, now.Add(-time.Second))
	st := newFakeStore(task)

	first, err := st.ClaimDue(context.Background(), now, 10)
	if err != nil || len(first) != 1 {
		t.Fatalf("first claim = %d tasks, err %v", len(first), err)
	}
	second, err := st.ClaimDue(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("second claim won %d tasks, want 0", len(second))
	}
}
