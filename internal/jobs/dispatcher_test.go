package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"transit_ingest/internal/importer"
	"transit_ingest/internal/pipeline"
)

// fakeRunner records which pipelines ran.
type fakeRunner struct {
	mu          sync.Mutex
	collections int
	imports     int
	importErr   error
	block       chan struct{}
}

func (r *fakeRunner) RunCollection(context.Context) (*pipeline.CollectionReport, error) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.collections++
	r.mu.Unlock()
	return &pipeline.CollectionReport{}, nil
}

func (r *fakeRunner) RunImport(context.Context) (*importer.Result, error) {
	r.mu.Lock()
	r.imports++
	r.mu.Unlock()
	if r.importErr != nil {
		return nil, r.importErr
	}
	return &importer.Result{Message: "import finished", TotalPositionsCreated: 3}, nil
}

func (r *fakeRunner) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collections, r.imports
}

func newTestDispatcher(t *testing.T, runner Runner, workers, queue int) (*Dispatcher, *Pool, chan Event) {
	t.Helper()
	pool := NewPool(context.Background(), workers, queue, quiet)
	d := NewDispatcher(pool, runner, quiet)

	fixed := time.Date(2025, 12, 17, 2, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return fixed }
	n := 0
	d.newID = func() string {
		n++
		return fmt.Sprintf("job-%d", n)
	}

	events := make(chan Event, 32)
	d.AddNotifier(NotifierFunc(func(ev Event) { events <- ev }))
	return d, pool, events
}

func waitFinal(t *testing.T, events <-chan Event) Event {
	t.Helper()
	for {
		select {
		case ev := <-events:
			if ev.Status == StatusSucceeded || ev.Status == StatusFailed {
				return ev
			}
		case <-time.After(5 * time.Second):
			t.Fatal("no final event")
		}
	}
}

func TestDispatcher_StartCollection(t *testing.T) {
	runner := &fakeRunner{}
	d, pool, events := newTestDispatcher(t, runner, 2, 4)

	ack, err := d.StartCollection()
	if err != nil {
		t.Fatal(err)
	}
	want := Ack{JobID: "job-1", Kind: KindCollection, Status: StatusAccepted, AcceptedAt: time.Date(2025, 12, 17, 2, 0, 0, 0, time.UTC)}
	if ack != want {
		t.Errorf("ack = %+v, want %+v", ack, want)
	}

	ev := waitFinal(t, events)
	if ev.JobID != "job-1" || ev.Status != StatusSucceeded || ev.StartedAt == nil || ev.FinishedAt == nil {
		t.Errorf("final event = %+v", ev)
	}
	if err := pool.Close(); err != nil {
		t.Fatal(err)
	}

	collections, imports := runner.counts()
	if collections != 1 || imports != 0 {
		t.Errorf("collections=%d imports=%d; collection must not trigger import", collections, imports)
	}

	got, ok := d.Lookup("job-1")
	if !ok || got.Status != StatusSucceeded {
		t.Errorf("Lookup = %+v, %v", got, ok)
	}
}

func TestDispatcher_ImportFailure(t *testing.T) {
	runner := &fakeRunner{importErr: errors.New("commit positions: connection reset")}
	d, pool, events := newTestDispatcher(t, runner, 1, 1)
	defer pool.Close()

	if _, err := d.StartImport(); err != nil {
		t.Fatal(err)
	}
	ev := waitFinal(t, events)
	if ev.Status != StatusFailed || ev.Error != "commit positions: connection reset" || ev.Kind != KindImport {
		t.Errorf("final event = %+v", ev)
	}
}

func TestDispatcher_QueueFull(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	d, pool, events := newTestDispatcher(t, runner, 1, 1)

	if _, err := d.StartCollection(); err != nil {
		t.Fatal(err)
	}
	// Wait for the worker to pick up the first job so the queue is empty.
	for ev := range events {
		if ev.Status == StatusRunning {
			break
		}
	}
	if _, err := d.StartCollection(); err != nil {
		t.Fatal(err)
	}

	_, err := d.StartImport()
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
	if _, ok := d.Lookup("job-3"); ok {
		t.Error("rejected job kept in history")
	}

	close(runner.block)
	if err := pool.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestDispatcher_Start(t *testing.T) {
	d, pool, _ := newTestDispatcher(t, &fakeRunner{}, 1, 4)
	defer pool.Close()

	if ack, err := d.Start(KindImport); err != nil || ack.Kind != KindImport {
		t.Errorf("Start(import) = %+v, %v", ack, err)
	}
	if _, err := d.Start("reindex"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestDispatcher_HistoryBounded(t *testing.T) {
	d := NewDispatcher(nil, nil, quiet)
	for i := 0; i < historySize+10; i++ {
		d.record(Event{JobID: fmt.Sprintf("j%d", i)})
	}
	if len(d.jobs) != historySize || len(d.order) != historySize {
		t.Errorf("history holds %d/%d jobs", len(d.jobs), len(d.order))
	}
	if _, ok := d.Lookup("j0"); ok {
		t.Error("oldest job not evicted")
	}
}
