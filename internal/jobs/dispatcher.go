package jobs

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"transit_ingest/internal/importer"
	"transit_ingest/internal/pipeline"
)

// Kind names a job type.
type Kind string

const (
	KindCollection Kind = "collection"
	KindImport     Kind = "import"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Ack acknowledges a triggered job.
type Ack struct {
	JobID      string    `json:"job_id"`
	Kind       Kind      `json:"kind"`
	Status     Status    `json:"status"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// Event reports a job state change. Notifiers see the running and final
// states; the accepted state is returned to the caller as an Ack.
type Event struct {
	JobID      string     `json:"job_id"`
	Kind       Kind       `json:"kind"`
	Status     Status     `json:"status"`
	AcceptedAt time.Time  `json:"accepted_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
	Result     any        `json:"result,omitempty"`
}

// Runner executes the pipelines.
type Runner interface {
	RunCollection(ctx context.Context) (*pipeline.CollectionReport, error)
	RunImport(ctx context.Context) (*importer.Result, error)
}

// Notifier receives job events.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(ev Event) { f(ev) }

// historySize bounds the number of jobs kept for Lookup.
const historySize = 256

// Dispatcher turns triggers into pool jobs.
type Dispatcher struct {
	pool   *Pool
	runner Runner
	logger *log.Logger

	now   func() time.Time
	newID func() string

	mu        sync.Mutex
	notifiers []Notifier
	jobs      map[string]Event
	order     []string
}

// NewDispatcher creates a dispatcher submitting to pool.
func NewDispatcher(pool *Pool, runner Runner, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		pool:   pool,
		runner: runner,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
		jobs:   make(map[string]Event),
	}
}

// AddNotifier registers n for every subsequent event.
func (d *Dispatcher) AddNotifier(n Notifier) {
	d.mu.Lock()
	d.notifiers = append(d.notifiers, n)
	d.mu.Unlock()
}

// StartCollection queues a collection pipeline run.
func (d *Dispatcher) StartCollection() (Ack, error) {
	return d.start(KindCollection, func(ctx context.Context) (any, error) {
		return d.runner.RunCollection(ctx)
	})
}

// StartImport queues an import of the partition directory.
func (d *Dispatcher) StartImport() (Ack, error) {
	return d.start(KindImport, func(ctx context.Context) (any, error) {
		return d.runner.RunImport(ctx)
	})
}

// Start queues a job of the given kind.
func (d *Dispatcher) Start(kind Kind) (Ack, error) {
	switch kind {
	case KindCollection:
		return d.StartCollection()
	case KindImport:
		return d.StartImport()
	}
	return Ack{}, fmt.Errorf("unknown job kind %q", kind)
}

// Lookup returns the latest event of a recent job.
func (d *Dispatcher) Lookup(id string) (Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ev, ok := d.jobs[id]
	return ev, ok
}

func (d *Dispatcher) start(kind Kind, run func(ctx context.Context) (any, error)) (Ack, error) {
	ack := Ack{
		JobID:      d.newID(),
		Kind:       kind,
		Status:     StatusAccepted,
		AcceptedAt: d.now().UTC(),
	}
	ev := Event{JobID: ack.JobID, Kind: kind, Status: StatusAccepted, AcceptedAt: ack.AcceptedAt}

	// Record before submitting so a fast worker cannot report on an
	// unknown job.
	d.record(ev)

	err := d.pool.Submit(func(ctx context.Context) {
		d.execute(ctx, ev, run)
	})
	if err != nil {
		d.forget(ack.JobID)
		return Ack{}, fmt.Errorf("start %s job: %w", kind, err)
	}

	d.logger.Printf("jobs: %s job %s accepted", kind, ack.JobID)
	return ack, nil
}

func (d *Dispatcher) execute(ctx context.Context, ev Event, run func(ctx context.Context) (any, error)) {
	started := d.now().UTC()
	ev.Status = StatusRunning
	ev.StartedAt = &started
	d.record(ev)
	d.notify(ev)

	result, err := run(ctx)

	finished := d.now().UTC()
	ev.FinishedAt = &finished
	ev.Result = result
	if err != nil {
		ev.Status = StatusFailed
		ev.Error = err.Error()
		d.logger.Printf("jobs: %s job %s failed: %v", ev.Kind, ev.JobID, err)
	} else {
		ev.Status = StatusSucceeded
		d.logger.Printf("jobs: %s job %s finished in %s", ev.Kind, ev.JobID, finished.Sub(started).Round(time.Millisecond))
	}
	d.record(ev)
	d.notify(ev)
}

func (d *Dispatcher) record(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.jobs[ev.JobID]; !ok {
		d.order = append(d.order, ev.JobID)
		if len(d.order) > historySize {
			delete(d.jobs, d.order[0])
			d.order = d.order[1:]
		}
	}
	d.jobs[ev.JobID] = ev
}

func (d *Dispatcher) forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.jobs, id)
	for i, v := range d.order {
		if v == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

func (d *Dispatcher) notify(ev Event) {
	d.mu.Lock()
	notifiers := append([]Notifier(nil), d.notifiers...)
	d.mu.Unlock()
	for _, n := range notifiers {
		n.Notify(ev)
	}
}
