// Package engine runs broadcast tasks.
//
// A Registry starts one worker goroutine per task and hands back an opaque
// id. The id is the only handle for monitoring (Status, Info) and
// cancellation (Stop). Cancellation is cooperative: the worker notices the
// signal before its next credential or while it sleeps between two of them.
//
// Finished entries are not removed when a task is stopped. An entry is
// reclaimed only once its worker has exited and Info has reported it as
// terminated, so a caller polling liveness always gets to see the final state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guido-cesarano/broadcastq/pkg/logger"
	"github.com/guido-cesarano/broadcastq/pkg/status"
	"github.com/guido-cesarano/broadcastq/pkg/tasks"
	"github.com/robfig/cron/v3"
)

// ErrShuttingDown is returned by Start once Shutdown has been called.
var ErrShuttingDown = errors.New("registry is shutting down")

// Options tunes worker behavior.
type Options struct {
	// MinPacing is the floor applied to every task's pacing interval.
	MinPacing time.Duration
	// RecoveryPause is the first extra pause after a collaborator fault.
	RecoveryPause time.Duration
	// MaxRecoveryPause caps the extra pause while faults keep coming.
	MaxRecoveryPause time.Duration
	// DegradedAfter is the number of consecutive failed status writes after
	// which a task is flagged degraded. Zero disables the flag.
	DegradedAfter int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MinPacing:        10 * time.Second,
		RecoveryPause:    10 * time.Second,
		MaxRecoveryPause: 2 * time.Minute,
		DegradedAfter:    5,
	}
}

// Task states reported by Info.
const (
	StateRunning    = "running"
	StateStopping   = "stopping"
	StateTerminated = "terminated"
)

// TaskInfo describes the liveness of a registry entry.
type TaskInfo struct {
	ID        tasks.ID  `json:"task_id"`
	State     string    `json:"state"`
	Degraded  bool      `json:"degraded"`
	StartedAt time.Time `json:"started_at"`
}

type entry struct {
	id        tasks.ID
	signal    *Signal
	done      chan struct{}
	degraded  atomic.Bool
	reported  atomic.Bool
	startedAt time.Time
}

func (e *entry) terminated() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *entry) info() TaskInfo {
	state := StateRunning
	switch {
	case e.terminated():
		state = StateTerminated
	case e.signal.IsSet():
		state = StateStopping
	}
	return TaskInfo{
		ID:        e.id,
		State:     state,
		Degraded:  e.degraded.Load(),
		StartedAt: e.startedAt,
	}
}

// Registry tracks live tasks. All map access goes through mu.
type Registry struct {
	mu      sync.Mutex
	entries map[tasks.ID]*entry
	closed  bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	opts    Options
	store   status.Store

	validator  Validator
	dispatcher Dispatcher
}

// NewRegistry creates a Registry whose workers use the given collaborators.
// Zero fields in opts fall back to DefaultOptions.
func NewRegistry(v Validator, d Dispatcher, store status.Store, opts Options) *Registry {
	def := DefaultOptions()
	if opts.MinPacing <= 0 {
		opts.MinPacing = def.MinPacing
	}
	if opts.RecoveryPause <= 0 {
		opts.RecoveryPause = def.RecoveryPause
	}
	if opts.MaxRecoveryPause < opts.RecoveryPause {
		opts.MaxRecoveryPause = max(def.MaxRecoveryPause, opts.RecoveryPause)
	}
	if opts.DegradedAfter < 0 {
		opts.DegradedAfter = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		entries:    make(map[tasks.ID]*entry),
		ctx:        ctx,
		cancel:     cancel,
		opts:       opts,
		store:      store,
		validator:  v,
		dispatcher: d,
	}
}

// Start normalizes and validates params, then launches a worker for them.
// It returns as soon as the worker goroutine is spawned.
func (r *Registry) Start(params tasks.Parameters) (tasks.ID, error) {
	params = params.Normalize()
	if err := params.Validate(); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", ErrShuttingDown
	}

	id := tasks.NewID()
	for _, taken := r.entries[id]; taken; _, taken = r.entries[id] {
		id = tasks.NewID()
	}

	e := &entry{
		id:        id,
		signal:    NewSignal(),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	r.entries[id] = e

	w := newWorker(id, params, e.signal, &e.degraded, r)
	r.wg.Add(1)
	go r.runWorker(w, e)

	tasksStarted.Inc()
	return id, nil
}

// runWorker keeps a panicking worker from taking the process down.
func (r *Registry) runWorker(w *worker, e *entry) {
	defer r.wg.Done()
	defer close(e.done)
	defer func() {
		if rec := recover(); rec != nil {
			e.degraded.Store(true)
			logger.Log.Error().
				Str("task_id", e.id.String()).
				Interface("panic", rec).
				Msg("Worker crashed")
		}
	}()
	w.run(r.ctx)
}

// Stop requests cancellation of id. Stopping an already stopped task is not
// an error.
func (r *Registry) Stop(id tasks.ID) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", tasks.ErrNotFound, id)
	}
	if e.signal.Set() {
		logger.Log.Info().Str("task_id", id.String()).Msg("Stop requested")
	}
	return nil
}

// Reclaim drops entries whose worker has exited and whose termination was
// already reported by Info. It returns how many were removed. Status records
// are left alone.
func (r *Registry) Reclaim() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.entries {
		if e.terminated() && e.reported.Load() {
			delete(r.entries, id)
			n++
		}
	}
	return n
}

// ActiveCount returns the number of entries not yet reclaimed.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Info returns the liveness of id. Reporting StateTerminated makes the entry
// eligible for Reclaim.
func (r *Registry) Info(id tasks.ID) (TaskInfo, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return TaskInfo{}, fmt.Errorf("%w: %s", tasks.ErrNotFound, id)
	}
	info := e.info()
	if info.State == StateTerminated {
		e.reported.Store(true)
	}
	return info, nil
}

// Status reads the persisted status of id. Unknown ids yield the default
// status; only store failures are returned as errors.
func (r *Registry) Status(ctx context.Context, id tasks.ID) (tasks.Status, error) {
	return r.store.Read(ctx, id)
}

// Shutdown stops every task and waits for the workers to exit. When ctx
// expires first, the shared context is cancelled and ctx.Err() is returned at
// once; workers stuck in a collaborator call are abandoned.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, e := range r.entries {
		e.signal.Set()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	}
}

// ScheduleCollector registers a cron job refreshing the task gauges.
//
// Example:
//
//	c := cron.New(cron.WithSeconds())
//	registry.ScheduleCollector(c, "@every 5s")
//	c.Start()
func (r *Registry) ScheduleCollector(c *cron.Cron, spec string) (cron.EntryID, error) {
	return c.AddFunc(spec, r.collect)
}

func (r *Registry) collect() {
	counts := r.countByState()
	for _, state := range []string{StateRunning, StateStopping, StateTerminated, "degraded"} {
		taskGauge.WithLabelValues(state).Set(float64(counts[state]))
	}
}

func (r *Registry) countByState() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[string]int)
	for _, e := range r.entries {
		info := e.info()
		counts[info.State]++
		if info.Degraded {
			counts["degraded"]++
		}
	}
	return counts
}
