package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"certreg/internal/cancel"
	"certreg/internal/metrics"
	"certreg/internal/progress"
)

// Status is the lifecycle state of a background operation. Running is the
// only non-terminal state; no transition leaves a terminal state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

func (s Status) Terminal() bool { return s != StatusRunning }

var (
	// ErrDuplicateOperation rejects a start for an id that is already running.
	ErrDuplicateOperation = errors.New("operation already running")
	// ErrNotFound reports an unknown or already-swept operation id.
	ErrNotFound = errors.New("operation not found")
	// ErrTooManyJobs rejects a start once the active-worker cap is reached.
	ErrTooManyJobs = errors.New("too many active operations")
	// ErrCancelled is returned by tasks that stopped at a cancel checkpoint.
	ErrCancelled = errors.New("operation cancelled")
)

// Job is the registry's record of one background operation. Status and the
// result fields are mutated only by the owning worker (and by the
// optimistic-cancel path); the sweep removes terminal records.
type Job struct {
	ID         string
	Status     Status
	CreatedAt  time.Time
	FinishedAt time.Time
	WorkDir    string
	Files      []string
	ErrMessage string
	Ref        string
}

// TaskContext is handed to a task; it carries the operation's working
// directory plus the cancellation and progress callbacks.
type TaskContext struct {
	ID        string
	WorkDir   string
	Cancelled func() bool
	Emit      func(progress.Event)
}

// Task is a long-running unit of work. It returns the files it produced
// (paths inside the workdir) or an error; ErrCancelled marks a cooperative
// stop rather than a fault.
type Task func(tc *TaskContext) ([]string, error)

// Options tunes the registry.
type Options struct {
	WorkRoot      string        // parent directory for per-job workdirs
	TTL           time.Duration // retention of terminal jobs and their files
	MaxActive     int           // cap on concurrently running workers
	SweepInterval time.Duration
}

// Result is the caller-visible view of a job, per the result contract:
// pending while running, payload when complete, conflict when
// cancelled/errored, not-found once swept.
type Result struct {
	Status     Status   `json:"status"`
	Files      []string `json:"files,omitempty"`
	ErrMessage string   `json:"error,omitempty"`
	Ref        string   `json:"ref,omitempty"`
}

// Registry tracks background workers, owns their working storage and
// applies TTL cleanup. Single-process and in-memory: jobs are lost on
// restart, by design.
type Registry struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	active  int
	cancels *cancel.Registry
	events  *progress.Registry
	metrics *metrics.Collector
	opts    Options
}

// NewRegistry wires a job registry to its cancellation and progress
// registries.
func NewRegistry(cancels *cancel.Registry, events *progress.Registry, mc *metrics.Collector, opts Options) *Registry {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.MaxActive <= 0 {
		opts.MaxActive = 16
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	return &Registry{
		jobs:    make(map[string]*Job),
		cancels: cancels,
		events:  events,
		metrics: mc,
		opts:    opts,
	}
}

// Start spawns a worker for task under the given operation id. A running
// job with the same id is a conflict, as is a terminal one whose worker
// has not exited yet; a terminal job past that point and not yet swept is
// replaced (its retained files are released first).
func (r *Registry) Start(id string, task Task) error {
	// The workdir is allocated before taking the lock; the registry mutex
	// is never held across file I/O.
	dir, err := os.MkdirTemp(r.opts.WorkRoot, "job-*")
	if err != nil {
		return fmt.Errorf("allocate working storage: %w", err)
	}

	var replaced bool
	r.mu.Lock()
	if prev, ok := r.jobs[id]; ok {
		// FinishedAt is published by finish only after the worker has torn
		// down the id's token and channel. Until then the old worker still
		// owns that state (an optimistic cancel marks the job terminal
		// while its worker runs on) and the id cannot be reused.
		if !prev.Status.Terminal() || prev.FinishedAt.IsZero() {
			r.mu.Unlock()
			os.RemoveAll(dir)
			r.metrics.JobsRejected.WithLabelValues("duplicate").Inc()
			return ErrDuplicateOperation
		}
		delete(r.jobs, id)
		if prev.WorkDir != "" {
			defer os.RemoveAll(prev.WorkDir)
		}
		replaced = true
	}
	if r.active >= r.opts.MaxActive {
		r.mu.Unlock()
		os.RemoveAll(dir)
		r.metrics.JobsRejected.WithLabelValues("capacity").Inc()
		return ErrTooManyJobs
	}

	job := &Job{
		ID:        id,
		Status:    StatusRunning,
		CreatedAt: time.Now(),
		WorkDir:   dir,
	}
	r.jobs[id] = job
	r.active++
	r.mu.Unlock()

	if replaced {
		// Drop the predecessor's per-id state so the new run starts with a
		// fresh token and an open channel.
		r.cancels.Remove(id)
		r.events.Drop(id)
	}
	tok := r.cancels.Create(id)
	r.events.Ensure(id)
	r.metrics.JobsStarted.Inc()
	r.metrics.JobsActive.Inc()
	log.Info().Str("component", "jobs").Str("operation", id).Msg("operation started")

	go r.run(job, tok, task)
	return nil
}

// run executes the worker protocol: on every exit path record the terminal
// status, release the cancellation token, close the progress channel and
// clean up working storage unless the job completed.
func (r *Registry) run(job *Job, tok *cancel.Token, task Task) {
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			ref := uuid.NewString()[:8]
			log.Error().Str("component", "jobs").Str("operation", job.ID).
				Str("ref", ref).Interface("panic", p).Msg("worker panicked")
			r.finish(job, StatusError, nil, "internal error", ref, start)
		}
	}()

	tc := &TaskContext{
		ID:        job.ID,
		WorkDir:   job.WorkDir,
		Cancelled: tok.Cancelled,
		Emit: func(ev progress.Event) {
			r.metrics.EventsEmitted.Inc()
			r.events.Emit(job.ID, ev)
		},
	}

	files, err := task(tc)
	switch {
	case err == nil:
		r.finish(job, StatusComplete, files, "", "", start)
	case errors.Is(err, ErrCancelled):
		r.finish(job, StatusCancelled, nil, "operation cancelled", "", start)
	default:
		ref := uuid.NewString()[:8]
		log.Error().Str("component", "jobs").Str("operation", job.ID).
			Str("ref", ref).Err(err).Msg("worker failed")
		r.finish(job, StatusError, nil, "internal error", ref, start)
	}
}

func (r *Registry) finish(job *Job, status Status, files []string, msg, ref string, start time.Time) {
	r.mu.Lock()
	if job.Status.Terminal() {
		// An optimistic cancel already moved the job to a terminal state;
		// keep it and only run cleanup for the prevailing status.
		status = job.Status
	} else {
		job.Status = status
		job.Files = files
		job.ErrMessage = msg
		job.Ref = ref
	}
	r.active--
	workdir := job.WorkDir
	r.mu.Unlock()

	r.cancels.Remove(job.ID)
	r.metrics.JobsActive.Dec()
	r.metrics.JobsFinished.WithLabelValues(string(status)).Inc()
	r.metrics.JobDuration.Observe(time.Since(start).Seconds())

	switch status {
	case StatusComplete:
		r.events.Emit(job.ID, progress.Event{Type: progress.TypeComplete, Message: "done"})
	case StatusCancelled:
		r.events.Emit(job.ID, progress.Event{Type: progress.TypeStatus, Message: "cancelled"})
	default:
		r.events.Emit(job.ID, progress.Event{
			Type:    progress.TypeError,
			Message: msg,
			Fields:  map[string]any{"ref": ref},
		})
	}
	r.events.Finish(job.ID)

	// Cancelled and failed jobs release their files immediately; completed
	// jobs keep them for retrieval until the sweep.
	if status != StatusComplete && workdir != "" {
		if err := os.RemoveAll(workdir); err != nil {
			log.Warn().Str("component", "jobs").Str("operation", job.ID).
				Err(err).Msg("failed to remove working storage")
		}
	}

	// FinishedAt is the release marker for the id: it is published only
	// after the token and channel are torn down, so Start never hands a
	// replacement job state the old worker is about to destroy.
	r.mu.Lock()
	job.FinishedAt = time.Now()
	r.mu.Unlock()

	log.Info().Str("component", "jobs").Str("operation", job.ID).
		Str("status", string(status)).Msg("operation finished")
}

// Cancel requests a cooperative stop. When the job is running but its
// token has not been registered yet, a cancelled token is installed and
// the job is optimistically marked cancelled so readers observe the intent
// before the worker does. Cancelling a terminal job is a no-op.
func (r *Registry) Cancel(id string) bool {
	if r.cancels.Cancel(id) {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok || job.Status.Terminal() {
		return ok
	}
	r.cancels.CancelOrCreate(id)
	job.Status = StatusCancelled
	job.ErrMessage = "operation cancelled"
	return true
}

// Result reports the job's caller-visible state. Expired terminal jobs are
// reported as not found even if the sweep has not run yet.
func (r *Registry) Result(id string) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return Result{}, ErrNotFound
	}
	if job.Status.Terminal() && !job.FinishedAt.IsZero() &&
		time.Since(job.FinishedAt) > r.opts.TTL {
		return Result{}, ErrNotFound
	}
	return Result{
		Status:     job.Status,
		Files:      append([]string(nil), job.Files...),
		ErrMessage: job.ErrMessage,
		Ref:        job.Ref,
	}, nil
}

// Sweep removes terminal jobs past the TTL along with their working
// storage, and drops stale progress channels. Running jobs are never
// swept. Returns the number of jobs removed.
func (r *Registry) Sweep() int {
	cutoff := time.Now().Add(-r.opts.TTL)

	r.mu.Lock()
	var expired []*Job
	for id, job := range r.jobs {
		if job.Status.Terminal() && !job.FinishedAt.IsZero() && job.FinishedAt.Before(cutoff) {
			delete(r.jobs, id)
			expired = append(expired, job)
		}
	}
	r.mu.Unlock()

	for _, job := range expired {
		if job.WorkDir != "" {
			if err := os.RemoveAll(job.WorkDir); err != nil {
				log.Warn().Str("component", "jobs").Str("operation", job.ID).
					Err(err).Msg("sweep failed to remove working storage")
			}
		}
		log.Debug().Str("component", "jobs").Str("operation", job.ID).Msg("job swept")
	}
	r.events.Sweep(cutoff)
	return len(expired)
}

// Run sweeps periodically until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
