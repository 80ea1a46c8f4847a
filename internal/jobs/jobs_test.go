package jobs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certreg/internal/cancel"
	"certreg/internal/metrics"
	"certreg/internal/progress"
)

func newTestRegistry(t *testing.T, opts Options) (*Registry, *cancel.Registry, *progress.Registry) {
	t.Helper()
	if opts.WorkRoot == "" {
		opts.WorkRoot = t.TempDir()
	}
	if opts.TTL == 0 {
		opts.TTL = time.Hour
	}
	cancels := cancel.NewRegistry()
	events := progress.NewRegistry()
	return NewRegistry(cancels, events, metrics.NewCollector(), opts), cancels, events
}

func waitTerminal(t *testing.T, r *Registry, id string) Result {
	t.Helper()
	var res Result
	require.Eventually(t, func() bool {
		got, err := r.Result(id)
		if err != nil {
			return false
		}
		res = got
		return got.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return res
}

func TestStartRunsTaskToCompletion(t *testing.T) {
	r, _, _ := newTestRegistry(t, Options{})

	err := r.Start("op-1", func(tc *TaskContext) ([]string, error) {
		path := filepath.Join(tc.WorkDir, "out.csv")
		require.NoError(t, os.WriteFile(path, []byte("a,b\n"), 0o644))
		tc.Emit(progress.Event{Type: progress.TypeProgress, Percent: 100})
		return []string{path}, nil
	})
	require.NoError(t, err)

	res := waitTerminal(t, r, "op-1")
	assert.Equal(t, StatusComplete, res.Status)
	require.Len(t, res.Files, 1)
	assert.FileExists(t, res.Files[0])
}

func TestStartDuplicateRunningRejected(t *testing.T) {
	r, _, _ := newTestRegistry(t, Options{})

	release := make(chan struct{})
	err := r.Start("op-1", func(tc *TaskContext) ([]string, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)

	err = r.Start("op-1", func(tc *TaskContext) ([]string, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrDuplicateOperation)

	close(release)
	waitTerminal(t, r, "op-1")
}

func TestStartCapacityLimit(t *testing.T) {
	r, _, _ := newTestRegistry(t, Options{MaxActive: 1})

	release := make(chan struct{})
	require.NoError(t, r.Start("op-1", func(tc *TaskContext) ([]string, error) {
		<-release
		return nil, nil
	}))

	err := r.Start("op-2", func(tc *TaskContext) ([]string, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrTooManyJobs)

	close(release)
	waitTerminal(t, r, "op-1")
}

func TestCooperativeCancel(t *testing.T) {
	r, _, _ := newTestRegistry(t, Options{})

	var workdir string
	started := make(chan struct{})
	require.NoError(t, r.Start("op-1", func(tc *TaskContext) ([]string, error) {
		workdir = tc.WorkDir
		close(started)
		for {
			if tc.Cancelled() {
				return nil, ErrCancelled
			}
			time.Sleep(5 * time.Millisecond)
		}
	}))
	<-started

	assert.True(t, r.Cancel("op-1"))
	res := waitTerminal(t, r, "op-1")
	assert.Equal(t, StatusCancelled, res.Status)

	// Cancelled jobs release their working storage immediately.
	require.Eventually(t, func() bool {
		_, err := os.Stat(workdir)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)

	// Cancelling a terminal job stays a no-op.
	assert.True(t, r.Cancel("op-1"))
}

func TestCancelUnknownOperation(t *testing.T) {
	r, _, _ := newTestRegistry(t, Options{})
	assert.False(t, r.Cancel("missing"))
}

func TestWorkerFailureRecordsReference(t *testing.T) {
	r, cancels, _ := newTestRegistry(t, Options{})

	var workdir string
	require.NoError(t, r.Start("op-1", func(tc *TaskContext) ([]string, error) {
		workdir = tc.WorkDir
		return nil, errors.New("disk exploded")
	}))

	res := waitTerminal(t, r, "op-1")
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, "internal error", res.ErrMessage)
	assert.NotEmpty(t, res.Ref)
	assert.NotContains(t, res.ErrMessage, "disk exploded")

	_, err := os.Stat(workdir)
	assert.True(t, os.IsNotExist(err))

	// The worker's cleanup released its cancellation token.
	_, ok := cancels.Get("op-1")
	assert.False(t, ok)
}

func TestWorkerPanicBecomesError(t *testing.T) {
	r, _, _ := newTestRegistry(t, Options{})

	require.NoError(t, r.Start("op-1", func(tc *TaskContext) ([]string, error) {
		panic("boom")
	}))

	res := waitTerminal(t, r, "op-1")
	assert.Equal(t, StatusError, res.Status)
	assert.NotEmpty(t, res.Ref)
}

func TestResultPendingWhileRunning(t *testing.T) {
	r, _, _ := newTestRegistry(t, Options{})

	release := make(chan struct{})
	require.NoError(t, r.Start("op-1", func(tc *TaskContext) ([]string, error) {
		<-release
		return nil, nil
	}))

	res, err := r.Result("op-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, res.Status)

	close(release)
	waitTerminal(t, r, "op-1")
}

func TestResultUnknownOperation(t *testing.T) {
	r, _, _ := newTestRegistry(t, Options{})
	_, err := r.Result("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweepRemovesExpiredJobs(t *testing.T) {
	r, _, events := newTestRegistry(t, Options{TTL: 200 * time.Millisecond})

	var workdir string
	require.NoError(t, r.Start("op-1", func(tc *TaskContext) ([]string, error) {
		workdir = tc.WorkDir
		return nil, nil
	}))
	res := waitTerminal(t, r, "op-1")
	assert.Equal(t, StatusComplete, res.Status)
	assert.DirExists(t, workdir)

	time.Sleep(250 * time.Millisecond)

	// Past the TTL the result is gone even before the sweep runs.
	_, err := r.Result("op-1")
	assert.ErrorIs(t, err, ErrNotFound)

	removed := r.Sweep()
	assert.Equal(t, 1, removed)
	_, err = os.Stat(workdir)
	assert.True(t, os.IsNotExist(err))

	// The progress channel was garbage-collected with the job.
	evs, _, done := events.EventsSince("op-1", 0)
	assert.Empty(t, evs)
	assert.False(t, done)

	// Starting the same id again now succeeds.
	require.NoError(t, r.Start("op-1", func(tc *TaskContext) ([]string, error) {
		return nil, nil
	}))
	waitTerminal(t, r, "op-1")
}

func TestSweepNeverTouchesRunningJobs(t *testing.T) {
	r, _, _ := newTestRegistry(t, Options{TTL: time.Millisecond})

	release := make(chan struct{})
	require.NoError(t, r.Start("op-1", func(tc *TaskContext) ([]string, error) {
		<-release
		return nil, nil
	}))

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, r.Sweep())

	res, err := r.Result("op-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, res.Status)

	close(release)
	waitTerminal(t, r, "op-1")
}

func TestCancelBeforeTokenRegistration(t *testing.T) {
	r, cancels, _ := newTestRegistry(t, Options{})

	release := make(chan struct{})
	require.NoError(t, r.Start("op-1", func(tc *TaskContext) ([]string, error) {
		<-release
		if tc.Cancelled() {
			return nil, ErrCancelled
		}
		return nil, nil
	}))

	// Simulate the registration race: drop the token, then cancel.
	cancels.Remove("op-1")
	assert.True(t, r.Cancel("op-1"))

	// The intent is visible immediately, before the worker notices.
	res, err := r.Result("op-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Status)

	close(release)
	res = waitTerminal(t, r, "op-1")
	assert.Equal(t, StatusCancelled, res.Status)
}

func TestRestartWaitsForCancelledWorkerToExit(t *testing.T) {
	r, cancels, events := newTestRegistry(t, Options{})

	release := make(chan struct{})
	require.NoError(t, r.Start("op-1", func(tc *TaskContext) ([]string, error) {
		<-release
		return nil, ErrCancelled
	}))

	// Registration race: the token is gone, so the cancel lands
	// optimistically and the job turns terminal while its worker runs on.
	cancels.Remove("op-1")
	require.True(t, r.Cancel("op-1"))
	res, err := r.Result("op-1")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, res.Status)

	// The id is still occupied: the old worker owns the token and channel
	// until it exits, and a replacement must not share them.
	err = r.Start("op-1", func(tc *TaskContext) ([]string, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrDuplicateOperation)

	close(release)
	require.Eventually(t, func() bool {
		_, _, done := events.EventsSince("op-1", 0)
		return done
	}, 5*time.Second, 10*time.Millisecond)

	// Once the worker has exited the id is free again, with a fresh token
	// and an open channel for the new run.
	started := make(chan struct{})
	finish := make(chan struct{})
	require.NoError(t, r.Start("op-1", func(tc *TaskContext) ([]string, error) {
		close(started)
		<-finish
		tc.Emit(progress.Event{Type: progress.TypeProgress, Percent: 50})
		return nil, nil
	}))
	<-started

	tok, ok := cancels.Get("op-1")
	require.True(t, ok)
	assert.False(t, tok.Cancelled())
	_, _, done := events.EventsSince("op-1", 0)
	assert.False(t, done)

	close(finish)
	res = waitTerminal(t, r, "op-1")
	assert.Equal(t, StatusComplete, res.Status)

	// The new run's events, terminal emission included, were delivered.
	require.Eventually(t, func() bool {
		evs, _, done := events.EventsSince("op-1", 0)
		return done && len(evs) == 2 && evs[len(evs)-1].Type == progress.TypeComplete
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRejectedStartLeavesNoWorkdir(t *testing.T) {
	root := t.TempDir()
	r, _, _ := newTestRegistry(t, Options{WorkRoot: root, MaxActive: 1})

	release := make(chan struct{})
	require.NoError(t, r.Start("op-1", func(tc *TaskContext) ([]string, error) {
		<-release
		return nil, nil
	}))

	err := r.Start("op-1", func(tc *TaskContext) ([]string, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrDuplicateOperation)
	err = r.Start("op-2", func(tc *TaskContext) ([]string, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrTooManyJobs)

	// Rejected starts release the storage they pre-allocated.
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	close(release)
	waitTerminal(t, r, "op-1")
}

func TestTerminalEventClosesChannel(t *testing.T) {
	r, _, events := newTestRegistry(t, Options{})

	require.NoError(t, r.Start("op-1", func(tc *TaskContext) ([]string, error) {
		tc.Emit(progress.Event{Type: progress.TypeProgress, Percent: 50})
		return nil, nil
	}))
	waitTerminal(t, r, "op-1")

	require.Eventually(t, func() bool {
		evs, _, done := events.EventsSince("op-1", 0)
		return done && len(evs) == 2 && evs[len(evs)-1].Type == progress.TypeComplete
	}, 2*time.Second, 10*time.Millisecond)
}
