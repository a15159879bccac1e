package strand

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRunner is a scripted worker. run blocks until something is sent on
// exit; drain and stop push the scripted exit value. Preloading exit
// makes the worker "crash" as soon as it is launched.
type fakeRunner struct {
	exit        chan error
	stats       workerStats
	drainErr    error
	ignoreDrain bool

	mu      sync.Mutex
	drained bool
	stopped bool
}

func newFakeRunner(st workerStats) *fakeRunner {
	return &fakeRunner{exit: make(chan error, 1), stats: st}
}

func (r *fakeRunner) run() error { return <-r.exit }

func (r *fakeRunner) drain() {
	r.mu.Lock()
	r.drained = true
	ignore := r.ignoreDrain
	r.mu.Unlock()
	if ignore {
		return
	}
	select {
	case r.exit <- r.drainErr:
	default:
	}
}

func (r *fakeRunner) stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	select {
	case r.exit <- nil:
	default:
	}
}

func (r *fakeRunner) snapshot() workerStats { return r.stats }

func (r *fakeRunner) wasDrained() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drained
}

func (r *fakeRunner) wasStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// fakeSpawner counts spawns and builds the n-th runner (1-based).
type fakeSpawner struct {
	mu    sync.Mutex
	n     int
	build func(n int) (runner, error)
}

func (f *fakeSpawner) spawn(int) (runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return f.build(f.n)
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

type delayLog struct {
	mu sync.Mutex
	ds []time.Duration
}

func (d *delayLog) add(v time.Duration) {
	d.mu.Lock()
	d.ds = append(d.ds, v)
	d.mu.Unlock()
}

func (d *delayLog) all() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Duration(nil), d.ds...)
}

func supConfig(workers int) Config {
	cfg := DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.Workers = workers
	cfg.DrainGrace = 100 * time.Millisecond
	cfg.Restart.InitialDelay = 10 * time.Millisecond
	cfg.Restart.MaxDelay = 40 * time.Millisecond
	cfg.Restart.Multiplier = 2
	cfg.Restart.Budget = 10
	cfg.Restart.BudgetWindow = time.Minute
	return cfg
}

// newTestSupervisor builds a supervisor over fake workers. Restart
// delays are recorded and elapse immediately.
func newTestSupervisor(t *testing.T, cfg Config, build func(n int) (runner, error)) (*supervisor, *fakeSpawner, *delayLog) {
	t.Helper()
	p, err := newSupervisor(&Server{cfg: cfg, log: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { p.close() })

	sp := &fakeSpawner{build: build}
	dl := &delayLog{}
	p.spawn = sp.spawn
	p.after = func(d time.Duration, fn func()) {
		dl.add(d)
		fn()
	}
	return p, sp, dl
}

func awaitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop in time")
		return nil
	}
}

func TestSupervisorCleanShutdown(t *testing.T) {
	var mu sync.Mutex
	var runners []*fakeRunner
	p, sp, _ := newTestSupervisor(t, supConfig(2), func(int) (runner, error) {
		r := newFakeRunner(workerStats{})
		mu.Lock()
		runners = append(runners, r)
		mu.Unlock()
		return r, nil
	})
	assert.NotEmpty(t, p.runID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.run(ctx) }()

	require.Eventually(t, func() bool { return sp.count() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return p.stats().WorkersAlive == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, awaitRun(t, done))

	mu.Lock()
	defer mu.Unlock()
	for _, r := range runners {
		assert.True(t, r.wasDrained())
	}
	assert.Equal(t, 0, p.stats().WorkersAlive)
}

func TestSupervisorRestartsCrashedWorker(t *testing.T) {
	errCrash := errors.New("crash")
	p, sp, dl := newTestSupervisor(t, supConfig(1), func(n int) (runner, error) {
		r := newFakeRunner(workerStats{})
		if n == 1 {
			r.exit <- errCrash
		}
		return r, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.run(ctx) }()

	require.Eventually(t, func() bool { return sp.count() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return p.stats().WorkersAlive == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []time.Duration{10 * time.Millisecond}, dl.all())
	assert.EqualValues(t, 1, p.stats().Restarts)

	cancel()
	require.NoError(t, awaitRun(t, done))
}

// A worker that returns nil without being drained still counts as an
// unexpected exit and is replaced.
func TestSupervisorReplacesUnrequestedCleanExit(t *testing.T) {
	p, sp, _ := newTestSupervisor(t, supConfig(1), func(n int) (runner, error) {
		r := newFakeRunner(workerStats{})
		if n == 1 {
			r.exit <- nil
		}
		return r, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.run(ctx) }()

	require.Eventually(t, func() bool { return sp.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, p.stats().Restarts)

	cancel()
	require.NoError(t, awaitRun(t, done))
}

func TestSupervisorBackoffProgression(t *testing.T) {
	errCrash := errors.New("crash")
	p, sp, dl := newTestSupervisor(t, supConfig(1), func(n int) (runner, error) {
		r := newFakeRunner(workerStats{})
		if n <= 4 {
			r.exit <- errCrash
		}
		return r, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.run(ctx) }()

	require.Eventually(t, func() bool { return sp.count() == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond,
	}, dl.all())

	cancel()
	require.NoError(t, awaitRun(t, done))
}

func TestSupervisorCrashBudgetExhausted(t *testing.T) {
	cfg := supConfig(1)
	cfg.Restart.Budget = 2
	errCrash := errors.New("crash")
	p, sp, _ := newTestSupervisor(t, cfg, func(int) (runner, error) {
		r := newFakeRunner(workerStats{})
		r.exit <- errCrash
		return r, nil
	})

	done := make(chan error, 1)
	go func() { done <- p.run(context.Background()) }()

	err := awaitRun(t, done)
	require.ErrorIs(t, err, ErrCrashLoop)
	assert.Equal(t, 3, sp.count(), "budget of 2 allows exactly two replacements")
	assert.EqualValues(t, 2, p.restarts.Load())
}

// Once shutdown begins no replacement is spawned, and a crash during
// drain surfaces in Run's error.
func TestSupervisorDrainFailureSurfaces(t *testing.T) {
	errCrash := errors.New("crash during drain")
	p, sp, _ := newTestSupervisor(t, supConfig(1), func(int) (runner, error) {
		r := newFakeRunner(workerStats{})
		r.drainErr = errCrash
		return r, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.run(ctx) }()

	require.Eventually(t, func() bool { return sp.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	err := awaitRun(t, done)
	require.ErrorContains(t, err, "crash during drain")
	assert.Equal(t, 1, sp.count())
}

func TestSupervisorStopsDrainStragglers(t *testing.T) {
	var r *fakeRunner
	p, sp, _ := newTestSupervisor(t, supConfig(1), func(int) (runner, error) {
		r = newFakeRunner(workerStats{})
		r.ignoreDrain = true
		return r, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.run(ctx) }()

	require.Eventually(t, func() bool { return sp.count() == 1 }, time.Second, 5*time.Millisecond)
	start := time.Now()
	cancel()

	require.NoError(t, awaitRun(t, done))
	assert.GreaterOrEqual(t, time.Since(start), p.srv.cfg.DrainGrace+time.Second)
	assert.True(t, r.wasDrained())
	assert.True(t, r.wasStopped())
}

func TestSupervisorStartupFailure(t *testing.T) {
	var first *fakeRunner
	p, _, _ := newTestSupervisor(t, supConfig(2), func(n int) (runner, error) {
		if n == 2 {
			return nil, errors.New("no sockets")
		}
		first = newFakeRunner(workerStats{})
		return first, nil
	})

	err := p.run(context.Background())
	require.ErrorContains(t, err, "start worker 1")
	assert.True(t, first.wasStopped(), "already-launched workers are torn down")
}

func TestSupervisorStatsSurviveReplacement(t *testing.T) {
	errCrash := errors.New("crash")
	p, _, _ := newTestSupervisor(t, supConfig(1), func(n int) (runner, error) {
		if n == 1 {
			r := newFakeRunner(workerStats{accepted: 7, completed: 5})
			r.exit <- errCrash
			return r, nil
		}
		return newFakeRunner(workerStats{accepted: 4, completed: 3, active: 2}), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.run(ctx) }()

	require.Eventually(t, func() bool {
		st := p.stats()
		return st.WorkersAlive == 1 && st.Completed == 8
	}, time.Second, 5*time.Millisecond)

	st := p.stats()
	assert.EqualValues(t, 11, st.Accepted)
	assert.EqualValues(t, 2, st.Active)
	assert.EqualValues(t, 1, st.Restarts)

	cancel()
	require.NoError(t, awaitRun(t, done))

	// after shutdown the totals persist in the retired aggregate
	st = p.stats()
	assert.EqualValues(t, 8, st.Completed)
	assert.EqualValues(t, 0, st.Active)
	assert.Equal(t, 0, st.WorkersAlive)
}
