// Package pool runs transforms on a fixed number of background workers.
//
// Work is handed over on a channel; every dispatched job carries its own
// completion channel which receives exactly one Result. Workers rebuild
// their transform pipeline from the configuration snapshot on disk, the
// same way an out-of-process worker would.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/saifelse/happypack/internal/cache"
	"github.com/saifelse/happypack/internal/compiler"
	"github.com/saifelse/happypack/internal/snapshot"
)

var (
	// ErrStopped is reported for jobs that could not finish because the pool stopped
	ErrStopped = errors.New("worker pool stopped")

	// ErrNotRunning is returned by Dispatch before Start or after Stop
	ErrNotRunning = errors.New("worker pool is not running")
)

// Job asks a worker to compile one file
type Job struct {
	// ID correlates log lines; generated when empty
	ID string

	// Source file to compile, read by the worker
	FilePath string

	// Where the worker writes the artifact, or the error text on failure
	CompiledPath string
}

// Result is the reply to a Job
type Result struct {
	JobID        string
	CompiledPath string

	// Errored means the artifact at CompiledPath holds the failure output
	Errored bool

	// Err is set when no artifact was produced at all
	Err error
}

// TransformerFactory builds a worker's transformer from the snapshot
type TransformerFactory func(s *snapshot.Snapshot) (compiler.Transformer, error)

// Config configures a Pool
type Config struct {
	// Number of workers, at least 1
	Size int

	// Snapshot each worker reads on start
	SnapshotPath string

	// Builds the transformer; defaults to a compiler.Pipeline over the snapshot loaders
	NewTransformer TransformerFactory

	Logger *slog.Logger
}

type item struct {
	job   Job
	reply chan Result
}

// Pool is a fixed-size set of transform workers
type Pool struct {
	cfg    Config
	logger *slog.Logger
	jobs   chan item

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	wg      *conc.WaitGroup
}

// New creates a stopped pool
func New(cfg Config) *Pool {
	if cfg.Size < 1 {
		cfg.Size = 1
	}

	if cfg.NewTransformer == nil {
		cfg.NewTransformer = func(s *snapshot.Snapshot) (compiler.Transformer, error) {
			return compiler.NewPipeline(s.Loaders), nil
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "pool")),
		jobs:   make(chan item),
	}
}

// Size returns the number of workers
func (p *Pool) Size() int {
	return p.cfg.Size
}

// Start launches the workers and blocks until all of them are ready. If any
// worker fails to come up the others are stopped and the error returned.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return errors.New("worker pool already started")
	}

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	wg := &conc.WaitGroup{}
	ready := make(chan error, p.cfg.Size)

	for i := 0; i < p.cfg.Size; i++ {
		index := i
		wg.Go(func() {
			p.work(workerCtx, index, ready)
		})
	}

	var startErr error
	for i := 0; i < p.cfg.Size && startErr == nil; i++ {
		select {
		case err := <-ready:
			startErr = err
		case <-ctx.Done():
			startErr = ctx.Err()
		}
	}

	if startErr != nil {
		cancel()
		if r := wg.WaitAndRecover(); r != nil {
			p.logger.Error("worker panicked during start", "panic", r.Value)
		}
		return fmt.Errorf("failed to start worker pool: %w", startErr)
	}

	p.running = true
	p.cancel = cancel
	p.done = make(chan struct{})
	p.wg = wg

	p.logger.Debug("worker pool ready", "workers", p.cfg.Size)
	return nil
}

// Dispatch hands job to the next available worker. The returned channel
// receives exactly one Result.
func (p *Pool) Dispatch(ctx context.Context, job Job) (<-chan Result, error) {
	p.mu.Lock()
	running, done := p.running, p.done
	p.mu.Unlock()

	if !running {
		return nil, ErrNotRunning
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	it := item{job: job, reply: make(chan Result, 1)}

	select {
	case p.jobs <- it:
		p.logger.Debug("job dispatched", "job", job.ID, "file", job.FilePath)
		return it.reply, nil
	case <-done:
		return nil, ErrNotRunning
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop terminates the workers. In-flight transforms are cancelled rather
// than drained and their jobs reply with ErrStopped. Calling Stop on a
// stopped pool does nothing.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}

	p.running = false
	cancel, done, wg := p.cancel, p.done, p.wg
	p.mu.Unlock()

	cancel()
	close(done)

	if r := wg.WaitAndRecover(); r != nil {
		p.logger.Error("worker panicked", "panic", r.Value)
	}

	p.logger.Debug("worker pool stopped")
}

func (p *Pool) work(ctx context.Context, index int, ready chan<- error) {
	logger := p.logger.With(slog.Int("worker", index))

	snap, err := snapshot.Read(p.cfg.SnapshotPath)
	if err != nil {
		ready <- fmt.Errorf("worker %d: %w", index, err)
		return
	}

	tr, err := p.cfg.NewTransformer(snap)
	if err != nil {
		ready <- fmt.Errorf("worker %d: %w", index, err)
		return
	}

	ready <- nil

	for {
		select {
		case <-ctx.Done():
			return
		case it := <-p.jobs:
			it.reply <- p.process(ctx, logger, tr, snap, it.job)
		}
	}
}

func (p *Pool) process(ctx context.Context, logger *slog.Logger, tr compiler.Transformer, snap *snapshot.Snapshot, job Job) Result {
	res := Result{JobID: job.ID, CompiledPath: job.CompiledPath}

	source, err := os.ReadFile(job.FilePath)
	if err != nil {
		return p.fail(logger, res, fmt.Errorf("failed to read source: %w", err))
	}

	out, err := tr.Transform(ctx, &compiler.Input{
		FilePath:        job.FilePath,
		Source:          source,
		CompilerOptions: snap.CompilerOptions,
	})
	if err != nil {
		if ctx.Err() != nil {
			res.Err = ErrStopped
			return res
		}

		return p.fail(logger, res, err)
	}

	if err := cache.WriteArtifact(job.CompiledPath, out.Code, out.Map); err != nil {
		res.Err = err
		return res
	}

	logger.Debug("job finished", "job", job.ID, "file", job.FilePath)
	return res
}

// fail writes the failure text as the job's artifact
func (p *Pool) fail(logger *slog.Logger, res Result, cause error) Result {
	logger.Debug("job failed", "job", res.JobID, "error", cause)

	if err := cache.WriteArtifact(res.CompiledPath, []byte(cause.Error()), nil); err != nil {
		res.Err = fmt.Errorf("%v (and failed to record it: %w)", cause, err)
		return res
	}

	res.Errored = true
	return res
}
