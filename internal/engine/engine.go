// Package engine keeps a transform pipeline's worker pool and cache in step
// with the host's build events and routes each compile request.
//
// An engine moves Idle → Starting → Started → Idle. Run and WatchRun start
// it; Done and ModuleFailed (with bail set) tear it down. Until the first
// Done, compiles are served from the cache or the worker pool; afterwards
// every compile runs in-process.
package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/saifelse/happypack/internal/cache"
	"github.com/saifelse/happypack/internal/compiler"
	"github.com/saifelse/happypack/internal/config"
	"github.com/saifelse/happypack/internal/lifecycle"
	"github.com/saifelse/happypack/internal/pool"
	"github.com/saifelse/happypack/internal/snapshot"
)

// WorkerPool runs background transforms
type WorkerPool interface {
	Start(ctx context.Context) error
	Dispatch(ctx context.Context, job pool.Job) (<-chan pool.Result, error)
	Stop()
}

// PoolFactory creates the worker pool at build start
type PoolFactory func(cfg pool.Config) WorkerPool

// Deps are the collaborators of an engine. Zero values select the defaults.
type Deps struct {
	Logger *slog.Logger

	// Defaults to pool.New
	NewPool PoolFactory

	// In-process transformer; defaults to a compiler.Pipeline over the loaders
	Transformer compiler.Transformer

	// Receives Teardown on process exit in watch mode. Nil disables it.
	Lifecycle lifecycle.Host
}

// Request is one file to compile
type Request struct {
	FilePath string
	Source   []byte
	Map      []byte
}

// Result is the compiled form of a Request
type Result struct {
	Code []byte
	Map  []byte
}

// Engine orchestrates one configured pipeline
type Engine struct {
	opts            *config.Options
	compilerOptions map[string]any
	logger          *slog.Logger
	newPool         PoolFactory
	transformer     compiler.Transformer
	lifecycle       lifecycle.Host
	cache           *cache.Cache

	mu                    sync.Mutex
	started               bool
	initialBuildCompleted bool
	exitHandlerInstalled  bool
	pool                  WorkerPool
	router                router
}

// New creates an idle engine for a validated pipeline. compilerOptions are
// the host's build options; only allow-listed keys reach the workers.
func New(opts *config.Options, compilerOptions map[string]any, deps Deps) (*Engine, error) {
	c, err := cache.New(opts.CachePath, opts.CacheContext)
	if err != nil {
		return nil, &config.Error{ID: opts.ID, Key: "cache_context", Constraint: err.Error()}
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	newPool := deps.NewPool
	if newPool == nil {
		newPool = func(cfg pool.Config) WorkerPool {
			return pool.New(cfg)
		}
	}

	transformer := deps.Transformer
	if transformer == nil {
		p := compiler.NewPipeline(opts.Loaders)
		logger.Debug("in-process pipeline", "pipeline", opts.ID, "commands", p.Commands())
		transformer = p
	}

	if compilerOptions == nil {
		compilerOptions = map[string]any{}
	}

	return &Engine{
		opts:            opts,
		compilerOptions: compilerOptions,
		logger:          logger.With(slog.String("pipeline", opts.ID)),
		newPool:         newPool,
		transformer:     transformer,
		lifecycle:       deps.Lifecycle,
		cache:           c,
		router:          backgroundRouting{},
	}, nil
}

// ID returns the pipeline identity
func (e *Engine) ID() string {
	return e.opts.ID
}

// Options returns the validated pipeline options
func (e *Engine) Options() *config.Options {
	return e.opts
}

// Started reports whether the worker pool is running
func (e *Engine) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.started
}

// InitialBuildCompleted reports whether Done has been called at least once
func (e *Engine) InitialBuildCompleted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.initialBuildCompleted
}

// Run handles the start of a one-shot build
func (e *Engine) Run(ctx context.Context) error {
	return e.start(ctx)
}

// WatchRun handles the start of every watch-mode build pass. The first call
// registers Teardown with the lifecycle host when install_exit_handler is set.
func (e *Engine) WatchRun(ctx context.Context) error {
	e.mu.Lock()
	if e.opts.InstallExitHandler && e.lifecycle != nil && !e.exitHandlerInstalled {
		e.lifecycle.OnExit(e.Teardown)
		e.exitHandlerInstalled = true
	}
	e.mu.Unlock()

	return e.start(ctx)
}

// start brings up the pool and cache. It returns immediately when the engine
// is already started or the initial build has completed. Concurrent callers
// wait for the first one to finish.
func (e *Engine) start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started || e.initialBuildCompleted {
		return nil
	}

	snap := snapshot.Build(e.opts.Loaders, e.compilerOptions)
	if err := snapshot.Write(e.opts.SnapshotPath, snap); err != nil {
		return e.startupFailed("snapshot", err)
	}

	p := e.newPool(pool.Config{
		Size:         e.opts.Threads,
		SnapshotPath: e.opts.SnapshotPath,
		Logger:       e.logger,
	})
	if err := p.Start(ctx); err != nil {
		return e.startupFailed("pool", err)
	}

	if e.opts.Cache {
		if err := e.cache.Load(); err != nil {
			e.logger.Warn("ignoring unreadable cache", "path", e.cache.Path(), "error", err)
		}
	}

	e.pool = p
	e.started = true

	e.logger.Debug("engine started", "threads", e.opts.Threads, "cached", e.cache.Len())
	return nil
}

func (e *Engine) startupFailed(stage string, err error) error {
	e.logger.Error("failed to start",
		"stage", stage,
		"error", err,
		"compiler_options", e.compilerOptions,
	)

	return &StartupError{ID: e.opts.ID, Stage: stage, Err: err}
}

// Done handles the end of a build, successful or not. The engine tears down
// and routes every later compile in-process.
func (e *Engine) Done() {
	e.Teardown()

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialBuildCompleted {
		e.initialBuildCompleted = true
		e.router = foregroundRouting{}
		e.logger.Debug("initial build completed", "routing", e.router.String())
	}
}

// ModuleFailed handles a file that failed to build. With the host's bail
// option set the engine tears down immediately.
func (e *Engine) ModuleFailed(err error) {
	if bail, _ := e.compilerOptions["bail"].(bool); !bail {
		return
	}

	e.logger.Debug("bailing after failure", "error", err)
	e.Teardown()
}

// Teardown saves the cache and stops the worker pool if the engine is
// started. Calling it again does nothing.
func (e *Engine) Teardown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return
	}

	if e.opts.Cache {
		if err := e.cache.Save(); err != nil {
			e.logger.Error("failed to save cache", "path", e.cache.Path(), "error", err)
		}
	}

	e.pool.Stop()
	e.pool = nil
	e.started = false

	e.logger.Debug("engine stopped")
}

// Compile transforms one file. A file that failed on a worker returns its
// failure text as Result.Code together with a *TransformError.
func (e *Engine) Compile(ctx context.Context, req Request) (*Result, error) {
	e.mu.Lock()
	r := e.router
	e.mu.Unlock()

	return r.route(ctx, e, req)
}

func (e *Engine) activePool() WorkerPool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return nil
	}

	return e.pool
}
