package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/saifelse/happypack/internal/cache"
	"github.com/saifelse/happypack/internal/compiler"
	"github.com/saifelse/happypack/internal/pool"
	"github.com/saifelse/happypack/internal/utils"
)

// router decides where a compile request is served from
type router interface {
	route(ctx context.Context, e *Engine, req Request) (*Result, error)
	String() string
}

// backgroundRouting serves unchanged files from the cache and sends the
// rest to the worker pool. Used until the initial build completes.
type backgroundRouting struct{}

// foregroundRouting transforms in-process. Used for every compile after the
// initial build completes.
type foregroundRouting struct{}

func (backgroundRouting) String() string { return "background" }
func (foregroundRouting) String() string { return "foreground" }

func (b backgroundRouting) route(ctx context.Context, e *Engine, req Request) (*Result, error) {
	file := req.FilePath

	if !e.cache.HasChanged(file) && !e.cache.HasErrored(file) {
		code, sourceMap, err := cache.ReadArtifact(e.cache.CompiledPath(file))
		if err == nil {
			e.logger.Debug("cache hit", "file", file)
			return &Result{Code: code, Map: sourceMap}, nil
		}

		e.logger.Debug("cached artifact unreadable, recompiling", "file", file, "error", err)
	}

	e.cache.Invalidate(file)

	compiledPath := utils.ArtifactPath(e.opts.TempDir, e.opts.ID, file)

	p := e.activePool()
	if p == nil {
		e.logger.Debug("worker pool not running, compiling in-process", "file", file)
		return compileInProcess(ctx, e, req, compiledPath)
	}

	if timeout := e.opts.WorkerTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	reply, err := p.Dispatch(ctx, pool.Job{
		FilePath:     file,
		CompiledPath: compiledPath,
	})
	if errors.Is(err, pool.ErrNotRunning) {
		return compileInProcess(ctx, e, req, compiledPath)
	}
	if err != nil {
		return nil, &TransformError{File: file, Err: fmt.Errorf("failed to dispatch: %w", err)}
	}

	var res pool.Result
	select {
	case res = <-reply:
	case <-ctx.Done():
		return nil, &TransformError{File: file, Err: fmt.Errorf("no reply from worker: %w", ctx.Err())}
	}

	if res.Err != nil {
		return nil, &TransformError{File: file, Err: res.Err}
	}

	code, sourceMap, err := cache.ReadArtifact(res.CompiledPath)
	if err != nil {
		return nil, &TransformError{File: file, Err: err}
	}

	if res.Errored {
		e.cache.Update(file, res.CompiledPath, cache.UpdateOptions{Source: req.Source, Errored: true})
		return &Result{Code: code}, &TransformError{File: file, Output: string(code)}
	}

	e.cache.Update(file, res.CompiledPath, cache.UpdateOptions{})
	return &Result{Code: code, Map: sourceMap}, nil
}

func (f foregroundRouting) route(ctx context.Context, e *Engine, req Request) (*Result, error) {
	return compileInProcess(ctx, e, req, utils.ForegroundArtifactPath(e.opts.TempDir, e.opts.ID, req.FilePath))
}

// compileInProcess runs the engine's transformer and records its output at
// compiledPath
func compileInProcess(ctx context.Context, e *Engine, req Request, compiledPath string) (*Result, error) {
	file := req.FilePath

	e.cache.Invalidate(file)

	out, err := e.transformer.Transform(ctx, &compiler.Input{
		FilePath:        file,
		Source:          req.Source,
		Map:             req.Map,
		CompilerOptions: e.compilerOptions,
	})
	if err != nil {
		return nil, err
	}

	if err := cache.WriteArtifact(compiledPath, out.Code, out.Map); err != nil {
		return nil, fmt.Errorf("failed to store compiled output: %w", err)
	}

	e.cache.Update(file, compiledPath, cache.UpdateOptions{Source: req.Source})
	return &Result{Code: out.Code, Map: out.Map}, nil
}
