// Package host is a small build system that drives happypack engines: it
// emits their build events and compiles files through them.
package host

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/saifelse/happypack/internal/cache"
	"github.com/saifelse/happypack/internal/config"
	"github.com/saifelse/happypack/internal/engine"
)

// FileError is a file that did not compile
type FileError struct {
	File string
	Err  error
}

// Report summarises one build pass
type Report struct {
	Compiled int
	Failed   []FileError
}

// OK reports whether every file compiled
func (r *Report) OK() bool {
	return len(r.Failed) == 0
}

// Builder compiles files through one engine per configured pipeline
type Builder struct {
	cfg     *config.Config
	root    string
	logger  *slog.Logger
	engines map[string]*engine.Engine
	order   []string

	// Files compiled at once; defaults to the number of CPUs
	Concurrency int
}

// New creates engines for every pipeline in cfg. Output paths mirror the
// source layout below root.
func New(cfg *config.Config, root string, deps engine.Deps) (*Builder, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Builder{
		cfg:         cfg,
		root:        absRoot,
		logger:      logger,
		engines:     make(map[string]*engine.Engine, len(cfg.Pipelines)),
		Concurrency: runtime.NumCPU(),
	}

	for _, opts := range cfg.Pipelines {
		e, err := engine.New(opts, cfg.CompilerOptions, deps)
		if err != nil {
			return nil, err
		}

		b.engines[opts.ID] = e
		b.order = append(b.order, opts.ID)
	}

	return b, nil
}

// Engine returns the engine for a pipeline id
func (b *Builder) Engine(id string) *engine.Engine {
	return b.engines[id]
}

// Teardown stops every engine
func (b *Builder) Teardown() {
	for _, id := range b.order {
		b.engines[id].Teardown()
	}
}

// Build runs a one-shot build of paths. Directories are walked; files no
// rule matches are skipped.
func (b *Builder) Build(ctx context.Context, paths []string) (*Report, error) {
	files, err := b.collect(paths)
	if err != nil {
		return nil, err
	}

	return b.pass(ctx, files, (*engine.Engine).Run)
}

// pass starts the engines, compiles files and finishes the build
func (b *Builder) pass(ctx context.Context, files []string, start func(*engine.Engine, context.Context) error) (*Report, error) {
	byPipeline := make(map[string][]string)
	for _, f := range files {
		id := b.cfg.PipelineFor(f)
		if id == "" {
			continue
		}

		byPipeline[id] = append(byPipeline[id], f)
	}

	var active []*engine.Engine
	for _, id := range b.order {
		if len(byPipeline[id]) == 0 {
			continue
		}

		e := b.engines[id]
		if err := start(e, ctx); err != nil {
			for _, started := range active {
				started.Teardown()
			}
			return nil, err
		}

		active = append(active, e)
	}

	defer func() {
		for _, e := range active {
			e.Done()
		}
	}()

	report := &Report{}
	var mu sync.Mutex

	bail, _ := b.cfg.CompilerOptions["bail"].(bool)

	p := pool.New().WithMaxGoroutines(max(b.Concurrency, 1)).WithContext(ctx)
	if bail {
		p = p.WithCancelOnError().WithFirstError()
	}

	for _, id := range b.order {
		e := b.engines[id]
		for _, file := range byPipeline[id] {
			p.Go(func(ctx context.Context) error {
				err := b.compileFile(ctx, e, file)

				mu.Lock()
				defer mu.Unlock()

				if err != nil {
					report.Failed = append(report.Failed, FileError{File: file, Err: err})
					return err
				}

				report.Compiled++
				return nil
			})
		}
	}

	// Per-file failures are in the report; only bail turns them into an error
	err := p.Wait()

	sort.Slice(report.Failed, func(i, j int) bool {
		return report.Failed[i].File < report.Failed[j].File
	})

	if bail && err != nil {
		return report, fmt.Errorf("build stopped after first failure: %w", err)
	}

	return report, nil
}

// compileFile compiles one file and writes its output. Failures are
// reported to the engine and their text written as the output.
func (b *Builder) compileFile(ctx context.Context, e *engine.Engine, file string) error {
	source, err := os.ReadFile(file)
	if err != nil {
		e.ModuleFailed(err)
		return fmt.Errorf("failed to read source: %w", err)
	}

	res, err := e.Compile(ctx, engine.Request{FilePath: file, Source: source})
	if err != nil {
		e.ModuleFailed(err)

		text := []byte(err.Error())
		var tErr *engine.TransformError
		if errors.As(err, &tErr) && res != nil {
			text = res.Code
		}

		if writeErr := cache.WriteArtifact(b.OutputPath(file), text, nil); writeErr != nil {
			b.logger.Warn("failed to write error output", "file", file, "error", writeErr)
		}

		b.logger.Debug("compile failed", "pipeline", e.ID(), "file", file, "error", err)
		return err
	}

	if err := cache.WriteArtifact(b.OutputPath(file), res.Code, res.Map); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	b.logger.Debug("compiled", "pipeline", e.ID(), "file", file)
	return nil
}

// OutputPath returns where the compiled form of file is written
func (b *Builder) OutputPath(file string) string {
	rel, err := filepath.Rel(b.root, file)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(file)
	}

	return filepath.Join(b.cfg.OutDir, rel)
}

// collect expands paths into absolute file paths
func (b *Builder) collect(paths []string) ([]string, error) {
	if len(paths) == 0 {
		paths = []string{b.root}
	}

	seen := make(map[string]bool)
	var files []string

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
		}

		info, err := os.Stat(abs)
		if err != nil {
			return nil, err
		}

		if !info.IsDir() {
			if !seen[abs] {
				seen[abs] = true
				files = append(files, abs)
			}
			continue
		}

		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}

			if d.IsDir() {
				if path != abs && b.skipDir(path) {
					return filepath.SkipDir
				}
				return nil
			}

			if !seen[path] {
				seen[path] = true
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", p, err)
		}
	}

	return files, nil
}

// skipDir reports directories that never hold sources: hidden ones, the
// output directory and the pipelines' temp directories
func (b *Builder) skipDir(path string) bool {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return true
	}

	if path == b.cfg.OutDir {
		return true
	}

	for _, opts := range b.cfg.Pipelines {
		if path == opts.TempDir {
			return true
		}
	}

	return false
}
