package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/saifelse/happypack/internal/config"
)

// Environment variables understood by loaders
const (
	EnvResource        = "HAPPYPACK_RESOURCE"
	EnvOptions         = "HAPPYPACK_OPTIONS"
	EnvCompilerOptions = "HAPPYPACK_COMPILER_OPTIONS"
	EnvSourceMapIn     = "HAPPYPACK_SOURCE_MAP_IN"
	EnvSourceMapOut    = "HAPPYPACK_SOURCE_MAP_OUT"
)

// Pipeline runs loader executables in sequence. Each loader reads the
// current code on stdin and writes the transformed code to stdout.
type Pipeline struct {
	loaders     []config.Loader
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// Ensure Pipeline implements Transformer.
var _ Transformer = (*Pipeline)(nil)

// NewPipeline creates a pipeline for the given loaders
func NewPipeline(loaders []config.Loader) *Pipeline {
	return &Pipeline{
		loaders:     loaders,
		execCommand: exec.CommandContext,
	}
}

// Commands returns the loader command lines
func (p *Pipeline) Commands() []string {
	cmds := make([]string, 0, len(p.loaders))
	for _, l := range p.loaders {
		cmds = append(cmds, strings.TrimSpace(l.Path+" "+strings.Join(l.Args, " ")))
	}

	return cmds
}

// Transform runs every loader over in. The first failing loader stops the
// pipeline and its *LoaderError is returned.
func (p *Pipeline) Transform(ctx context.Context, in *Input) (*Output, error) {
	if len(p.loaders) == 0 {
		return nil, errors.New("pipeline has no loaders")
	}

	workDir, err := os.MkdirTemp("", "happypack-map-")
	if err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	out := &Output{Code: in.Source, Map: in.Map}

	for i, l := range p.loaders {
		out, err = p.runLoader(ctx, workDir, i, l, in, out)
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

func (p *Pipeline) runLoader(ctx context.Context, workDir string, step int, l config.Loader, in *Input, prev *Output) (*Output, error) {
	mapIn := filepath.Join(workDir, fmt.Sprintf("%d.in.map", step))
	mapOut := filepath.Join(workDir, fmt.Sprintf("%d.out.map", step))

	if len(prev.Map) > 0 {
		if err := os.WriteFile(mapIn, prev.Map, 0o600); err != nil {
			return nil, fmt.Errorf("failed to write source map: %w", err)
		}
	} else {
		mapIn = ""
	}

	env, err := BuildEnv(l, in, mapIn, mapOut)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer

	cmd := p.execCommand(ctx, l.Path, l.Args...)
	cmd.Env = append(cmd.Environ(), env...)
	cmd.Stdin = bytes.NewReader(prev.Code)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		lerr := &LoaderError{Loader: l.Path, ExitCode: -1, Stderr: stderr.String(), Err: err}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			lerr.ExitCode = exitErr.ExitCode()
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			lerr.Err = ctxErr
		}

		return nil, lerr
	}

	next := &Output{Code: stdout.Bytes(), Map: prev.Map}
	if data, err := os.ReadFile(mapOut); err == nil && len(data) > 0 {
		next.Map = data
	}

	return next, nil
}

// BuildEnv builds the environment entries describing a transform to a loader
func BuildEnv(l config.Loader, in *Input, mapIn, mapOut string) ([]string, error) {
	options := l.Options
	if options == nil {
		options = map[string]any{}
	}

	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("failed to encode options for loader %s: %w", l.Path, err)
	}

	compilerOptions := in.CompilerOptions
	if compilerOptions == nil {
		compilerOptions = map[string]any{}
	}

	compilerJSON, err := json.Marshal(compilerOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to encode compiler options: %w", err)
	}

	env := []string{
		EnvResource + "=" + in.FilePath,
		EnvOptions + "=" + string(optionsJSON),
		EnvCompilerOptions + "=" + string(compilerJSON),
		EnvSourceMapOut + "=" + mapOut,
	}

	if mapIn != "" {
		env = append(env, EnvSourceMapIn+"="+mapIn)
	}

	return env, nil
}
