package config

import (
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values
const (
	DefaultTempDir            = ".happypack"
	DefaultThreads            = 3
	DefaultCache              = true
	DefaultInstallExitHandler = true
	DefaultWorkerTimeout      = 10 * time.Minute
	DefaultOutDir             = "dist"
)

// Loader describes one step of a transform pipeline
type Loader struct {
	// Path to the loader executable
	Path string `json:"path"`

	// Extra arguments passed to the loader
	Args []string `json:"args,omitempty"`

	// Loader specific options, handed to the loader as JSON
	Options map[string]any `json:"options,omitempty"`
}

// Options holds the validated configuration of a single pipeline
type Options struct {
	// Identity of the pipeline; generated when absent
	ID string

	// Directory holding the snapshot, cache and compiled artifacts
	TempDir string

	// Number of parallel workers
	Threads int

	// Enable the persistent cache
	Cache bool

	// Arbitrary value mixed into cache invalidation
	CacheContext any

	// Location of the cache database
	CachePath string

	// Location of the configuration snapshot read by workers
	SnapshotPath string

	// Tear down workers on process exit in watch mode
	InstallExitHandler bool

	// Maximum time to wait for a worker reply; zero disables the limit
	WorkerTimeout time.Duration

	// Transform steps, applied in order
	Loaders []Loader
}

// Rule routes files whose path matches Test to a pipeline
type Rule struct {
	Test     *regexp.Regexp
	Pipeline string
}

// Config holds everything needed to drive a build
type Config struct {
	// Configured pipelines, in declaration order
	Pipelines []*Options

	// Host build options; only an allow-listed subset reaches workers
	CompilerOptions map[string]any

	// File routing rules; empty means every file goes to the first pipeline
	Rules []Rule

	// Directory transformed files are written to
	OutDir string

	// Enable verbose output
	Verbose bool
}

// IDSequence hands out identities for pipelines configured without an id.
// A single sequence should be shared by every pipeline of a process.
type IDSequence struct {
	mu   sync.Mutex
	next int
}

// NewIDSequence creates a sequence starting at 1
func NewIDSequence() *IDSequence {
	return &IDSequence{}
}

// Next returns the next identity
func (s *IDSequence) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	return strconv.Itoa(s.next)
}

// Error reports an invalid configuration option
type Error struct {
	ID         string
	Key        string
	Constraint string
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("happypack[%s]: invalid configuration: %s", e.ID, e.Constraint)
	}

	return fmt.Sprintf("happypack[%s]: invalid option %q: %s", e.ID, e.Key, e.Constraint)
}

// rawOptions mirrors the accepted configuration keys after schema validation
type rawOptions struct {
	ID                 string       `json:"id"`
	TempDir            string       `json:"temp_dir"`
	Threads            *json.Number `json:"threads"`
	Cache              *bool        `json:"cache"`
	CacheContext       any          `json:"cache_context"`
	CachePath          string       `json:"cache_path"`
	InstallExitHandler *bool        `json:"install_exit_handler"`
	WorkerTimeout      string       `json:"worker_timeout"`
	Loaders            []Loader     `json:"loaders"`
}

// NewOptions validates raw pipeline options, applies defaults and returns
// the normalized result. seq provides the identity when raw has no id.
func NewOptions(raw map[string]any, seq *IDSequence) (*Options, error) {
	id, _ := raw["id"].(string)
	if id == "" {
		if seq == nil {
			seq = NewIDSequence()
		}
		id = seq.Next()
	}

	instance, err := normalizeJSON(raw)
	if err != nil {
		return nil, &Error{ID: id, Constraint: err.Error()}
	}

	if err := validateSchema(id, instance); err != nil {
		return nil, err
	}

	data, err := json.Marshal(instance)
	if err != nil {
		return nil, &Error{ID: id, Constraint: err.Error()}
	}

	var ro rawOptions
	if err := json.Unmarshal(data, &ro); err != nil {
		return nil, &Error{ID: id, Constraint: err.Error()}
	}

	opts := &Options{
		ID:                 id,
		TempDir:            ro.TempDir,
		Threads:            DefaultThreads,
		Cache:              DefaultCache,
		CacheContext:       ro.CacheContext,
		CachePath:          ro.CachePath,
		InstallExitHandler: DefaultInstallExitHandler,
		WorkerTimeout:      DefaultWorkerTimeout,
		Loaders:            ro.Loaders,
	}

	if ro.Threads != nil {
		f, err := ro.Threads.Float64()
		if err != nil {
			return nil, &Error{ID: id, Key: "threads", Constraint: "must be a number"}
		}

		opts.Threads = CoerceThreads(f)
	}

	if ro.Cache != nil {
		opts.Cache = *ro.Cache
	}

	if ro.InstallExitHandler != nil {
		opts.InstallExitHandler = *ro.InstallExitHandler
	}

	if ro.WorkerTimeout != "" {
		d, err := time.ParseDuration(ro.WorkerTimeout)
		if err != nil || d < 0 {
			return nil, &Error{ID: id, Key: "worker_timeout", Constraint: "must be a non-negative duration such as 30s or 5m"}
		}

		opts.WorkerTimeout = d
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}

	return opts, nil
}

// Validate resolves derived paths and checks constraints the schema cannot express
func (o *Options) Validate() error {
	if o.TempDir == "" {
		o.TempDir = DefaultTempDir
	}

	abs, err := filepath.Abs(o.TempDir)
	if err != nil {
		return &Error{ID: o.ID, Key: "temp_dir", Constraint: fmt.Sprintf("invalid path: %v", err)}
	}
	o.TempDir = abs

	if o.CachePath == "" {
		o.CachePath = filepath.Join(o.TempDir, "cache--"+o.ID+".db")
	} else if abs, err := filepath.Abs(o.CachePath); err == nil {
		o.CachePath = abs
	}

	if o.SnapshotPath == "" {
		o.SnapshotPath = filepath.Join(o.TempDir, "loader-config--"+o.ID+".json")
	}

	if o.Threads < 1 {
		o.Threads = 1
	}

	if len(o.Loaders) == 0 {
		return &Error{ID: o.ID, Key: "loaders", Constraint: "at least one loader is required"}
	}

	for i, l := range o.Loaders {
		if l.Path == "" {
			return &Error{ID: o.ID, Key: fmt.Sprintf("loaders.%d.path", i), Constraint: "is required"}
		}
	}

	return nil
}

// CoerceThreads rounds a thread count up to an integer of at least 1
func CoerceThreads(f float64) int {
	if math.IsNaN(f) || f < 1 {
		return 1
	}

	return int(math.Ceil(f))
}

// Load builds the configuration from viper
func Load(seq *IDSequence) (*Config, error) {
	cfg := &Config{
		CompilerOptions: viper.GetStringMap("compiler_options"),
		OutDir:          viper.GetString("out_dir"),
		Verbose:         viper.GetBool("verbose"),
	}

	if cfg.OutDir == "" {
		cfg.OutDir = DefaultOutDir
	}

	abs, err := filepath.Abs(cfg.OutDir)
	if err != nil {
		return nil, fmt.Errorf("invalid output directory: %w", err)
	}
	cfg.OutDir = abs

	pipelines, err := asMapList(viper.Get("pipelines"))
	if err != nil {
		return nil, &Error{ID: "config", Key: "pipelines", Constraint: err.Error()}
	}

	if len(pipelines) == 0 {
		return nil, &Error{ID: "config", Key: "pipelines", Constraint: "at least one pipeline is required"}
	}

	noCache := viper.GetBool("no_cache")
	seen := make(map[string]bool)

	for _, raw := range pipelines {
		opts, err := NewOptions(raw, seq)
		if err != nil {
			return nil, err
		}

		if seen[opts.ID] {
			return nil, &Error{ID: opts.ID, Key: "id", Constraint: "must be unique across pipelines"}
		}
		seen[opts.ID] = true

		if noCache {
			opts.Cache = false
		}

		cfg.Pipelines = append(cfg.Pipelines, opts)
	}

	rules, err := asMapList(viper.Get("rules"))
	if err != nil {
		return nil, &Error{ID: "config", Key: "rules", Constraint: err.Error()}
	}

	for i, raw := range rules {
		rule, err := parseRule(raw, seen)
		if err != nil {
			return nil, &Error{ID: "config", Key: fmt.Sprintf("rules.%d", i), Constraint: err.Error()}
		}

		cfg.Rules = append(cfg.Rules, rule)
	}

	return cfg, nil
}

// PipelineFor returns the id of the pipeline handling file, or "" if none does
func (c *Config) PipelineFor(file string) string {
	if len(c.Rules) == 0 {
		if len(c.Pipelines) == 0 {
			return ""
		}

		return c.Pipelines[0].ID
	}

	slashed := filepath.ToSlash(file)
	for _, r := range c.Rules {
		if r.Test.MatchString(slashed) {
			return r.Pipeline
		}
	}

	return ""
}

func parseRule(raw map[string]any, pipelines map[string]bool) (Rule, error) {
	test, _ := raw["test"].(string)
	if test == "" {
		return Rule{}, fmt.Errorf("test is required")
	}

	re, err := regexp.Compile(test)
	if err != nil {
		return Rule{}, fmt.Errorf("invalid test pattern: %w", err)
	}

	id := fmt.Sprint(raw["pipeline"])
	if !pipelines[id] {
		return Rule{}, fmt.Errorf("unknown pipeline %q", id)
	}

	return Rule{Test: re, Pipeline: id}, nil
}

func asMapList(v any) ([]map[string]any, error) {
	if v == nil {
		return nil, nil
	}

	if maps, ok := v.([]map[string]any); ok {
		return maps, nil
	}

	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("must be a list")
	}

	out := make([]map[string]any, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("item %d must be a map", i)
		}

		out = append(out, m)
	}

	return out, nil
}
