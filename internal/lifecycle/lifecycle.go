// Package lifecycle owns process-level exit handling. Components register
// teardown hooks instead of installing signal handlers themselves.
package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/saifelse/happypack/internal/codes"
)

// Host accepts teardown hooks to run when the process is asked to exit
type Host interface {
	OnExit(fn func())
}

// SignalHost runs registered hooks on SIGTERM and SIGINT. SIGTERM cancels
// the context returned by Install once the hooks have run; SIGINT runs the
// hooks and exits the process successfully.
type SignalHost struct {
	logger *slog.Logger

	mu     sync.Mutex
	hooks  []func()
	ranAll bool

	sigChan chan os.Signal
	stop    chan struct{}
	cancel  context.CancelFunc

	// exit is replaced in tests
	exit func(code int)
}

// Ensure SignalHost implements Host.
var _ Host = (*SignalHost)(nil)

// NewSignalHost creates a host with no hooks. Nothing listens for signals
// until Install is called.
func NewSignalHost(logger *slog.Logger) *SignalHost {
	if logger == nil {
		logger = slog.Default()
	}

	return &SignalHost{
		logger: logger,
		exit:   os.Exit,
	}
}

// OnExit registers fn. Hooks run in registration order, at most once.
func (h *SignalHost) OnExit(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.hooks = append(h.hooks, fn)
}

// Install starts listening for SIGINT and SIGTERM. The returned context is
// cancelled after a SIGTERM has been handled or when Close is called.
func (h *SignalHost) Install(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.sigChan = make(chan os.Signal, 1)
	h.stop = make(chan struct{})
	h.cancel = cancel
	sigChan, stop := h.sigChan, h.stop
	h.mu.Unlock()

	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		for {
			select {
			case sig := <-sigChan:
				h.handle(sig)
			case <-stop:
				return
			}
		}
	}()

	return ctx
}

// Close stops listening for signals. Hooks are not run.
func (h *SignalHost) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sigChan == nil {
		return
	}

	signal.Stop(h.sigChan)
	close(h.stop)
	h.cancel()
	h.sigChan = nil
}

// RunHooks runs the registered hooks unless they already ran
func (h *SignalHost) RunHooks() {
	h.mu.Lock()
	if h.ranAll {
		h.mu.Unlock()
		return
	}
	h.ranAll = true
	hooks := append([]func(){}, h.hooks...)
	h.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

func (h *SignalHost) handle(sig os.Signal) {
	h.logger.Info("received signal, shutting down", "signal", sig)

	h.RunHooks()

	if sig == os.Interrupt {
		h.exit(codes.Success)
		return
	}

	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}
