// Package shutdown turns process signals into a cooperative stop request
// and runs cleanup hooks once, in reverse registration order.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/logger"
)

type Hook struct {
	Name string
	Fn   func(ctx context.Context) error
}

type Handler struct {
	mu     sync.Mutex
	hooks  []Hook
	once   sync.Once
	stop   chan struct{}
	logger *logger.Logger
	exit   func(code int)
}

func NewHandler(log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		stop:   make(chan struct{}),
		logger: log.WithComponent("shutdown"),
		exit:   os.Exit,
	}
}

// Register adds a hook. Hooks run in reverse order of registration.
func (h *Handler) Register(name string, fn func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, Hook{Name: name, Fn: fn})
}

// Stopping is closed once a stop has been requested.
func (h *Handler) Stopping() <-chan struct{} {
	return h.stop
}

func (h *Handler) RequestStop() {
	h.once.Do(func() { close(h.stop) })
}

// Watch requests a stop on the first SIGINT or SIGTERM and exits with
// status 130 on the second. It returns when ctx is done.
func (h *Handler) Watch(ctx context.Context) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	h.watch(ctx, sigs)
}

func (h *Handler) watch(ctx context.Context, sigs <-chan os.Signal) {
	received := 0
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			received++
			if received == 1 {
				h.logger.Infow("Received signal, stopping after the current stage", "signal", sig.String())
				h.RequestStop()
				continue
			}
			h.logger.Warnw("Received second signal, forcing exit", "signal", sig.String())
			h.exit(130)
			return
		}
	}
}

// Shutdown runs every hook even when earlier ones fail, and returns the
// first error. It gives up waiting after timeout.
func (h *Handler) Shutdown(timeout time.Duration) error {
	h.mu.Lock()
	hooks := append([]Hook(nil), h.hooks...)
	h.hooks = nil
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var first error
		for i := len(hooks) - 1; i >= 0; i-- {
			if err := hooks[i].Fn(ctx); err != nil {
				h.logger.Errorw("Shutdown hook failed", "hook", hooks[i].Name, "error", err)
				if first == nil {
					first = fmt.Errorf("%s: %w", hooks[i].Name, err)
				}
			}
		}
		done <- first
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout after %v", timeout)
	}
}
