// Package safeguards provides concurrency control and recovery mechanisms
// for operations that mutate the managed root.
//
// Once a patch starts moving files there is no safe point to stop until the
// commit or rollback completes. ApplyGuard serializes such operations within
// the process, holds back termination signals until the guarded function
// returns, and turns panics into errors so the caller's rollback still runs.
package safeguards

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

// ApplyGuard provides serialized, signal-shielded execution of mutations.
type ApplyGuard struct {
	mu        sync.Mutex
	semaphore chan struct{}
	activeOps int
	logger    logrus.FieldLogger
	signals   []os.Signal
	precheck  func(context.Context) error
	raise     func(os.Signal)
}

// GuardConfig configures the apply guard.
type GuardConfig struct {
	// Logger for logging operations
	Logger logrus.FieldLogger
	// Signals are held back while a guarded function runs (default:
	// SIGINT, SIGTERM). Set ShieldSignals to false to disable.
	Signals       []os.Signal
	ShieldSignals bool
	// Precheck is called after acquiring the slot and before the guarded
	// function runs
	Precheck func(context.Context) error
}

// DefaultGuardConfig shields SIGINT and SIGTERM.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Signals:       []os.Signal{os.Interrupt, syscall.SIGTERM},
		ShieldSignals: true,
	}
}

// NewApplyGuard creates a new apply guard.
func NewApplyGuard(cfg GuardConfig) *ApplyGuard {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	g := &ApplyGuard{
		semaphore: make(chan struct{}, 1),
		logger:    cfg.Logger.WithField("component", "apply-guard"),
		precheck:  cfg.Precheck,
		raise:     raiseSignal,
	}
	if cfg.ShieldSignals {
		g.signals = cfg.Signals
		if len(g.signals) == 0 {
			g.signals = DefaultGuardConfig().Signals
		}
	}
	return g
}

// Acquire waits for the single apply slot.
func (g *ApplyGuard) Acquire(ctx context.Context, opName string) error {
	g.logger.WithField("operation", opName).Debug("acquiring apply slot")

	select {
	case g.semaphore <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for apply slot: %w", ctx.Err())
	}

	g.mu.Lock()
	g.activeOps++
	g.mu.Unlock()

	if g.precheck != nil {
		if err := g.precheck(ctx); err != nil {
			g.Release(opName)
			return fmt.Errorf("precheck failed before %s: %w", opName, err)
		}
	}
	return nil
}

// Release releases the apply slot.
func (g *ApplyGuard) Release(opName string) {
	g.mu.Lock()
	g.activeOps--
	g.mu.Unlock()

	<-g.semaphore

	g.logger.WithField("operation", opName).Debug("released apply slot")
}

// ActiveOperations returns the number of guarded operations in flight.
func (g *ApplyGuard) ActiveOperations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeOps
}

// Run executes fn holding the apply slot. Shielded signals that arrive while
// fn runs are delivered again after it returns. A panic in fn is returned as
// an error.
func (g *ApplyGuard) Run(ctx context.Context, opName string, fn func() error) error {
	if err := g.Acquire(ctx, opName); err != nil {
		return err
	}
	defer g.Release(opName)

	var held *heldSignals
	if len(g.signals) > 0 {
		held = holdSignals(g.logger, opName, g.signals)
	}

	err := RecoverableOperation(g.logger, opName, fn)

	if held != nil {
		for _, sig := range held.release() {
			g.raise(sig)
		}
	}
	return err
}

// heldSignals collects signals from Notify until release.
type heldSignals struct {
	ch       chan os.Signal
	done     chan struct{}
	wg       sync.WaitGroup
	received []os.Signal
}

func holdSignals(logger logrus.FieldLogger, opName string, sigs []os.Signal) *heldSignals {
	h := &heldSignals{
		ch:   make(chan os.Signal, 4),
		done: make(chan struct{}),
	}
	signal.Notify(h.ch, sigs...)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case sig := <-h.ch:
				logger.WithFields(logrus.Fields{
					"operation": opName,
					"signal":    sig.String(),
				}).Warn("signal held until the operation completes")
				h.received = append(h.received, sig)
			case <-h.done:
				return
			}
		}
	}()
	return h
}

// release stops collecting and returns every held signal, including any
// still buffered when collection stopped.
func (h *heldSignals) release() []os.Signal {
	signal.Stop(h.ch)
	close(h.done)
	h.wg.Wait()
	for {
		select {
		case sig := <-h.ch:
			h.received = append(h.received, sig)
		default:
			return h.received
		}
	}
}

func raiseSignal(sig os.Signal) {
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		return
	}
	_ = p.Signal(sig)
}

// RecoverableOperation wraps a function with panic recovery.
func RecoverableOperation(logger logrus.FieldLogger, opName string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			logger.WithFields(logrus.Fields{
				"operation": opName,
				"panic":     r,
				"stack":     string(stack),
			}).Error("recovered from panic in operation")
			err = fmt.Errorf("panic in operation %s: %v", opName, r)
		}
	}()
	return fn()
}
