//go:build unix

package safeguards

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"
)

func TestRun_HoldsSignals(t *testing.T) {
	cfg := DefaultGuardConfig()
	cfg.Logger = quietLogger()
	cfg.Signals = []os.Signal{syscall.SIGUSR1}
	g := NewApplyGuard(cfg)

	var raised []os.Signal
	g.raise = func(sig os.Signal) { raised = append(raised, sig) }

	err := g.Run(context.Background(), "apply", func() error {
		if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
			return err
		}
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(raised) != 1 || raised[0] != syscall.SIGUSR1 {
		t.Fatalf("raised = %v, want [SIGUSR1]", raised)
	}
}
