package control

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// RunWithSignals is Run plus the cancellation semantics of spec §4's
// "signals are the only cancellation source": SIGCHLD from the tracked
// child ends the loop after the tick in flight finishes. SIGTERM/SIGINT
// are forwarded to every tracked TID before the same shutdown runs.
// SIGALRM re-enters the same shutdown path. Grounded on cmd/main.go's
// signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM) pattern, widened
// to the extra signals this loop reacts to.
func (l *Loop) RunWithSignals(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGCHLD, syscall.SIGALRM)
	defer signal.Stop(sigCh)

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case sig := <-sigCh:
		cancel()
		<-done
		l.handleSignal(sig)
		return nil
	case err := <-done:
		return err
	}
}

func (l *Loop) handleSignal(sig os.Signal) {
	l.log.Info("received signal, shutting down", "signal", sig)
	switch sig {
	case syscall.SIGTERM, syscall.SIGINT:
		l.propagateSignal(sig.(syscall.Signal))
	case syscall.SIGCHLD, syscall.SIGALRM:
		// no propagation: SIGCHLD means the child already exited, and
		// SIGALRM just re-enters this same shutdown path.
	}
}

// propagateSignal forwards sig to every TID currently known to the
// process tree, best-effort, before the loop itself tears down.
func (l *Loop) propagateSignal(sig syscall.Signal) {
	if l.tree == nil {
		return
	}
	for _, pid := range l.tree.TIDs() {
		if raw := int(pid); raw > 0 {
			_ = syscall.Kill(raw, sig)
		}
	}
	// give forwarded signals a moment to land before the tick loop's own
	// shutdown proceeds.
	time.Sleep(10 * time.Millisecond)
}
