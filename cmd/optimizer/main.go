// Command optimizer launches a child process tree and drives the NUMA
// migration control loop against it until the child exits or a signal
// tells the loop to stop.
//
// Grounded on cmd/main.go's verbose-gated zapr.NewLogger/logr.Discard
// split (runCollectorTest) rather than its controller-runtime manager
// entrypoint: this binary is a standalone CLI wrapping one process tree,
// not a Kubernetes controller.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	zapcore "go.uber.org/zap"

	"github.com/numaopt/agent/internal/config"
	"github.com/numaopt/agent/internal/control"
	"github.com/numaopt/agent/internal/domain"
	agerrors "github.com/numaopt/agent/pkg/errors"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger := newLogger(cfg.Verbose)

	cmd, err := launchChild(cfg)
	if err != nil {
		logger.Error(err, "launching child")
		return 1
	}
	defer func() {
		if cmd.Process != nil {
			_ = cmd.Process.Release()
		}
	}()

	rootPID := domain.PID(cmd.Process.Pid)
	reg := prometheus.NewRegistry()

	loop, err := control.New(cfg, rootPID, "/sys", "/proc", reg, logger)
	if err != nil {
		logger.Error(err, "starting control loop")
		return 1
	}
	defer func() {
		if err := loop.Close(); err != nil {
			logger.Error(err, "closing control loop")
		}
	}()

	if err := loop.RunWithSignals(context.Background()); err != nil {
		if agerrors.Fatal(err) {
			logger.Error(err, "control loop exited with a fatal error")
			return 1
		}
		logger.Error(err, "control loop exited")
		return 1
	}

	_ = cmd.Wait()
	return 0
}

func newLogger(verbose int) logr.Logger {
	if verbose <= 0 {
		return logr.Discard()
	}
	zapLog, _ := zapcore.NewDevelopment()
	return zapr.NewLogger(zapLog)
}

// launchChild starts the configured child program, honoring --shell (run
// through /bin/sh -c) and the optional stdout/stderr redirection targets.
func launchChild(cfg config.Config) (*exec.Cmd, error) {
	if len(cfg.Child) == 0 {
		return nil, agerrors.NewFatal("optimizer: no child program given after --")
	}

	var cmd *exec.Cmd
	if cfg.Shell {
		cmd = exec.Command("/bin/sh", "-c", strings.Join(cfg.Child, " "))
	} else {
		cmd = exec.Command(cfg.Child[0], cfg.Child[1:]...)
	}

	cmd.Stdout = os.Stdout
	if cfg.StdoutChildSet && cfg.StdoutChild != "" {
		f, err := os.Create(cfg.StdoutChild)
		if err != nil {
			return nil, agerrors.NewFatal(fmt.Sprintf("optimizer: opening stdout-child: %v", err))
		}
		cmd.Stdout = f
	}

	cmd.Stderr = os.Stderr
	if cfg.StderrChildSet && cfg.StderrChild != "" {
		f, err := os.Create(cfg.StderrChild)
		if err != nil {
			return nil, agerrors.NewFatal(fmt.Sprintf("optimizer: opening stderr-child: %v", err))
		}
		cmd.Stderr = f
	}

	cmd.Stdin = os.Stdin
	if err := cmd.Start(); err != nil {
		return nil, agerrors.NewFatal(fmt.Sprintf("optimizer: starting child: %v", err))
	}
	return cmd, nil
}
