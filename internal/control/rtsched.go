package control

import (
	"fmt"

	"golang.org/x/sys/unix"

	agerrors "github.com/numaopt/agent/pkg/errors"
)

// applyRealTimeSchedule switches the optimizer's own process (never the
// child, per spec's "applied only to the optimizer process") to SCHED_FIFO
// with SCHED_RESET_ON_FORK set, so any goroutine-driven subprocess or fork
// the runtime performs on our behalf doesn't inherit real-time priority.
func applyRealTimeSchedule(priority int) error {
	if priority < unix.SchedGetPriorityMin(unix.SCHED_FIFO) || priority > unix.SchedGetPriorityMax(unix.SCHED_FIFO) {
		return agerrors.NewFatal(fmt.Sprintf("control: real-time priority %d out of SCHED_FIFO range", priority))
	}
	param := &unix.SchedParam{Priority: int32(priority)}
	policy := unix.SCHED_FIFO | unix.SCHED_RESET_ON_FORK
	if err := unix.SchedSetscheduler(0, policy, param); err != nil {
		return agerrors.NewFatal(fmt.Sprintf("control: sched_setscheduler: %v", err))
	}
	return nil
}
