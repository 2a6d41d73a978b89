// Package process holds low-level helpers for signalling and waiting on
// worker processes. Callers own policy (grace periods, restart decisions);
// this package only talks to the OS.
package process

import (
	"context"
	"errors"
	"time"
)

var ErrProcessNotFound = errors.New("process not running")

const defaultStopTimeout = 5 * time.Second
const livenessPollInterval = 100 * time.Millisecond

// Alive reports whether a pid refers to a live process.
func Alive(pid int) bool {
	return isProcessAlive(pid)
}

// Stop runs the graceful-stop ladder against a process (group): send a
// termination signal, wait for exit up to the context deadline (or a 5s
// default), then force-kill. The wait callback, when provided, must return
// once the process has been reaped; otherwise liveness is polled.
func Stop(ctx context.Context, pid, pgid int, wait func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return stopProcess(ctx, pid, pgid, wait)
}
