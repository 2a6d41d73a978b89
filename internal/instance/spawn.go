package instance

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"harbor/internal/client"
	"harbor/internal/process"
)

// workerProcess is the owned half of the liveness handle: the spawned
// command plus its combined output stream and exit notification.
type workerProcess struct {
	cmd     *exec.Cmd
	pid     int
	pgid    int
	output  io.ReadCloser
	exited  chan struct{}
	exitErr error
}

func (p *workerProcess) wait() {
	err := p.cmd.Wait()
	p.exitErr = err
	close(p.exited)
	if p.output != nil {
		p.output.Close()
	}
}

// waitExit adapts the exit notification to the process.Stop wait contract.
func (p *workerProcess) waitExit(ctx context.Context) error {
	select {
	case <-p.exited:
		return p.exitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Spawn launches the configured worker in serve mode bound to port, then
// polls its health endpoint until ready or the startup timeout elapses.
// The returned instance is Running on success and Error on failure; a
// failed spawn still returns the instance so callers can inspect it.
func Spawn(ctx context.Context, cfg Config, port int) (*Instance, error) {
	startupTimeout := cfg.StartupTimeout
	if startupTimeout <= 0 {
		startupTimeout = DefaultStartupTimeout
	}
	pollInterval := cfg.HealthPollInterval
	if pollInterval <= 0 {
		pollInterval = defaultHealthPoll
	}
	stopGrace := cfg.StopGracePeriod
	if stopGrace <= 0 {
		stopGrace = DefaultStopGracePeriod
	}

	inst := &Instance{
		id:         cfg.ID,
		project:    cfg.ProjectPath,
		port:       port,
		origin:     OriginManaged,
		state:      StateStarting,
		changedAt:  time.Now().UTC(),
		stopGrace:  stopGrace,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}

	args := append([]string{"serve", "--port", strconv.Itoa(port)}, cfg.ExtraArgs...)
	cmd := exec.Command(cfg.Command, args...)
	cmd.Dir = cfg.ProjectPath
	cmd.Env = append(os.Environ(), "PORT="+strconv.Itoa(port))

	if inst.logger != nil {
		inst.logger.Info("spawning worker", map[string]string{
			"instance_id": inst.id,
			"project":     inst.project,
			"port":        strconv.Itoa(port),
			"command":     cfg.Command,
		})
	}

	output, err := launchWorker(cmd)
	if err != nil {
		spawnErr := fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		inst.setState(StateError, spawnErr)
		return inst, spawnErr
	}

	proc := &workerProcess{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		pgid:   process.GroupID(cmd.Process.Pid),
		output: output,
		exited: make(chan struct{}),
	}
	inst.mu.Lock()
	inst.live = handle{owned: true, proc: proc}
	inst.mu.Unlock()

	go proc.wait()
	go inst.pumpOutput(output)

	if err := inst.awaitReady(ctx, proc, startupTimeout, pollInterval); err != nil {
		inst.setState(StateError, err)
		stopCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
		_ = process.Stop(stopCtx, proc.pid, proc.pgid, proc.waitExit)
		cancel()
		return inst, err
	}

	inst.setState(StateRunning, nil)
	return inst, nil
}

func (inst *Instance) awaitReady(ctx context.Context, proc *workerProcess, startupTimeout, pollInterval time.Duration) error {
	deadline := time.NewTimer(startupTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-proc.exited:
			return fmt.Errorf("%w: exited during startup: %v", ErrSpawnFailed, proc.exitErr)
		case <-deadline.C:
			return ErrStartupTimeout
		case <-ticker.C:
			if inst.HealthCheck(ctx) {
				return nil
			}
		}
	}
}

// HealthCheck probes the worker health endpoint. Purely observational; it
// never mutates instance state.
func (inst *Instance) HealthCheck(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	probeCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return client.CheckHealth(probeCtx, inst.httpClient, inst.BaseURL()) == nil
}

// CheckForCrash reports whether an owned process exited while the instance
// was supposed to be live. Reference-only instances always return false;
// they rely on health probes.
func (inst *Instance) CheckForCrash() bool {
	live := inst.snapshotHandle()
	if !live.owned || live.proc == nil {
		return false
	}
	if inst.inState(StateStopping, StateStopped, StateError) {
		return false
	}
	select {
	case <-live.proc.exited:
		return true
	default:
		return false
	}
}

// MarkError records a failure observed by the supervisor (crash detection,
// restart exhaustion).
func (inst *Instance) MarkError(err error) {
	inst.setState(StateError, err)
}

// Stop runs the graceful-stop protocol: termination signal, liveness polls
// up to the grace period, then forced kill. Cleanup is best-effort when the
// process is already gone. A successful stop transitions to Stopped.
func (inst *Instance) Stop(ctx context.Context) error {
	if inst.inState(StateStopped) {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	inst.setState(StateStopping, nil)

	live := inst.snapshotHandle()
	stopCtx, cancel := context.WithTimeout(ctx, inst.stopGrace)
	defer cancel()

	var err error
	switch {
	case live.owned && live.proc != nil:
		err = process.Stop(stopCtx, live.proc.pid, live.proc.pgid, live.proc.waitExit)
		if live.proc.output != nil {
			live.proc.output.Close()
		}
	case live.barePID > 0:
		err = process.Stop(stopCtx, live.barePID, process.GroupID(live.barePID), nil)
	}
	if errors.Is(err, process.ErrProcessNotFound) {
		err = nil
	}
	if err != nil {
		inst.setState(StateError, err)
		return err
	}
	inst.setState(StateStopped, nil)
	return nil
}

func (inst *Instance) pumpOutput(output io.ReadCloser) {
	if output == nil {
		return
	}
	scanner := bufio.NewScanner(output)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		if inst.logger != nil {
			inst.logger.Debug("worker output", map[string]string{
				"instance_id": inst.id,
				"line":        scanner.Text(),
			})
		}
	}
}
