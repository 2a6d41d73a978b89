//go:build !windows

package ports

import (
	"bytes"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const lsofTimeout = 3 * time.Second

// listenerPIDs asks lsof for the pids listening on the given TCP port.
func listenerPIDs(port int) ([]int, error) {
	cmd := exec.Command("lsof", "-t", "-iTCP:"+strconv.Itoa(port), "-sTCP:LISTEN")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			// lsof exits non-zero when nothing matches.
			return nil, nil
		}
	case <-time.After(lsofTimeout):
		_ = cmd.Process.Kill()
		<-done
		return nil, nil
	}

	var pids []int
	for _, line := range strings.Split(stdout.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

func terminateProcess(pid int) error {
	if pid <= 0 {
		return syscall.ESRCH
	}
	return syscall.Kill(pid, syscall.SIGTERM)
}
