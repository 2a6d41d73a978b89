//go:build windows

package ports

import (
	"errors"
	"os"
)

// Listener discovery is not implemented on windows; callers treat the
// failure as nothing to clean up.
func listenerPIDs(port int) ([]int, error) {
	return nil, errors.New("listener discovery unsupported on windows")
}

func terminateProcess(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Kill()
}
