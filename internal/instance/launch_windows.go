//go:build windows

package instance

import (
	"io"
	"os"
	"os/exec"
)

// launchWorker starts cmd with combined output on a pipe. Windows has no
// pty allocation and no process groups in the unix sense.
func launchWorker(cmd *exec.Cmd) (io.ReadCloser, error) {
	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = writer
	cmd.Stderr = writer
	if err := cmd.Start(); err != nil {
		reader.Close()
		writer.Close()
		return nil, err
	}
	writer.Close()
	return reader, nil
}
