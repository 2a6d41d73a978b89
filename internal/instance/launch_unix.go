//go:build !windows

package instance

import (
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// launchWorker starts cmd in its own process group with combined output on
// a pty, so tty-detecting workers keep line-buffered output. Falls back to
// a plain pipe when no pty can be allocated (containers without /dev/pts).
func launchWorker(cmd *exec.Cmd) (io.ReadCloser, error) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true

	tty, err := pty.Start(cmd)
	if err == nil {
		return tty, nil
	}
	return launchWithPipe(cmd)
}

func launchWithPipe(cmd *exec.Cmd) (io.ReadCloser, error) {
	// pty.Start may have set Setsid/Setctty before failing; those would
	// break a plain pipe start.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
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
	// The child holds its own copy of the write end.
	writer.Close()
	return reader, nil
}
