//go:build windows

package spawn

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// setupProcessGroup is a no-op on Windows where Setpgid is unavailable.
func setupProcessGroup(cmd *exec.Cmd) {}

// signalGroup can only kill the direct child on Windows; SIGTERM has no
// equivalent, so every signal kills.
func signalGroup(cmd *exec.Cmd, _ syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	err := cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
