package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// coreBinaryName is the executable the launcher spawns; resolved via
// exec.LookPath so it works whether autopilot is on PATH or sits next
// to autopilotctl in the same install directory.
const coreBinaryName = "autopilot"

// newDetachedCommand builds the autopilot core invocation as a
// background process: no inherited stdio, its own session (so a
// terminal hangup or the launcher's own exit doesn't take it down),
// and an explicit working directory.
func newDetachedCommand(args []string, workdir string) *exec.Cmd {
	path, err := exec.LookPath(coreBinaryName)
	if err != nil {
		if self, selfErr := os.Executable(); selfErr == nil {
			path = filepath.Join(filepath.Dir(self), coreBinaryName)
		} else {
			path = coreBinaryName
		}
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = workdir
	cmd.Env = os.Environ()
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd
}
