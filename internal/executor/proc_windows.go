//go:build windows

package executor

import (
	"os"
	"os/exec"
)

func configureProcess(cmd *exec.Cmd) {}

func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = process.Release()
	return true
}

func terminateGroup(pid int) error { return killGroup(pid) }

func killGroup(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return ErrProcessGone
	}
	return process.Kill()
}

func exitStatusOf(state *os.ProcessState) ExitStatus {
	code := state.ExitCode()
	return ExitStatus{Code: code, Known: true, Terminated: code == 15}
}
