//go:build !windows

package executor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// Alive checks pid with signal 0. EPERM still means the process exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func terminateGroup(pid int) error { return signalGroup(pid, unix.SIGTERM) }

func killGroup(pid int) error { return signalGroup(pid, unix.SIGKILL) }

// signalGroup signals the whole process group of pid, falling back to the
// process alone when its group cannot be resolved.
func signalGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return ErrProcessGone
	}
	pgid, err := unix.Getpgid(pid)
	if err != nil || pgid <= 0 {
		err = unix.Kill(pid, sig)
	} else {
		err = unix.Kill(-pgid, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return ErrProcessGone
	}
	return err
}

func exitStatusOf(state *os.ProcessState) ExitStatus {
	st := ExitStatus{Code: state.ExitCode(), Known: true}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if ok && ws.Signaled() {
		sig := ws.Signal()
		st.Signaled = true
		st.Signal = unix.SignalName(sig)
		st.Code = -int(sig)
		st.Terminated = sig == unix.SIGTERM || sig == unix.SIGKILL || sig == unix.SIGINT
		return st
	}
	// Shells and python's default handler re-raise as 128+n; some scripts exit 15.
	st.Terminated = st.Code == 15 || st.Code == 128+int(unix.SIGTERM)
	return st
}
