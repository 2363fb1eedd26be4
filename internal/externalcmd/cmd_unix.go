//go:build !windows

package externalcmd

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func (e *Cmd) startOSSpecific() error {
	e.cmd.ExtraFiles = e.ExtraFiles

	// put the command in its own process group, in order to stop it
	// together with its subprocesses.
	e.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	return e.cmd.Start()
}

func (e *Cmd) interruptOSSpecific() {
	unix.Kill(-e.cmd.Process.Pid, unix.SIGINT) //nolint:errcheck
}
