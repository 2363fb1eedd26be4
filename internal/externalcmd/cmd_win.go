//go:build windows

package externalcmd

import (
	"fmt"
)

func (e *Cmd) startOSSpecific() error {
	if len(e.ExtraFiles) != 0 {
		return fmt.Errorf("inheriting pipes is not supported on this platform")
	}

	return e.cmd.Start()
}

func (e *Cmd) interruptOSSpecific() {
	e.cmd.Process.Kill() //nolint:errcheck
}
