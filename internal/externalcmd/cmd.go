// Package externalcmd allows to launch external commands.
package externalcmd

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
)

const (
	killTimeout = 5 * time.Second
)

// ErrTerminated is returned by Err when the command was closed by the caller.
var ErrTerminated = errors.New("terminated")

// Environment is a Cmd environment.
type Environment map[string]string

// Cmd is an external command.
type Cmd struct {
	CmdStr string
	Env    Environment

	// inherited by the child, starting from file descriptor 3.
	ExtraFiles []*os.File

	cmd       *exec.Cmd
	terminate chan struct{}
	done      chan struct{}
	err       error
}

// Initialize starts the command.
func (e *Cmd) Initialize() error {
	cmdstr := e.CmdStr

	// replace variables in both Linux and Windows, in order to allow using the
	// same commands on both of them.
	for key, val := range e.Env {
		cmdstr = strings.ReplaceAll(cmdstr, "$"+key, val)
	}

	parts, err := shellquote.Split(cmdstr)
	if err != nil {
		return err
	}

	if len(parts) == 0 {
		return fmt.Errorf("command is empty")
	}

	e.cmd = exec.Command(parts[0], parts[1:]...)

	e.cmd.Env = append([]string(nil), os.Environ()...)
	for key, val := range e.Env {
		e.cmd.Env = append(e.cmd.Env, key+"="+val)
	}

	e.cmd.Stdout = os.Stdout
	e.cmd.Stderr = os.Stderr

	err = e.startOSSpecific()
	if err != nil {
		return err
	}

	e.terminate = make(chan struct{})
	e.done = make(chan struct{})

	go e.run()

	return nil
}

// Close terminates the command and waits for it to exit.
func (e *Cmd) Close() {
	select {
	case <-e.terminate:
	default:
		close(e.terminate)
	}
	<-e.done
}

// Done returns a channel that is closed when the command exits.
func (e *Cmd) Done() <-chan struct{} {
	return e.done
}

// Err returns the reason why the command exited. It must be called after Done is closed.
func (e *Cmd) Err() error {
	return e.err
}

// PID returns the process ID.
func (e *Cmd) PID() int {
	return e.cmd.Process.Pid
}

func (e *Cmd) run() {
	defer close(e.done)

	cmdDone := make(chan error)
	go func() {
		cmdDone <- e.cmd.Wait()
	}()

	select {
	case <-e.terminate:
		e.interruptOSSpecific()

		t := time.NewTimer(killTimeout)
		defer t.Stop()

		select {
		case <-cmdDone:
		case <-t.C:
			e.cmd.Process.Kill() //nolint:errcheck
			<-cmdDone
		}

		e.err = ErrTerminated

	case err := <-cmdDone:
		e.err = exitError(err)
	}
}

func exitError(err error) error {
	if err == nil {
		return fmt.Errorf("command exited with code 0")
	}

	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return fmt.Errorf("command exited with code %d", ee.ExitCode())
	}

	return err
}
