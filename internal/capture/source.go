// Package capture contains the bridge to the external capture process
// that produces poses and encoded video.
package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/the5gs/arstreamer/internal/externalcmd"
	"github.com/the5gs/arstreamer/internal/logger"
	"github.com/the5gs/arstreamer/internal/packet"
)

const (
	defaultReadyTimeout = 10 * time.Second

	// environment variables read by the capture process.
	envCtrlFD = "ARS_PIPE_CTRL_FD"
	envDataFD = "ARS_PIPE_DATA_FD"
)

// ErrClosed is returned by Err when the source was closed by the caller.
var ErrClosed = errors.New("capture source closed")

// Source runs the capture process and routes its output.
type Source struct {
	Command      string
	ReadyTimeout time.Duration
	Gate         Gate
	Target       Target
	OnIntrinsics func(packet.CameraIntrinsics)
	Parent       logger.Writer

	cmd       *externalcmd.Cmd
	ctrlR     *os.File
	ctrlW     *os.File
	dataR     *os.File
	dataW     *os.File
	proc      *processor
	ctrlMutex sync.Mutex
	closing   atomic.Bool

	readerErr chan error
	done      chan struct{}
	err       error
}

// Initialize starts the capture process and waits until it is ready.
func (s *Source) Initialize() error {
	if s.ReadyTimeout == 0 {
		s.ReadyTimeout = defaultReadyTimeout
	}

	s.proc = &processor{
		gate:         s.Gate,
		target:       s.Target,
		onIntrinsics: s.OnIntrinsics,
		parent:       s,
	}

	var err error
	s.ctrlR, s.ctrlW, err = newPipe()
	if err != nil {
		return err
	}

	s.dataR, s.dataW, err = newPipe()
	if err != nil {
		s.ctrlR.Close()
		s.ctrlW.Close()
		return err
	}

	s.cmd = &externalcmd.Cmd{
		CmdStr: s.Command,
		// extra files start from descriptor 3.
		Env: externalcmd.Environment{
			envCtrlFD: "3",
			envDataFD: "4",
		},
		ExtraFiles: []*os.File{s.ctrlR, s.dataW},
	}

	err = s.cmd.Initialize()
	if err != nil {
		s.closePipes()
		return err
	}

	// the child owns its copies now.
	s.ctrlR.Close()
	s.dataW.Close()

	s.Log(logger.Info, "capture process started (pid %d)", s.cmd.PID())

	readyDone := make(chan error)
	go func() {
		readyDone <- s.readReady()
	}()

	t := time.NewTimer(s.ReadyTimeout)
	defer t.Stop()

	select {
	case <-s.cmd.Done():
		err = <-readyDone

	case err = <-readyDone:

	case <-t.C:
		s.cmd.Close()
		<-readyDone
		err = fmt.Errorf("capture process did not become ready in %v", s.ReadyTimeout)
	}

	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			s.waitExit()
			err = fmt.Errorf("capture process exited unexpectedly: %w", s.cmd.Err())
		} else {
			s.cmd.Close()
		}

		s.dataR.Close()
		s.ctrlW.Close()
		return err
	}

	s.Log(logger.Info, "capture process is ready")

	s.readerErr = make(chan error, 1)
	s.done = make(chan struct{})

	go s.runReader()
	go s.run()

	return nil
}

// Close stops the capture process.
func (s *Source) Close() {
	if s.closing.CompareAndSwap(false, true) {
		s.writeCtrl([]byte{'e'}) //nolint:errcheck
	}
	<-s.done
}

// Log implements logger.Writer.
func (s *Source) Log(level logger.Level, format string, args ...any) {
	s.Parent.Log(level, "[capture] "+format, args...)
}

// Done returns a channel that is closed when the capture process exits.
func (s *Source) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason why the source stopped. It must be called after Done is closed.
func (s *Source) Err() error {
	return s.err
}

func (s *Source) closePipes() {
	s.ctrlR.Close()
	s.ctrlW.Close()
	s.dataR.Close()
	s.dataW.Close()
}

func (s *Source) writeCtrl(byts []byte) error {
	s.ctrlMutex.Lock()
	defer s.ctrlMutex.Unlock()

	if s.ctrlW == nil {
		return ErrClosed
	}

	return writeMessage(s.ctrlW, byts)
}

func (s *Source) closeCtrl() {
	s.ctrlMutex.Lock()
	defer s.ctrlMutex.Unlock()

	s.ctrlW.Close()
	s.ctrlW = nil
}

func (s *Source) readReady() error {
	buf, err := readMessage(s.dataR)
	if err != nil {
		return err
	}

	switch buf[0] {
	case 'e':
		return fmt.Errorf("capture process error: %s", string(buf[1:]))

	case 'r':
		return nil

	default:
		return fmt.Errorf("unexpected data from pipe: '0x%.2x'", buf[0])
	}
}

func (s *Source) runReader() {
	s.readerErr <- s.readData()
}

func (s *Source) readData() error {
	for {
		buf, err := readMessage(s.dataR)
		if err != nil {
			return err
		}

		reply, err := s.proc.process(buf)
		if err != nil {
			return err
		}

		if reply != nil {
			err = s.writeCtrl(reply)
			if err != nil {
				return err
			}
		}
	}
}

func (s *Source) run() {
	defer close(s.done)

	select {
	case err := <-s.readerErr:
		// ask the process to exit, then wait for it.
		s.writeCtrl([]byte{'e'}) //nolint:errcheck
		s.waitExit()
		s.err = err

	case <-s.cmd.Done():
		<-s.readerErr
		s.err = s.cmd.Err()
	}

	s.closeCtrl()
	s.dataR.Close()

	if s.closing.Load() {
		s.err = ErrClosed
		s.Log(logger.Info, "capture process stopped")
		return
	}

	s.Log(logger.Warn, "capture process stopped: %v", s.err)
}

func (s *Source) waitExit() {
	t := time.NewTimer(s.ReadyTimeout)
	defer t.Stop()

	select {
	case <-s.cmd.Done():
	case <-t.C:
		s.cmd.Close()
	}
}
