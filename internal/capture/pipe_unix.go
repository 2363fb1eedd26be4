//go:build !windows

package capture

import (
	"os"

	"golang.org/x/sys/unix"
)

func newPipe() (*os.File, *os.File, error) {
	fds := make([]int, 2)
	err := unix.Pipe2(fds, unix.O_CLOEXEC)
	if err != nil {
		return nil, nil, err
	}

	return os.NewFile(uintptr(fds[0]), "pipe-r"), os.NewFile(uintptr(fds[1]), "pipe-w"), nil
}
