//go:build windows

package capture

import (
	"os"
)

func newPipe() (*os.File, *os.File, error) {
	return os.Pipe()
}
