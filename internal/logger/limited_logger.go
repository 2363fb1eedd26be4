package logger

import (
	"sync"
	"time"
)

const (
	minIntervalBetweenWarnings = 1 * time.Second
)

type limitedLogger struct {
	w           Writer
	interval    time.Duration
	mutex       sync.Mutex
	lastPrinted time.Time
	skipped     int
}

// NewLimitedLogger allocates a Writer that prints at most one entry per second.
// Skipped entries are counted and reported with the next printed one.
func NewLimitedLogger(w Writer) Writer {
	return &limitedLogger{
		w:        w,
		interval: minIntervalBetweenWarnings,
	}
}

func (l *limitedLogger) Log(level Level, format string, args ...any) {
	if l.w == nil {
		return
	}

	now := time.Now()

	l.mutex.Lock()
	defer l.mutex.Unlock()

	if now.Sub(l.lastPrinted) < l.interval {
		l.skipped++
		return
	}

	l.lastPrinted = now

	if l.skipped != 0 {
		format += " (%d similar messages suppressed)"
		args = append(args, l.skipped)
		l.skipped = 0
	}

	l.w.Log(level, format, args...)
}
