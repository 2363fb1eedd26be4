package counterdumper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCounterDumper(t *testing.T) {
	reports := make(chan uint64, 10)

	c := &CounterDumper{
		OnReport: func(v uint64) { reports <- v },
		Period:   50 * time.Millisecond,
	}
	c.Start()
	defer c.Stop()

	c.Increase()
	c.Add(4)

	select {
	case v := <-reports:
		require.Equal(t, uint64(5), v)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}

	select {
	case <-reports:
		t.Fatal("unexpected report")
	case <-time.After(150 * time.Millisecond):
	}

	require.Equal(t, uint64(5), c.Total())
}

func TestCounterDumperReportOnStop(t *testing.T) {
	var reported uint64

	c := &CounterDumper{
		OnReport: func(v uint64) { reported = v },
		Period:   time.Hour,
	}
	c.Start()

	c.Add(3)
	c.Stop()

	require.Equal(t, uint64(3), reported)
}
