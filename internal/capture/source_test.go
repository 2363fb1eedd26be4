//go:build !windows

package capture

import (
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/stretchr/testify/require"

	"github.com/the5gs/arstreamer/internal/packet"
	"github.com/the5gs/arstreamer/internal/pacing"
	"github.com/the5gs/arstreamer/internal/test"
)

const helperEnv = "ARS_CAPTURE_HELPER"

func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		os.Exit(runHelper(mode))
	}
	os.Exit(m.Run())
}

func openFD(env string) *os.File {
	fd, _ := strconv.Atoi(os.Getenv(env))
	return os.NewFile(uintptr(fd), env)
}

// runHelper emulates a capture process.
func runHelper(mode string) int {
	ctrl := openFD(envCtrlFD)
	data := openFD(envDataFD)

	send := func(byts []byte) {
		writeMessage(data, byts) //nolint:errcheck
	}

	switch mode {
	case "exit":
		return 1

	case "error":
		send([]byte("ecamera not found"))
		return 0

	case "silent":
		time.Sleep(10 * time.Second)
		return 0
	}

	send([]byte{'r'})
	send(append([]byte{'c'}, annexB(test.H264SPS, test.H264PPS)...))
	send([]byte{'i', 0, 0, 0x80, 0x3f, 0, 0, 0, 0x40, 0, 0, 0x40, 0x40, 0, 0, 0x80, 0x40})

	for _, ts := range []int64{1000, 2000, 3000} {
		send(frameMessage(ts, 0, 0, 0, 0, 0, 0, 1))
	}

	if mode == "garbage" {
		send([]byte{'x'})
	}

	first := true

	for {
		buf, err := readMessage(ctrl)
		if err != nil {
			return 2
		}

		switch buf[0] {
		case 'q':
			ts := decodeTimestamp(buf[1:])
			if first {
				send(videoMessage(ts, true, annexB(test.H264IDR)))
				first = false
			} else {
				send(videoMessage(ts, false, annexB(test.H264NonIDR)))
			}

		case 'e':
			return 0
		}
	}
}

type syncTarget struct {
	mutex sync.Mutex
	testTarget
}

func (t *syncTarget) SubmitPose(sample packet.PoseSample) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.testTarget.SubmitPose(sample)
}

func (t *syncTarget) SubmitVideo(ts int64, payload []byte, isKeyFrame bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.testTarget.SubmitVideo(ts, payload, isKeyFrame)
}

func (t *syncTarget) SetParameterSets(a []byte, b []byte) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.testTarget.SetParameterSets(a, b)
}

func (t *syncTarget) videoCount() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.videos)
}

func helperCommand() string {
	return shellquote.Join(os.Args[0])
}

func TestSource(t *testing.T) {
	t.Setenv(helperEnv, "normal")

	target := &syncTarget{}
	intrinsics := make(chan packet.CameraIntrinsics, 1)

	s := &Source{
		Command:      helperCommand(),
		ReadyTimeout: 5 * time.Second,
		Gate:         &pacing.Gate{Warmup: 0},
		Target:       target,
		OnIntrinsics: func(i packet.CameraIntrinsics) {
			intrinsics <- i
		},
		Parent: test.NilLogger,
	}
	err := s.Initialize()
	require.NoError(t, err)

	select {
	case i := <-intrinsics:
		require.Equal(t, packet.CameraIntrinsics{FocalX: 1, FocalY: 2, PrincipalX: 3, PrincipalY: 4}, i)
	case <-time.After(5 * time.Second):
		t.Fatal("intrinsics not received")
	}

	require.Eventually(t, func() bool {
		return target.videoCount() == 2
	}, 5*time.Second, 10*time.Millisecond)

	s.Close()
	require.ErrorIs(t, s.Err(), ErrClosed)

	target.mutex.Lock()
	defer target.mutex.Unlock()

	require.Equal(t, annexB(test.H264SPS), target.a)
	require.Equal(t, annexB(test.H264PPS), target.b)
	require.Len(t, target.poses, 3)
	require.Equal(t, []videoEntry{
		{2000, annexB(test.H264IDR), true},
		{3000, annexB(test.H264NonIDR), false},
	}, target.videos)
}

func TestSourceProtocolError(t *testing.T) {
	t.Setenv(helperEnv, "garbage")

	s := &Source{
		Command:      helperCommand(),
		ReadyTimeout: 5 * time.Second,
		Gate:         &pacing.Gate{},
		Target:       &syncTarget{},
		OnIntrinsics: func(packet.CameraIntrinsics) {},
		Parent:       test.NilLogger,
	}
	err := s.Initialize()
	require.NoError(t, err)

	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("source did not stop")
	}

	require.EqualError(t, s.Err(), "unexpected data from pipe: '0x78'")
}

func TestSourceInitializeErrors(t *testing.T) {
	for _, ca := range []struct {
		mode string
		err  string
	}{
		{
			"exit",
			"capture process exited unexpectedly: command exited with code 1",
		},
		{
			"error",
			"capture process error: camera not found",
		},
		{
			"silent",
			"capture process did not become ready in 500ms",
		},
	} {
		t.Run(ca.mode, func(t *testing.T) {
			t.Setenv(helperEnv, ca.mode)

			s := &Source{
				Command:      helperCommand(),
				ReadyTimeout: 500 * time.Millisecond,
				Gate:         &pacing.Gate{},
				Target:       &syncTarget{},
				OnIntrinsics: func(packet.CameraIntrinsics) {},
				Parent:       test.NilLogger,
			}
			err := s.Initialize()
			require.EqualError(t, err, ca.err)
		})
	}
}
