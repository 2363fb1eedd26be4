package capture

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/the5gs/arstreamer/internal/packet"
	"github.com/the5gs/arstreamer/internal/pacing"
	"github.com/the5gs/arstreamer/internal/test"
)

type videoEntry struct {
	ts         int64
	payload    []byte
	isKeyFrame bool
}

type testTarget struct {
	poses  []packet.PoseSample
	videos []videoEntry
	a      []byte
	b      []byte
}

func (t *testTarget) SubmitPose(sample packet.PoseSample) {
	t.poses = append(t.poses, sample)
}

func (t *testTarget) SubmitVideo(ts int64, payload []byte, isKeyFrame bool) {
	t.videos = append(t.videos, videoEntry{ts, payload, isKeyFrame})
}

func (t *testTarget) SetParameterSets(a []byte, b []byte) {
	t.a = a
	t.b = b
}

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, nalu := range nalus {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, nalu...)
	}
	return out
}

func frameMessage(ts int64, vals ...float32) []byte {
	buf := []byte{'f'}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(ts))
	for _, v := range vals {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return buf
}

func videoMessage(ts int64, isKeyFrame bool, payload []byte) []byte {
	buf := []byte{'v'}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(ts))
	if isKeyFrame {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return append(buf, payload...)
}

func newTestProcessor(gate Gate, target Target) *processor {
	return &processor{
		gate:         gate,
		target:       target,
		onIntrinsics: func(packet.CameraIntrinsics) {},
		parent:       test.NilLogger,
	}
}

func TestProcessorFrame(t *testing.T) {
	target := &testTarget{}
	gate := &pacing.Gate{Warmup: 0}
	p := newTestProcessor(gate, target)

	// the first frame opens the warm-up window and is not queued.
	reply, err := p.process(frameMessage(1000, 1, 2, 3, 0, 0, 0, 1))
	require.NoError(t, err)
	require.Nil(t, reply)

	reply, err = p.process(frameMessage(2000, 1, 2, 3, 0, 0, 0, 1))
	require.NoError(t, err)
	require.Equal(t, []byte{'q', 0xd0, 0x07, 0, 0, 0, 0, 0, 0}, reply)

	require.Equal(t, []packet.PoseSample{
		{Timestamp: 1000, Translation: [3]float32{1, 2, 3}, Rotation: [4]float32{0, 0, 0, 1}},
		{Timestamp: 2000, Translation: [3]float32{1, 2, 3}, Rotation: [4]float32{0, 0, 0, 1}},
	}, target.poses)
}

func TestProcessorFrameOlderThanQueued(t *testing.T) {
	target := &testTarget{}
	gate := &pacing.Gate{Warmup: 0}
	p := newTestProcessor(gate, target)

	for _, ts := range []int64{1000, 3000} {
		_, err := p.process(frameMessage(ts, 0, 0, 0, 0, 0, 0, 1))
		require.NoError(t, err)
	}

	reply, err := p.process(frameMessage(2000, 0, 0, 0, 0, 0, 0, 1))
	require.NoError(t, err)
	require.Nil(t, reply)
	require.Len(t, target.poses, 2)

	// same timestamp as the last queued frame: pose kept, frame not queued.
	reply, err = p.process(frameMessage(3000, 0, 0, 0, 0, 0, 0, 1))
	require.NoError(t, err)
	require.Nil(t, reply)
	require.Len(t, target.poses, 3)
}

func TestProcessorVideo(t *testing.T) {
	target := &testTarget{}
	p := newTestProcessor(&pacing.Gate{}, target)

	key := annexB(test.H264IDR)
	_, err := p.process(videoMessage(5000, true, key))
	require.NoError(t, err)

	nonKey := annexB(test.H264NonIDR)
	_, err = p.process(videoMessage(6000, false, nonKey))
	require.NoError(t, err)

	// key flag set on a unit without IDR is forwarded unchanged.
	_, err = p.process(videoMessage(7000, true, nonKey))
	require.NoError(t, err)

	require.Equal(t, []videoEntry{
		{5000, key, true},
		{6000, nonKey, false},
		{7000, nonKey, true},
	}, target.videos)
}

func TestProcessorCodecConfig(t *testing.T) {
	target := &testTarget{}
	p := newTestProcessor(&pacing.Gate{}, target)

	_, err := p.process(append([]byte{'c'}, annexB(test.H264SPS, test.H264PPS)...))
	require.NoError(t, err)

	require.Equal(t, annexB(test.H264SPS), target.a)
	require.Equal(t, annexB(test.H264PPS), target.b)
}

func TestProcessorIntrinsics(t *testing.T) {
	var received []packet.CameraIntrinsics

	p := newTestProcessor(&pacing.Gate{}, &testTarget{})
	p.onIntrinsics = func(i packet.CameraIntrinsics) {
		received = append(received, i)
	}

	buf := []byte{'i'}
	for _, v := range []float32{500, 501, 320, 240} {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}

	_, err := p.process(buf)
	require.NoError(t, err)

	require.Equal(t, []packet.CameraIntrinsics{{
		FocalX:     500,
		FocalY:     501,
		PrincipalX: 320,
		PrincipalY: 240,
	}}, received)
}

func TestProcessorErrors(t *testing.T) {
	for _, ca := range []struct {
		name string
		msg  []byte
		err  string
	}{
		{
			"process error",
			[]byte("ecamera not found"),
			"capture process error: camera not found",
		},
		{
			"unknown type",
			[]byte{'x'},
			"unexpected data from pipe: '0x78'",
		},
		{
			"ready twice",
			[]byte{'r'},
			"capture process sent 'ready' twice",
		},
		{
			"short frame",
			[]byte{'f', 1, 2},
			"invalid frame message size: 3",
		},
		{
			"short video",
			[]byte{'v', 1, 2, 3, 4, 5, 6, 7, 8, 1},
			"invalid video message size: 10",
		},
		{
			"short intrinsics",
			[]byte{'i', 1},
			"invalid intrinsics message size: 2",
		},
		{
			"codec config without pps",
			append([]byte{'c'}, annexB(test.H264SPS)...),
			"codec configuration does not contain SPS and PPS",
		},
	} {
		t.Run(ca.name, func(t *testing.T) {
			p := newTestProcessor(&pacing.Gate{}, &testTarget{})
			_, err := p.process(ca.msg)
			require.EqualError(t, err, ca.err)
		})
	}
}
