package capture

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/the5gs/arstreamer/internal/logger"
	"github.com/the5gs/arstreamer/internal/packet"
)

const (
	frameMessageSize      = 1 + 8 + 7*4
	intrinsicsMessageSize = 1 + 4*4
	videoHeaderSize       = 1 + 8 + 1
)

// Gate decides whether a frame can be queued into the encoder.
type Gate interface {
	Admit(timestamp int64) bool
	LastAdmitted() int64
}

// Target receives poses, encoded video and parameter sets.
type Target interface {
	SubmitPose(sample packet.PoseSample)
	SubmitVideo(timestamp int64, payload []byte, isKeyFrame bool)
	SetParameterSets(a []byte, b []byte)
}

type processor struct {
	gate         Gate
	target       Target
	onIntrinsics func(packet.CameraIntrinsics)
	parent       logger.Writer
}

func decodeTimestamp(buf []byte) int64 {
	return int64(binary.LittleEndian.Uint64(buf))
}

func encodeTimestamp(ts int64) []byte {
	return binary.LittleEndian.AppendUint64(nil, uint64(ts))
}

func decodeFloats(buf []byte, dest []float32) {
	for i := range dest {
		dest[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
}

// process handles a message coming from the capture process.
// It returns the reply to send back, if any.
func (p *processor) process(buf []byte) ([]byte, error) {
	switch buf[0] {
	case 'f':
		return p.processFrame(buf)

	case 'v':
		return nil, p.processVideo(buf)

	case 'c':
		return nil, p.processCodecConfig(buf)

	case 'i':
		return nil, p.processIntrinsics(buf)

	case 'e':
		return nil, fmt.Errorf("capture process error: %s", string(buf[1:]))

	case 'r':
		return nil, fmt.Errorf("capture process sent 'ready' twice")

	default:
		return nil, fmt.Errorf("unexpected data from pipe: '0x%.2x'", buf[0])
	}
}

func (p *processor) processFrame(buf []byte) ([]byte, error) {
	if len(buf) != frameMessageSize {
		return nil, fmt.Errorf("invalid frame message size: %d", len(buf))
	}

	ts := decodeTimestamp(buf[1:])

	if ts < p.gate.LastAdmitted() {
		p.parent.Log(logger.Debug, "frame %d is older than the last queued one, skipping", ts)
		return nil, nil
	}

	sample := packet.PoseSample{Timestamp: ts}
	decodeFloats(buf[9:], sample.Translation[:])
	decodeFloats(buf[9+3*4:], sample.Rotation[:])

	p.target.SubmitPose(sample)

	if !p.gate.Admit(ts) {
		return nil, nil
	}

	return append([]byte{'q'}, encodeTimestamp(ts)...), nil
}

func (p *processor) processVideo(buf []byte) error {
	if len(buf) <= videoHeaderSize {
		return fmt.Errorf("invalid video message size: %d", len(buf))
	}

	ts := decodeTimestamp(buf[1:])
	isKeyFrame := buf[9] != 0
	payload := buf[videoHeaderSize:]

	var au h264.AnnexB
	err := au.Unmarshal(payload)
	if err != nil {
		return fmt.Errorf("invalid access unit: %w", err)
	}

	if isKeyFrame && !h264.IsRandomAccess(au) {
		p.parent.Log(logger.Debug, "key frame %d does not contain an IDR", ts)
	}

	p.target.SubmitVideo(ts, payload, isKeyFrame)
	return nil
}

func (p *processor) processCodecConfig(buf []byte) error {
	var au h264.AnnexB
	err := au.Unmarshal(buf[1:])
	if err != nil {
		return fmt.Errorf("invalid codec configuration: %w", err)
	}

	var spsNALU []byte
	var ppsNALU []byte

	for _, nalu := range au {
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			spsNALU = nalu

		case h264.NALUTypePPS:
			ppsNALU = nalu
		}
	}

	if spsNALU == nil || ppsNALU == nil {
		return fmt.Errorf("codec configuration does not contain SPS and PPS")
	}

	var sps h264.SPS
	err = sps.Unmarshal(spsNALU)
	if err != nil {
		return fmt.Errorf("unable to parse H264 SPS: %w", err)
	}

	p.parent.Log(logger.Info, "codec configuration received, resolution %dx%d", sps.Width(), sps.Height())

	spsEnc, err := h264.AnnexB{spsNALU}.Marshal()
	if err != nil {
		return err
	}

	ppsEnc, err := h264.AnnexB{ppsNALU}.Marshal()
	if err != nil {
		return err
	}

	p.target.SetParameterSets(spsEnc, ppsEnc)
	return nil
}

func (p *processor) processIntrinsics(buf []byte) error {
	if len(buf) != intrinsicsMessageSize {
		return fmt.Errorf("invalid intrinsics message size: %d", len(buf))
	}

	var vals [4]float32
	decodeFloats(buf[1:], vals[:])

	p.onIntrinsics(packet.CameraIntrinsics{
		FocalX:     vals[0],
		FocalY:     vals[1],
		PrincipalX: vals[2],
		PrincipalY: vals[3],
	})
	return nil
}
