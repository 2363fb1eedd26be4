package packet

import (
	"strings"
)

// IntrinsicsAck is the status text that confirms reception of camera intrinsics.
const IntrinsicsAck = "Intrinsics received"

// Build assembles an ArFramePacket.
func Build(timestampNS int64, pose PoseSample, payload []byte, isKeyFrame bool) *ArFramePacket {
	return &ArFramePacket{
		TimestampNS: timestampNS,
		Pose:        pose,
		Video: VideoUnit{
			Timestamp:  timestampNS,
			Payload:    payload,
			IsKeyFrame: isKeyFrame,
		},
	}
}

// WrapForTransport wraps a packet into an outgoing message.
func WrapForTransport(p *ArFramePacket) *ClientMessage {
	return &ClientMessage{
		ArFramePacket: p,
	}
}

// BuildIntrinsics builds the outgoing message that carries camera intrinsics.
func BuildIntrinsics(fx float32, fy float32, cx float32, cy float32) *ClientMessage {
	return &ClientMessage{
		Intrinsics: &CameraIntrinsics{
			FocalX:     fx,
			FocalY:     fy,
			PrincipalX: cx,
			PrincipalY: cy,
		},
	}
}

// IsIntrinsicsAck checks whether a server message acknowledges the camera intrinsics.
func IsIntrinsicsAck(m *ServerMessage) bool {
	return len(m.StatusMessage) >= len(IntrinsicsAck) &&
		strings.EqualFold(m.StatusMessage[:len(IntrinsicsAck)], IntrinsicsAck)
}
