// Package packet contains the data model exchanged with the remote endpoint
// and the functions that build it.
package packet

// PoseSample is a device pose captured at a given time.
type PoseSample struct {
	Timestamp   int64
	Translation [3]float32
	Rotation    [4]float32
}

// VideoUnit is an encoded video access unit.
// Key frames carry the parameter sets in front of the payload.
type VideoUnit struct {
	Timestamp  int64
	Payload    []byte
	IsKeyFrame bool
}

// ArFramePacket is a pose and a video unit that share the same timestamp.
type ArFramePacket struct {
	TimestampNS int64
	Pose        PoseSample
	Video       VideoUnit
}

// CameraIntrinsics are the intrinsic parameters of the capturing camera.
type CameraIntrinsics struct {
	FocalX     float32
	FocalY     float32
	PrincipalX float32
	PrincipalY float32
}

// ClientMessage is a message sent to the server.
// Exactly one of the fields is set.
type ClientMessage struct {
	Intrinsics    *CameraIntrinsics
	ArFramePacket *ArFramePacket
}

// Landmark is a normalized 2D point.
type Landmark struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

// ServerMessage is a message received from the server.
type ServerMessage struct {
	StatusMessage     string
	TranslationResult *string

	// nil when the message carries no landmark result.
	HandLandmarks []Landmark
}
