package packet

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// field numbers of the protobuf schema shared with the server.
const (
	clientFieldIntrinsics    protowire.Number = 1
	clientFieldArFramePacket protowire.Number = 2

	packetFieldTimestamp protowire.Number = 1
	packetFieldPose      protowire.Number = 2
	packetFieldVideo     protowire.Number = 3

	poseFieldTranslation protowire.Number = 1
	poseFieldRotation    protowire.Number = 2

	videoFieldEncodedBytes protowire.Number = 1
	videoFieldIsKeyFrame   protowire.Number = 2

	intrinsicsFieldFocalX     protowire.Number = 1
	intrinsicsFieldFocalY     protowire.Number = 2
	intrinsicsFieldPrincipalX protowire.Number = 3
	intrinsicsFieldPrincipalY protowire.Number = 4

	serverFieldStatusMessage     protowire.Number = 1
	serverFieldTranslationResult protowire.Number = 2
	serverFieldHandLandmarks     protowire.Number = 3

	landmarksFieldLandmarks protowire.Number = 1

	landmarkFieldX protowire.Number = 1
	landmarkFieldY protowire.Number = 2
)

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendPackedFloats(b []byte, num protowire.Number, vals []float32) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(4*len(vals)))
	for _, v := range vals {
		b = protowire.AppendFixed32(b, math.Float32bits(v))
	}
	return b
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// walk calls cb for every field of a message.
// cb returns the number of bytes it consumed, or -1 to skip the field.
func walk(b []byte, cb func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		n, err := cb(num, typ, b)
		if err != nil {
			return err
		}

		if n < 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
		}

		b = b[n:]
	}

	return nil
}

func consumeFloat(typ protowire.Type, b []byte, dest *float32) (int, error) {
	if typ != protowire.Fixed32Type {
		return 0, fmt.Errorf("unexpected wire type %v for float", typ)
	}

	v, n := protowire.ConsumeFixed32(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}

	*dest = math.Float32frombits(v)
	return n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("unexpected wire type %v for length-delimited field", typ)
	}

	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}

	return v, n, nil
}

// consumeFloats decodes a repeated float field, packed or not.
func consumeFloats(typ protowire.Type, b []byte, dest []float32, count *int) (int, error) {
	push := func(v float32) error {
		if *count >= len(dest) {
			return fmt.Errorf("too many elements (maximum is %d)", len(dest))
		}
		dest[*count] = v
		*count++
		return nil
	}

	switch typ {
	case protowire.Fixed32Type:
		var v float32
		n, err := consumeFloat(typ, b, &v)
		if err != nil {
			return 0, err
		}
		return n, push(v)

	case protowire.BytesType:
		packed, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}

		if len(packed)%4 != 0 {
			return 0, fmt.Errorf("invalid packed float length (%d)", len(packed))
		}

		for len(packed) > 0 {
			v, m := protowire.ConsumeFixed32(packed)
			err = push(math.Float32frombits(v))
			if err != nil {
				return 0, err
			}
			packed = packed[m:]
		}

		return n, nil
	}

	return 0, fmt.Errorf("unexpected wire type %v for repeated float", typ)
}

func (p PoseSample) marshal() []byte {
	var b []byte
	b = appendPackedFloats(b, poseFieldTranslation, p.Translation[:])
	b = appendPackedFloats(b, poseFieldRotation, p.Rotation[:])
	return b
}

func (p *PoseSample) unmarshal(b []byte) error {
	var translationCount, rotationCount int

	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case poseFieldTranslation:
			return consumeFloats(typ, b, p.Translation[:], &translationCount)

		case poseFieldRotation:
			return consumeFloats(typ, b, p.Rotation[:], &rotationCount)
		}
		return -1, nil
	})
	if err != nil {
		return fmt.Errorf("invalid pose: %w", err)
	}

	if translationCount != len(p.Translation) {
		return fmt.Errorf("invalid pose: translation has %d elements", translationCount)
	}

	if rotationCount != len(p.Rotation) {
		return fmt.Errorf("invalid pose: rotation has %d elements", rotationCount)
	}

	return nil
}

func (v VideoUnit) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, videoFieldEncodedBytes, protowire.BytesType)
	b = protowire.AppendBytes(b, v.Payload)
	if v.IsKeyFrame {
		b = protowire.AppendTag(b, videoFieldIsKeyFrame, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

func (v *VideoUnit) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case videoFieldEncodedBytes:
			payload, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			v.Payload = append([]byte(nil), payload...)
			return n, nil

		case videoFieldIsKeyFrame:
			if typ != protowire.VarintType {
				return 0, fmt.Errorf("unexpected wire type %v for bool", typ)
			}
			val, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			v.IsKeyFrame = protowire.DecodeBool(val)
			return n, nil
		}
		return -1, nil
	})
}

// Marshal encodes the packet.
func (p ArFramePacket) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, packetFieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.TimestampNS))
	b = appendMessage(b, packetFieldPose, p.Pose.marshal())
	b = appendMessage(b, packetFieldVideo, p.Video.marshal())
	return b
}

// Unmarshal decodes the packet.
func (p *ArFramePacket) Unmarshal(b []byte) error {
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case packetFieldTimestamp:
			if typ != protowire.VarintType {
				return 0, fmt.Errorf("unexpected wire type %v for timestamp", typ)
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			p.TimestampNS = int64(v)
			return n, nil

		case packetFieldPose:
			buf, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			return n, p.Pose.unmarshal(buf)

		case packetFieldVideo:
			buf, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			return n, p.Video.unmarshal(buf)
		}
		return -1, nil
	})
	if err != nil {
		return err
	}

	// timestamps are carried once on the wire
	p.Pose.Timestamp = p.TimestampNS
	p.Video.Timestamp = p.TimestampNS

	return nil
}

// Marshal encodes the intrinsics.
func (c CameraIntrinsics) Marshal() []byte {
	var b []byte
	b = appendFloat(b, intrinsicsFieldFocalX, c.FocalX)
	b = appendFloat(b, intrinsicsFieldFocalY, c.FocalY)
	b = appendFloat(b, intrinsicsFieldPrincipalX, c.PrincipalX)
	b = appendFloat(b, intrinsicsFieldPrincipalY, c.PrincipalY)
	return b
}

// Unmarshal decodes the intrinsics.
func (c *CameraIntrinsics) Unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case intrinsicsFieldFocalX:
			return consumeFloat(typ, b, &c.FocalX)

		case intrinsicsFieldFocalY:
			return consumeFloat(typ, b, &c.FocalY)

		case intrinsicsFieldPrincipalX:
			return consumeFloat(typ, b, &c.PrincipalX)

		case intrinsicsFieldPrincipalY:
			return consumeFloat(typ, b, &c.PrincipalY)
		}
		return -1, nil
	})
}

// Marshal encodes the message.
func (m ClientMessage) Marshal() ([]byte, error) {
	switch {
	case m.Intrinsics != nil && m.ArFramePacket != nil:
		return nil, fmt.Errorf("message contains both intrinsics and a frame packet")

	case m.Intrinsics != nil:
		return appendMessage(nil, clientFieldIntrinsics, m.Intrinsics.Marshal()), nil

	case m.ArFramePacket != nil:
		return appendMessage(nil, clientFieldArFramePacket, m.ArFramePacket.Marshal()), nil
	}

	return nil, fmt.Errorf("message is empty")
}

// Unmarshal decodes the message.
func (m *ClientMessage) Unmarshal(b []byte) error {
	*m = ClientMessage{}

	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case clientFieldIntrinsics:
			buf, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.ArFramePacket = nil
			m.Intrinsics = &CameraIntrinsics{}
			return n, m.Intrinsics.Unmarshal(buf)

		case clientFieldArFramePacket:
			buf, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.Intrinsics = nil
			m.ArFramePacket = &ArFramePacket{}
			return n, m.ArFramePacket.Unmarshal(buf)
		}
		return -1, nil
	})
	if err != nil {
		return err
	}

	if m.Intrinsics == nil && m.ArFramePacket == nil {
		return fmt.Errorf("message is empty")
	}

	return nil
}

func (l Landmark) marshal() []byte {
	var b []byte
	b = appendFloat(b, landmarkFieldX, l.X)
	b = appendFloat(b, landmarkFieldY, l.Y)
	return b
}

func (l *Landmark) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case landmarkFieldX:
			return consumeFloat(typ, b, &l.X)

		case landmarkFieldY:
			return consumeFloat(typ, b, &l.Y)
		}
		return -1, nil
	})
}

// Marshal encodes the message.
func (m ServerMessage) Marshal() []byte {
	var b []byte

	if m.StatusMessage != "" {
		b = protowire.AppendTag(b, serverFieldStatusMessage, protowire.BytesType)
		b = protowire.AppendString(b, m.StatusMessage)
	}

	if m.TranslationResult != nil {
		b = protowire.AppendTag(b, serverFieldTranslationResult, protowire.BytesType)
		b = protowire.AppendString(b, *m.TranslationResult)
	}

	if m.HandLandmarks != nil {
		var inner []byte
		for _, l := range m.HandLandmarks {
			inner = appendMessage(inner, landmarksFieldLandmarks, l.marshal())
		}
		b = appendMessage(b, serverFieldHandLandmarks, inner)
	}

	return b
}

// Unmarshal decodes the message.
func (m *ServerMessage) Unmarshal(b []byte) error {
	*m = ServerMessage{}

	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case serverFieldStatusMessage:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.StatusMessage = string(v)
			return n, nil

		case serverFieldTranslationResult:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			s := string(v)
			m.TranslationResult = &s
			return n, nil

		case serverFieldHandLandmarks:
			inner, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}

			m.HandLandmarks = []Landmark{}

			err = walk(inner, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num != landmarksFieldLandmarks {
					return -1, nil
				}

				buf, n, err := consumeBytes(typ, b)
				if err != nil {
					return 0, err
				}

				var l Landmark
				err = l.unmarshal(buf)
				if err != nil {
					return 0, err
				}

				m.HandLandmarks = append(m.HandLandmarks, l)
				return n, nil
			})
			return n, err
		}
		return -1, nil
	})
}
