package test

// H264SPS is a 1920x1080 baseline SPS.
var H264SPS = []byte{
	0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
	0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
	0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9, 0x20,
}

// H264PPS is a PPS.
var H264PPS = []byte{0x08, 0x06, 0x07, 0x08}

// H264IDR is an IDR NALU.
var H264IDR = []byte{0x65, 0x88, 0x84, 0x00, 0x33}

// H264NonIDR is a non-IDR NALU.
var H264NonIDR = []byte{0x41, 0x9a, 0x24}
