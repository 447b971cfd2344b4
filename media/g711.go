package media

// G.711 μ-law codec, payload type 0. Standard ITU-T bias/clip constants;
// the exponent table maps the high byte of the biased magnitude to its
// 3-bit segment.
const (
	ulawBias = 0x84
	ulawClip = 32635
)

var ulawExpTable = [256]byte{
	0, 0, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3, 3, 3, 3, 3,
	4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4,
	5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5,
	5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5,
	6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6,
	6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6,
	6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6,
	6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
}

// EncodeSample converts one 16-bit linear PCM sample to μ-law.
func EncodeSample(sample int16) byte {
	// Magnitude in int so -32768 does not overflow on negation.
	v := int(sample)
	var sign byte
	if v < 0 {
		sign = 0x80
		v = -v
	}
	if v > ulawClip {
		v = ulawClip
	}
	v += ulawBias
	exp := ulawExpTable[(v>>7)&0xFF]
	mantissa := byte(v>>(exp+3)) & 0x0F
	return ^(sign | exp<<4 | mantissa)
}

// DecodeSample converts one μ-law byte back to 16-bit linear PCM. Exact
// inverse of EncodeSample: the bias added during encoding is subtracted
// again, so silence survives a round trip unchanged.
func DecodeSample(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mantissa := u & 0x0F
	v := ((int16(mantissa) << 3) + ulawBias) << exp
	v -= ulawBias
	if sign != 0 {
		return -v
	}
	return v
}

// Encode converts a PCM frame to μ-law, one output byte per sample.
func Encode(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = EncodeSample(s)
	}
	return out
}

// Decode converts a μ-law payload to PCM.
func Decode(ulaw []byte) []int16 {
	out := make([]int16, len(ulaw))
	for i, u := range ulaw {
		out[i] = DecodeSample(u)
	}
	return out
}
