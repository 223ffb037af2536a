package rtc

// DecodeULaw expands G.711 mu-law bytes to 16-bit little-endian PCM.
func DecodeULaw(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, u := range in {
		s := ulawToLinear(u)
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

func ulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	sample := ((int32(mantissa) << 3) + 0x84) << exponent
	sample -= 0x84
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// Upsample2x doubles the sample rate of PCM16LE by linear interpolation
// (8 kHz telephony audio to the 16 kHz the engine expects).
func Upsample2x(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		cur := int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
		next := cur
		if i+1 < n {
			next = int16(pcm[2*i+2]) | int16(pcm[2*i+3])<<8
		}
		mid := int16((int32(cur) + int32(next)) / 2)
		out[4*i] = byte(cur)
		out[4*i+1] = byte(cur >> 8)
		out[4*i+2] = byte(mid)
		out[4*i+3] = byte(mid >> 8)
	}
	return out
}
