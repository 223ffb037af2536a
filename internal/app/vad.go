package app

import "math"

// RMSEnergy returns the root-mean-square energy of 16-bit little-endian PCM,
// normalised to 0.0..1.0. A trailing odd byte is ignored.
func RMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}
	return math.Sqrt(sum / float64(samples))
}

// SilenceDetector classifies chunks as voiced or silent by RMS energy.
type SilenceDetector struct {
	Threshold float64
}

func (d SilenceDetector) Silent(pcm []byte) bool {
	return RMSEnergy(pcm) < d.Threshold
}
