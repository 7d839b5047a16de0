package audiobuf

import "github.com/tphakala/simd/f32"

// Equals reports whether the first channels x samples of a and b are
// bit-for-bit equal (with IEEE comparison semantics).
func Equals(a, b [][]float32, channels, samples int) bool {
	for ch := range channels {
		ca, cb := a[ch][:samples], b[ch][:samples]
		for i := range ca {
			if ca[i] != cb[i] {
				return false
			}
		}
	}

	return true
}

// Copy copies channels x samples from src into dst. dst must already hold at
// least that many samples per channel.
func Copy(src, dst [][]float32, channels, samples int) {
	for ch := range channels {
		copy(dst[ch][:samples], src[ch][:samples])
	}
}

// Sum adds every sample of the first channels x samples of buf.
func Sum(buf [][]float32, channels, samples int) float32 {
	var sum float32
	for ch := range channels {
		sum += f32.Sum(buf[ch][:samples])
	}

	return sum
}

// NextPowerOf2 returns the smallest power of two >= x, or 1 for x <= 1.
func NextPowerOf2(x int) int {
	p := 1
	for p < x {
		p *= 2
	}

	return p
}
