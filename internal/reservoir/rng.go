package reservoir

import "math"

// RNG is a small PCG-hash based generator. It is a value type so every
// pixel task owns its stream without allocation, and it produces the same
// sequence as rng_next in the WGSL kernels.
type RNG struct {
	state uint32
}

// NewRNG seeds a stream from a pixel index, a frame counter and a GI
// instance index. Distinct tuples give decorrelated streams.
func NewRNG(pixel, frame, instance uint32) RNG {
	return RNG{state: PCGHash(pixel ^ PCGHash(frame+PCGHash(instance+0x9e3779b9)))}
}

// PCGHash is the 32-bit PCG output permutation used as an integer hash.
func PCGHash(v uint32) uint32 {
	state := v*747796405 + 2891336453
	word := ((state >> ((state >> 28) + 4)) ^ state) * 277803737
	return (word >> 22) ^ word
}

// Uint32 advances the stream.
func (g *RNG) Uint32() uint32 {
	g.state = PCGHash(g.state)
	return g.state
}

// Float32 returns a uniform value in [0, 1).
func (g *RNG) Float32() float32 {
	// 24 mantissa bits keep the result strictly below 1.
	return float32(g.Uint32()>>8) * (1.0 / (1 << 24))
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func sqrt32(v float32) float32 {
	return float32(math.Sqrt(float64(v)))
}
