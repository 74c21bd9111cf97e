package competition

import (
	"encoding/binary"
	"math"
)

// MaxDeviation bounds every draw to three standard deviations.
const MaxDeviation = 3.0

// Deviate 返回由种子与序号确定的标准正态偏差，截断在 ±3σ 之内。
// 同一 (seed, index) 始终得到同一结果。
func Deviate(seed [32]byte, index int) float64 {
	state := binary.BigEndian.Uint64(seed[0:8]) ^
		binary.BigEndian.Uint64(seed[8:16]) ^
		binary.BigEndian.Uint64(seed[16:24]) ^
		binary.BigEndian.Uint64(seed[24:32])
	state += uint64(index) * 0x9e3779b97f4a7c15

	u1 := unitInterval(splitMix64(&state))
	u2 := unitInterval(splitMix64(&state))
	z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
	return math.Max(-MaxDeviation, math.Min(MaxDeviation, z))
}

func splitMix64(state *uint64) uint64 {
	*state += 0x9e3779b97f4a7c15
	z := *state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// unitInterval 映射到开区间 (0,1)，避免 log(0)。
func unitInterval(v uint64) float64 {
	return (float64(v>>11) + 0.5) / (1 << 53)
}
