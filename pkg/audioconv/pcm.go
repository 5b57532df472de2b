package audioconv

import (
	"math"

	"github.com/faiface/beep"

	"voxhub/pkg/util"
)

// ToPCM16 converts float samples in [-1, 1] to signed 16 bit, clipping.
func ToPCM16(x []float32) []int16 {
	out := make([]int16, len(x))
	for i, v := range x {
		s := math.Round(float64(v) * 32767)
		out[i] = int16(util.Clamp(s, -32768, 32767))
	}
	return out
}

func FromPCM16(data []int16) []float32 {
	out := make([]float32, len(data))
	const scale = 1.0 / 32768.0
	for i, v := range data {
		out[i] = float32(float64(v) * scale)
	}
	return out
}

// sliceStreamer feeds a mono buffer into beep as a dual-mono stream.
type sliceStreamer struct {
	data []float32
	pos  int
}

func (s *sliceStreamer) Stream(samples [][2]float64) (int, bool) {
	if s.pos >= len(s.data) {
		return 0, false
	}
	n := copy2(samples, s.data[s.pos:])
	s.pos += n
	return n, true
}

func (s *sliceStreamer) Err() error { return nil }

func copy2(dst [][2]float64, src []float32) int {
	n := min(len(dst), len(src))
	for i := 0; i < n; i++ {
		v := float64(src[i])
		dst[i] = [2]float64{v, v}
	}
	return n
}

// Resample converts mono audio between sample rates.
func Resample(in []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || len(in) == 0 {
		return in
	}

	r := beep.Resample(4, beep.SampleRate(from), beep.SampleRate(to), &sliceStreamer{data: in})
	out := make([]float32, 0, int(math.Ceil(float64(len(in))*float64(to)/float64(from))))
	buf := make([][2]float64, 512)
	for {
		n, ok := r.Stream(buf)
		for i := 0; i < n; i++ {
			out = append(out, float32(buf[i][0]))
		}
		if !ok || n == 0 {
			break
		}
	}
	return out
}

// ResamplePCM16 is Resample for 16 bit samples.
func ResamplePCM16(in []int16, from, to int) []int16 {
	if from == to {
		return in
	}
	return ToPCM16(Resample(FromPCM16(in), from, to))
}
