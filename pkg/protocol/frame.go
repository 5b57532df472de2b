package protocol

import (
	"encoding/binary"
	"time"
)

// Frame is a fixed-length chunk of mono PCM16 audio.
type Frame struct {
	ID      uint64
	Time    time.Time
	Source  string
	Samples []int16
}

func (f Frame) MessageID() uint64 { return f.ID }
func (Frame) isMessage()          {}

// NewFrame copies samples into a new frame.
func NewFrame(source string, samples []int16) Frame {
	return Frame{
		ID:      NextID(),
		Time:    time.Now(),
		Source:  source,
		Samples: append([]int16(nil), samples...),
	}
}

// FrameFromBytes decodes little-endian PCM16.
func FrameFromBytes(source string, b []byte) Frame {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return Frame{ID: NextID(), Time: time.Now(), Source: source, Samples: samples}
}

// Bytes returns the samples as little-endian PCM16.
func (f Frame) Bytes() []byte {
	buf := make([]byte, len(f.Samples)*2)
	for i, s := range f.Samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func (f Frame) Len() int {
	return len(f.Samples)
}

// Split slices samples into frames of exactly size samples, zero padding the last one.
func Split(source string, samples []int16, size int) []Frame {
	if size <= 0 || len(samples) == 0 {
		return nil
	}
	frames := make([]Frame, 0, (len(samples)+size-1)/size)
	for off := 0; off < len(samples); off += size {
		chunk := make([]int16, size)
		copy(chunk, samples[off:min(off+size, len(samples))])
		frames = append(frames, Frame{ID: NextID(), Time: time.Now(), Source: source, Samples: chunk})
	}
	return frames
}
