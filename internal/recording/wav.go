package recording

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const pcmFormat = 1

type wavFile struct {
	f    *os.File
	enc  *wav.Encoder
	rate int
	ch   int
}

func createWAV(path string, rate, channels int) (*wavFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &wavFile{
		f:    f,
		enc:  wav.NewEncoder(f, rate, 16, channels, pcmFormat),
		rate: rate,
		ch:   channels,
	}, nil
}

func (w *wavFile) write(interleaved []int) error {
	return w.enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: w.ch, SampleRate: w.rate},
		Data:           interleaved,
		SourceBitDepth: 16,
	})
}

func (w *wavFile) close() error {
	if err := w.enc.Close(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// SegmentWriter writes one mono speech segment.
type SegmentWriter struct {
	path string
	w    *wavFile
}

func NewSegmentWriter(path string, rate int) (*SegmentWriter, error) {
	w, err := createWAV(path, rate, 1)
	if err != nil {
		return nil, fmt.Errorf("create segment %s: %w", path, err)
	}
	return &SegmentWriter{path: path, w: w}, nil
}

func (s *SegmentWriter) Path() string { return s.path }

func (s *SegmentWriter) Write(samples []int16) error {
	data := make([]int, len(samples))
	for i, v := range samples {
		data[i] = int(v)
	}
	return s.w.write(data)
}

func (s *SegmentWriter) Close() error { return s.w.close() }

// SessionWriter logs a call as stereo: recorded audio left, played audio
// right. Played samples are queued and paired with the next recorded ones so
// both channels stay aligned to the recording clock.
type SessionWriter struct {
	mu     sync.Mutex
	path   string
	w      *wavFile
	played []int16
}

func NewSessionWriter(path string, rate int) (*SessionWriter, error) {
	w, err := createWAV(path, rate, 2)
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", path, err)
	}
	return &SessionWriter{path: path, w: w}, nil
}

func (s *SessionWriter) Path() string { return s.path }

// Played queues audio sent to the caller.
func (s *SessionWriter) Played(samples []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.played = append(s.played, samples...)
}

// Recorded writes audio from the caller next to whatever was played meanwhile.
func (s *SessionWriter) Recorded(samples []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := min(len(samples), len(s.played))
	data := make([]int, 2*len(samples))
	for i, v := range samples {
		data[2*i] = int(v)
		if i < n {
			data[2*i+1] = int(s.played[i])
		}
	}
	s.played = s.played[n:]
	return s.w.write(data)
}

// Close writes any played audio still queued against silence.
func (s *SessionWriter) Close() error {
	s.mu.Lock()
	rest := s.played
	s.played = nil
	s.mu.Unlock()

	if len(rest) > 0 {
		data := make([]int, 2*len(rest))
		for i, v := range rest {
			data[2*i+1] = int(v)
		}
		if err := s.w.write(data); err != nil {
			s.w.close()
			return err
		}
	}
	return s.w.close()
}
