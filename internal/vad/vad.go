// Package vad segments the recorded audio stream into speech and non-speech.
package vad

import (
	"context"
	log "log/slog"
	"path/filepath"
	"time"

	"voxhub/internal/config"
	"voxhub/internal/metrics"
	"voxhub/internal/recording"
	"voxhub/internal/stage"
	"voxhub/pkg/protocol"
)

const (
	Name = "VAD"

	// batch bounds how many frames one tick consumes.
	batch = 64
)

// Stage reads recorded frames and forwards speech to its output bracketed
// by speech_start and speech_end. The same events go to the hub.
type Stage struct {
	cfg     *config.Config
	log     *log.Logger
	metrics *metrics.Collector

	in     *stage.Channel[protocol.Message]
	out    *stage.Channel[protocol.Message]
	events *stage.Channel[protocol.Command]

	det     *PowerDetector
	pending []protocol.Frame
	segment *recording.SegmentWriter
}

func New(cfg *config.Config, in, out *stage.Channel[protocol.Message], m *metrics.Collector) *Stage {
	return &Stage{
		cfg:     cfg,
		log:     log.With("stage", Name),
		metrics: m,
		in:      in,
		out:     out,
		events:  stage.NewChannel[protocol.Command](Name+".events", cfg.Hub.ChannelBuffer),
		det:     NewPowerDetector(cfg.VAD),
	}
}

func (s *Stage) Name() string                             { return Name }
func (s *Stage) Accepts() []protocol.Verb                 { return nil }
func (s *Stage) Events() *stage.Channel[protocol.Command] { return s.events }

func (s *Stage) Command(_ context.Context, cmd protocol.Command) error {
	s.log.Warn("Ignoring command", "cmd", cmd)
	return nil
}

func (s *Stage) Tick(ctx context.Context) error {
	for range batch {
		msg, ok := s.in.Poll()
		if !ok {
			return nil
		}
		f, ok := msg.(protocol.Frame)
		if !ok {
			continue
		}
		if err := s.frame(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stage) frame(ctx context.Context, f protocol.Frame) error {
	speech, changed := s.det.Decide(f.Samples)

	switch {
	case changed && speech:
		fname := s.openSegment()
		s.log.Debug("Speech start", "threshold", s.det.Threshold(), "buffered", len(s.pending))
		if err := s.forward(ctx, protocol.New(Name, "ASR", protocol.SpeechStart{FName: fname})); err != nil {
			return err
		}
		stage.Emit(s.events, Name, protocol.SpeechStart{FName: fname})
		s.metrics.SpeechSegment()

		for _, p := range s.pending {
			if err := s.speech(ctx, p); err != nil {
				return err
			}
		}
		s.pending = s.pending[:0]
		return s.speech(ctx, f)

	case changed && !speech:
		if err := s.speech(ctx, f); err != nil {
			return err
		}
		fname := s.closeSegment()
		s.log.Debug("Speech end", "fname", fname)
		if err := s.forward(ctx, protocol.New(Name, "ASR", protocol.SpeechEnd{FName: fname})); err != nil {
			return err
		}
		stage.Emit(s.events, Name, protocol.SpeechEnd{FName: fname})
		return nil

	case speech:
		return s.speech(ctx, f)
	}

	s.buffer(f)
	return nil
}

// buffer keeps the most recent non-speech frames so the start of an
// utterance that precedes confirmation is not lost.
func (s *Stage) buffer(f protocol.Frame) {
	limit := s.cfg.VAD.SpeechBufferFrames
	if limit <= 0 {
		return
	}
	if len(s.pending) >= limit {
		copy(s.pending, s.pending[1:])
		s.pending = s.pending[:limit-1]
	}
	s.pending = append(s.pending, f)
}

func (s *Stage) speech(ctx context.Context, f protocol.Frame) error {
	if s.segment != nil {
		if err := s.segment.Write(f.Samples); err != nil {
			s.log.Error("Failed to write segment", "err", err)
			s.segment.Close()
			s.segment = nil
		}
	}
	return s.forward(ctx, f)
}

func (s *Stage) forward(ctx context.Context, msg protocol.Message) error {
	return s.out.Send(ctx, msg)
}

func (s *Stage) openSegment() string {
	if !s.cfg.VAD.SaveSegments {
		return ""
	}
	name := "vad-" + time.Now().Format("2006-01-02-150405.000") + ".wav"
	w, err := recording.NewSegmentWriter(filepath.Join(s.cfg.Logging.SessionDir, name), s.cfg.Audio.SampleRate)
	if err != nil {
		s.log.Error("Failed to open segment", "err", err)
		return ""
	}
	s.segment = w
	return name
}

func (s *Stage) closeSegment() string {
	if s.segment == nil {
		return ""
	}
	name := filepath.Base(s.segment.Path())
	if err := s.segment.Close(); err != nil {
		s.log.Error("Failed to close segment", "err", err)
	}
	s.segment = nil
	return name
}

// Flush drops queued audio and forgets the adapted threshold.
func (s *Stage) Flush(context.Context) error {
	dropped := s.in.Drain()
	s.metrics.Dropped(Name, dropped)
	s.closeSegment()
	s.pending = s.pending[:0]
	s.det.Reset()
	s.log.Debug("Flushed", "dropped", dropped)
	return nil
}

func (s *Stage) Close() error {
	s.closeSegment()
	s.in.Drain()
	return nil
}
