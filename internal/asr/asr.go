// Package asr turns speech segments bracketed by the VAD into utterance
// hypotheses.
package asr

import (
	"context"
	"errors"
	log "log/slog"
	"time"

	"voxhub/internal/config"
	"voxhub/internal/metrics"
	"voxhub/internal/stage"
	"voxhub/pkg/hypothesis"
	"voxhub/pkg/protocol"
)

const Name = "ASR"

// Result is one recognized segment.
type Result struct {
	ID         uint64
	FName      string
	Utterances *hypothesis.NBList[hypothesis.Utterance]
}

// Empty is the hypothesis of a segment with nothing recognized.
func Empty() *hypothesis.NBList[hypothesis.Utterance] {
	l := hypothesis.NewUtteranceNBList()
	_ = l.Normalise()
	return l
}

type Stage struct {
	cfg     *config.Config
	log     *log.Logger
	metrics *metrics.Collector
	engine  Engine

	in     *stage.Channel[protocol.Message]
	out    *stage.Channel[Result]
	events *stage.Channel[protocol.Command]

	queue      []protocol.Message
	collecting bool
	fname      string
	buf        []int16
}

func New(cfg *config.Config, engine Engine, in *stage.Channel[protocol.Message], out *stage.Channel[Result], m *metrics.Collector) *Stage {
	return &Stage{
		cfg:     cfg,
		log:     log.With("stage", Name, "engine", engine.Name()),
		metrics: m,
		engine:  engine,
		in:      in,
		out:     out,
		events:  stage.NewChannel[protocol.Command](Name+".events", cfg.Hub.ChannelBuffer),
	}
}

func (s *Stage) Name() string                             { return Name }
func (s *Stage) Accepts() []protocol.Verb                 { return nil }
func (s *Stage) Events() *stage.Channel[protocol.Command] { return s.events }

func (s *Stage) Command(_ context.Context, cmd protocol.Command) error {
	s.log.Warn("Ignoring command", "cmd", cmd)
	return nil
}

// Tick moves queued input into the local backlog, trims the backlog when
// recognition falls behind, and handles messages until one segment has
// been recognized.
func (s *Stage) Tick(ctx context.Context) error {
	for {
		msg, ok := s.in.Poll()
		if !ok {
			break
		}
		s.queue = append(s.queue, msg)
	}
	if len(s.queue) == 0 {
		return nil
	}

	s.trimBacklog()
	s.keepLastSegment()

	for len(s.queue) > 0 {
		msg := s.queue[0]
		s.queue = s.queue[1:]

		switch m := msg.(type) {
		case protocol.Frame:
			if s.collecting {
				s.buf = append(s.buf, m.Samples...)
			}
		case protocol.Command:
			switch b := m.Body.(type) {
			case protocol.SpeechStart:
				if s.collecting {
					s.log.Warn("speech_start inside a segment, restarting", "fname", b.FName)
				}
				s.collecting = true
				s.fname = b.FName
				s.buf = s.buf[:0]
			case protocol.SpeechEnd:
				if !s.collecting {
					s.log.Warn("speech_end without speech_start", "fname", b.FName)
				}
				fname := s.fname
				if fname == "" {
					fname = b.FName
				}
				return s.recognize(ctx, fname)
			}
		}
	}
	return nil
}

// trimBacklog drops frames up to the next segment boundary when more than
// the configured number of messages are waiting.
func (s *Stage) trimBacklog() {
	if len(s.queue) <= s.cfg.ASR.MaxBacklog {
		return
	}
	dropped := 0
	for len(s.queue) > 0 {
		if _, ok := s.queue[0].(protocol.Frame); !ok {
			break
		}
		s.queue = s.queue[1:]
		dropped++
	}
	if dropped > 0 {
		s.log.Warn("Backlog too long, skipping frames", "dropped", dropped, "left", len(s.queue))
		s.metrics.Dropped(Name, dropped)
	}
}

// keepLastSegment abandons all but the last complete segment in the backlog.
func (s *Stage) keepLastSegment() {
	ends := 0
	for _, m := range s.queue {
		if isVerb(m, protocol.VerbSpeechEnd) {
			ends++
		}
	}
	if ends < 2 {
		return
	}

	skipped := 0
	for ends > 1 {
		m := s.queue[0]
		s.queue = s.queue[1:]
		skipped++
		if isVerb(m, protocol.VerbSpeechEnd) {
			ends--
		}
	}
	s.collecting = false
	s.buf = s.buf[:0]
	s.log.Warn("Skipping stale segments", "messages", skipped)
	s.metrics.Dropped(Name, skipped)
}

func isVerb(m protocol.Message, v protocol.Verb) bool {
	cmd, ok := m.(protocol.Command)
	return ok && cmd.Verb == v
}

func (s *Stage) recognize(ctx context.Context, fname string) error {
	pcm := s.buf
	s.collecting = false
	s.buf = nil
	s.fname = ""

	stage.Emit(s.events, Name, protocol.ASRStart{FName: fname})
	defer stage.Emit(s.events, Name, protocol.ASREnd{FName: fname})

	hyp := Empty()
	if len(pcm) > 0 {
		hyp = s.run(ctx, pcm)
	}

	best, p := hyp.Best()
	s.log.Info("Recognized", "best", best, "prob", p, "samples", len(pcm), "fname", fname)

	res := Result{ID: protocol.NextID(), FName: fname, Utterances: hyp}
	if err := s.out.Send(ctx, res); err != nil {
		if errors.Is(err, stage.ErrChannelClosed) {
			return nil
		}
		return err
	}
	return nil
}

type outcome struct {
	cn  *hypothesis.ConfusionNetwork[string, hypothesis.Utterance]
	err error
}

// run calls the engine under the configured timeout. An engine that ignores
// ctx is abandoned when the timeout fires. Failures become an empty hypothesis.
func (s *Stage) run(ctx context.Context, pcm []int16) *hypothesis.NBList[hypothesis.Utterance] {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ASR.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		cn, err := s.engine.Recognize(ctx, pcm, s.cfg.Audio.SampleRate)
		done <- outcome{cn, err}
	}()

	var (
		cn  *hypothesis.ConfusionNetwork[string, hypothesis.Utterance]
		err error
	)
	select {
	case o := <-done:
		cn, err = o.cn, o.err
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.metrics.Engine(s.engine.Name(), time.Since(start), err)
	if err != nil {
		s.log.Error("Recognition failed", "err", &EngineFailure{Engine: s.engine.Name(), Err: err})
		return Empty()
	}
	if cn == nil {
		return Empty()
	}

	hyp, err := cn.NBList(s.cfg.ASR.NBest, s.cfg.ASR.Mass)
	if err != nil {
		s.log.Error("Invalid recognition hypothesis", "err", err)
		return Empty()
	}
	return hyp
}

// Flush forgets queued audio and the segment being collected.
func (s *Stage) Flush(context.Context) error {
	dropped := s.in.Drain() + len(s.queue)
	s.queue = nil
	s.collecting = false
	s.fname = ""
	s.buf = nil
	s.metrics.Dropped(Name, dropped)
	stage.Emit(s.events, Name, protocol.Flushed{})
	s.log.Debug("Flushed", "dropped", dropped)
	return nil
}

func (s *Stage) Close() error {
	s.in.Drain()
	return s.engine.Close()
}
