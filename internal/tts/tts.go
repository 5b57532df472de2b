// Package tts turns synthesize commands into framed audio for the VoipIO
// stage.
package tts

import (
	"context"
	"errors"
	log "log/slog"
	"path/filepath"
	"strings"
	"time"

	"voxhub/internal/config"
	"voxhub/internal/metrics"
	"voxhub/internal/recording"
	"voxhub/internal/stage"
	"voxhub/pkg/audioconv"
	"voxhub/pkg/protocol"
)

const Name = "TTS"

// Stage synthesizes one queued text per tick. On the audio channel each text
// becomes utterance_start, its frames and utterance_end; the hub is told
// tts_start and tts_end.
type Stage struct {
	cfg     *config.Config
	log     *log.Logger
	metrics *metrics.Collector
	engine  Engine

	out    *stage.Channel[protocol.Message]
	events *stage.Channel[protocol.Command]

	queue   []protocol.Synthesize
	prompts map[string][]int16
}

func New(cfg *config.Config, engine Engine, out *stage.Channel[protocol.Message], m *metrics.Collector) *Stage {
	return &Stage{
		cfg:     cfg,
		log:     log.With("stage", Name, "engine", engine.Name()),
		metrics: m,
		engine:  engine,
		out:     out,
		events:  stage.NewChannel[protocol.Command](Name+".events", cfg.Hub.ChannelBuffer),
		prompts: make(map[string][]int16),
	}
}

func (s *Stage) Name() string { return Name }

func (s *Stage) Accepts() []protocol.Verb {
	return []protocol.Verb{protocol.VerbSynthesize}
}

func (s *Stage) Events() *stage.Channel[protocol.Command] { return s.events }

func (s *Stage) Command(_ context.Context, cmd protocol.Command) error {
	b, ok := cmd.Body.(protocol.Synthesize)
	if !ok {
		s.log.Warn("Ignoring command", "cmd", cmd)
		return nil
	}
	s.queue = append(s.queue, b)
	return nil
}

// Tick synthesizes a single text so that a flush can land between texts.
func (s *Stage) Tick(ctx context.Context) error {
	if len(s.queue) == 0 {
		return nil
	}
	req := s.queue[0]
	s.queue = s.queue[1:]
	return s.synthesize(ctx, req)
}

func (s *Stage) synthesize(ctx context.Context, req protocol.Synthesize) error {
	fname := "tts-" + time.Now().Format("2006-01-02-150405.000000") + ".wav"
	s.log.Info("Synthesize", "user_id", req.UserID, "text", req.Text)

	stage.Emit(s.events, Name, protocol.TTSStart{UserID: req.UserID, Text: req.Text})
	if err := s.send(ctx, protocol.New(Name, "VoipIO", protocol.UtteranceStart{UserID: req.UserID, Text: req.Text, FName: fname})); err != nil {
		return err
	}

	var wav []int16
	for _, seg := range s.segments(req.Text) {
		pcm := s.render(ctx, seg)
		if s.cfg.TTS.FinalSilenceRemoval {
			pcm = trimSilence(pcm, s.cfg.TTS.SilenceLevel)
		}
		wav = append(wav, pcm...)
		for _, f := range protocol.Split(Name, pcm, s.cfg.Audio.SamplesPerFrame) {
			if err := s.send(ctx, f); err != nil {
				return err
			}
		}
	}

	if err := s.send(ctx, protocol.New(Name, "VoipIO", protocol.UtteranceEnd{UserID: req.UserID, Text: req.Text, FName: fname})); err != nil {
		return err
	}
	stage.Emit(s.events, Name, protocol.TTSEnd{UserID: req.UserID, Text: req.Text, FName: fname})

	s.save(fname, wav)
	return nil
}

func (s *Stage) send(ctx context.Context, msg protocol.Message) error {
	err := s.out.Send(ctx, msg)
	if errors.Is(err, stage.ErrChannelClosed) {
		return nil
	}
	return err
}

// segments keeps a text with a prerecorded prompt whole.
func (s *Stage) segments(text string) []string {
	if _, ok := s.cfg.TTS.Prompts[strings.TrimSpace(text)]; ok {
		return []string{strings.TrimSpace(text)}
	}
	return splitSentences(text)
}

// render returns the audio for one segment at the configured rate. Failures
// are logged and yield no audio.
func (s *Stage) render(ctx context.Context, text string) []int16 {
	if pcm, ok := s.prompt(ctx, text); ok {
		return pcm
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.TTS.Timeout)
	defer cancel()

	start := time.Now()
	pcm, rate, err := s.engine.Synthesize(ctx, text)
	s.metrics.Engine(s.engine.Name(), time.Since(start), err)
	if err != nil {
		s.log.Error("Synthesis failed", "err", &EngineFailure{Engine: s.engine.Name(), Text: text, Err: err})
		return nil
	}
	return audioconv.ResamplePCM16(pcm, rate, s.cfg.Audio.SampleRate)
}

func (s *Stage) prompt(ctx context.Context, text string) ([]int16, bool) {
	path, ok := s.cfg.TTS.Prompts[text]
	if !ok {
		return nil, false
	}
	if pcm, ok := s.prompts[text]; ok {
		return pcm, true
	}
	pcm, err := audioconv.DecodeFile(ctx, path, audioconv.Options{Rate: s.cfg.Audio.SampleRate})
	if err != nil {
		s.log.Error("Failed to load prompt, falling back to the engine", "path", path, "err", err)
		return nil, false
	}
	s.prompts[text] = pcm
	return pcm, true
}

func (s *Stage) save(fname string, pcm []int16) {
	if !s.cfg.TTS.SaveUtterances || len(pcm) == 0 {
		return
	}
	w, err := recording.NewSegmentWriter(filepath.Join(s.cfg.Logging.SessionDir, fname), s.cfg.Audio.SampleRate)
	if err != nil {
		s.log.Error("Failed to save utterance", "err", err)
		return
	}
	if err := w.Write(pcm); err != nil {
		s.log.Error("Failed to save utterance", "err", err)
	}
	if err := w.Close(); err != nil {
		s.log.Error("Failed to save utterance", "err", err)
	}
}

// Flush forgets queued texts. Audio already sent is the VoipIO stage's to drop.
func (s *Stage) Flush(context.Context) error {
	s.metrics.Dropped(Name, len(s.queue))
	s.queue = nil
	stage.Emit(s.events, Name, protocol.Flushed{})
	return nil
}

func (s *Stage) Close() error {
	s.queue = nil
	return s.engine.Close()
}
