// Package slu converts recognized utterances into dialogue act hypotheses.
package slu

import (
	"context"
	"errors"
	log "log/slog"
	"time"

	"voxhub/internal/asr"
	"voxhub/internal/config"
	"voxhub/internal/metrics"
	"voxhub/internal/stage"
	"voxhub/pkg/hypothesis"
	"voxhub/pkg/protocol"
)

const Name = "SLU"

// Result pairs the dialogue acts with the utterances they were parsed from.
type Result struct {
	ID           uint64
	FName        string
	Utterances   *hypothesis.NBList[hypothesis.Utterance]
	DialogueActs *hypothesis.NBList[hypothesis.DialogueAct]
}

// Empty is the hypothesis of an utterance nothing could be made of.
func Empty() *hypothesis.NBList[hypothesis.DialogueAct] {
	l := hypothesis.NewDialogueActNBList()
	_ = l.Normalise()
	return l
}

type Stage struct {
	cfg     *config.Config
	log     *log.Logger
	metrics *metrics.Collector
	clf     Classifier

	in     *stage.Channel[asr.Result]
	out    *stage.Channel[Result]
	events *stage.Channel[protocol.Command]
}

func New(cfg *config.Config, clf Classifier, in *stage.Channel[asr.Result], out *stage.Channel[Result], m *metrics.Collector) *Stage {
	return &Stage{
		cfg:     cfg,
		log:     log.With("stage", Name, "classifier", clf.Name()),
		metrics: m,
		clf:     clf,
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

// Tick parses one recognized segment.
func (s *Stage) Tick(ctx context.Context) error {
	in, ok := s.in.Poll()
	if !ok {
		return nil
	}

	utts := in.Utterances
	if utts == nil {
		utts = asr.Empty()
	}
	das := s.parse(ctx, utts)

	best, p := das.Best()
	s.log.Info("Parsed", "best", best, "prob", p, "fname", in.FName)

	stage.Emit(s.events, Name, protocol.SLUParsed{FName: in.FName})
	res := Result{ID: protocol.NextID(), FName: in.FName, Utterances: utts, DialogueActs: das}
	if err := s.out.Send(ctx, res); err != nil && !errors.Is(err, stage.ErrChannelClosed) {
		return err
	}
	return nil
}

type outcome struct {
	das *hypothesis.NBList[hypothesis.DialogueAct]
	err error
}

func (s *Stage) parse(ctx context.Context, utts *hypothesis.NBList[hypothesis.Utterance]) *hypothesis.NBList[hypothesis.DialogueAct] {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SLU.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		das, err := s.clf.Parse(ctx, utts)
		done <- outcome{das, err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		o.err = ctx.Err()
	}
	s.metrics.Engine(s.clf.Name(), time.Since(start), o.err)
	if o.err != nil {
		s.log.Error("Classification failed", "err", o.err)
		return Empty()
	}
	if o.das == nil {
		return Empty()
	}
	if err := o.das.Complete(); err != nil {
		s.log.Error("Invalid dialogue act hypothesis", "err", err)
	}
	return o.das
}

// Flush discards queued recognition results. The classifiers keep no
// per-turn state.
func (s *Stage) Flush(context.Context) error {
	n := s.in.Drain()
	s.metrics.Dropped(Name, n)
	stage.Emit(s.events, Name, protocol.Flushed{})
	return nil
}

func (s *Stage) Close() error {
	s.in.Drain()
	return nil
}
