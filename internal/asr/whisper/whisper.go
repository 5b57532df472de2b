// Package whisper adapts the whisper.cpp transcriber to the ASR engine
// contract.
package whisper

import (
	"context"
	"strings"

	"voxhub/internal/config"
	"voxhub/pkg/audioconv"
	"voxhub/pkg/hypothesis"
	"voxhub/pkg/stt"
	"voxhub/pkg/util"
)

const whisperRate = 16000

// Engine runs whisper.cpp over a whole segment. Each recognized word becomes
// a slot in which the word competes with silence by its token probability.
type Engine struct {
	tr  *stt.Transcriber
	opt stt.Options
}

func New(cfg config.ASRConfig) (*Engine, error) {
	tr, err := stt.NewTranscriber(cfg.Model)
	if err != nil {
		return nil, err
	}
	return &Engine{
		tr:  tr,
		opt: stt.Options{Language: cfg.Language, Threads: cfg.Threads},
	}, nil
}

func (w *Engine) Name() string { return "whisper" }

func (w *Engine) Recognize(ctx context.Context, pcm []int16, rate int) (*hypothesis.ConfusionNetwork[string, hypothesis.Utterance], error) {
	samples := audioconv.Resample(audioconv.FromPCM16(pcm), rate, whisperRate)
	res, err := w.tr.TranscribePCM(ctx, samples, w.opt)
	if err != nil {
		return nil, err
	}
	return wordsToCN(res), nil
}

func wordsToCN(res stt.Result) *hypothesis.ConfusionNetwork[string, hypothesis.Utterance] {
	cn := hypothesis.NewUtteranceCN()
	words := res.Words()
	if len(words) == 0 {
		for _, w := range strings.Fields(res.Text) {
			words = append(words, stt.Word{Text: w, Prob: max(res.Confidence, 0.5)})
		}
	}
	for _, w := range words {
		p := util.Clamp(w.Prob, 0, 1)
		if p == 1 {
			cn.AddSlot(hypothesis.Alternative[string]{Prob: 1, Word: w.Text})
			continue
		}
		cn.AddSlot(
			hypothesis.Alternative[string]{Prob: p, Word: w.Text},
			hypothesis.Alternative[string]{Prob: 1 - p},
		)
	}
	return cn
}

func (w *Engine) Close() error { return w.tr.Close() }
