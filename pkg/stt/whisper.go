package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"runtime"
	"strings"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

type Options struct {
	Language      string  // e.g. "auto", "en", "cs"
	Threads       int     // <=0 => NumCPU()
	InitialPrompt string  // optional prefix prompt
	BeamSize      int     // 0 = greedy
	Temperature   float32 // 0 = default
}

type Word struct {
	Text string
	Prob float64
}

type Segment struct {
	Text       string
	StartSec   float64
	EndSec     float64
	Words      []Word
	Confidence float64 // geometric mean of word probabilities
}

type Result struct {
	Text       string
	Segments   []Segment
	Language   string
	Confidence float64
}

// Words flattens the words of all segments.
func (r Result) Words() []Word {
	var out []Word
	for _, s := range r.Segments {
		out = append(out, s.Words...)
	}
	return out
}

// Transcriber serializes access to one whisper model.
type Transcriber struct {
	mu    sync.Mutex
	model whisper.Model
}

func NewTranscriber(modelPath string) (*Transcriber, error) {
	if modelPath == "" {
		return nil, errors.New("empty model path")
	}
	m, err := whisper.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	return &Transcriber{model: m}, nil
}

func (t *Transcriber) Close() error {
	if t.model == nil {
		return nil
	}
	return t.model.Close()
}

// TranscribePCM recognizes mono 16 kHz float32 samples in [-1, 1]. A done
// ctx aborts the encoder before it starts.
func (t *Transcriber) TranscribePCM(ctx context.Context, pcm16k []float32, opt Options) (Result, error) {
	if t.model == nil {
		return Result{}, errors.New("nil model")
	}
	if len(pcm16k) == 0 {
		return Result{}, errors.New("no audio samples provided")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	wctx, err := t.model.NewContext()
	if err != nil {
		return Result{}, fmt.Errorf("new context: %w", err)
	}

	if opt.Language == "" {
		opt.Language = "auto"
	}
	if err := wctx.SetLanguage(opt.Language); err != nil {
		return Result{}, fmt.Errorf("set language: %w", err)
	}

	threads := opt.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	wctx.SetThreads(uint(threads))
	wctx.SetSplitOnWord(true)
	wctx.SetTokenTimestamps(true)

	if opt.BeamSize > 0 {
		wctx.SetBeamSize(opt.BeamSize)
	}
	if opt.InitialPrompt != "" {
		wctx.SetInitialPrompt(opt.InitialPrompt)
	}
	if opt.Temperature != 0 {
		wctx.SetTemperature(opt.Temperature)
	}

	proceed := func() bool { return ctx.Err() == nil }
	if err := wctx.Process(pcm16k, proceed, nil, nil); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("process: %w", err)
	}

	var (
		res   Result
		texts []string
		logp  float64
		nword int
	)
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		s, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("next segment: %w", err)
		}

		seg := Segment{
			Text:     strings.TrimSpace(s.Text),
			StartSec: s.Start.Seconds(),
			EndSec:   s.End.Seconds(),
		}
		var segLogp float64
		for _, tok := range s.Tokens {
			text := strings.TrimSpace(tok.Text)
			// Special tokens look like [_BEG_] or <|endoftext|>.
			if text == "" || strings.HasPrefix(text, "[_") || strings.HasPrefix(text, "<|") {
				continue
			}
			p := min(max(float64(tok.P), 1e-6), 1)
			seg.Words = append(seg.Words, Word{Text: text, Prob: p})
			segLogp += math.Log(p)
		}
		if len(seg.Words) > 0 {
			seg.Confidence = math.Exp(segLogp / float64(len(seg.Words)))
		}
		logp += segLogp
		nword += len(seg.Words)

		res.Segments = append(res.Segments, seg)
		if seg.Text != "" {
			texts = append(texts, seg.Text)
		}
	}

	res.Text = strings.Join(texts, " ")
	if nword > 0 {
		res.Confidence = math.Exp(logp / float64(nword))
	}
	res.Language = wctx.DetectedLanguage()
	if res.Language == "" {
		res.Language = wctx.Language()
	}
	return res, nil
}
