package asr

import (
	"context"
	"fmt"

	"voxhub/pkg/hypothesis"
)

// Engine recognizes one complete speech segment of mono PCM16 audio.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, pcm []int16, rate int) (*hypothesis.ConfusionNetwork[string, hypothesis.Utterance], error)
	Close() error
}

// EngineFailure wraps an error or timeout from the wrapped engine.
type EngineFailure struct {
	Engine string
	Err    error
}

func (e *EngineFailure) Error() string {
	return fmt.Sprintf("asr engine %s: %v", e.Engine, e.Err)
}

func (e *EngineFailure) Unwrap() error { return e.Err }

// Null recognizes nothing; every segment becomes an empty utterance.
type Null struct{}

func (Null) Name() string { return "null" }

func (Null) Recognize(context.Context, []int16, int) (*hypothesis.ConfusionNetwork[string, hypothesis.Utterance], error) {
	return hypothesis.NewUtteranceCN(), nil
}

func (Null) Close() error { return nil }
