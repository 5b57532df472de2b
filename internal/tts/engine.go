package tts

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Engine renders text to mono PCM16 at the rate it reports.
type Engine interface {
	Name() string
	Synthesize(ctx context.Context, text string) (pcm []int16, rate int, err error)
	Close() error
}

// EngineFailure wraps an error or timeout from the wrapped engine.
type EngineFailure struct {
	Engine string
	Text   string
	Err    error
}

func (e *EngineFailure) Error() string {
	return fmt.Sprintf("tts engine %s on %q: %v", e.Engine, e.Text, e.Err)
}

func (e *EngineFailure) Unwrap() error { return e.Err }

// Null produces no audio. Utterances are still bracketed, so the hub sees
// them start and end.
type Null struct{ Rate int }

func (Null) Name() string { return "null" }

func (n Null) Synthesize(context.Context, string) ([]int16, int, error) {
	return nil, n.Rate, nil
}

func (Null) Close() error { return nil }

// splitSentences cuts text after a sentence mark that is followed by a
// space and an upper case letter.
func splitSentences(text string) []string {
	var (
		out   []string
		start int
	)
	for i, r := range text {
		if r != '.' && r != '?' && r != '!' {
			continue
		}
		rest := text[i+1:]
		if !strings.HasPrefix(rest, " ") {
			continue
		}
		next, _ := utf8.DecodeRuneInString(strings.TrimLeft(rest, " "))
		if !unicode.IsUpper(next) {
			continue
		}
		if s := strings.TrimSpace(text[start : i+1]); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

// trimSilence drops trailing samples no louder than level.
func trimSilence(pcm []int16, level int) []int16 {
	end := len(pcm)
	for end > 0 {
		x := int(pcm[end-1])
		if x > level || -x > level {
			break
		}
		end--
	}
	return pcm[:end]
}
