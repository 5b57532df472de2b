package tts

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxhub/internal/config"
	"voxhub/internal/recording"
	"voxhub/internal/stage"
	"voxhub/pkg/protocol"
)

type fakeEngine struct {
	texts []string
	fail  map[string]bool
	n     int
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Synthesize(_ context.Context, text string) ([]int16, int, error) {
	e.texts = append(e.texts, text)
	if e.fail[text] {
		return nil, 0, errors.New("no voice")
	}
	pcm := make([]int16, e.n)
	for i := range pcm {
		pcm[i] = 1000
	}
	// trailing silence
	return append(pcm, make([]int16, 50)...), 16000, nil
}

func (e *fakeEngine) Close() error { return nil }

func newStage(t *testing.T, eng Engine) (*Stage, *stage.Channel[protocol.Message]) {
	t.Helper()
	cfg := config.Default()
	cfg.Audio.SamplesPerFrame = 100
	cfg.Logging.SessionDir = t.TempDir()
	out := stage.NewChannel[protocol.Message]("out", 1024)
	return New(&cfg, eng, out, nil), out
}

func synthesize(t *testing.T, s *Stage, userID, text string) {
	t.Helper()
	cmd := protocol.New("HUB", Name, protocol.Synthesize{UserID: userID, Text: text})
	require.NoError(t, s.Command(context.Background(), cmd))
}

func drain(out *stage.Channel[protocol.Message]) (cmds []protocol.Command, frames []protocol.Frame) {
	for {
		m, ok := out.Poll()
		if !ok {
			return cmds, frames
		}
		switch v := m.(type) {
		case protocol.Command:
			cmds = append(cmds, v)
		case protocol.Frame:
			frames = append(frames, v)
		}
	}
}

func verbs(s *Stage) []protocol.Verb {
	var out []protocol.Verb
	for {
		ev, ok := s.Events().Poll()
		if !ok {
			return out
		}
		out = append(out, ev.Verb)
	}
}

func TestSynthesizeBracketsFrames(t *testing.T) {
	eng := &fakeEngine{n: 250}
	s, out := newStage(t, eng)

	synthesize(t, s, "3", "Hello there. How are you?")
	require.NoError(t, s.Tick(context.Background()))

	assert.Equal(t, []string{"Hello there.", "How are you?"}, eng.texts)

	var seq []string
	for {
		m, ok := out.Poll()
		if !ok {
			break
		}
		switch v := m.(type) {
		case protocol.Command:
			seq = append(seq, string(v.Verb))
		case protocol.Frame:
			assert.Len(t, v.Samples, 100)
			seq = append(seq, "frame")
		}
	}
	// 250 samples per sentence after trimming make three frames each.
	assert.Equal(t, []string{
		"utterance_start",
		"frame", "frame", "frame",
		"frame", "frame", "frame",
		"utterance_end",
	}, seq)

	ev, ok := s.Events().Poll()
	require.True(t, ok)
	assert.Equal(t, protocol.TTSStart{UserID: "3", Text: "Hello there. How are you?"}, ev.Body)
	ev, ok = s.Events().Poll()
	require.True(t, ok)
	end := ev.Body.(protocol.TTSEnd)
	assert.Equal(t, "3", end.UserID)
	assert.Regexp(t, `^tts-.*\.wav$`, end.FName)
}

func TestOneTextPerTick(t *testing.T) {
	eng := &fakeEngine{n: 10}
	s, _ := newStage(t, eng)

	synthesize(t, s, "1", "One.")
	synthesize(t, s, "2", "Two.")
	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, []string{"One."}, eng.texts)

	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, []string{"One."}, eng.texts)

	assert.Equal(t, []protocol.Verb{
		protocol.VerbTTSStart, protocol.VerbTTSEnd, protocol.VerbFlushed, protocol.VerbFlushed,
	}, verbs(s))
}

func TestEngineFailureStillBrackets(t *testing.T) {
	eng := &fakeEngine{n: 10, fail: map[string]bool{"Broken.": true}}
	s, out := newStage(t, eng)

	synthesize(t, s, "7", "Broken.")
	require.NoError(t, s.Tick(context.Background()))

	cmds, frames := drain(out)
	assert.Empty(t, frames)
	require.Len(t, cmds, 2)
	assert.Equal(t, protocol.VerbUtteranceStart, cmds[0].Verb)
	assert.Equal(t, protocol.VerbUtteranceEnd, cmds[1].Verb)
	assert.Equal(t, []protocol.Verb{protocol.VerbTTSStart, protocol.VerbTTSEnd}, verbs(s))
}

func TestPromptBypassesEngine(t *testing.T) {
	eng := &fakeEngine{n: 10}
	s, out := newStage(t, eng)

	path := filepath.Join(t.TempDir(), "hello.wav")
	w, err := recording.NewSegmentWriter(path, s.cfg.Audio.SampleRate)
	require.NoError(t, err)
	tone := make([]int16, 300)
	for i := range tone {
		tone[i] = 2000
	}
	require.NoError(t, w.Write(tone))
	require.NoError(t, w.Close())
	s.cfg.TTS.Prompts = map[string]string{"Hello. Welcome.": path}

	synthesize(t, s, "", "Hello. Welcome.")
	require.NoError(t, s.Tick(context.Background()))

	assert.Empty(t, eng.texts)
	_, frames := drain(out)
	assert.Len(t, frames, 3)
}

func TestSaveUtterances(t *testing.T) {
	s, _ := newStage(t, &fakeEngine{n: 120})
	s.cfg.TTS.SaveUtterances = true

	synthesize(t, s, "", "Saved.")
	require.NoError(t, s.Tick(context.Background()))

	var end protocol.TTSEnd
	for {
		ev, ok := s.Events().Poll()
		require.True(t, ok)
		if b, ok := ev.Body.(protocol.TTSEnd); ok {
			end = b
			break
		}
	}
	assert.FileExists(t, filepath.Join(s.cfg.Logging.SessionDir, end.FName))
}

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"Hello.", []string{"Hello."}},
		{"Hello there. How are you?", []string{"Hello there.", "How are you?"}},
		{"It costs 3.50 dollars. Ok!", []string{"It costs 3.50 dollars.", "Ok!"}},
		{"Mr. Smith is here", []string{"Mr.", "Smith is here"}},
		{"no capital. after", []string{"no capital. after"}},
		{"  ", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, splitSentences(tt.in), tt.in)
	}
}

func TestTrimSilence(t *testing.T) {
	assert.Equal(t, []int16{500, 3, 600}, trimSilence([]int16{500, 3, 600, 10, -20, 0}, 64))
	assert.Empty(t, trimSilence([]int16{1, -1, 0}, 64))
}
