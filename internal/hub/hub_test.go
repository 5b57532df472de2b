package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxhub/internal/asr"
	"voxhub/internal/calldb"
	"voxhub/internal/config"
	"voxhub/internal/slu"
	"voxhub/internal/tts"
	"voxhub/internal/voipio"
	"voxhub/pkg/protocol"
)

type running struct {
	hub  *Hub
	dev  *voipio.MemoryDevice
	done chan struct{}
	err  error
}

func startHub(t *testing.T, cfg *config.Config) *running {
	t.Helper()
	return startHubWith(t, cfg, tts.Null{Rate: cfg.Audio.SampleRate})
}

func startHubWith(t *testing.T, cfg *config.Config, engine tts.Engine) *running {
	t.Helper()
	db, err := calldb.Open(cfg.CallDB.Path)
	require.NoError(t, err)
	clf, err := slu.NewPhraseClassifier(cfg.SLU.Phrases, cfg.SLU.NBest)
	require.NoError(t, err)

	dev := voipio.NewMemoryDevice(256)
	pipe := NewPipeline(cfg, Engines{
		Device:     dev,
		ASR:        asr.Null{},
		Classifier: clf,
		TTS:        engine,
	}, nil)
	h := New(cfg, NewOrchestrator(cfg, db, nil), pipe, nil)

	r := &running{hub: h, dev: dev, done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		r.err = h.Run(ctx)
		close(r.done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(10 * time.Second):
		}
	})
	return r
}

func (r *running) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-r.done:
		return r.err
	case <-time.After(10 * time.Second):
		t.Fatal("hub did not stop")
		return nil
	}
}

// levelEngine speaks each introduction line as a tone of its own level, and
// everything else at level 500.
type levelEngine struct {
	rate  int
	lines []string
}

func (levelEngine) Name() string { return "level" }

func (e levelEngine) Synthesize(_ context.Context, text string) ([]int16, int, error) {
	level := int16(500)
	for i, line := range e.lines {
		if line == text {
			level = int16(1000 * (i + 1))
		}
	}
	pcm := make([]int16, e.rate/10)
	for i := range pcm {
		pcm[i] = level
	}
	return pcm, e.rate, nil
}

func (levelEngine) Close() error { return nil }

// levels lists the tone levels the line played, one per run of frames.
func levels(frames []protocol.Frame) []int16 {
	var out []int16
	for _, f := range frames {
		if len(f.Samples) == 0 {
			continue
		}
		if l := f.Samples[0]; len(out) == 0 || out[len(out)-1] != l {
			out = append(out, l)
		}
	}
	return out
}

func calls(cfg *config.Config, uri string) []calldb.Call {
	db, err := calldb.Open(cfg.CallDB.Path)
	if err != nil {
		return nil
	}
	return db.Calls(uri)
}

func TestHubEndsAfterMaxCalls(t *testing.T) {
	cfg := testConfig(t)
	cfg.Hub.MaxCalls = 1
	r := startHub(t, cfg)

	r.dev.Ring("sip:alice@pbx")
	r.dev.Confirm("sip:alice@pbx")
	assert.Eventually(t, func() bool {
		return len(calls(cfg, "alice")) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"sip:alice@pbx"}, r.dev.Answered())

	r.dev.Disconnect("sip:alice@pbx")
	require.NoError(t, r.wait(t))

	got := calls(cfg, "alice")
	require.Len(t, got, 1)
	assert.False(t, got[0].Open())
}

func TestHubStopsOnControlCommand(t *testing.T) {
	cfg := testConfig(t)
	r := startHub(t, cfg)

	assert.Error(t, r.hub.Submit(protocol.New("CTL", "DM", protocol.Hangup{})))
	require.NoError(t, r.hub.Submit(protocol.New("CTL", Name, protocol.MakeCall{Destination: "sip:bob@pbx"})))
	assert.Eventually(t, func() bool {
		return len(r.dev.Dialed()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, r.hub.Submit(protocol.New("CTL", Name, protocol.Stop{})))
	require.NoError(t, r.wait(t))
	assert.Equal(t, []string{"sip:bob@pbx"}, r.dev.Dialed())
}

func TestHubTurnsAwayCallersOverLimitsFromHistory(t *testing.T) {
	cfg := testConfig(t)
	db, err := calldb.Open(cfg.CallDB.Path)
	require.NoError(t, err)
	history(t, db, "4420", time.Now().Add(-5*time.Hour), 2, 20*time.Minute)

	r := startHub(t, cfg)
	// the hub pushes the blacklist before its first tick
	time.Sleep(50 * time.Millisecond)
	r.dev.Ring("sip:4420@pbx")

	assert.Eventually(t, func() bool {
		return len(r.dev.Rejected()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, r.dev.Answered())
}

func TestIntroductionIsPlayedOnceTheCallIsConfirmed(t *testing.T) {
	cfg := testConfig(t)
	r := startHubWith(t, cfg, levelEngine{rate: cfg.Audio.SampleRate, lines: cfg.Script.Introduction})

	r.dev.Ring("sip:alice@pbx")
	assert.Eventually(t, func() bool {
		return len(r.dev.Answered()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	// the introduction is synthesized while the line is still ringing
	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, r.dev.Played())

	r.dev.Confirm("sip:alice@pbx")
	assert.Eventually(t, func() bool {
		return len(levels(r.dev.Played())) >= 4
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int16{1000, 2000, 3000, 500}, levels(r.dev.Played())[:4])
}
