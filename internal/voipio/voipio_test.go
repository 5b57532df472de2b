package voipio

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxhub/internal/config"
	"voxhub/internal/recording"
	"voxhub/internal/stage"
	"voxhub/pkg/protocol"
)

type harness struct {
	s      *Stage
	dev    *MemoryDevice
	record *stage.Channel[protocol.Message]
	play   *stage.Channel[protocol.Message]
	now    time.Time
	frame  time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Logging.SessionDir = t.TempDir()

	h := &harness{
		dev:    NewMemoryDevice(1024),
		record: stage.NewChannel[protocol.Message]("record", 1024),
		play:   stage.NewChannel[protocol.Message]("play", 1024),
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		frame:  cfg.Audio.FrameDuration(),
	}
	h.s = New(&cfg, h.dev, h.record, h.play, nil)
	h.s.now = func() time.Time { return h.now }
	require.NoError(t, h.s.Open(context.Background()))
	t.Cleanup(func() { h.s.Close() })
	return h
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, h.s.Tick(context.Background()))
}

func (h *harness) command(t *testing.T, body protocol.Body) {
	t.Helper()
	require.NoError(t, h.s.Command(context.Background(), protocol.New("HUB", Name, body)))
}

func (h *harness) events() []protocol.Command {
	var out []protocol.Command
	for {
		ev, ok := h.s.Events().Poll()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func verbsOf(cmds []protocol.Command) []protocol.Verb {
	out := make([]protocol.Verb, len(cmds))
	for i, c := range cmds {
		out[i] = c.Verb
	}
	return out
}

func bodiesOf(cmds []protocol.Command) []protocol.Body {
	out := make([]protocol.Body, len(cmds))
	for i, c := range cmds {
		out[i] = c.Body
	}
	return out
}

func tone(n int) []protocol.Frame {
	frames := make([]protocol.Frame, n)
	for i := range frames {
		samples := make([]int16, 256)
		for j := range samples {
			samples[j] = int16(100 * (i + 1))
		}
		frames[i] = protocol.NewFrame("TTS", samples)
	}
	return frames
}

func (h *harness) connect(t *testing.T, uri string) {
	t.Helper()
	h.dev.Ring(uri)
	h.dev.Confirm(uri)
	h.tick(t)
	h.events()
}

func (h *harness) queueUtterance(t *testing.T, id string, frames []protocol.Frame) {
	t.Helper()
	require.True(t, h.play.Offer(protocol.New("TTS", Name, protocol.UtteranceStart{UserID: id, FName: id + ".wav"})))
	for _, f := range frames {
		require.True(t, h.play.Offer(f))
	}
	require.True(t, h.play.Offer(protocol.New("TTS", Name, protocol.UtteranceEnd{UserID: id, FName: id + ".wav"})))
}

func TestIncomingCallIsAnswered(t *testing.T) {
	h := newHarness(t)

	h.dev.Ring("sip:alice@pbx.example.org")
	h.tick(t)

	assert.Equal(t, []string{"sip:alice@pbx.example.org"}, h.dev.Answered())
	assert.Empty(t, h.dev.Rejected())
	evs := h.events()
	require.Len(t, evs, 1)
	assert.Equal(t, protocol.IncomingCall{RemoteURI: "alice"}, evs[0].Body)
}

func TestBlacklistedCallerIsRejected(t *testing.T) {
	h := newHarness(t)
	h.command(t, protocol.BlackList{RemoteURI: "sip:4420@pbx", Expire: h.now.Add(time.Hour)})

	h.dev.Ring("sip:4420@gw.example.org")
	h.tick(t)

	assert.Equal(t, []string{"sip:4420@gw.example.org"}, h.dev.Rejected())
	assert.Empty(t, h.dev.Answered())
	evs := h.events()
	require.Len(t, evs, 1)
	assert.Equal(t, protocol.RejectedCallFromBlacklistedURI{RemoteURI: "4420"}, evs[0].Body)
	assert.Zero(t, h.record.Len())
}

func TestExpiredBlacklistEntryAllowsCall(t *testing.T) {
	h := newHarness(t)
	h.command(t, protocol.BlackList{RemoteURI: "4420", Expire: h.now.Add(-time.Minute)})

	assert.False(t, h.s.Blacklisted("sip:4420@pbx", h.now))
	h.dev.Ring("sip:4420@pbx")
	h.tick(t)

	assert.Len(t, h.dev.Answered(), 1)
	assert.Equal(t, []protocol.Verb{protocol.VerbIncomingCall}, verbsOf(h.events()))
}

func TestRecordedAudioFlowsOnlyWhileConnected(t *testing.T) {
	h := newHarness(t)

	h.dev.Ring("sip:bob@pbx")
	h.dev.Speak(tone(2)...)
	h.dev.Confirm("sip:bob@pbx")
	h.dev.Speak(tone(3)...)
	h.tick(t)

	assert.Equal(t, 3, h.record.Len())
	assert.Equal(t, []protocol.Verb{protocol.VerbIncomingCall, protocol.VerbCallConfirmed}, verbsOf(h.events()))

	h.dev.Disconnect("sip:bob@pbx")
	h.dev.Speak(tone(2)...)
	h.tick(t)
	assert.Equal(t, 3, h.record.Len())

	evs := h.events()
	require.Len(t, evs, 1)
	assert.Equal(t, protocol.CallDisconnected{RemoteURI: "bob"}, evs[0].Body)

	matches, err := filepath.Glob(filepath.Join(h.s.cfg.Logging.SessionDir, "call-*-bob.wav"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestPlaybackIsPacedAtLineRate(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "sip:carol@pbx")

	h.queueUtterance(t, "7", tone(4))
	h.tick(t)
	// one frame of lead
	assert.Len(t, h.dev.Played(), 2)
	assert.Equal(t, []protocol.Verb{protocol.VerbPlayUtteranceStart}, verbsOf(h.events()))

	h.tick(t)
	assert.Len(t, h.dev.Played(), 2)

	h.now = h.now.Add(h.frame)
	h.tick(t)
	assert.Len(t, h.dev.Played(), 3)
	assert.Empty(t, h.events())

	h.now = h.now.Add(h.frame)
	h.tick(t)
	played := h.dev.Played()
	require.Len(t, played, 4)
	for i, f := range played {
		assert.Equal(t, int16(100*(i+1)), f.Samples[0])
	}

	evs := h.events()
	require.Len(t, evs, 1)
	assert.Equal(t, protocol.PlayUtteranceEnd{UserID: "7", FName: "7.wav"}, evs[0].Body)
}

func TestPlaybackCatchesUpAfterStall(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "sip:carol@pbx")

	h.now = h.now.Add(time.Second)
	h.queueUtterance(t, "1", tone(3))
	h.tick(t)

	// a stalled clock never bursts more than the lead
	assert.Len(t, h.dev.Played(), 2)
}

func TestPlaybackWaitsForConfirmedCall(t *testing.T) {
	h := newHarness(t)

	h.dev.Ring("sip:alice@pbx")
	h.tick(t)
	h.events()

	h.queueUtterance(t, "0", tone(2))
	h.queueUtterance(t, "1", tone(2))
	h.now = h.now.Add(time.Second)
	h.tick(t)
	assert.Empty(t, h.dev.Played())
	assert.Empty(t, h.events())

	h.dev.Confirm("sip:alice@pbx")
	h.tick(t)
	assert.Len(t, h.dev.Played(), 2)
	assert.Equal(t, []protocol.Body{
		protocol.CallConfirmed{RemoteURI: "alice"},
		protocol.PlayUtteranceStart{UserID: "0", FName: "0.wav"},
		protocol.PlayUtteranceEnd{UserID: "0", FName: "0.wav"},
		protocol.PlayUtteranceStart{UserID: "1", FName: "1.wav"},
	}, bodiesOf(h.events()))

	for range 3 {
		h.now = h.now.Add(h.frame)
		h.tick(t)
	}
	require.Len(t, h.dev.Played(), 4)
	assert.Equal(t, []protocol.Body{
		protocol.PlayUtteranceEnd{UserID: "1", FName: "1.wav"},
	}, bodiesOf(h.events()))
}

func TestPlaybackWithoutCallIsNotReported(t *testing.T) {
	h := newHarness(t)

	h.queueUtterance(t, "4", tone(3))
	h.tick(t)
	assert.Empty(t, h.dev.Played())
	assert.Empty(t, h.events())

	// nothing from before the call leaks into it
	h.connect(t, "sip:bob@pbx")
	h.now = h.now.Add(time.Second)
	h.tick(t)
	assert.Empty(t, h.dev.Played())
	assert.Empty(t, h.events())
}

func TestDisconnectBeforeConfirmDropsHeldPlayback(t *testing.T) {
	h := newHarness(t)

	h.dev.Ring("sip:carol@pbx")
	h.tick(t)
	h.queueUtterance(t, "0", tone(3))
	h.tick(t)

	h.dev.Disconnect("sip:carol@pbx")
	h.tick(t)
	assert.Equal(t, []protocol.Verb{protocol.VerbIncomingCall, protocol.VerbCallDisconnected}, verbsOf(h.events()))

	h.connect(t, "sip:dave@pbx")
	h.now = h.now.Add(time.Second)
	h.tick(t)
	assert.Empty(t, h.dev.Played())
	assert.Empty(t, h.events())
}

func TestFramesOutsideUtteranceAreDropped(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "sip:dave@pbx")

	for _, f := range tone(3) {
		require.True(t, h.play.Offer(f))
	}
	h.tick(t)
	assert.Empty(t, h.dev.Played())
	assert.Empty(t, h.events())
}

func TestDisconnectDropsPendingPlayback(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "sip:erin@pbx")

	h.queueUtterance(t, "3", tone(10))
	h.tick(t)
	require.Len(t, h.dev.Played(), 2)
	h.events()

	h.dev.Disconnect("")
	h.tick(t)
	h.now = h.now.Add(10 * h.frame)
	h.tick(t)

	assert.Len(t, h.dev.Played(), 2)
	evs := h.events()
	require.Len(t, evs, 1)
	// the caller is remembered when the device omits it
	assert.Equal(t, protocol.CallDisconnected{RemoteURI: "erin"}, evs[0].Body)
}

func TestFlushDropsQueuedAudio(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "sip:frank@pbx")
	h.queueUtterance(t, "9", tone(5))

	require.NoError(t, h.s.Flush(context.Background()))
	require.NoError(t, h.s.Flush(context.Background()))
	assert.Zero(t, h.play.Len())

	h.now = h.now.Add(time.Second)
	h.tick(t)
	assert.Empty(t, h.dev.Played())
	assert.Equal(t, []protocol.Verb{protocol.VerbFlushed, protocol.VerbFlushed}, verbsOf(h.events()))
}

func TestCommandsReachDevice(t *testing.T) {
	h := newHarness(t)

	h.command(t, protocol.MakeCall{Destination: "sip:grace@pbx"})
	h.command(t, protocol.Hangup{})
	assert.Error(t, h.s.Command(context.Background(), protocol.New("HUB", Name, protocol.Transfer{Destination: "100"})))
	assert.Equal(t, 1, h.dev.Hangups())

	h.dev.Digit("5")
	h.tick(t)
	evs := h.events()
	assert.Equal(t, []protocol.Verb{protocol.VerbCallConnecting, protocol.VerbDTMFDigit}, verbsOf(evs))
	assert.Equal(t, protocol.CallConnecting{RemoteURI: "grace"}, evs[0].Body)
}

func TestUserFromURI(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"sip:4420@pbx.example.org", "4420"},
		{`"Alice" <sip:alice.smith@gw:5060>;tag=1`, "alice.smith"},
		{"sip:+420123@gw", "+420123"},
		{"alice", "alice"},
		{"", ""},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			assert.Equal(t, c.want, UserFromURI(c.in))
		})
	}
}

func TestFileDeviceSimulatesOneCall(t *testing.T) {
	cfg := config.Default()
	cfg.Audio.SampleRate = 8000
	cfg.Audio.SamplesPerFrame = 800
	cfg.VoipIO.InputFile = filepath.Join(t.TempDir(), "caller.wav")

	w, err := recording.NewSegmentWriter(cfg.VoipIO.InputFile, 8000)
	require.NoError(t, err)
	samples := make([]int16, 1600)
	for i := range samples {
		samples[i] = 2000
	}
	require.NoError(t, w.Write(samples))
	require.NoError(t, w.Close())

	dev := NewFileDevice(&cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	in, err := dev.Start(ctx)
	require.NoError(t, err)
	defer dev.Close()

	next := func() protocol.Message {
		select {
		case m := <-in:
			return m
		case <-ctx.Done():
			t.Fatal("file device stalled")
			return nil
		}
	}

	ring, ok := next().(protocol.Command)
	require.True(t, ok)
	assert.Equal(t, protocol.IncomingCall{RemoteURI: defaultFileURI}, ring.Body)

	require.NoError(t, dev.Answer(defaultFileURI))
	confirmed, ok := next().(protocol.Command)
	require.True(t, ok)
	assert.Equal(t, protocol.VerbCallConfirmed, confirmed.Verb)

	frames := 0
	for {
		m := next()
		if cmd, ok := m.(protocol.Command); ok {
			assert.Equal(t, protocol.VerbCallDisconnected, cmd.Verb)
			break
		}
		frames++
	}
	// two frames of speech and one second of trailing silence
	assert.Equal(t, 12, frames)
}
