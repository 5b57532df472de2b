package stage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxhub/pkg/protocol"
)

type recorder struct {
	mu     sync.Mutex
	events *Channel[protocol.Command]
	calls  []string
	closed bool
}

func newRecorder() *recorder {
	return &recorder{events: NewChannel[protocol.Command]("rec.events", 16)}
}

func (r *recorder) log(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) Name() string                       { return "REC" }
func (r *recorder) Accepts() []protocol.Verb           { return []protocol.Verb{protocol.VerbSynthesize} }
func (r *recorder) Events() *Channel[protocol.Command] { return r.events }
func (r *recorder) Command(_ context.Context, cmd protocol.Command) error {
	r.log(string(cmd.Verb))
	return nil
}
func (r *recorder) Tick(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.calls); n == 0 || r.calls[n-1] != "tick" {
		r.calls = append(r.calls, "tick")
	}
	return nil
}
func (r *recorder) Flush(context.Context) error {
	r.log("flush")
	Emit(r.events, "REC", protocol.Flushed{})
	return nil
}
func (r *recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func TestChannel(t *testing.T) {
	ch := NewChannel[int]("ints", 2)

	assert.True(t, ch.Offer(1))
	assert.True(t, ch.Offer(2))
	assert.False(t, ch.Offer(3))
	assert.Equal(t, 2, ch.Len())

	v, ok := ch.Poll()
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	assert.Equal(t, 1, ch.Drain())
	_, ok = ch.Poll()
	assert.False(t, ok)

	ch.Close()
	assert.ErrorIs(t, ch.Send(context.Background(), 4), ErrChannelClosed)
	assert.False(t, ch.Offer(4))
}

func TestChannelSendRespectsContext(t *testing.T) {
	ch := NewChannel[int]("ints", 0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ch.Send(ctx, 1), context.DeadlineExceeded)
}

func TestCommandsBeforePayload(t *testing.T) {
	rec := newRecorder()
	h := NewHandle(rec, time.Millisecond, 16)
	ctx := context.Background()

	// Queue before the loop starts so the first tick sees them all.
	require.NoError(t, h.Send(ctx, protocol.New("HUB", "", protocol.Synthesize{Text: "a"})))
	require.NoError(t, h.Send(ctx, protocol.New("HUB", "", protocol.Flush{})))
	require.NoError(t, h.Send(ctx, protocol.New("HUB", "", protocol.Synthesize{Text: "b"})))

	h.Start(ctx)
	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 4 }, time.Second, time.Millisecond)

	assert.Equal(t, []string{"synthesize", "flush", "synthesize", "tick"}, rec.snapshot()[:4])

	ev, ok := h.Events().Poll()
	require.True(t, ok)
	assert.Equal(t, protocol.VerbFlushed, ev.Verb)

	h.Stop("HUB")
	require.NoError(t, h.Wait(ctx))
	assert.True(t, rec.closed)
}

func TestHandleRejectsVerbs(t *testing.T) {
	h := NewHandle(newRecorder(), time.Millisecond, 4)
	err := h.Send(context.Background(), protocol.New("HUB", "", protocol.Hangup{}))
	assert.True(t, errors.Is(err, ErrVerbNotAccepted))
}

func TestStopDiscardsPendingAndRefusesSends(t *testing.T) {
	rec := newRecorder()
	h := NewHandle(rec, time.Millisecond, 8)
	ctx := context.Background()

	for range 5 {
		require.NoError(t, h.Send(ctx, protocol.New("HUB", "", protocol.Synthesize{Text: "x"})))
	}
	h.Stop("HUB")
	h.Start(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, h.Wait(waitCtx))

	assert.NotContains(t, rec.snapshot(), "synthesize")
	assert.ErrorIs(t, h.Send(ctx, protocol.New("HUB", "", protocol.Synthesize{})), ErrChannelClosed)
}

func TestRunEndsOnCancel(t *testing.T) {
	rec := newRecorder()
	h := NewHandle(rec, time.Millisecond, 4)
	ctx, cancel := context.WithCancel(context.Background())
	h.Start(ctx)
	cancel()

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("stage did not exit")
	}
	assert.True(t, rec.closed)
}
