package stage

import (
	"context"
	"fmt"
	log "log/slog"
	"sync/atomic"
	"time"

	"voxhub/pkg/protocol"
)

// Handle is the hub's side of one stage: its command queue, its event queue,
// the set of verbs it accepts and its run state.
type Handle struct {
	stage   Stage
	tick    time.Duration
	cmds    *Channel[protocol.Command]
	accepts map[protocol.Verb]bool

	stopped atomic.Bool
	done    chan struct{}
	err     error
}

func NewHandle(s Stage, tick time.Duration, buffer int) *Handle {
	accepts := map[protocol.Verb]bool{
		protocol.VerbStop:  true,
		protocol.VerbFlush: true,
	}
	for _, v := range s.Accepts() {
		accepts[v] = true
	}
	return &Handle{
		stage:   s,
		tick:    tick,
		cmds:    NewChannel[protocol.Command](s.Name()+".cmd", buffer),
		accepts: accepts,
		done:    make(chan struct{}),
	}
}

func (h *Handle) Name() string { return h.stage.Name() }

// Events is the stage's outgoing notification queue.
func (h *Handle) Events() *Channel[protocol.Command] { return h.stage.Events() }

func (h *Handle) Accepts(v protocol.Verb) bool { return h.accepts[v] }

// Run blocks in the stage control loop.
func (h *Handle) Run(ctx context.Context) error {
	defer close(h.done)
	h.err = Run(ctx, h.stage, h.cmds, h.tick)
	return h.err
}

// Start runs the stage on its own goroutine.
func (h *Handle) Start(ctx context.Context) {
	go func() {
		if err := h.Run(ctx); err != nil {
			log.Error("Stage exited", "stage", h.Name(), "err", err)
		}
	}()
}

// Send queues a command for the stage, retargeted to it.
func (h *Handle) Send(ctx context.Context, cmd protocol.Command) error {
	if h.stopped.Load() {
		return fmt.Errorf("%s: %w", h.Name(), ErrChannelClosed)
	}
	if !h.accepts[cmd.Verb] {
		return fmt.Errorf("%s does not accept %s: %w", h.Name(), cmd.Verb, ErrVerbNotAccepted)
	}
	return h.cmds.Send(ctx, cmd.Retarget(cmd.Source, h.Name()))
}

// Stop discards queued commands and queues stop. It never blocks; the
// stage exits after its current tick.
func (h *Handle) Stop(source string) {
	if h.stopped.Swap(true) {
		return
	}
	if n := h.cmds.Drain(); n > 0 {
		log.Debug("Dropped commands before stop", "stage", h.Name(), "count", n)
	}
	h.cmds.Offer(protocol.New(source, h.Name(), protocol.Stop{}))
}

// Drain discards every pending event from the stage.
func (h *Handle) Drain() int {
	return h.stage.Events().Drain()
}

func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the stage loop has returned.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return fmt.Errorf("wait for %s: %w", h.Name(), ctx.Err())
	}
}
