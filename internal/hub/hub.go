package hub

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"voxhub/internal/config"
	"voxhub/internal/metrics"
	"voxhub/internal/stage"
	"voxhub/pkg/protocol"
)

var ErrControlFull = errors.New("hub: control queue full")

// Hub runs every stage of a pipeline on its own goroutine and is the only
// party that talks to all of them. Each tick it reads every stage's events,
// feeds them to the orchestrator and routes what comes back.
type Hub struct {
	cfg     *config.Config
	log     *log.Logger
	metrics *metrics.Collector
	orch    *Orchestrator
	pipe    *Pipeline
	now     func() time.Time

	handles []*stage.Handle
	byName  map[string]*stage.Handle
	control chan protocol.Command
}

func New(cfg *config.Config, orch *Orchestrator, pipe *Pipeline, m *metrics.Collector) *Hub {
	h := &Hub{
		cfg:     cfg,
		log:     log.With("stage", Name),
		metrics: m,
		orch:    orch,
		pipe:    pipe,
		now:     time.Now,
		byName:  make(map[string]*stage.Handle),
		control: make(chan protocol.Command, 16),
	}
	for _, s := range pipe.Stages() {
		hd := stage.NewHandle(s, cfg.Hub.Tick, cfg.Hub.ChannelBuffer)
		h.handles = append(h.handles, hd)
		h.byName[hd.Name()] = hd
	}
	return h
}

// Submit queues an external control command. A command addressed to the
// hub itself (or to nobody) goes to the first stage that accepts its verb;
// stop ends the hub.
func (h *Hub) Submit(cmd protocol.Command) error {
	if cmd.Verb != protocol.VerbStop && cmd.Target != Name && cmd.Target != "" && cmd.Target != Broadcast {
		if _, ok := h.byName[cmd.Target]; !ok {
			return fmt.Errorf("unknown target %q", cmd.Target)
		}
	}
	select {
	case h.control <- cmd:
		return nil
	default:
		return ErrControlFull
	}
}

// Run opens the line, starts the stages and drives calls until ctx is done,
// a stop command arrives or hub.max_calls calls have ended. It returns once
// every stage has exited.
func (h *Hub) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := h.pipe.VoipIO.Open(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, hd := range h.handles {
		g.Go(func() error { return hd.Run(gctx) })
	}
	g.Go(func() error {
		err := h.loop(gctx)
		if serr := h.shutdown(); serr != nil && err == nil {
			err = serr
		}
		// stages still stuck in an engine call exit once it returns
		cancel()
		return err
	})
	return g.Wait()
}

func (h *Hub) loop(ctx context.Context) error {
	h.log.Info("Hub started", "stages", len(h.handles), "max_calls", h.cfg.Hub.MaxCalls)
	h.route(ctx, h.orch.Start(h.now()))

	ticker := time.NewTicker(h.cfg.Hub.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-h.control:
			if cmd.Verb == protocol.VerbStop {
				h.log.Info("Stop requested", "source", cmd.Source)
				return nil
			}
			h.log.Info("Control command", "cmd", cmd)
			h.route(ctx, []protocol.Command{cmd})
			continue
		case <-ticker.C:
		}

		h.step(ctx, h.now())

		if h.cfg.Hub.MaxCalls > 0 && h.orch.Completed() >= h.cfg.Hub.MaxCalls && h.orch.State() == Idle {
			h.log.Info("Call limit reached", "calls", h.orch.Completed())
			return nil
		}
	}
}

// step is one hub tick: events from every stage in a fixed order, then the
// orchestrator's timers.
func (h *Hub) step(ctx context.Context, now time.Time) {
	for _, hd := range h.handles {
		for {
			ev, ok := hd.Events().Poll()
			if !ok {
				break
			}
			h.metrics.Command(ev.Source, string(ev.Verb))
			h.log.Info("Event", "cmd", ev)
			h.route(ctx, h.orch.Handle(ev, now))
		}
	}

	for {
		r, ok := h.pipe.Results.Poll()
		if !ok {
			break
		}
		if r.Utterances == nil || r.DialogueActs == nil {
			continue
		}
		utt, up := r.Utterances.Best()
		da, dp := r.DialogueActs.Best()
		h.log.Info("Understood", "fname", r.FName,
			"utterance", utt, "utterance_prob", up, "act", da, "act_prob", dp)
	}

	h.route(ctx, h.orch.Tick(now))
}

func (h *Hub) route(ctx context.Context, cmds []protocol.Command) {
	for _, cmd := range cmds {
		switch cmd.Target {
		case Broadcast:
			for _, hd := range h.handles {
				if hd.Accepts(cmd.Verb) {
					h.send(ctx, hd, cmd)
				}
			}
		case Name, "":
			hd := h.accepting(cmd.Verb)
			if hd == nil {
				h.log.Warn("No stage accepts command", "cmd", cmd)
				continue
			}
			h.send(ctx, hd, cmd)
		default:
			hd, ok := h.byName[cmd.Target]
			if !ok {
				h.log.Warn("Unknown target", "cmd", cmd)
				continue
			}
			h.send(ctx, hd, cmd)
		}
	}
}

func (h *Hub) accepting(v protocol.Verb) *stage.Handle {
	for _, hd := range h.handles {
		if hd.Accepts(v) && v != protocol.VerbFlush {
			return hd
		}
	}
	return nil
}

func (h *Hub) send(ctx context.Context, hd *stage.Handle, cmd protocol.Command) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.Hub.StopTimeout)
	defer cancel()
	if err := hd.Send(ctx, cmd); err != nil {
		h.log.Error("Failed to route command", "cmd", cmd, "err", err)
	}
}

// shutdown drains every queue before stop goes out, so no stage is stuck
// sending while the hub waits for it, then waits for all stages.
func (h *Hub) shutdown() error {
	dropped := 0
	for _, hd := range h.handles {
		dropped += hd.Drain()
	}
	for _, q := range h.pipe.queues() {
		dropped += q.Drain()
	}
	for _, hd := range h.handles {
		hd.Stop(Name)
	}
	for _, q := range h.pipe.queues() {
		q.Close()
	}
	h.metrics.Dropped(Name, dropped)
	h.log.Info("Stopping stages", "dropped", dropped)

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.Hub.StopTimeout)
	defer cancel()

	var errs []error
	for _, hd := range h.handles {
		if err := hd.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, q := range h.pipe.queues() {
		q.Drain()
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	h.log.Info("Hub stopped", "calls", h.orch.Completed())
	return nil
}
