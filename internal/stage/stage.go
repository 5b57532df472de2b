package stage

import (
	"context"
	log "log/slog"
	"time"

	"voxhub/pkg/protocol"
)

// Stage is one pipeline task. Run drives it; none of its methods are called
// concurrently.
type Stage interface {
	Name() string
	// Accepts lists the verbs the stage handles besides stop and flush.
	Accepts() []protocol.Verb
	// Events carries notifications from the stage to the hub.
	Events() *Channel[protocol.Command]
	// Command handles one control command.
	Command(ctx context.Context, cmd protocol.Command) error
	// Tick processes at most one payload batch.
	Tick(ctx context.Context) error
	// Flush abandons the turn in progress. It must be idempotent.
	Flush(ctx context.Context) error
	// Close releases engine resources after stop.
	Close() error
}

// Run is the control loop: every tick it first handles all pending commands,
// then one payload batch. It returns after a stop command or when ctx is
// done. Per-turn errors are logged and never end the loop.
func Run(ctx context.Context, s Stage, cmds *Channel[protocol.Command], tick time.Duration) error {
	logger := log.With("stage", s.Name())
	logger.Debug("Stage started", "tick", tick)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Stage cancelled")
			cmds.Close()
			return s.Close()
		case <-ticker.C:
		}

		for {
			cmd, ok := cmds.Poll()
			if !ok {
				break
			}
			switch cmd.Body.(type) {
			case protocol.Stop:
				logger.Info("Stopping", "pending", cmds.Drain())
				cmds.Close()
				return s.Close()
			case protocol.Flush:
				logger.Debug("Flush")
				if err := s.Flush(ctx); err != nil {
					logger.Error("Failed to flush", "err", err)
				}
			default:
				if err := s.Command(ctx, cmd); err != nil {
					logger.Error("Failed to handle command", "cmd", cmd, "err", err)
				}
			}
		}

		if err := s.Tick(ctx); err != nil {
			logger.Error("Failed to process payload", "err", err)
		}
	}
}

// Emit queues an event for the hub. A full queue drops the event rather than
// stall the stage.
func Emit(events *Channel[protocol.Command], source string, body protocol.Body) {
	cmd := protocol.New(source, "HUB", body)
	if !events.Offer(cmd) {
		log.Warn("Dropped event", "stage", source, "cmd", cmd, "closed", events.Closed())
	}
}
