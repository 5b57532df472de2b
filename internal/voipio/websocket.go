package voipio

import (
	"context"
	"errors"
	log "log/slog"
	"strconv"
	"sync"

	"voxhub/internal/config"
	"voxhub/pkg/protocol"
)

// WebSocketDevice talks to a SIP gateway over a websocket. Text messages
// carry command lines in both directions; binary messages carry PCM16
// frames. Besides the hub verbs it sends answer() and reject(code="486")
// for incoming calls.
type WebSocketDevice struct {
	cfg config.VoipIOConfig
	ws  *protocol.WebSocket

	events chan protocol.Message
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

const (
	verbAnswer protocol.Verb = "answer"
	verbReject protocol.Verb = "reject"

	busyHere = 486
)

func NewWebSocketDevice(cfg config.VoipIOConfig) *WebSocketDevice {
	return &WebSocketDevice{
		cfg:    cfg,
		events: make(chan protocol.Message, 1024),
	}
}

func (d *WebSocketDevice) Name() string { return "websocket" }

func (d *WebSocketDevice) Start(ctx context.Context) (<-chan protocol.Message, error) {
	ws, err := protocol.NewWebSocket(d.cfg.URL, d.cfg.Reconnect, d.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	d.ws = ws

	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.read(ctx)
	return d.events, nil
}

func (d *WebSocketDevice) read(ctx context.Context) {
	defer d.wg.Done()
	for ctx.Err() == nil {
		in := d.ws.Read()
		switch in.Kind {
		case protocol.READ_BINARY:
			d.push(ctx, protocol.FrameFromBytes(d.Name(), in.Msg))
		case protocol.READ_TEXT:
			cmd, err := protocol.Parse(string(in.Msg), d.Name(), Name)
			if err != nil {
				log.Warn("Dropping malformed gateway message", "err", err)
				continue
			}
			d.push(ctx, cmd)
		case protocol.CONN_CLOSE, protocol.READ_FAILURE:
			if ctx.Err() != nil {
				return
			}
			log.Warn("Gateway connection lost, reconnecting", "url", d.ws.URL(), "err", in.Err)
			if err := d.ws.TryReconn(ctx); err != nil {
				return
			}
			log.Info("Gateway reconnected", "url", d.ws.URL())
		}
	}
}

func (d *WebSocketDevice) push(ctx context.Context, msg protocol.Message) {
	select {
	case d.events <- msg:
	case <-ctx.Done():
	}
}

func (d *WebSocketDevice) send(body protocol.Body) error {
	if d.ws == nil {
		return errors.New("websocket device not started")
	}
	return d.ws.WriteCommand(protocol.New(Name, "GATEWAY", body))
}

func (d *WebSocketDevice) Answer(remoteURI string) error {
	return d.send(protocol.Opaque{Name: verbAnswer, Args: []protocol.Arg{{Key: "remote_uri", Value: remoteURI}}})
}

func (d *WebSocketDevice) Reject(remoteURI string) error {
	return d.send(protocol.Opaque{Name: verbReject, Args: []protocol.Arg{
		{Key: "remote_uri", Value: remoteURI},
		{Key: "code", Value: strconv.Itoa(busyHere)},
	}})
}

func (d *WebSocketDevice) Play(f protocol.Frame) error {
	if d.ws == nil {
		return errors.New("websocket device not started")
	}
	return d.ws.WriteFrame(f)
}

func (d *WebSocketDevice) MakeCall(destination string) error {
	return d.send(protocol.MakeCall{Destination: destination})
}

func (d *WebSocketDevice) Transfer(destination string) error {
	return d.send(protocol.Transfer{Destination: destination})
}

func (d *WebSocketDevice) Hangup() error {
	return d.send(protocol.Hangup{})
}

func (d *WebSocketDevice) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.ws == nil {
		return nil
	}
	err := d.ws.Close()
	d.wg.Wait()
	return err
}
