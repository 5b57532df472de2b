package audio

import (
	"context"
	"errors"
	log "log/slog"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"voxhub/pkg/protocol"
)

const (
	LocalURI = "local"

	source = "LOCAL"
	target = "VoipIO"
)

// LocalDevice talks to the default microphone and speaker through one
// duplex portaudio stream. It behaves like a phone line with a single
// caller that rings on Start and connects once answered.
type LocalDevice struct {
	rate  int
	frame int

	stream *portaudio.Stream
	in     []int16
	out    []int16

	play      chan []int16
	events    chan protocol.Message
	connected atomic.Bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewLocalDevice(rate, frame int) *LocalDevice {
	return &LocalDevice{
		rate:   rate,
		frame:  frame,
		in:     make([]int16, frame),
		out:    make([]int16, frame),
		play:   make(chan []int16, 256),
		events: make(chan protocol.Message, 256),
	}
}

func (d *LocalDevice) Name() string { return "local" }

func (d *LocalDevice) Start(ctx context.Context) (<-chan protocol.Message, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}

	stream, err := portaudio.OpenDefaultStream(1, 1, float64(d.rate), d.frame, d.in, d.out)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, err
	}
	d.stream = stream

	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.loop(ctx)

	d.emit(protocol.IncomingCall{RemoteURI: LocalURI})

	log.Info("Local audio device started", "rate", d.rate, "frame", d.frame)
	return d.events, nil
}

func (d *LocalDevice) emit(body protocol.Body) {
	select {
	case d.events <- protocol.New(source, target, body):
	default:
		log.Warn("Local device event dropped", "verb", body.Verb())
	}
}

func (d *LocalDevice) connect(uri string) {
	d.connected.Store(true)
	d.emit(protocol.CallConfirmed{RemoteURI: uri})
}

func (d *LocalDevice) loop(ctx context.Context) {
	defer d.wg.Done()
	for ctx.Err() == nil {
		if err := d.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
			log.Error("Failed to read microphone", "err", err)
			return
		}
		if d.connected.Load() {
			select {
			case d.events <- protocol.NewFrame(source, d.in):
			default:
			}
		}

		select {
		case samples := <-d.play:
			n := copy(d.out, samples)
			clear(d.out[n:])
		default:
			clear(d.out)
		}
		if err := d.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			log.Error("Failed to write speaker", "err", err)
			return
		}
	}
}

func (d *LocalDevice) Answer(remoteURI string) error {
	if d.connected.Load() {
		return errors.New("local device already in a call")
	}
	d.connect(remoteURI)
	return nil
}

// Reject ends the ringing call. The speaker stays silent until the next
// MakeCall.
func (d *LocalDevice) Reject(remoteURI string) error {
	d.emit(protocol.CallDisconnected{RemoteURI: remoteURI})
	return nil
}

func (d *LocalDevice) Play(f protocol.Frame) error {
	select {
	case d.play <- f.Samples:
		return nil
	default:
		return errors.New("local playback queue full")
	}
}

func (d *LocalDevice) MakeCall(destination string) error {
	if d.connected.Load() {
		return errors.New("local device already in a call")
	}
	d.emit(protocol.CallConnecting{RemoteURI: destination})
	d.connect(destination)
	return nil
}

func (d *LocalDevice) Transfer(destination string) error {
	return errors.New("local device cannot transfer")
}

func (d *LocalDevice) Hangup() error {
	if !d.connected.Swap(false) {
		return nil
	}
	d.emit(protocol.CallDisconnected{RemoteURI: LocalURI})
	return nil
}

func (d *LocalDevice) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	if d.stream == nil {
		return nil
	}
	d.stream.Stop()
	err := d.stream.Close()
	portaudio.Terminate()
	return err
}
