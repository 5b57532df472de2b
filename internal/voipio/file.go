package voipio

import (
	"context"
	"errors"
	log "log/slog"
	"sync"
	"sync/atomic"
	"time"

	"voxhub/internal/config"
	"voxhub/pkg/audioconv"
	"voxhub/pkg/protocol"
)

const defaultFileURI = "sip:file@localhost"

// FileDevice simulates one incoming call whose caller audio is read from a
// recording (wav, mp3, ogg). The recording is streamed at the line rate,
// followed by a second of silence, and then the caller hangs up. Played
// audio is discarded.
type FileDevice struct {
	cfg   *config.Config
	uri   string
	pcm   []int16
	frame time.Duration

	events   chan protocol.Message
	answered chan struct{}
	once     sync.Once
	hungup   atomic.Bool
	played   atomic.Int64

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewFileDevice(cfg *config.Config) *FileDevice {
	uri := cfg.VoipIO.RemoteURI
	if uri == "" {
		uri = defaultFileURI
	}
	return &FileDevice{
		cfg:      cfg,
		uri:      uri,
		frame:    cfg.Audio.FrameDuration(),
		events:   make(chan protocol.Message, 1024),
		answered: make(chan struct{}),
	}
}

func (d *FileDevice) Name() string { return "file" }

func (d *FileDevice) Start(ctx context.Context) (<-chan protocol.Message, error) {
	pcm, err := audioconv.DecodeFile(ctx, d.cfg.VoipIO.InputFile, audioconv.Options{Rate: d.cfg.Audio.SampleRate})
	if err != nil {
		return nil, err
	}
	d.pcm = append(pcm, make([]int16, d.cfg.Audio.SampleRate)...)
	log.Info("Loaded caller recording", "path", d.cfg.VoipIO.InputFile, "samples", len(pcm))

	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.run(ctx)
	return d.events, nil
}

func (d *FileDevice) emit(ctx context.Context, msg protocol.Message) bool {
	select {
	case d.events <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *FileDevice) run(ctx context.Context) {
	defer d.wg.Done()

	if !d.emit(ctx, protocol.New(d.Name(), Name, protocol.IncomingCall{RemoteURI: d.uri})) {
		return
	}
	select {
	case <-d.answered:
	case <-ctx.Done():
		return
	}
	if !d.emit(ctx, protocol.New(d.Name(), Name, protocol.CallConfirmed{RemoteURI: d.uri})) {
		return
	}

	ticker := time.NewTicker(d.frame)
	defer ticker.Stop()
	for _, f := range protocol.Split(d.Name(), d.pcm, d.cfg.Audio.SamplesPerFrame) {
		if d.hungup.Load() {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
		if !d.emit(ctx, f) {
			return
		}
	}
	d.hungup.Store(true)
	d.emit(ctx, protocol.New(d.Name(), Name, protocol.CallDisconnected{RemoteURI: d.uri}))
}

func (d *FileDevice) Answer(string) error {
	d.once.Do(func() { close(d.answered) })
	return nil
}

func (d *FileDevice) Reject(string) error {
	d.hungup.Store(true)
	if d.cancel != nil {
		d.cancel()
	}
	return nil
}

func (d *FileDevice) Play(protocol.Frame) error {
	d.played.Add(1)
	return nil
}

func (d *FileDevice) MakeCall(string) error {
	return errors.New("file device cannot place calls")
}

func (d *FileDevice) Transfer(string) error {
	return errors.New("file device cannot transfer")
}

// Hangup stops the recording; the streaming loop reports the disconnect.
func (d *FileDevice) Hangup() error {
	d.hungup.Store(true)
	return nil
}

func (d *FileDevice) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	log.Debug("File device closed", "played_frames", d.played.Load())
	return nil
}
