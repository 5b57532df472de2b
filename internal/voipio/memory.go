package voipio

import (
	"context"
	"errors"
	"sync"

	"voxhub/pkg/protocol"
)

// MemoryDevice is a scripted line. Ring, Confirm, Speak and Disconnect play
// the caller; everything the stage asks of the line is recorded.
type MemoryDevice struct {
	mu       sync.Mutex
	events   chan protocol.Message
	answered []string
	rejected []string
	played   []protocol.Frame
	calls    []string
	hangups  int
	closed   bool
}

func NewMemoryDevice(buffer int) *MemoryDevice {
	return &MemoryDevice{events: make(chan protocol.Message, buffer)}
}

func (d *MemoryDevice) Name() string { return "memory" }

func (d *MemoryDevice) Start(context.Context) (<-chan protocol.Message, error) {
	return d.events, nil
}

func (d *MemoryDevice) emit(body protocol.Body) {
	d.events <- protocol.New("MEMORY", Name, body)
}

func (d *MemoryDevice) Ring(uri string)       { d.emit(protocol.IncomingCall{RemoteURI: uri}) }
func (d *MemoryDevice) Confirm(uri string)    { d.emit(protocol.CallConfirmed{RemoteURI: uri}) }
func (d *MemoryDevice) Disconnect(uri string) { d.emit(protocol.CallDisconnected{RemoteURI: uri}) }
func (d *MemoryDevice) Digit(digit string)    { d.emit(protocol.DTMFDigit{Digit: digit}) }

// Speak queues recorded frames from the caller.
func (d *MemoryDevice) Speak(frames ...protocol.Frame) {
	for _, f := range frames {
		d.events <- f
	}
}

func (d *MemoryDevice) Answer(remoteURI string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.answered = append(d.answered, remoteURI)
	return nil
}

func (d *MemoryDevice) Reject(remoteURI string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejected = append(d.rejected, remoteURI)
	return nil
}

func (d *MemoryDevice) Play(f protocol.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("memory device closed")
	}
	d.played = append(d.played, f)
	return nil
}

func (d *MemoryDevice) MakeCall(destination string) error {
	d.mu.Lock()
	d.calls = append(d.calls, destination)
	d.mu.Unlock()
	d.emit(protocol.CallConnecting{RemoteURI: destination})
	return nil
}

func (d *MemoryDevice) Transfer(string) error {
	return errors.New("memory device cannot transfer")
}

func (d *MemoryDevice) Hangup() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hangups++
	return nil
}

func (d *MemoryDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *MemoryDevice) Answered() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.answered...)
}

func (d *MemoryDevice) Rejected() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.rejected...)
}

func (d *MemoryDevice) Played() []protocol.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.Frame(nil), d.played...)
}

func (d *MemoryDevice) Dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *MemoryDevice) Hangups() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hangups
}
