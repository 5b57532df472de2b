// Package voipio connects the pipeline to a telephone line: it records the
// caller, plays synthesized audio at the line rate and reports call events.
package voipio

import (
	"context"
	"fmt"
	log "log/slog"
	"path/filepath"
	"strings"
	"time"

	"voxhub/internal/config"
	"voxhub/internal/metrics"
	"voxhub/internal/recording"
	"voxhub/internal/stage"
	"voxhub/pkg/protocol"
)

const (
	Name = "VoipIO"

	// batch bounds how many device messages one tick consumes.
	batch = 256
)

type Stage struct {
	cfg     *config.Config
	log     *log.Logger
	metrics *metrics.Collector
	dev     Device
	now     func() time.Time

	devIn  <-chan protocol.Message
	record *stage.Channel[protocol.Message]
	play   *stage.Channel[protocol.Message]
	events *stage.Channel[protocol.Command]

	blacklist map[string]time.Time

	remote    string
	pending   bool // answered or dialled, not yet confirmed
	connected bool
	session   *recording.SessionWriter

	queue    []protocol.Message
	playing  bool
	nextPlay time.Time
}

// New wires the device between the record channel (towards the VAD) and the
// play channel (from the TTS).
func New(cfg *config.Config, dev Device, record, play *stage.Channel[protocol.Message], m *metrics.Collector) *Stage {
	return &Stage{
		cfg:       cfg,
		log:       log.With("stage", Name, "device", dev.Name()),
		metrics:   m,
		dev:       dev,
		now:       time.Now,
		record:    record,
		play:      play,
		events:    stage.NewChannel[protocol.Command](Name+".events", cfg.Hub.ChannelBuffer),
		blacklist: make(map[string]time.Time),
	}
}

// Open starts the device. It must be called before the stage runs.
func (s *Stage) Open(ctx context.Context) error {
	in, err := s.dev.Start(ctx)
	if err != nil {
		return fmt.Errorf("start %s device: %w", s.dev.Name(), err)
	}
	s.devIn = in
	return nil
}

func (s *Stage) Name() string { return Name }

func (s *Stage) Accepts() []protocol.Verb {
	return []protocol.Verb{
		protocol.VerbMakeCall,
		protocol.VerbTransfer,
		protocol.VerbHangup,
		protocol.VerbBlackList,
	}
}

func (s *Stage) Events() *stage.Channel[protocol.Command] { return s.events }

func (s *Stage) Command(_ context.Context, cmd protocol.Command) error {
	switch b := cmd.Body.(type) {
	case protocol.MakeCall:
		s.log.Info("Make call", "destination", b.Destination)
		return s.dev.MakeCall(b.Destination)
	case protocol.Transfer:
		s.log.Info("Transfer", "destination", b.Destination)
		return s.dev.Transfer(b.Destination)
	case protocol.Hangup:
		s.log.Info("Hangup", "remote", s.remote)
		return s.dev.Hangup()
	case protocol.BlackList:
		user := UserFromURI(b.RemoteURI)
		s.blacklist[user] = b.Expire
		s.log.Info("Blacklisted", "remote", user, "until", b.Expire)
	default:
		s.log.Warn("Ignoring command", "cmd", cmd)
	}
	return nil
}

// Blacklisted reports whether calls from remoteURI are refused at now.
func (s *Stage) Blacklisted(remoteURI string, now time.Time) bool {
	until, ok := s.blacklist[UserFromURI(remoteURI)]
	return ok && now.Before(until)
}

func (s *Stage) Tick(ctx context.Context) error {
	s.readDevice()
	for {
		m, ok := s.play.Poll()
		if !ok {
			break
		}
		s.queue = append(s.queue, m)
	}
	s.pump()
	return nil
}

func (s *Stage) readDevice() {
	for range batch {
		var (
			msg protocol.Message
			ok  bool
		)
		select {
		case msg, ok = <-s.devIn:
		default:
			return
		}
		if !ok {
			s.log.Warn("Device stream closed")
			s.devIn = nil
			return
		}

		switch m := msg.(type) {
		case protocol.Frame:
			s.recorded(m)
		case protocol.Command:
			s.device(m)
		}
	}
}

func (s *Stage) recorded(f protocol.Frame) {
	if !s.connected {
		return
	}
	if s.session != nil {
		if err := s.session.Recorded(f.Samples); err != nil {
			s.log.Error("Failed to log recorded audio", "err", err)
		}
	}
	if !s.record.Offer(f) {
		s.metrics.Dropped(Name, 1)
	}
}

// device handles one call event from the device and reports it to the hub
// with the caller reduced to its user part.
func (s *Stage) device(cmd protocol.Command) {
	s.log.Debug("Device event", "cmd", cmd)
	now := s.now()

	switch b := cmd.Body.(type) {
	case protocol.IncomingCall:
		user := UserFromURI(b.RemoteURI)
		if s.Blacklisted(b.RemoteURI, now) {
			s.log.Info("Rejected call from blacklisted caller", "remote", user,
				"wait", s.blacklist[user].Sub(now).Round(time.Minute))
			if err := s.dev.Reject(b.RemoteURI); err != nil {
				s.log.Error("Failed to reject call", "err", err)
			}
			s.emit(protocol.RejectedCallFromBlacklistedURI{RemoteURI: user})
			return
		}
		s.remote = user
		if err := s.dev.Answer(b.RemoteURI); err != nil {
			s.log.Error("Failed to answer call", "err", err)
		} else {
			s.pending = true
		}
		s.emit(protocol.IncomingCall{RemoteURI: user})
	case protocol.CallConnecting:
		s.remote = UserFromURI(b.RemoteURI)
		s.pending = true
		s.emit(protocol.CallConnecting{RemoteURI: s.remote})
	case protocol.CallConfirmed:
		s.remote = UserFromURI(b.RemoteURI)
		s.pending = false
		s.connected = true
		s.nextPlay = now
		s.openSession(now)
		s.emit(protocol.CallConfirmed{RemoteURI: s.remote})
	case protocol.CallDisconnected:
		user := UserFromURI(b.RemoteURI)
		if user == "" {
			user = s.remote
		}
		s.pending = false
		s.connected = false
		s.dropPlayback()
		s.closeSession()
		s.emit(protocol.CallDisconnected{RemoteURI: user})
	case protocol.RejectedCall:
		s.pending = false
		s.emit(protocol.RejectedCall{RemoteURI: UserFromURI(b.RemoteURI)})
	default:
		s.emit(b)
	}
}

func (s *Stage) emit(body protocol.Body) {
	stage.Emit(s.events, Name, body)
}

// pump hands queued audio to the device no faster than the line plays it,
// so play_utterance_end is reported about when the caller heard the end.
// Audio queued before call_confirmed waits for it; with no call at all it is
// dropped without reporting playback.
func (s *Stage) pump() {
	if !s.connected {
		if !s.pending && len(s.queue) > 0 {
			s.dropPlayback()
		}
		return
	}

	frame := s.cfg.Audio.FrameDuration()
	now := s.now()
	for len(s.queue) > 0 {
		switch m := s.queue[0].(type) {
		case protocol.Frame:
			if !s.playing {
				s.queue = s.queue[1:]
				continue
			}
			if now.Before(s.nextPlay.Add(-frame)) {
				return
			}
			if err := s.dev.Play(m); err != nil {
				s.log.Warn("Failed to play frame", "err", err)
				s.metrics.Dropped(Name, 1)
			}
			if s.session != nil {
				s.session.Played(m.Samples)
			}
			s.nextPlay = later(s.nextPlay, now).Add(frame)
		case protocol.Command:
			switch b := m.Body.(type) {
			case protocol.UtteranceStart:
				s.playing = true
				s.emit(protocol.PlayUtteranceStart{UserID: b.UserID, FName: b.FName})
			case protocol.UtteranceEnd:
				if s.playing {
					s.playing = false
					s.emit(protocol.PlayUtteranceEnd{UserID: b.UserID, FName: b.FName})
				}
			default:
				s.log.Warn("Unexpected command on the play channel", "cmd", m)
			}
		}
		s.queue = s.queue[1:]
	}
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func (s *Stage) dropPlayback() {
	n := s.play.Drain() + len(s.queue)
	s.queue = nil
	s.playing = false
	s.metrics.Dropped(Name, n)
}

func (s *Stage) openSession(now time.Time) {
	s.closeSession()
	user := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' {
			return '_'
		}
		return r
	}, s.remote)
	name := fmt.Sprintf("call-%s-%s.wav", now.Format("2006-01-02-150405"), user)
	w, err := recording.NewSessionWriter(filepath.Join(s.cfg.Logging.SessionDir, name), s.cfg.Audio.SampleRate)
	if err != nil {
		s.log.Error("Failed to open session recording", "err", err)
		return
	}
	s.session = w
}

func (s *Stage) closeSession() {
	if s.session == nil {
		return
	}
	if err := s.session.Close(); err != nil {
		s.log.Error("Failed to close session recording", "err", err)
	}
	s.log.Info("Session recorded", "path", s.session.Path())
	s.session = nil
}

// Flush drops audio waiting to be played. Audio the device already has
// cannot be recalled.
func (s *Stage) Flush(context.Context) error {
	s.dropPlayback()
	stage.Emit(s.events, Name, protocol.Flushed{})
	return nil
}

func (s *Stage) Close() error {
	s.play.Drain()
	s.queue = nil
	s.closeSession()
	return s.dev.Close()
}
