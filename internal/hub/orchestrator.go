// Package hub supervises the pipeline stages and drives calls: admission,
// the introduction, turn-taking prompts, the call length cap and teardown.
package hub

import (
	"fmt"
	log "log/slog"
	"strconv"
	"time"

	"voxhub/internal/calldb"
	"voxhub/internal/config"
	"voxhub/internal/metrics"
	"voxhub/internal/tts"
	"voxhub/internal/voipio"
	"voxhub/pkg/protocol"
)

const (
	Name = "HUB"

	// Broadcast addresses a command to every stage that accepts its verb.
	Broadcast = "*"

	day = 24 * time.Hour
)

type State int

const (
	Idle State = iota
	Connecting
	Active
	Rejected
	// Disconnected means the hub hung up and waits for call_disconnected.
	Disconnected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Rejected:
		return "rejected"
	case Disconnected:
		return "disconnected"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Phase refines Active by who is talking.
type Phase int

const (
	NoPhase Phase = iota
	Silence
	SystemSpeaking
	UserSpeaking
)

func (p Phase) String() string {
	switch p {
	case Silence:
		return "silence"
	case SystemSpeaking:
		return "system_speaking"
	case UserSpeaking:
		return "user_speaking"
	}
	return "none"
}

// Orchestrator is the call and turn-taking state machine. It never touches
// a channel: every method returns the commands to route, which keeps it
// deterministic under an injected clock. It is the only writer of the call
// database.
type Orchestrator struct {
	cfg     *config.Config
	db      *calldb.DB
	metrics *metrics.Collector
	log     *log.Logger

	state  State
	remote string

	nextID      int
	lastIntroID string
	introDone   bool
	closingID   string
	rejectID    string
	hungUp      bool

	callStart time.Time
	recorded  bool

	sSpeaking bool
	uSpeaking bool
	sLast     time.Time
	uLast     time.Time

	prompt    int
	completed int
}

func NewOrchestrator(cfg *config.Config, db *calldb.DB, m *metrics.Collector) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		db:      db,
		metrics: m,
		log:     log.With("stage", Name),
	}
}

func (o *Orchestrator) State() State { return o.state }

func (o *Orchestrator) Phase() Phase {
	switch {
	case o.state != Active:
		return NoPhase
	case o.sSpeaking:
		return SystemSpeaking
	case o.uSpeaking:
		return UserSpeaking
	}
	return Silence
}

// Completed counts the calls that ended since start.
func (o *Orchestrator) Completed() int { return o.completed }

func (o *Orchestrator) Remote() string { return o.remote }

// IntroductionDone reports whether the caller heard the whole introduction.
func (o *Orchestrator) IntroductionDone() bool { return o.introDone }

func to(target string, body protocol.Body) protocol.Command {
	return protocol.New(Name, target, body)
}

// Start reports the call history and blacklists every caller that is over
// its caps or still on the persisted blacklist.
func (o *Orchestrator) Start(now time.Time) []protocol.Command {
	var out []protocol.Command
	for _, uri := range o.db.URIs() {
		st := o.db.Stats(uri, now, day)
		verdict := "OK"
		if until, ok := o.db.Blacklisted(uri, now); ok {
			out = append(out, to(voipio.Name, protocol.BlackList{RemoteURI: uri, Expire: until}))
			verdict = "BLACKLISTED"
		} else if o.overCaps(st) {
			out = append(out, o.blacklist(uri, now))
			verdict = "BLACKLISTED"
		}
		o.log.Info("Caller history", "remote", uri, "calls", len(o.db.Calls(uri)),
			"last24_calls", st.Calls, "last24_time", st.Total, "verdict", verdict)
	}
	return out
}

func (o *Orchestrator) overCaps(st calldb.Stats) bool {
	return st.Calls > o.cfg.Limits.Last24MaxNumCalls || st.Total > o.cfg.Limits.Last24MaxTotalTime
}

// admissible reports whether a new call from uri may go ahead.
func (o *Orchestrator) admissible(uri string, now time.Time) bool {
	if _, ok := o.db.Blacklisted(uri, now); ok {
		return false
	}
	return !o.overCaps(o.db.Stats(uri, now, day))
}

func (o *Orchestrator) blacklist(uri string, now time.Time) protocol.Command {
	until := now.Add(o.cfg.Limits.BlacklistFor)
	if err := o.db.Blacklist(uri, until); err != nil {
		o.log.Error("Failed to persist blacklist entry", "remote", uri, "err", err)
	}
	o.log.Info("Blacklisting caller", "remote", uri, "until", until)
	return to(voipio.Name, protocol.BlackList{RemoteURI: uri, Expire: until})
}

func (o *Orchestrator) synthesize(text, kind string) (protocol.Command, string) {
	id := strconv.Itoa(o.nextID)
	o.nextID++
	o.metrics.Prompt(kind)
	return to(tts.Name, protocol.Synthesize{UserID: id, Text: text}), id
}

func (o *Orchestrator) reset(now time.Time) {
	o.introDone = false
	o.lastIntroID = ""
	o.closingID = ""
	o.rejectID = ""
	o.hungUp = false
	o.recorded = false
	o.callStart = now
	o.sSpeaking, o.uSpeaking = false, false
	o.sLast, o.uLast = time.Time{}, time.Time{}
}

func (o *Orchestrator) introduce() []protocol.Command {
	out := make([]protocol.Command, 0, len(o.cfg.Script.Introduction))
	for _, text := range o.cfg.Script.Introduction {
		cmd, id := o.synthesize(text, "introduction")
		o.lastIntroID = id
		out = append(out, cmd)
	}
	return out
}

// Handle applies one event from a stage.
func (o *Orchestrator) Handle(cmd protocol.Command, now time.Time) []protocol.Command {
	switch b := cmd.Body.(type) {
	case protocol.IncomingCall:
		return o.incoming(voipio.UserFromURI(b.RemoteURI), now)

	case protocol.CallConnecting:
		o.reset(now)
		o.remote = voipio.UserFromURI(b.RemoteURI)
		o.state = Connecting
		o.log.Info("Calling", "remote", o.remote)

	case protocol.CallConfirmed:
		return o.confirmed(voipio.UserFromURI(b.RemoteURI), now)

	case protocol.CallDisconnected:
		return o.disconnected(voipio.UserFromURI(b.RemoteURI), now)

	case protocol.RejectedCallFromBlacklistedURI:
		uri := voipio.UserFromURI(b.RemoteURI)
		st := o.db.Stats(uri, now, day)
		o.metrics.Call("blacklisted")
		o.log.Info("Rejected call from blacklisted caller", "remote", uri,
			"calls", len(o.db.Calls(uri)), "last24_calls", st.Calls, "last24_time", st.Total)

	case protocol.RejectedCall:
		o.metrics.Call("rejected_by_line")
		o.log.Info("Call rejected by the line", "remote", b.RemoteURI)

	case protocol.PlayUtteranceStart:
		o.sSpeaking = true

	case protocol.PlayUtteranceEnd:
		o.sSpeaking = false
		o.sLast = now
		if b.UserID != "" && b.UserID == o.lastIntroID && !o.introDone {
			o.log.Info("Introduction played", "remote", o.remote)
			o.introDone = true
			// the first prompt follows the introduction at once
			o.sLast = time.Time{}
		}

	case protocol.SpeechStart:
		o.uSpeaking = true

	case protocol.SpeechEnd:
		o.uSpeaking = false
		o.uLast = now

	default:
		o.log.Debug("Event", "cmd", cmd)
	}
	return nil
}

func (o *Orchestrator) incoming(uri string, now time.Time) []protocol.Command {
	if o.state != Idle {
		o.log.Warn("Incoming call while busy", "remote", uri, "state", o.state)
	}
	o.reset(now)
	o.remote = uri

	if !o.admissible(uri, now) {
		o.state = Rejected
		o.metrics.Call("over_limit")
		o.log.Info("Call over the daily limits", "remote", uri)
		out := []protocol.Command{o.blacklist(uri, now)}
		cmd, id := o.synthesize(o.cfg.Script.Rejected, "rejected")
		o.rejectID = id
		o.sSpeaking = true
		return append(out, cmd)
	}

	o.state = Connecting
	o.metrics.Call("accepted")
	o.log.Info("Incoming call", "remote", uri)
	return o.introduce()
}

func (o *Orchestrator) confirmed(uri string, now time.Time) []protocol.Command {
	if uri != "" {
		o.remote = uri
	}
	o.callStart = now
	o.uSpeaking = false
	o.sLast, o.uLast = time.Time{}, time.Time{}

	if _, err := o.db.TrackConfirmed(o.remote, now); err != nil {
		o.log.Error("Failed to record call start", "remote", o.remote, "err", err)
	} else {
		o.recorded = true
	}

	st := o.db.Stats(o.remote, now, day)
	o.log.Info("Call confirmed", "remote", o.remote, "calls", len(o.db.Calls(o.remote)),
		"last24_calls", st.Calls, "last24_time", st.Total)

	switch o.state {
	case Connecting, Idle:
		o.state = Active
		// an outgoing call gets its introduction once answered
		if o.lastIntroID == "" {
			return o.introduce()
		}
	}
	return nil
}

func (o *Orchestrator) disconnected(uri string, now time.Time) []protocol.Command {
	if uri == "" {
		uri = o.remote
	}
	out := []protocol.Command{to(Broadcast, protocol.Flush{})}

	if o.recorded {
		call, err := o.db.TrackDisconnected(uri, now)
		if err != nil {
			o.log.Error("Failed to record call end", "remote", uri, "err", err)
		} else {
			o.metrics.CallEnded(call.Duration)
			o.log.Info("Call ended", "remote", uri, "duration", call.Duration.Round(time.Second))
		}
		if _, listed := o.db.Blacklisted(uri, now); !listed && o.overCaps(o.db.Stats(uri, now, day)) {
			out = append(out, o.blacklist(uri, now))
		}
		o.completed++
	} else {
		o.log.Info("Call ended before it was confirmed", "remote", uri)
	}

	o.reset(now)
	o.state = Idle
	return out
}

func (o *Orchestrator) hangup(reason string) []protocol.Command {
	o.log.Info("Hanging up", "remote", o.remote, "reason", reason)
	o.hungUp = true
	o.introDone = false
	o.state = Disconnected
	return []protocol.Command{
		to(voipio.Name, protocol.Hangup{}),
		to(Broadcast, protocol.Flush{}),
	}
}

func silentFor(last, now time.Time) time.Duration {
	if last.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(last)
}

// Tick applies the time based rules: hangup after the rejection or the
// closing prompt, the call length cap and spontaneous prompts.
func (o *Orchestrator) Tick(now time.Time) []protocol.Command {
	switch o.state {
	case Rejected:
		if o.rejectID != "" && !o.sSpeaking && !o.hungUp {
			return o.hangup("rejected")
		}
		return nil
	case Active:
	default:
		return nil
	}
	if !o.introDone || o.hungUp {
		return nil
	}

	if o.closingID != "" {
		if !o.sSpeaking {
			return o.hangup("max call length")
		}
		return nil
	}

	if now.Sub(o.callStart) > o.cfg.Turn.MaxCallLength && !o.sSpeaking {
		cmd, id := o.synthesize(o.cfg.Script.Closing, "closing")
		o.closingID = id
		o.sSpeaking = true
		return []protocol.Command{cmd}
	}

	if o.sSpeaking || o.uSpeaking {
		return nil
	}
	if silentFor(o.sLast, now) <= o.cfg.Turn.SystemSilenceTimeout || silentFor(o.uLast, now) <= o.cfg.Turn.UserSilenceTimeout {
		return nil
	}

	text := o.cfg.Script.Prompts[o.prompt%len(o.cfg.Script.Prompts)]
	o.prompt++
	cmd, _ := o.synthesize(text, "prompt")
	o.sSpeaking = true
	return []protocol.Command{cmd}
}

func (o *Orchestrator) String() string {
	return fmt.Sprintf("%s/%s remote=%q", o.state, o.Phase(), o.remote)
}
