package protocol

import (
	"fmt"
	"strconv"
	"time"
)

type Verb string

const (
	VerbStop    Verb = "stop"
	VerbFlush   Verb = "flush"
	VerbFlushed Verb = "flushed"

	VerbMakeCall   Verb = "make_call"
	VerbTransfer   Verb = "transfer"
	VerbHangup     Verb = "hangup"
	VerbBlackList  Verb = "black_list"
	VerbSynthesize Verb = "synthesize"

	VerbSpeechStart        Verb = "speech_start"
	VerbSpeechEnd          Verb = "speech_end"
	VerbUtteranceStart     Verb = "utterance_start"
	VerbUtteranceEnd       Verb = "utterance_end"
	VerbPlayUtteranceStart Verb = "play_utterance_start"
	VerbPlayUtteranceEnd   Verb = "play_utterance_end"

	VerbIncomingCall                   Verb = "incoming_call"
	VerbCallConnecting                 Verb = "call_connecting"
	VerbCallConfirmed                  Verb = "call_confirmed"
	VerbCallDisconnected               Verb = "call_disconnected"
	VerbRejectedCall                   Verb = "rejected_call"
	VerbRejectedCallFromBlacklistedURI Verb = "rejected_call_from_blacklisted_uri"
	VerbDTMFDigit                      Verb = "dtmf_digit"

	VerbTTSStart  Verb = "tts_start"
	VerbTTSEnd    Verb = "tts_end"
	VerbASRStart  Verb = "asr_start"
	VerbASREnd    Verb = "asr_end"
	VerbSLUParsed Verb = "slu_parsed"
)

// Body is the typed payload of a command. The set of implementations is closed.
type Body interface {
	Verb() Verb
	args() []Arg
}

type (
	Stop    struct{}
	Flush   struct{}
	Flushed struct{}
	Hangup  struct{}

	MakeCall struct{ Destination string }
	Transfer struct{ Destination string }

	BlackList struct {
		RemoteURI string
		Expire    time.Time
	}

	Synthesize struct {
		UserID string
		Text   string
	}

	SpeechStart struct{ FName string }
	SpeechEnd   struct{ FName string }

	UtteranceStart struct{ UserID, Text, FName string }
	UtteranceEnd   struct{ UserID, Text, FName string }

	PlayUtteranceStart struct{ UserID, FName string }
	PlayUtteranceEnd   struct{ UserID, FName string }

	IncomingCall                   struct{ RemoteURI string }
	CallConnecting                 struct{ RemoteURI string }
	CallConfirmed                  struct{ RemoteURI string }
	CallDisconnected               struct{ RemoteURI string }
	RejectedCall                   struct{ RemoteURI string }
	RejectedCallFromBlacklistedURI struct{ RemoteURI string }
	DTMFDigit                      struct{ Digit string }

	TTSStart  struct{ UserID, Text string }
	TTSEnd    struct{ UserID, Text, FName string }
	ASRStart  struct{ FName string }
	ASREnd    struct{ FName string }
	SLUParsed struct{ FName string }

	// Opaque carries a verb this package does not know about.
	Opaque struct {
		Name Verb
		Args []Arg
	}
)

func (Stop) Verb() Verb                           { return VerbStop }
func (Flush) Verb() Verb                          { return VerbFlush }
func (Flushed) Verb() Verb                        { return VerbFlushed }
func (Hangup) Verb() Verb                         { return VerbHangup }
func (MakeCall) Verb() Verb                       { return VerbMakeCall }
func (Transfer) Verb() Verb                       { return VerbTransfer }
func (BlackList) Verb() Verb                      { return VerbBlackList }
func (Synthesize) Verb() Verb                     { return VerbSynthesize }
func (SpeechStart) Verb() Verb                    { return VerbSpeechStart }
func (SpeechEnd) Verb() Verb                      { return VerbSpeechEnd }
func (UtteranceStart) Verb() Verb                 { return VerbUtteranceStart }
func (UtteranceEnd) Verb() Verb                   { return VerbUtteranceEnd }
func (PlayUtteranceStart) Verb() Verb             { return VerbPlayUtteranceStart }
func (PlayUtteranceEnd) Verb() Verb               { return VerbPlayUtteranceEnd }
func (IncomingCall) Verb() Verb                   { return VerbIncomingCall }
func (CallConnecting) Verb() Verb                 { return VerbCallConnecting }
func (CallConfirmed) Verb() Verb                  { return VerbCallConfirmed }
func (CallDisconnected) Verb() Verb               { return VerbCallDisconnected }
func (RejectedCall) Verb() Verb                   { return VerbRejectedCall }
func (RejectedCallFromBlacklistedURI) Verb() Verb { return VerbRejectedCallFromBlacklistedURI }
func (DTMFDigit) Verb() Verb                      { return VerbDTMFDigit }
func (TTSStart) Verb() Verb                       { return VerbTTSStart }
func (TTSEnd) Verb() Verb                         { return VerbTTSEnd }
func (ASRStart) Verb() Verb                       { return VerbASRStart }
func (ASREnd) Verb() Verb                         { return VerbASREnd }
func (SLUParsed) Verb() Verb                      { return VerbSLUParsed }
func (o Opaque) Verb() Verb                       { return o.Name }

func kv(pairs ...string) []Arg {
	out := make([]Arg, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			continue
		}
		out = append(out, Arg{Key: pairs[i], Value: pairs[i+1]})
	}
	return out
}

func (Stop) args() []Arg      { return nil }
func (Flush) args() []Arg     { return nil }
func (Flushed) args() []Arg   { return nil }
func (Hangup) args() []Arg    { return nil }
func (b MakeCall) args() []Arg { return kv("destination", b.Destination) }
func (b Transfer) args() []Arg { return kv("destination", b.Destination) }
func (b BlackList) args() []Arg {
	return kv("remote_uri", b.RemoteURI, "expire", strconv.FormatInt(b.Expire.Unix(), 10))
}
func (b Synthesize) args() []Arg  { return kv("user_id", b.UserID, "text", b.Text) }
func (b SpeechStart) args() []Arg { return kv("fname", b.FName) }
func (b SpeechEnd) args() []Arg   { return kv("fname", b.FName) }
func (b UtteranceStart) args() []Arg {
	return kv("user_id", b.UserID, "text", b.Text, "fname", b.FName)
}
func (b UtteranceEnd) args() []Arg {
	return kv("user_id", b.UserID, "text", b.Text, "fname", b.FName)
}
func (b PlayUtteranceStart) args() []Arg             { return kv("user_id", b.UserID, "fname", b.FName) }
func (b PlayUtteranceEnd) args() []Arg               { return kv("user_id", b.UserID, "fname", b.FName) }
func (b IncomingCall) args() []Arg                   { return kv("remote_uri", b.RemoteURI) }
func (b CallConnecting) args() []Arg                 { return kv("remote_uri", b.RemoteURI) }
func (b CallConfirmed) args() []Arg                  { return kv("remote_uri", b.RemoteURI) }
func (b CallDisconnected) args() []Arg               { return kv("remote_uri", b.RemoteURI) }
func (b RejectedCall) args() []Arg                   { return kv("remote_uri", b.RemoteURI) }
func (b RejectedCallFromBlacklistedURI) args() []Arg { return kv("remote_uri", b.RemoteURI) }
func (b DTMFDigit) args() []Arg                      { return kv("digit", b.Digit) }
func (b TTSStart) args() []Arg                       { return kv("user_id", b.UserID, "text", b.Text) }
func (b TTSEnd) args() []Arg {
	return kv("user_id", b.UserID, "text", b.Text, "fname", b.FName)
}
func (b ASRStart) args() []Arg  { return kv("fname", b.FName) }
func (b ASREnd) args() []Arg    { return kv("fname", b.FName) }
func (b SLUParsed) args() []Arg { return kv("fname", b.FName) }
func (o Opaque) args() []Arg    { return append([]Arg(nil), o.Args...) }

func decode(verb Verb, args []Arg) (Body, error) {
	a := make(map[string]string, len(args))
	for _, arg := range args {
		a[arg.Key] = arg.Value
	}

	switch verb {
	case VerbStop:
		return Stop{}, nil
	case VerbFlush:
		return Flush{}, nil
	case VerbFlushed:
		return Flushed{}, nil
	case VerbHangup:
		return Hangup{}, nil
	case VerbMakeCall:
		return MakeCall{Destination: a["destination"]}, nil
	case VerbTransfer:
		return Transfer{Destination: a["destination"]}, nil
	case VerbBlackList:
		var expire time.Time
		if s, ok := a["expire"]; ok {
			sec, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid expire %q", s)
			}
			expire = time.Unix(sec, 0)
		}
		return BlackList{RemoteURI: a["remote_uri"], Expire: expire}, nil
	case VerbSynthesize:
		return Synthesize{UserID: a["user_id"], Text: a["text"]}, nil
	case VerbSpeechStart:
		return SpeechStart{FName: a["fname"]}, nil
	case VerbSpeechEnd:
		return SpeechEnd{FName: a["fname"]}, nil
	case VerbUtteranceStart:
		return UtteranceStart{UserID: a["user_id"], Text: a["text"], FName: a["fname"]}, nil
	case VerbUtteranceEnd:
		return UtteranceEnd{UserID: a["user_id"], Text: a["text"], FName: a["fname"]}, nil
	case VerbPlayUtteranceStart:
		return PlayUtteranceStart{UserID: a["user_id"], FName: a["fname"]}, nil
	case VerbPlayUtteranceEnd:
		return PlayUtteranceEnd{UserID: a["user_id"], FName: a["fname"]}, nil
	case VerbIncomingCall:
		return IncomingCall{RemoteURI: a["remote_uri"]}, nil
	case VerbCallConnecting:
		return CallConnecting{RemoteURI: a["remote_uri"]}, nil
	case VerbCallConfirmed:
		return CallConfirmed{RemoteURI: a["remote_uri"]}, nil
	case VerbCallDisconnected:
		return CallDisconnected{RemoteURI: a["remote_uri"]}, nil
	case VerbRejectedCall:
		return RejectedCall{RemoteURI: a["remote_uri"]}, nil
	case VerbRejectedCallFromBlacklistedURI:
		return RejectedCallFromBlacklistedURI{RemoteURI: a["remote_uri"]}, nil
	case VerbDTMFDigit:
		return DTMFDigit{Digit: a["digit"]}, nil
	case VerbTTSStart:
		return TTSStart{UserID: a["user_id"], Text: a["text"]}, nil
	case VerbTTSEnd:
		return TTSEnd{UserID: a["user_id"], Text: a["text"], FName: a["fname"]}, nil
	case VerbASRStart:
		return ASRStart{FName: a["fname"]}, nil
	case VerbASREnd:
		return ASREnd{FName: a["fname"]}, nil
	case VerbSLUParsed:
		return SLUParsed{FName: a["fname"]}, nil
	default:
		return Opaque{Name: verb, Args: append([]Arg(nil), args...)}, nil
	}
}
