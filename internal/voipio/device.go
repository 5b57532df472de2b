package voipio

import (
	"context"
	"regexp"

	"voxhub/pkg/protocol"
)

// Device is the telephony side of the VoipIO stage. Start returns one
// stream with recorded frames and call events (incoming_call,
// call_connecting, call_confirmed, call_disconnected, rejected_call,
// dtmf_digit) in the order the device saw them. An incoming call waits for
// Answer or Reject.
type Device interface {
	Name() string
	Start(ctx context.Context) (<-chan protocol.Message, error)
	Answer(remoteURI string) error
	Reject(remoteURI string) error
	Play(f protocol.Frame) error
	MakeCall(destination string) error
	Transfer(destination string) error
	Hangup() error
	Close() error
}

var sipUserRe = regexp.MustCompile(`sip:([a-zA-Z0-9_.+\-]+)@`)

// UserFromURI reduces a SIP URI to its user part, which identifies the
// caller in the call history and the blacklist. Other identities pass
// through unchanged.
func UserFromURI(uri string) string {
	if m := sipUserRe.FindStringSubmatch(uri); m != nil {
		return m[1]
	}
	return uri
}
