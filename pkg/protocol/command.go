package protocol

import (
	"errors"
	"fmt"
	log "log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"voxhub/pkg/util"
)

var lastID atomic.Uint64

// NextID returns the next process-wide message id. Ids only grow.
func NextID() uint64 {
	return lastID.Add(1)
}

// Message is anything that travels over a stage channel.
type Message interface {
	MessageID() uint64
	isMessage()
}

// Arg is a single command argument. A Flag argument has no value.
type Arg struct {
	Key   string
	Value string
	Flag  bool
}

// Command is an immutable control message exchanged between stages and the hub.
type Command struct {
	ID     uint64
	Time   time.Time
	Source string
	Target string
	Verb   Verb
	Args   []Arg
	Body   Body
}

func (c Command) MessageID() uint64 { return c.ID }
func (Command) isMessage()          {}

// New builds a command from a typed body.
func New(source, target string, body Body) Command {
	return Command{
		ID:     NextID(),
		Time:   time.Now(),
		Source: source,
		Target: target,
		Verb:   body.Verb(),
		Args:   body.args(),
		Body:   body,
	}
}

// Retarget returns a copy of c addressed from source to target with a fresh id.
func (c Command) Retarget(source, target string) Command {
	out := c
	out.ID = NextID()
	out.Time = time.Now()
	out.Source = source
	out.Target = target
	out.Args = append([]Arg(nil), c.Args...)
	return out
}

// Arg returns the value of key and whether it was present.
func (c Command) Arg(key string) (string, bool) {
	for _, a := range c.Args {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// Equal compares verb and arguments, ignoring id, time and routing.
// Arguments are named, so their order does not matter.
func (c Command) Equal(o Command) bool {
	return c.Verb == o.Verb && util.EqualSlices(c.Args, o.Args, func(x, y Arg) bool {
		return x == y
	}, true)
}

// String renders the command in its text grammar: verb(key="value",flag).
func (c Command) String() string {
	return Format(c.Verb, c.Args)
}

func (c Command) LogValue() log.Value {
	return log.GroupValue(
		log.Uint64("id", c.ID),
		log.String("from", c.Source),
		log.String("to", c.Target),
		log.String("cmd", c.String()),
	)
}

// ProtocolError reports a command line that cannot be parsed.
type ProtocolError struct {
	Line   string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed command %q: %s", e.Line, e.Reason)
}

var (
	tokenRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)

	escaper   = strings.NewReplacer(`&`, `&amp;`, `"`, `&quot;`)
	unescaper = strings.NewReplacer(`&quot;`, `"`, `&amp;`, `&`)
)

func isToken(s string) bool {
	return tokenRe.MatchString(s)
}

// Format renders a verb and its arguments. Double quotes and ampersands in
// values are substituted so that values never contain a bare delimiter quote.
func Format(verb Verb, args []Arg) string {
	var b strings.Builder
	b.WriteString(string(verb))
	b.WriteByte('(')
	for i, a := range args {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(a.Key)
		if a.Flag {
			continue
		}
		b.WriteString(`="`)
		b.WriteString(escaper.Replace(a.Value))
		b.WriteByte('"')
	}
	b.WriteByte(')')
	return b.String()
}

// Parse decodes a command line. The typed Body is decoded once here; unknown
// verbs are kept as Opaque.
func Parse(line, source, target string) (Command, error) {
	verb, args, err := ParseLine(line)
	if err != nil {
		return Command{}, err
	}
	body, err := decode(verb, args)
	if err != nil {
		return Command{}, &ProtocolError{Line: line, Reason: err.Error()}
	}
	return Command{
		ID:     NextID(),
		Time:   time.Now(),
		Source: source,
		Target: target,
		Verb:   verb,
		Args:   args,
		Body:   body,
	}, nil
}

// ParseLine splits a command line into its verb and ordered arguments.
func ParseLine(line string) (Verb, []Arg, error) {
	s := strings.TrimSpace(line)
	if s == "" {
		return "", nil, &ProtocolError{Line: line, Reason: "empty command"}
	}
	open := strings.IndexByte(s, '(')
	if open < 0 {
		return "", nil, &ProtocolError{Line: line, Reason: "missing opening parenthesis"}
	}
	if s[len(s)-1] != ')' {
		return "", nil, &ProtocolError{Line: line, Reason: "missing closing parenthesis"}
	}
	name := s[:open]
	if !isToken(name) {
		return "", nil, &ProtocolError{Line: line, Reason: fmt.Sprintf("invalid verb %q", name)}
	}

	inner := s[open+1 : len(s)-1]
	if strings.TrimSpace(inner) == "" {
		return Verb(name), nil, nil
	}

	parts, err := SplitQuoted(inner, ',')
	if err != nil {
		return "", nil, &ProtocolError{Line: line, Reason: err.Error()}
	}

	args := make([]Arg, 0, len(parts))
	for i, part := range parts {
		kv, err := SplitQuoted(part, '=')
		if err != nil {
			return "", nil, &ProtocolError{Line: line, Reason: err.Error()}
		}
		key := strings.TrimSpace(kv[0])
		if !isToken(key) {
			return "", nil, &ProtocolError{Line: line, Reason: fmt.Sprintf("invalid ARG[%d] name %q", i, key)}
		}
		switch len(kv) {
		case 1:
			args = append(args, Arg{Key: key, Flag: true})
		case 2:
			val := strings.TrimSpace(kv[1])
			if len(val) < 2 || val[0] != '"' || val[len(val)-1] != '"' {
				return "", nil, &ProtocolError{Line: line, Reason: fmt.Sprintf("unquoted ARG[%d] value %q", i, val)}
			}
			args = append(args, Arg{Key: key, Value: unescaper.Replace(val[1 : len(val)-1])})
		default:
			return "", nil, &ProtocolError{Line: line, Reason: fmt.Sprintf("too many '=' in ARG[%d]", i)}
		}
	}

	return Verb(name), args, nil
}

// SplitQuoted splits s on sep, ignoring separators inside double quotes.
func SplitQuoted(s string, sep byte) ([]string, error) {
	var (
		parts  []string
		quoted bool
		start  int
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quoted = !quoted
		case sep:
			if !quoted {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	if quoted {
		return nil, errors.New("unterminated quote")
	}
	return append(parts, s[start:]), nil
}
