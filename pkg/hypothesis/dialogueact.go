package hypothesis

import (
	"fmt"
	"slices"
	"strings"

	"voxhub/pkg/protocol"
)

// DialogueActItem is one semantic unit: inform(food="thai"), request(phone), bye().
type DialogueActItem struct {
	Type  string
	Name  string
	Value string
}

func (d DialogueActItem) IsZero() bool { return d == DialogueActItem{} }

func (d DialogueActItem) String() string {
	var args []protocol.Arg
	switch {
	case d.Name == "":
	case d.Value == "":
		args = []protocol.Arg{{Key: d.Name, Flag: true}}
	default:
		args = []protocol.Arg{{Key: d.Name, Value: d.Value}}
	}
	return protocol.Format(protocol.Verb(d.Type), args)
}

func ParseDialogueActItem(s string) (DialogueActItem, error) {
	verb, args, err := protocol.ParseLine(s)
	if err != nil {
		return DialogueActItem{}, err
	}
	dai := DialogueActItem{Type: string(verb)}
	switch len(args) {
	case 0:
	case 1:
		dai.Name, dai.Value = args[0].Key, args[0].Value
	default:
		return DialogueActItem{}, fmt.Errorf("dialogue act item %q has %d arguments", s, len(args))
	}
	return dai, nil
}

// DialogueAct is a set of items in canonical form, so equal sets compare equal.
type DialogueAct string

const (
	OtherDialogueAct DialogueAct = "other()"
	NullDialogueAct  DialogueAct = "null()"
)

// NewDialogueAct canonicalizes items. Zero items are ignored; an empty set is null().
func NewDialogueAct(items ...DialogueActItem) DialogueAct {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		if it.IsZero() {
			continue
		}
		parts = append(parts, it.String())
	}
	if len(parts) == 0 {
		return NullDialogueAct
	}
	slices.Sort(parts)
	parts = slices.Compact(parts)
	return DialogueAct(strings.Join(parts, "&"))
}

// ParseDialogueAct reads the item&item&... form.
func ParseDialogueAct(s string) (DialogueAct, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return NullDialogueAct, nil
	}
	parts, err := protocol.SplitQuoted(s, '&')
	if err != nil {
		return "", err
	}
	items := make([]DialogueActItem, 0, len(parts))
	for _, p := range parts {
		dai, err := ParseDialogueActItem(strings.TrimSpace(p))
		if err != nil {
			return "", err
		}
		items = append(items, dai)
	}
	return NewDialogueAct(items...), nil
}

func (da DialogueAct) String() string { return string(da) }

// Items returns the parsed items. A canonical act always parses.
func (da DialogueAct) Items() []DialogueActItem {
	parts, err := protocol.SplitQuoted(string(da), '&')
	if err != nil {
		return nil
	}
	out := make([]DialogueActItem, 0, len(parts))
	for _, p := range parts {
		dai, err := ParseDialogueActItem(p)
		if err != nil {
			continue
		}
		out = append(out, dai)
	}
	return out
}

func NewDialogueActNBList() *NBList[DialogueAct] {
	return NewNBList(OtherDialogueAct)
}

// NewDialogueActCN returns a network of independent item presence slots.
func NewDialogueActCN() *ConfusionNetwork[DialogueActItem, DialogueAct] {
	return NewConfusionNetwork(func(items []DialogueActItem) DialogueAct {
		return NewDialogueAct(items...)
	}, OtherDialogueAct)
}

// AddItem adds a slot in which dai is present with probability p.
func AddItem(cn *ConfusionNetwork[DialogueActItem, DialogueAct], p float64, dai DialogueActItem) {
	cn.AddSlot(
		Alternative[DialogueActItem]{Prob: p, Word: dai},
		Alternative[DialogueActItem]{Prob: 1 - p},
	)
}
