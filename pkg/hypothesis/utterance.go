package hypothesis

import "strings"

// Utterance is a whitespace-normalized word sequence.
type Utterance string

const OtherUtterance Utterance = "__other__"

func NewUtterance(text string) Utterance {
	return Utterance(strings.Join(strings.Fields(text), " "))
}

func (u Utterance) String() string { return string(u) }

func (u Utterance) Words() []string { return strings.Fields(string(u)) }

func (u Utterance) IsEmpty() bool { return strings.TrimSpace(string(u)) == "" }

// JoinWords builds an utterance, skipping empty words.
func JoinWords(words []string) Utterance {
	return NewUtterance(strings.Join(words, " "))
}

func NewUtteranceNBList() *NBList[Utterance] {
	return NewNBList(OtherUtterance)
}

// NewUtteranceCN returns a word confusion network. The empty word marks silence.
func NewUtteranceCN() *ConfusionNetwork[string, Utterance] {
	return NewConfusionNetwork(JoinWords, OtherUtterance)
}
