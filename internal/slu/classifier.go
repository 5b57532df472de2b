package slu

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"unicode"

	"voxhub/pkg/hypothesis"
)

// Classifier maps utterance hypotheses to dialogue act hypotheses. The
// returned list need not be normalised.
type Classifier interface {
	Name() string
	Parse(ctx context.Context, utts *hypothesis.NBList[hypothesis.Utterance]) (*hypothesis.NBList[hypothesis.DialogueAct], error)
}

type phrase struct {
	words []string
	items []hypothesis.DialogueActItem
}

// PhraseClassifier spots configured phrases in the recognized words. The
// confidence of a dialogue act item is the total probability of the
// utterances that contain one of its phrases.
type PhraseClassifier struct {
	phrases []phrase
	nbest   int
}

// NewPhraseClassifier takes a map from phrase to dialogue act text, for
// example "thank you" -> "thankyou()".
func NewPhraseClassifier(phrases map[string]string, nbest int) (*PhraseClassifier, error) {
	keys := make([]string, 0, len(phrases))
	for k := range phrases {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	c := &PhraseClassifier{nbest: nbest}
	for _, k := range keys {
		words := tokenize(k)
		if len(words) == 0 {
			return nil, fmt.Errorf("empty phrase for %q", phrases[k])
		}
		da, err := hypothesis.ParseDialogueAct(phrases[k])
		if err != nil {
			return nil, fmt.Errorf("phrase %q: %w", k, err)
		}
		c.phrases = append(c.phrases, phrase{words: words, items: da.Items()})
	}
	return c, nil
}

func (c *PhraseClassifier) Name() string { return "phrase" }

func (c *PhraseClassifier) Parse(_ context.Context, utts *hypothesis.NBList[hypothesis.Utterance]) (*hypothesis.NBList[hypothesis.DialogueAct], error) {
	var (
		order []hypothesis.DialogueActItem
		conf  = make(map[hypothesis.DialogueActItem]float64)
	)
	for _, it := range utts.Items() {
		if it.Fact == utts.Other() {
			continue
		}
		words := tokenize(string(it.Fact))
		found := make(map[hypothesis.DialogueActItem]bool)
		for _, ph := range c.phrases {
			if !containsRun(words, ph.words) {
				continue
			}
			for _, dai := range ph.items {
				if found[dai] {
					continue
				}
				found[dai] = true
				if _, ok := conf[dai]; !ok {
					order = append(order, dai)
				}
				conf[dai] += it.Prob
			}
		}
	}

	cn := hypothesis.NewDialogueActCN()
	for _, dai := range order {
		hypothesis.AddItem(cn, min(conf[dai], 1), dai)
	}
	return cn.NBList(c.nbest, 0)
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// containsRun reports whether needle occurs as a contiguous run of words.
func containsRun(words, needle []string) bool {
	for i := 0; i+len(needle) <= len(words); i++ {
		if slices.Equal(words[i:i+len(needle)], needle) {
			return true
		}
	}
	return false
}
