package hypothesis

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func da(t *testing.T, s string) DialogueAct {
	t.Helper()
	act, err := ParseDialogueAct(s)
	require.NoError(t, err)
	return act
}

func TestMergeNormaliseSortDialogueActs(t *testing.T) {
	l := NewDialogueActNBList()
	l.Add(0.7, da(t, "hello()")).Add(0.2, da(t, "bye()"))

	l.Merge()
	require.NoError(t, l.Normalise())
	l.Sort()

	items := l.Items()
	require.Len(t, items, 3)
	assert.Equal(t, DialogueAct("hello()"), items[0].Fact)
	assert.InDelta(t, 0.7, items[0].Prob, 1e-9)
	assert.Equal(t, DialogueAct("bye()"), items[1].Fact)
	assert.InDelta(t, 0.2, items[1].Prob, 1e-9)
	assert.Equal(t, OtherDialogueAct, items[2].Fact)
	assert.InDelta(t, 0.1, items[2].Prob, 1e-9)
}

func TestMergeKeepsFirstSeenOrder(t *testing.T) {
	l := NewUtteranceNBList()
	l.Add(0.1, "b").Add(0.2, "a").Add(0.3, "b").Add(0.1, "c").Add(0.1, "a")

	l.Merge()

	items := l.Items()
	require.Len(t, items, 3)
	assert.Equal(t, Utterance("b"), items[0].Fact)
	assert.InDelta(t, 0.4, items[0].Prob, 1e-9)
	assert.Equal(t, Utterance("a"), items[1].Fact)
	assert.InDelta(t, 0.3, items[1].Prob, 1e-9)
	assert.Equal(t, Utterance("c"), items[2].Fact)
}

func TestNormaliseErrors(t *testing.T) {
	tests := []struct {
		name string
		list *NBList[Utterance]
	}{
		{"too much mass", NewUtteranceNBList().Add(0.8, "a").Add(0.5, "b")},
		{"two catch-alls", NewUtteranceNBList().Add(0.2, OtherUtterance).Add(0.2, OtherUtterance)},
		{"negative", NewUtteranceNBList().Add(-0.1, "a")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.list.Normalise()
			var perr *ProbabilityMassError
			require.Error(t, err)
			assert.True(t, errors.As(err, &perr))
		})
	}
}

func TestNormaliseWithCatchAllRescales(t *testing.T) {
	l := NewUtteranceNBList().Add(0.6, "a").Add(0.6, OtherUtterance)
	require.NoError(t, l.Normalise())
	items := l.Items()
	require.Len(t, items, 2)
	assert.InDelta(t, 0.5, items[0].Prob, 1e-9)
	assert.InDelta(t, 0.5, items[1].Prob, 1e-9)
}

func TestCompleteFallsBackToCatchAll(t *testing.T) {
	l := NewUtteranceNBList().Add(0.9, "a").Add(0.9, "b")
	require.Error(t, l.Complete())
	best, p := l.Best()
	assert.Equal(t, OtherUtterance, best)
	assert.Equal(t, 1.0, p)
	assert.Equal(t, 1, l.Len())
}

func drawList(t *rapid.T) *NBList[Utterance] {
	words := []Utterance{"yes", "no", "hello", "bye", "maybe"}
	n := rapid.IntRange(0, 8).Draw(t, "n")
	l := NewUtteranceNBList()
	budget := 1.0
	for i := 0; i < n; i++ {
		w := rapid.SampledFrom(words).Draw(t, "word")
		p := rapid.Float64Range(0, budget).Draw(t, "p")
		budget -= p
		l.Add(p, w)
	}
	if rapid.Bool().Draw(t, "with_other") {
		l.Add(rapid.Float64Range(0, 1).Draw(t, "other"), OtherUtterance)
	}
	return l
}

func TestNormaliseProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l := drawList(t)
		l.Merge()
		if err := l.Normalise(); err != nil {
			t.Fatalf("normalise: %v", err)
		}

		others := 0
		for _, it := range l.Items() {
			if it.Fact == OtherUtterance {
				others++
			}
		}
		if others != 1 {
			t.Fatalf("expected one catch-all, got %d", others)
		}
		if math.Abs(l.Total()-1) > Epsilon {
			t.Fatalf("total %v", l.Total())
		}
	})
}

func TestMergeIdempotentProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l := drawList(t)
		once := l.Merge().Items()
		twice := l.Merge().Items()
		if len(once) != len(twice) {
			t.Fatalf("%v != %v", once, twice)
		}
		for i := range once {
			if once[i] != twice[i] {
				t.Fatalf("%v != %v", once, twice)
			}
		}
	})
}

func TestSortStableDescendingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l := NewNBList[Utterance](OtherUtterance)
		n := rapid.IntRange(0, 10).Draw(t, "n")
		for i := 0; i < n; i++ {
			// Few distinct values so ties are common.
			p := float64(rapid.IntRange(0, 3).Draw(t, "p")) / 4
			l.Add(p, Utterance(rune('a'+i)))
		}
		items := l.Sort().Items()
		for i := 1; i < len(items); i++ {
			if items[i].Prob > items[i-1].Prob {
				t.Fatalf("not descending at %d: %v", i, items)
			}
			if items[i].Prob == items[i-1].Prob && items[i].Fact < items[i-1].Fact {
				t.Fatalf("tie reordered at %d: %v", i, items)
			}
		}
	})
}

func TestUtteranceCNExpand(t *testing.T) {
	cn := NewUtteranceCN()
	cn.AddSlot(Alternative[string]{0.6, "hello"}, Alternative[string]{0.4, "yellow"})
	cn.AddSlot(Alternative[string]{0.3, ""}, Alternative[string]{0.7, "there"})

	items := cn.Expand(10, 0)
	require.Len(t, items, 4)
	assert.Equal(t, Utterance("hello there"), items[0].Fact)
	assert.InDelta(t, 0.42, items[0].Prob, 1e-9)
	assert.Equal(t, Utterance("yellow there"), items[1].Fact)
	assert.Equal(t, Utterance("hello"), items[2].Fact)
	assert.Equal(t, Utterance("yellow"), items[3].Fact)

	best, p := cn.Sort().Best()
	assert.Equal(t, Utterance("hello there"), best)
	assert.InDelta(t, 0.42, p, 1e-9)
}

func TestExpandMassBound(t *testing.T) {
	cn := NewUtteranceCN()
	cn.AddSlot(Alternative[string]{0.9, "yes"}, Alternative[string]{0.1, "yeah"})

	items := cn.Expand(10, 0.85)
	require.Len(t, items, 1)
	assert.Equal(t, Utterance("yes"), items[0].Fact)
}

func TestEmptyCNExpandsToEmptyFact(t *testing.T) {
	cn := NewUtteranceCN()
	l, err := cn.NBList(5, 0)
	require.NoError(t, err)
	best, p := l.Best()
	assert.Equal(t, Utterance(""), best)
	assert.InDelta(t, 1.0, p, 1e-9)
}

func TestExpandNonIncreasingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cn := NewUtteranceCN()
		slots := rapid.IntRange(1, 4).Draw(t, "slots")
		for s := 0; s < slots; s++ {
			k := rapid.IntRange(1, 4).Draw(t, "alts")
			alts := make([]Alternative[string], k)
			for i := range alts {
				alts[i] = Alternative[string]{
					Prob: rapid.Float64Range(0.01, 1).Draw(t, "p"),
					Word: string(rune('a' + s*4 + i)),
				}
			}
			cn.AddSlot(alts...)
		}
		if err := cn.Normalise(); err != nil {
			t.Fatalf("normalise: %v", err)
		}

		n := rapid.IntRange(1, 300).Draw(t, "n")
		items := cn.Expand(n, 0)
		if len(items) > n {
			t.Fatalf("got %d items for n=%d", len(items), n)
		}
		for i := 1; i < len(items); i++ {
			if items[i].Prob > items[i-1].Prob+1e-12 {
				t.Fatalf("increasing at %d: %v > %v", i, items[i].Prob, items[i-1].Prob)
			}
		}

		l, err := cn.NBList(n, 0)
		if err != nil {
			t.Fatalf("nblist: %v", err)
		}
		if math.Abs(l.Total()-1) > Epsilon {
			t.Fatalf("total %v", l.Total())
		}
	})
}

func TestPrune(t *testing.T) {
	cn := NewUtteranceCN()
	cn.AddSlot(Alternative[string]{0.98, ""}, Alternative[string]{0.02, "uh"})
	cn.AddSlot(Alternative[string]{0.7, "yes"}, Alternative[string]{0.29, "yet"}, Alternative[string]{0.01, "yak"})

	cn.Prune(0.05)

	slots := cn.Slots()
	require.Len(t, slots, 1)
	require.Len(t, slots[0], 2)
	assert.Equal(t, "yes", slots[0][0].Word)
	assert.Equal(t, "yet", slots[0][1].Word)
}

func TestDialogueActCanonical(t *testing.T) {
	a := da(t, `inform(food="thai")&request(phone)`)
	b := da(t, `request(phone) & inform(food="thai")`)
	assert.Equal(t, a, b)
	assert.Equal(t, []DialogueActItem{
		{Type: "inform", Name: "food", Value: "thai"},
		{Type: "request", Name: "phone"},
	}, a.Items())

	assert.Equal(t, NullDialogueAct, NewDialogueAct())
	_, err := ParseDialogueAct(`inform(a="1",b="2")`)
	assert.Error(t, err)
}

func TestDialogueActCN(t *testing.T) {
	cn := NewDialogueActCN()
	AddItem(cn, 0.8, DialogueActItem{Type: "inform", Name: "food", Value: "thai"})
	AddItem(cn, 0.4, DialogueActItem{Type: "request", Name: "phone"})

	l, err := cn.NBList(10, 0)
	require.NoError(t, err)

	best, p := l.Best()
	assert.Equal(t, DialogueAct(`inform(food="thai")`), best)
	assert.InDelta(t, 0.48, p, 1e-9)
	assert.InDelta(t, 1.0, l.Total(), Epsilon)
}
