package hypothesis

import (
	"fmt"
	"slices"
	"strings"
)

const Epsilon = 1e-6

// Fact is a single interpretation carried by a hypothesis.
type Fact interface {
	comparable
	String() string
}

type Item[T Fact] struct {
	Prob float64
	Fact T
}

func (it Item[T]) String() string {
	return fmt.Sprintf("%.3f %s", it.Prob, it.Fact.String())
}

// ProbabilityMassError reports a list whose probabilities cannot form a distribution.
type ProbabilityMassError struct {
	Reason string
	Total  float64
}

func (e *ProbabilityMassError) Error() string {
	return fmt.Sprintf("probability mass error: %s (total %.6f)", e.Reason, e.Total)
}

// NBList is a ranked list of alternatives for one decision. The zero value is
// not usable; build one with NewNBList.
type NBList[T Fact] struct {
	items []Item[T]
	other T
}

// NewNBList returns an empty list whose catch-all element is other.
func NewNBList[T Fact](other T) *NBList[T] {
	return &NBList[T]{other: other}
}

// Other returns the catch-all element.
func (l *NBList[T]) Other() T {
	return l.other
}

// Add appends an alternative without normalizing.
func (l *NBList[T]) Add(p float64, fact T) *NBList[T] {
	l.items = append(l.items, Item[T]{Prob: p, Fact: fact})
	return l
}

func (l *NBList[T]) Len() int {
	return len(l.items)
}

// Items returns a copy of the alternatives in their current order.
func (l *NBList[T]) Items() []Item[T] {
	return slices.Clone(l.items)
}

func (l *NBList[T]) Total() float64 {
	var total float64
	for _, it := range l.items {
		total += it.Prob
	}
	return total
}

// Best returns the most probable alternative, or the catch-all for an empty list.
func (l *NBList[T]) Best() (T, float64) {
	if len(l.items) == 0 {
		return l.other, 1
	}
	best := l.items[0]
	for _, it := range l.items[1:] {
		if it.Prob > best.Prob {
			best = it
		}
	}
	return best.Fact, best.Prob
}

// Merge collapses equal facts into the first occurrence, summing their probabilities.
func (l *NBList[T]) Merge() *NBList[T] {
	index := make(map[T]int, len(l.items))
	merged := l.items[:0:0]
	for _, it := range l.items {
		if i, ok := index[it.Fact]; ok {
			merged[i].Prob += it.Prob
			continue
		}
		index[it.Fact] = len(merged)
		merged = append(merged, it)
	}
	l.items = merged
	return l
}

// Normalise turns the list into a distribution with exactly one catch-all.
// A missing catch-all receives the remaining mass; a present one absorbs
// nothing and the whole list is rescaled to sum to one.
func (l *NBList[T]) Normalise() error {
	others := 0
	total := 0.0
	for _, it := range l.items {
		if it.Prob < 0 {
			return &ProbabilityMassError{Reason: fmt.Sprintf("negative probability for %s", it.Fact), Total: l.Total()}
		}
		if it.Fact == l.other {
			others++
		}
		total += it.Prob
	}

	switch {
	case others > 1:
		return &ProbabilityMassError{Reason: "more than one catch-all element", Total: total}
	case others == 0:
		if total > 1+Epsilon {
			return &ProbabilityMassError{Reason: "probabilities exceed one", Total: total}
		}
		l.items = append(l.items, Item[T]{Prob: max(0, 1-total), Fact: l.other})
		total = l.Total()
	case total <= 0:
		for i := range l.items {
			if l.items[i].Fact == l.other {
				l.items[i].Prob = 1
			}
		}
		return nil
	}

	for i := range l.items {
		l.items[i].Prob /= total
	}
	return nil
}

// Sort orders alternatives by descending probability, keeping ties in place.
func (l *NBList[T]) Sort() *NBList[T] {
	slices.SortStableFunc(l.items, func(a, b Item[T]) int {
		switch {
		case a.Prob > b.Prob:
			return -1
		case a.Prob < b.Prob:
			return 1
		}
		return 0
	})
	return l
}

// Complete runs Merge, Normalise and Sort. On a mass error the list is reset
// to the catch-all alone and the error is returned for logging.
func (l *NBList[T]) Complete() error {
	l.Merge()
	if err := l.Normalise(); err != nil {
		l.items = []Item[T]{{Prob: 1, Fact: l.other}}
		return err
	}
	l.Sort()
	return nil
}

func (l *NBList[T]) String() string {
	var b strings.Builder
	for i, it := range l.items {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(it.String())
	}
	return b.String()
}
