package hypothesis

import (
	"container/heap"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

type Alternative[W comparable] struct {
	Prob float64
	Word W
}

// ConfusionNetwork is a sequence of independent per-position distributions
// over words W. Expansions join one word per slot into a fact T; the zero
// word stands for "nothing at this position".
type ConfusionNetwork[W comparable, T Fact] struct {
	slots [][]Alternative[W]
	join  func([]W) T
	other T
}

func NewConfusionNetwork[W comparable, T Fact](join func([]W) T, other T) *ConfusionNetwork[W, T] {
	return &ConfusionNetwork[W, T]{join: join, other: other}
}

// AddSlot appends a position with the given alternatives.
func (cn *ConfusionNetwork[W, T]) AddSlot(alts ...Alternative[W]) *ConfusionNetwork[W, T] {
	cn.slots = append(cn.slots, slices.Clone(alts))
	return cn
}

func (cn *ConfusionNetwork[W, T]) Len() int {
	return len(cn.slots)
}

// Slots returns a deep copy of the slots.
func (cn *ConfusionNetwork[W, T]) Slots() [][]Alternative[W] {
	out := make([][]Alternative[W], len(cn.slots))
	for i, s := range cn.slots {
		out[i] = slices.Clone(s)
	}
	return out
}

// Normalise rescales every slot to sum to one.
func (cn *ConfusionNetwork[W, T]) Normalise() error {
	for i, slot := range cn.slots {
		total := 0.0
		for _, a := range slot {
			if a.Prob < 0 {
				return &ProbabilityMassError{Reason: fmt.Sprintf("negative probability in slot %d", i), Total: total}
			}
			total += a.Prob
		}
		if total <= 0 {
			return &ProbabilityMassError{Reason: fmt.Sprintf("slot %d carries no mass", i), Total: total}
		}
		for j := range slot {
			slot[j].Prob /= total
		}
	}
	return nil
}

func sortAlternatives[W comparable](slot []Alternative[W]) {
	slices.SortStableFunc(slot, func(a, b Alternative[W]) int {
		switch {
		case a.Prob > b.Prob:
			return -1
		case a.Prob < b.Prob:
			return 1
		}
		return 0
	})
}

// Sort orders each slot by descending probability.
func (cn *ConfusionNetwork[W, T]) Sort() *ConfusionNetwork[W, T] {
	for _, slot := range cn.slots {
		sortAlternatives(slot)
	}
	return cn
}

// Prune drops slots that are almost surely empty and alternatives whose
// probability falls below threshold. A slot keeps at least its best alternative.
func (cn *ConfusionNetwork[W, T]) Prune(threshold float64) *ConfusionNetwork[W, T] {
	var zero W
	cn.Sort()

	kept := cn.slots[:0]
	for _, slot := range cn.slots {
		if len(slot) == 0 {
			continue
		}
		if slot[0].Word == zero && slot[0].Prob > 1-threshold {
			continue
		}
		pruned := slot[:1]
		for _, a := range slot[1:] {
			if a.Prob >= threshold {
				pruned = append(pruned, a)
			}
		}
		kept = append(kept, pruned)
	}
	cn.slots = kept
	return cn
}

// Best joins the top alternative of every slot.
func (cn *ConfusionNetwork[W, T]) Best() (T, float64) {
	words := make([]W, 0, len(cn.slots))
	p := 1.0
	for _, slot := range cn.slots {
		if len(slot) == 0 {
			continue
		}
		top := slot[0]
		for _, a := range slot[1:] {
			if a.Prob > top.Prob {
				top = a
			}
		}
		words = append(words, top.Word)
		p *= top.Prob
	}
	return cn.join(words), p
}

type candidate struct {
	prob float64
	seq  int
	idx  []int
}

// frontier is a max-heap on probability; equal probabilities pop in push order.
type frontier []candidate

func (f frontier) Len() int { return len(f) }
func (f frontier) Less(i, j int) bool {
	if f[i].prob != f[j].prob {
		return f[i].prob > f[j].prob
	}
	return f[i].seq < f[j].seq
}
func (f frontier) Swap(i, j int) { f[i], f[j] = f[j], f[i] }
func (f *frontier) Push(x any)   { *f = append(*f, x.(candidate)) }
func (f *frontier) Pop() any {
	old := *f
	c := old[len(old)-1]
	*f = old[:len(old)-1]
	return c
}

func indexKey(idx []int) string {
	var b strings.Builder
	for i, v := range idx {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(v))
	}
	return b.String()
}

// Expand enumerates up to n joint alternatives best first. The search stops
// early once the popped alternatives cover mass (mass <= 0 disables the bound).
// Probabilities of the returned items never increase.
func (cn *ConfusionNetwork[W, T]) Expand(n int, mass float64) []Item[T] {
	if n <= 0 {
		return nil
	}

	slots := make([][]Alternative[W], 0, len(cn.slots))
	for _, s := range cn.slots {
		if len(s) == 0 {
			continue
		}
		s = slices.Clone(s)
		sortAlternatives(s)
		slots = append(slots, s)
	}
	if len(slots) == 0 {
		return []Item[T]{{Prob: 1, Fact: cn.join(nil)}}
	}

	probOf := func(idx []int) float64 {
		p := 1.0
		for i, k := range idx {
			p *= slots[i][k].Prob
		}
		return p
	}

	seq := 0
	seen := make(map[string]bool)
	open := &frontier{}
	start := make([]int, len(slots))
	heap.Push(open, candidate{prob: probOf(start), seq: seq, idx: start})
	seen[indexKey(start)] = true

	var (
		out     []Item[T]
		covered float64
	)
	for open.Len() > 0 && len(out) < n {
		c := heap.Pop(open).(candidate)

		words := make([]W, len(slots))
		for i, k := range c.idx {
			words[i] = slots[i][k].Word
		}
		out = append(out, Item[T]{Prob: c.prob, Fact: cn.join(words)})

		covered += c.prob
		if mass > 0 && covered >= mass {
			break
		}

		for i := range c.idx {
			if c.idx[i]+1 >= len(slots[i]) {
				continue
			}
			next := slices.Clone(c.idx)
			next[i]++
			key := indexKey(next)
			if seen[key] {
				continue
			}
			seen[key] = true
			seq++
			heap.Push(open, candidate{prob: probOf(next), seq: seq, idx: next})
		}
	}
	return out
}

// NBList expands the network into a completed N-best list.
func (cn *ConfusionNetwork[W, T]) NBList(n int, mass float64) (*NBList[T], error) {
	l := NewNBList(cn.other)
	for _, it := range cn.Expand(n, mass) {
		l.Add(it.Prob, it.Fact)
	}
	l.Merge()
	if err := l.Normalise(); err != nil {
		return l, err
	}
	return l.Sort(), nil
}

func (cn *ConfusionNetwork[W, T]) String() string {
	var b strings.Builder
	for i, slot := range cn.slots {
		if i > 0 {
			b.WriteByte('\n')
		}
		for j, a := range slot {
			if j > 0 {
				b.WriteString(" | ")
			}
			fmt.Fprintf(&b, "%.3f %v", a.Prob, a.Word)
		}
	}
	return b.String()
}
