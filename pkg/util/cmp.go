package util

import (
	"cmp"
	"fmt"
	"slices"
)

// EqualSlices compares a and b element-wise. With ignoreOrder both sides are
// compared as multisets, ordered by their printed form.
func EqualSlices[T any](a, b []T, equal func(x, y T) bool, ignoreOrder bool) bool {
	if len(a) != len(b) {
		return false
	}

	if ignoreOrder {
		byPrint := func(x, y T) int {
			return cmp.Compare(fmt.Sprint(x), fmt.Sprint(y))
		}
		a = slices.Clone(a)
		b = slices.Clone(b)
		slices.SortFunc(a, byPrint)
		slices.SortFunc(b, byPrint)
	}

	for i := range a {
		if !equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func Clamp[T cmp.Ordered](x, lo, hi T) T {
	return min(max(x, lo), hi)
}
