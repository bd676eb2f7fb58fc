// Package sliceutil joins ordered sequences.
package sliceutil

import (
	"iter"
	"slices"
)

// FullOuterJoinSlicesIter walks two slices sorted by compare and yields every
// element of both, pairing elements that compare equal. An element with no
// partner is yielded next to the zero value.
func FullOuterJoinSlicesIter[AT, BT any](a []AT, b []BT, compare func(a AT, b BT) int) iter.Seq2[AT, BT] {
	return FullOuterJoinIters(slices.Values(a), slices.Values(b), compare)
}

// FullOuterJoinIters is FullOuterJoinSlicesIter over two sorted sequences.
func FullOuterJoinIters[AT, BT any](a iter.Seq[AT], b iter.Seq[BT], compare func(a AT, b BT) int) iter.Seq2[AT, BT] {
	var zeroA AT
	var zeroB BT
	return func(yield func(AT, BT) bool) {
		nextA, stopA := iter.Pull(a)
		defer stopA()
		nextB, stopB := iter.Pull(b)
		defer stopB()

		x, okA := nextA()
		y, okB := nextB()
		for okA || okB {
			var c int
			switch {
			case !okB:
				c = -1
			case !okA:
				c = 1
			default:
				c = compare(x, y)
			}
			switch {
			case c == 0:
				if !yield(x, y) {
					return
				}
				x, okA = nextA()
				y, okB = nextB()
			case c < 0:
				if !yield(x, zeroB) {
					return
				}
				x, okA = nextA()
			default:
				if !yield(zeroA, y) {
					return
				}
				y, okB = nextB()
			}
		}
	}
}
