package ota

import "golang.org/x/exp/constraints"

// CyclicNewer reports whether a is strictly newer than b under wraparound
// order: a is newer iff (a - b) interpreted as signed is positive. The
// counters compared here overflow in the field, so plain < is wrong: a
// freshly wrapped 1 must beat a stale 0xFFFFFFFF.
func CyclicNewer[T constraints.Unsigned](a, b T) bool {
	half := (^T(0) >> 1) + 1 // 2^(k-1)
	d := a - b
	return d != 0 && d < half
}

// SeqNewer is CyclicNewer for the 32-bit sequence counters the metadata
// encodings use.
func SeqNewer(a, b uint32) bool {
	return CyclicNewer(a, b)
}
