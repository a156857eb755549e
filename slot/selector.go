// Package slot maps an authoritative metadata decision to a concrete
// boot target, independent of how the target was derived: some encodings
// store the slot explicitly, others derive it from a monotonic counter.
package slot

import (
	ota "github.com/neilberkman/ota-resilience"
)

type Mode int

const (
	// ModeExplicit returns the record's active-slot field directly.
	ModeExplicit Mode = iota
	// ModeCounter derives the slot as (counter - 1) mod slot count,
	// the single-descriptor-per-boot convention.
	ModeCounter
)

type Selector struct {
	mode  Mode
	count uint32
	order []ota.SlotID
}

func NewSelector(mode Mode, count uint32) *Selector {
	return &Selector{mode: mode, count: count}
}

// WithOrder fixes the fallback priority order for more than two slots.
func (s *Selector) WithOrder(order ...ota.SlotID) *Selector {
	s.order = order
	return s
}

func (s *Selector) Resolve(v ota.View) ota.SlotID {
	if s.mode == ModeCounter {
		return ota.SlotID((v.Seq - 1) % s.count)
	}
	return v.Active
}

// Fallback returns the other slot when exactly two exist, and otherwise
// the next candidate after cur in the fixed priority order. False means
// there is nowhere else to go.
func (s *Selector) Fallback(cur ota.SlotID) (ota.SlotID, bool) {
	if s.count < 2 {
		return cur, false
	}
	if s.count == 2 && s.order == nil {
		return cur.Other(), true
	}
	order := s.order
	if order == nil {
		order = make([]ota.SlotID, s.count)
		for i := range order {
			order[i] = ota.SlotID(i)
		}
	}
	for i, id := range order {
		if id == cur {
			return order[(i+1)%len(order)], true
		}
	}
	return order[0], true
}
