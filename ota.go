// Package ota models the boot-time decision logic of resilient A/B
// firmware-update bootloaders: how redundant, possibly torn metadata is
// reconciled into one boot decision, how the trial-boot/rollback lifecycle
// advances, and how a boot target is validated before the jump. Several
// real-world encodings implement one capability contract so a
// fault-injection harness can drive any of them through the same
// orchestrator, cutting power between any two granule writes.
package ota

// SlotID identifies one firmware slot.
type SlotID uint32

const (
	SlotA SlotID = 0
	SlotB SlotID = 1
)

func (s SlotID) String() string {
	switch s {
	case SlotA:
		return "A"
	case SlotB:
		return "B"
	default:
		return string(rune('A' + uint32(s)%26))
	}
}

// Other returns the peer slot under the two-slot convention.
func (s SlotID) Other() SlotID {
	return s ^ 1
}

// View is an encoding's authoritative decision state after reconciling
// the stored replicas, reduced to what the boot flow needs. Fields of an
// invalid replica never reach a View.
type View struct {
	Seq       uint32 // sequence / monotonic counter of the winning replica
	Active    SlotID // explicitly selected slot (explicit-field encodings)
	Pending   bool   // a trial boot is in progress
	Synthetic bool   // no valid replica existed; default state substituted
}

// SlotRegion is the address range holding one firmware image.
// ImageOffset accounts for encodings that place a header before the
// vector table.
type SlotRegion struct {
	Base        uint32
	Size        uint32
	ImageOffset uint32
}

// ImageBase is where the image's vector table starts.
func (r SlotRegion) ImageBase() uint32 {
	return r.Base + r.ImageOffset
}
