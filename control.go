package ota

// Control is the capability set every metadata encoding implements:
// reconcile replicas, advance the trial-boot lifecycle, resolve and
// repair the boot target, and take the application's confirmation. The
// orchestrator sequences these; it never touches replica bytes itself.
//
// Methods that persist state can fail with nvm.ErrPowerCut when the
// simulated device loses power mid-update; the orchestrator treats that
// as the end of the power cycle, not as a recoverable error.
type Control interface {
	Name() string

	// Select reconciles the stored replicas into the authoritative view
	// for this boot. Encodings with an abort pre-pass run it here, before
	// the selection itself; the selection proper is pure. Returns
	// ErrNoValidReplica when nothing validates.
	Select() (View, error)

	// Advance runs the per-boot rollback transition on the view,
	// persisting whatever the transition writes, and returns the view to
	// boot from. Called exactly once per boot, after Select.
	Advance(v View) (View, error)

	// Resolve maps the advanced view to the slot to boot.
	Resolve(v View) SlotID

	// Fallback names the next candidate after cur; false when the
	// encoding has nowhere else to go.
	Fallback(cur SlotID) (SlotID, bool)

	// Repair rewrites metadata so slot is the confirmed active target,
	// preventing the next boot from re-deriving a failing primary.
	Repair(slot SlotID) error

	// Confirm is the booted application's health acknowledgement.
	Confirm() error

	// VerifyImage runs the encoding's whole-image integrity check for
	// slot. Encodings that carry no image checksum report true; the
	// vector sanity check still applies either way.
	VerifyImage(slot SlotID) bool
}
