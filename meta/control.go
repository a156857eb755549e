package meta

import (
	"log/slog"

	ota "github.com/neilberkman/ota-resilience"
	"github.com/neilberkman/ota-resilience/nvm"
	"github.com/neilberkman/ota-resilience/slot"
	"github.com/neilberkman/ota-resilience/utils"
)

// Control wires the store, the rollback machine and the explicit-field
// selector into the shared capability contract.
type Control struct {
	store *Store
	mach  *Machine
	sel   *slot.Selector
	log   utils.Logger
}

var _ ota.Control = (*Control)(nil)

func NewControl(dev nvm.Device, replicas []uint32, pol Policy, mpol MachinePolicy, log utils.Logger) *Control {
	if log == nil {
		log = utils.NewDefaultLogger(slog.LevelError)
	}
	store := NewStore(dev, replicas, pol, log)
	return &Control{
		store: store,
		mach:  NewMachine(store, mpol, log),
		sel:   slot.NewSelector(slot.ModeExplicit, 2),
		log:   log,
	}
}

func (c *Control) Name() string { return "two-replica" }

func (c *Control) Store() *Store { return c.store }

func (c *Control) Select() (ota.View, error) {
	rec, _, err := c.store.Select(c.store.ReadAll())
	if err != nil {
		return ota.View{}, err
	}
	return viewOf(rec), nil
}

func (c *Control) Advance(v ota.View) (ota.View, error) {
	if v.Synthetic {
		rec, err := c.mach.Advance(Record{}, true)
		return viewOf(rec), err
	}
	// re-read: the base for a write must be a fresh snapshot
	rec, _, err := c.store.Select(c.store.ReadAll())
	if err != nil {
		return v, err
	}
	rec, err = c.mach.Advance(rec, false)
	return viewOf(rec), err
}

func (c *Control) Resolve(v ota.View) ota.SlotID {
	return c.sel.Resolve(v)
}

func (c *Control) Fallback(cur ota.SlotID) (ota.SlotID, bool) {
	return c.sel.Fallback(cur)
}

func (c *Control) Repair(s ota.SlotID) error {
	return c.mach.Repair(s)
}

func (c *Control) Confirm() error {
	return c.mach.Confirm()
}

// VerifyImage: this encoding carries no whole-image checksum; the vector
// sanity check is the only pre-jump gate.
func (c *Control) VerifyImage(ota.SlotID) bool { return true }

func viewOf(rec Record) ota.View {
	return ota.View{
		Seq:     rec.Seq,
		Active:  rec.Active,
		Pending: rec.State == StatePendingTest,
	}
}
