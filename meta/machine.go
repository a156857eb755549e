package meta

import (
	"log/slog"

	ota "github.com/neilberkman/ota-resilience"
	"github.com/neilberkman/ota-resilience/utils"
)

// MachinePolicy configures the rollback state machine.
type MachinePolicy struct {
	// DefaultSlot is what a device with no valid metadata boots.
	DefaultSlot ota.SlotID

	// NoBootCount reproduces the defect of never consuming the trial
	// budget: an unconfirmed trial image boots forever.
	NoBootCount bool
}

// Machine interprets the authoritative record as the trial-boot
// lifecycle and decides whether to commit, keep trialing, or revert.
type Machine struct {
	store *Store
	pol   MachinePolicy
	log   utils.Logger
}

func NewMachine(store *Store, pol MachinePolicy, log utils.Logger) *Machine {
	if log == nil {
		log = utils.NewDefaultLogger(slog.LevelError)
	}
	return &Machine{store: store, pol: pol, log: log}
}

// Advance runs the once-per-boot transition. A Confirmed record passes
// through untouched; a trial within budget burns one attempt; an
// exhausted trial reverts to the other slot. With synthetic set the
// machine substitutes the first-boot default record and persists it so
// the next boot has a real one.
func (m *Machine) Advance(rec Record, synthetic bool) (Record, error) {
	if synthetic {
		upd := Record{
			Seq:    1,
			Active: m.pol.DefaultSlot,
			Target: m.pol.DefaultSlot,
			State:  StateConfirmed,
		}
		m.log.Info("writing synthetic default record", "slot", upd.Active.String())
		return upd, m.store.Write(upd)
	}

	if rec.State == StateConfirmed {
		return rec, nil
	}

	if rec.BootCount < rec.EffectiveMax() {
		if m.pol.NoBootCount {
			return rec, nil
		}
		upd := rec
		upd.Seq++
		upd.BootCount++
		upd.MaxBootCount = rec.EffectiveMax()
		m.log.Debug("trial boot", "count", upd.BootCount, "max", upd.MaxBootCount)
		return upd, m.store.Write(upd)
	}

	// budget exhausted without confirmation: automatic revert
	other := rec.Active.Other()
	upd := rec
	upd.Seq++
	upd.Active = other
	upd.Target = other
	upd.State = StateConfirmed
	upd.BootCount = 0
	upd.MaxBootCount = rec.EffectiveMax()
	m.log.Info("trial budget exhausted, reverting", "slot", other.String())
	return upd, m.store.Write(upd)
}

// Confirm is the externally-triggered transition: the booted application
// judged itself healthy. The base record is read fresh; the in-memory
// copy mutates only what confirmation may touch.
func (m *Machine) Confirm() error {
	rec, _, err := m.store.Select(m.store.ReadAll())
	if err != nil {
		return err
	}
	upd := rec
	upd.Seq++
	upd.State = StateConfirmed
	upd.BootCount = 0
	upd.MaxBootCount = rec.EffectiveMax()
	return m.store.Write(upd)
}

// Repair rewrites metadata to make slot the confirmed active target,
// used after a fallback boot so the next cycle does not re-derive the
// failing primary.
func (m *Machine) Repair(slot ota.SlotID) error {
	var upd Record
	if rec, _, err := m.store.Select(m.store.ReadAll()); err == nil {
		upd = rec
		upd.Seq = rec.Seq + 1
		upd.MaxBootCount = rec.EffectiveMax()
	} else {
		upd = Record{Seq: 1}
	}
	upd.Active = slot
	upd.Target = slot
	upd.State = StateConfirmed
	upd.BootCount = 0
	return m.store.Write(upd)
}
