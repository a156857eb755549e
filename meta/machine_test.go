package meta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ota "github.com/neilberkman/ota-resilience"
	"github.com/neilberkman/ota-resilience/nvm"
)

func newMachine(t *testing.T, pol MachinePolicy) (*Machine, *Store, *nvm.Sim) {
	t.Helper()
	dev := nvm.NewSim(metaBase, 4096, nvm.SimOptions{})
	store := NewStore(dev, []uint32{replica0, replica1}, Policy{}, nil)
	return NewMachine(store, pol, nil), store, dev
}

func TestAdvanceConfirmedIsNoop(t *testing.T) {
	m, store, dev := newMachine(t, MachinePolicy{})
	plant(t, dev, replica0, Record{Seq: 4, Active: ota.SlotA, State: StateConfirmed})

	before := dev.Stats().Writes
	rec, _, err := store.Select(store.ReadAll())
	require.NoError(t, err)
	out, err := m.Advance(rec, false)
	require.NoError(t, err)
	assert.Equal(t, rec, out)
	assert.Equal(t, before, dev.Stats().Writes, "confirmed record must not be rewritten")
}

func TestAdvanceTrialIncrementsAndWrites(t *testing.T) {
	m, store, dev := newMachine(t, MachinePolicy{})
	plant(t, dev, replica0, Record{Seq: 8, Active: ota.SlotB, Target: ota.SlotB, State: StatePendingTest, BootCount: 0, MaxBootCount: 3})

	rec, _, err := store.Select(store.ReadAll())
	require.NoError(t, err)
	out, err := m.Advance(rec, false)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), out.Seq)
	assert.Equal(t, uint32(1), out.BootCount)
	assert.Equal(t, StatePendingTest, out.State)
	assert.Equal(t, ota.SlotB, out.Active)

	persisted, _, err := store.Select(store.ReadAll())
	require.NoError(t, err)
	assert.Equal(t, out, persisted)
}

// max_boot_count=3, active=A, three boots without confirm: the fourth
// boot must revert to slot B.
func TestAutomaticRevertAfterBudgetExhausted(t *testing.T) {
	m, store, dev := newMachine(t, MachinePolicy{})
	plant(t, dev, replica0, Record{Seq: 1, Active: ota.SlotA, Target: ota.SlotA, State: StatePendingTest, MaxBootCount: 3})

	for boot := 0; boot < 3; boot++ {
		rec, _, err := store.Select(store.ReadAll())
		require.NoError(t, err)
		out, err := m.Advance(rec, false)
		require.NoError(t, err)
		assert.Equal(t, ota.SlotA, out.Active, "boot %d still trials A", boot)
	}

	rec, _, err := store.Select(store.ReadAll())
	require.NoError(t, err)
	assert.Equal(t, uint32(3), rec.BootCount)
	out, err := m.Advance(rec, false)
	require.NoError(t, err)
	assert.Equal(t, ota.SlotB, out.Active)
	assert.Equal(t, ota.SlotB, out.Target)
	assert.Equal(t, StateConfirmed, out.State)
	assert.Equal(t, uint32(0), out.BootCount)
}

func TestRevertAtBoundaryCount(t *testing.T) {
	m, store, dev := newMachine(t, MachinePolicy{})
	plant(t, dev, replica0, Record{Seq: 5, Active: ota.SlotB, Target: ota.SlotB, State: StatePendingTest, BootCount: 2, MaxBootCount: 3})

	rec, _, err := store.Select(store.ReadAll())
	require.NoError(t, err)
	out, err := m.Advance(rec, false)
	require.NoError(t, err)
	// boot_count goes 2 -> 3, still within budget; next boot reverts
	assert.Equal(t, StatePendingTest, out.State)
	assert.Equal(t, uint32(3), out.BootCount)

	out2, err := m.Advance(out, false)
	require.NoError(t, err)
	assert.Equal(t, ota.SlotA, out2.Active)
	assert.Equal(t, StateConfirmed, out2.State)
}

func TestZeroSentinelMeansDefaultBudgetNotUnlimited(t *testing.T) {
	m, store, dev := newMachine(t, MachinePolicy{})
	plant(t, dev, replica0, Record{Seq: 1, Active: ota.SlotA, Target: ota.SlotA, State: StatePendingTest, MaxBootCount: 0})

	active := ota.SlotA
	for boot := 0; boot < DefaultMaxBootCount+1; boot++ {
		rec, _, err := store.Select(store.ReadAll())
		require.NoError(t, err)
		out, err := m.Advance(rec, false)
		require.NoError(t, err)
		active = out.Active
	}
	assert.Equal(t, ota.SlotB, active, "unset budget must behave as the default, not unlimited")
}

func TestConfirmHoldsSlotAndResetsCount(t *testing.T) {
	m, store, dev := newMachine(t, MachinePolicy{})
	plant(t, dev, replica0, Record{Seq: 12, Active: ota.SlotB, Target: ota.SlotB, State: StatePendingTest, BootCount: 2, MaxBootCount: 3})

	require.NoError(t, m.Confirm())

	rec, _, err := store.Select(store.ReadAll())
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, rec.State)
	assert.Equal(t, uint32(0), rec.BootCount)
	assert.Equal(t, ota.SlotB, rec.Active)
	assert.Equal(t, uint32(13), rec.Seq)
}

func TestConfirmWithoutMetadataFails(t *testing.T) {
	m, _, _ := newMachine(t, MachinePolicy{})
	assert.ErrorIs(t, m.Confirm(), ota.ErrNoValidReplica)
}

func TestSyntheticFirstBoot(t *testing.T) {
	m, store, _ := newMachine(t, MachinePolicy{DefaultSlot: ota.SlotA})

	out, err := m.Advance(Record{}, true)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), out.Seq)
	assert.Equal(t, ota.SlotA, out.Active)
	assert.Equal(t, StateConfirmed, out.State)

	persisted, _, err := store.Select(store.ReadAll())
	require.NoError(t, err)
	assert.Equal(t, out.Seq, persisted.Seq)
	assert.Equal(t, out.Active, persisted.Active)
	assert.Equal(t, StateConfirmed, persisted.State)
	assert.Equal(t, uint32(DefaultMaxBootCount), persisted.MaxBootCount)
}

func TestNoBootCountDefectNeverReverts(t *testing.T) {
	m, store, dev := newMachine(t, MachinePolicy{NoBootCount: true})
	plant(t, dev, replica0, Record{Seq: 1, Active: ota.SlotA, Target: ota.SlotA, State: StatePendingTest, MaxBootCount: 3})

	for boot := 0; boot < 10; boot++ {
		rec, _, err := store.Select(store.ReadAll())
		require.NoError(t, err)
		out, err := m.Advance(rec, false)
		require.NoError(t, err)
		assert.Equal(t, ota.SlotA, out.Active)
		assert.Equal(t, uint32(0), out.BootCount)
	}
}

func TestRepairMarksSlotConfirmed(t *testing.T) {
	m, store, dev := newMachine(t, MachinePolicy{})
	plant(t, dev, replica0, Record{Seq: 6, Active: ota.SlotA, Target: ota.SlotA, State: StateConfirmed})

	require.NoError(t, m.Repair(ota.SlotB))

	rec, _, err := store.Select(store.ReadAll())
	require.NoError(t, err)
	assert.Equal(t, ota.SlotB, rec.Active)
	assert.Equal(t, ota.SlotB, rec.Target)
	assert.Equal(t, StateConfirmed, rec.State)
	assert.Equal(t, uint32(7), rec.Seq)
}

func TestRepairWithNoMetadataWritesFresh(t *testing.T) {
	m, store, _ := newMachine(t, MachinePolicy{})
	require.NoError(t, m.Repair(ota.SlotB))

	rec, _, err := store.Select(store.ReadAll())
	require.NoError(t, err)
	assert.Equal(t, uint32(1), rec.Seq)
	assert.Equal(t, ota.SlotB, rec.Active)
}
