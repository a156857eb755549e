package nvm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimStartsErased(t *testing.T) {
	dev := NewSim(0x1000, 64, SimOptions{})
	buf := make([]byte, 64)
	dev.ReadAt(0x1000, buf)
	for _, b := range buf {
		assert.Equal(t, byte(0xFF), b)
	}
	assert.Equal(t, uint32(0xFFFFFFFF), dev.ReadWord(0x1000))
}

func TestReadOutsideRegionIsErased(t *testing.T) {
	dev := NewSim(0x1000, 16, SimOptions{Blank: true})
	assert.Equal(t, uint32(0), dev.ReadWord(0x1000))
	assert.Equal(t, uint32(0xFFFFFFFF), dev.ReadWord(0x0FF0))
	assert.Equal(t, uint32(0xFFFFFFFF), dev.ReadWord(0x1010))
}

func TestWriteReadRoundTrip(t *testing.T) {
	dev := NewSim(0, 256, SimOptions{})
	require.NoError(t, dev.WriteWord(8, 0xDEADBEEF))
	assert.Equal(t, uint32(0xDEADBEEF), dev.ReadWord(8))

	data := []byte{1, 2, 3, 4, 5, 6, 7}
	require.NoError(t, dev.WriteAt(32, data))
	got := make([]byte, 7)
	dev.ReadAt(32, got)
	assert.Equal(t, data, got)
}

func TestWriteOutOfRange(t *testing.T) {
	dev := NewSim(0x1000, 16, SimOptions{})
	assert.ErrorIs(t, dev.WriteWord(0x0FFC, 1), ErrOutOfRange)
	assert.ErrorIs(t, dev.WriteWord(0x1010, 1), ErrOutOfRange)
}

func TestUnalignedWriteRejected(t *testing.T) {
	dev := NewSim(0x1000, 64, SimOptions{})
	assert.ErrorIs(t, dev.WriteWord(0x1002, 1), ErrUnaligned)
	assert.ErrorIs(t, dev.WriteAt(0x1001, []byte{1, 2, 3, 4}), ErrUnaligned)
	assert.ErrorIs(t, dev.Erase(0x1006, 8), ErrUnaligned)

	// nothing may have touched the medium
	assert.Equal(t, uint64(0), dev.Stats().Writes)
	assert.Equal(t, uint32(0xFFFFFFFF), dev.ReadWord(0x1000))
}

func TestArmCutStopsAtGranuleBoundary(t *testing.T) {
	dev := NewSim(0, 64, SimOptions{})
	dev.ArmCut(2) // two granules survive, third dies

	data := []byte{1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3}
	err := dev.WriteAt(0, data)
	require.ErrorIs(t, err, ErrPowerCut)
	assert.False(t, dev.Alive())

	got := make([]byte, 12)
	dev.ReadAt(0, got)
	assert.Equal(t, []byte{1, 1, 1, 1, 2, 2, 2, 2, 0xFF, 0xFF, 0xFF, 0xFF}, got)

	// once dead, every write fails
	assert.ErrorIs(t, dev.WriteWord(16, 7), ErrPowerCut)
	assert.Equal(t, uint64(1), dev.Stats().Cuts)
}

func TestPowerCycleRevives(t *testing.T) {
	dev := NewSim(0, 64, SimOptions{})
	dev.ArmCut(0)
	require.ErrorIs(t, dev.WriteWord(0, 1), ErrPowerCut)

	dev.PowerCycle()
	assert.True(t, dev.Alive())
	require.NoError(t, dev.WriteWord(0, 1))
	assert.Equal(t, uint32(1), dev.ReadWord(0))
}

func TestEraseFillsAndIsInterruptible(t *testing.T) {
	dev := NewSim(0, 32, SimOptions{Blank: true})
	require.NoError(t, dev.Erase(0, 32))
	assert.Equal(t, uint32(0xFFFFFFFF), dev.ReadWord(28))

	dev2 := NewSim(0, 32, SimOptions{Blank: true})
	dev2.ArmCut(3)
	err := dev2.Erase(0, 32)
	require.ErrorIs(t, err, ErrPowerCut)
	assert.Equal(t, uint32(0xFFFFFFFF), dev2.ReadWord(8))
	assert.Equal(t, uint32(0), dev2.ReadWord(12))
}

func TestTraceRecordsOps(t *testing.T) {
	dev := NewSim(0, 64, SimOptions{})
	require.NoError(t, dev.WriteWord(4, 42))
	dev.Barrier()
	require.NoError(t, dev.WriteWord(8, 43))

	ops, err := DecodeTrace(dev.TraceBytes())
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, TraceOp{Kind: opWrite, Addr: 4, Size: 4}, ops[0])
	assert.Equal(t, TraceOp{Kind: opBarrier}, ops[1])
	assert.Equal(t, TraceOp{Kind: opWrite, Addr: 8, Size: 4}, ops[2])

	assert.Len(t, dev.TraceRecords(), 3)
}

func TestTraceMarksCut(t *testing.T) {
	dev := NewSim(0, 64, SimOptions{})
	dev.ArmCut(1)
	_ = dev.WriteAt(0, make([]byte, 12))

	ops, err := DecodeTrace(dev.TraceBytes())
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, byte(opWrite), ops[0].Kind)
	assert.Equal(t, byte(opCut), ops[1].Kind)
	assert.Equal(t, uint32(4), ops[1].Addr)
}

func TestRegionGenerationIsolatesRegions(t *testing.T) {
	dev := NewSim(0, 256, SimOptions{})
	require.NoError(t, dev.WriteWord(16, 1))
	g := dev.RegionGeneration(16, 4)
	assert.Greater(t, g, uint64(0))

	// writes elsewhere leave this region's generation alone
	require.NoError(t, dev.WriteWord(128, 2))
	require.NoError(t, dev.Erase(192, 32))
	assert.Equal(t, g, dev.RegionGeneration(16, 4))

	// a write inside the region advances it, erase included
	require.NoError(t, dev.WriteWord(16, 3))
	g2 := dev.RegionGeneration(16, 4)
	assert.Greater(t, g2, g)
	require.NoError(t, dev.Erase(16, 4))
	assert.Greater(t, dev.RegionGeneration(16, 4), g2)

	// regions outside the device never report a generation
	assert.Equal(t, uint64(0), dev.RegionGeneration(0x10000, 16))
}

func TestGenerationAdvancesOnMutation(t *testing.T) {
	dev := NewSim(0, 64, SimOptions{})
	g0 := dev.Stats().Generation
	require.NoError(t, dev.WriteWord(0, 1))
	assert.Greater(t, dev.Stats().Generation, g0)
}
