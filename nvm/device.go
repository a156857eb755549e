// Package nvm models the non-volatile storage a bootloader runs against:
// fixed-address byte regions with granule-atomic writes, sector erase and a
// completion barrier. The simulated device can lose power between any two
// granule writes, which is the only failure mode the boot algorithms are
// required to survive.
package nvm

import "errors"

var (
	ErrPowerCut     = errors.New("nvm: power lost")
	ErrOutOfRange   = errors.New("nvm: address outside device region")
	ErrUnaligned    = errors.New("nvm: write not granule-aligned")
	ErrDeviceClosed = errors.New("nvm: snapshot store closed")
)

// Device is addressable storage. Reads never fail: whatever bytes are
// present are returned, including erased patterns. Writes are atomic per
// granule and nothing larger; a power cut lands between granules.
type Device interface {
	// ReadAt fills buf starting at addr. Bytes outside the device
	// region read as erased (0xFF).
	ReadAt(addr uint32, buf []byte)

	// ReadWord reads a little-endian 32-bit word.
	ReadWord(addr uint32) uint32

	// WriteAt stores data granule by granule. On power loss the write
	// stops at a granule boundary and ErrPowerCut is returned; granules
	// already written stay written.
	WriteAt(addr uint32, data []byte) error

	// WriteWord stores one little-endian 32-bit word.
	WriteWord(addr uint32, w uint32) error

	// Erase fills [addr, addr+size) with 0xFF, granule by granule, so
	// an interrupted erase leaves a partially-erased region.
	Erase(addr uint32, size uint32) error

	// Barrier orders a preceding write before any following one. On the
	// simulated device it only marks the trace.
	Barrier()

	// Granule is the write atomicity unit in bytes.
	Granule() int
}
