// Package meta is the two-replica sequence-numbered metadata scheme: two
// fixed-size record replicas, cyclic sequence reconciliation, and the
// older-replica-first write discipline that keeps one side valid through
// any power cut. This is the core encoding; the others are variations on
// the same contract.
package meta

import (
	"encoding/binary"

	ota "github.com/neilberkman/ota-resilience"
	"github.com/neilberkman/ota-resilience/checksum"
)

const (
	Magic       = 0x4F54414D // 'OTAM'
	ReplicaSize = 256

	// DefaultMaxBootCount substitutes the zero sentinel. Zero is
	// "unset", never "unlimited".
	DefaultMaxBootCount = 3

	crcOffset = ReplicaSize - 4
)

type State uint32

const (
	StateConfirmed   State = 0
	StatePendingTest State = 1
)

// Record is one replica's decoded content. Fields of a replica that
// failed validation never reach a Record.
type Record struct {
	Seq          uint32
	Active       ota.SlotID
	Target       ota.SlotID
	State        State
	BootCount    uint32
	MaxBootCount uint32
}

// EffectiveMax resolves the max_boot_count zero sentinel.
func (r Record) EffectiveMax() uint32 {
	if r.MaxBootCount == 0 {
		return DefaultMaxBootCount
	}
	return r.MaxBootCount
}

// Scope is the byte range the record checksum covers. Exactly one scope
// definition exists per deployment and every reader and writer shares
// it; a writer and reader disagreeing here is the canonical
// corruption-detection bug this scheme exists to catch.
type Scope struct {
	Offset uint32
	Length uint32
}

// DefaultScope covers every byte before the checksum field.
var DefaultScope = Scope{Offset: 0, Length: crcOffset}

func (s Scope) orDefault() Scope {
	if s.Length == 0 {
		return DefaultScope
	}
	return s
}

// Encode lays a record out as one replica image: magic stamped, zero
// sentinel resolved, checksum computed exactly once over the scope with
// the checksum field itself treated as zero.
func Encode(r Record, scope Scope, algo checksum.Algorithm) []byte {
	scope = scope.orDefault()
	if r.MaxBootCount == 0 {
		r.MaxBootCount = DefaultMaxBootCount
	}
	buf := make([]byte, ReplicaSize)
	binary.LittleEndian.PutUint32(buf[0:], Magic)
	binary.LittleEndian.PutUint32(buf[4:], r.Seq)
	binary.LittleEndian.PutUint32(buf[8:], uint32(r.Active))
	binary.LittleEndian.PutUint32(buf[12:], uint32(r.Target))
	binary.LittleEndian.PutUint32(buf[16:], uint32(r.State))
	binary.LittleEndian.PutUint32(buf[20:], r.BootCount)
	binary.LittleEndian.PutUint32(buf[24:], r.MaxBootCount)
	crc := algo.Sum32(buf[scope.Offset : scope.Offset+scope.Length])
	binary.LittleEndian.PutUint32(buf[crcOffset:], crc)
	return buf
}

// Decode validates a raw replica: magic first (an erased or foreign
// region is not "corrupt", it was never a record), then the checksum
// over the fixed scope. State and sequence of an invalid replica are
// never returned.
func Decode(raw []byte, scope Scope, algo checksum.Algorithm) (Record, error) {
	scope = scope.orDefault()
	if len(raw) < ReplicaSize {
		return Record{}, ota.ErrInvalidMagic
	}
	if binary.LittleEndian.Uint32(raw[0:]) != Magic {
		return Record{}, ota.ErrInvalidMagic
	}
	scratch := make([]byte, ReplicaSize)
	copy(scratch, raw[:ReplicaSize])
	stored := binary.LittleEndian.Uint32(scratch[crcOffset:])
	binary.LittleEndian.PutUint32(scratch[crcOffset:], 0)
	if algo.Sum32(scratch[scope.Offset:scope.Offset+scope.Length]) != stored {
		return Record{}, ota.ErrChecksumMismatch
	}
	return Record{
		Seq:          binary.LittleEndian.Uint32(raw[4:]),
		Active:       ota.SlotID(binary.LittleEndian.Uint32(raw[8:])),
		Target:       ota.SlotID(binary.LittleEndian.Uint32(raw[12:])),
		State:        State(binary.LittleEndian.Uint32(raw[16:])),
		BootCount:    binary.LittleEndian.Uint32(raw[20:]),
		MaxBootCount: binary.LittleEndian.Uint32(raw[24:]),
	}, nil
}
