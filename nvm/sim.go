package nvm

import (
	"encoding/binary"

	"github.com/google/uuid"
)

const (
	DefaultGranule = 4
	erasedByte     = 0xFF
)

// Stats are the cumulative device counters, exposed for the prometheus
// collector and for write-ordering assertions.
type Stats struct {
	Writes       uint64 // granule writes that hit the medium
	BytesWritten uint64
	Erases       uint64 // erase operations issued
	Barriers     uint64
	Cuts         uint64 // power cuts that fired
	Generation   uint64 // monotonic counter, bumped on every mutation
}

// SimOptions configure a simulated device. Zero values mean defaults.
type SimOptions struct {
	Granule int  // write atomicity unit, default 4 bytes
	Blank   bool // start all-zero instead of all-erased
}

// Sim is a RAM-backed Device with an armable power cut. It is not
// safe for concurrent use; the modeled system is single-core and
// run-to-completion.
type Sim struct {
	id    uuid.UUID
	base  uint32
	mem   []byte
	gens  []uint64 // last mutation generation per granule
	gran  int
	armed bool
	fuse  int // granule writes left before the cut fires
	dead  bool
	stats Stats
	trace []byte
}

func NewSim(base, size uint32, opts SimOptions) *Sim {
	gran := opts.Granule
	if gran <= 0 {
		gran = DefaultGranule
	}
	mem := make([]byte, size)
	if !opts.Blank {
		for i := range mem {
			mem[i] = erasedByte
		}
	}
	return &Sim{
		id:   uuid.New(),
		base: base,
		mem:  mem,
		gens: make([]uint64, (int(size)+gran-1)/gran),
		gran: gran,
	}
}

func (s *Sim) ID() uuid.UUID { return s.id }
func (s *Sim) Base() uint32  { return s.base }
func (s *Sim) Size() uint32  { return uint32(len(s.mem)) }
func (s *Sim) Granule() int  { return s.gran }
func (s *Sim) Stats() Stats  { return s.stats }
func (s *Sim) Alive() bool   { return !s.dead }

// ArmCut schedules a power loss: the next n granule writes succeed, the
// one after that fails and every write after it fails too. Reads keep
// working; the brown-out model here is all-or-nothing per granule.
func (s *Sim) ArmCut(n int) {
	s.armed = true
	s.fuse = n
}

func (s *Sim) DisarmCut() {
	s.armed = false
}

// PowerCycle models the harness turning the device back on: the cut is
// disarmed, writes work again, and a fresh trace begins. Memory contents
// carry over, that being the point of non-volatile storage.
func (s *Sim) PowerCycle() {
	s.dead = false
	s.armed = false
	s.trace = nil
}

func (s *Sim) ReadAt(addr uint32, buf []byte) {
	for i := range buf {
		a := int64(addr) + int64(i) - int64(s.base)
		if a < 0 || a >= int64(len(s.mem)) {
			buf[i] = erasedByte
		} else {
			buf[i] = s.mem[a]
		}
	}
}

func (s *Sim) ReadWord(addr uint32) uint32 {
	var b [4]byte
	s.ReadAt(addr, b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (s *Sim) WriteAt(addr uint32, data []byte) error {
	if addr%uint32(s.gran) != 0 {
		return ErrUnaligned
	}
	for off := 0; off < len(data); off += s.gran {
		end := off + s.gran
		if end > len(data) {
			end = len(data)
		}
		if err := s.writeGranule(addr+uint32(off), data[off:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sim) WriteWord(addr uint32, w uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], w)
	return s.WriteAt(addr, b[:])
}

func (s *Sim) Erase(addr uint32, size uint32) error {
	if addr%uint32(s.gran) != 0 {
		return ErrUnaligned
	}
	s.stats.Erases++
	s.tr(opErase, addr, size)
	blank := make([]byte, s.gran)
	for i := range blank {
		blank[i] = erasedByte
	}
	for off := uint32(0); off < size; off += uint32(s.gran) {
		n := size - off
		if n > uint32(s.gran) {
			n = uint32(s.gran)
		}
		if err := s.writeGranule(addr+off, blank[:n]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sim) Barrier() {
	s.stats.Barriers++
	s.tr(opBarrier, 0, 0)
}

func (s *Sim) writeGranule(addr uint32, data []byte) error {
	if s.dead {
		return ErrPowerCut
	}
	if s.armed {
		if s.fuse == 0 {
			s.dead = true
			s.stats.Cuts++
			s.tr(opCut, addr, 0)
			return ErrPowerCut
		}
		s.fuse--
	}
	a := int64(addr) - int64(s.base)
	if a < 0 || a+int64(len(data)) > int64(len(s.mem)) {
		return ErrOutOfRange
	}
	copy(s.mem[a:], data)
	s.stats.Writes++
	s.stats.BytesWritten += uint64(len(data))
	s.stats.Generation++
	s.gens[a/int64(s.gran)] = s.stats.Generation
	s.tr(opWrite, addr, uint32(len(data)))
	return nil
}

// RegionGeneration reports the newest mutation generation of any granule
// in [base, base+length). Cache epochs built on it go stale only when
// the region itself is rewritten, not when unrelated metadata churns.
func (s *Sim) RegionGeneration(base, length uint32) uint64 {
	first := int64(base) - int64(s.base)
	last := first + int64(length) - 1
	if first < 0 {
		first = 0
	}
	if last >= int64(len(s.mem)) {
		last = int64(len(s.mem)) - 1
	}
	var g uint64
	for i := first / int64(s.gran); i >= 0 && i <= last/int64(s.gran); i++ {
		if s.gens[i] > g {
			g = s.gens[i]
		}
	}
	return g
}
