package meta

import (
	"log/slog"

	ota "github.com/neilberkman/ota-resilience"
	"github.com/neilberkman/ota-resilience/checksum"
	"github.com/neilberkman/ota-resilience/nvm"
	"github.com/neilberkman/ota-resilience/utils"
)

// Policy injects the store's configurable behaviors, including the
// historically real defects a harness may want to reproduce. The
// zero value is the correct-by-design configuration.
type Policy struct {
	// Scope overrides the checksum scope. Leave zero for DefaultScope.
	Scope Scope

	// Algorithm overrides the record checksum. Default CRC-32.
	Algorithm checksum.Algorithm

	// NaiveSeqCompare selects plain integer comparison for sequence
	// reconciliation. Breaks at counter wraparound: a fresh seq=1 loses
	// to a stale 0xFFFFFFFF.
	NaiveSeqCompare bool

	// RacedWrites interleaves both replica writes with no ordering and
	// no barrier, so one power cut can tear both copies at once.
	RacedWrites bool
}

// Store owns the fixed set of replica addresses and is their sole
// writer. Reconciliation is pure; Write is the only mutation and has no
// partial-success return; which replica took the write is knowable only
// from the next ReadAll.
type Store struct {
	dev      nvm.Device
	replicas []uint32
	scope    Scope
	algo     checksum.Algorithm
	pol      Policy
	log      utils.Logger
}

func NewStore(dev nvm.Device, replicas []uint32, pol Policy, log utils.Logger) *Store {
	algo := pol.Algorithm
	if algo == nil {
		algo = checksum.CRC32{}
	}
	if log == nil {
		log = utils.NewDefaultLogger(slog.LevelError)
	}
	return &Store{
		dev:      dev,
		replicas: replicas,
		scope:    pol.Scope.orDefault(),
		algo:     algo,
		pol:      pol,
		log:      log,
	}
}

func (s *Store) Replicas() int { return len(s.replicas) }

// ReadAll copies every replica region byte for byte. It never fails;
// whatever bytes are present come back, erased patterns included.
func (s *Store) ReadAll() [][]byte {
	raws := make([][]byte, len(s.replicas))
	for i, addr := range s.replicas {
		buf := make([]byte, ReplicaSize)
		s.dev.ReadAt(addr, buf)
		raws[i] = buf
	}
	return raws
}

// Validate checks one raw replica, magic before checksum.
func (s *Store) Validate(raw []byte) error {
	_, err := Decode(raw, s.scope, s.algo)
	return err
}

// Select reconciles the replicas into the authoritative record: the
// cyclically-newest valid one wins; on equal sequences the lower index
// is the deterministic tie-break. Pure: it is called both for boot
// decisions and to rebase writes, and must see storage unchanged.
func (s *Store) Select(raws [][]byte) (Record, int, error) {
	best := Record{}
	bestIdx := -1
	for i, raw := range raws {
		rec, err := Decode(raw, s.scope, s.algo)
		if err != nil {
			continue
		}
		if bestIdx < 0 || s.newer(rec.Seq, best.Seq) {
			best, bestIdx = rec, i
		}
	}
	if bestIdx < 0 {
		return Record{}, -1, ota.ErrNoValidReplica
	}
	return best, bestIdx, nil
}

func (s *Store) newer(a, b uint32) bool {
	if s.pol.NaiveSeqCompare {
		return a > b
	}
	return ota.SeqNewer(a, b)
}

// Write persists an updated record to every replica, oldest-or-invalid
// first. At every instant at least one replica holds either the old
// valid record or the fully-written new one: a cut during the first
// write leaves the intact stale copy, a cut during the second leaves the
// fresh copy plus a stale-but-valid one that self-heals on the next
// Select.
func (s *Store) Write(upd Record) error {
	buf := Encode(upd, s.scope, s.algo)
	if s.pol.RacedWrites {
		return s.writeRaced(buf)
	}

	victim := s.victim()
	if err := s.dev.WriteAt(s.replicas[victim], buf); err != nil {
		return err
	}
	s.dev.Barrier()
	for i, addr := range s.replicas {
		if i == victim {
			continue
		}
		if err := s.dev.WriteAt(addr, buf); err != nil {
			return err
		}
	}
	return nil
}

// victim picks the replica whose loss cannot hurt: any invalid one, else
// the cyclically oldest, with the higher index losing ties (Select keeps
// the lower index on ties, so that copy stays untouched longest).
func (s *Store) victim() int {
	raws := s.ReadAll()
	victim := len(s.replicas) - 1
	var oldest Record
	haveValid := false
	for i, raw := range raws {
		rec, err := Decode(raw, s.scope, s.algo)
		if err != nil {
			return i
		}
		if !haveValid || !s.newer(rec.Seq, oldest.Seq) {
			oldest, victim = rec, i
			haveValid = true
		}
	}
	return victim
}

func (s *Store) writeRaced(buf []byte) error {
	// both replicas advance in lockstep, granule by granule: a single
	// cut lands inside every copy at once
	gran := s.dev.Granule()
	for off := 0; off < len(buf); off += gran {
		end := off + gran
		if end > len(buf) {
			end = len(buf)
		}
		for _, addr := range s.replicas {
			if err := s.dev.WriteAt(addr+uint32(off), buf[off:end]); err != nil {
				return err
			}
		}
	}
	return nil
}
