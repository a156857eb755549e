// Package otadata implements the single-counter update descriptor
// scheme: one monotonically growing sequence number, replicated in two
// independently erasable sectors, from which the boot slot is derived
// by modular arithmetic. A trial image is tracked through an explicit
// per-entry state machine rather than a boot counter.
package otadata

import (
	"encoding/binary"
	"log/slog"

	"github.com/pkg/errors"

	ota "github.com/neilberkman/ota-resilience"
	"github.com/neilberkman/ota-resilience/checksum"
	"github.com/neilberkman/ota-resilience/image"
	"github.com/neilberkman/ota-resilience/nvm"
	"github.com/neilberkman/ota-resilience/slot"
	"github.com/neilberkman/ota-resilience/utils"
)

const (
	// EntrySize is the encoded size of one descriptor entry.
	EntrySize = 32

	// DefaultSectorSize matches the usual NOR erase sector.
	DefaultSectorSize = 0x1000

	// UpdateRequestMagic armed at a well-known word requests a one-shot
	// staging-to-exec copy on the next boot.
	UpdateRequestMagic = 0x55445021
)

// Entry states. Undefined is the erased pattern and doubles as "never
// written".
const (
	StateNew           = 0x00000000
	StatePendingVerify = 0x00000001
	StateValid         = 0x00000002
	StateInvalid       = 0x00000003
	StateAborted       = 0x00000004
	StateUndefined     = 0xFFFFFFFF
)

// ErrIneligible marks a well-formed entry whose state excludes it from
// selection.
var ErrIneligible = errors.New("otadata: entry aborted or invalidated")

// Entry is one decoded descriptor. The label bytes between Seq and
// State are reserved and kept erased.
type Entry struct {
	Seq   uint32
	State uint32
}

// Trial reports whether the entry describes an image still under test.
func (e Entry) Trial() bool {
	return e.State == StateNew || e.State == StatePendingVerify
}

func stateName(s uint32) string {
	switch s {
	case StateNew:
		return "new"
	case StatePendingVerify:
		return "pending-verify"
	case StateValid:
		return "valid"
	case StateInvalid:
		return "invalid"
	case StateAborted:
		return "aborted"
	case StateUndefined:
		return "undefined"
	}
	return "unknown"
}

// Config fixes the descriptor geometry and the policy knobs.
type Config struct {
	// Sectors holds the base address of each descriptor sector.
	Sectors [2]uint32
	// SectorSize is the erase unit; zero means DefaultSectorSize.
	SectorSize uint32
	// SlotCount is the number of application slots the counter cycles
	// over; zero means two.
	SlotCount uint32
	// DefaultSlot is booted, and persisted, when no entry validates.
	DefaultSlot ota.SlotID

	// UpdateReqAddr, when nonzero, is the word checked for
	// UpdateRequestMagic to trigger the one-shot copy from StagingSlot
	// into its exec counterpart before the jump.
	UpdateReqAddr uint32
	// CopyBytes is the region length compared and copied.
	CopyBytes uint32
	// StagingSlot is the source of the one-shot copy.
	StagingSlot ota.SlotID
	// Slots supplies region geometry for the copy path, indexed by
	// slot.
	Slots []ota.SlotRegion

	// SingleSector drops the second descriptor sector, reintroducing
	// the torn-erase window a redundant layout exists to close.
	SingleSector bool
	// SkipCRC accepts entries without checking their checksum.
	SkipCRC bool
	// CRCCoversState extends the checksum over the state word, so that
	// every state transition rewrites the checksum too and a tear
	// between the two invalidates the whole entry.
	CRCCoversState bool
	// NoAbortPrePass skips demoting stale pending-verify entries before
	// selection, letting an interrupted trial retry forever.
	NoAbortPrePass bool
}

func (c Config) sectorSize() uint32 {
	if c.SectorSize == 0 {
		return DefaultSectorSize
	}
	return c.SectorSize
}

func (c Config) slotCount() uint32 {
	if c.SlotCount == 0 {
		return 2
	}
	return c.SlotCount
}

// Control drives boot-time decisions for the single-counter scheme. It
// implements ota.Control. Selection state does not survive across
// Select calls; every operation re-reads the device.
type Control struct {
	dev nvm.Device
	cfg Config
	sel *slot.Selector
	val *image.Validator
	log utils.Logger

	// override redirects Resolve after a completed copy-on-boot; it is
	// cleared on every Select.
	override *ota.SlotID
}

var _ ota.Control = (*Control)(nil)

func NewControl(dev nvm.Device, cfg Config, log utils.Logger) *Control {
	if log == nil {
		log = utils.NewDefaultLogger(slog.LevelError)
	}
	return &Control{
		dev: dev,
		cfg: cfg,
		sel: slot.NewSelector(slot.ModeCounter, cfg.slotCount()),
		val: image.NewValidator(dev, image.Config{}),
		log: log,
	}
}

func (c *Control) Name() string { return "otadata" }

func (c *Control) crcOf(e Entry) uint32 {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], e.Seq)
	n := 4
	if c.cfg.CRCCoversState {
		binary.LittleEndian.PutUint32(buf[4:8], e.State)
		n = 8
	}
	return checksum.CRC32Bare(0, buf[:n]) ^ 0xFFFFFFFF
}

func (c *Control) encode(e Entry) []byte {
	buf := make([]byte, EntrySize)
	for i := range buf {
		buf[i] = 0xFF
	}
	binary.LittleEndian.PutUint32(buf[0:4], e.Seq)
	binary.LittleEndian.PutUint32(buf[24:28], e.State)
	binary.LittleEndian.PutUint32(buf[28:32], c.crcOf(e))
	return buf
}

func (c *Control) decode(buf []byte) (Entry, error) {
	var e Entry
	if len(buf) < EntrySize {
		return e, ota.ErrInvalidMagic
	}
	e.Seq = binary.LittleEndian.Uint32(buf[0:4])
	e.State = binary.LittleEndian.Uint32(buf[24:28])
	if e.Seq == StateUndefined {
		return e, ota.ErrInvalidMagic
	}
	if !c.cfg.SkipCRC && binary.LittleEndian.Uint32(buf[28:32]) != c.crcOf(e) {
		return e, ota.ErrChecksumMismatch
	}
	if e.State == StateInvalid || e.State == StateAborted {
		return e, ErrIneligible
	}
	return e, nil
}

func (c *Control) sectors() []uint32 {
	if c.cfg.SingleSector {
		return c.cfg.Sectors[:1]
	}
	return c.cfg.Sectors[:]
}

func (c *Control) readEntry(sector uint32) []byte {
	buf := make([]byte, EntrySize)
	c.dev.ReadAt(sector, buf)
	return buf
}

// writeEntry erases the sector and writes the entry at its base. The
// erase-then-write pair is the crash window this scheme lives with; it
// is why the two entries sit in separate sectors.
func (c *Control) writeEntry(sector uint32, e Entry) error {
	if err := c.dev.Erase(sector, c.cfg.sectorSize()); err != nil {
		return err
	}
	if err := c.dev.WriteAt(sector, c.encode(e)); err != nil {
		return err
	}
	c.dev.Barrier()
	return nil
}

// abortStale demotes any pending-verify entry to aborted before
// selection. A pending entry at boot means the previous trial never
// reported back, so it must not be retried.
func (c *Control) abortStale() error {
	for i, sector := range c.sectors() {
		e, err := c.decode(c.readEntry(sector))
		if err != nil || e.State != StatePendingVerify {
			continue
		}
		c.log.Warn("aborting stale trial entry", "sector", i, "seq", e.Seq)
		e.State = StateAborted
		if werr := c.writeEntry(sector, e); werr != nil {
			return werr
		}
	}
	return nil
}

// pick returns the index and entry of the cyclically newest eligible
// descriptor, or -1 when none validates. Ties keep the lower sector.
func (c *Control) pick() (int, Entry) {
	best := -1
	var bestE Entry
	for i, sector := range c.sectors() {
		e, err := c.decode(c.readEntry(sector))
		if err != nil {
			continue
		}
		if best < 0 || ota.SeqNewer(e.Seq, bestE.Seq) {
			best, bestE = i, e
		}
	}
	return best, bestE
}

func (c *Control) viewOf(e Entry) ota.View {
	return ota.View{
		Seq:     e.Seq,
		Active:  ota.SlotID((e.Seq - 1) % c.cfg.slotCount()),
		Pending: e.Trial(),
	}
}

func (c *Control) Select() (ota.View, error) {
	c.override = nil
	if !c.cfg.NoAbortPrePass {
		if err := c.abortStale(); err != nil {
			return ota.View{}, err
		}
	}
	idx, e := c.pick()
	if idx < 0 {
		return ota.View{}, ota.ErrNoValidReplica
	}
	c.log.Debug("descriptor selected",
		"sector", idx, "seq", e.Seq, "state", stateName(e.State))
	return c.viewOf(e), nil
}

// victim returns the sector to overwrite: the one not holding the
// newest eligible entry, or sector zero when nothing validates.
func (c *Control) victim() uint32 {
	idx, _ := c.pick()
	sectors := c.sectors()
	if idx == 0 && len(sectors) > 1 {
		return sectors[1]
	}
	return sectors[0]
}

// seqFor returns the smallest sequence strictly above from that the
// counter maps onto the given slot.
func (c *Control) seqFor(s ota.SlotID, from uint32) uint32 {
	n := c.cfg.slotCount()
	seq := from + 1
	for (seq-1)%n != uint32(s) {
		seq++
	}
	return seq
}

func (c *Control) Advance(v ota.View) (ota.View, error) {
	if v.Synthetic {
		e := Entry{Seq: c.seqFor(c.cfg.DefaultSlot, 0), State: StateValid}
		c.log.Info("no descriptor, seeding default",
			"slot", c.cfg.DefaultSlot, "seq", e.Seq)
		if err := c.writeEntry(c.cfg.Sectors[0], e); err != nil {
			return ota.View{}, err
		}
		return c.viewOf(e), nil
	}
	for _, sector := range c.sectors() {
		e, err := c.decode(c.readEntry(sector))
		if err != nil || e.Seq != v.Seq {
			continue
		}
		if e.State == StateNew {
			e.State = StatePendingVerify
			if werr := c.writeEntry(sector, e); werr != nil {
				return ota.View{}, werr
			}
		}
		break
	}
	if err := c.maybeCopy(v); err != nil {
		return ota.View{}, err
	}
	return v, nil
}

// maybeCopy performs the one-shot staging-to-exec copy when the armed
// request flag is present and the counter resolves to the staging
// slot. The flag is consumed before the copy starts, so an interrupted
// copy is not retried into a half-written exec image.
func (c *Control) maybeCopy(v ota.View) error {
	cfg := c.cfg
	if cfg.UpdateReqAddr == 0 || c.sel.Resolve(v) != cfg.StagingSlot {
		return nil
	}
	if c.dev.ReadWord(cfg.UpdateReqAddr) != UpdateRequestMagic {
		return nil
	}
	if err := c.dev.WriteWord(cfg.UpdateReqAddr, 0); err != nil {
		return err
	}
	c.dev.Barrier()
	exec := cfg.StagingSlot.Other()
	src := cfg.Slots[cfg.StagingSlot]
	dst := cfg.Slots[exec]
	c.log.Info("copying staged image",
		"from", cfg.StagingSlot, "to", exec, "bytes", cfg.CopyBytes)
	if err := c.copyRegion(dst, src, cfg.CopyBytes); err != nil {
		return err
	}
	want := c.val.SumRegion(src.ImageBase(), cfg.CopyBytes, checksum.CRC32{})
	if !c.val.VerifyRegion(dst.ImageBase(), cfg.CopyBytes, want, checksum.CRC32{}) {
		return errors.Wrap(ota.ErrImageNotBootable, "copy verify failed")
	}
	c.override = &exec
	return nil
}

func (c *Control) copyRegion(dst, src ota.SlotRegion, length uint32) error {
	if err := c.dev.Erase(dst.ImageBase(), length); err != nil {
		return err
	}
	buf := make([]byte, 256)
	for off := uint32(0); off < length; off += uint32(len(buf)) {
		n := uint32(len(buf))
		if length-off < n {
			n = length - off
		}
		c.dev.ReadAt(src.ImageBase()+off, buf[:n])
		if err := c.dev.WriteAt(dst.ImageBase()+off, buf[:n]); err != nil {
			return err
		}
	}
	c.dev.Barrier()
	return nil
}

func (c *Control) Resolve(v ota.View) ota.SlotID {
	if c.override != nil {
		return *c.override
	}
	return c.sel.Resolve(v)
}

func (c *Control) Fallback(cur ota.SlotID) (ota.SlotID, bool) {
	fb, ok := c.sel.Fallback(cur)
	return fb, ok
}

// Repair persists a descriptor whose counter resolves to the given
// slot, overwriting the sector not holding the current best entry.
func (c *Control) Repair(s ota.SlotID) error {
	idx, e := c.pick()
	var from uint32
	if idx >= 0 {
		from = e.Seq
	}
	next := Entry{Seq: c.seqFor(s, from), State: StateValid}
	c.log.Info("repairing descriptor", "slot", s, "seq", next.Seq)
	return c.writeEntry(c.victim(), next)
}

// Confirm marks the newest eligible entry valid, ending its trial.
func (c *Control) Confirm() error {
	idx, e := c.pick()
	if idx < 0 {
		return ota.ErrNoValidReplica
	}
	if e.State == StateValid {
		return nil
	}
	e.State = StateValid
	return c.writeEntry(c.sectors()[idx], e)
}

// VerifyImage always passes; this scheme stores no per-image checksum
// and relies on vector sanity plus the trial state machine.
func (c *Control) VerifyImage(ota.SlotID) bool { return true }
