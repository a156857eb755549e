// Package nxboot implements the three-partition copy-based scheme: the
// application only ever runs from the primary slot, updates and
// recovery copies live in the other two, and committing an update
// means copying it into the primary with its header magic flipped from
// the external "uploaded" value to the bootloader-internal one. A
// confirmed image is one whose recovery copy exists with a matching
// checksum; an unconfirmed primary is copied back over from recovery
// on the next boot.
package nxboot

import (
	"encoding/binary"
	"log/slog"

	ota "github.com/neilberkman/ota-resilience"
	"github.com/neilberkman/ota-resilience/checksum"
	"github.com/neilberkman/ota-resilience/image"
	"github.com/neilberkman/ota-resilience/nvm"
	"github.com/neilberkman/ota-resilience/utils"
)

const (
	// MagicExternal is "NXOS" little-endian, stamped by the uploader.
	MagicExternal = 0x534F584E
	// MagicInternal is the bootloader-managed magic; the low two bits
	// carry the recovery pointer.
	MagicInternal = 0xACA0ABB0

	// HeaderDataSize is the meaningful header prefix; HeaderSize pads
	// it to the default on-flash reservation.
	HeaderDataSize = 128
	HeaderSize     = 0x200

	// crcOffset is where the checksummed span begins; everything before
	// it, magic included, may be rewritten without invalidating the
	// image.
	crcOffset = 12

	DefaultEraseSector = 0x1000
)

// Slot roles. The primary is fixed; the other two swap between update
// and recovery duty based on their header magics.
const (
	Primary   = ota.SlotID(0)
	Secondary = ota.SlotID(1)
	Tertiary  = ota.SlotID(2)
)

// Action is what the current partition state asks of this boot.
type Action int

const (
	ActionNone Action = iota
	ActionUpdate
	ActionRevert
)

func (a Action) String() string {
	switch a {
	case ActionUpdate:
		return "update"
	case ActionRevert:
		return "revert"
	}
	return "none"
}

// IsInternalMagic reports whether m is a bootloader-managed magic with
// any recovery pointer value.
func IsInternalMagic(m uint32) bool { return m&0xFFFFFFF0 == MagicInternal }

// Header is the decoded image header.
type Header struct {
	Magic       uint32
	HdrVerMajor uint8
	HdrVerMinor uint8
	HeaderSize  uint16
	CRC         uint32
	Size        uint32
	Identifier  uint64
	ImgVerMajor uint16
	ImgVerMinor uint16
	ImgVerPatch uint16
}

// RecoveryPtr is the slot the internal magic points at.
func (h Header) RecoveryPtr() ota.SlotID { return ota.SlotID(h.Magic & 0x3) }

// DecodeHeader reads the meaningful prefix of an image header.
func DecodeHeader(buf []byte) Header {
	var h Header
	if len(buf) < HeaderDataSize {
		return h
	}
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	h.HdrVerMajor = buf[4]
	h.HdrVerMinor = buf[5]
	h.HeaderSize = binary.LittleEndian.Uint16(buf[6:8])
	h.CRC = binary.LittleEndian.Uint32(buf[8:12])
	h.Size = binary.LittleEndian.Uint32(buf[12:16])
	h.Identifier = binary.LittleEndian.Uint64(buf[16:24])
	h.ImgVerMajor = binary.LittleEndian.Uint16(buf[28:30])
	h.ImgVerMinor = binary.LittleEndian.Uint16(buf[30:32])
	h.ImgVerPatch = binary.LittleEndian.Uint16(buf[32:34])
	return h
}

// EncodeHeader renders the meaningful header prefix, reserved bytes
// erased. The checksum field is whatever h.CRC says; uploaders compute
// it over the assembled image and patch it in.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderDataSize)
	for i := range buf {
		buf[i] = 0xFF
	}
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.HdrVerMajor
	buf[5] = h.HdrVerMinor
	binary.LittleEndian.PutUint16(buf[6:8], h.HeaderSize)
	binary.LittleEndian.PutUint32(buf[8:12], h.CRC)
	binary.LittleEndian.PutUint32(buf[12:16], h.Size)
	binary.LittleEndian.PutUint64(buf[16:24], h.Identifier)
	binary.LittleEndian.PutUint32(buf[24:28], 0)
	binary.LittleEndian.PutUint16(buf[28:30], h.ImgVerMajor)
	binary.LittleEndian.PutUint16(buf[30:32], h.ImgVerMinor)
	binary.LittleEndian.PutUint16(buf[32:34], h.ImgVerPatch)
	return buf
}

// State is the computed partition state for one boot.
type State struct {
	UpdateSlot       ota.SlotID
	RecoverySlot     ota.SlotID
	RecoveryValid    bool
	RecoveryPresent  bool
	PrimaryConfirmed bool
	NextBoot         Action
}

// Config fixes the partition geometry and the defect knobs.
type Config struct {
	// Slots are primary, secondary and tertiary, in that order.
	Slots [3]ota.SlotRegion
	// EraseSector is the consume-erase unit; zero means the default.
	EraseSector uint32

	// NoRecovery skips the recovery copy before applying an update, so
	// there is nothing to revert to when the update turns out bad.
	NoRecovery bool
	// NoRevert keeps booting an unconfirmed or broken primary instead
	// of restoring the recovery copy.
	NoRevert bool
	// NoCRC accepts every image unseen.
	NoCRC bool
}

func (c Config) eraseSector() uint32 {
	if c.EraseSector == 0 {
		return DefaultEraseSector
	}
	return c.EraseSector
}

// Control implements ota.Control over three partitions. The state
// computed by Select is consumed by Advance in the same boot pass.
type Control struct {
	dev nvm.Device
	cfg Config
	val *image.Validator
	log utils.Logger

	state *State
}

var _ ota.Control = (*Control)(nil)

func NewControl(dev nvm.Device, cfg Config, log utils.Logger) *Control {
	if log == nil {
		log = utils.NewDefaultLogger(slog.LevelError)
	}
	return &Control{
		dev: dev,
		cfg: cfg,
		val: image.NewValidator(dev, image.Config{}),
		log: log,
	}
}

func (c *Control) Name() string { return "three-partition" }

func (c *Control) readHeader(s ota.SlotID) Header {
	buf := make([]byte, HeaderDataSize)
	c.dev.ReadAt(c.cfg.Slots[s].Base, buf)
	return DecodeHeader(buf)
}

// validImage checks the full-image checksum, which runs from just past
// the crc field to the end of the payload.
func (c *Control) validImage(s ota.SlotID) bool {
	if c.cfg.NoCRC {
		return true
	}
	h := c.readHeader(s)
	if h.Magic != MagicExternal && !IsInternalMagic(h.Magic) {
		return false
	}
	total := uint32(h.HeaderSize) + h.Size
	if total <= crcOffset || total > c.cfg.Slots[s].Size {
		return false
	}
	return c.val.VerifyRegion(c.cfg.Slots[s].Base+crcOffset, total-crcOffset, h.CRC, checksum.CRC32{})
}

// getState assigns the update and recovery roles and decides the boot
// action. An update slot holding the already-installed image is
// consumed here, before any action is taken.
func (c *Control) getState() (State, error) {
	pri := c.readHeader(Primary)
	sec := c.readHeader(Secondary)
	ter := c.readHeader(Tertiary)

	st := State{UpdateSlot: Secondary, RecoverySlot: Tertiary}
	switch {
	case ter.Magic == MagicExternal:
		st.UpdateSlot, st.RecoverySlot = Tertiary, Secondary
	case IsInternalMagic(sec.Magic) && IsInternalMagic(ter.Magic):
		if IsInternalMagic(pri.Magic) {
			if pri.RecoveryPtr() == Secondary && pri.CRC == sec.CRC {
				st.UpdateSlot, st.RecoverySlot = Tertiary, Secondary
			}
		} else if pri.Magic == MagicExternal && pri.CRC == sec.CRC {
			st.UpdateSlot, st.RecoverySlot = Tertiary, Secondary
		}
	case IsInternalMagic(sec.Magic):
		st.UpdateSlot, st.RecoverySlot = Tertiary, Secondary
	}

	rec := c.readHeader(st.RecoverySlot)
	st.RecoveryValid = c.validImage(st.RecoverySlot)
	st.RecoveryPresent = pri.CRC == rec.CRC

	if pri.Magic == MagicExternal {
		// uploaded straight into primary, auto-confirmed
		st.PrimaryConfirmed = true
	} else if IsInternalMagic(pri.Magic) {
		ptr := pri.RecoveryPtr()
		if ptr == Secondary && IsInternalMagic(sec.Magic) {
			st.PrimaryConfirmed = pri.CRC == sec.CRC
		} else if ptr == Tertiary && IsInternalMagic(ter.Magic) {
			st.PrimaryConfirmed = pri.CRC == ter.CRC
		}
	}

	upd := c.readHeader(st.UpdateSlot)
	primaryValid := c.validImage(Primary)

	if upd.Magic == MagicExternal && c.validImage(st.UpdateSlot) {
		if !primaryValid || pri.CRC != upd.CRC {
			st.NextBoot = ActionUpdate
			return st, nil
		}
		// same image already installed, consume the update
		c.log.Info("update already installed, consuming", "slot", st.UpdateSlot)
		if err := c.eraseFirstSector(st.UpdateSlot); err != nil {
			return st, err
		}
	}

	if IsInternalMagic(rec.Magic) && st.RecoveryValid {
		if (IsInternalMagic(pri.Magic) && !st.PrimaryConfirmed) || !primaryValid {
			st.NextBoot = ActionRevert
		}
	}
	return st, nil
}

// copyPartition duplicates src over dst, flipping the first word: an
// internal source becomes external (a revert restores an uploaded
// image), an external source becomes internal with the recovery
// pointer set to the consumed update slot. The magic lands first; a
// torn copy looks present but fails its checksum.
func (c *Control) copyPartition(dst, src ota.SlotID, magic uint32) error {
	srcR, dstR := c.cfg.Slots[src], c.cfg.Slots[dst]
	if err := c.dev.WriteWord(dstR.Base, magic); err != nil {
		return err
	}
	buf := make([]byte, 256)
	for off := uint32(4); off < srcR.Size; off += uint32(len(buf)) {
		n := uint32(len(buf))
		if srcR.Size-off < n {
			n = srcR.Size - off
		}
		c.dev.ReadAt(srcR.Base+off, buf[:n])
		if err := c.dev.WriteAt(dstR.Base+off, buf[:n]); err != nil {
			return err
		}
	}
	c.dev.Barrier()
	return nil
}

func (c *Control) flipMagic(src ota.SlotID, isUpdate bool, updateSlot ota.SlotID) uint32 {
	h := c.readHeader(src)
	if IsInternalMagic(h.Magic) {
		return MagicExternal
	}
	m := uint32(MagicInternal)
	if isUpdate {
		m |= uint32(updateSlot) & 0x3
	}
	return m
}

func (c *Control) eraseFirstSector(s ota.SlotID) error {
	return c.dev.Erase(c.cfg.Slots[s].Base, c.cfg.eraseSector())
}

func (c *Control) viewOf(st State) ota.View {
	pri := c.readHeader(Primary)
	return ota.View{
		Seq:     uint32(pri.ImgVerMajor)<<16 | uint32(pri.ImgVerMinor),
		Active:  Primary,
		Pending: !st.PrimaryConfirmed,
	}
}

// Select computes the partition state. It never reports an empty
// device as an error: with nothing valid anywhere the primary simply
// fails validation later and the boot halts, the same dead end the
// scheme has on real hardware.
func (c *Control) Select() (ota.View, error) {
	st, err := c.getState()
	if err != nil {
		return ota.View{}, err
	}
	c.state = &st
	c.log.Debug("partition state",
		"update", st.UpdateSlot, "recovery", st.RecoverySlot,
		"confirmed", st.PrimaryConfirmed, "next", st.NextBoot.String())
	return c.viewOf(st), nil
}

// Advance performs the pending copy action, if any.
func (c *Control) Advance(v ota.View) (ota.View, error) {
	if v.Synthetic {
		return v, nil
	}
	st := c.state
	if st == nil {
		fresh, err := c.getState()
		if err != nil {
			return ota.View{}, err
		}
		st = &fresh
	}
	switch st.NextBoot {
	case ActionRevert:
		if c.cfg.NoRevert || !st.RecoveryValid {
			break
		}
		c.log.Info("reverting to recovery copy", "from", st.RecoverySlot)
		magic := c.flipMagic(st.RecoverySlot, false, 0)
		if err := c.copyPartition(Primary, st.RecoverySlot, magic); err != nil {
			return ota.View{}, err
		}
	case ActionUpdate:
		if err := c.applyUpdate(st); err != nil {
			return ota.View{}, err
		}
	}
	// the copies above change confirmation, re-derive the view
	fresh, err := c.getState()
	if err != nil {
		return ota.View{}, err
	}
	c.state = &fresh
	return c.viewOf(fresh), nil
}

func (c *Control) applyUpdate(st *State) error {
	if !c.cfg.NoRecovery && st.PrimaryConfirmed && c.validImage(Primary) &&
		(!st.RecoveryPresent || !st.RecoveryValid) {
		c.log.Info("creating recovery copy", "into", st.RecoverySlot)
		magic := c.flipMagic(Primary, false, 0)
		if err := c.copyPartition(st.RecoverySlot, Primary, magic); err != nil {
			return err
		}
		if !c.validImage(st.RecoverySlot) {
			c.log.Warn("recovery copy failed validation, update aborted")
			return nil
		}
	}
	c.log.Info("applying update", "from", st.UpdateSlot)
	magic := c.flipMagic(st.UpdateSlot, true, st.UpdateSlot)
	if err := c.copyPartition(Primary, st.UpdateSlot, magic); err != nil {
		return err
	}
	return c.eraseFirstSector(st.UpdateSlot)
}

// Resolve: execution only ever happens from the primary.
func (c *Control) Resolve(ota.View) ota.SlotID { return Primary }

// Fallback: there is no second bootable slot; a primary that fails
// validation after the copy machinery has run is a dead end.
func (c *Control) Fallback(ota.SlotID) (ota.SlotID, bool) { return 0, false }

// Repair has nothing to write; recovery happens through the copy
// actions in Advance.
func (c *Control) Repair(ota.SlotID) error { return nil }

// Confirm ends the trial of an internally-flagged primary by writing
// its recovery copy, which is what confirmation means in this scheme.
func (c *Control) Confirm() error {
	st, err := c.getState()
	if err != nil {
		return err
	}
	if st.PrimaryConfirmed {
		return nil
	}
	pri := c.readHeader(Primary)
	if !IsInternalMagic(pri.Magic) {
		return nil
	}
	dst := pri.RecoveryPtr()
	c.log.Info("confirming primary", "recovery", dst)
	return c.copyPartition(dst, Primary, MagicInternal)
}

// VerifyImage runs the full checksum plus the header sanity the jump
// path requires.
func (c *Control) VerifyImage(s ota.SlotID) bool {
	h := c.readHeader(s)
	if h.Magic != MagicExternal && !IsInternalMagic(h.Magic) {
		return false
	}
	if h.HeaderSize < HeaderDataSize || uint32(h.HeaderSize) > c.cfg.eraseSector() {
		return false
	}
	return c.validImage(s)
}
