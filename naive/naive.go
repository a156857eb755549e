// Package naive implements the copy-to-address pattern found in
// firmware that never grew a real bootloader: a pending flag, a copy
// from the staging area over the one executable slot, a jump. There is
// no metadata, no second image, no way back. The two checksum modes
// close the corrupt-download hole and nothing else; the overwrite
// window stays fatal in all three.
package naive

import (
	"log/slog"

	ota "github.com/neilberkman/ota-resilience"
	"github.com/neilberkman/ota-resilience/checksum"
	"github.com/neilberkman/ota-resilience/nvm"
	"github.com/neilberkman/ota-resilience/utils"
)

// PendingMagic set at the flag word requests the copy.
const PendingMagic = 1

// Mode selects which of the three historical variants runs.
type Mode int

const (
	// BareCopy copies and jumps, no validation at all.
	BareCopy Mode = iota
	// CRCPreCopy checks the staging image before copying. A corrupt
	// download is skipped; a power cut during the copy still bricks.
	CRCPreCopy
	// CRCPostCopy checks the exec slot after copying and retries the
	// copy once. The original image is already gone by then.
	CRCPostCopy
)

func (m Mode) String() string {
	switch m {
	case CRCPreCopy:
		return "crc-pre-copy"
	case CRCPostCopy:
		return "crc-post-copy"
	}
	return "bare-copy"
}

// Config fixes the two regions and the flag words.
type Config struct {
	Exec      ota.SlotRegion
	Staging   ota.SlotRegion
	ImageSize uint32
	// FlagAddr holds PendingMagic while an update is staged.
	FlagAddr uint32
	// CRCAddr holds the expected staging checksum for the CRC modes.
	CRCAddr uint32
	Mode    Mode
}

// Control implements ota.Control. Selection is trivial: there is one
// slot and it is always "active".
type Control struct {
	dev nvm.Device
	cfg Config
	log utils.Logger
}

var _ ota.Control = (*Control)(nil)

func NewControl(dev nvm.Device, cfg Config, log utils.Logger) *Control {
	if log == nil {
		log = utils.NewDefaultLogger(slog.LevelError)
	}
	return &Control{dev: dev, cfg: cfg, log: log}
}

func (c *Control) Name() string { return "naive-" + c.cfg.Mode.String() }

// StageUpdate loads an image into the staging area, records its
// checksum and arms the pending flag, the way the download path would.
func (c *Control) StageUpdate(img []byte) error {
	if err := c.dev.WriteAt(c.cfg.Staging.ImageBase(), img); err != nil {
		return err
	}
	sum := checksum.CRC32{}.Sum32(c.region(c.cfg.Staging))
	if err := c.dev.WriteWord(c.cfg.CRCAddr, sum); err != nil {
		return err
	}
	c.dev.Barrier()
	return c.dev.WriteWord(c.cfg.FlagAddr, PendingMagic)
}

func (c *Control) region(r ota.SlotRegion) []byte {
	buf := make([]byte, c.cfg.ImageSize)
	c.dev.ReadAt(r.ImageBase(), buf)
	return buf
}

func (c *Control) Select() (ota.View, error) {
	pending := c.dev.ReadWord(c.cfg.FlagAddr) == PendingMagic
	return ota.View{Active: ota.SlotA, Pending: pending}, nil
}

// Advance performs the pending copy. Everything dangerous about this
// scheme lives here: the exec slot is overwritten in place and the
// image it held is unrecoverable from the first word on.
func (c *Control) Advance(v ota.View) (ota.View, error) {
	if v.Synthetic || !v.Pending {
		return v, nil
	}
	want := c.dev.ReadWord(c.cfg.CRCAddr)

	if c.cfg.Mode == CRCPreCopy {
		if got := (checksum.CRC32{}).Sum32(c.region(c.cfg.Staging)); got != want {
			c.log.Warn("staged image corrupt, skipping copy",
				"want", want, "got", got)
			if err := c.dev.WriteWord(c.cfg.FlagAddr, 0); err != nil {
				return ota.View{}, err
			}
			v.Pending = false
			return v, nil
		}
	}

	if err := c.copy(); err != nil {
		return ota.View{}, err
	}

	if c.cfg.Mode == CRCPostCopy {
		if got := (checksum.CRC32{}).Sum32(c.region(c.cfg.Exec)); got != want {
			c.log.Warn("copy came out wrong, retrying once")
			if err := c.copy(); err != nil {
				return ota.View{}, err
			}
		}
	}

	if err := c.dev.WriteWord(c.cfg.FlagAddr, 0); err != nil {
		return ota.View{}, err
	}
	v.Pending = false
	return v, nil
}

func (c *Control) copy() error {
	buf := make([]byte, 256)
	src, dst := c.cfg.Staging.ImageBase(), c.cfg.Exec.ImageBase()
	for off := uint32(0); off < c.cfg.ImageSize; off += uint32(len(buf)) {
		n := uint32(len(buf))
		if c.cfg.ImageSize-off < n {
			n = c.cfg.ImageSize - off
		}
		c.dev.ReadAt(src+off, buf[:n])
		if err := c.dev.WriteAt(dst+off, buf[:n]); err != nil {
			return err
		}
	}
	c.dev.Barrier()
	return nil
}

func (c *Control) Resolve(ota.View) ota.SlotID { return ota.SlotA }

// Fallback: the defining absence.
func (c *Control) Fallback(ota.SlotID) (ota.SlotID, bool) { return 0, false }

func (c *Control) Repair(ota.SlotID) error { return nil }

func (c *Control) Confirm() error { return nil }

// VerifyImage always passes. The checksum modes only guard the copy
// path; at jump time this scheme trusts whatever is in the exec slot.
func (c *Control) VerifyImage(ota.SlotID) bool { return true }
