// Package riothdr implements the header-versioned scheme: there is no
// metadata partition at all, each slot opens with a small header naming
// the image version, and the newest slot whose header validates is
// booted. Nothing is ever written at boot time, which also means there
// is no trial state and no rollback beyond "the other header still
// validates".
package riothdr

import (
	"encoding/binary"
	"log/slog"

	"github.com/pkg/errors"

	ota "github.com/neilberkman/ota-resilience"
	"github.com/neilberkman/ota-resilience/checksum"
	"github.com/neilberkman/ota-resilience/nvm"
	"github.com/neilberkman/ota-resilience/slot"
	"github.com/neilberkman/ota-resilience/utils"
)

const (
	// Magic is "RIOT" little-endian.
	Magic = 0x544F4952

	// HeaderSize is the encoded header length at each slot base.
	HeaderSize = 16

	// checksumScope covers magic, version and start address.
	checksumScope = 12
)

// ErrStartMismatch marks a header whose start address does not point at
// its own slot, usually an image flashed into the wrong place.
var ErrStartMismatch = errors.New("riothdr: start address outside its slot")

// Header is the decoded slot header.
type Header struct {
	Version   uint32
	StartAddr uint32
}

// Config fixes the slot geometry and the comparison policy.
type Config struct {
	// Slots carry a header at Base and the image at ImageBase().
	Slots []ota.SlotRegion
	// ScopeBytes overrides the checksum scope; zero means the canonical
	// twelve bytes. Off-by-one scopes reproduce a classic porting bug.
	// Values past the header length are clamped to it.
	ScopeBytes uint32
	// NaiveVersionCompare uses plain greater-than, which inverts the
	// ordering once the version counter wraps.
	NaiveVersionCompare bool
}

func (c Config) scope() uint32 {
	if c.ScopeBytes == 0 {
		return checksumScope
	}
	return clampScope(c.ScopeBytes)
}

func clampScope(scope uint32) uint32 {
	if scope > HeaderSize {
		return HeaderSize
	}
	return scope
}

// Encode renders a header with its checksum over the given scope.
func Encode(h Header, scope uint32) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.StartAddr)
	sum := checksum.Fletcher32{}.Sum32(buf[:clampScope(scope)])
	binary.LittleEndian.PutUint32(buf[12:16], sum)
	return buf
}

// Decode validates a raw header against the expected image start.
func Decode(buf []byte, wantStart, scope uint32) (Header, error) {
	var h Header
	if len(buf) < HeaderSize || binary.LittleEndian.Uint32(buf[0:4]) != Magic {
		return h, ota.ErrInvalidMagic
	}
	h.Version = binary.LittleEndian.Uint32(buf[4:8])
	h.StartAddr = binary.LittleEndian.Uint32(buf[8:12])
	sum := checksum.Fletcher32{}.Sum32(buf[:clampScope(scope)])
	if binary.LittleEndian.Uint32(buf[12:16]) != sum {
		return h, ota.ErrChecksumMismatch
	}
	if h.StartAddr != wantStart {
		return h, ErrStartMismatch
	}
	return h, nil
}

// Control implements ota.Control over slot headers. All operations that
// would persist state are no-ops; the scheme has nowhere to write.
type Control struct {
	dev nvm.Device
	cfg Config
	sel *slot.Selector
	log utils.Logger
}

var _ ota.Control = (*Control)(nil)

func NewControl(dev nvm.Device, cfg Config, log utils.Logger) *Control {
	if log == nil {
		log = utils.NewDefaultLogger(slog.LevelError)
	}
	return &Control{
		dev: dev,
		cfg: cfg,
		sel: slot.NewSelector(slot.ModeExplicit, uint32(len(cfg.Slots))),
		log: log,
	}
}

func (c *Control) Name() string { return "slot-header" }

func (c *Control) header(s ota.SlotID) (Header, error) {
	region := c.cfg.Slots[s]
	buf := make([]byte, HeaderSize)
	c.dev.ReadAt(region.Base, buf)
	return Decode(buf, region.ImageBase(), c.cfg.scope())
}

func (c *Control) newer(a, b uint32) bool {
	if c.cfg.NaiveVersionCompare {
		return a > b
	}
	return ota.SeqNewer(a, b)
}

func (c *Control) Select() (ota.View, error) {
	best := -1
	var bestH Header
	for i := range c.cfg.Slots {
		h, err := c.header(ota.SlotID(i))
		if err != nil {
			c.log.Debug("slot header rejected", "slot", i, "err", err)
			continue
		}
		if best < 0 || c.newer(h.Version, bestH.Version) {
			best, bestH = i, h
		}
	}
	if best < 0 {
		return ota.View{}, ota.ErrNoValidReplica
	}
	c.log.Debug("slot header selected", "slot", best, "version", bestH.Version)
	return ota.View{Seq: bestH.Version, Active: ota.SlotID(best)}, nil
}

// Advance is a no-op: with no writable metadata there is no trial to
// step and nothing to seed on an empty device.
func (c *Control) Advance(v ota.View) (ota.View, error) { return v, nil }

func (c *Control) Resolve(v ota.View) ota.SlotID { return c.sel.Resolve(v) }

func (c *Control) Fallback(cur ota.SlotID) (ota.SlotID, bool) {
	return c.sel.Fallback(cur)
}

// Repair cannot persist a preference; the fallback only holds until an
// image with a newer header is flashed over the bad one.
func (c *Control) Repair(ota.SlotID) error { return nil }

// Confirm is a no-op; every successfully validated image is permanent.
func (c *Control) Confirm() error { return nil }

// VerifyImage re-validates the header of the given slot, which is all
// the integrity this scheme carries.
func (c *Control) VerifyImage(s ota.SlotID) bool {
	_, err := c.header(s)
	return err == nil
}
