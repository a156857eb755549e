// Package image performs the pre-jump sanity checks on a candidate boot
// target: the cheap stack-pointer/reset-vector plausibility check, and
// the whole-image checksum for encodings that carry one. It has no
// access to metadata; an image either looks and sums right or it does
// not.
package image

import (
	"encoding/binary"

	"github.com/cespare/xxhash"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/neilberkman/ota-resilience/checksum"
	"github.com/neilberkman/ota-resilience/nvm"
)

const defaultCacheSize = 64

// Config fixes the target's memory conventions.
type Config struct {
	// RAMStart/RAMEnd bound the valid initial stack pointer.
	RAMStart uint32
	RAMEnd   uint32

	// SkipVectorCheck reproduces the defect of jumping without looking:
	// erased or half-written images are trusted blindly.
	SkipVectorCheck bool

	// CacheSize bounds the verified-image cache; 0 means the default.
	CacheSize int
}

// Validator checks candidate images on a device. Whole-image checksum
// results are cached per region write generation, so a campaign that
// boots an unchanged slot hundreds of times scans it once, metadata
// churn in other regions notwithstanding.
type Validator struct {
	dev   nvm.Device
	cfg   Config
	cache *lru.Cache[uint64, bool]
}

func NewValidator(dev nvm.Device, cfg Config) *Validator {
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, _ := lru.New[uint64, bool](size)
	return &Validator{dev: dev, cfg: cfg, cache: cache}
}

// LooksBootable reads the first two words at slotBase+imageOffset as
// (initial stack pointer, reset vector). Necessary, not sufficient: it
// catches erased and partially-written images without reading the whole
// image, and is no substitute for a full checksum where one exists.
func (v *Validator) LooksBootable(slotBase, imageOffset, slotSize uint32) bool {
	if v.cfg.SkipVectorCheck {
		return true
	}
	base := slotBase + imageOffset
	sp := v.dev.ReadWord(base)
	rv := v.dev.ReadWord(base + 4)
	pc := rv &^ 1

	if sp < v.cfg.RAMStart || sp > v.cfg.RAMEnd {
		return false
	}
	// thumb bit marks a legitimate code pointer on this ISA
	if rv&1 == 0 {
		return false
	}
	// the code address must land inside the candidate slot itself,
	// not merely anywhere that looks like flash
	if pc < base || pc >= slotBase+slotSize {
		return false
	}
	return true
}

// VerifyRegion checks a whole region against an expected digest.
func (v *Validator) VerifyRegion(base, length, want uint32, algo checksum.Algorithm) bool {
	if key, ok := v.cacheKey(base, length, want, algo); ok {
		if hit, found := v.cache.Get(key); found {
			return hit
		}
		res := v.SumRegion(base, length, algo) == want
		v.cache.Add(key, res)
		return res
	}
	return v.SumRegion(base, length, algo) == want
}

// SumRegion digests a device region with the given algorithm.
func (v *Validator) SumRegion(base, length uint32, algo checksum.Algorithm) uint32 {
	buf := make([]byte, length)
	v.dev.ReadAt(base, buf)
	return algo.Sum32(buf)
}

// cacheKey is only usable when the device exposes per-region write
// generations; without them, stale entries could outlive a slot rewrite.
func (v *Validator) cacheKey(base, length, want uint32, algo checksum.Algorithm) (uint64, bool) {
	sim, ok := v.dev.(interface {
		RegionGeneration(base, length uint32) uint64
	})
	if !ok {
		return 0, false
	}
	b := make([]byte, 20, 32)
	binary.LittleEndian.PutUint32(b[0:], base)
	binary.LittleEndian.PutUint32(b[4:], length)
	binary.LittleEndian.PutUint32(b[8:], want)
	binary.LittleEndian.PutUint64(b[12:], sim.RegionGeneration(base, length))
	b = append(b, algo.Name()...)
	return xxhash.Sum64(b), true
}
