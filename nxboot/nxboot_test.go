package nxboot

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ota "github.com/neilberkman/ota-resilience"
	"github.com/neilberkman/ota-resilience/checksum"
	"github.com/neilberkman/ota-resilience/nvm"
)

const (
	primaryBase   = 0x2000
	secondaryBase = 0x2800
	tertiaryBase  = 0x3000
	slotSize      = 0x800
	eraseSector   = 0x200
	payloadSize   = 0x80
)

func testConfig() Config {
	return Config{
		Slots: [3]ota.SlotRegion{
			{Base: primaryBase, Size: slotSize, ImageOffset: HeaderSize},
			{Base: secondaryBase, Size: slotSize, ImageOffset: HeaderSize},
			{Base: tertiaryBase, Size: slotSize, ImageOffset: HeaderSize},
		},
		EraseSector: eraseSector,
	}
}

func newControl(t *testing.T, cfg Config) (*Control, *nvm.Sim) {
	t.Helper()
	dev := nvm.NewSim(0, 0x4000, nvm.SimOptions{})
	return NewControl(dev, cfg, nil), dev
}

// buildImage assembles a complete image: header, erased padding and a
// version-stamped payload, with the checksum patched in.
func buildImage(version uint16) []byte {
	img := make([]byte, HeaderSize+payloadSize)
	for i := range img {
		img[i] = 0xFF
	}
	hdr := EncodeHeader(Header{
		Magic:       MagicExternal,
		HdrVerMajor: 1,
		HeaderSize:  HeaderSize,
		Size:        payloadSize,
		ImgVerMajor: version,
	})
	copy(img, hdr)
	for i := 0; i < payloadSize; i++ {
		img[HeaderSize+i] = byte(int(version)*31 + i)
	}
	crc := checksum.CRC32{}.Sum32(img[crcOffset:])
	binary.LittleEndian.PutUint32(img[8:12], crc)
	return img
}

func flash(t *testing.T, dev *nvm.Sim, base uint32, img []byte) {
	t.Helper()
	require.NoError(t, dev.WriteAt(base, img))
}

func payloadAt(dev *nvm.Sim, base uint32) []byte {
	buf := make([]byte, payloadSize)
	dev.ReadAt(base+HeaderSize, buf)
	return buf
}

// boot runs one Select+Advance pass, the way the orchestrator would.
func boot(t *testing.T, c *Control) ota.View {
	t.Helper()
	v, err := c.Select()
	require.NoError(t, err)
	v, err = c.Advance(v)
	require.NoError(t, err)
	return v
}

func TestFreshUploadIsConfirmed(t *testing.T) {
	c, dev := newControl(t, testConfig())
	flash(t, dev, primaryBase, buildImage(1))

	v := boot(t, c)
	assert.False(t, v.Pending)
	assert.Equal(t, Primary, c.Resolve(v))
	assert.True(t, c.VerifyImage(Primary))
}

func TestVerifyImageSeesLaterCorruption(t *testing.T) {
	c, dev := newControl(t, testConfig())
	flash(t, dev, primaryBase, buildImage(1))

	// a clean pass may be cached for the boots that follow
	boot(t, c)
	require.True(t, c.VerifyImage(Primary))
	require.True(t, c.VerifyImage(Primary))

	// flipping a payload word must defeat any cached verdict
	require.NoError(t, dev.WriteWord(primaryBase+HeaderSize+0x40, 0xDEADBEEF))
	assert.False(t, c.VerifyImage(Primary))

	// restoring the image restores the verdict
	flash(t, dev, primaryBase, buildImage(1))
	assert.True(t, c.VerifyImage(Primary))
}

func TestEmptyDeviceFailsValidation(t *testing.T) {
	c, _ := newControl(t, testConfig())
	v, err := c.Select()
	require.NoError(t, err)
	assert.False(t, c.VerifyImage(c.Resolve(v)))
	_, ok := c.Fallback(Primary)
	assert.False(t, ok, "nowhere else to go")
}

func TestUpdateCreatesRecoveryThenInstalls(t *testing.T) {
	c, dev := newControl(t, testConfig())
	v1, v2 := buildImage(1), buildImage(2)
	flash(t, dev, primaryBase, v1)
	flash(t, dev, secondaryBase, v2)

	v := boot(t, c)

	assert.Equal(t, payloadAt(dev, primaryBase), v2[HeaderSize:], "update installed")
	pri := c.readHeader(Primary)
	assert.True(t, IsInternalMagic(pri.Magic), "installed image flagged internal")
	assert.Equal(t, Secondary, pri.RecoveryPtr())

	ter := c.readHeader(Tertiary)
	assert.True(t, IsInternalMagic(ter.Magic), "recovery copy created")
	assert.Equal(t, payloadAt(dev, tertiaryBase), v1[HeaderSize:])
	assert.True(t, c.validImage(Tertiary), "magic flip keeps the checksum intact")

	sec := c.readHeader(Secondary)
	assert.Equal(t, uint32(0xFFFFFFFF), sec.Magic, "update consumed")
	assert.True(t, v.Pending, "installed update starts unconfirmed")
}

func TestUnconfirmedUpdateRevertsNextBoot(t *testing.T) {
	c, dev := newControl(t, testConfig())
	v1 := buildImage(1)
	flash(t, dev, primaryBase, v1)
	flash(t, dev, secondaryBase, buildImage(2))
	boot(t, c)

	// no confirmation between boots
	c2 := NewControl(dev, testConfig(), nil)
	v := boot(t, c2)

	assert.Equal(t, v1[HeaderSize:], payloadAt(dev, primaryBase), "old image restored")
	pri := c2.readHeader(Primary)
	assert.Equal(t, uint32(MagicExternal), pri.Magic, "restored image auto-confirmed")
	assert.False(t, v.Pending)
	assert.True(t, c2.VerifyImage(Primary))
}

func TestConfirmMakesUpdateStick(t *testing.T) {
	c, dev := newControl(t, testConfig())
	flash(t, dev, primaryBase, buildImage(1))
	v2 := buildImage(2)
	flash(t, dev, secondaryBase, v2)
	boot(t, c)

	require.NoError(t, c.Confirm())

	c2 := NewControl(dev, testConfig(), nil)
	v := boot(t, c2)

	assert.Equal(t, v2[HeaderSize:], payloadAt(dev, primaryBase), "update kept")
	assert.False(t, v.Pending)

	st, err := c2.getState()
	require.NoError(t, err)
	assert.Equal(t, ActionNone, st.NextBoot)
	assert.True(t, st.PrimaryConfirmed)
}

func TestConfirmIsIdempotent(t *testing.T) {
	c, dev := newControl(t, testConfig())
	flash(t, dev, primaryBase, buildImage(1))
	flash(t, dev, secondaryBase, buildImage(2))
	boot(t, c)

	require.NoError(t, c.Confirm())
	writes := dev.Stats().Writes
	require.NoError(t, c.Confirm())
	assert.Equal(t, writes, dev.Stats().Writes, "second confirm writes nothing")
}

func TestRevertRestoresBrokenPrimary(t *testing.T) {
	c, dev := newControl(t, testConfig())
	flash(t, dev, primaryBase, buildImage(1))
	v2 := buildImage(2)
	flash(t, dev, secondaryBase, v2)
	boot(t, c)
	require.NoError(t, c.Confirm())

	// the confirmed primary later gets corrupted in place; its recovery
	// copy, written by the confirm, holds the same release
	var b [4]byte
	dev.ReadAt(primaryBase+HeaderSize+16, b[:])
	b[0] ^= 0xFF
	require.NoError(t, dev.WriteAt(primaryBase+HeaderSize+16, b[:]))

	c2 := NewControl(dev, testConfig(), nil)
	require.False(t, c2.validImage(Primary))
	boot(t, c2)

	assert.Equal(t, v2[HeaderSize:], payloadAt(dev, primaryBase))
	assert.True(t, c2.VerifyImage(Primary))
}

func TestNoRevertDefectBootsBrokenPrimary(t *testing.T) {
	cfg := testConfig()
	cfg.NoRevert = true
	c, dev := newControl(t, cfg)
	flash(t, dev, primaryBase, buildImage(1))
	flash(t, dev, secondaryBase, buildImage(2))
	boot(t, c)

	var b [4]byte
	dev.ReadAt(primaryBase+HeaderSize+16, b[:])
	b[0] ^= 0xFF
	require.NoError(t, dev.WriteAt(primaryBase+HeaderSize+16, b[:]))

	c2 := NewControl(dev, cfg, nil)
	st, err := c2.getState()
	require.NoError(t, err)
	require.Equal(t, ActionRevert, st.NextBoot, "revert is due")

	boot(t, c2)
	assert.False(t, c2.VerifyImage(Primary), "primary left broken")
}

func TestNoRecoveryDefectLeavesNothingToRevertTo(t *testing.T) {
	cfg := testConfig()
	cfg.NoRecovery = true
	c, dev := newControl(t, cfg)
	flash(t, dev, primaryBase, buildImage(1))
	v2 := buildImage(2)
	flash(t, dev, secondaryBase, v2)
	boot(t, c)

	ter := c.readHeader(Tertiary)
	assert.Equal(t, uint32(0xFFFFFFFF), ter.Magic, "no recovery copy made")

	// unconfirmed, but with no recovery the trial never ends
	c2 := NewControl(dev, cfg, nil)
	st, err := c2.getState()
	require.NoError(t, err)
	assert.Equal(t, ActionNone, st.NextBoot)
	assert.False(t, st.PrimaryConfirmed)
	assert.Equal(t, v2[HeaderSize:], payloadAt(dev, primaryBase))
}

func TestNoCRCDefectInstallsCorruptUpdate(t *testing.T) {
	c, dev := newControl(t, testConfig())
	flash(t, dev, primaryBase, buildImage(1))
	bad := buildImage(2)
	bad[HeaderSize+8] ^= 0xFF // payload no longer matches the header crc
	flash(t, dev, secondaryBase, bad)

	st, err := c.getState()
	require.NoError(t, err)
	assert.Equal(t, ActionNone, st.NextBoot, "corrupt update rejected")

	cfg := testConfig()
	cfg.NoCRC = true
	c2 := NewControl(dev, cfg, nil)
	st, err = c2.getState()
	require.NoError(t, err)
	assert.Equal(t, ActionUpdate, st.NextBoot, "corrupt update taken")
}

func TestSameImageUpdateIsConsumed(t *testing.T) {
	c, dev := newControl(t, testConfig())
	img := buildImage(1)
	flash(t, dev, primaryBase, img)
	flash(t, dev, secondaryBase, img)

	st, err := c.getState()
	require.NoError(t, err)
	assert.Equal(t, ActionNone, st.NextBoot)
	sec := c.readHeader(Secondary)
	assert.Equal(t, uint32(0xFFFFFFFF), sec.Magic, "duplicate update erased")
}

func TestCutDuringUpdateCopyRetriesCleanly(t *testing.T) {
	c, dev := newControl(t, testConfig())
	flash(t, dev, primaryBase, buildImage(1))
	v2 := buildImage(2)
	flash(t, dev, secondaryBase, v2)

	v, err := c.Select()
	require.NoError(t, err)
	// recovery copy completes, the update copy dies midway
	dev.ArmCut(600)
	_, err = c.Advance(v)
	require.ErrorIs(t, err, nvm.ErrPowerCut)
	dev.PowerCycle()

	require.False(t, c.validImage(Primary), "torn primary fails its checksum")

	c2 := NewControl(dev, testConfig(), nil)
	st, err := c2.getState()
	require.NoError(t, err)
	require.Equal(t, ActionUpdate, st.NextBoot, "surviving update is retried")

	boot(t, c2)
	assert.Equal(t, v2[HeaderSize:], payloadAt(dev, primaryBase))
	assert.True(t, c2.VerifyImage(Primary))
}

func TestCutBeforeConsumeEraseFinishesConsume(t *testing.T) {
	c, dev := newControl(t, testConfig())
	v1 := buildImage(1)
	flash(t, dev, primaryBase, v1)
	v2 := buildImage(2)
	flash(t, dev, secondaryBase, v2)

	v, err := c.Select()
	require.NoError(t, err)
	// both copies complete, the consume erase dies immediately
	dev.ArmCut(2 * int(slotSize) / 4)
	_, err = c.Advance(v)
	require.ErrorIs(t, err, nvm.ErrPowerCut)
	dev.PowerCycle()

	require.True(t, c.validImage(Primary), "update landed before the cut")

	// the next boot recognizes the installed image, finishes the
	// consume erase, and then rolls the still-unconfirmed update back
	c2 := NewControl(dev, testConfig(), nil)
	st, err := c2.getState()
	require.NoError(t, err)
	assert.Equal(t, ActionRevert, st.NextBoot)
	sec := c2.readHeader(Secondary)
	assert.Equal(t, uint32(0xFFFFFFFF), sec.Magic)

	boot(t, c2)
	assert.Equal(t, v1[HeaderSize:], payloadAt(dev, primaryBase))
	assert.True(t, c2.VerifyImage(Primary))
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Magic:       MagicInternal | 2,
		HdrVerMajor: 1,
		HdrVerMinor: 3,
		HeaderSize:  HeaderSize,
		CRC:         0xDEADBEEF,
		Size:        1234,
		Identifier:  0x42,
		ImgVerMajor: 2,
		ImgVerMinor: 7,
		ImgVerPatch: 9,
	}
	got := DecodeHeader(EncodeHeader(h))
	assert.Equal(t, h, got)
	assert.Equal(t, Tertiary, got.RecoveryPtr())
	assert.True(t, IsInternalMagic(got.Magic))
}
