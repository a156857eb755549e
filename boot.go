package ota

import (
	"context"
	"errors"
	"log/slog"

	"github.com/neilberkman/ota-resilience/image"
	"github.com/neilberkman/ota-resilience/nvm"
	"github.com/neilberkman/ota-resilience/utils"
)

// Phase names one state of the boot state machine.
type Phase int

const (
	PhaseSelectMetadata Phase = iota
	PhaseApplyRollback
	PhaseResolvePrimary
	PhaseValidatePrimary
	PhaseValidateFallback
	PhaseJump
	PhaseHalt
)

func (p Phase) String() string {
	switch p {
	case PhaseSelectMetadata:
		return "SelectMetadata"
	case PhaseApplyRollback:
		return "ApplyRollbackTransition"
	case PhaseResolvePrimary:
		return "ResolvePrimarySlot"
	case PhaseValidatePrimary:
		return "ValidatePrimary"
	case PhaseValidateFallback:
		return "ValidateFallbackSlot"
	case PhaseJump:
		return "Jump"
	case PhaseHalt:
		return "Halt"
	default:
		return "?"
	}
}

// Outcome is the terminal result of one boot pass.
type Outcome struct {
	Phase     Phase  // PhaseJump or PhaseHalt
	Slot      SlotID // target jumped to, when Phase == PhaseJump
	Fallback  bool   // target reached via the fallback path
	PowerLost bool   // the simulated device died mid-pass
}

func (o Outcome) Jumped() bool { return o.Phase == PhaseJump }
func (o Outcome) Halted() bool { return o.Phase == PhaseHalt }

// OrchestratorOptions configure one boot pass pipeline.
type OrchestratorOptions struct {
	// Slots is the slot geometry, indexed by SlotID.
	Slots []SlotRegion

	// MarkerAddr, when nonzero, is the diagnostic word that records the
	// last boot target before the jump.
	MarkerAddr uint32

	// NoFallback reproduces the defect of jumping or bricking on the
	// primary alone, never trying the other slot.
	NoFallback bool

	Logger utils.Logger
}

// Orchestrator sequences metadata selection, the rollback transition,
// slot resolution and image validation into the end-to-end boot
// decision. Single-threaded and run-to-completion: one call to Boot per
// power cycle.
type Orchestrator struct {
	ctl  Control
	val  *image.Validator
	dev  nvm.Device
	jump Jumper
	opts OrchestratorOptions
	log  utils.Logger
}

func NewOrchestrator(ctl Control, val *image.Validator, dev nvm.Device, jump Jumper, opts OrchestratorOptions) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = utils.NewDefaultLogger(slog.LevelError)
	}
	return &Orchestrator{
		ctl:  ctl,
		val:  val,
		dev:  dev,
		jump: jump,
		opts: opts,
		log:  log,
	}
}

// Boot runs one power cycle's decision. Every per-replica validation
// failure is recovered here; the only user-visible failure is the
// permanent halt, and a power cut during a metadata write ends the cycle
// where it happened.
func (o *Orchestrator) Boot(ctx context.Context) Outcome {
	ctx = utils.WithDefaultArgs(ctx, "scheme", o.ctl.Name())

	o.log.DebugCtx(ctx, "phase", "phase", PhaseSelectMetadata.String())
	view, err := o.ctl.Select()
	switch {
	case err == nil:
	case errors.Is(err, ErrNoValidReplica):
		// first boot or totally erased storage: not fatal, the rollback
		// machine substitutes the synthetic default record
		o.log.InfoCtx(ctx, "no valid replica, using synthetic default")
		view = View{Synthetic: true}
	case errors.Is(err, nvm.ErrPowerCut):
		return Outcome{Phase: PhaseSelectMetadata, PowerLost: true}
	default:
		o.log.ErrorCtx(ctx, "metadata selection failed", "err", err)
		view = View{Synthetic: true}
	}

	o.log.DebugCtx(ctx, "phase", "phase", PhaseApplyRollback.String())
	view, err = o.ctl.Advance(view)
	if err != nil {
		if errors.Is(err, nvm.ErrPowerCut) {
			return Outcome{Phase: PhaseApplyRollback, PowerLost: true}
		}
		o.log.ErrorCtx(ctx, "rollback transition failed", "err", err)
	}

	o.log.DebugCtx(ctx, "phase", "phase", PhaseResolvePrimary.String())
	primary := o.ctl.Resolve(view)

	o.log.DebugCtx(ctx, "phase", "phase", PhaseValidatePrimary.String(), "slot", primary.String())
	if o.bootable(primary) {
		return o.enter(ctx, primary, false)
	}
	o.log.WarnCtx(ctx, "primary slot not bootable", "slot", primary.String(), "err", ErrImageNotBootable)

	if o.opts.NoFallback {
		o.log.ErrorCtx(ctx, "halting", "err", ErrUnrecoverable)
		return Outcome{Phase: PhaseHalt}
	}

	fb, ok := o.ctl.Fallback(primary)
	if ok {
		o.log.DebugCtx(ctx, "phase", "phase", PhaseValidateFallback.String(), "slot", fb.String())
		if o.bootable(fb) {
			// repair metadata so the next boot does not re-derive the
			// failing primary
			if err := o.ctl.Repair(fb); err != nil {
				if errors.Is(err, nvm.ErrPowerCut) {
					return Outcome{Phase: PhaseValidateFallback, PowerLost: true}
				}
				o.log.ErrorCtx(ctx, "metadata repair failed", "err", err)
			}
			return o.enter(ctx, fb, true)
		}
		o.log.WarnCtx(ctx, "fallback slot not bootable", "slot", fb.String())
	}

	// the one terminal, non-recoverable outcome: halt forever, no retry
	o.log.ErrorCtx(ctx, "halting", "err", ErrUnrecoverable)
	return Outcome{Phase: PhaseHalt}
}

func (o *Orchestrator) bootable(slot SlotID) bool {
	if int(slot) >= len(o.opts.Slots) {
		return false
	}
	r := o.opts.Slots[slot]
	if !o.val.LooksBootable(r.Base, r.ImageOffset, r.Size) {
		return false
	}
	return o.ctl.VerifyImage(slot)
}

func (o *Orchestrator) enter(ctx context.Context, slot SlotID, viaFallback bool) Outcome {
	if o.opts.MarkerAddr != 0 {
		if err := o.dev.WriteWord(o.opts.MarkerAddr, uint32(slot)); err != nil {
			if errors.Is(err, nvm.ErrPowerCut) {
				return Outcome{Phase: PhaseJump, PowerLost: true, Fallback: viaFallback}
			}
			o.log.WarnCtx(ctx, "marker write failed", "err", err)
		}
	}
	r := o.opts.Slots[slot]
	sp := o.dev.ReadWord(r.ImageBase())
	pc := o.dev.ReadWord(r.ImageBase() + 4)
	o.log.InfoCtx(ctx, "jumping", "slot", slot.String(), "fallback", viaFallback)
	o.jump.Enter(sp, pc, r.ImageBase())
	return Outcome{Phase: PhaseJump, Slot: slot, Fallback: viaFallback}
}
