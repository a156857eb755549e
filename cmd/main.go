package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ergochat/readline"

	ota "github.com/neilberkman/ota-resilience"
	"github.com/neilberkman/ota-resilience/checksum"
	"github.com/neilberkman/ota-resilience/image"
	"github.com/neilberkman/ota-resilience/meta"
	"github.com/neilberkman/ota-resilience/nvm"
)

// demo geometry, the resilient two-slot layout scaled down
const (
	slotABase  = 0x2000
	slotBBase  = 0x3000
	slotSize   = 0x1000
	replica0   = 0x8000
	replica1   = 0x8100
	markerAddr = 0x9000
	ramStart   = 0x20000000
	ramEnd     = 0x20020000
)

var slots = []ota.SlotRegion{
	{Base: slotABase, Size: slotSize},
	{Base: slotBBase, Size: slotSize},
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("boot"),
	readline.PcItem("confirm"),
	readline.PcItem("meta"),
	readline.PcItem("flash"),
	readline.PcItem("corrupt"),
	readline.PcItem("trial"),
	readline.PcItem("cut"),
	readline.PcItem("cycle"),
	readline.PcItem("trace"),
	readline.PcItem("stats"),
	readline.PcItem("save"),
	readline.PcItem("restore"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

type bench struct {
	dev  *nvm.Sim
	ctl  *meta.Control
	snap *nvm.SnapshotStore
}

func newBench() *bench {
	dev := nvm.NewSim(0, 0x10000, nvm.SimOptions{})
	ctl := meta.NewControl(dev, []uint32{replica0, replica1}, meta.Policy{}, meta.MachinePolicy{}, nil)
	return &bench{dev: dev, ctl: ctl}
}

func (b *bench) boot() {
	val := image.NewValidator(b.dev, image.Config{RAMStart: ramStart, RAMEnd: ramEnd})
	jump := &ota.JumpRecorder{}
	orc := ota.NewOrchestrator(b.ctl, val, b.dev, jump, ota.OrchestratorOptions{
		Slots:      slots,
		MarkerAddr: markerAddr,
	})
	out := orc.Boot(context.Background())
	switch {
	case out.PowerLost:
		fmt.Printf("power lost in phase %s\n", out.Phase)
	case out.Jumped():
		fmt.Printf("jumped to slot %s (fallback=%v) sp=%08x pc=%08x\n",
			out.Slot, out.Fallback, jump.SP, jump.PC)
	default:
		fmt.Println("halted: nothing bootable")
	}
}

func (b *bench) showMeta() {
	for i, raw := range b.ctl.Store().ReadAll() {
		rec, err := meta.Decode(raw, meta.DefaultScope, checksum.CRC32{})
		if err != nil {
			fmt.Printf("replica %d: %s\n", i, err)
			continue
		}
		fmt.Printf("replica %d: seq=%d active=%s target=%s state=%d count=%d/%d\n",
			i, rec.Seq, rec.Active, rec.Target, rec.State,
			rec.BootCount, rec.EffectiveMax())
	}
}

func parseSlot(arg string) (ota.SlotID, error) {
	switch strings.ToUpper(arg) {
	case "A", "0":
		return ota.SlotA, nil
	case "B", "1":
		return ota.SlotB, nil
	}
	return 0, fmt.Errorf("bad slot %q", arg)
}

func (b *bench) flash(s ota.SlotID) error {
	base := slots[s].ImageBase()
	if err := b.dev.WriteWord(base, ramStart+0x1000); err != nil {
		return err
	}
	if err := b.dev.WriteWord(base+4, (base+0x40)|1); err != nil {
		return err
	}
	code := make([]byte, 64)
	for i := range code {
		code[i] = byte(i)
	}
	return b.dev.WriteAt(base+0x40, code)
}

func (b *bench) corrupt(s ota.SlotID) error {
	var w [4]byte
	b.dev.ReadAt(slots[s].ImageBase(), w[:])
	w[0] ^= 0xFF
	return b.dev.WriteAt(slots[s].ImageBase(), w[:])
}

// trial stages a pending-test record targeting the given slot, the way
// an updater hands a freshly flashed image to the bootloader.
func (b *bench) trial(s ota.SlotID) error {
	rec, _, err := b.ctl.Store().Select(b.ctl.Store().ReadAll())
	if err != nil {
		rec = meta.Record{}
	}
	rec.Seq++
	rec.Active = s
	rec.Target = s
	rec.State = meta.StatePendingTest
	rec.BootCount = 0
	return b.ctl.Store().Write(rec)
}

func (b *bench) snapshots() (*nvm.SnapshotStore, error) {
	if b.snap != nil {
		return b.snap, nil
	}
	dir := os.Getenv("OTABOOT_DB")
	if dir == "" {
		dir = "/tmp/otaboot-snapshots"
	}
	st, err := nvm.OpenSnapshotStore(dir)
	if err != nil {
		return nil, err
	}
	b.snap = st
	return st, nil
}

func (b *bench) trace() {
	ops, err := nvm.DecodeTrace(b.dev.TraceBytes())
	if err != nil {
		fmt.Println(err)
		return
	}
	for _, op := range ops {
		fmt.Printf("%c addr=%08x size=%d\n", op.Kind, op.Addr, op.Size)
	}
}

func (b *bench) stats() {
	st := b.dev.Stats()
	fmt.Printf("writes=%d bytes=%d erases=%d barriers=%d cuts=%d gen=%d alive=%v\n",
		st.Writes, st.BytesWritten, st.Erases, st.Barriers, st.Cuts,
		st.Generation, b.dev.Alive())
}

func help() {
	fmt.Print(`boot            run one boot pass
confirm         application reports a good boot
meta            dump both metadata replicas
flash A|B       plant a plausible image in a slot
corrupt A|B     flip a byte in a slot's vector table
trial A|B       stage a pending-test record for a slot
cut N           arm a power cut after N granule writes
cycle           power the device back on
trace           print the write/erase/cut trace
stats           device counters
save LABEL      snapshot device state
restore LABEL   restore a snapshot
exit            quit
`)
}

func main() {
	l, err := readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     "/tmp/otaboot.history",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	b := newBench()
	fmt.Println("two-replica boot bench; `help` for commands")

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			} else {
				continue
			}
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		args := strings.Split(line, " ")
		cmd := args[0]
		args = args[1:]
		err = nil
		switch cmd {
		case "", "help":
			help()
		case "boot":
			b.boot()
		case "confirm":
			err = b.ctl.Confirm()
		case "meta", "show":
			b.showMeta()
		case "flash", "corrupt", "trial":
			if len(args) != 1 {
				_, _ = fmt.Fprintf(os.Stderr, "usage: %s A|B\n", cmd)
				break
			}
			var s ota.SlotID
			if s, err = parseSlot(args[0]); err != nil {
				break
			}
			switch cmd {
			case "flash":
				err = b.flash(s)
			case "corrupt":
				err = b.corrupt(s)
			case "trial":
				err = b.trial(s)
			}
		case "cut":
			if len(args) != 1 {
				_, _ = fmt.Fprintln(os.Stderr, "usage: cut N")
				break
			}
			var n int
			if n, err = strconv.Atoi(args[0]); err == nil {
				b.dev.ArmCut(n)
				fmt.Printf("cut armed after %d granule writes\n", n)
			}
		case "cycle":
			b.dev.PowerCycle()
			fmt.Println("power restored")
		case "trace":
			b.trace()
		case "stats":
			b.stats()
		case "save", "restore":
			if len(args) != 1 {
				_, _ = fmt.Fprintf(os.Stderr, "usage: %s LABEL\n", cmd)
				break
			}
			var st *nvm.SnapshotStore
			if st, err = b.snapshots(); err != nil {
				break
			}
			if cmd == "save" {
				err = st.Save(b.dev, args[0])
			} else {
				err = st.Restore(b.dev, args[0])
			}
		case "exit", "quit":
			ex := 0
			if b.snap != nil {
				if err = b.snap.Close(); err != nil {
					_, _ = fmt.Fprintln(os.Stderr, err.Error())
					ex = -1
				}
			}
			os.Exit(ex)
		default:
			_, _ = fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
		}

		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Error executing %s: %s\n", cmd, err.Error())
		}
	}
}
