package ota

// Jumper is the CPU startup collaborator: reprogram the vector-table
// base, set the stack pointer, branch. On hardware this never returns;
// the recorded variant below is what simulations inject.
type Jumper interface {
	Enter(sp, pc, vtor uint32)
}

// JumpRecorder captures the one jump a boot pass may make. A harness
// asserts on Calls to prove a bricked configuration never jumped.
type JumpRecorder struct {
	Calls int
	SP    uint32
	PC    uint32
	VTOR  uint32
}

func (j *JumpRecorder) Enter(sp, pc, vtor uint32) {
	j.Calls++
	j.SP = sp
	j.PC = pc
	j.VTOR = vtor
}

func (j *JumpRecorder) Jumped() bool { return j.Calls > 0 }
