// Package syscall implements the INT 0x80 syscall gate: the register-to-
// argument contract, the dispatch table, and the core POSIX-style syscall
// set (exit, fork, execve, wait/waitpid, getpid, kill, read/write, brk,
// clock_gettime, sigaction, sigreturn).
package syscall

import (
	"github.com/nyx-os/nyx/internal/archsim"
)

// Number identifies a syscall, numbered the way the stub decodes RAX on
// entry.
type Number uint64

const (
	SysExit Number = iota
	SysFork
	SysExecve
	SysWait4
	SysGetpid
	SysGetppid
	SysKill
	SysRead
	SysWrite
	SysBrk
	SysMmap
	SysClockGettime
	SysSigaction
	SysSigreturn
	SysYield
)

// Frame is the register-to-argument view of a syscall entry: the stub
// built an archsim.Context, and Frame is how a handler reads its
// arguments from it and writes its result back, following the System V
// AMD64 syscall convention (args in RDI, RSI, RDX, R10, R8, R9; number in
// RAX; return value in RAX).
type Frame struct {
	ctx *archsim.Context
}

// NewFrame views an existing saved context as a syscall argument frame.
func NewFrame(ctx *archsim.Context) Frame {
	return Frame{ctx: ctx}
}

// Number returns the syscall number the caller placed in RAX.
func (f Frame) Number() Number { return Number(f.ctx.Get(archsim.RAX)) }

// Arg returns the i'th syscall argument (0-indexed), following the
// RDI/RSI/RDX/R10/R8/R9 ordering.
func (f Frame) Arg(i int) uint64 {
	regs := [6]archsim.GPR{archsim.RDI, archsim.RSI, archsim.RDX, archsim.R10, archsim.R8, archsim.R9}
	if i < 0 || i >= len(regs) {
		panic("syscall: argument index out of range")
	}

	return f.ctx.Get(regs[i])
}

// SetReturn writes the syscall's return value into RAX.
func (f Frame) SetReturn(v uint64) { f.ctx.Set(archsim.RAX, v) }

// SetError writes a negated errno into RAX, the convention this kernel's
// libc shim expects (mirroring raw Linux syscall ABI, not the errno global
// variable).
func (f Frame) SetError(errno int) { f.ctx.Set(archsim.RAX, uint64(-int64(errno))) }
