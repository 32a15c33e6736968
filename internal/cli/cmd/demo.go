package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nyx-os/nyx/internal/boot"
	"github.com/nyx-os/nyx/internal/cli"
	"github.com/nyx-os/nyx/internal/console"
	"github.com/nyx-os/nyx/internal/elfload"
	"github.com/nyx-os/nyx/internal/fsstub"
	"github.com/nyx-os/nyx/internal/log"
	"github.com/nyx-os/nyx/internal/sched"
	"github.com/nyx-os/nyx/internal/syscall"
)

// Demo is a demonstration command.
func Demo() cli.Command {
	return new(demo)
}

type demo struct {
	debug bool
	quiet bool
}

func (demo) Description() string {
	return "boot the kernel and drive a scripted fork/write/wait sequence"
}

func (d demo) Usage(out io.Writer) error {
	var err error
	_, err = fmt.Fprintln(out, `
demo [ -debug | -quiet ]

Boot a kernel core with one process, fork a child, have each write to the
console, and wait for the child to exit, narrating every step.`)

	return err
}

func (d *demo) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)

	fs.BoolVar(&d.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&d.quiet, "quiet", false, "enable quiet output, kernel log only")

	return fs
}

// demoImage is a placeholder program image: there is no instruction-fetch
// loop in this core, so a program's executable bytes are never run. Only
// its entry point and segment layout matter, exactly as internal/boot's own
// test fixtures rely on.
var demoImage = elfload.Image{
	Entry: 0x401000,
	Segments: []elfload.Segment{
		{VAddr: 0x401000, Data: make([]byte, 16), Executable: true},
	},
}

func (d demo) Run(ctx context.Context, args []string, out io.Writer, _ *log.Logger) int {
	_, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if d.quiet {
		log.LogLevel.Set(log.Error)
	}

	if d.debug {
		log.LogLevel.Set(log.Debug)
	}

	logger := log.NewFormattedLogger(os.Stdout)
	log.SetDefault(logger)
	log.DefaultLogger = func() *log.Logger {
		return logger
	}

	logger.Info("booting kernel core")

	// Prefer a real terminal for fds 0-2; fall back to the in-memory stub
	// console.New returns when standard input isn't a tty (headless runs,
	// tests, CI), exactly as internal/syscall.ConsoleIO documents.
	var (
		con   syscall.ConsoleIO
		stdio *fsstub.Stdio
	)

	realCon, err := console.New(os.Stdin, os.Stdout)
	switch {
	case err == nil:
		con = realCon
		defer realCon.Restore()
	case errors.Is(err, console.ErrNoTTY):
		stdio = fsstub.NewStdio(nil)
		con = stdio
	default:
		logger.Error("console init failed", "err", err)
		return 2
	}

	k, err := boot.New(boot.Config{Frames: 65536, Console: con, Logger: logger})
	if err != nil {
		logger.Error("boot failed", "err", err)
		return 2
	}

	pid, tid, err := k.Spawn(demoImage)
	if err != nil {
		logger.Error("spawn failed", "err", err)
		return 2
	}

	logger.Info("spawned process", "pid", pid, "tid", tid)

	greeting := []byte("hello from the parent\n")
	copy(k.Syscalls.Scratch(), greeting)

	if _, err := k.Syscall(tid, syscall.SysWrite, 1, 0, uint64(len(greeting))); err != nil {
		logger.Error("write failed", "err", err)
		return 2
	}

	rax, err := k.Syscall(tid, syscall.SysFork)
	if err != nil {
		logger.Error("fork failed", "err", err)
		return 2
	}

	childPID := sched.ProcessID(rax)
	logger.Info("forked child", "pid", childPID)

	childProc, ok := k.Processes.Lookup(childPID)
	if !ok {
		logger.Error("child process missing from table")
		return 2
	}

	childTID := childProc.Threads[0]

	reply := []byte("hello from the child\n")
	copy(k.Syscalls.Scratch(), reply)

	if _, err := k.Syscall(childTID, syscall.SysWrite, 1, 0, uint64(len(reply))); err != nil {
		logger.Error("child write failed", "err", err)
		return 2
	}

	if _, err := k.Syscall(childTID, syscall.SysExit, 7); err != nil {
		logger.Error("child exit failed", "err", err)
		return 2
	}

	if _, err := k.Syscall(tid, syscall.SysWait4, 0, 1, 0); err != nil {
		logger.Error("wait4 failed", "err", err)
		return 2
	}

	if stdio != nil {
		fmt.Fprint(out, string(stdio.Output()))
	}

	logger.Info("demo completed")

	return 0
}
