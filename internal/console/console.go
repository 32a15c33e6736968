// Package console adapts a real terminal to the kernel's stdin/stdout file
// descriptors using golang.org/x/term for raw mode and golang.org/x/sys/unix
// for the underlying termios ioctls.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ErrNoTTY is returned if standard input is not a terminal.
var ErrNoTTY = errors.New("console: not a TTY")

// Console bridges a real terminal to the kernel's byte-stream read(2) and
// write(2) syscalls on fds 0 and 1.
type Console struct {
	in    *os.File
	out   io.Writer
	fd    int
	state *term.State

	readCh chan byte
}

// New opens a raw-mode console on sin/sout. If sin is not a terminal,
// ErrNoTTY is returned and the syscall layer should fall back to fsstub's
// in-memory stdio.
func New(sin, sout *os.File) (*Console, error) {
	fd := int(sin.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTTY, err)
	}

	c := &Console{
		in:     sin,
		out:    sout,
		fd:     fd,
		state:  saved,
		readCh: make(chan byte, 256),
	}

	if err := c.setTerminalParams(1, 0); err != nil {
		return nil, err
	}

	return c, nil
}

// Run starts the background reader that feeds bytes typed at the terminal
// into the read channel read(2) on fd 0 consumes. It blocks until ctx is
// cancelled.
func (c *Console) Run(ctx context.Context) {
	buf := bufio.NewReader(c.in)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b, err := buf.ReadByte()
		if err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case c.readCh <- b:
		}
	}
}

// Read implements the stdin side of read(2): it blocks until at least one
// byte is available, draining whatever else is buffered without blocking
// further.
func (c *Console) Read(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	b := <-c.readCh
	buf[0] = b
	n := 1

	for n < len(buf) {
		select {
		case b := <-c.readCh:
			buf[n] = b
			n++
		default:
			return n, nil
		}
	}

	return n, nil
}

// Write implements the stdout side of write(2).
func (c *Console) Write(buf []byte) (int, error) {
	return c.out.Write(buf)
}

// Restore returns the terminal to its initial state.
func (c *Console) Restore() {
	_ = os.Stdin.SetReadDeadline(time.Now())
	_ = term.Restore(c.fd, c.state)
}

func (c *Console) setTerminalParams(vmin, vtime byte) error {
	_ = syscall.SetNonblock(c.fd, false)

	termIO, err := unix.IoctlGetTermios(c.fd, ioctlGetTermios)
	if err != nil {
		return err
	}

	termIO.Cc[unix.VMIN] = vmin
	termIO.Cc[unix.VTIME] = vtime

	return unix.IoctlSetTermios(c.fd, ioctlSetTermios, termIO)
}
