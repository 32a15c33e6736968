// Package uapi re-exports the POSIX errno and signal numbers this kernel's
// syscall ABI uses, sourced from golang.org/x/sys/unix so the numbering
// matches a real x86_64 Linux-compatible userspace rather than an
// invented table.
package uapi

import "golang.org/x/sys/unix"

// Errno is the numeric error code returned in RAX (negated) on syscall
// failure.
type Errno = unix.Errno

const (
	EPERM   = unix.EPERM
	ENOENT  = unix.ENOENT
	ESRCH   = unix.ESRCH
	EINTR   = unix.EINTR
	ENOMEM  = unix.ENOMEM
	EACCES  = unix.EACCES
	EFAULT  = unix.EFAULT
	ECHILD  = unix.ECHILD
	EINVAL  = unix.EINVAL
	ENOEXEC = unix.ENOEXEC
	EAGAIN  = unix.EAGAIN
	EBADF   = unix.EBADF
	ENOSYS  = unix.ENOSYS
)

// Additional signals raised by CPU faults translated in internal/trap.
const (
	SIGILL = unix.SIGILL
	SIGFPE = unix.SIGFPE
	SIGBUS = unix.SIGBUS
)

// Signal is a POSIX signal number.
type Signal = unix.Signal

const (
	SIGHUP  = unix.SIGHUP
	SIGINT  = unix.SIGINT
	SIGQUIT = unix.SIGQUIT
	SIGKILL = unix.SIGKILL
	SIGSEGV = unix.SIGSEGV
	SIGPIPE = unix.SIGPIPE
	SIGALRM = unix.SIGALRM
	SIGTERM = unix.SIGTERM
	SIGCHLD = unix.SIGCHLD
	SIGUSR1 = unix.SIGUSR1
	SIGUSR2 = unix.SIGUSR2
	SIGCONT = unix.SIGCONT
	SIGSTOP = unix.SIGSTOP
)

// NumSignals bounds the signal numbering this kernel tracks (a fixed-width
// bitmask, not the dynamic real-time signal range).
const NumSignals = 32
