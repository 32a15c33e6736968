// Package fsstub is a minimal in-memory filesystem: enough open/read/close
// semantics for execve to load a program image and for read(2)/write(2) to
// have somewhere to go that isn't the console. It stands in for the real
// block-device-backed filesystem this core's Non-goals explicitly exclude.
package fsstub

import (
	"fmt"
	"io"
	"sync"

	"github.com/nyx-os/nyx/internal/uapi"
)

// Handle identifies an open file within a process's (shared, for
// simplicity) file table.
type Handle int

// FS is the in-memory filesystem: a fixed set of named byte blobs,
// installed at boot, plus a table of open handles.
type FS struct {
	mut sync.Mutex

	files map[string][]byte
	open  map[Handle]*openFile
	next  Handle
}

type openFile struct {
	data   []byte
	offset int64
}

// New creates an empty filesystem.
func New() *FS {
	return &FS{
		files: make(map[string][]byte),
		open:  make(map[Handle]*openFile),
		next:  3, // 0, 1, 2 are reserved for stdin/stdout/stderr.
	}
}

// Install registers a file's contents at path, e.g. an ELF image for
// execve to find.
func (fs *FS) Install(path string, data []byte) {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	fs.files[path] = data
}

// Open returns a handle for path's contents, or ENOENT if not installed.
func (fs *FS) Open(path string) (Handle, error) {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	data, ok := fs.files[path]
	if !ok {
		return 0, uapi.ENOENT
	}

	h := fs.next
	fs.next++
	fs.open[h] = &openFile{data: data}

	return h, nil
}

// ReaderAt exposes an open file as an io.ReaderAt, the interface
// internal/elfload.Load consumes.
func (fs *FS) ReaderAt(h Handle) (io.ReaderAt, error) {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	f, ok := fs.open[h]
	if !ok {
		return nil, fmt.Errorf("fsstub: %w", uapi.EFAULT)
	}

	return bytesReaderAt(f.data), nil
}

// Read copies up to len(buf) bytes starting at the handle's current
// offset, advancing it.
func (fs *FS) Read(h Handle, buf []byte) (int, error) {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	f, ok := fs.open[h]
	if !ok {
		return 0, fmt.Errorf("fsstub: %w", uapi.EFAULT)
	}

	if f.offset >= int64(len(f.data)) {
		return 0, nil
	}

	n := copy(buf, f.data[f.offset:])
	f.offset += int64(n)

	return n, nil
}

// Close releases a handle.
func (fs *FS) Close(h Handle) error {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	if _, ok := fs.open[h]; !ok {
		return fmt.Errorf("fsstub: %w", uapi.EFAULT)
	}

	delete(fs.open, h)

	return nil
}

// Stdio is an in-memory stand-in for internal/console's real terminal,
// satisfying the same Read/Write contract: fds 0 and 1 read from and write
// to plain byte slices instead of a tty. console.New returns ErrNoTTY
// whenever standard input isn't a terminal, and this is what the syscall
// layer falls back to when that happens -- headless boots and tests never
// have a tty to raw-mode.
type Stdio struct {
	mut sync.Mutex
	in  []byte
	out []byte
}

// NewStdio creates a fallback console preloaded with input bytes, as if
// they had already been typed.
func NewStdio(input []byte) *Stdio {
	in := make([]byte, len(input))
	copy(in, input)

	return &Stdio{in: in}
}

// Read drains from the preloaded input, returning io.EOF once it is
// exhausted rather than blocking -- there is no keyboard behind it to wait
// on.
func (s *Stdio) Read(buf []byte) (int, error) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if len(s.in) == 0 {
		return 0, io.EOF
	}

	n := copy(buf, s.in)
	s.in = s.in[n:]

	return n, nil
}

// Write appends to the output buffer Output later inspects.
func (s *Stdio) Write(buf []byte) (int, error) {
	s.mut.Lock()
	defer s.mut.Unlock()

	s.out = append(s.out, buf...)

	return len(buf), nil
}

// Output returns a copy of everything written so far.
func (s *Stdio) Output() []byte {
	s.mut.Lock()
	defer s.mut.Unlock()

	out := make([]byte, len(s.out))
	copy(out, s.out)

	return out
}

type bytesReaderAt []byte

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, io.EOF
	}

	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}
