// Package elfload loads an ELF executable into the segment list exec(2)
// needs, using the standard library's debug/elf: no third-party library in
// the reference corpus addresses ELF parsing, and reimplementing a program-
// header reader by hand is exactly the kind of case debug/elf exists for.
package elfload

import (
	"debug/elf"
	"fmt"
	"io"

	"github.com/nyx-os/nyx/internal/archsim"
)

// Segment is one PT_LOAD program header, already read into memory.
type Segment struct {
	VAddr      archsim.Addr
	Data       []byte
	Executable bool
	Writable   bool
}

// Image is the parsed result of Load: an entry point and the segments that
// must be mapped before jumping to it.
type Image struct {
	Entry    archsim.Addr
	Segments []Segment
}

// Load parses an ELF64 executable and returns its loadable segments. r must
// support random access (io.ReaderAt), which is what debug/elf.NewFile
// requires to read section and program headers lazily.
func Load(r io.ReaderAt) (Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return Image{}, fmt.Errorf("elfload: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return Image{}, fmt.Errorf("elfload: only ELFCLASS64 is supported")
	}

	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return Image{}, fmt.Errorf("elfload: unsupported ELF type %s", f.Type)
	}

	img := Image{Entry: archsim.Addr(f.Entry)}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil && err != io.EOF {
			return Image{}, fmt.Errorf("elfload: read segment: %w", err)
		}

		if prog.Memsz > prog.Filesz {
			data = append(data, make([]byte, prog.Memsz-prog.Filesz)...)
		}

		img.Segments = append(img.Segments, Segment{
			VAddr:      archsim.Addr(prog.Vaddr),
			Data:       data,
			Executable: prog.Flags&elf.PF_X != 0,
			Writable:   prog.Flags&elf.PF_W != 0,
		})
	}

	return img, nil
}
