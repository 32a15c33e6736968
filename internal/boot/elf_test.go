package boot

import (
	"bytes"
	"encoding/binary"
)

// buildELF64 assembles the smallest valid ELFCLASS64 executable
// debug/elf.NewFile will parse: an ELF header, one PT_LOAD program header
// covering data, and the bytes themselves. There is no compiler available
// to produce test fixtures, and nothing in this core ever executes the
// bytes as instructions -- only Entry and the segment layout matter to
// internal/elfload.Load, so data's contents are arbitrary filler.
func buildELF64(entry, vaddr uint64, data []byte) []byte {
	const (
		ehdrSize = 64
		phdrSize = 56
	)

	var buf bytes.Buffer

	ident := [16]byte{0x7f, 'E', 'L', 'F', 2 /* ELFCLASS64 */, 1 /* ELFDATA2LSB */, 1 /* EV_CURRENT */}
	buf.Write(ident[:])

	binary.Write(&buf, binary.LittleEndian, uint16(2))           // e_type = ET_EXEC
	binary.Write(&buf, binary.LittleEndian, uint16(0x3e))        // e_machine = EM_X86_64
	binary.Write(&buf, binary.LittleEndian, uint32(1))           // e_version
	binary.Write(&buf, binary.LittleEndian, entry)               // e_entry
	binary.Write(&buf, binary.LittleEndian, uint64(ehdrSize))    // e_phoff
	binary.Write(&buf, binary.LittleEndian, uint64(0))           // e_shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))           // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehdrSize))    // e_ehsize
	binary.Write(&buf, binary.LittleEndian, uint16(phdrSize))    // e_phentsize
	binary.Write(&buf, binary.LittleEndian, uint16(1))           // e_phnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))           // e_shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0))           // e_shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))           // e_shstrndx

	offset := uint64(ehdrSize + phdrSize)

	binary.Write(&buf, binary.LittleEndian, uint32(1))          // p_type = PT_LOAD
	binary.Write(&buf, binary.LittleEndian, uint32(5))          // p_flags = PF_R|PF_X
	binary.Write(&buf, binary.LittleEndian, offset)             // p_offset
	binary.Write(&buf, binary.LittleEndian, vaddr)              // p_vaddr
	binary.Write(&buf, binary.LittleEndian, vaddr)              // p_paddr
	binary.Write(&buf, binary.LittleEndian, uint64(len(data)))  // p_filesz
	binary.Write(&buf, binary.LittleEndian, uint64(len(data)))  // p_memsz
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000))     // p_align

	buf.Write(data)

	return buf.Bytes()
}
