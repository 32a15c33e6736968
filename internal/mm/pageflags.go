package mm

import "fmt"

// PageFlags is the bit set attached to a leaf page-table entry.
type PageFlags uint64

const (
	Present        PageFlags = 1 << 0
	Writable       PageFlags = 1 << 1
	UserAccessible PageFlags = 1 << 2
	WriteThrough   PageFlags = 1 << 3
	CacheDisabled  PageFlags = 1 << 4
	Accessed       PageFlags = 1 << 5
	Dirty          PageFlags = 1 << 6
	Global         PageFlags = 1 << 8
	NoExecute      PageFlags = 1 << 63
)

func (f PageFlags) String() string {
	return fmt.Sprintf("%#x (P:%t W:%t U:%t G:%t NX:%t)",
		uint64(f), f&Present != 0, f&Writable != 0, f&UserAccessible != 0,
		f&Global != 0, f&NoExecute != 0)
}

// Has reports whether every bit in want is set.
func (f PageFlags) Has(want PageFlags) bool { return f&want == want }

// Common flag combinations for mapping ELF segments and the user stack.
const (
	FlagsUserStack PageFlags = Present | Writable | UserAccessible | NoExecute
	FlagsUserCode  PageFlags = Present | UserAccessible
	FlagsUserData  PageFlags = Present | Writable | UserAccessible | NoExecute
	FlagsKernel    PageFlags = Present | Writable | Global
)
