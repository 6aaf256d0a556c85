package wasm

// Module header.
const (
	Magic   uint32 = 0x6D736100 // "\0asm"
	Version uint32 = 0x1
)

// HeaderSize is the byte length of the module header (magic + version).
const HeaderSize = 8

// Section IDs.
const (
	SectionCustom    byte = 0
	SectionType      byte = 1
	SectionImport    byte = 2
	SectionFunction  byte = 3
	SectionTable     byte = 4
	SectionMemory    byte = 5
	SectionGlobal    byte = 6
	SectionExport    byte = 7
	SectionStart     byte = 8
	SectionElement   byte = 9
	SectionCode      byte = 10
	SectionData      byte = 11
	SectionDataCount byte = 12
)

// sectionOrder maps a section ID to its canonical position. Custom
// sections may appear anywhere and are not ranked.
func sectionOrder(id byte) int {
	switch id {
	case SectionType:
		return 1
	case SectionImport:
		return 2
	case SectionFunction:
		return 3
	case SectionTable:
		return 4
	case SectionMemory:
		return 5
	case SectionGlobal:
		return 6
	case SectionExport:
		return 7
	case SectionStart:
		return 8
	case SectionElement:
		return 9
	case SectionDataCount:
		return 10
	case SectionCode:
		return 11
	case SectionData:
		return 12
	default:
		return -1
	}
}

// External kinds used in import and export entries.
const (
	ExternalFunction byte = 0
	ExternalTable    byte = 1
	ExternalMemory   byte = 2
	ExternalGlobal   byte = 3
)

// FuncTypeByte tags a function type in the type section.
const FuncTypeByte byte = 0x60

// Constant-expression opcodes recognized in global initializers.
const (
	opEnd       byte = 0x0B
	opGlobalGet byte = 0x23
	opRefNull   byte = 0xD0
	opRefFunc   byte = 0xD2
	opI32Const  byte = 0x41
	opI64Const  byte = 0x42
	opF32Const  byte = 0x43
	opF64Const  byte = 0x44
)
