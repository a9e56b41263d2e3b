package cpu

// memory protections
const (
	PROT_NONE  = 0
	PROT_READ  = 1
	PROT_WRITE = 2
	PROT_EXEC  = 4
	PROT_ALL   = 7
)

// fault reasons reported by MemError, numbered like Unicorn's
const (
	MEM_READ_UNMAPPED  = 19
	MEM_WRITE_UNMAPPED = 20
	MEM_WRITE_PROT     = 12
	MEM_READ_PROT      = 13
)

// i386 user-mode selectors loaded into a fresh machine context
const (
	UCODESEL = 0x1b
	UDATASEL = 0x23
	TCBSEL   = 0x33
)

// EFLAGS with IF set
const EFLAGS_USER = 0x0202
