package cpu

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lunixbochs/fvbommel-util/sortorder"
	"github.com/pkg/errors"
)

// register enums for the saved user context
const (
	EAX = iota
	ECX
	EDX
	EBX
	ESP
	EBP
	ESI
	EDI
	EIP
	EFLAGS
	CS
	SS
	DS
	ES
	FS
	GS
	// TP holds the thread pointer (the base behind GS).
	TP
	regCount
)

var regNames = [regCount]string{
	"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi",
	"eip", "eflags", "cs", "ss", "ds", "es", "fs", "gs", "tp",
}

type RegVal struct {
	Enum int
	Name string
	Val  uint64
}

// Ureg is a saved 32-bit user machine context. It is a plain value: copying
// a Ureg saves the context, assigning one back restores it.
type Ureg struct {
	vals [regCount]uint32
}

func RegName(enum int) string {
	if enum < 0 || enum >= regCount {
		return fmt.Sprintf("r%d", enum)
	}
	return regNames[enum]
}

func (u *Ureg) Reg(enum int) uint32       { return u.vals[enum] }
func (u *Ureg) SetReg(enum int, v uint32) { u.vals[enum] = v }

func (u *Ureg) RegRead(enum int) (uint64, error) {
	if enum < 0 || enum >= regCount {
		return 0, errors.New("invalid register")
	}
	return uint64(u.vals[enum]), nil
}

func (u *Ureg) RegWrite(enum int, val uint64) error {
	if enum < 0 || enum >= regCount {
		return errors.New("invalid register")
	}
	u.vals[enum] = uint32(val)
	return nil
}

// Reset zeroes the context and loads the user-mode selectors and flags.
func (u *Ureg) Reset() {
	*u = Ureg{}
	u.vals[GS] = TCBSEL
	u.vals[FS], u.vals[ES], u.vals[DS], u.vals[SS] = UDATASEL, UDATASEL, UDATASEL, UDATASEL
	u.vals[CS] = UCODESEL
	u.vals[EFLAGS] = EFLAGS_USER
}

// Result returns the 64-bit return value held in EDX:EAX.
func (u *Ureg) Result() int64 {
	return int64(uint64(u.vals[EDX])<<32 | uint64(u.vals[EAX]))
}

func (u *Ureg) SetResult(v uint64) {
	u.vals[EAX] = uint32(v)
	u.vals[EDX] = uint32(v >> 32)
}

// Dump returns every register, naturally sorted by name.
func (u *Ureg) Dump() []RegVal {
	ret := make([]RegVal, regCount)
	for i := range ret {
		ret[i] = RegVal{Enum: i, Name: regNames[i], Val: uint64(u.vals[i])}
	}
	sort.Slice(ret, func(i, j int) bool { return sortorder.NaturalLess(ret[i].Name, ret[j].Name) })
	return ret
}

func (u *Ureg) String() string {
	var parts []string
	for _, r := range u.Dump() {
		parts = append(parts, fmt.Sprintf("%s=%#08x", r.Name, r.Val))
	}
	return strings.Join(parts, " ")
}
