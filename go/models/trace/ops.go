package trace

import (
	"fmt"
	"io"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/berkus/es-operating-system/go/models"
)

const (
	OP_NOP     = 0
	OP_UPCALL  = 1
	OP_RETURN  = 2
	OP_CLAIM   = 3
	OP_FREE    = 4
	OP_RECORD  = 5
	OP_PROCESS = 6
)

// proxy table ids used by OpClaim and OpFree
const (
	TableBroker  = 0
	TableSyscall = 1
)

type Op interface {
	Kind() uint8
	String() string
}

var strucOptions = &struc.Options{Order: order}

// Pack writes the op kind followed by the op body.
func Pack(w io.Writer, op Op) error {
	if _, err := w.Write([]byte{op.Kind()}); err != nil {
		return err
	}
	if op.Kind() == OP_NOP {
		return nil
	}
	return struc.PackWithOptions(w, op, strucOptions)
}

// Unpack reads one op. io.EOF is returned as-is at a clean op boundary.
func Unpack(r io.Reader) (Op, error) {
	var tmp [1]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return nil, err
	}
	var op Op
	switch tmp[0] {
	case OP_NOP:
		return &OpNop{}, nil
	case OP_UPCALL:
		op = &OpUpcall{}
	case OP_RETURN:
		op = &OpReturn{}
	case OP_CLAIM:
		op = &OpClaim{}
	case OP_FREE:
		op = &OpFree{}
	case OP_RECORD:
		op = &OpRecord{}
	case OP_PROCESS:
		op = &OpProcess{}
	default:
		return nil, errors.Errorf("unknown op: %d", tmp[0])
	}
	if err := struc.UnpackWithOptions(r, op, strucOptions); err != nil {
		return nil, errors.Wrapf(err, "unpacking op %d", tmp[0])
	}
	return op, nil
}

type OpNop struct{}

func (o *OpNop) Kind() uint8    { return OP_NOP }
func (o *OpNop) String() string { return "nop" }

// OpUpcall is logged when a call enters a server process.
type OpUpcall struct {
	Pid      uint32
	Slot     uint32
	Method   uint32
	IID      [models.GuidSize]byte
	Depth    uint16
	ArgCount uint16 `struc:"sizeof=Args"`
	Args     []uint32
}

func (o *OpUpcall) Kind() uint8 { return OP_UPCALL }
func (o *OpUpcall) String() string {
	iid, _ := models.DecodeGuid(o.IID[:])
	return fmt.Sprintf("upcall pid=%d slot=%d %s#%d depth=%d args=%#x", o.Pid, o.Slot, iid, o.Method, o.Depth, o.Args)
}

// OpReturn is logged when an upcall finishes, successfully or not.
type OpReturn struct {
	Pid    uint32
	Slot   uint32
	Method uint32
	Result int64
	Errno  uint32
}

func (o *OpReturn) Kind() uint8 { return OP_RETURN }
func (o *OpReturn) String() string {
	if o.Errno != 0 {
		return fmt.Sprintf("return pid=%d slot=%d #%d errno=%d", o.Pid, o.Slot, o.Method, o.Errno)
	}
	return fmt.Sprintf("return pid=%d slot=%d #%d = %#x", o.Pid, o.Slot, o.Method, o.Result)
}

type OpClaim struct {
	Table  uint8
	Pid    uint32
	Slot   uint32
	Object uint64
	Used   bool
}

func (o *OpClaim) Kind() uint8 { return OP_CLAIM }
func (o *OpClaim) String() string {
	return fmt.Sprintf("claim %s pid=%d slot=%d object=%#x used=%v", tableName(o.Table), o.Pid, o.Slot, o.Object, o.Used)
}

type OpFree struct {
	Table uint8
	Pid   uint32
	Slot  uint32
	Used  bool
}

func (o *OpFree) Kind() uint8 { return OP_FREE }
func (o *OpFree) String() string {
	return fmt.Sprintf("free %s pid=%d slot=%d used=%v", tableName(o.Table), o.Pid, o.Slot, o.Used)
}

// OpRecord is logged when a process grows its upcall record pool.
type OpRecord struct {
	Pid   uint32
	Stack uint64
	Size  uint64
}

func (o *OpRecord) Kind() uint8 { return OP_RECORD }
func (o *OpRecord) String() string {
	return fmt.Sprintf("record pid=%d stack=%#x-%#x", o.Pid, o.Stack, o.Stack+o.Size)
}

type OpProcess struct {
	Pid     uint32
	NameLen uint16 `struc:"sizeof=Name"`
	Name    string
}

func (o *OpProcess) Kind() uint8    { return OP_PROCESS }
func (o *OpProcess) String() string { return fmt.Sprintf("process pid=%d %s", o.Pid, o.Name) }

func tableName(t uint8) string {
	if t == TableSyscall {
		return "syscall"
	}
	return "broker"
}
