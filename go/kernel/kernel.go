// Package kernel implements the upcall engine: the proxy tables that stand
// for objects living in other processes, the per-process pools of upcall
// records, the marshaller that copies arguments between address spaces, and
// the dispatcher that transfers control into a server process and back.
package kernel

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/berkus/es-operating-system/go/idl"
	"github.com/berkus/es-operating-system/go/kernel/broker"
	"github.com/berkus/es-operating-system/go/models"
	"github.com/berkus/es-operating-system/go/models/trace"
)

// Tracer receives binary trace ops. *trace.TraceWriter satisfies it.
type Tracer interface {
	Pack(op trace.Op) error
}

type Option func(k *Kernel)

func WithLogger(log *zap.Logger) Option {
	return func(k *Kernel) { k.log = log }
}

func WithMachine(m Machine) Option {
	return func(k *Kernel) { k.machine = m }
}

func WithTracer(t Tracer) Option {
	return func(k *Kernel) { k.tracer = t }
}

type Kernel struct {
	config   *models.Config
	registry *idl.Registry
	log      *zap.Logger
	machine  Machine
	tracer   Tracer

	broker  *broker.Table
	objects *directory

	mu      sync.Mutex
	procs   map[int]*Process
	nextPid int
	core    *Process
}

// New creates a kernel with an empty upcall broker and a core process that
// owns the kernel's own buffers.
func New(config *models.Config, registry *idl.Registry, opts ...Option) (*Kernel, error) {
	if config == nil {
		config = models.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		registry = idl.NewRegistry()
	}
	k := &Kernel{
		config:   config,
		registry: registry,
		log:      zap.NewNop(),
		procs:    make(map[int]*Process),
		objects:  newDirectory(config.KernelObjectBase),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.machine == nil {
		k.machine = NewFiberMachine()
	}
	k.broker = broker.NewTable("upcall", config.BrokerBase, 4, config.ProxyTableSize, k.brokerFree)
	core, err := k.newProcess("kernel", false)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create core process")
	}
	k.core = core
	return k, nil
}

func (k *Kernel) Config() *models.Config   { return k.config }
func (k *Kernel) Registry() *idl.Registry  { return k.registry }
func (k *Kernel) Logger() *zap.Logger      { return k.log }
func (k *Kernel) Broker() *broker.Table    { return k.broker }
func (k *Kernel) Core() *Process           { return k.core }
func (k *Kernel) NewThread() *Thread       { return k.core.NewThread() }
func (k *Kernel) transientThread() *Thread { return newThread(k, k.core) }

// NewProcess creates an isolated process with its own address space and
// syscall table.
func (k *Kernel) NewProcess(name string) (*Process, error) {
	return k.newProcess(name, true)
}

func (k *Kernel) newProcess(name string, user bool) (*Process, error) {
	k.mu.Lock()
	pid := k.nextPid
	k.nextPid++
	k.mu.Unlock()

	p, err := newProcess(k, pid, name, user)
	if err != nil {
		return nil, err
	}
	k.mu.Lock()
	k.procs[pid] = p
	k.mu.Unlock()
	k.log.Debug("process created", zap.Int("pid", pid), zap.String("name", name))
	k.emit(&trace.OpProcess{Pid: uint32(pid), Name: name})
	return p, nil
}

func (k *Kernel) Process(pid int) (*Process, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.procs[pid]
	return p, ok
}

// Processes lists every live process ordered by pid.
func (k *Kernel) Processes() []*Process {
	k.mu.Lock()
	out := make([]*Process, 0, len(k.procs))
	for _, p := range k.procs {
		out = append(out, p)
	}
	k.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].pid < out[j].pid })
	return out
}

// Exit tears down a process: its records stop running and every proxy it
// owns in the upcall broker stays dead until released.
func (k *Kernel) Exit(p *Process) {
	k.mu.Lock()
	delete(k.procs, p.pid)
	k.mu.Unlock()
	p.exit()
}

// Close stops every process.
func (k *Kernel) Close() {
	for _, p := range k.Processes() {
		k.Exit(p)
	}
}

// Export hands a server object to the kernel. The returned stub is a kernel
// pointer whose calls are upcalls into server.
func (k *Kernel) Export(server *Process, object uint64, iid models.Guid) (uint64, error) {
	if _, ok := k.registry.Lookup(iid); !ok {
		return 0, errors.Errorf("export: unknown interface %s", iid)
	}
	if !server.IsValid(object, 4) {
		return 0, fault(errors.New("unmapped"), "export object %#x", object)
	}
	h, err := k.broker.Claim(server, object, iid, false)
	if err != nil {
		return 0, err
	}
	k.claimed(trace.TableBroker, server, h.Index, object, false)
	return k.broker.Addr(h), nil
}

func (k *Kernel) claimed(table uint8, owner *Process, slot int, object uint64, used bool) {
	k.log.Debug("proxy claimed",
		zap.String("table", tableName(table)),
		zap.Int("pid", owner.pid),
		zap.Int("slot", slot),
		zap.Uint64("object", object),
		zap.Bool("used", used))
	k.emit(&trace.OpClaim{Table: table, Pid: uint32(owner.pid), Slot: uint32(slot), Object: object, Used: used})
}

func (k *Kernel) brokerFree(h broker.Handle, e broker.Entry, used bool) {
	pid := -1
	if p, ok := e.Owner.(*Process); ok {
		pid = p.pid
	}
	k.log.Debug("proxy freed", zap.String("table", "upcall"), zap.Int("pid", pid), zap.Int("slot", h.Index), zap.Bool("used", used))
	k.emit(&trace.OpFree{Table: trace.TableBroker, Pid: uint32(pid), Slot: uint32(h.Index), Used: used})
}

func (k *Kernel) emit(op trace.Op) {
	if k.tracer == nil {
		return
	}
	if err := k.tracer.Pack(op); err != nil {
		k.log.Warn("trace write failed", zap.Error(err))
	}
}

func tableName(table uint8) string {
	if table == trace.TableSyscall {
		return "syscall"
	}
	return "upcall"
}
