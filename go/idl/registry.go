package idl

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/berkus/es-operating-system/go/models"
)

// IInterfaceIID is the root of every interface chain.
var IInterfaceIID = models.MustParseGuid("00000000-0000-0000-c000-000000000046")

// Local method numbers of IInterface.
const (
	QueryInterface = iota
	AddRef
	Release
)

var iinterface = Interface{
	Name: "IInterface",
	IID:  IInterfaceIID,
	Methods: []Method{
		{
			Name:   "queryInterface",
			Return: Type{Spec: SpecObject},
			Parameters: []Parameter{
				{Name: "riid", Type: Type{Spec: SpecUuid}, Direction: In},
			},
		},
		{Name: "addRef", Return: Type{Spec: SpecU32}},
		{Name: "release", Return: Type{Spec: SpecU32}},
	},
}

// Registry maps interface ids to their reflection data.
type Registry struct {
	mu     sync.RWMutex
	ifaces map[models.Guid]*Interface
}

func NewRegistry() *Registry {
	r := &Registry{ifaces: make(map[models.Guid]*Interface)}
	root := iinterface
	r.ifaces[root.IID] = &root
	return r
}

// Register adds an interface. A zero Super makes it a chain root; otherwise
// the super interface must already be known. InheritedMethodCount is
// computed from the chain.
func (r *Registry) Register(iface Interface) error {
	if iface.IID.IsZero() {
		return errors.Errorf("interface %s: missing iid", iface.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.ifaces[iface.IID]; ok {
		return errors.Errorf("interface %s: iid %s already registered as %s", iface.Name, iface.IID, old.Name)
	}
	iface.InheritedMethodCount = 0
	if iface.HasSuper() {
		super, ok := r.ifaces[iface.Super]
		if !ok {
			return errors.Errorf("interface %s: unknown super interface %s", iface.Name, iface.Super)
		}
		iface.InheritedMethodCount = super.TotalMethodCount()
	}
	r.ifaces[iface.IID] = &iface
	return nil
}

func (r *Registry) Lookup(iid models.Guid) (*Interface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	iface, ok := r.ifaces[iid]
	return iface, ok
}

// Interfaces lists every registered interface sorted by name.
func (r *Registry) Interfaces() []*Interface {
	r.mu.RLock()
	out := make([]*Interface, 0, len(r.ifaces))
	for _, iface := range r.ifaces {
		out = append(out, iface)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve finds the interface in iid's chain that declares the global
// method number n, and returns it with the local index of the method.
func (r *Registry) Resolve(iid models.Guid, n int) (*Interface, int, *Method, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	iface, ok := r.ifaces[iid]
	if !ok {
		return nil, 0, nil, errors.Wrapf(unix.ENOSYS, "unknown interface %s", iid)
	}
	if n < 0 || n >= iface.TotalMethodCount() {
		return nil, 0, nil, errors.Wrapf(unix.ENOSYS, "%s has no method %d", iface.Name, n)
	}
	for n < iface.InheritedMethodCount {
		super, ok := r.ifaces[iface.Super]
		if !ok {
			return nil, 0, nil, errors.Wrapf(unix.ENOSYS, "%s: broken super chain", iface.Name)
		}
		iface = super
	}
	local := n - iface.InheritedMethodCount
	return iface, local, &iface.Methods[local], nil
}

// Derives reports whether iid is base or inherits from it.
func (r *Registry) Derives(iid, base models.Guid) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for {
		if iid == base {
			return true
		}
		iface, ok := r.ifaces[iid]
		if !ok || !iface.HasSuper() {
			return false
		}
		iid = iface.Super
	}
}

// LookupName finds an interface by its IDL name.
func (r *Registry) LookupName(name string) (*Interface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, iface := range r.ifaces {
		if iface.Name == name {
			return iface, true
		}
	}
	return nil, false
}

// MethodIndex returns the global method number of name in iid's chain. The
// most derived declaration wins.
func (r *Registry) MethodIndex(iid models.Guid, name string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	iface, ok := r.ifaces[iid]
	for ok {
		for i, m := range iface.Methods {
			if m.Name == name {
				return iface.InheritedMethodCount + i, nil
			}
		}
		if !iface.HasSuper() {
			break
		}
		iface, ok = r.ifaces[iface.Super]
	}
	return 0, errors.Wrapf(unix.ENOSYS, "%s: no method %q", iid, name)
}
