package repl

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/berkus/es-operating-system/go/kernel"
	"github.com/berkus/es-operating-system/go/kernel/broker"
	"github.com/berkus/es-operating-system/go/models"
)

// target resolves a server name or a stub address to a stub.
func (c *Context) target(s string) (uint64, error) {
	if srv, ok := c.Server(strings.TrimPrefix(s, "@")); ok {
		return srv.Stub, nil
	}
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, errors.Errorf("unknown target %q", s)
	}
	return n, nil
}

type outBuf struct {
	arg  int
	addr uint32
	size int
}

// callArgs turns command words into argument words:
//
//	s:text   terminated string copied into a new buffer
//	b:N      N byte output buffer, printed after the call
//	q:N      64-bit value as two words
//	g:uuid   16 byte guid in a new buffer
//	@name    stub of a running server
//	clock    the kernel clock object
//	N        a 32-bit number
func (c *Context) callArgs(in []string) ([]uint32, []outBuf, error) {
	var words []uint32
	var outs []outBuf
	for i, s := range in {
		switch {
		case strings.HasPrefix(s, "s:"):
			addr, err := c.Text(s[2:])
			if err != nil {
				return nil, nil, err
			}
			words = append(words, addr)
		case strings.HasPrefix(s, "b:"):
			n, err := strconv.Atoi(s[2:])
			if err != nil || n < 0 {
				return nil, nil, errors.Errorf("bad buffer size %q", s)
			}
			addr, err := c.Buf(make([]byte, n))
			if err != nil {
				return nil, nil, err
			}
			words = append(words, addr)
			outs = append(outs, outBuf{arg: i, addr: addr, size: n})
		case strings.HasPrefix(s, "q:"):
			n, err := strconv.ParseInt(s[2:], 0, 64)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "bad 64-bit value %q", s)
			}
			words = append(words, uint32(n), uint32(uint64(n)>>32))
		case strings.HasPrefix(s, "g:"):
			g, err := models.ParseGuid(s[2:])
			if err != nil {
				return nil, nil, err
			}
			addr, err := c.Buf(g.Bytes())
			if err != nil {
				return nil, nil, err
			}
			words = append(words, addr)
		case strings.HasPrefix(s, "@"):
			stub, err := c.target(s)
			if err != nil {
				return nil, nil, err
			}
			words = append(words, uint32(stub))
		case s == "clock":
			words = append(words, uint32(c.ClockPtr))
		default:
			n, err := strconv.ParseInt(s, 0, 64)
			if err != nil {
				return nil, nil, errors.Errorf("bad argument %q", s)
			}
			words = append(words, uint32(n))
		}
	}
	return words, outs, nil
}

var LsCmd = command(&Command{
	Name: "ls",
	Desc: "List servers and live broker slots.",
	Run: func(c *Context) error {
		for _, srv := range c.Servers {
			total, free := srv.Process().Records()
			c.Printf("%s stub=%#x refs=%d records=%d/%d calls=%d\n",
				srv.Process(), srv.Stub, srv.Servant.Refs(), total-free, total, srv.Echo.Calls())
		}
		c.K.Broker().Each(func(s broker.SlotInfo) bool {
			c.Printf("  %s\n", s)
			return true
		})
		return nil
	},
})

var CallCmd = command(&Command{
	Name: "call",
	Desc: "Upcall a method: call <server|stub> <method> [args...]",
	Run: func(c *Context, args ...string) error {
		if len(args) < 2 {
			return errors.New("usage: call <server|stub> <method> [args...]")
		}
		stub, err := c.target(args[0])
		if err != nil {
			return err
		}
		words, outs, err := c.callArgs(args[2:])
		if err != nil {
			return err
		}
		n, err := c.Call(stub, args[1], words...)
		if err != nil {
			return errors.Wrapf(err, "errno %d", kernel.Errno(err))
		}
		c.Printf("= %d (%#x)\n", n, uint64(n))
		for _, o := range outs {
			p, err := c.Read(o.addr, o.size)
			if err != nil {
				return err
			}
			c.Printf("  arg %d: %s\n", o.arg, models.Repr(p, c.Config.Strsize))
		}
		return nil
	},
})

var AddRefCmd = command(&Command{
	Name: "addref",
	Desc: "Add a reference through a stub.",
	Run: func(c *Context, target string) error {
		stub, err := c.target(target)
		if err != nil {
			return err
		}
		n, err := c.Call(stub, "addRef")
		c.Printf("= %d\n", n)
		return err
	},
})

var ReleaseCmd = command(&Command{
	Name: "release",
	Desc: "Release a reference through a stub.",
	Run: func(c *Context, target string) error {
		stub, err := c.target(target)
		if err != nil {
			return err
		}
		n, err := c.Call(stub, "release")
		c.Printf("= %d\n", n)
		return err
	},
})

var RegsCmd = command(&Command{
	Name: "regs",
	Desc: "Show the saved context of every upcall record of a server.",
	Run: func(c *Context, name string) error {
		srv, ok := c.Server(name)
		if !ok {
			return errors.Errorf("no server %q", name)
		}
		for _, r := range srv.Process().RecordList() {
			lo, hi := r.Stack()
			ctx := r.Context()
			c.Printf("%s stack=%#x-%#x tls=%#x\n", r, lo, hi, r.TLS())
			for _, reg := range ctx.Dump() {
				c.Printf("  %-4s %#08x\n", reg.Name, reg.Val)
			}
		}
		return nil
	},
})

var DumpCmd = command(&Command{
	Name: "dump",
	Desc: "Hex dump memory: dump <addr> <size> [pid]",
	Run: func(c *Context, addr, size uint64, pid ...string) error {
		p := c.K.Core()
		if len(pid) > 0 {
			n, err := strconv.Atoi(pid[0])
			if err != nil {
				return err
			}
			var ok bool
			if p, ok = c.K.Process(n); !ok {
				return errors.Errorf("no process %d", n)
			}
		}
		mem := make([]byte, size)
		if err := p.Read(mem, addr); err != nil {
			return err
		}
		for _, line := range models.HexDump(addr, mem, 32) {
			c.Printf("  %s\n", line)
		}
		return nil
	},
})

var TraceCmd = command(&Command{
	Name: "trace",
	Desc: "Toggle the upcall trace: trace on|off [server]",
	Run: func(c *Context, state string, server ...string) error {
		on := state == "on"
		if !on && state != "off" {
			return errors.Errorf("trace %q: want on or off", state)
		}
		if len(server) == 0 {
			c.Config.TraceUpcall = on
			return nil
		}
		srv, ok := c.Server(server[0])
		if !ok {
			return errors.Errorf("no server %q", server[0])
		}
		srv.Process().SetLog(on)
		return nil
	},
})

var ParCmd = command(&Command{
	Name: "par",
	Desc: "Run the same upcall from n threads at once: par <n> <server|stub> <method> [args...]",
	Run: func(c *Context, n int, args ...string) error {
		if len(args) < 2 {
			return errors.New("usage: par <n> <server|stub> <method> [args...]")
		}
		stub, err := c.target(args[0])
		if err != nil {
			return err
		}
		method, err := c.Method(stub, args[1])
		if err != nil {
			return err
		}
		words, _, err := c.callArgs(args[2:])
		if err != nil {
			return err
		}
		results := make([]int64, n)
		var g errgroup.Group
		for i := 0; i < n; i++ {
			i := i
			g.Go(func() error {
				t := c.K.NewThread()
				r, err := c.K.Upcall(t, stub, c.K.Broker().Base(), method, words)
				results[i] = r
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		c.Printf("= %v\n", results)
		for _, p := range c.K.Processes() {
			total, free := p.Records()
			c.Printf("  %s: %d records (%d free)\n", p, total, free)
		}
		return nil
	},
})
