package run

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/berkus/es-operating-system/go/cmd"
	"github.com/berkus/es-operating-system/go/kernel"
	"github.com/berkus/es-operating-system/go/models"
	"github.com/berkus/es-operating-system/go/sample"
)

type step struct {
	desc string
	run  func(s *cmd.Session, c *models.Config) error
}

func text(s *cmd.Session, stub uint64, method string, args ...uint32) (string, int64, error) {
	out, err := s.Buf(make([]byte, 32))
	if err != nil {
		return "", 0, err
	}
	n, err := s.Call(stub, method, append(args, out, 32)...)
	if err != nil {
		return "", 0, err
	}
	str, err := s.CString(out, 32)
	return str, n, err
}

func script(echo, mirror *sample.EchoServer) []step {
	return []step{
		{"echo a string", func(s *cmd.Session, c *models.Config) error {
			in, err := s.Text("hello, world")
			if err != nil {
				return err
			}
			str, n, err := text(s, echo.Stub, "echo", in)
			c.Printf("  -> %q (%d)\n", str, n)
			return err
		}},
		{"string return", func(s *cmd.Session, c *models.Config) error {
			str, _, err := text(s, echo.Stub, "name")
			c.Printf("  -> %q\n", str)
			return err
		}},
		{"wide string", func(s *cmd.Session, c *models.Config) error {
			in, err := s.Buf([]byte{'w', 0, 'i', 0, 'd', 0, 'e', 0, 0, 0})
			if err != nil {
				return err
			}
			out, err := s.Buf(make([]byte, 16))
			if err != nil {
				return err
			}
			n, err := s.Call(echo.Stub, "wecho", in, out, 8)
			if err != nil {
				return err
			}
			p, err := s.Read(out, 2*int(n))
			c.Printf("  -> %s (%d)\n", models.Repr(p, c.Strsize), n)
			return err
		}},
		{"sequence in and out", func(s *cmd.Session, c *models.Config) error {
			in, err := s.Buf([]byte("upcall"))
			if err != nil {
				return err
			}
			out, err := s.Buf(make([]byte, 6))
			if err != nil {
				return err
			}
			n, err := s.Call(echo.Stub, "reverse", in, 6, out, 6)
			if err != nil {
				return err
			}
			p, err := s.Read(out, int(n))
			c.Printf("  -> %s\n", models.Repr(p, c.Strsize))
			return err
		}},
		{"64-bit scalars", func(s *cmd.Session, c *models.Config) error {
			a, b := int64(-2), int64(1)<<33
			n, err := s.Call(echo.Stub, "sum", uint32(a), uint32(uint64(a)>>32), uint32(b), uint32(uint64(b)>>32))
			c.Printf("  -> %d\n", n)
			return err
		}},
		{"inout scalar", func(s *cmd.Session, c *models.Config) error {
			x, err := s.Buf([]byte{21, 0, 0, 0})
			if err != nil {
				return err
			}
			if _, err := s.Call(echo.Stub, "twice", x); err != nil {
				return err
			}
			p, err := s.Read(x, 4)
			c.Printf("  -> %d\n", p[0])
			return err
		}},
		{"structure return", func(s *cmd.Session, c *models.Config) error {
			out, err := s.Buf(make([]byte, 24))
			if err != nil {
				return err
			}
			if _, err := s.Call(echo.Stub, "stamp", out); err != nil {
				return err
			}
			var st sample.Stamp
			if err := models.StrucAt(s.K.Core().Mem(), uint64(out)).Unpack(&st); err != nil {
				return err
			}
			g, err := models.DecodeGuid(st.IID[:])
			c.Printf("  -> iid=%s pid=%d calls=%d\n", g, st.Pid, st.Calls)
			return err
		}},
		{"object argument (other server)", func(s *cmd.Session, c *models.Config) error {
			str, _, err := text(s, echo.Stub, "peer", uint32(mirror.Stub))
			c.Printf("  -> %q\n", str)
			return err
		}},
		{"object argument (loop-back)", func(s *cmd.Session, c *models.Config) error {
			str, _, err := text(s, echo.Stub, "peer", uint32(echo.Stub))
			c.Printf("  -> %q\n", str)
			return err
		}},
		{"kernel object argument", func(s *cmd.Session, c *models.Config) error {
			for i := 0; i < 2; i++ {
				n, err := s.Call(echo.Stub, "time", uint32(s.ClockPtr))
				if err != nil {
					return err
				}
				c.Printf("  -> tick %d\n", n)
			}
			c.Printf("  clock refs %d\n", s.Clock.Refs())
			return nil
		}},
		{"object return", func(s *cmd.Session, c *models.Config) error {
			self, err := s.Call(echo.Stub, "self")
			if err != nil {
				return err
			}
			str, _, err := text(s, uint64(self), "name")
			if err != nil {
				return err
			}
			c.Printf("  -> %#x says %q\n", self, str)
			n, err := s.Call(uint64(self), "release")
			c.Printf("  released, %d refs left\n", n)
			return err
		}},
		{"reference counting", func(s *cmd.Session, c *models.Config) error {
			for _, m := range []string{"addRef", "addRef", "release", "release"} {
				n, err := s.Call(mirror.Stub, m)
				if err != nil {
					return err
				}
				c.Printf("  %s -> %d (servant refs %d)\n", m, n, mirror.Servant.Refs())
			}
			return nil
		}},
		{"server error", func(s *cmd.Session, c *models.Config) error {
			_, err := s.Call(echo.Stub, "fail", uint32(unix.EPERM))
			if kernel.Errno(err) != unix.EPERM {
				return errors.Errorf("fail returned %v", err)
			}
			c.Printf("  -> %v\n", err)
			return nil
		}},
	}
}

func Main(args []string) {
	c := cmd.NewKernelCmd()
	c.RunKernel = func(args []string) error {
		s, err := cmd.NewSession(c.Kernel, "echo", "mirror")
		if err != nil {
			return err
		}
		echo, mirror := s.Servers[0], s.Servers[1]
		config := c.Config
		for i, st := range script(echo, mirror) {
			config.Printf("%s\n", config.ColorCall(st.desc))
			if err := st.run(s, config); err != nil {
				return errors.Wrapf(err, "step %d (%s)", i+1, st.desc)
			}
		}
		config.Printf("\n%s\n", config.ColorDim("broker:"))
		c.Kernel.DumpBroker()
		for _, p := range c.Kernel.Processes() {
			total, free := p.Records()
			config.Printf("%s: %d records (%d free)\n", p, total, free)
		}
		return nil
	}
	os.Exit(c.Run(args))
}

func init() { cmd.Register("run", "boot the sample servers and run a scripted set of upcalls", Main) }
