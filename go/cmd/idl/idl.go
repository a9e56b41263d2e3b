package idl

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/lunixbochs/fvbommel-util/sortorder"

	"github.com/berkus/es-operating-system/go/cmd"
	"github.com/berkus/es-operating-system/go/idl"
	"github.com/berkus/es-operating-system/go/kernel"
	"github.com/berkus/es-operating-system/go/sample"
)

// List prints every interface in reg with the global number of each method
// it can be called with, inherited ones included when all is set.
func List(w io.Writer, reg *idl.Registry, all bool) {
	ifaces := reg.Interfaces()
	sort.Slice(ifaces, func(i, j int) bool { return sortorder.NaturalLess(ifaces[i].Name, ifaces[j].Name) })
	for _, iface := range ifaces {
		fmt.Fprintf(w, "%s %s", iface.Name, iface.IID)
		if super, ok := reg.Lookup(iface.Super); ok {
			fmt.Fprintf(w, " : %s", super.Name)
		}
		fmt.Fprintln(w)
		first := iface.InheritedMethodCount
		if all {
			first = 0
		}
		for n := first; n < iface.TotalMethodCount(); n++ {
			owner, _, m, err := reg.Resolve(iface.IID, n)
			if err != nil {
				fmt.Fprintf(w, "  %3d <%v>\n", n, err)
				continue
			}
			words := kernel.ReturnWords(m.Return)
			for _, p := range m.Parameters {
				words += kernel.ArgWords(p)
			}
			from := ""
			if owner != iface {
				from = owner.Name + "::"
			}
			fmt.Fprintf(w, "  %3d %s%s  [%d words]\n", n, from, m, words)
		}
	}
}

func Main(args []string) {
	fs := flag.NewFlagSet("idl", flag.ExitOnError)
	all := fs.Bool("all", false, "include inherited methods")
	noSample := fs.Bool("nosample", false, "don't include the sample interfaces")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] [file.toml...]\n", args[0])
		fs.PrintDefaults()
	}
	fs.Parse(args[1:])

	reg := idl.NewRegistry()
	if !*noSample {
		var err error
		if reg, err = sample.Registry(); err != nil {
			cmd.PrintError(err)
			os.Exit(1)
		}
	}
	for _, path := range fs.Args() {
		if err := reg.LoadFile(path); err != nil {
			cmd.PrintError(err)
			os.Exit(1)
		}
	}
	List(os.Stdout, reg, *all)
}

func init() { cmd.Register("idl", "list interfaces and their method numbers", Main) }
