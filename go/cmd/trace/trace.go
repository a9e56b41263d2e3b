package trace

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/berkus/es-operating-system/go/cmd"
	"github.com/berkus/es-operating-system/go/models/trace"
)

type jsonOp struct {
	Kind string   `json:"kind"`
	Op   trace.Op `json:"op"`
}

func kindName(op trace.Op) string {
	s := op.String()
	if i := strings.IndexByte(s, ' '); i > 0 {
		return s[:i]
	}
	return s
}

func PrintJson(w io.Writer, tf *trace.TraceReader) error {
	out, err := json.Marshal(&tf.Header)
	if err != nil {
		return errors.Wrap(err, "error printing header")
	}
	fmt.Fprintf(w, "%s\n", out)
	for {
		op, err := tf.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return errors.Wrap(err, "error reading next trace operation")
		}
		out, err := json.Marshal(jsonOp{Kind: kindName(op), Op: op})
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\n", out)
	}
	return nil
}

// PrintPretty writes one line per op, indenting calls by their nesting, and
// a count of each kind at the end.
func PrintPretty(w io.Writer, tf *trace.TraceReader) error {
	fmt.Fprintf(w, "kernel %q, trace version %d\n", tf.Header.Kernel, tf.Header.Version)
	counts := make(map[string]int)
	depth := 0
	for {
		op, err := tf.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return errors.Wrap(err, "error reading next trace operation")
		}
		counts[kindName(op)]++
		switch o := op.(type) {
		case *trace.OpNop:
			continue
		case *trace.OpUpcall:
			depth = int(o.Depth)
			fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", depth), op)
			depth++
		case *trace.OpReturn:
			if depth > 0 {
				depth--
			}
			fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", depth), op)
		default:
			fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", depth), op)
		}
	}
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "%8d %s\n", counts[k], k)
	}
	return nil
}

func Main(args []string) {
	fs := flag.NewFlagSet("args", flag.ExitOnError)
	jsonFlag := fs.Bool("json", false, "output trace as line-delimited JSON objects")
	fs.Usage = func() {
		fmt.Printf("Usage: %s [options] <tracefile>\n", args[0])
		fs.PrintDefaults()
	}

	fs.Parse(args[1:])
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(1)
	}
	args = fs.Args()

	f, err := os.Open(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open: %s %v\n", args[0], err)
		os.Exit(1)
	}
	tf, err := trace.NewReader(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening trace file: %v\n", err)
		os.Exit(1)
	}
	defer tf.Close()
	if *jsonFlag {
		err = PrintJson(os.Stdout, tf)
	} else {
		err = PrintPretty(os.Stdout, tf)
	}
	if err != nil {
		cmd.PrintError(err)
		os.Exit(1)
	}
}

func init() { cmd.Register("trace", "decode an upcall trace file written with -to", Main) }
