package cmd

import (
	"flag"
	"fmt"
	"os"
	"runtime/pprof"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/berkus/es-operating-system/go/idl"
	"github.com/berkus/es-operating-system/go/kernel"
	"github.com/berkus/es-operating-system/go/models"
	"github.com/berkus/es-operating-system/go/models/trace"
	"github.com/berkus/es-operating-system/go/sample"
)

type strslice []string

func (s *strslice) String() string {
	return fmt.Sprintf("%v", *s)
}

func (s *strslice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// KernelCmd is the shared front end of the commands that boot a kernel:
// flag parsing, config, IDL loading, logging and the binary trace.
type KernelCmd struct {
	Config   *models.Config
	Registry *idl.Registry
	Logger   *zap.Logger
	Kernel   *kernel.Kernel
	Tracer   *trace.TraceWriter
	Flags    *flag.FlagSet

	SetupFlags func() error
	RunKernel  func(args []string) error
	Teardown   func()

	Usage string
}

func NewKernelCmd() *KernelCmd {
	return &KernelCmd{Flags: flag.NewFlagSet("cli", flag.ExitOnError)}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func PrintError(err error) {
	// print an error, and a stacktrace if available
	fmt.Fprintf(os.Stderr, "%s\n", strings.Repeat("-", 40))
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	var st stackTracer
	for e := err; e != nil; {
		if s, ok := e.(stackTracer); ok {
			st = s
		}
		c, ok := e.(interface{ Cause() error })
		if !ok {
			break
		}
		e = c.Cause()
	}
	if st == nil {
		return
	}
	var frames [][]string
	for _, f := range st.StackTrace() {
		fileline := fmt.Sprintf("%s:%d", f, f)
		method := fmt.Sprintf("%n", f)
		frames = append(frames, []string{fileline, method})
		if method == "main" {
			break
		}
	}
	width := 0
	for _, f := range frames {
		if len(f[0]) > width {
			width = len(f[0])
		}
	}
	for _, f := range frames {
		fmt.Fprintf(os.Stderr, "%s%s | %s()\n", f[0], strings.Repeat(" ", width-len(f[0])), f[1])
	}
}

// Run parses argv, boots a kernel and hands it to RunKernel. It returns the
// process exit code.
func (c *KernelCmd) Run(argv []string) int {
	fs := c.Flags
	configPath := fs.String("config", "", "kernel config file (default: "+models.ConfigFile+" in the user config dir)")
	var idlFiles strslice
	fs.Var(&idlFiles, "idl", "load interface descriptions from a TOML file (repeatable)")
	traceFlag := fs.Bool("trace", false, "print every upcall")
	color := fs.Bool("color", false, "colour the upcall trace")
	verbose := fs.Bool("v", false, "structured debug logging to stderr")
	tracefile := fs.String("to", "", "binary trace output file")
	outfile := fs.String("o", "", "redirect upcall trace to file (default stderr)")
	tableSize := fs.Int("slots", 0, "override the proxy table size")
	strsize := fs.Int("strsize", 0, "limit traced strings to length")
	cpuprofile := fs.String("cpuprofile", "", "write cpu profile to <file>")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] %s\n\nOptions:\n", argv[0], c.Usage)
		var flags []*flag.Flag
		fs.VisitAll(func(f *flag.Flag) { flags = append(flags, f) })
		models.PrintFlags(os.Stderr, flags)
	}
	if c.SetupFlags != nil {
		if err := c.SetupFlags(); err != nil {
			PrintError(err)
			return 1
		}
	}
	fs.Parse(argv[1:])

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			PrintError(err)
			return 1
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	config, err := c.loadConfig(*configPath)
	if err != nil {
		PrintError(err)
		return 1
	}
	config.TraceUpcall = config.TraceUpcall || *traceFlag
	config.Color = config.Color || *color
	config.Verbose = config.Verbose || *verbose
	if *tableSize > 0 {
		config.ProxyTableSize = *tableSize
	}
	if *strsize > 0 {
		config.Strsize = *strsize
	}
	if *outfile != "" {
		out, err := os.OpenFile(*outfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			PrintError(err)
			return 1
		}
		stream := models.NewAsyncStream(out)
		config.Output = stream
		defer stream.Close()
	}
	if err := config.Validate(); err != nil {
		PrintError(err)
		return 1
	}
	c.Config = config

	if c.Registry, err = sample.Registry(); err != nil {
		PrintError(err)
		return 1
	}
	for _, path := range idlFiles {
		if err := c.Registry.LoadFile(path); err != nil {
			PrintError(err)
			return 1
		}
	}

	c.Logger = zap.NewNop()
	if config.Verbose {
		if c.Logger, err = zap.NewDevelopment(); err != nil {
			PrintError(err)
			return 1
		}
	}
	defer c.Logger.Sync()

	opts := []kernel.Option{kernel.WithLogger(c.Logger)}
	if *tracefile != "" {
		f, err := os.Create(*tracefile)
		if err != nil {
			PrintError(err)
			return 1
		}
		if c.Tracer, err = trace.NewWriter(f, "es"); err != nil {
			PrintError(err)
			return 1
		}
		opts = append(opts, kernel.WithTracer(c.Tracer))
	}

	c.Kernel, err = kernel.New(config, c.Registry, opts...)
	if err != nil {
		PrintError(err)
		return 1
	}
	// won't run on os.Exit(), so the caller exits with our return value
	teardown := func() {
		if c.Teardown != nil {
			c.Teardown()
		}
		c.Kernel.Close()
		if c.Tracer != nil {
			n := c.Tracer.Count()
			if err := c.Tracer.Close(); err != nil {
				PrintError(err)
			} else {
				c.Logger.Info("trace written", zap.String("file", *tracefile), zap.Int("ops", n))
			}
		}
	}
	defer teardown()

	if c.RunKernel == nil {
		return 0
	}
	if err := c.RunKernel(fs.Args()); err != nil {
		PrintError(err)
		return 1
	}
	return 0
}

func (c *KernelCmd) loadConfig(path string) (*models.Config, error) {
	if path == "" {
		path = models.FindConfig()
	}
	if path == "" {
		return models.DefaultConfig(), nil
	}
	return models.LoadConfig(path)
}
