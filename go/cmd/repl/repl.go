package repl

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/shibukawa/configdir"

	"github.com/berkus/es-operating-system/go/cmd"
	"github.com/berkus/es-operating-system/go/models"
)

// historyFile returns the REPL history path in the user config dir,
// creating the folder if needed.
func historyFile() string {
	dirs := configdir.New(models.ConfigVendor, "repl")
	folders := dirs.QueryFolders(configdir.Global)
	if len(folders) == 0 {
		return ""
	}
	if err := folders[0].MkdirAll(); err != nil {
		return ""
	}
	return filepath.Join(folders[0].Path, "history")
}

// Serve reads commands from rl until EOF.
func Serve(c *Context, rl *readline.Instance) error {
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				return nil
			}
			continue
		} else if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "quit" || line == "exit" {
			return nil
		}
		if err := Run(c, line); err != nil {
			return err
		}
	}
}

func Main(args []string) {
	c := cmd.NewKernelCmd()
	var servers *string
	c.SetupFlags = func() error {
		servers = c.Flags.String("servers", "echo,mirror", "comma separated names of the echo servers to start")
		return nil
	}
	c.RunKernel = func(args []string) error {
		s, err := cmd.NewSession(c.Kernel, strings.Split(*servers, ",")...)
		if err != nil {
			return err
		}
		rl, err := readline.NewEx(&readline.Config{
			Prompt:      "es> ",
			HistoryFile: historyFile(),
		})
		if err != nil {
			return err
		}
		defer rl.Close()
		ctx := &Context{Writer: rl.Stdout(), Session: s, Config: c.Config}
		ctx.Printf("servers: %s (type help)\n", *servers)
		return Serve(ctx, rl)
	}
	os.Exit(c.Run(args))
}

func init() { cmd.Register("repl", "interactive upcall shell", Main) }
