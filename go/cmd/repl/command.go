package repl

import (
	"fmt"
	"io"
	"reflect"
	"sort"
	"strconv"

	"github.com/lunixbochs/argjoy"
	"github.com/mattn/go-shellwords"

	"github.com/berkus/es-operating-system/go/cmd"
	"github.com/berkus/es-operating-system/go/models"
)

type Context struct {
	io.Writer
	*cmd.Session
	Config *models.Config
}

func (c *Context) Printf(format string, a ...interface{}) (n int, err error) {
	return fmt.Fprintf(c, format, a...)
}

type Command struct {
	Name string
	Desc string
	Run  interface{}
}

var Commands = make(map[string]*Command)

func command(c *Command) *Command {
	fn := reflect.ValueOf(c.Run)
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		panic(fmt.Sprintf("Command.Run must be a func: got (%T) %#v\n", c.Run, c.Run))
	}
	Commands[c.Name] = c
	return c
}

var aj = argjoy.NewArgjoy()

func init() {
	aj.Register(func(arg interface{}, vals []interface{}) error {
		s, ok := vals[0].(string)
		if !ok {
			return argjoy.NoMatch
		}
		switch v := arg.(type) {
		case *uint64:
			n, err := strconv.ParseUint(s, 0, 64)
			*v = n
			return err
		case *int:
			n, err := strconv.ParseInt(s, 0, 0)
			*v = int(n)
			return err
		}
		return argjoy.NoMatch
	})
}

// Run executes one line of input.
func Run(c *Context, line string) error {
	args, err := shellwords.Parse(line)
	if err != nil {
		c.Printf("parse error: %v\n", err)
		return nil
	}
	if len(args) == 0 {
		return nil
	}
	name, args := args[0], args[1:]
	if name == "help" {
		help(c)
		return nil
	}
	if cmd, ok := Commands[name]; ok {
		out, err := aj.Call(cmd.Run, c, args)
		if err != nil {
			c.Printf("error: %v\n", err)
		}
		if len(out) > 0 {
			if err, ok := out[0].(error); ok {
				c.Printf("error: %v\n", err)
			}
		}
	} else {
		c.Printf("command not found.\n")
	}
	return nil
}

func help(c *Context) {
	names := make([]string, 0, len(Commands))
	pad := 0
	for name := range Commands {
		names = append(names, name)
		if len(name) > pad {
			pad = len(name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		c.Printf("  %-*s  %s\n", pad, name, Commands[name].Desc)
	}
}
