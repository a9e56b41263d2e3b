package main

import (
	"github.com/berkus/es-operating-system/go/cmd"

	_ "github.com/berkus/es-operating-system/go/cmd/idl"
	_ "github.com/berkus/es-operating-system/go/cmd/repl"
	_ "github.com/berkus/es-operating-system/go/cmd/run"
	_ "github.com/berkus/es-operating-system/go/cmd/trace"
)

func main() { cmd.Main() }
