package models

import (
	"fmt"
	"strings"

	"github.com/mgutz/ansi"
)

var (
	colorCall   = ansi.ColorCode("cyan+b")
	colorReturn = ansi.ColorCode("green")
	colorError  = ansi.ColorCode("red+b")
	colorDim    = ansi.ColorCode("black+h")
)

func colorize(enabled bool, color, s string) string {
	if !enabled || s == "" {
		return s
	}
	return color + s + ansi.Reset
}

// ColorCall, ColorReturn, ColorError and ColorDim wrap s in the trace colour
// for that event when c.Color is set.
func (c *Config) ColorCall(s string) string   { return colorize(c.Color, colorCall, s) }
func (c *Config) ColorReturn(s string) string { return colorize(c.Color, colorReturn, s) }
func (c *Config) ColorError(s string) string  { return colorize(c.Color, colorError, s) }
func (c *Config) ColorDim(s string) string    { return colorize(c.Color, colorDim, s) }

// Repr quotes a byte string for traces, cut to strsize characters (0 disables).
func Repr(p []byte, strsize int) string {
	var b strings.Builder
	for _, c := range p {
		if c >= 0x20 && c <= 0x7e && c != '"' && c != '\\' {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "\\x%02x", c)
		}
	}
	out := b.String()
	if strsize > 0 && len(out) > strsize {
		return "\"" + out[:strsize] + "\"..."
	}
	return "\"" + out + "\""
}
