package models

import (
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/lunixbochs/fvbommel-util/sortorder"
)

const usageWidth = 80

// PrintFlags writes a usage listing of flags to w in natural name order,
// word-wrapping descriptions to fit usageWidth.
func PrintFlags(w io.Writer, flags []*flag.Flag) {
	flags = append([]*flag.Flag(nil), flags...)
	sort.Slice(flags, func(i, j int) bool { return sortorder.NaturalLess(flags[i].Name, flags[j].Name) })

	heads := make([]string, len(flags))
	indent := 0
	for i, f := range flags {
		head := "  -" + f.Name
		if f.DefValue != "" && f.DefValue != "[]" {
			head += " (" + f.DefValue + ")"
		}
		heads[i] = head
		if len(head) > indent {
			indent = len(head)
		}
	}
	indent += 2
	width := usageWidth - indent
	if width < 20 {
		width = 20
	}
	for i, f := range flags {
		lines := wrapWords(f.Usage, width)
		if len(lines) == 0 {
			lines = []string{""}
		}
		fmt.Fprintf(w, "%-*s%s\n", indent, heads[i], lines[0])
		for _, l := range lines[1:] {
			fmt.Fprintf(w, "%s%s\n", strings.Repeat(" ", indent), l)
		}
	}
}

func wrapWords(s string, width int) []string {
	var lines []string
	var cur string
	for _, word := range strings.Fields(s) {
		switch {
		case cur == "":
			cur = word
		case len(cur)+1+len(word) > width:
			lines = append(lines, cur)
			cur = word
		default:
			cur += " " + word
		}
	}
	if cur != "" {
		lines = append(lines, cur)
	}
	return lines
}
