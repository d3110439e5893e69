package nbt

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Printer renders a tag tree as indented text, one tag per line.
type Printer struct {
	// MaxItems truncates lists and arrays after this many elements (0 = all).
	MaxItems int
	Indent   string
}

// Fprint prints the tree with default settings.
func Fprint(w io.Writer, name string, root Compound) error {
	return Printer{}.Fprint(w, name, root)
}

func (p Printer) Fprint(w io.Writer, name string, root Compound) error {
	if p.Indent == "" {
		p.Indent = "  "
	}
	bw := bufio.NewWriter(w)
	p.value(bw, 0, name, true, root)
	return bw.Flush()
}

func (p Printer) value(w *bufio.Writer, depth int, name string, named bool, v Value) {
	w.WriteString(strings.Repeat(p.Indent, depth))
	if named {
		fmt.Fprintf(w, "%q: ", name)
	}
	w.WriteString(v.Kind().String())
	switch t := v.(type) {
	case Compound:
		if len(t) == 0 {
			w.WriteString(" {}\n")
			return
		}
		fmt.Fprintf(w, " (%d) {\n", len(t))
		for _, tag := range t {
			p.value(w, depth+1, tag.Name, true, tag.Value)
		}
		w.WriteString(strings.Repeat(p.Indent, depth) + "}\n")
	case List:
		if len(t.Items) == 0 {
			w.WriteString(" []\n")
			return
		}
		fmt.Fprintf(w, " of %s (%d) [\n", t.Elem, len(t.Items))
		for i, item := range t.Items {
			if p.MaxItems > 0 && i >= p.MaxItems {
				fmt.Fprintf(w, "%s... %d more\n", strings.Repeat(p.Indent, depth+1), len(t.Items)-i)
				break
			}
			p.value(w, depth+1, "", false, item)
		}
		w.WriteString(strings.Repeat(p.Indent, depth) + "]\n")
	case String:
		fmt.Fprintf(w, " = %q\n", string(t))
	case ByteArray:
		p.array(w, len(t), func(i int) any { return int8(t[i]) })
	case IntArray:
		p.array(w, len(t), func(i int) any { return t[i] })
	case LongArray:
		p.array(w, len(t), func(i int) any { return t[i] })
	default:
		fmt.Fprintf(w, " = %v\n", t)
	}
}

func (p Printer) array(w *bufio.Writer, n int, at func(int) any) {
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if p.MaxItems > 0 && i >= p.MaxItems {
			parts = append(parts, fmt.Sprintf("... %d more", n-i))
			break
		}
		parts = append(parts, fmt.Sprint(at(i)))
	}
	fmt.Fprintf(w, " (%d) [%s]\n", n, strings.Join(parts, ", "))
}
