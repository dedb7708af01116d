package graph

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/modelup/modelup/internal/schema"
)

// maxInlineItems caps how many scalar vector items are printed.
const maxInlineItems = 16

// Fprint writes an indented dump of n. When s is non-nil, field ids are
// labelled with their names and enum values with their constants.
func Fprint(w io.Writer, n Node, s *schema.Schema) error {
	bw := bufio.NewWriter(w)
	p := &printer{w: bw, schema: s}
	p.node(n, nil, 0)
	bw.WriteByte('\n')
	return bw.Flush()
}

// Sprint returns the Fprint dump of n.
func Sprint(n Node, s *schema.Schema) string {
	var b strings.Builder
	_ = Fprint(&b, n, s)
	return b.String()
}

type printer struct {
	w      *bufio.Writer
	schema *schema.Schema
}

func (p *printer) indent(depth int) {
	p.w.WriteString(strings.Repeat("  ", depth))
}

func (p *printer) node(n Node, f *schema.Field, depth int) {
	switch v := n.(type) {
	case nil, Null:
		p.w.WriteString("null")
	case *Scalar:
		p.w.WriteString(p.scalar(v, f))
	case *String:
		p.w.WriteString(strconv.Quote(string(v.Value)))
	case *Vector:
		p.vector(v, f, depth)
	case *Table:
		p.table(v, depth)
	case *Union:
		fmt.Fprintf(p.w, "%s(%d) ", v.Variant, v.Tag)
		if v.Value == nil {
			p.w.WriteString("null")
			return
		}
		p.table(v.Value, depth)
	}
}

func (p *printer) scalar(s *Scalar, f *schema.Field) string {
	text := s.Type.String() + " " + schema.FormatDefault(s.Type, s.Bits)
	if f == nil || !f.Type.IsEnum() || p.schema == nil {
		return text
	}
	e, ok := p.schema.Enum(f.Type.Ref)
	if !ok {
		return text
	}
	value := int64(s.Bits)
	if name, ok := e.NameOf(value); ok {
		return text + " (" + name + ")"
	}
	return text
}

func (p *printer) vector(v *Vector, f *schema.Field, depth int) {
	if v.Elem.IsScalar() {
		items := make([]string, 0, len(v.Items))
		for i, item := range v.Items {
			if i == maxInlineItems {
				items = append(items, fmt.Sprintf("... %d more", len(v.Items)-i))
				break
			}
			if s, ok := item.(*Scalar); ok {
				items = append(items, schema.FormatDefault(s.Type, s.Bits))
			}
		}
		fmt.Fprintf(p.w, "[%d]%s [%s]", len(v.Items), v.Elem, strings.Join(items, " "))
		return
	}

	fmt.Fprintf(p.w, "[%d]%s [", len(v.Items), p.elemName(v, f))
	if len(v.Items) == 0 {
		p.w.WriteString("]")
		return
	}
	p.w.WriteByte('\n')
	for _, item := range v.Items {
		p.indent(depth + 1)
		p.node(item, nil, depth+1)
		p.w.WriteByte('\n')
	}
	p.indent(depth)
	p.w.WriteString("]")
}

func (p *printer) elemName(v *Vector, f *schema.Field) string {
	if f != nil && f.Type.Ref != "" {
		return f.Type.Ref
	}
	return v.Elem.String()
}

func (p *printer) table(t *Table, depth int) {
	var decl *schema.Table
	if p.schema != nil {
		decl, _ = p.schema.Table(t.Name)
	}

	fmt.Fprintf(p.w, "%s {\n", t.Name)
	for _, id := range t.IDs() {
		var f *schema.Field
		label := strconv.Itoa(int(id))
		if decl != nil {
			if fd, ok := decl.FieldByID(id); ok {
				f = fd
				label += " " + fd.Name
				if fd.Deprecated {
					label += " (deprecated)"
				}
			}
		}
		p.indent(depth + 1)
		p.w.WriteString(label + ": ")
		p.node(t.Fields[id], f, depth+1)
		p.w.WriteByte('\n')
	}
	for _, id := range t.UnknownIDs() {
		p.indent(depth + 1)
		fmt.Fprintf(p.w, "%d ?: raw %s\n", id, hex.EncodeToString(t.Unknown[id]))
	}
	p.indent(depth)
	p.w.WriteString("}")
}
