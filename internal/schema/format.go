package schema

import (
	"fmt"
	"strings"

	"github.com/spaolacci/murmur3"
)

// String renders the schema in canonical text form. Fields are ordered by
// id, so two schemas that differ only in declaration order of fields render
// identically.
func (s *Schema) String() string {
	var b strings.Builder
	if s.Namespace != "" {
		fmt.Fprintf(&b, "namespace %s;\n\n", s.Namespace)
	}
	if s.FileIdentifier != "" {
		fmt.Fprintf(&b, "file_identifier %q;\n\n", s.FileIdentifier)
	}
	for _, e := range s.Enums {
		fmt.Fprintf(&b, "enum %s : %s {\n", e.Name, e.Underlying)
		for _, v := range e.Values {
			fmt.Fprintf(&b, "  %s = %d,\n", v.Name, v.Value)
		}
		b.WriteString("}\n\n")
	}
	for _, u := range s.Unions {
		fmt.Fprintf(&b, "union %s {\n", u.Name)
		for _, v := range u.Variants {
			fmt.Fprintf(&b, "  %s = %d,\n", v.Name, v.Tag)
		}
		b.WriteString("}\n\n")
	}
	for _, t := range s.Tables {
		fmt.Fprintf(&b, "table %s {\n", t.Name)
		for _, f := range sortedFields(t.Fields) {
			b.WriteString("  " + s.formatField(f) + "\n")
		}
		b.WriteString("}\n\n")
	}
	fmt.Fprintf(&b, "root_type %s;\n", s.RootType)
	return b.String()
}

func (s *Schema) formatField(f *Field) string {
	line := f.Name + ":" + f.Type.String()
	if f.Type.Base.IsScalar() && f.Default != 0 {
		line += " = " + s.formatDefault(f)
	}
	line += fmt.Sprintf(" (id: %d", f.ID)
	if f.Deprecated {
		line += ", deprecated"
	}
	return line + ");"
}

func (s *Schema) formatDefault(f *Field) string {
	if f.Type.IsEnum() {
		if e, ok := s.Enum(f.Type.Ref); ok {
			value := int64(f.Default)
			if !f.Type.Base.IsSigned() {
				value = int64(f.Default & (1<<(8*f.Type.Base.Size()) - 1))
			}
			if name, ok := e.NameOf(value); ok {
				return name
			}
		}
	}
	return FormatDefault(f.Type.Base, f.Default)
}

// Fingerprint returns a stable 64-bit murmur3 hash of the canonical text.
func (s *Schema) Fingerprint() uint64 {
	return murmur3.Sum64([]byte(s.String()))
}

// FingerprintHex returns Fingerprint as a fixed-width hex string.
func (s *Schema) FingerprintHex() string {
	return fmt.Sprintf("%016x", s.Fingerprint())
}
