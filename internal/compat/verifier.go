// Package compat checks that a schema revision only evolves its
// predecessor additively, so every version transition stays expressible as
// a migration step. Findings are collected in full rather than stopping at
// the first one.
package compat

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/modelup/modelup/internal/catalog"
	uperrors "github.com/modelup/modelup/internal/errors"
	"github.com/modelup/modelup/internal/schema"
)

// ViolationKind names the rule a schema change broke.
type ViolationKind string

const (
	FieldIDRemoved      ViolationKind = "FIELD_ID_REMOVED"
	FieldIDRecycled     ViolationKind = "FIELD_ID_RECYCLED"
	FieldTypeChanged    ViolationKind = "FIELD_TYPE_CHANGED"
	TableRemoved        ViolationKind = "TABLE_REMOVED"
	TableRepurposed     ViolationKind = "TABLE_REPURPOSED"
	UnionVariantChanged ViolationKind = "UNION_VARIANT_CHANGED"
	EnumValueChanged    ViolationKind = "ENUM_VALUE_CHANGED"
	RootTypeChanged     ViolationKind = "ROOT_TYPE_CHANGED"
)

// Violation is one breaking difference between two schemas.
type Violation struct {
	Kind ViolationKind
	// Decl is the table, union or enum the violation is about.
	Decl  string
	Field string
	ID    uint16
	// HasID is set when ID identifies a field.
	HasID   bool
	Message string
}

func (v Violation) String() string {
	var b strings.Builder
	b.WriteString(string(v.Kind))
	b.WriteString(" ")
	b.WriteString(v.Decl)
	if v.HasID {
		fmt.Fprintf(&b, ".%s (id %d)", v.Field, v.ID)
	}
	b.WriteString(": ")
	b.WriteString(v.Message)
	return b.String()
}

// Verify compares newSchema against oldSchema and returns every violation
// in a stable order: root type, tables, unions, enums, each in oldSchema's
// declaration order.
func Verify(oldSchema, newSchema *schema.Schema) []Violation {
	var out []Violation
	if oldSchema.RootType != newSchema.RootType {
		out = append(out, Violation{
			Kind:    RootTypeChanged,
			Decl:    oldSchema.RootType,
			Message: fmt.Sprintf("root type changed to %s", newSchema.RootType),
		})
	}
	for _, t := range oldSchema.Tables {
		out = append(out, verifyTable(t, newSchema)...)
	}
	for _, u := range oldSchema.Unions {
		out = append(out, verifyUnion(u, newSchema)...)
	}
	for _, e := range oldSchema.Enums {
		out = append(out, verifyEnum(e, newSchema)...)
	}
	return out
}

func verifyTable(old *schema.Table, s *schema.Schema) []Violation {
	nt, ok := s.Table(old.Name)
	if !ok {
		if kind := s.Kind(old.Name); kind != schema.DeclNone {
			return []Violation{{
				Kind:    TableRepurposed,
				Decl:    old.Name,
				Message: fmt.Sprintf("now declares a %s", kind),
			}}
		}
		return []Violation{{Kind: TableRemoved, Decl: old.Name, Message: "table no longer declared"}}
	}

	fields := make([]*schema.Field, len(old.Fields))
	copy(fields, old.Fields)
	sort.Slice(fields, func(i, j int) bool { return fields[i].ID < fields[j].ID })

	var out []Violation
	for _, f := range fields {
		nf, ok := nt.FieldByID(f.ID)
		if !ok {
			if !f.Deprecated {
				out = append(out, fieldViolation(FieldIDRemoved, old.Name, f, "field id no longer declared"))
			}
			continue
		}
		if !compatibleType(f.Type, nf.Type) {
			out = append(out, fieldViolation(FieldTypeChanged, old.Name, f,
				fmt.Sprintf("type changed from %s to %s", f.Type, nf.Type)))
		}
	}
	return append(out, verifySlots(old, nt)...)
}

// slotOwner is what occupies a vtable slot: a field's value, or the
// discriminant of a union field.
type slotOwner struct {
	id  uint16
	tag bool
}

func (o slotOwner) describe(t *schema.Table) string {
	f, _ := t.FieldByID(o.id)
	if o.tag {
		return fmt.Sprintf("the discriminant of %s (id %d)", f.Name, o.id)
	}
	return fmt.Sprintf("%s (id %d)", f.Name, o.id)
}

func slotOwners(t *schema.Table) map[int]slotOwner {
	owners := make(map[int]slotOwner, len(t.Fields))
	for _, f := range t.Fields {
		owners[f.Slot()] = slotOwner{id: f.ID}
		if f.Type.Base == schema.BaseUnion {
			owners[f.TypeSlot()] = slotOwner{id: f.ID, tag: true}
		}
	}
	return owners
}

// verifySlots reports every slot of old that nt hands to a different field
// or discriminant. Buffers written under old would be misread there.
func verifySlots(old, nt *schema.Table) []Violation {
	before := slotOwners(old)
	after := slotOwners(nt)

	slots := make([]int, 0, len(before))
	for slot := range before {
		slots = append(slots, slot)
	}
	sort.Ints(slots)

	var out []Violation
	for _, slot := range slots {
		was := before[slot]
		now, ok := after[slot]
		if !ok || now == was {
			continue
		}
		f, _ := old.FieldByID(was.id)
		out = append(out, fieldViolation(FieldIDRecycled, old.Name, f,
			fmt.Sprintf("vtable slot %d of %s now holds %s", slot, was.describe(old), now.describe(nt))))
	}
	return out
}

// compatibleType reports whether a field typed from may be read as typed
// to. The only widening accepted is scalar to union.
func compatibleType(from, to schema.Type) bool {
	if from == to {
		return true
	}
	return from.Base.IsScalar() && to.Base == schema.BaseUnion
}

func fieldViolation(kind ViolationKind, table string, f *schema.Field, msg string) Violation {
	return Violation{Kind: kind, Decl: table, Field: f.Name, ID: f.ID, HasID: true, Message: msg}
}

func verifyUnion(old *schema.Union, s *schema.Schema) []Violation {
	nu, ok := s.Union(old.Name)
	if !ok {
		return []Violation{{
			Kind:    UnionVariantChanged,
			Decl:    old.Name,
			Message: fmt.Sprintf("union no longer declared (now %s)", s.Kind(old.Name)),
		}}
	}
	var out []Violation
	for _, v := range old.Variants {
		nv, ok := nu.VariantByTag(v.Tag)
		switch {
		case !ok:
			out = append(out, Violation{Kind: UnionVariantChanged, Decl: old.Name,
				Message: fmt.Sprintf("variant %s (tag %d) removed", v.Name, v.Tag)})
		case nv.Name != v.Name:
			out = append(out, Violation{Kind: UnionVariantChanged, Decl: old.Name,
				Message: fmt.Sprintf("tag %d changed from %s to %s", v.Tag, v.Name, nv.Name)})
		}
	}
	return out
}

func verifyEnum(old *schema.Enum, s *schema.Schema) []Violation {
	ne, ok := s.Enum(old.Name)
	if !ok {
		return []Violation{{
			Kind:    EnumValueChanged,
			Decl:    old.Name,
			Message: fmt.Sprintf("enum no longer declared (now %s)", s.Kind(old.Name)),
		}}
	}
	var out []Violation
	if ne.Underlying != old.Underlying {
		out = append(out, Violation{Kind: EnumValueChanged, Decl: old.Name,
			Message: fmt.Sprintf("underlying type changed from %s to %s", old.Underlying, ne.Underlying)})
	}
	for _, v := range old.Values {
		nv, ok := ne.ValueByName(v.Name)
		switch {
		case !ok:
			out = append(out, Violation{Kind: EnumValueChanged, Decl: old.Name,
				Message: fmt.Sprintf("value %s removed", v.Name)})
		case nv != v.Value:
			out = append(out, Violation{Kind: EnumValueChanged, Decl: old.Name,
				Message: fmt.Sprintf("value %s changed from %d to %d", v.Name, v.Value, nv)})
		}
	}
	return out
}

// Err folds violations into one error, or nil when there are none.
func Err(violations []Violation) error {
	if len(violations) == 0 {
		return nil
	}
	var result *multierror.Error
	for _, v := range violations {
		result = multierror.Append(result, uperrors.New(uperrors.ErrCategoryCompat, uperrors.CodeIncompatibleSchema, v.String()))
	}
	return result
}

// PairReport is the verification result for one pair of catalog versions.
type PairReport struct {
	From       int
	To         int
	Violations []Violation
}

// Passed reports whether the pair verified cleanly.
func (r PairReport) Passed() bool {
	return len(r.Violations) == 0
}

// VerifyCatalog checks every adjacent pair of catalog versions, then every
// older version against the latest when they are not adjacent.
func VerifyCatalog(cat *catalog.Catalog) []PairReport {
	entries := cat.Entries()
	var reports []PairReport
	for i := 1; i < len(entries); i++ {
		reports = append(reports, verifyPair(entries[i-1], entries[i]))
	}
	latest := entries[len(entries)-1]
	for _, e := range entries[:max(len(entries)-2, 0)] {
		reports = append(reports, verifyPair(e, latest))
	}
	return reports
}

func verifyPair(from, to *catalog.Entry) PairReport {
	return PairReport{
		From:       from.Version,
		To:         to.Version,
		Violations: Verify(from.Schema, to.Schema),
	}
}
