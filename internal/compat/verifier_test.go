package compat

import (
	"errors"
	"strings"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelup/modelup/internal/catalog"
	uperrors "github.com/modelup/modelup/internal/errors"
	"github.com/modelup/modelup/internal/schema"
)

const base = `
namespace test;
enum Mode : byte { OFF = 0, ON = 1 }
table A { x:int (id: 0); }
table B { y:float (id: 0); }
union Pick { A, B }
table Root {
  version:uint (id: 0);
  name:string (id: 1);
  mode:Mode (id: 2);
  old:short (id: 3, deprecated);
  flag:int (id: 5);
  pick:Pick (id: 7);
}
root_type Root;
`

func edit(t *testing.T, replacements ...string) *schema.Schema {
	t.Helper()
	src := strings.NewReplacer(replacements...).Replace(base)
	s, err := schema.Parse(src)
	require.NoError(t, err, "schema:\n%s", src)
	return s
}

func kinds(vs []Violation) []ViolationKind {
	out := make([]ViolationKind, len(vs))
	for i, v := range vs {
		out[i] = v.Kind
	}
	return out
}

func TestVerify_SelfIsClean(t *testing.T) {
	s := edit(t)
	assert.Empty(t, Verify(s, s))

	for _, e := range catalog.MustBundled().Entries() {
		assert.Empty(t, Verify(e.Schema, e.Schema), "v%d against itself", e.Version)
	}
}

func TestVerify_FieldRemoved(t *testing.T) {
	old := edit(t)
	removed := edit(t, "  name:string (id: 1);\n", "")

	vs := Verify(old, removed)
	require.Len(t, vs, 1)
	assert.Equal(t, FieldIDRemoved, vs[0].Kind)
	assert.Equal(t, "Root", vs[0].Decl)
	assert.Equal(t, "name", vs[0].Field)
	assert.Equal(t, uint16(1), vs[0].ID)
	assert.Equal(t, "FIELD_ID_REMOVED Root.name (id 1): field id no longer declared", vs[0].String())
}

func TestVerify_DeprecatedFieldMayBeDropped(t *testing.T) {
	old := edit(t)
	dropped := edit(t, "  old:short (id: 3, deprecated);\n", "")
	assert.Empty(t, Verify(old, dropped))
}

func TestVerify_Rules(t *testing.T) {
	tests := []struct {
		name         string
		replacements []string
		want         []ViolationKind
	}{
		{"rename keeps id", []string{"name:string", "title:string"}, nil},
		{"deprecating keeps id", []string{"name:string (id: 1)", "name:string (id: 1, deprecated)"}, nil},
		{"new field", []string{"  flag:int (id: 5);", "  flag:int (id: 5);\n  extra:long (id: 8);"}, nil},
		{"new variant", []string{"union Pick { A, B }", "table C { z:int (id: 0); }\nunion Pick { A, B, C }"}, nil},
		{"new enum value", []string{"ON = 1 }", "ON = 1, AUTO = 2 }"}, nil},
		{"scalar widens to union", []string{"  flag:int (id: 5);", "  flag:Pick (id: 5);"}, nil},
		{"scalar retyped", []string{"flag:int", "flag:long"}, []ViolationKind{FieldTypeChanged}},
		{"scalar to string", []string{"flag:int", "flag:string"}, []ViolationKind{FieldTypeChanged}},
		{"new table-typed fields", []string{"table Root {", "table Root {\n  a:A (id: 9);", "pick:Pick (id: 7);", "pick:Pick (id: 7);\n  b:B (id: 10);"}, nil},
		{"union narrowed to scalar", []string{"pick:Pick", "pick:int"}, []ViolationKind{FieldTypeChanged}},
		{"table removed", []string{"table B { y:float (id: 0); }", "", "union Pick { A, B }", "union Pick { A }"},
			[]ViolationKind{TableRemoved, UnionVariantChanged}},
		{"table repurposed", []string{"table B { y:float (id: 0); }", "enum B : int { Q = 0 }", "union Pick { A, B }", "union Pick { A }"},
			[]ViolationKind{TableRepurposed, UnionVariantChanged}},
		{"variants reordered", []string{"union Pick { A, B }", "union Pick { B, A }"},
			[]ViolationKind{UnionVariantChanged, UnionVariantChanged}},
		{"enum value changed", []string{"ON = 1", "ON = 2"}, []ViolationKind{EnumValueChanged}},
		{"enum value removed", []string{"OFF = 0, ON = 1", "OFF = 0"}, []ViolationKind{EnumValueChanged}},
		{"enum underlying changed", []string{"enum Mode : byte", "enum Mode : ubyte"},
			[]ViolationKind{FieldTypeChanged, EnumValueChanged}},
		{"root type changed", []string{"root_type Root;", "root_type A;"}, []ViolationKind{RootTypeChanged}},
		{"two removals reported together", []string{"  name:string (id: 1);\n", "", "  flag:int (id: 5);\n", ""},
			[]ViolationKind{FieldIDRemoved, FieldIDRemoved}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Verify(edit(t), edit(t, tt.replacements...))
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, kinds(got), "%v", got)
		})
	}
}

func TestVerify_SlotRecycled(t *testing.T) {
	t.Run("dropped field slot becomes a discriminant", func(t *testing.T) {
		old, err := schema.Parse(`table Root { version:uint (id: 0); legacy:int (id: 1, deprecated); } root_type Root;`)
		require.NoError(t, err)
		reused, err := schema.Parse(`
table A { x:int (id: 0); }
union U { A }
table Root { version:uint (id: 0); pick:U (id: 2); }
root_type Root;`)
		require.NoError(t, err)

		vs := Verify(old, reused)
		require.Len(t, vs, 1, "%v", vs)
		assert.Equal(t, FieldIDRecycled, vs[0].Kind)
		assert.Equal(t, "legacy", vs[0].Field)
		assert.Equal(t, uint16(1), vs[0].ID)
		assert.Contains(t, vs[0].Message, "discriminant of pick (id 2)")
	})

	t.Run("dropped union discriminant slot becomes a field", func(t *testing.T) {
		vs := Verify(edit(t, "pick:Pick (id: 7);", "pick:Pick (id: 7, deprecated);"),
			edit(t, "pick:Pick (id: 7);", "count:int (id: 6);"))
		require.Len(t, vs, 1, "%v", vs)
		assert.Equal(t, FieldIDRecycled, vs[0].Kind)
		assert.Equal(t, "pick", vs[0].Field)
		assert.Contains(t, vs[0].Message, "slot 6")
	})

	t.Run("new union beside free slots is clean", func(t *testing.T) {
		assert.Empty(t, Verify(edit(t), edit(t, "pick:Pick (id: 7);", "pick:Pick (id: 7);\n  more:Pick (id: 9);")))
	})
}

func TestVerifyCatalog_Bundled(t *testing.T) {
	cat := catalog.MustBundled()
	reports := VerifyCatalog(cat)

	// Three adjacent pairs plus v0 and v1 against v3.
	require.Len(t, reports, 5)
	for _, r := range reports {
		assert.True(t, r.Passed(), "v%d -> v%d: %v", r.From, r.To, r.Violations)
	}
	assert.Equal(t, 0, reports[3].From)
	assert.Equal(t, 3, reports[3].To)
}

func TestErr(t *testing.T) {
	assert.NoError(t, Err(nil))

	old := edit(t)
	err := Err(Verify(old, edit(t, "  name:string (id: 1);\n", "", "ON = 1", "ON = 2")))
	require.Error(t, err)

	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	assert.Len(t, merr.Errors, 2)
	assert.Equal(t, uperrors.CodeIncompatibleSchema, uperrors.GetCode(merr.Errors[0]))
	assert.Contains(t, err.Error(), "Root.name")
	assert.Contains(t, err.Error(), "value ON changed from 1 to 2")
}
