// Package migration holds the transforms between adjacent schema versions.
// Each Step maps a graph conforming to version N onto version N+1 and never
// mutates its input.
package migration

import (
	"fmt"

	uperrors "github.com/modelup/modelup/internal/errors"
	"github.com/modelup/modelup/internal/graph"
)

// Step transforms a graph at version From into a graph at From+1.
type Step interface {
	From() int
	To() int
	Name() string
	Description() string
	Apply(root *graph.Table) (*graph.Table, error)
}

// Root table field ids shared by every version.
const (
	modelTable   = "Model"
	modelVersion = 0
)

type stepInfo struct {
	from        int
	name        string
	description string
}

func (s stepInfo) From() int           { return s.from }
func (s stepInfo) To() int             { return s.from + 1 }
func (s stepInfo) Name() string        { return s.name }
func (s stepInfo) Description() string { return s.description }

// begin checks the step precondition and returns a clone of root to
// transform.
func (s stepInfo) begin(root *graph.Table) (*graph.Table, error) {
	if root == nil || root.Name != modelTable {
		return nil, uperrors.SchemaViolation("%s: root must be a %s table", s.name, modelTable)
	}
	if v, ok := root.Scalar(modelVersion); ok && v.Uint() != uint64(s.from) {
		return nil, uperrors.AlreadyMigrated(s.name, "graph is at version %d, step expects %d", v.Uint(), s.from)
	}
	return root.CloneTable(), nil
}

// finish stamps the target version on the migrated root.
func (s stepInfo) finish(root *graph.Table) *graph.Table {
	root.Set(modelVersion, graph.Uint32(uint32(s.To())))
	return root
}

// tables returns the table items of the vector stored under id. An absent
// field yields no tables.
func tables(t *graph.Table, id uint16, step string) ([]*graph.Table, error) {
	n, ok := t.Get(id)
	if !ok {
		return nil, nil
	}
	v, ok := n.(*graph.Vector)
	if !ok {
		return nil, uperrors.SchemaViolation("%s: %s field %d is a %s, not a vector", step, t.Name, id, n.Kind())
	}
	out := make([]*graph.Table, len(v.Items))
	for i, item := range v.Items {
		tbl, ok := item.(*graph.Table)
		if !ok {
			return nil, uperrors.SchemaViolation("%s: %s field %d item %d is not a table", step, t.Name, id, i)
		}
		out[i] = tbl
	}
	return out, nil
}

// intField reads an integer scalar, falling back to def when absent.
func intField(t *graph.Table, id uint16, def int64, step string) (int64, error) {
	n, ok := t.Get(id)
	if !ok {
		return def, nil
	}
	s, ok := n.(*graph.Scalar)
	if !ok || !s.Type.IsInteger() {
		return 0, uperrors.SchemaViolation("%s: %s field %d is not an integer", step, t.Name, id)
	}
	return s.Int(), nil
}

// StepName renders a step for logs.
func StepName(s Step) string {
	return fmt.Sprintf("%s (v%d->v%d)", s.Name(), s.From(), s.To())
}
