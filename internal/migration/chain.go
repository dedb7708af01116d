package migration

import (
	"fmt"

	"github.com/modelup/modelup/internal/catalog"
	uperrors "github.com/modelup/modelup/internal/errors"
)

// DefaultSteps returns the built-in steps in version order.
func DefaultSteps() []Step {
	return []Step{
		NewExtractBuffers(),
		NewIntroduceSubgraphs(),
		NewSplitOperatorParams(),
	}
}

// Chain is an ordered set of steps where step i migrates version i to i+1.
type Chain struct {
	steps []Step
}

// NewChain builds a chain, rejecting gaps and duplicate steps.
func NewChain(steps ...Step) (*Chain, error) {
	c := &Chain{steps: make([]Step, len(steps))}
	for _, s := range steps {
		if s.To() != s.From()+1 {
			return nil, uperrors.NewInternalError(fmt.Sprintf("migration: step %s does not advance exactly one version", StepName(s)), nil)
		}
		if s.From() < 0 || s.From() >= len(steps) {
			return nil, uperrors.NewInternalError(fmt.Sprintf("migration: step %s leaves a gap in the chain", StepName(s)), nil)
		}
		if c.steps[s.From()] != nil {
			return nil, uperrors.NewInternalError(fmt.Sprintf("migration: duplicate steps from version %d", s.From()), nil)
		}
		c.steps[s.From()] = s
	}
	return c, nil
}

// Default returns the chain of built-in steps.
func Default() *Chain {
	c, err := NewChain(DefaultSteps()...)
	if err != nil {
		panic(err)
	}
	return c
}

// Steps returns every step in order.
func (c *Chain) Steps() []Step {
	out := make([]Step, len(c.steps))
	copy(out, c.steps)
	return out
}

// Latest returns the version the chain ends at.
func (c *Chain) Latest() int {
	return len(c.steps)
}

// Path returns the steps migrating from to to. from == to yields an empty
// path.
func (c *Chain) Path(from, to int) ([]Step, error) {
	if from < 0 || to < from || to > len(c.steps) {
		return nil, uperrors.NoMigrationPath(from, to)
	}
	out := make([]Step, 0, to-from)
	out = append(out, c.steps[from:to]...)
	return out, nil
}

// Validate checks that the chain covers every catalog version: a step
// exists from each version to the next and no step targets a version the
// catalog lacks.
func (c *Chain) Validate(cat *catalog.Catalog) error {
	latest := cat.Latest().Version
	if len(c.steps) != latest {
		return uperrors.NewInternalError(
			fmt.Sprintf("migration: chain ends at v%d but the catalog ends at v%d", len(c.steps), latest), nil)
	}
	for v := 0; v < latest; v++ {
		if _, err := c.Path(v, latest); err != nil {
			return err
		}
	}
	return nil
}
