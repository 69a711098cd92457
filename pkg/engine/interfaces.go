package engine

import (
	"context"

	"github.com/openfroyo/artisync/pkg/artifact"
	"github.com/openfroyo/artisync/pkg/policy"
	"github.com/openfroyo/artisync/pkg/source"
	"github.com/openfroyo/artisync/pkg/stores"
)

// StateStore persists the state of synchronized artifacts, keyed by
// location. Lookups report absence with a found flag; errors are reserved
// for real failures.
type StateStore interface {
	// Find returns the state recorded for a location.
	Find(ctx context.Context, location string) (*artifact.State, bool, error)

	// FindByName returns the state claiming name among the given kinds.
	FindByName(ctx context.Context, kinds []artifact.Kind, name string) (*artifact.State, bool, error)

	// Insert records the state of a newly synchronized artifact.
	Insert(ctx context.Context, state *artifact.State) error

	// Update replaces the state of a resynchronized artifact.
	Update(ctx context.Context, state *artifact.State) error

	// Delete removes the state of a location. Deleting an absent location is not an error.
	Delete(ctx context.Context, location string) error

	// FindAll returns every state of a kind.
	FindAll(ctx context.Context, kind artifact.Kind) ([]*artifact.State, error)
}

// RunRecorder persists cycle summaries.
type RunRecorder interface {
	RecordRun(ctx context.Context, run *stores.Run) error
}

// Target applies artifacts of one or more kinds to the system they describe.
type Target interface {
	// Exists reports whether the artifact is present on the target.
	Exists(ctx context.Context, ref artifact.Ref) (bool, error)

	// Create creates the artifact from its definition.
	Create(ctx context.Context, def *artifact.Definition) error

	// Alter changes an existing artifact in place. Targets that cannot do
	// this return an error wrapping artifact.ErrUnsupportedOperation.
	Alter(ctx context.Context, def *artifact.Definition) error

	// Drop removes the artifact if it exists.
	Drop(ctx context.Context, ref artifact.Ref) error
}

// RowCounter is implemented by targets holding data in base artifacts. An
// empty base artifact is recreated instead of altered.
type RowCounter interface {
	RowCount(ctx context.Context, ref artifact.Ref) (int64, error)
}

// Sources provides the definitions declared for a cycle.
type Sources interface {
	// Predelivered returns the bundled entries of the given kinds.
	Predelivered(kinds []artifact.Kind) []source.Entry

	// ScanRegistry returns the registry entries of the given kinds in
	// lexical location order.
	ScanRegistry(ctx context.Context, kinds []artifact.Kind) ([]source.Entry, error)

	// Declares reports whether any source still declares the location.
	Declares(ctx context.Context, location string) bool
}

// Admitter decides whether new or modified definitions may be applied.
type Admitter interface {
	Evaluate(ctx context.Context, def *artifact.Definition, class artifact.Classification, pctx policy.Context) (*policy.Result, error)
}
