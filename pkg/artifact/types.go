package artifact

import (
	"fmt"
	"time"
)

// Origin tells where a definition was read from.
type Origin string

const (
	// OriginPredelivered marks definitions bundled with the binary.
	OriginPredelivered Origin = "predelivered"

	// OriginRegistry marks definitions read from the mutable on-disk registry.
	OriginRegistry Origin = "registry"
)

// Classification is the result of comparing a definition with its persisted state.
type Classification string

const (
	ClassNew       Classification = "NEW"
	ClassModified  Classification = "MODIFIED"
	ClassUnchanged Classification = "UNCHANGED"
	ClassConflict  Classification = "CONFLICT"
)

// Definition is a parsed artifact as declared by a source. It is rebuilt on
// every cycle and never persisted as such.
type Definition struct {
	// Location uniquely identifies the definition within its source.
	Location string `json:"location"`

	// Name is the logical name other artifacts reference.
	Name string `json:"name"`

	// Kind is the artifact kind, resolved from the file extension.
	Kind Kind `json:"kind"`

	// Origin is the source the definition came from.
	Origin Origin `json:"origin"`

	// Content is the raw definition as read from the source.
	Content []byte `json:"-"`

	// ContentHash is the hash of the canonical form of Spec.
	ContentHash string `json:"content_hash"`

	// DependencyRefs lists the names this artifact requires to exist first.
	DependencyRefs []string `json:"dependency_refs,omitempty"`

	// Spec is the typed, kind specific body of the definition.
	Spec any `json:"spec"`
}

// Ref returns the reference used to address the artifact on a target.
func (d *Definition) Ref() Ref {
	return Ref{Kind: d.Kind, Name: d.Name, Location: d.Location}
}

// String implements fmt.Stringer.
func (d *Definition) String() string {
	return fmt.Sprintf("%s %s (%s)", d.Kind, d.Name, d.Location)
}

// State is the persisted record of a synchronized artifact, keyed by location.
type State struct {
	Location    string    `json:"location"`
	Name        string    `json:"name"`
	Kind        Kind      `json:"kind"`
	ContentHash string    `json:"content_hash"`

	// Dependencies are the names the artifact referenced when it was applied.
	Dependencies []string `json:"dependencies,omitempty"`

	SyncedAt  time.Time `json:"synced_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Ref returns the reference of the artifact the state describes.
func (s *State) Ref() Ref {
	return Ref{Kind: s.Kind, Name: s.Name, Location: s.Location}
}

// StateFor builds the state recorded after def was applied at the given time.
func StateFor(def *Definition, at time.Time) *State {
	return &State{
		Location:     def.Location,
		Name:         def.Name,
		Kind:         def.Kind,
		ContentHash:  def.ContentHash,
		Dependencies: append([]string(nil), def.DependencyRefs...),
		SyncedAt:     at,
	}
}

// Ref addresses an artifact on a target when only its identity is known,
// for example when dropping an orphan whose definition is gone.
type Ref struct {
	Kind     Kind   `json:"kind"`
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
}

// String implements fmt.Stringer.
func (r Ref) String() string {
	return fmt.Sprintf("%s/%s", r.Kind, r.Name)
}
