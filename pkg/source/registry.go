package source

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/artisync/pkg/artifact"
)

// PredeliveredPrefix starts the location of every bundled definition so that
// bundled and registry locations never collide.
const PredeliveredPrefix = "predelivered:"

// Entry is one declared location. Def is nil when the document could not be
// parsed, in which case Err holds the parse error.
type Entry struct {
	Location string
	Kind     artifact.Kind
	Origin   artifact.Origin
	Def      *artifact.Definition
	Err      error
}

// Registry provides the definitions declared by both sources: the
// predelivered bundle, registered once at startup, and the on-disk registry,
// scanned on every cycle.
type Registry struct {
	parser *Parser
	root   string
	logger zerolog.Logger

	mu           sync.RWMutex
	predelivered map[string]*Entry
	order        []string
}

// NewRegistry creates a registry reading mutable definitions below root.
// An empty root disables the on-disk registry.
func NewRegistry(parser *Parser, root string, logger zerolog.Logger) *Registry {
	return &Registry{
		parser:       parser,
		root:         root,
		logger:       logger.With().Str("component", "source-registry").Logger(),
		predelivered: make(map[string]*Entry),
	}
}

// Root returns the on-disk registry root.
func (r *Registry) Root() string {
	return r.root
}

// RegisterPredelivered reads and parses a bundled definition. The location is
// recorded as declared even when parsing fails, so a broken bundled document
// never causes its previously synchronized artifact to be cleaned up.
func (r *Registry) RegisterPredelivered(fsys fs.FS, name string) error {
	kind, ok := artifact.KindForPath(name)
	if !ok {
		return fmt.Errorf("unrecognized definition file: %s", name)
	}

	location := PredeliveredPrefix + name
	entry := &Entry{Location: location, Kind: kind, Origin: artifact.OriginPredelivered}

	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		entry.Err = artifact.NewParseError(location, err).WithArtifact(kind, "", location)
	} else {
		entry.Def, entry.Err = r.parser.Parse(location, kind, artifact.OriginPredelivered, content)
	}

	r.mu.Lock()
	if _, exists := r.predelivered[location]; !exists {
		r.order = append(r.order, location)
	}
	r.predelivered[location] = entry
	r.mu.Unlock()

	return entry.Err
}

// RegisterBundle registers every definition file below root in fsys.
// Documents that fail to parse are logged and skipped. It returns the
// number of definitions registered successfully.
func (r *Registry) RegisterBundle(fsys fs.FS, root string) (int, error) {
	registered := 0
	err := fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := artifact.KindForPath(p); !ok {
			return nil
		}

		if err := r.RegisterPredelivered(fsys, p); err != nil {
			r.logger.Warn().Err(err).Str("location", PredeliveredPrefix+p).
				Msg("Skipping predelivered definition")
			return nil
		}
		registered++
		return nil
	})
	if err != nil {
		return registered, fmt.Errorf("failed to walk bundle %s: %w", root, err)
	}

	r.logger.Debug().Int("count", registered).Str("root", root).Msg("Registered predelivered definitions")
	return registered, nil
}

// Predelivered returns the bundled entries of the given kinds in
// registration order.
func (r *Registry) Predelivered(kinds []artifact.Kind) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	want := kindSet(kinds)
	out := make([]Entry, 0, len(r.order))
	for _, location := range r.order {
		entry := r.predelivered[location]
		if want[entry.Kind] {
			out = append(out, *entry)
		}
	}
	return out
}

// ScanRegistry walks the on-disk registry and parses every definition of the
// given kinds in lexical path order. Parse failures are carried on the
// returned entries. A missing root yields no entries.
func (r *Registry) ScanRegistry(ctx context.Context, kinds []artifact.Kind) ([]Entry, error) {
	if r.root == "" {
		return nil, nil
	}
	if _, err := os.Stat(r.root); os.IsNotExist(err) {
		r.logger.Debug().Str("root", r.root).Msg("Registry root does not exist")
		return nil, nil
	}

	want := kindSet(kinds)
	var entries []Entry

	err := filepath.WalkDir(r.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if p != r.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}

		kind, ok := artifact.KindForPath(d.Name())
		if !ok || !want[kind] {
			return nil
		}

		rel, err := filepath.Rel(r.root, p)
		if err != nil {
			return err
		}
		location := filepath.ToSlash(rel)
		entry := Entry{Location: location, Kind: kind, Origin: artifact.OriginRegistry}

		content, err := os.ReadFile(p)
		if err != nil {
			entry.Err = artifact.NewParseError(location, err).WithArtifact(kind, "", location)
		} else {
			entry.Def, entry.Err = r.parser.Parse(location, kind, artifact.OriginRegistry, content)
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan registry %s: %w", r.root, err)
	}

	return entries, nil
}

// Declares reports whether any source still declares location. Cleanup asks
// this before dropping an artifact the current cycle did not see.
func (r *Registry) Declares(_ context.Context, location string) bool {
	r.mu.RLock()
	_, bundled := r.predelivered[location]
	r.mu.RUnlock()
	if bundled {
		return true
	}
	if strings.HasPrefix(location, PredeliveredPrefix) || r.root == "" {
		return false
	}

	clean := path.Clean(location)
	if clean == "." || strings.HasPrefix(clean, "../") || path.IsAbs(clean) {
		return false
	}

	_, err := os.Stat(filepath.Join(r.root, filepath.FromSlash(clean)))
	return err == nil
}

func kindSet(kinds []artifact.Kind) map[artifact.Kind]bool {
	set := make(map[artifact.Kind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return set
}
