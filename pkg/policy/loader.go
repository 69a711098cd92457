package policy

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DefaultReloadDelay is how long the loader waits after the last change
// before reloading.
const DefaultReloadDelay = 500 * time.Millisecond

// Loader reads custom admission policies from files and directories.
//
// Two file formats are recognised. A .rego file is a single policy named
// after the file; its leading comment block is the description and may
// carry "severity:" and "kinds:" annotations:
//
//	# Application tables use the app_ prefix.
//	# severity: error
//	# kinds: table
//	package artisync.custom.prefix
//
// A .yaml or .yml manifest declares a policy explicitly and either embeds
// the module under "rego" or points at a file with "module", resolved
// relative to the manifest.
type Loader struct {
	logger zerolog.Logger

	// ReloadDelay debounces bursts of file events during Watch.
	ReloadDelay time.Duration

	// now stamps loaded policies.
	now func() time.Time
}

// manifest is the YAML form of a custom policy.
type manifest struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Severity    Severity `yaml:"severity"`
	Kinds       []string `yaml:"kinds"`
	Tags        []string `yaml:"tags"`
	Enabled     *bool    `yaml:"enabled"`
	Rego        string   `yaml:"rego"`
	Module      string   `yaml:"module"`
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:      logger.With().Str("component", "policy-loader").Logger(),
		ReloadDelay: DefaultReloadDelay,
		now:         time.Now,
	}
}

// LoadFromPaths loads every policy below the given files and directories.
// Directories are walked in lexical order and hidden directories skipped.
// A file that fails to load inside a directory is logged and skipped; an
// explicitly listed file that fails is an error, as is a policy name
// defined twice.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	seen := make(map[string]string)

	for _, path := range paths {
		loaded, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		for _, p := range loaded {
			if prev, dup := seen[p.Name]; dup {
				return nil, fmt.Errorf("policy %s defined in both %s and %s", p.Name, prev, p.Source)
			}
			seen[p.Name] = p.Source
			policies = append(policies, p)
		}
	}

	l.logger.Info().
		Int("total", len(policies)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return policies, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	if !info.IsDir() {
		p, err := l.loadFile(path)
		if err != nil {
			return nil, err
		}
		return []Policy{*p}, nil
	}

	var policies []Policy
	err = filepath.WalkDir(path, func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if file != path && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !isPolicyFile(file) || referencedModule(file) {
			return nil
		}

		p, err := l.loadFile(file)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", file).Msg("Skipping invalid policy file")
			return nil
		}
		policies = append(policies, *p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return policies, nil
}

// loadFile reads one policy file.
func (l *Loader) loadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var p *Policy
	switch filepath.Ext(path) {
	case ".rego":
		p, err = l.parseRego(path, data)
	case ".yaml", ".yml":
		p, err = l.parseManifest(path, data)
	default:
		return nil, fmt.Errorf("unsupported policy file: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	l.logger.Debug().
		Str("path", path).
		Str("policy", p.Name).
		Str("severity", string(p.Severity)).
		Msg("Policy loaded from file")

	return p, nil
}

func (l *Loader) parseRego(path string, data []byte) (*Policy, error) {
	header := parseHeader(string(data))
	if header.err != nil {
		return nil, header.err
	}

	severity := header.severity
	if severity == "" {
		severity = SeverityWarning
	}

	now := l.now()
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: header.description,
		Rego:        string(data),
		Severity:    severity,
		Enabled:     true,
		Kinds:       header.kinds,
		Source:      path,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (l *Loader) parseManifest(path string, data []byte) (*Policy, error) {
	var m manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("invalid policy manifest: %w", err)
	}

	if m.Name == "" {
		return nil, fmt.Errorf("policy manifest has no name")
	}
	switch {
	case m.Rego != "" && m.Module != "":
		return nil, fmt.Errorf("policy %s sets both rego and module", m.Name)
	case m.Module != "":
		module := m.Module
		if !filepath.IsAbs(module) {
			module = filepath.Join(filepath.Dir(path), module)
		}
		src, err := os.ReadFile(module)
		if err != nil {
			return nil, fmt.Errorf("policy %s: failed to read module: %w", m.Name, err)
		}
		m.Rego = string(src)
	case m.Rego == "":
		return nil, fmt.Errorf("policy %s has no rego module", m.Name)
	}

	if m.Severity == "" {
		m.Severity = SeverityWarning
	}
	if !m.Severity.Valid() {
		return nil, fmt.Errorf("policy %s: unknown severity %q", m.Name, m.Severity)
	}

	enabled := true
	if m.Enabled != nil {
		enabled = *m.Enabled
	}

	now := l.now()
	return &Policy{
		Name:        m.Name,
		Description: m.Description,
		Rego:        m.Rego,
		Severity:    m.Severity,
		Enabled:     enabled,
		Kinds:       m.Kinds,
		Tags:        m.Tags,
		Source:      path,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// regoHeader is what the leading comment block of a .rego file declares.
type regoHeader struct {
	description string
	severity    Severity
	kinds       []string
	err         error
}

// parseHeader reads the comments before the first statement of a module.
func parseHeader(content string) regoHeader {
	var h regoHeader
	var desc []string

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}

		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		key, value, found := strings.Cut(comment, ":")
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "severity":
			if found {
				h.severity = Severity(strings.ToLower(strings.TrimSpace(value)))
				if !h.severity.Valid() {
					h.err = fmt.Errorf("unknown severity %q", h.severity)
				}
				continue
			}
		case "kinds":
			if found {
				for _, k := range strings.Split(value, ",") {
					if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
						h.kinds = append(h.kinds, k)
					}
				}
				continue
			}
		}
		if comment != "" {
			desc = append(desc, comment)
		}
	}

	h.description = strings.Join(desc, " ")
	return h
}

// Watch reloads the policies below paths whenever a policy file changes and
// hands the new set to apply. Directories created later are watched too.
// The watcher stops when ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	watched := 0
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}
		if info.IsDir() {
			err = addTree(watcher, path)
		} else {
			// Editors replace files, so watch the parent of a single file.
			err = watcher.Add(filepath.Dir(path))
		}
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch path")
			continue
		}
		watched++
	}

	go l.processEvents(ctx, watcher, paths, apply)

	l.logger.Info().Int("paths", watched).Msg("Watching policy paths")
	return nil
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, apply func([]Policy) error) {
	defer watcher.Close()

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(l.ReloadDelay, func() {
			if ctx.Err() != nil {
				return
			}
			if err := l.reload(ctx, paths, apply); err != nil {
				l.logger.Error().Err(err).Msg("Failed to reload policies, keeping the current set")
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addTree(watcher, event.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
					}
					schedule()
					continue
				}
			}
			if !isPolicyFile(event.Name) {
				continue
			}
			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")
			schedule()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, apply func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	if err := apply(policies); err != nil {
		return err
	}

	names := make([]string, len(policies))
	for i, p := range policies {
		names[i] = p.Name
	}
	sort.Strings(names)
	l.logger.Info().Strs("policies", names).Msg("Policies reloaded")
	return nil
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".yaml", ".yml":
		return true
	}
	return false
}

// referencedModule reports whether a .rego file sits next to a manifest
// of the same base name, in which case the manifest owns it.
func referencedModule(path string) bool {
	if filepath.Ext(path) != ".rego" {
		return false
	}
	base := strings.TrimSuffix(path, ".rego")
	for _, ext := range []string{".yaml", ".yml"} {
		if _, err := os.Stat(base + ext); err == nil {
			return true
		}
	}
	return false
}
