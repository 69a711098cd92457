package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/artisync/pkg/artifact"
	"github.com/openfroyo/artisync/pkg/policy"
	"github.com/openfroyo/artisync/pkg/source"
	"github.com/openfroyo/artisync/pkg/stores"
)

// recordingTarget keeps objects in memory and records every call as
// "op:name".
type recordingTarget struct {
	mu      sync.Mutex
	calls   []string
	objects map[string]bool
	rows    map[string]int64
	fail    map[string]error
	panicOn string
}

func newRecordingTarget() *recordingTarget {
	return &recordingTarget{
		objects: make(map[string]bool),
		rows:    make(map[string]int64),
		fail:    make(map[string]error),
	}
}

func (t *recordingTarget) record(op, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	call := op + ":" + name
	t.calls = append(t.calls, call)
	if call == t.panicOn {
		panic("target exploded on " + call)
	}
	return t.fail[call]
}

func (t *recordingTarget) Exists(_ context.Context, ref artifact.Ref) (bool, error) {
	if err := t.record("exists", ref.Name); err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.objects[ref.Name], nil
}

func (t *recordingTarget) Create(_ context.Context, def *artifact.Definition) error {
	if err := t.record("create", def.Name); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.objects[def.Name] = true
	return nil
}

func (t *recordingTarget) Alter(_ context.Context, def *artifact.Definition) error {
	return t.record("alter", def.Name)
}

func (t *recordingTarget) Drop(_ context.Context, ref artifact.Ref) error {
	if err := t.record("drop", ref.Name); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.objects, ref.Name)
	return nil
}

// mutations returns the create, alter and drop calls and clears the log.
func (t *recordingTarget) mutations() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []string
	for _, call := range t.calls {
		if strings.HasPrefix(call, "create:") || strings.HasPrefix(call, "alter:") || strings.HasPrefix(call, "drop:") {
			out = append(out, call)
		}
	}
	t.calls = nil
	return out
}

func (t *recordingTarget) allCalls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.calls
	t.calls = nil
	return out
}

// countingTarget adds row counts to a recordingTarget.
type countingTarget struct {
	*recordingTarget
}

func (t countingTarget) RowCount(_ context.Context, ref artifact.Ref) (int64, error) {
	if err := t.record("rows", ref.Name); err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rows[ref.Name], nil
}

// hidingSources leaves some locations out of the registry scan while the
// files stay on disk.
type hidingSources struct {
	*source.Registry
	hidden map[string]bool
}

func (s hidingSources) ScanRegistry(ctx context.Context, kinds []artifact.Kind) ([]source.Entry, error) {
	entries, err := s.Registry.ScanRegistry(ctx, kinds)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if !s.hidden[e.Location] {
			out = append(out, e)
		}
	}
	return out, nil
}

// slowSources measures how many cycles scan the registry at once.
type slowSources struct {
	*source.Registry

	mu          sync.Mutex
	inFlight    int
	maxInFlight int
}

func (s *slowSources) ScanRegistry(ctx context.Context, kinds []artifact.Kind) ([]source.Entry, error) {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	s.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
	return s.Registry.ScanRegistry(ctx, kinds)
}

var allKinds = artifact.AllKinds()

type testEnv struct {
	t        *testing.T
	ctx      context.Context
	root     string
	registry *source.Registry
	store    *stores.SQLiteStore
	target   *recordingTarget
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	ctx := context.Background()
	parser, err := source.NewParser()
	if err != nil {
		t.Fatalf("Failed to create parser: %v", err)
	}
	root := t.TempDir()

	store, err := stores.Open(ctx, stores.Config{Path: stores.MemoryPath})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return &testEnv{
		t:        t,
		ctx:      ctx,
		root:     root,
		registry: source.NewRegistry(parser, root, zerolog.Nop()),
		store:    store,
		target:   newRecordingTarget(),
	}
}

// options returns engine options sending every kind to target.
func (env *testEnv) options(target Target) Options {
	targets := make(map[artifact.Kind]Target)
	for _, kind := range allKinds {
		targets[kind] = target
	}
	return Options{
		Group:   Group{Name: "persistence", Kinds: allKinds},
		Targets: targets,
		Store:   env.store,
		Sources: env.registry,
		Runs:    env.store,
		Logger:  zerolog.Nop(),
	}
}

// engine creates an engine whose target counts rows.
func (env *testEnv) engine() *Engine {
	env.t.Helper()
	return env.engineWith(env.options(countingTarget{env.target}))
}

func (env *testEnv) engineWith(opts Options) *Engine {
	env.t.Helper()
	e, err := New(opts)
	if err != nil {
		env.t.Fatalf("Failed to create engine: %v", err)
	}
	return e
}

func (env *testEnv) write(rel, content string) {
	env.t.Helper()
	p := filepath.Join(env.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		env.t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		env.t.Fatalf("Failed to write %s: %v", rel, err)
	}
}

func (env *testEnv) remove(rel string) {
	env.t.Helper()
	if err := os.Remove(filepath.Join(env.root, filepath.FromSlash(rel))); err != nil {
		env.t.Fatalf("Failed to remove %s: %v", rel, err)
	}
}

// sync runs a cycle that must not abort.
func (env *testEnv) sync(e *Engine) *Report {
	env.t.Helper()
	report, err := e.Synchronize(env.ctx)
	if err != nil {
		env.t.Fatalf("Synchronize failed: %v", err)
	}
	if report == nil {
		env.t.Fatal("Expected a report")
	}
	return report
}

func (env *testEnv) state(location string) (*artifact.State, bool) {
	env.t.Helper()
	state, found, err := env.store.Find(env.ctx, location)
	if err != nil {
		env.t.Fatalf("Find failed: %v", err)
	}
	return state, found
}

func tableYAML(name string, refs ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "name: %s\ncolumns:\n  - name: id\n    type: INTEGER\n    primaryKey: true\n", name)
	for _, ref := range refs {
		fmt.Fprintf(&b, "  - name: %s_id\n    type: INTEGER\n", ref)
	}
	if len(refs) > 0 {
		b.WriteString("foreignKeys:\n")
		for _, ref := range refs {
			fmt.Fprintf(&b, "  - columns: [%s_id]\n    references:\n      table: %s\n      columns: [id]\n", ref, ref)
		}
	}
	return b.String()
}

func viewYAML(name string, from ...string) string {
	return fmt.Sprintf("name: %s\nquery: SELECT * FROM %s\nfrom: [%s]\n", name, from[0], strings.Join(from, ", "))
}

func extensionPointYAML(name string, dependsOn ...string) string {
	s := fmt.Sprintf("name: %s\ndescription: %s hook\n", name, name)
	if len(dependsOn) > 0 {
		s += fmt.Sprintf("dependsOn: [%s]\n", strings.Join(dependsOn, ", "))
	}
	return s
}

func extensionYAML(name, point string) string {
	return fmt.Sprintf("name: %s\nextensionPoint: %s\nmodule: modules/%s\n", name, point, name)
}

func expectCalls(t *testing.T, label string, got, want []string) {
	t.Helper()
	if len(got) == 0 && len(want) == 0 {
		return
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("%s: expected calls %v, got %v", label, want, got)
	}
}

func expectCodes(t *testing.T, report *Report, want ...string) {
	t.Helper()
	var got []string
	for _, e := range report.Errors {
		got = append(got, e.Code)
	}
	if len(got) == 0 && len(want) == 0 {
		return
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected error codes %v, got %v", want, got)
	}
}

func artifactReport(t *testing.T, report *Report, location string) ArtifactReport {
	t.Helper()
	for _, a := range report.Artifacts {
		if a.Location == location {
			return a
		}
	}
	t.Fatalf("No report for %s", location)
	return ArtifactReport{}
}

func TestNew_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{"missing group name", func(o *Options) { o.Group.Name = "" }},
		{"no kinds", func(o *Options) { o.Group.Kinds = nil }},
		{"missing store", func(o *Options) { o.Store = nil }},
		{"missing sources", func(o *Options) { o.Sources = nil }},
		{"unknown kind", func(o *Options) { o.Group.Kinds = []artifact.Kind{"sequence"} }},
		{"missing target", func(o *Options) { delete(o.Targets, artifact.KindView) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := env.options(env.target)
			tt.modify(&opts)
			if _, err := New(opts); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestSynchronize_DependencyOrder(t *testing.T) {
	env := newTestEnv(t)
	env.write("customers.table", tableYAML("customers"))
	env.write("orders.table", tableYAML("orders", "customers"))
	env.write("open_orders.view", viewYAML("open_orders", "orders"))

	report := env.sync(env.engine())

	expectCalls(t, "first cycle", env.target.allCalls(), []string{
		"drop:open_orders",
		"exists:customers",
		"create:customers",
		"exists:orders",
		"create:orders",
		"create:open_orders",
	})
	expectCodes(t, report)

	if report.Status != stores.RunStatusCompleted {
		t.Errorf("Expected status completed, got %s", report.Status)
	}
	if !reflect.DeepEqual(report.Order, []string{"customers", "orders", "open_orders"}) {
		t.Errorf("Unexpected order: %v", report.Order)
	}
	if report.Counts[string(artifact.ClassNew)] != 3 {
		t.Errorf("Expected 3 new artifacts, got %d", report.Counts[string(artifact.ClassNew)])
	}
	if report.Counts[CountApplied] != 3 {
		t.Errorf("Expected 3 applied artifacts, got %d", report.Counts[CountApplied])
	}

	for _, loc := range []string{"customers.table", "orders.table", "open_orders.view"} {
		if a := artifactReport(t, report, loc); a.Status != artifact.StatusSynchronized {
			t.Errorf("Expected %s synchronized, got %s", loc, a.Status)
		}
		if _, found := env.state(loc); !found {
			t.Errorf("Expected state for %s", loc)
		}
	}
}

func TestSynchronize_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	env.write("customers.table", tableYAML("customers"))
	env.write("customers_view.view", viewYAML("customers_view", "customers"))
	e := env.engine()

	env.sync(e)
	env.target.allCalls()
	first, _ := env.state("customers.table")

	report := env.sync(e)

	expectCalls(t, "second cycle", env.target.allCalls(), nil)
	if report.Counts[string(artifact.ClassUnchanged)] != 2 {
		t.Errorf("Expected 2 unchanged artifacts, got %d", report.Counts[string(artifact.ClassUnchanged)])
	}
	if report.Counts[CountApplied] != 0 {
		t.Errorf("Expected nothing applied, got %d", report.Counts[CountApplied])
	}

	second, _ := env.state("customers.table")
	if !first.SyncedAt.Equal(second.SyncedAt) {
		t.Errorf("Expected state untouched, synced at %v then %v", first.SyncedAt, second.SyncedAt)
	}
}

func TestSynchronize_ExtensionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.write("hooks/a.extensionpoint", extensionPointYAML("a"))
	env.write("hooks/b.extension", extensionYAML("b", "a"))
	e := env.engine()

	env.sync(e)
	expectCalls(t, "install", env.target.mutations(), []string{"create:a", "create:b"})

	env.remove("hooks/b.extension")
	report := env.sync(e)

	expectCalls(t, "uninstall", env.target.mutations(), []string{"drop:b"})
	if !reflect.DeepEqual(report.Removed, []string{"hooks/b.extension"}) {
		t.Errorf("Expected b removed, got %v", report.Removed)
	}
	if report.Counts[CountDeleted] != 1 {
		t.Errorf("Expected 1 deleted artifact, got %d", report.Counts[CountDeleted])
	}
	if _, found := env.state("hooks/b.extension"); found {
		t.Error("Expected state of b to be deleted")
	}
	if _, found := env.state("hooks/a.extensionpoint"); !found {
		t.Error("Expected state of a to be kept")
	}
}

func TestSynchronize_RecreatesEmptyTableAndDependentView(t *testing.T) {
	env := newTestEnv(t)
	env.write("t.table", tableYAML("t"))
	env.write("v.view", viewYAML("v", "t"))
	e := env.engine()
	env.sync(e)
	env.target.allCalls()

	env.write("t.table", tableYAML("t")+"  - name: label\n    type: TEXT\n")
	report := env.sync(e)

	expectCalls(t, "modified table", env.target.mutations(), []string{"drop:v", "drop:t", "create:t", "create:v"})
	expectCodes(t, report)

	if report.Counts[string(artifact.ClassModified)] != 1 {
		t.Errorf("Expected 1 modified artifact, got %d", report.Counts[string(artifact.ClassModified)])
	}
	if report.Counts[CountRefreshed] != 1 {
		t.Errorf("Expected 1 refreshed artifact, got %d", report.Counts[CountRefreshed])
	}
	if v := artifactReport(t, report, "v.view"); !v.Refreshed || v.Classification != artifact.ClassUnchanged {
		t.Errorf("Expected v to be an unchanged refreshed artifact, got %+v", v)
	}
}

func TestSynchronize_FailedRefreshIsRetried(t *testing.T) {
	env := newTestEnv(t)
	env.write("t.table", tableYAML("t"))
	env.write("v.view", viewYAML("v", "t"))
	e := env.engine()
	env.sync(e)
	env.target.allCalls()

	env.write("t.table", tableYAML("t")+"  - name: label\n    type: TEXT\n")
	env.target.fail["create:v"] = errors.New("view compilation failed")
	report := env.sync(e)

	expectCalls(t, "failed refresh", env.target.mutations(), []string{"drop:v", "drop:t", "create:t", "create:v"})
	expectCodes(t, report, artifact.CodeApplyFailed)
	state, found := env.state("v.view")
	if !found {
		t.Fatal("Expected state of v to be kept")
	}
	if state.ContentHash != "" {
		t.Errorf("Expected the stored hash of v to be cleared, got %q", state.ContentHash)
	}

	delete(env.target.fail, "create:v")
	report = env.sync(e)

	expectCalls(t, "retried refresh", env.target.mutations(), []string{"drop:v", "create:v"})
	expectCodes(t, report)
	if v := artifactReport(t, report, "v.view"); v.Classification != artifact.ClassModified {
		t.Errorf("Expected v to be classified modified, got %s", v.Classification)
	}
	if !env.target.objects["v"] {
		t.Error("Expected v to exist on the target again")
	}
	if state, _ := env.state("v.view"); state.ContentHash == "" {
		t.Error("Expected the stored hash of v to be restored")
	}

	report = env.sync(e)
	expectCalls(t, "settled", env.target.mutations(), nil)
	if report.Counts[string(artifact.ClassUnchanged)] != 2 {
		t.Errorf("Expected 2 unchanged artifacts, got counts %v", report.Counts)
	}
}

func TestSynchronize_PopulatedTableAlterUnsupported(t *testing.T) {
	env := newTestEnv(t)
	env.write("t.table", tableYAML("t"))
	env.write("v.view", viewYAML("v", "t"))
	e := env.engine()
	env.sync(e)
	env.target.allCalls()
	before, _ := env.state("t.table")

	env.target.rows["t"] = 12
	env.target.fail["alter:t"] = fmt.Errorf("cannot alter table t: %w", artifact.ErrUnsupportedOperation)
	env.write("t.table", tableYAML("t")+"  - name: label\n    type: TEXT\n")

	report := env.sync(e)

	expectCalls(t, "populated table", env.target.mutations(), []string{"drop:v", "alter:t", "create:v"})
	expectCodes(t, report, artifact.CodeUnsupportedOperation)

	if report.Status != stores.RunStatusPartial {
		t.Errorf("Expected status partial, got %s", report.Status)
	}
	if report.Errors[0].Operation != OpAlter {
		t.Errorf("Expected failed operation %s, got %s", OpAlter, report.Errors[0].Operation)
	}
	after, _ := env.state("t.table")
	if after.ContentHash != before.ContentHash {
		t.Error("Expected state of t to keep the previous hash")
	}
	if a := artifactReport(t, report, "t.table"); a.Status != artifact.StatusFailed {
		t.Errorf("Expected t failed, got %s", a.Status)
	}

	// Still modified on the next cycle.
	delete(env.target.fail, "alter:t")
	report = env.sync(e)
	if report.Counts[string(artifact.ClassModified)] != 1 {
		t.Errorf("Expected t retried as modified, got counts %v", report.Counts)
	}
}

func TestSynchronize_AlterWithoutRowCounter(t *testing.T) {
	env := newTestEnv(t)
	env.write("settings.extensionpoint", extensionPointYAML("settings"))
	e := env.engineWith(env.options(env.target))
	env.sync(e)
	env.target.allCalls()

	env.write("settings.extensionpoint", "name: settings\ndescription: reworked\n")
	env.sync(e)

	expectCalls(t, "modified", env.target.allCalls(), []string{"exists:settings", "alter:settings"})
}

func TestSynchronize_RenamedView(t *testing.T) {
	env := newTestEnv(t)
	env.write("t.table", tableYAML("t"))
	env.write("v.view", viewYAML("v", "t"))
	e := env.engine()
	env.sync(e)
	env.target.allCalls()

	env.write("v.view", viewYAML("v2", "t"))
	report := env.sync(e)

	expectCalls(t, "renamed view", env.target.mutations(), []string{"drop:v2", "drop:v", "create:v2"})
	state, _ := env.state("v.view")
	if state.Name != "v2" {
		t.Errorf("Expected stored name v2, got %s", state.Name)
	}
	if report.Counts[string(artifact.ClassModified)] != 1 {
		t.Errorf("Expected 1 modified artifact, got %d", report.Counts[string(artifact.ClassModified)])
	}
}

func TestSynchronize_CycleUsesBestEffortOrder(t *testing.T) {
	env := newTestEnv(t)
	env.write("a.extensionpoint", extensionPointYAML("a", "b"))
	env.write("b.extensionpoint", extensionPointYAML("b", "a"))

	report := env.sync(env.engine())

	if !report.Degraded {
		t.Error("Expected degraded order")
	}
	if len(report.Cycle) == 0 {
		t.Error("Expected the cycle to be reported")
	}
	if !reflect.DeepEqual(report.Order, []string{"a", "b"}) {
		t.Errorf("Expected order [a b], got %v", report.Order)
	}
	expectCalls(t, "cycle", env.target.mutations(), []string{"create:a", "create:b"})
	expectCodes(t, report)
	if report.Status != stores.RunStatusCompleted {
		t.Errorf("Expected status completed, got %s", report.Status)
	}
}

func TestSynchronize_CycleKeepsOrderOfAcyclicArtifacts(t *testing.T) {
	env := newTestEnv(t)
	env.write("a_orders.table", tableYAML("orders", "customers"))
	env.write("b_customers.table", tableYAML("customers"))
	env.write("c1.extensionpoint", extensionPointYAML("c1", "c2"))
	env.write("c2.extensionpoint", extensionPointYAML("c2", "c1"))

	report := env.sync(env.engine())

	if !report.Degraded {
		t.Error("Expected degraded order")
	}
	if !reflect.DeepEqual(report.Order, []string{"customers", "orders", "c1", "c2"}) {
		t.Errorf("Expected order [customers orders c1 c2], got %v", report.Order)
	}
	expectCalls(t, "cycle with acyclic tables", env.target.mutations(), []string{
		"create:customers",
		"create:orders",
		"create:c1",
		"create:c2",
	})
	expectCodes(t, report)
}

func TestSynchronize_FormattingChangeIsUnchanged(t *testing.T) {
	env := newTestEnv(t)
	env.write("t.table", tableYAML("t"))
	e := env.engine()
	env.sync(e)
	env.target.allCalls()

	env.write("t.table", "# reformatted\ncolumns:\n- {name: id, type: INTEGER, primaryKey: true}\nname:   t\n")
	report := env.sync(e)

	if report.Counts[string(artifact.ClassUnchanged)] != 1 {
		t.Errorf("Expected unchanged, got counts %v", report.Counts)
	}
	expectCalls(t, "reformatted", env.target.mutations(), nil)
}

func TestSynchronize_CleanupSkipsRestoredFile(t *testing.T) {
	env := newTestEnv(t)
	env.write("t.table", tableYAML("t"))
	env.sync(env.engine())
	env.target.allCalls()

	opts := env.options(countingTarget{env.target})
	opts.Sources = hidingSources{Registry: env.registry, hidden: map[string]bool{"t.table": true}}
	report := env.sync(env.engineWith(opts))

	expectCalls(t, "restored", env.target.mutations(), nil)
	if len(report.Removed) != 0 {
		t.Errorf("Expected nothing removed, got %v", report.Removed)
	}
	if _, found := env.state("t.table"); !found {
		t.Error("Expected state of t to be kept")
	}
}

func TestSynchronize_CleanupDropsDependentsFirst(t *testing.T) {
	env := newTestEnv(t)
	env.write("customers.table", tableYAML("customers"))
	env.write("orders.table", tableYAML("orders", "customers"))
	env.write("keep.table", tableYAML("keep"))
	e := env.engine()
	env.sync(e)
	env.target.allCalls()

	if state, _ := env.state("orders.table"); !reflect.DeepEqual(state.Dependencies, []string{"customers"}) {
		t.Fatalf("Expected stored dependencies [customers], got %v", state.Dependencies)
	}

	env.remove("customers.table")
	env.remove("orders.table")
	report := env.sync(e)

	expectCalls(t, "cleanup", env.target.mutations(), []string{"drop:orders", "drop:customers"})
	if !reflect.DeepEqual(report.Removed, []string{"orders.table", "customers.table"}) {
		t.Errorf("Expected [orders.table customers.table] removed, got %v", report.Removed)
	}
	expectCodes(t, report)
}

func TestSynchronize_CleanupDropsDerivedFirst(t *testing.T) {
	env := newTestEnv(t)
	env.write("a.table", tableYAML("a"))
	env.write("z.view", viewYAML("z", "a"))
	e := env.engine()
	env.sync(e)
	env.target.allCalls()

	env.remove("a.table")
	env.remove("z.view")
	env.sync(e)

	expectCalls(t, "cleanup", env.target.mutations(), []string{"drop:z", "drop:a"})
}

func TestSynchronize_FailedDropKeepsState(t *testing.T) {
	env := newTestEnv(t)
	env.write("t.table", tableYAML("t"))
	e := env.engine()
	env.sync(e)

	env.remove("t.table")
	env.target.fail["drop:t"] = errors.New("object locked")
	report := env.sync(e)

	expectCodes(t, report, artifact.CodeApplyFailed)
	if _, found := env.state("t.table"); !found {
		t.Fatal("Expected state of t to be kept after a failed drop")
	}

	delete(env.target.fail, "drop:t")
	report = env.sync(e)
	expectCodes(t, report)
	if _, found := env.state("t.table"); found {
		t.Error("Expected state of t to be deleted on retry")
	}
}

func TestSynchronize_NamingConflicts(t *testing.T) {
	t.Run("predelivered wins", func(t *testing.T) {
		env := newTestEnv(t)
		bundle := fstest.MapFS{"defs/customers.table": {Data: []byte(tableYAML("customers"))}}
		if err := env.registry.RegisterPredelivered(bundle, "defs/customers.table"); err != nil {
			t.Fatalf("RegisterPredelivered failed: %v", err)
		}
		env.write("customers.table", tableYAML("customers"))

		report := env.sync(env.engine())

		expectCodes(t, report, artifact.CodeNamingConflict)
		if report.Errors[0].Location != "customers.table" {
			t.Errorf("Expected the registry definition to conflict, got %s", report.Errors[0].Location)
		}
		expectCalls(t, "conflict", env.target.mutations(), []string{"create:customers"})
		if _, found := env.state("predelivered:defs/customers.table"); !found {
			t.Error("Expected the predelivered definition to be synchronized")
		}
	})

	t.Run("first registry file wins", func(t *testing.T) {
		env := newTestEnv(t)
		env.write("a.table", tableYAML("t"))
		env.write("b.table", tableYAML("t"))

		report := env.sync(env.engine())

		expectCodes(t, report, artifact.CodeNamingConflict)
		if report.Counts[string(artifact.ClassConflict)] != 1 {
			t.Errorf("Expected 1 conflict, got %d", report.Counts[string(artifact.ClassConflict)])
		}
		if _, found := env.state("b.table"); found {
			t.Error("Expected no state for the conflicting definition")
		}
	})

	t.Run("persisted owner", func(t *testing.T) {
		env := newTestEnv(t)
		env.write("a.table", tableYAML("t"))
		e := env.engine()
		env.sync(e)

		env.remove("a.table")
		env.write("c.table", tableYAML("t"))
		report := env.sync(e)

		expectCodes(t, report, artifact.CodeNamingConflict)
		if !reflect.DeepEqual(report.Removed, []string{"a.table"}) {
			t.Errorf("Expected the orphaned owner removed, got %v", report.Removed)
		}

		report = env.sync(e)
		expectCodes(t, report)
		if _, found := env.state("c.table"); !found {
			t.Error("Expected c to be synchronized once the name was released")
		}
	})
}

func TestSynchronize_ParseErrorKeepsState(t *testing.T) {
	env := newTestEnv(t)
	env.write("t.table", tableYAML("t"))
	e := env.engine()
	env.sync(e)
	env.target.allCalls()

	env.write("t.table", "name: [")
	report := env.sync(e)

	expectCodes(t, report, artifact.CodeParse)
	if report.Counts[CountParseErrors] != 1 {
		t.Errorf("Expected 1 parse error, got %d", report.Counts[CountParseErrors])
	}
	expectCalls(t, "parse error", env.target.mutations(), nil)
	if _, found := env.state("t.table"); !found {
		t.Error("Expected state of t to be kept")
	}
}

func TestSynchronize_FailedArtifactRetried(t *testing.T) {
	env := newTestEnv(t)
	env.write("customers.table", tableYAML("customers"))
	env.write("orders.table", tableYAML("orders", "customers"))
	e := env.engine()

	env.target.fail["create:customers"] = errors.New("disk full")
	report := env.sync(e)

	expectCodes(t, report, artifact.CodeApplyFailed)
	if report.Counts[CountFailed] != 1 {
		t.Errorf("Expected 1 failed artifact, got %d", report.Counts[CountFailed])
	}
	if _, found := env.state("customers.table"); found {
		t.Error("Expected no state for the failed artifact")
	}
	if _, found := env.state("orders.table"); !found {
		t.Error("Expected the dependent to be applied anyway")
	}

	delete(env.target.fail, "create:customers")
	report = env.sync(e)

	expectCodes(t, report)
	if report.Counts[string(artifact.ClassNew)] != 1 {
		t.Errorf("Expected customers retried as new, got counts %v", report.Counts)
	}
	if _, found := env.state("customers.table"); !found {
		t.Error("Expected state for customers after retry")
	}
}

func TestSynchronize_PanicBecomesCoordinatorError(t *testing.T) {
	env := newTestEnv(t)
	env.write("t.table", tableYAML("t"))
	env.target.panicOn = "create:t"
	e := env.engine()

	report, err := e.Synchronize(env.ctx)
	if !artifact.IsCoordinatorError(err) {
		t.Fatalf("Expected coordinator error, got %v", err)
	}
	if report == nil || report.Status != stores.RunStatusFailed {
		t.Fatalf("Expected failed report, got %+v", report)
	}
	expectCodes(t, report, artifact.CodeCoordinator)

	// The engine is usable afterwards.
	env.target.panicOn = ""
	env.sync(e)
	if _, found := env.state("t.table"); !found {
		t.Error("Expected t to be synchronized after recovery")
	}
}

func TestSynchronize_StoreFailureAborts(t *testing.T) {
	env := newTestEnv(t)
	env.write("t.table", tableYAML("t"))
	e := env.engine()
	if err := env.store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	report, err := e.Synchronize(env.ctx)
	if !artifact.IsCoordinatorError(err) {
		t.Fatalf("Expected coordinator error, got %v", err)
	}
	if report.Status != stores.RunStatusFailed {
		t.Errorf("Expected status failed, got %s", report.Status)
	}
	expectCalls(t, "store failure", env.target.mutations(), nil)
}

func TestSynchronize_PolicyRejection(t *testing.T) {
	env := newTestEnv(t)
	env.write("orders.table", tableYAML("Orders"))
	env.write("customers.table", tableYAML("customers"))

	policies, err := policy.NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create policy engine: %v", err)
	}
	opts := env.options(countingTarget{env.target})
	opts.Policies = policies

	report := env.sync(env.engineWith(opts))

	expectCodes(t, report, artifact.CodePolicyViolation)
	if report.Counts[CountRejected] != 1 {
		t.Errorf("Expected 1 rejected artifact, got %d", report.Counts[CountRejected])
	}
	expectCalls(t, "rejection", env.target.mutations(), []string{"create:customers"})
	if _, found := env.state("orders.table"); found {
		t.Error("Expected no state for the rejected artifact")
	}
	if a := artifactReport(t, report, "orders.table"); a.Status != artifact.StatusFailed {
		t.Errorf("Expected rejected artifact failed, got %s", a.Status)
	}
}

func TestPlan_TouchesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.write("a.table", tableYAML("a"))
	env.write("b.table", tableYAML("b"))
	e := env.engine()
	env.sync(e)
	env.target.allCalls()

	env.remove("b.table")
	env.write("c.table", tableYAML("c"))

	report, err := e.Plan(env.ctx)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	expectCalls(t, "plan", env.target.allCalls(), nil)
	if !report.DryRun {
		t.Error("Expected a dry run report")
	}
	if !reflect.DeepEqual(report.Removed, []string{"b.table"}) {
		t.Errorf("Expected b listed for removal, got %v", report.Removed)
	}
	if a := artifactReport(t, report, "c.table"); a.Classification != artifact.ClassNew {
		t.Errorf("Expected c classified new, got %s", a.Classification)
	}
	if _, found := env.state("b.table"); !found {
		t.Error("Expected state of b to be kept")
	}
	if _, found := env.state("c.table"); found {
		t.Error("Expected no state for c")
	}

	runs, err := env.store.ListRuns(env.ctx, "persistence", 10)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("Expected only the real cycle recorded, got %d runs", len(runs))
	}
}

func TestSynchronize_RecordsRun(t *testing.T) {
	env := newTestEnv(t)
	env.write("t.table", tableYAML("t"))

	report := env.sync(env.engine())

	run, err := env.store.GetRun(env.ctx, report.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != stores.RunStatusCompleted {
		t.Errorf("Expected run completed, got %s", run.Status)
	}
	if run.CompletedAt == nil {
		t.Error("Expected completion time")
	}
	if run.Counts[CountApplied] != 1 {
		t.Errorf("Expected 1 applied in run counts, got %d", run.Counts[CountApplied])
	}
	if !strings.Contains(report.Summary(), "persistence completed") {
		t.Errorf("Unexpected summary: %s", report.Summary())
	}
}

func TestSynchronize_Serialized(t *testing.T) {
	env := newTestEnv(t)
	env.write("t.table", tableYAML("t"))

	slow := &slowSources{Registry: env.registry}
	opts := env.options(countingTarget{env.target})
	opts.Sources = slow
	e := env.engineWith(opts)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Synchronize(env.ctx); err != nil {
				t.Errorf("Synchronize failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if slow.maxInFlight != 1 {
		t.Errorf("Expected cycles to be serialized, got %d concurrent", slow.maxInFlight)
	}
	expectCalls(t, "serialized", env.target.mutations(), []string{"create:t"})
}

func TestSynchronize_IgnoresCancellation(t *testing.T) {
	env := newTestEnv(t)
	env.write("t.table", tableYAML("t"))

	ctx, cancel := context.WithCancel(env.ctx)
	cancel()

	report, err := env.engine().Synchronize(ctx)
	if err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}
	if report.Counts[CountApplied] != 1 {
		t.Errorf("Expected the cycle to complete, got counts %v", report.Counts)
	}
}

func TestGraph(t *testing.T) {
	env := newTestEnv(t)
	env.write("customers.table", tableYAML("customers"))
	env.write("orders.table", tableYAML("orders", "customers", "regions"))

	g, err := env.engine().Graph(env.ctx)
	if err != nil {
		t.Fatalf("Graph failed: %v", err)
	}
	if !reflect.DeepEqual(g.Dependencies("orders"), []string{"customers"}) {
		t.Errorf("Unexpected dependencies: %v", g.Dependencies("orders"))
	}
	if !reflect.DeepEqual(g.External(), []string{"regions"}) {
		t.Errorf("Unexpected external names: %v", g.External())
	}
}
