package refresh

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"symindex/internal/core/ports"
	"symindex/internal/data/cache"
	"symindex/internal/engine/callgraph"
	"symindex/internal/engine/claims"
	"symindex/internal/engine/depgraph"
	"symindex/internal/engine/hasher"
	"symindex/internal/engine/state"
	"symindex/internal/engine/symbols"
)

type extractFunc func(ctx context.Context, path string, args []string) (ports.Extraction, error)

type fakeExtractor struct {
	mu    sync.Mutex
	calls []string
	fns   map[string]extractFunc
}

func (f *fakeExtractor) set(base string, fn extractFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fns[base] = fn
}

func (f *fakeExtractor) Extract(ctx context.Context, path string, args []string) (ports.Extraction, error) {
	f.mu.Lock()
	f.calls = append(f.calls, filepath.Base(path))
	fn := f.fns[filepath.Base(path)]
	f.mu.Unlock()
	if fn == nil {
		return ports.Extraction{}, fmt.Errorf("no extractor for %s", path)
	}
	return fn(ctx, path, args)
}

func (f *fakeExtractor) count(base string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == base {
			n++
		}
	}
	return n
}

func (f *fakeExtractor) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeBuildDB struct {
	mu   sync.Mutex
	fp   string
	args map[string][]string
}

func (d *fakeBuildDB) CompileArgs(path string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.args[filepath.Base(path)]; ok {
		return a
	}
	return []string{"-std=c++17"}
}

func (d *fakeBuildDB) Fingerprint() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fp
}

func (d *fakeBuildDB) Degraded() bool { return false }

type fakeDiscovery struct {
	root string
}

func (d *fakeDiscovery) ListFiles(context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, filepath.Join(d.root, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (d *fakeDiscovery) IsProjectFile(path string) bool {
	return strings.HasPrefix(path, d.root+string(filepath.Separator))
}

type harness struct {
	t       *testing.T
	root    string
	store   *symbols.Store
	calls   *callgraph.Graph
	deps    *depgraph.Graph
	claims  *claims.Tracker
	machine *state.Machine
	cache   *cache.Cache
	ext     *fakeExtractor
	db      *fakeBuildDB
	orch    *Orchestrator
}

func newHarness(t *testing.T, root, cacheDir string, workers int, configFP string) *harness {
	t.Helper()
	c, err := cache.Open(cacheDir)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	h := &harness{
		t:       t,
		root:    root,
		store:   symbols.NewStore(symbols.DefaultOptions()),
		calls:   callgraph.New(),
		deps:    depgraph.New(),
		claims:  claims.NewTracker(),
		machine: state.NewMachine(),
		cache:   c,
		ext:     &fakeExtractor{fns: make(map[string]extractFunc)},
		db:      &fakeBuildDB{fp: "db-1", args: make(map[string][]string)},
	}
	h.orch = New(Components{
		Store:   h.store,
		Calls:   h.calls,
		Deps:    h.deps,
		Claims:  h.claims,
		Machine: h.machine,
		Cache:   c,
		State:   c.StateFile(),
		Hasher:  hasher.New(time.Second, 0),
	}, Collaborators{
		Extractor: h.ext,
		BuildDB:   h.db,
		Discovery: &fakeDiscovery{root: root},
	}, Options{
		Workers:           workers,
		MaxRetries:        2,
		HeaderExts:        []string{".h"},
		ProjectRoot:       root,
		ProjectKey:        "test",
		ConfigFingerprint: configFP,
	})
	return h
}

func (h *harness) path(name string) string {
	return filepath.Join(h.root, name)
}

func (h *harness) write(name, content string) {
	h.t.Helper()
	if err := os.WriteFile(h.path(name), []byte(content), 0o644); err != nil {
		h.t.Fatalf("write %s: %v", name, err)
	}
}

func (h *harness) run() Result {
	h.t.Helper()
	res, err := h.orch.Run(context.Background())
	if err != nil {
		h.t.Fatalf("Run: %v", err)
	}
	return res
}

func fnID(name string) string { return "c:@F@" + name + "#" }

// headerFunction reads the single inline function a test header declares.
func headerFunction(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// translationUnit reports fn defined in the source plus every included header's inline
// function, called from fn.
func translationUnit(h *harness, fn string, headers ...string) extractFunc {
	return func(_ context.Context, path string, _ []string) (ports.Extraction, error) {
		ext := ports.Extraction{Success: true}
		ext.Records = append(ext.Records, symbols.Record{
			ID: fnID(fn), Name: fn, Kind: symbols.KindFunction, File: path, Line: 3,
		})
		for _, name := range headers {
			hp := h.path(name)
			inline, err := headerFunction(hp)
			if err != nil {
				return ports.Extraction{}, err
			}
			ext.Records = append(ext.Records, symbols.Record{
				ID: fnID(inline), Name: inline, Kind: symbols.KindFunction, File: hp, Line: 1,
			})
			ext.CallSites = append(ext.CallSites, callgraph.CallSite{
				Caller: fnID(fn), Callee: fnID(inline), File: path, Line: 4,
			})
			ext.Includes = append(ext.Includes, hp)
		}
		return ext, nil
	}
}

func headerUnit() extractFunc {
	return func(_ context.Context, path string, _ []string) (ports.Extraction, error) {
		inline, err := headerFunction(path)
		if err != nil {
			return ports.Extraction{}, err
		}
		return ports.Extraction{Success: true, Records: []symbols.Record{
			{ID: fnID(inline), Name: inline, Kind: symbols.KindFunction, File: path, Line: 1},
		}}, nil
	}
}

// setupShared writes a.h included by b.cpp and c.cpp.
func setupShared(h *harness) {
	h.write("a.h", "a_inline\n")
	h.write("b.cpp", "#include \"a.h\"\nint b_main() { return a_inline(); }\n")
	h.write("c.cpp", "#include \"a.h\"\nint c_main() { return a_inline(); }\n")
	h.ext.set("a.h", headerUnit())
	h.ext.set("b.cpp", translationUnit(h, "b_main", "a.h"))
	h.ext.set("c.cpp", translationUnit(h, "c_main", "a.h"))
}

func TestRunIndexesProjectFromScratch(t *testing.T) {
	h := newHarness(t, t.TempDir(), t.TempDir(), 1, "cfg")
	setupShared(h)

	res := h.run()

	if h.machine.State() != state.Ready {
		t.Fatalf("expected ready, got %s", h.machine.State())
	}
	if got := res.Changes.Added; len(got) != 3 {
		t.Fatalf("expected 3 added files, got %v", got)
	}
	// Sources run first; the header is then already covered by b.cpp's claim.
	if h.ext.count("a.h") != 0 {
		t.Errorf("a.h should not be extracted directly, calls: %v", h.ext.calls)
	}
	if res.HeadersCovered != 1 {
		t.Errorf("expected 1 covered header, got %d", res.HeadersCovered)
	}

	rec, ok := h.store.Get(fnID("a_inline"))
	if !ok {
		t.Fatal("a_inline missing")
	}
	if rec.File != h.path("a.h") || !rec.IsProject {
		t.Errorf("unexpected owner for a_inline: %+v", rec)
	}
	if got := h.calls.Callers(fnID("a_inline")); len(got) != 2 {
		t.Errorf("expected callers from b and c, got %v", got)
	}
	if h.claims.Completed()[h.path("a.h")] != mustHash(t, h.path("a.h")) {
		t.Error("expected a.h claim completed with its content hash")
	}
	if got := h.deps.AffectedBy(h.path("a.h")); len(got) != 2 {
		t.Errorf("expected a.h to affect two sources, got %v", got)
	}
	if p := h.machine.Progress(); p.Processed != p.Total || p.Total != 3 {
		t.Errorf("unexpected progress %+v", p)
	}
}

func TestSecondRunWithoutChangesDoesNothing(t *testing.T) {
	h := newHarness(t, t.TempDir(), t.TempDir(), 2, "cfg")
	setupShared(h)
	h.run()
	before := h.ext.total()

	res := h.run()

	if !res.Changes.Empty() {
		t.Errorf("expected no changes, got %+v", res.Changes)
	}
	if h.ext.total() != before {
		t.Errorf("expected no extraction, calls went %d -> %d", before, h.ext.total())
	}
	if len(res.Changes.Unchanged) != 3 {
		t.Errorf("expected 3 unchanged, got %v", res.Changes.Unchanged)
	}
}

func TestModifiedHeaderReextractsDependents(t *testing.T) {
	h := newHarness(t, t.TempDir(), t.TempDir(), 1, "cfg")
	setupShared(h)
	h.run()

	h.write("a.h", "a_renamed\n")
	res := h.run()

	if want := []string{h.path("a.h")}; !equal(res.Changes.ModifiedHeaders, want) {
		t.Errorf("modified headers = %v, want %v", res.Changes.ModifiedHeaders, want)
	}
	if want := []string{h.path("b.cpp"), h.path("c.cpp")}; !equal(res.Changes.Affected, want) {
		t.Errorf("affected = %v, want %v", res.Changes.Affected, want)
	}
	if h.ext.count("b.cpp") != 2 || h.ext.count("c.cpp") != 2 {
		t.Errorf("dependents must bypass their cache entries, calls: %v", h.ext.calls)
	}
	if _, ok := h.store.Get(fnID("a_inline")); ok {
		t.Error("old header symbol must be gone")
	}
	if _, ok := h.store.Get(fnID("a_renamed")); !ok {
		t.Error("new header symbol missing")
	}
	if got := h.calls.Callers(fnID("a_renamed")); len(got) != 2 {
		t.Errorf("expected two callers of a_renamed, got %v", got)
	}
	if got := h.calls.Callers(fnID("a_inline")); len(got) != 0 {
		t.Errorf("stale edges to a_inline: %v", got)
	}
}

func TestClaimAlreadyDoneDropsSecondCopy(t *testing.T) {
	h := newHarness(t, t.TempDir(), t.TempDir(), 1, "cfg")
	setupShared(h)
	h.run()

	res := h.store.Upsert(h.path("a.h"), nil)
	if len(res.Removed) != 1 {
		t.Fatalf("expected a_inline removed, got %+v", res)
	}

	// c.cpp changes, a.h does not: its claim is already done, so c.cpp's copy of the
	// header's records is dropped rather than merged.
	h.write("c.cpp", "#include \"a.h\"\nint c_main() { return a_inline() + 1; }\n")
	h.run()

	if _, ok := h.store.Get(fnID("a_inline")); ok {
		t.Error("records for a completed header must come from its claim holder only")
	}
	if _, ok := h.store.Get(fnID("c_main")); !ok {
		t.Error("c_main missing after re-extraction")
	}
}

func TestDeletedFileLeavesIndex(t *testing.T) {
	h := newHarness(t, t.TempDir(), t.TempDir(), 2, "cfg")
	setupShared(h)
	h.run()

	if err := os.Remove(h.path("c.cpp")); err != nil {
		t.Fatal(err)
	}
	res := h.run()

	if res.FilesDeleted != 1 || !equal(res.Changes.Removed, []string{h.path("c.cpp")}) {
		t.Fatalf("unexpected removal %+v", res.Changes)
	}
	for _, f := range h.store.Files() {
		if f == h.path("c.cpp") {
			t.Fatal("deleted file still owns records")
		}
	}
	if _, ok := h.store.Get(fnID("c_main")); ok {
		t.Error("c_main survived deletion")
	}
	if got := h.calls.Callers(fnID("a_inline")); !equal(got, []string{fnID("b_main")}) {
		t.Errorf("callers after delete = %v", got)
	}
	if got := h.deps.AffectedBy(h.path("a.h")); !equal(got, []string{h.path("b.cpp")}) {
		t.Errorf("dependents after delete = %v", got)
	}
	if err := h.calls.Verify(); err != nil {
		t.Errorf("call graph integrity: %v", err)
	}
}

func TestFailingFileStopsAfterRetryCeiling(t *testing.T) {
	h := newHarness(t, t.TempDir(), t.TempDir(), 1, "cfg")
	h.write("bad.cpp", "int broken( {\n")
	h.ext.set("bad.cpp", func(context.Context, string, []string) (ports.Extraction, error) {
		return ports.Extraction{Success: false, Error: "expected ')' " + strings.Repeat("x", 500)}, nil
	})

	for i := 0; i < 5; i++ {
		res := h.run()
		if h.machine.State() != state.Ready {
			t.Fatalf("run %d: extraction failure must not fail the pass, state %s", i, h.machine.State())
		}
		if i < 3 && res.Failed != 1 {
			t.Errorf("run %d: expected a recorded failure, got %+v", i, res)
		}
		if i >= 3 && res.Skipped != 1 {
			t.Errorf("run %d: expected skip, got %+v", i, res)
		}
		if i > 0 && len(res.Changes.Added) != 0 {
			t.Errorf("run %d: a failed file is known, not added again: %v", i, res.Changes.Added)
		}
		if i == 1 || i == 2 {
			if !equal(res.Changes.Retry, []string{h.path("bad.cpp")}) {
				t.Errorf("run %d: expected a scheduled retry, got %+v", i, res.Changes)
			}
		}
		if i >= 3 && !equal(res.Changes.Skipped, []string{h.path("bad.cpp")}) {
			t.Errorf("run %d: expected the file left alone, got %+v", i, res.Changes)
		}
	}
	if got := h.ext.count("bad.cpp"); got != 3 {
		t.Fatalf("expected 1 attempt plus 2 retries, got %d", got)
	}

	hash := mustHash(t, h.path("bad.cpp"))
	entry, ok := h.cache.LoadFileEntry(h.path("bad.cpp"), hash, hasher.Args([]string{"-std=c++17"}))
	if !ok {
		t.Fatal("failure entry missing")
	}
	if entry.Success || entry.RetryCount != 2 || len([]rune(entry.Error)) > cache.MaxErrorLength {
		t.Errorf("unexpected failure entry %+v", entry)
	}

	// New content resets the counter.
	h.write("bad.cpp", "int broken() {}\n")
	h.run()
	if got := h.ext.count("bad.cpp"); got != 4 {
		t.Errorf("changed content must be retried, attempts %d", got)
	}
}

func TestArgsChangeIsModification(t *testing.T) {
	h := newHarness(t, t.TempDir(), t.TempDir(), 1, "cfg")
	setupShared(h)
	h.run()

	h.db.mu.Lock()
	h.db.args["b.cpp"] = []string{"-std=c++20", "-DFOO"}
	h.db.mu.Unlock()

	res := h.run()
	if !equal(res.Changes.Modified, []string{h.path("b.cpp")}) {
		t.Errorf("modified = %v", res.Changes.Modified)
	}
	if h.ext.count("b.cpp") != 2 || h.ext.count("c.cpp") != 1 {
		t.Errorf("unexpected calls %v", h.ext.calls)
	}
}

func TestBuildDatabaseChangeClearsClaims(t *testing.T) {
	h := newHarness(t, t.TempDir(), t.TempDir(), 1, "cfg")
	setupShared(h)
	h.run()
	if h.claims.Stats().Completed == 0 {
		t.Fatal("expected completed claims after first run")
	}

	h.db.mu.Lock()
	h.db.fp = "db-2"
	h.db.mu.Unlock()

	res := h.run()
	if !res.Changes.BuildDBChanged {
		t.Fatal("expected build database change")
	}
	if got := h.claims.Stats().Completed; got != 0 {
		t.Errorf("claims must be cleared, %d remain", got)
	}
}

func TestCancelledRunReleasesClaims(t *testing.T) {
	h := newHarness(t, t.TempDir(), t.TempDir(), 1, "cfg")
	h.write("solo.h", "solo_inline\n")

	started := make(chan struct{})
	h.ext.set("solo.h", func(ctx context.Context, _ string, _ []string) (ports.Extraction, error) {
		close(started)
		<-ctx.Done()
		return ports.Extraction{}, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Run(ctx)
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("extractor never started")
	}
	cancel()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if st := h.claims.Stats(); st.InProgress != 0 {
		t.Fatalf("interrupted claim left in progress: %+v", st)
	}
	if h.machine.State() != state.Error {
		t.Errorf("expected error state after cancel, got %s", h.machine.State())
	}

	h.ext.set("solo.h", headerUnit())
	h.run()
	if _, ok := h.store.Get(fnID("solo_inline")); !ok {
		t.Error("header must be reclaimable after an interrupted pass")
	}
	if h.machine.State() != state.Ready {
		t.Errorf("expected ready, got %s", h.machine.State())
	}
}

func TestPerFileCacheSurvivesSnapshotInvalidation(t *testing.T) {
	root, cacheDir := t.TempDir(), t.TempDir()
	first := newHarness(t, root, cacheDir, 1, "cfg-1")
	setupShared(first)
	first.run()

	// A different config fingerprint supersedes the snapshot, but per-file entries are
	// keyed by content and arguments and still apply.
	second := newHarness(t, root, cacheDir, 1, "cfg-2")
	setupShared(second)
	restored, err := second.orch.Restore(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if restored {
		t.Fatal("snapshot with another config fingerprint must be rejected")
	}

	res := second.run()
	if second.ext.total() != 0 {
		t.Errorf("expected every file from cache, calls: %v", second.ext.calls)
	}
	if res.CacheHits != 3 {
		t.Errorf("expected 3 cache hits, got %+v", res)
	}
	if _, ok := second.store.Get(fnID("a_inline")); !ok {
		t.Error("header records must come back from its cache entry")
	}
	if got := second.calls.Callers(fnID("a_inline")); len(got) != 2 {
		t.Errorf("call edges not restored from cache: %v", got)
	}
}

func TestRestoreWarmStartsFromSnapshot(t *testing.T) {
	root, cacheDir := t.TempDir(), t.TempDir()
	first := newHarness(t, root, cacheDir, 2, "cfg")
	setupShared(first)
	first.run()

	second := newHarness(t, root, cacheDir, 2, "cfg")
	setupShared(second)
	restored, err := second.orch.Restore(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !restored {
		t.Fatal("expected snapshot to be usable")
	}
	if second.machine.State() != state.Ready {
		t.Fatalf("expected ready after restore, got %s", second.machine.State())
	}
	if got := second.store.Stats().Symbols; got != first.store.Stats().Symbols {
		t.Errorf("restored %d symbols, want %d", got, first.store.Stats().Symbols)
	}
	if second.claims.Completed()[second.path("a.h")] != mustHash(t, second.path("a.h")) {
		t.Error("claims not restored")
	}
	if got := second.deps.AffectedBy(second.path("a.h")); len(got) != 2 {
		t.Errorf("include edges not restored: %v", got)
	}

	res := second.run()
	if !res.Changes.Empty() || second.ext.total() != 0 {
		t.Errorf("warm start should leave nothing to do: %+v calls %v", res.Changes, second.ext.calls)
	}
}

func TestConcurrentWorkersMergeSharedHeaderOnce(t *testing.T) {
	h := newHarness(t, t.TempDir(), t.TempDir(), 8, "cfg")
	h.write("shared.h", "shared_inline\n")
	h.ext.set("shared.h", headerUnit())
	const sources = 40
	for i := 0; i < sources; i++ {
		name := fmt.Sprintf("s%02d.cpp", i)
		h.write(name, fmt.Sprintf("#include \"shared.h\"\nint f%d();\n", i))
		h.ext.set(name, translationUnit(h, fmt.Sprintf("f%02d", i), "shared.h"))
	}

	res := h.run()

	if res.FilesReextracted+res.HeadersCovered != sources+1 {
		t.Errorf("unexpected accounting %+v", res)
	}
	if got := h.store.ByFile(h.path("shared.h")); len(got) != 1 {
		t.Errorf("shared header indexed %d times", len(got))
	}
	if got := h.calls.Callers(fnID("shared_inline")); len(got) != sources {
		t.Errorf("expected %d callers, got %d", sources, len(got))
	}
	if err := h.store.Verify(); err != nil {
		t.Error(err)
	}
	if err := h.calls.Verify(); err != nil {
		t.Error(err)
	}
}

func TestPlanDoesNotModify(t *testing.T) {
	h := newHarness(t, t.TempDir(), t.TempDir(), 1, "cfg")
	setupShared(h)

	cs, err := h.orch.Plan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(cs.Added) != 3 {
		t.Errorf("expected 3 added, got %v", cs.Added)
	}
	if h.ext.total() != 0 || h.store.Stats().Symbols != 0 {
		t.Error("Plan must not extract or merge")
	}
	if h.machine.State() != state.Empty {
		t.Errorf("Plan must not move the state machine, got %s", h.machine.State())
	}

	isHeader := func(p string) bool { return strings.HasSuffix(p, ".h") }
	work := cs.Reextract(isHeader)
	if len(work) != 3 || !isHeader(work[2]) {
		t.Errorf("headers must be scheduled after sources: %v", work)
	}
}

func failingUnit(context.Context, string, []string) (ports.Extraction, error) {
	return ports.Extraction{Success: false, Error: "expected ';' after expression"}, nil
}

func TestFailedFileIsKnownUntilDeleted(t *testing.T) {
	root, cacheDir := t.TempDir(), t.TempDir()
	h := newHarness(t, root, cacheDir, 1, "cfg")
	setupShared(h)
	h.write("bad.cpp", "int broken( {\n")
	h.ext.set("bad.cpp", failingUnit)
	bad := h.path("bad.cpp")
	hash := mustHash(t, bad)

	h.run()
	h.run()

	cs, err := h.orch.Plan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(cs.Added) != 0 || !equal(cs.Retry, []string{bad}) {
		t.Fatalf("failed file must be planned as a retry, got %+v", cs)
	}
	if got := h.orch.KnownFiles(); got != 3 {
		t.Errorf("failed files are not indexed files, known = %d", got)
	}
	failures := h.orch.Failures()
	if len(failures) != 1 || failures[0].Path != bad || failures[0].Retries != 1 || failures[0].Exhausted {
		t.Fatalf("unexpected failures %+v", failures)
	}
	if !strings.HasPrefix(failures[0].Error, "expected ';'") {
		t.Errorf("failure text not carried: %q", failures[0].Error)
	}

	// A warm start remembers the failure too.
	warm := newHarness(t, root, cacheDir, 1, "cfg")
	setupShared(warm)
	warm.ext.set("bad.cpp", failingUnit)
	if ok, err := warm.orch.Restore(context.Background()); err != nil || !ok {
		t.Fatalf("restore: %v %v", ok, err)
	}
	if cs, _ := warm.orch.Plan(context.Background()); len(cs.Added) != 0 || !equal(cs.Retry, []string{bad}) {
		t.Errorf("restored failure must be planned as a retry, got %+v", cs)
	}
	if p := warm.machine.Progress(); p.Failed != 1 {
		t.Errorf("restored progress must count the failure, got %+v", p)
	}

	if err := os.Remove(bad); err != nil {
		t.Fatal(err)
	}
	res := h.run()
	if res.FilesDeleted != 1 || !equal(res.Changes.Removed, []string{bad}) {
		t.Fatalf("deleted failed file must be removed, got %+v", res)
	}
	if _, ok := h.cache.LoadFileEntry(bad, hash, hasher.Args([]string{"-std=c++17"})); ok {
		t.Error("failure entry must be deleted with the file")
	}
	if got := h.orch.Failures(); len(got) != 0 {
		t.Errorf("failures after delete = %+v", got)
	}
	entries, err := os.ReadDir(filepath.Join(h.cache.Dir(), "files"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("expected entries for a.h, b.cpp and c.cpp only, got %d", len(entries))
	}
}

func TestUndiscoveredHeaderComesBackFromCacheHit(t *testing.T) {
	root, cacheDir, sysDir := t.TempDir(), t.TempDir(), t.TempDir()
	vec := filepath.Join(sysDir, "vec.h")
	if err := os.WriteFile(vec, []byte("vec_push\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	unit := func(_ context.Context, path string, _ []string) (ports.Extraction, error) {
		inline, err := headerFunction(vec)
		if err != nil {
			return ports.Extraction{}, err
		}
		return ports.Extraction{
			Success: true,
			Records: []symbols.Record{
				{ID: fnID("b_main"), Name: "b_main", Kind: symbols.KindFunction, File: path, Line: 3},
				{ID: fnID(inline), Name: inline, Kind: symbols.KindFunction, File: vec, Line: 1},
			},
			CallSites: []callgraph.CallSite{{Caller: fnID("b_main"), Callee: fnID(inline), File: path, Line: 4}},
			Includes:  []string{vec},
		}, nil
	}

	first := newHarness(t, root, cacheDir, 1, "cfg-1")
	first.write("b.cpp", "#include <vec.h>\nint b_main() { vec_push(); }\n")
	first.ext.set("b.cpp", unit)
	first.run()
	if rec, ok := first.store.Get(fnID("vec_push")); !ok || rec.IsProject {
		t.Fatalf("expected vec_push from the system header, got %+v %v", rec, ok)
	}

	// The snapshot is superseded; b.cpp's own entry must bring vec.h back with it.
	second := newHarness(t, root, cacheDir, 1, "cfg-2")
	second.ext.set("b.cpp", unit)
	if restored, err := second.orch.Restore(context.Background()); err != nil || restored {
		t.Fatalf("restore = %v, %v", restored, err)
	}
	res := second.run()
	if res.CacheHits != 1 || second.ext.total() != 0 {
		t.Fatalf("expected a pure cache hit, got %+v calls %v", res, second.ext.calls)
	}
	if _, ok := second.store.Get(fnID("vec_push")); !ok {
		t.Fatal("records of an undiscovered header lost on cache hit")
	}
	if got := second.calls.Callers(fnID("vec_push")); !equal(got, []string{fnID("b_main")}) {
		t.Errorf("callers of vec_push = %v", got)
	}

	// Once the header changes, the cached unit is no longer trusted.
	if err := os.WriteFile(vec, []byte("vec_pop\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	third := newHarness(t, root, cacheDir, 1, "cfg-3")
	third.ext.set("b.cpp", unit)
	res = third.run()
	if third.ext.count("b.cpp") != 1 || res.CacheHits != 0 {
		t.Fatalf("changed include must force extraction, got %+v", res)
	}
	if _, ok := third.store.Get(fnID("vec_pop")); !ok {
		t.Error("new header symbol missing")
	}
	if _, ok := third.store.Get(fnID("vec_push")); ok {
		t.Error("stale header symbol replayed")
	}
}

func TestRestoreKeepsShadowedRecords(t *testing.T) {
	root, cacheDir := t.TempDir(), t.TempDir()
	withDup := func(fn string) extractFunc {
		return func(_ context.Context, path string, _ []string) (ports.Extraction, error) {
			return ports.Extraction{Success: true, Records: []symbols.Record{
				{ID: fnID(fn), Name: fn, Kind: symbols.KindFunction, File: path, Line: 1},
				{ID: fnID("dup"), Name: "dup", Kind: symbols.KindFunction, File: path, Line: 9},
			}}, nil
		}
	}

	first := newHarness(t, root, cacheDir, 1, "cfg")
	first.write("x.cpp", "x\n")
	first.write("y.cpp", "y\n")
	first.ext.set("x.cpp", withDup("x_main"))
	first.ext.set("y.cpp", withDup("y_main"))
	first.run()
	if rec, _ := first.store.Get(fnID("dup")); rec.File != first.path("x.cpp") {
		t.Fatalf("x.cpp should own dup, got %+v", rec)
	}

	second := newHarness(t, root, cacheDir, 1, "cfg")
	if ok, err := second.orch.Restore(context.Background()); err != nil || !ok {
		t.Fatalf("restore: %v %v", ok, err)
	}
	if got := second.store.Stats().Shadowed; got != 1 {
		t.Fatalf("expected y.cpp's report of dup restored as a shadow, got %d", got)
	}

	second.write("x.cpp", "x without dup\n")
	second.ext.set("x.cpp", translationUnit(second, "x_main"))
	second.run()

	rec, ok := second.store.Get(fnID("dup"))
	if !ok || rec.File != second.path("y.cpp") {
		t.Fatalf("dup must be promoted to y.cpp, got %+v %v", rec, ok)
	}
	if err := second.store.Verify(); err != nil {
		t.Error(err)
	}
}

func TestResetStartsOver(t *testing.T) {
	h := newHarness(t, t.TempDir(), t.TempDir(), 1, "cfg")
	setupShared(h)
	h.run()
	before := h.ext.total()

	if err := h.orch.Reset(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.store.Stats().Symbols != 0 || h.calls.Stats(0).Edges != 0 || h.deps.Stats().Edges != 0 {
		t.Fatal("reset must empty every index")
	}
	if got := h.claims.Stats().Completed; got != 0 {
		t.Errorf("claims survived reset: %d", got)
	}
	if _, ok := h.cache.LoadSnapshot(cache.Expect{ConfigFingerprint: "cfg", BuildDBFingerprint: "db-1"}); ok {
		t.Error("snapshot survived reset")
	}

	res := h.run()
	if len(res.Changes.Added) != 3 || res.CacheHits != 0 {
		t.Errorf("expected a full build, got %+v", res)
	}
	if h.ext.total() != before+2 {
		t.Errorf("expected both sources re-extracted, calls %v", h.ext.calls)
	}
	if got := h.calls.Callers(fnID("a_inline")); len(got) != 2 {
		t.Errorf("callers after rebuild = %v", got)
	}
}

func TestViewHoldsOffMerges(t *testing.T) {
	h := newHarness(t, t.TempDir(), t.TempDir(), 1, "cfg")
	h.write("solo.cpp", "int solo();\n")
	extracted := make(chan struct{})
	h.ext.set("solo.cpp", func(ctx context.Context, path string, args []string) (ports.Extraction, error) {
		defer close(extracted)
		return translationUnit(h, "solo")(ctx, path, args)
	})

	done := make(chan Result, 1)
	h.orch.View(func() {
		go func() {
			res, _ := h.orch.Run(context.Background())
			done <- res
		}()
		select {
		case <-extracted:
		case <-time.After(5 * time.Second):
			t.Error("extractor never ran")
			return
		}
		time.Sleep(50 * time.Millisecond)
		if got := h.store.Stats().Symbols; got != 0 {
			t.Errorf("merge ran while a view was open, %d symbols", got)
		}
	})

	select {
	case res := <-done:
		if res.FilesReextracted != 1 {
			t.Errorf("unexpected result %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after the view closed")
	}
	if _, ok := h.store.Get(fnID("solo")); !ok {
		t.Error("solo missing after the view closed")
	}
}

func mustHash(t *testing.T, path string) string {
	t.Helper()
	h, err := hasher.New(time.Second, 0).File(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
