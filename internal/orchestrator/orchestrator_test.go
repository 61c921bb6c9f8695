package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/patchctl/internal/hostproc"
	"github.com/danmuck/patchctl/internal/library"
	"github.com/danmuck/patchctl/internal/payload"
	"github.com/danmuck/patchctl/internal/resolve"
	"github.com/danmuck/patchctl/internal/script"
	"github.com/danmuck/patchctl/internal/testutil/fakehost"
	"github.com/danmuck/patchctl/internal/testutil/testlog"
)

const extMod = ".mod"

var testImage = payload.Image{Version: payload.BundleVersion, Arch: "amd64", Code: []byte{0x31, 0xc0, 0xc3}}

type deps struct {
	requires []string
	optional []string
	// page makes the script publish a status page named after its stem.
	page bool
}

// modScript stages one module named after its stem and counts lifecycle
// calls.
type modScript struct {
	name     script.Name
	requires []script.Name
	optional []script.Name
	reloads  atomic.Int32
	closed   atomic.Bool
}

func (s *modScript) Name() script.Name                   { return s.name }
func (s *modScript) Dependencies() []script.Name         { return s.requires }
func (s *modScript) OptionalDependencies() []script.Name { return s.optional }
func (s *modScript) Initialize(context.Context) error    { return nil }

func (s *modScript) LoadInto(ctx context.Context, h script.Host) error {
	return h.Channel().AddModule(ctx, s.name.Stem(), "# "+s.name.String())
}

func (s *modScript) LoadedInto(context.Context, script.Host) error { return nil }

func (s *modScript) UnloadFrom(ctx context.Context, h script.Host) error {
	return h.Channel().RemoveModule(ctx, s.name.Stem())
}

func (s *modScript) Reload(context.Context) error {
	s.reloads.Add(1)
	return nil
}

func (s *modScript) Close() error {
	s.closed.Store(true)
	return nil
}

// pageScript contributes a status page while the status surface is shown.
type pageScript struct {
	*modScript
}

func (s pageScript) OnStatusShown(ctx context.Context, board script.StatusBoard) error {
	stem := s.name.Stem()
	board.Publish(stem, func() any { return stem + " page" })
	return nil
}

func (s pageScript) OnStatusHidden(ctx context.Context, board script.StatusBoard) error {
	board.Withdraw(s.name.Stem())
	return nil
}

type memoryStore struct {
	mu    sync.Mutex
	saved map[string][]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{saved: make(map[string][]string)}
}

func (m *memoryStore) LoadScripts(ctx context.Context, profile string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.saved[profile]...), nil
}

func (m *memoryStore) SaveScripts(ctx context.Context, profile string, paths []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[profile] = append([]string(nil), paths...)
	return nil
}

type fixture struct {
	o      *Orchestrator
	host   *fakehost.Host
	store  *memoryStore
	dir    string
	events <-chan Event

	mu    sync.Mutex
	built map[string]*modScript
}

func newFixture(t *testing.T, graph map[string]deps) *fixture {
	t.Helper()
	return newFixtureWith(t, graph, nil)
}

func newFixtureWith(t *testing.T, graph map[string]deps, prompter resolve.Prompter) *fixture {
	t.Helper()
	f := &fixture{
		host:  fakehost.NewHost(),
		store: newMemoryStore(),
		dir:   t.TempDir(),
		built: make(map[string]*modScript),
	}
	reg := script.NewRegistry()
	err := reg.Register(extMod, func(file script.File) (script.Script, error) {
		d, ok := graph[file.Name().Key()]
		if !ok {
			return nil, errors.New("unknown test script")
		}
		s := &modScript{name: file.Name()}
		for _, r := range d.requires {
			s.requires = append(s.requires, script.NewNameIn(r, file.Dir()))
		}
		for _, o := range d.optional {
			s.optional = append(s.optional, script.NewNameIn(o, file.Dir()))
		}
		f.mu.Lock()
		f.built[file.Name().Key()] = s
		f.mu.Unlock()
		if d.page {
			return pageScript{s}, nil
		}
		return s, nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	lib, err := library.New(reg)
	if err != nil {
		t.Fatalf("library: %v", err)
	}
	f.o, err = New(Options{
		Profile:  "default",
		Store:    f.store,
		Library:  lib,
		Prompter: prompter,
		Manager:  hostproc.ManagerOptions{Injector: f.host, Dialer: f.host, Image: testImage},
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	events, unsubscribe := f.o.Subscribe()
	f.events = events
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.o.Shutdown(ctx)
		unsubscribe()
	})
	return f
}

func (f *fixture) path(name string) string { return filepath.Join(f.dir, name) }

func (f *fixture) script(name string) *modScript {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built[strings.ToLower(name)]
}

func (f *fixture) waitEvent(t *testing.T, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-f.events:
			if !ok {
				t.Fatalf("event stream closed")
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event")
		}
	}
}

// startProcess hands a fake process to the orchestrator and waits for it
// to become ready.
func (f *fixture) startProcess(t *testing.T, pid int) (*fakehost.Process, *fakehost.Peer) {
	t.Helper()
	proc := fakehost.NewProcess(pid)
	if _, started := f.o.NotifyNewProcess(proc); !started {
		t.Fatalf("expected manager started for pid=%d", pid)
	}
	f.waitEvent(t, func(ev Event) bool {
		return ev.Kind == EventProcessChanged && ev.PID == pid && ev.Process.State == hostproc.StateReady
	})
	peer, ok := f.host.Peer(pid)
	if !ok {
		t.Fatalf("expected peer for pid=%d", pid)
	}
	peer.Handle("sys", "ping", func([]byte) (string, error) { return "null", nil })
	return proc, peer
}

// sync round-trips a call so every earlier send to pid has been handled.
func (f *fixture) sync(t *testing.T, pid int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := f.o.CallFunction(ctx, pid, "sys", "ping"); err != nil {
		t.Fatalf("sync pid=%d: %v", pid, err)
	}
}

func ops(peer *fakehost.Peer, skip int) string {
	var out []string
	for _, op := range peer.Ops() {
		if op == "call:sys.ping" {
			continue
		}
		out = append(out, op)
	}
	if skip > len(out) {
		skip = len(out)
	}
	return strings.Join(out[skip:], ",")
}

func orderString(order []script.Name) string {
	parts := make([]string, len(order))
	for i, n := range order {
		parts[i] = n.String()
	}
	return strings.Join(parts, ",")
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRequestedTogetherLoadsDependencyFirst(t *testing.T) {
	testlog.Start(t)

	f := newFixture(t, map[string]deps{
		"x.mod": {},
		"y.mod": {requires: []string{"x.mod"}},
	})
	ctx := testCtx(t)
	res, err := f.o.AddScripts(ctx, f.path("y.mod"), f.path("x.mod"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := orderString(res.Order); got != "x.mod,y.mod" {
		t.Fatalf("expected [x y], got %s", got)
	}

	_, peer := f.startProcess(t, 10)
	f.sync(t, 10)
	if got := ops(peer, 0); got != "add:x,add:y,reload" {
		t.Fatalf("unexpected initial load %q", got)
	}

	if _, err := f.o.RemoveScript(ctx, f.path("x.mod")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	f.sync(t, 10)
	got := ops(peer, 3)
	if !strings.HasPrefix(got, "remove:y,reload,remove:x,reload") {
		t.Fatalf("expected y unloaded before x, got %q", got)
	}
	// x stays loaded as a dependency of y even though it is no longer desired.
	for _, info := range f.o.Scripts() {
		if info.Name == "x.mod" && info.Desired {
			t.Fatalf("x must no longer be desired: %+v", info)
		}
	}
	if saved := f.store.saved["default"]; len(saved) != 1 || saved[0] != f.path("y.mod") {
		t.Fatalf("unexpected persisted set %v", saved)
	}
}

func TestRemovedScriptIsUnloadedAndDisposed(t *testing.T) {
	testlog.Start(t)

	f := newFixture(t, map[string]deps{
		"base.mod": {},
		"hud.mod":  {requires: []string{"base.mod"}},
		"log.mod":  {},
	})
	ctx := testCtx(t)
	if _, err := f.o.AddScripts(ctx, f.path("base.mod"), f.path("hud.mod"), f.path("log.mod")); err != nil {
		t.Fatalf("add: %v", err)
	}
	_, peer := f.startProcess(t, 11)
	f.sync(t, 11)
	before := len(strings.Split(ops(peer, 0), ","))

	res, err := f.o.RemoveScript(ctx, f.path("log.mod"))
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	f.sync(t, 11)
	if got := orderString(res.Order); got != "base.mod,hud.mod" {
		t.Fatalf("unexpected order %s", got)
	}
	got := ops(peer, before)
	want := "remove:log,reload,remove:hud,reload,remove:base,reload,add:base,add:hud,reload"
	if got != want {
		t.Fatalf("unexpected ops\n got %s\nwant %s", got, want)
	}
	if !f.script("log.mod").closed.Load() {
		t.Fatalf("expected removed script disposed")
	}
	if _, ok := peer.Modules()["log"]; ok {
		t.Fatalf("expected log module gone from host")
	}
	if _, err := f.o.RemoveScript(ctx, f.path("log.mod")); !errors.Is(err, ErrScriptNotFound) {
		t.Fatalf("expected ErrScriptNotFound, got %v", err)
	}
}

func TestMissingScriptReportedWithoutAffectingOthers(t *testing.T) {
	testlog.Start(t)

	f := newFixture(t, map[string]deps{"a.mod": {}})
	res, err := f.o.AddScripts(testCtx(t), f.path("a.mod"), f.path("ghost.mod"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := orderString(res.Order); got != "a.mod" {
		t.Fatalf("unexpected order %s", got)
	}
	if !errors.Is(res.Failed["ghost.mod"], resolve.ErrResolutionFailed) {
		t.Fatalf("expected ghost.mod resolution failure, got %v", res.Failed)
	}
	reports := f.o.Errors()
	if len(reports) != 1 || reports[0].PID != 0 || !strings.Contains(reports[0].Text, "ghost.mod") {
		t.Fatalf("unexpected reports %v", reports)
	}
	for _, info := range f.o.Scripts() {
		if info.Name == "ghost.mod" && (info.Error == "" || info.Position != -1) {
			t.Fatalf("unexpected info for failed script: %+v", info)
		}
	}
}

func TestNotifyNewProcessIsIdempotent(t *testing.T) {
	testlog.Start(t)

	f := newFixture(t, map[string]deps{})
	f.startProcess(t, 20)
	dup := fakehost.NewProcess(20)
	hp, started := f.o.NotifyNewProcess(dup)
	if started || hp == nil || hp.PID() != 20 {
		t.Fatalf("expected existing process returned, started=%v", started)
	}
	if !dup.Closed() {
		t.Fatalf("expected duplicate handle closed")
	}
	if f.host.Injections() != 1 {
		t.Fatalf("expected a single injection, got %d", f.host.Injections())
	}
	if got := f.o.Processes(); len(got) != 1 || got[0].PID != 20 {
		t.Fatalf("unexpected process table %v", got)
	}
}

func TestExitDuringCallRemovesProcessOnce(t *testing.T) {
	testlog.Start(t)

	f := newFixture(t, map[string]deps{})
	proc, peer := f.startProcess(t, 30)
	peer.Silent.Store(true)

	errc := make(chan error, 1)
	go func() {
		_, err := f.o.Eval(context.Background(), 30, "1 + 1")
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	proc.Exit()

	select {
	case err := <-errc:
		if !errors.Is(err, hostproc.ErrProcessExited) {
			t.Fatalf("expected ErrProcessExited, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("eval did not resolve on exit")
	}
	f.waitEvent(t, func(ev Event) bool { return ev.Kind == EventProcessRemoved && ev.PID == 30 })

	// No second removal may follow.
	timeout := time.After(200 * time.Millisecond)
	for done := false; !done; {
		select {
		case ev := <-f.events:
			if ev.Kind == EventProcessRemoved {
				t.Fatalf("process removed twice")
			}
		case <-timeout:
			done = true
		}
	}
	if _, ok := f.o.Process(30); ok {
		t.Fatalf("expected process removed from live table")
	}
	for _, rep := range f.o.Errors() {
		if rep.PID == 30 {
			t.Fatalf("process exit must not be reported: %v", rep)
		}
	}
}

// blockingPrompter holds every Locate until release is closed.
type blockingPrompter struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingPrompter() *blockingPrompter {
	return &blockingPrompter{entered: make(chan struct{}), release: make(chan struct{})}
}

func (p *blockingPrompter) Locate(ctx context.Context, name script.Name) (script.File, bool, error) {
	p.once.Do(func() { close(p.entered) })
	select {
	case <-p.release:
		return script.File{}, false, nil
	case <-ctx.Done():
		return script.File{}, false, ctx.Err()
	}
}

func TestExitWhileWaitingForReloadCycleRemovesProcess(t *testing.T) {
	testlog.Start(t)

	prompter := newBlockingPrompter()
	f := newFixtureWith(t, map[string]deps{
		"a.mod": {requires: []string{"missing.mod"}},
	}, prompter)

	added := make(chan error, 1)
	go func() {
		_, err := f.o.AddScripts(context.Background(), f.path("a.mod"))
		added <- err
	}()
	select {
	case <-prompter.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("resolver never asked for missing.mod")
	}

	proc := fakehost.NewProcess(70)
	if _, started := f.o.NotifyNewProcess(proc); !started {
		t.Fatalf("expected manager started")
	}
	f.waitEvent(t, func(ev Event) bool {
		return ev.Kind == EventProcessChanged && ev.PID == 70 && ev.Process.State == hostproc.StateLoadingScripts
	})
	proc.Exit()
	f.waitEvent(t, func(ev Event) bool { return ev.Kind == EventProcessRemoved && ev.PID == 70 })
	if _, ok := f.o.Process(70); ok {
		t.Fatalf("expected process removed while the cycle is still held")
	}
	select {
	case err := <-added:
		t.Fatalf("reload cycle finished early: %v", err)
	default:
	}
	for _, rep := range f.o.Errors() {
		if rep.PID == 70 {
			t.Fatalf("process exit must not be reported: %v", rep)
		}
	}

	close(prompter.release)
	select {
	case err := <-added:
		if err != nil {
			t.Fatalf("add: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("reload cycle did not finish after release")
	}
}

func TestReloadAllReloadsScriptsOnce(t *testing.T) {
	testlog.Start(t)

	f := newFixture(t, map[string]deps{
		"a.mod": {},
		"b.mod": {optional: []string{"a.mod"}},
	})
	ctx := testCtx(t)
	if _, err := f.o.AddScripts(ctx, f.path("b.mod"), f.path("a.mod")); err != nil {
		t.Fatalf("add: %v", err)
	}
	_, p1 := f.startProcess(t, 40)
	_, p2 := f.startProcess(t, 41)
	f.sync(t, 40)
	f.sync(t, 41)
	n1, n2 := len(p1.Ops()), len(p2.Ops())

	reloadsBefore := f.script("a.mod").reloads.Load()
	if err := f.o.ReloadAll(ctx); err != nil {
		t.Fatalf("reload all: %v", err)
	}
	f.sync(t, 40)
	f.sync(t, 41)

	if got := f.script("a.mod").reloads.Load() - reloadsBefore; got != 1 {
		t.Fatalf("expected one reload per script, got %d", got)
	}
	want := "remove:b,reload,remove:a,reload,add:a,add:b,reload"
	for _, c := range []struct {
		peer *fakehost.Peer
		skip int
	}{{p1, n1}, {p2, n2}} {
		if got := ops(c.peer, c.skip-countPings(c.peer.Ops()[:c.skip])); got != want {
			t.Fatalf("unexpected reload ops\n got %s\nwant %s", got, want)
		}
	}
}

func countPings(list []string) int {
	n := 0
	for _, op := range list {
		if op == "call:sys.ping" {
			n++
		}
	}
	return n
}

func TestErrorReportsTaggedWithPID(t *testing.T) {
	testlog.Start(t)

	f := newFixture(t, map[string]deps{})
	_, peer := f.startProcess(t, 50)
	if err := peer.ReportError("NameError: foo"); err != nil {
		t.Fatalf("report: %v", err)
	}
	ev := f.waitEvent(t, func(ev Event) bool { return ev.Kind == EventError })
	if ev.PID != 50 || ev.Error == nil || ev.Error.Text != "NameError: foo" {
		t.Fatalf("unexpected error event %+v", ev)
	}
	if got := f.o.Errors(); len(got) != 1 || got[0].PID != 50 {
		t.Fatalf("unexpected error ring %v", got)
	}
	hp, ok := f.o.Process(50)
	if !ok || hp.State() != hostproc.StateReady {
		t.Fatalf("host error must not stop the process")
	}
}

func TestShutdownUnloadsWithSingleCommit(t *testing.T) {
	testlog.Start(t)

	f := newFixture(t, map[string]deps{
		"x.mod": {},
		"y.mod": {requires: []string{"x.mod"}},
	})
	ctx := testCtx(t)
	if _, err := f.o.AddScripts(ctx, f.path("x.mod"), f.path("y.mod")); err != nil {
		t.Fatalf("add: %v", err)
	}
	_, peer := f.startProcess(t, 60)
	f.sync(t, 60)

	if err := f.o.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case <-peer.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected channel closed by shutdown")
	}
	if got := ops(peer, 3); got != "remove:y,remove:x,reload" {
		t.Fatalf("unexpected teardown ops %q", got)
	}
	if !f.script("x.mod").closed.Load() || !f.script("y.mod").closed.Load() {
		t.Fatalf("expected every script disposed")
	}
	if len(f.o.Processes()) != 0 {
		t.Fatalf("expected empty process table after shutdown")
	}
	if _, err := f.o.AddScripts(ctx, f.path("x.mod")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after shutdown, got %v", err)
	}
}

func TestRestoreLoadsPersistedSet(t *testing.T) {
	testlog.Start(t)

	f := newFixture(t, map[string]deps{"a.mod": {}, "b.mod": {requires: []string{"a.mod"}}})
	f.store.saved["default"] = []string{f.path("b.mod"), f.path("a.mod")}
	res, err := f.o.Restore(testCtx(t))
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := orderString(res.Order); got != "a.mod,b.mod" {
		t.Fatalf("unexpected restored order %s", got)
	}
	if got := len(f.o.Scripts()); got != 2 {
		t.Fatalf("expected two desired scripts, got %d", got)
	}
}

func TestErrorRingKeepsNewest(t *testing.T) {
	testlog.Start(t)

	r := NewErrorRing(2)
	for i := 1; i <= 3; i++ {
		r.Record(ErrorReport{PID: i})
	}
	got := r.List()
	if len(got) != 2 || got[0].PID != 2 || got[1].PID != 3 {
		t.Fatalf("unexpected ring contents %v", got)
	}
}

func TestStatusPagesIncludePublishedPages(t *testing.T) {
	testlog.Start(t)

	f := newFixture(t, map[string]deps{})
	f.o.board.Publish("hud", func() any { return map[string]int{"fps": 60} })
	ctx := testCtx(t)
	pages := f.o.StatusPages(ctx)
	if strings.Join(pages, ",") != "processes,scripts,errors,hud" {
		t.Fatalf("unexpected pages %v", pages)
	}
	data, err := f.o.StatusPage(ctx, "hud")
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if data.(map[string]int)["fps"] != 60 {
		t.Fatalf("unexpected page data %v", data)
	}
	if _, err := f.o.StatusPage(ctx, "nope"); !errors.Is(err, ErrUnknownPage) {
		t.Fatalf("expected ErrUnknownPage, got %v", err)
	}
}

func TestStatusPagesFollowScriptLifecycle(t *testing.T) {
	testlog.Start(t)

	f := newFixture(t, map[string]deps{
		"a.mod":   {},
		"hud.mod": {page: true},
	})
	ctx := testCtx(t)
	if _, err := f.o.AddScripts(ctx, f.path("a.mod")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if pages := f.o.StatusPages(ctx); strings.Join(pages, ",") != "processes,scripts,errors" {
		t.Fatalf("unexpected pages %v", pages)
	}

	if _, err := f.o.AddScripts(ctx, f.path("hud.mod")); err != nil {
		t.Fatalf("add hud: %v", err)
	}
	if pages := f.o.StatusPages(ctx); strings.Join(pages, ",") != "processes,scripts,errors,hud" {
		t.Fatalf("expected page from a script loaded while shown, got %v", pages)
	}
	data, err := f.o.StatusPage(ctx, "hud")
	if err != nil || data != "hud page" {
		t.Fatalf("unexpected hud page %v err=%v", data, err)
	}

	if _, err := f.o.RemoveScript(ctx, f.path("hud.mod")); err != nil {
		t.Fatalf("remove hud: %v", err)
	}
	if !f.script("hud.mod").closed.Load() {
		t.Fatalf("expected hud disposed")
	}
	if _, err := f.o.StatusPage(ctx, "hud"); !errors.Is(err, ErrUnknownPage) {
		t.Fatalf("expected page withdrawn with its script, got %v", err)
	}
}
