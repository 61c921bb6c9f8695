package watch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/patchctl/internal/hostproc"
	"github.com/danmuck/patchctl/internal/testutil/fakehost"
	"github.com/danmuck/patchctl/internal/testutil/testlog"
)

type recordingNotifier struct {
	mu   sync.Mutex
	pids []int
	live map[int]bool
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{live: make(map[int]bool)}
}

func (n *recordingNotifier) NotifyNewProcess(proc hostproc.Process) (*hostproc.HostProcess, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.live[proc.PID()] {
		_ = proc.Close()
		return nil, false
	}
	n.live[proc.PID()] = true
	n.pids = append(n.pids, proc.PID())
	return nil, true
}

func (n *recordingNotifier) notified() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int(nil), n.pids...)
}

type staticLister struct {
	mu      sync.Mutex
	entries []Entry
	err     error
}

func (l *staticLister) set(entries ...Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = entries
}

func (l *staticLister) List(context.Context) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...), l.err
}

func openFake(pid int) (hostproc.Process, error) { return fakehost.NewProcess(pid), nil }

func TestPollNotifiesMatchingPidsOnce(t *testing.T) {
	testlog.Start(t)

	lister := &staticLister{}
	lister.set(
		Entry{PID: 10, Name: "Game.EXE"},
		Entry{PID: 11, Name: "explorer.exe"},
		Entry{PID: 12, Name: `C:\games\game.exe`},
	)
	notifier := newRecordingNotifier()
	w, err := New(notifier, Options{Names: []string{"game.exe"}, Lister: lister, Open: openFake})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	n, err := w.Poll(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected two new processes, got n=%d err=%v", n, err)
	}
	if n, _ := w.Poll(ctx); n != 0 {
		t.Fatalf("second poll must not renotify, got %d", n)
	}
	got := notifier.notified()
	if len(got) != 2 || got[0] != 10 || got[1] != 12 {
		t.Fatalf("unexpected notifications: %v", got)
	}
}

func TestVanishedPidIsForgotten(t *testing.T) {
	testlog.Start(t)

	lister := &staticLister{}
	lister.set(Entry{PID: 20, Name: "game.exe"})
	notifier := newRecordingNotifier()
	w, err := New(notifier, Options{Names: []string{"game.exe"}, Lister: lister, Open: openFake})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if _, err := w.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	lister.set()
	if _, err := w.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	w.mu.Lock()
	seen := len(w.seen)
	w.mu.Unlock()
	if seen != 0 {
		t.Fatalf("expected vanished pid forgotten, seen=%d", seen)
	}
}

func TestOpenFailureRetriedNextPoll(t *testing.T) {
	testlog.Start(t)

	lister := &staticLister{}
	lister.set(Entry{PID: 30, Name: "game.exe"})
	fails := 1
	open := func(pid int) (hostproc.Process, error) {
		if fails > 0 {
			fails--
			return nil, errors.New("access denied")
		}
		return fakehost.NewProcess(pid), nil
	}
	notifier := newRecordingNotifier()
	w, err := New(notifier, Options{Names: []string{"game.exe"}, Lister: lister, Open: open})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if n, _ := w.Poll(ctx); n != 0 {
		t.Fatalf("expected failed open to notify nothing, got %d", n)
	}
	if n, _ := w.Poll(ctx); n != 1 {
		t.Fatalf("expected retry to notify, got %d", n)
	}
}

func TestRunStopsOnUnsupportedLister(t *testing.T) {
	testlog.Start(t)

	lister := &staticLister{err: ErrUnsupported}
	w, err := New(newRecordingNotifier(), Options{Names: []string{"game.exe"}, Lister: lister, Open: openFake})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := w.Run(context.Background()); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestRunPollsUntilCancelled(t *testing.T) {
	testlog.Start(t)

	lister := &staticLister{}
	notifier := newRecordingNotifier()
	w, err := New(notifier, Options{Names: []string{"game.exe"}, Interval: 5 * time.Millisecond, Lister: lister, Open: openFake})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	lister.set(Entry{PID: 40, Name: "game.exe"})
	deadline := time.After(2 * time.Second)
	for len(notifier.notified()) == 0 {
		select {
		case <-deadline:
			t.Fatalf("watcher never discovered the process")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	testlog.Start(t)

	if _, err := New(nil, Options{Names: []string{"a"}}); !errors.Is(err, ErrNilNotifier) {
		t.Fatalf("expected ErrNilNotifier, got %v", err)
	}
	if _, err := New(newRecordingNotifier(), Options{Names: []string{" "}}); !errors.Is(err, ErrNoNames) {
		t.Fatalf("expected ErrNoNames, got %v", err)
	}
}
