package rpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/patchctl/internal/protocol"
	"github.com/danmuck/patchctl/internal/testutil/testlog"
)

func TestNamedStreamsRoutePostsByName(t *testing.T) {
	testlog.Start(t)

	ch, peer := newPeerChannel(t, nil)
	peer.Handle("sys", "ping", func([]byte) (string, error) { return "null", nil })
	ctx := testContext(t)

	logs, err := ch.Named("log")
	if err != nil {
		t.Fatalf("named: %v", err)
	}
	metrics, err := ch.Named("metrics")
	if err != nil {
		t.Fatalf("named: %v", err)
	}
	if _, err := ch.Named(""); !errors.Is(err, ErrEmptyStreamName) {
		t.Fatalf("expected ErrEmptyStreamName, got %v", err)
	}

	for _, post := range []struct{ name, body string }{
		{"metrics", "m1"},
		{"log", "l1"},
		{"nobody", "dropped"},
		{"log", "l2"},
	} {
		if err := peer.Post(post.name, []byte(post.body)); err != nil {
			t.Fatalf("post: %v", err)
		}
	}
	for _, want := range []string{"l1", "l2"} {
		got, err := logs.Receive(ctx)
		if err != nil || string(got) != want {
			t.Fatalf("expected %s, got %q err=%v", want, got, err)
		}
	}
	if got, err := metrics.Receive(ctx); err != nil || string(got) != "m1" {
		t.Fatalf("expected m1, got %q err=%v", got, err)
	}

	if err := peer.Post("log", []byte("l3")); err != nil {
		t.Fatalf("post: %v", err)
	}
	// The reply is read after the post, so l3 is buffered once it returns.
	if _, err := ch.CallFunction(ctx, "sys", "ping"); err != nil {
		t.Fatalf("ping: %v", err)
	}
	_ = ch.Close()

	if got, err := logs.Receive(ctx); err != nil || string(got) != "l3" {
		t.Fatalf("expected buffered l3 after close, got %q err=%v", got, err)
	}
	if _, err := logs.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	late, err := ch.Named("late")
	if err != nil {
		t.Fatalf("named after close: %v", err)
	}
	select {
	case <-late.Done():
	default:
		t.Fatalf("stream opened on a closed channel must be closed")
	}
}

func TestAwaitGreetingOnAnyFirstFrame(t *testing.T) {
	testlog.Start(t)

	local, remote := net.Pipe()
	ch, err := New(local, Options{PID: 5})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := testContext(t)
	ch.Start(ctx)
	defer ch.Close()

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := ch.AwaitGreeting(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected no greeting yet, got %v", err)
	}

	go func() {
		_ = protocol.Encode(remote, protocol.NewPost("boot", nil), protocol.DefaultLimits())
	}()
	if err := ch.AwaitGreeting(ctx); err != nil {
		t.Fatalf("await greeting: %v", err)
	}
	if tid := ch.PeerThreadID(); tid != 0 {
		t.Fatalf("a post must not set the peer thread id, got %d", tid)
	}
}

func TestAwaitGreetingFailsOnClose(t *testing.T) {
	testlog.Start(t)

	local, _ := net.Pipe()
	ch, err := New(local, Options{PID: 6})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_ = ch.Close()
	if err := ch.AwaitGreeting(testContext(t)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
