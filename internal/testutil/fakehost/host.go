package fakehost

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/danmuck/patchctl/internal/inject"
	"github.com/danmuck/patchctl/internal/payload"
)

// Host is a dialer and injector pair backed by in-memory pipes. Dial opens
// a pipe for a pid; Inject starts a Peer on its far end and sends the
// hello.
type Host struct {
	// InjectErr fails every injection when set.
	InjectErr error
	// NoHello keeps injected peers from sending the handshake.
	NoHello bool
	// Greet replaces the hello as the first frame a peer sends.
	Greet func(p *Peer) error
	// Setup runs on each new peer before it starts serving.
	Setup func(pid int, p *Peer)

	mu      sync.Mutex
	pending map[int]net.Conn
	peers   map[int]*Peer
	exits   map[int]chan uint32
	ready   chan int
	injects int
}

func NewHost() *Host {
	return &Host{
		pending: make(map[int]net.Conn),
		peers:   make(map[int]*Peer),
		exits:   make(map[int]chan uint32),
		ready:   make(chan int, 64),
	}
}

func (h *Host) Dial(ctx context.Context, target inject.Target) (io.ReadWriteCloser, inject.Endpoint, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, inject.Endpoint{}, nil, err
	}
	local, remote := net.Pipe()
	h.mu.Lock()
	h.pending[target.PID()] = remote
	h.mu.Unlock()
	ep := inject.Endpoint{Read: uintptr(target.PID()), Write: uintptr(target.PID())}
	return local, ep, func() {}, nil
}

func (h *Host) Inject(ctx context.Context, target inject.Target, image payload.Image, ep inject.Endpoint) (*inject.Injection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if target.HasExited() {
		return nil, fmt.Errorf("%w: pid=%d", inject.ErrProcessExited, target.PID())
	}
	if err := image.Validate(); err != nil {
		return nil, err
	}
	pid := target.PID()
	h.mu.Lock()
	h.injects++
	if h.InjectErr != nil {
		err := h.InjectErr
		h.mu.Unlock()
		return nil, &inject.StepError{PID: pid, Step: inject.StepAllocate, Err: err}
	}
	conn, ok := h.pending[pid]
	if !ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("fakehost: pid=%d was not dialed", pid)
	}
	delete(h.pending, pid)
	if _, dup := h.peers[pid]; dup {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: pid=%d", inject.ErrAlreadyInjected, pid)
	}
	peer := NewPeer(conn)
	exit := make(chan uint32, 1)
	h.peers[pid] = peer
	h.exits[pid] = exit
	noHello := h.NoHello
	greet := h.Greet
	setup := h.Setup
	h.mu.Unlock()

	if setup != nil {
		setup(pid, peer)
	}
	threadID := uint32(pid) + 1000
	go func() { _ = peer.Serve() }()
	go func() {
		switch {
		case noHello:
		case greet != nil:
			_ = greet(peer)
		default:
			_ = peer.Hello(threadID)
		}
		h.ready <- pid
	}()
	return &inject.Injection{Region: io.NopCloser(nil), ThreadID: threadID, Exit: exit}, nil
}

// Peer returns the payload peer injected into pid.
func (h *Host) Peer(pid int) (*Peer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.peers[pid]
	return p, ok
}

// Ready yields each pid once its peer is serving and its hello was sent.
func (h *Host) Ready() <-chan int { return h.ready }

// Injections returns how many Inject calls were made.
func (h *Host) Injections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.injects
}

// ExitPayload ends the payload thread in pid with code.
func (h *Host) ExitPayload(pid int, code uint32) {
	h.mu.Lock()
	exit, ok := h.exits[pid]
	delete(h.exits, pid)
	h.mu.Unlock()
	if ok {
		exit <- code
		close(exit)
	}
}
