// Package rpc correlates requests and replies exchanged with one injected
// payload. The transport only guarantees ordered bytes; replies are routed
// solely by the message id they carry.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/danmuck/patchctl/internal/logging"
	"github.com/danmuck/patchctl/internal/observability"
	"github.com/danmuck/patchctl/internal/protocol"
	"github.com/rs/zerolog"
)

var (
	ErrClosed         = errors.New("rpc: channel closed")
	ErrProtocolDecode = errors.New("rpc: protocol decode failed")
	ErrRemote         = errors.New("rpc: remote error")
	ErrNilConn        = errors.New("rpc: connection is nil")
)

// Reporter receives unsolicited error reports from a payload.
type Reporter interface {
	ReportError(pid int, text string)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(pid int, text string)

func (f ReporterFunc) ReportError(pid int, text string) { f(pid, text) }

type Options struct {
	PID      int
	Limits   protocol.Limits
	Reporter Reporter
	// StreamBuffer is the per-stream payload buffer; zero uses 64.
	StreamBuffer int
}

// Channel is the controller end of one payload connection.
type Channel struct {
	conn     io.ReadWriteCloser
	pid      int
	limits   protocol.Limits
	reporter Reporter
	log      zerolog.Logger

	nextID     atomic.Uint64
	peerThread atomic.Uint32

	writeMu sync.Mutex

	mu           sync.Mutex
	waiters      map[uint64]*Pending
	streams      map[string]*Stream
	streamBuffer int
	closed       bool
	err          error

	greeted   chan struct{}
	greetOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
	serving   atomic.Bool
}

func New(conn io.ReadWriteCloser, opts Options) (*Channel, error) {
	if conn == nil {
		return nil, ErrNilConn
	}
	limits := opts.Limits
	if limits.MaxPayloadBytes == 0 {
		limits = protocol.DefaultLimits()
	}
	size := opts.StreamBuffer
	if size <= 0 {
		size = defaultStreamBuffer
	}
	return &Channel{
		conn:         conn,
		pid:          opts.PID,
		limits:       limits,
		reporter:     opts.Reporter,
		log:          logging.Component("rpc").With().Int("pid", opts.PID).Logger(),
		waiters:      make(map[uint64]*Pending),
		streams:      make(map[string]*Stream),
		streamBuffer: size,
		greeted:      make(chan struct{}),
		done:         make(chan struct{}),
	}, nil
}

func (c *Channel) PID() int { return c.pid }

// SetPeerThreadID records the payload thread id for diagnostics.
func (c *Channel) SetPeerThreadID(id uint32) { c.peerThread.Store(id) }

func (c *Channel) PeerThreadID() uint32 { return c.peerThread.Load() }

// NextID allocates a fresh message id. Ids start at 1; 0 marks unsolicited
// messages.
func (c *Channel) NextID() uint64 { return c.nextID.Add(1) }

// Done is closed once the channel stops.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Greeted is closed once the first inbound frame of any kind arrives.
func (c *Channel) Greeted() <-chan struct{} { return c.greeted }

// Err returns the reason the channel closed, or nil while open.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Pending is a registered wait for the reply to one message id.
type Pending struct {
	id uint64
	ch chan result
	c  *Channel
}

type result struct {
	payload []byte
	err     error
}

func (p *Pending) ID() uint64 { return p.id }

// Result blocks until the reply arrives, ctx is done, or the channel closes.
// A cancelled wait is unregistered so a late reply is dropped.
func (p *Pending) Result(ctx context.Context) ([]byte, error) {
	select {
	case r := <-p.ch:
		return r.payload, r.err
	default:
	}
	select {
	case r := <-p.ch:
		return r.payload, r.err
	case <-ctx.Done():
		p.Cancel()
		return nil, ctx.Err()
	case <-p.c.done:
		select {
		case r := <-p.ch:
			return r.payload, r.err
		default:
		}
		return nil, p.c.closedErr()
	}
}

// Cancel unregisters the wait.
func (p *Pending) Cancel() {
	p.c.mu.Lock()
	if cur, ok := p.c.waiters[p.id]; ok && cur == p {
		delete(p.c.waiters, p.id)
	}
	p.c.mu.Unlock()
}

// Wait registers a waiter for id. Register before sending so a fast reply
// cannot be missed.
func (c *Channel) Wait(id uint64) *Pending {
	p := &Pending{id: id, ch: make(chan result, 1), c: c}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		p.ch <- result{err: c.closedErrLocked()}
		return p
	}
	c.waiters[id] = p
	return p
}

// Send writes msg without waiting for a reply. Writes are serialized.
func (c *Channel) Send(ctx context.Context, msg *protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}
	c.writeMu.Lock()
	err := protocol.Encode(c.conn, msg, c.limits)
	c.writeMu.Unlock()
	observability.RecordRPCMessage(msg.Header.MessageType.String(), err)
	if err != nil {
		c.log.Debug().Msgf("rpc.Channel.Send failed type=%s id=%d err=%v", msg.Header.MessageType, msg.Header.MessageID, err)
		return fmt.Errorf("rpc: send %s: %w", msg.Header.MessageType, err)
	}
	return nil
}

// Call assigns msg a fresh id, sends it and waits for the matching reply.
func (c *Channel) Call(ctx context.Context, msg *protocol.Message) ([]byte, error) {
	msg.Header.MessageID = c.NextID()
	p := c.Wait(msg.Header.MessageID)
	if err := c.Send(ctx, msg); err != nil {
		p.Cancel()
		return nil, err
	}
	return p.Result(ctx)
}

// AwaitGreeting blocks until the first inbound frame arrives, ctx is done,
// or the channel closes.
func (c *Channel) AwaitGreeting(ctx context.Context) error {
	select {
	case <-c.greeted:
		return nil
	default:
	}
	select {
	case <-c.greeted:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.closedErr()
	}
}

// Start runs Serve on a new goroutine.
func (c *Channel) Start(ctx context.Context) {
	go func() {
		if err := c.Serve(ctx); err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
			c.log.Debug().Msgf("rpc.Channel.Serve stopped err=%v", err)
		}
	}()
}

// Serve reads frames until the connection fails or ctx is done. The channel
// is closed on return.
func (c *Channel) Serve(ctx context.Context) error {
	if !c.serving.CompareAndSwap(false, true) {
		return errors.New("rpc: channel already serving")
	}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.closeWith(ctx.Err())
		case <-stop:
		}
	}()

	for {
		msg, err := protocol.Decode(c.conn, c.limits)
		var ferr *protocol.FieldError
		if errors.As(err, &ferr) {
			c.greet()
			c.dispatchMalformed(ferr)
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrClosed
			}
			c.closeWith(err)
			return c.closedErr()
		}
		c.greet()
		c.dispatch(msg)
	}
}

func (c *Channel) greet() {
	c.greetOnce.Do(func() { close(c.greeted) })
}

func (c *Channel) dispatch(msg *protocol.Message) {
	if err := protocol.Validate(msg); err != nil {
		if msg.Header.MessageType == protocol.MessageReply {
			c.deliver(msg.Header.MessageID, result{err: fmt.Errorf("%w: %v", ErrProtocolDecode, err)})
			return
		}
		c.log.Warn().Msgf("rpc.Channel.dispatch invalid frame type=%d err=%v", uint32(msg.Header.MessageType), err)
		return
	}

	switch msg.Header.MessageType {
	case protocol.MessageReply:
		c.deliver(msg.Header.MessageID, replyResult(msg))
	case protocol.MessageErrorReport:
		observability.RecordErrorReport()
		raw, _ := msg.BytesField(protocol.FieldText)
		text, err := protocol.DecodeASCIIZ(raw)
		if err != nil {
			text = fmt.Sprintf("undecodable error report: %v", err)
		}
		if c.reporter != nil {
			c.reporter.ReportError(c.pid, text)
		} else {
			c.log.Error().Msgf("rpc.Channel.dispatch host error text=%q", text)
		}
	case protocol.MessageHello:
		if f, ok := msg.Field(protocol.FieldThreadID); ok {
			if tid, err := f.Uint32(); err == nil && tid != 0 {
				c.SetPeerThreadID(tid)
			}
		}
	case protocol.MessagePost:
		c.post(msg)
	default:
		c.log.Warn().Msgf("rpc.Channel.dispatch unsolicited type=%s id=%d dropped", msg.Header.MessageType, msg.Header.MessageID)
	}
}

// dispatchMalformed handles a frame whose header parsed but whose fields did
// not. A reply fails its waiter; anything else is dropped.
func (c *Channel) dispatchMalformed(ferr *protocol.FieldError) {
	if ferr.Header.MessageType == protocol.MessageReply {
		c.deliver(ferr.Header.MessageID, result{err: fmt.Errorf("%w: %v", ErrProtocolDecode, ferr.Err)})
		return
	}
	c.log.Warn().Msgf("rpc.Channel.dispatchMalformed dropped type=%d id=%d err=%v", uint32(ferr.Header.MessageType), ferr.Header.MessageID, ferr.Err)
}

func replyResult(msg *protocol.Message) result {
	if msg.IsError() {
		raw, _ := msg.BytesField(protocol.FieldText)
		text, err := protocol.DecodeASCIIZ(raw)
		if err != nil {
			return result{err: fmt.Errorf("%w: %v", ErrProtocolDecode, err)}
		}
		return result{err: fmt.Errorf("%w: %s", ErrRemote, text)}
	}
	payload, err := msg.BytesField(protocol.FieldPayload)
	if err != nil {
		return result{err: fmt.Errorf("%w: %v", ErrProtocolDecode, err)}
	}
	return result{payload: payload}
}

// deliver hands r to the waiter for id. Replies nobody waits for are late
// or duplicate and are dropped.
func (c *Channel) deliver(id uint64, r result) {
	c.mu.Lock()
	p, ok := c.waiters[id]
	if ok {
		delete(c.waiters, id)
	}
	c.mu.Unlock()
	if !ok {
		observability.RecordDroppedReply()
		c.log.Debug().Msgf("rpc.Channel.deliver dropped reply id=%d", id)
		return
	}
	p.ch <- r
}

// Close stops the channel and fails every outstanding wait with ErrClosed.
func (c *Channel) Close() error {
	c.closeWith(ErrClosed)
	return nil
}

func (c *Channel) closeWith(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		if cause == nil {
			cause = ErrClosed
		}
		c.err = cause
		waiters := c.waiters
		c.waiters = make(map[uint64]*Pending)
		c.mu.Unlock()

		_ = c.conn.Close()
		close(c.done)
		for _, p := range waiters {
			p.ch <- result{err: c.closedErr()}
		}
		c.closeStreams()
		c.log.Debug().Msgf("rpc.Channel.close cause=%v", cause)
	})
}

func (c *Channel) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closedErrLocked()
}

func (c *Channel) closedErrLocked() error {
	if c.err == nil || errors.Is(c.err, ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrClosed, c.err)
}
