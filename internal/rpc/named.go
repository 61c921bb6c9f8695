package rpc

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/patchctl/internal/protocol"
)

const defaultStreamBuffer = 64

var ErrEmptyStreamName = errors.New("rpc: stream name is empty")

// Stream receives the payloads a host posts under one name. Streams are
// created on first use and live until the channel closes.
type Stream struct {
	name string
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func newStream(name string, size int) *Stream {
	return &Stream{name: name, ch: make(chan []byte, size), done: make(chan struct{})}
}

func (s *Stream) Name() string { return s.name }

// Receive returns the next posted payload. Payloads already buffered are
// still returned after the stream closes; then ErrClosed.
func (s *Stream) Receive(ctx context.Context) ([]byte, error) {
	select {
	case b := <-s.ch:
		return b, nil
	default:
	}
	select {
	case b := <-s.ch:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		select {
		case b := <-s.ch:
			return b, nil
		default:
		}
		return nil, ErrClosed
	}
}

// Done is closed once the stream stops accepting payloads.
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) close() {
	s.once.Do(func() { close(s.done) })
}

// push never blocks the receive loop. It reports false when the buffer is
// full or the stream is closed.
func (s *Stream) push(b []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- b:
		return true
	default:
		return false
	}
}

// Named returns the stream for name, creating it on first use. On a closed
// channel the stream is returned already closed.
func (c *Channel) Named(name string) (*Stream, error) {
	if name == "" {
		return nil, ErrEmptyStreamName
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.streams[name]; ok {
		return s, nil
	}
	s := newStream(name, c.streamBuffer)
	if c.closed {
		s.close()
		return s, nil
	}
	c.streams[name] = s
	c.log.Debug().Msgf("rpc.Channel.Named created name=%s", name)
	return s, nil
}

// StreamNames lists the streams opened so far.
func (c *Channel) StreamNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.streams))
	for name := range c.streams {
		names = append(names, name)
	}
	return names
}

func (c *Channel) post(msg *protocol.Message) {
	name, _ := msg.StringField(protocol.FieldChannel)
	payload, _ := msg.BytesField(protocol.FieldPayload)
	c.mu.Lock()
	s, ok := c.streams[name]
	c.mu.Unlock()
	if !ok {
		c.log.Debug().Msgf("rpc.Channel.post no stream name=%s dropped", name)
		return
	}
	if !s.push(payload) {
		c.log.Warn().Msgf("rpc.Channel.post stream full name=%s dropped", name)
	}
}

func (c *Channel) closeStreams() {
	c.mu.Lock()
	streams := c.streams
	c.streams = make(map[string]*Stream)
	c.mu.Unlock()
	for _, s := range streams {
		s.close()
	}
}
