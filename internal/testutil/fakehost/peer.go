package fakehost

import (
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/danmuck/patchctl/internal/protocol"
)

var evalReply = regexp.MustCompile(`reply\(result, id=(\d+)\)`)

// FuncHandler answers a CallFunction. args is the JSON argument array, or
// nil when the caller passed none. The returned text is sent as the reply.
type FuncHandler func(args []byte) (string, error)

// Peer plays the payload end of one channel. It records every request it
// receives and answers calls from its handler tables.
type Peer struct {
	conn   net.Conn
	limits protocol.Limits

	writeMu sync.Mutex

	mu        sync.Mutex
	ops       []string
	modules   map[string]string
	staged    map[string]*string
	functions map[string]FuncHandler
	eval      func(source string) string

	// Silent stops the peer from answering calls and evals.
	Silent atomic.Bool

	done chan struct{}
	err  error
}

func NewPeer(conn net.Conn) *Peer {
	return &Peer{
		conn:      conn,
		limits:    protocol.DefaultLimits(),
		modules:   make(map[string]string),
		staged:    make(map[string]*string),
		functions: make(map[string]FuncHandler),
		done:      make(chan struct{}),
	}
}

// Handle registers fn for module.function.
func (p *Peer) Handle(module, function string, fn FuncHandler) {
	p.mu.Lock()
	p.functions[module+"."+function] = fn
	p.mu.Unlock()
}

// OnEval sets the JSON text returned for eval programs. The default is
// "null".
func (p *Peer) OnEval(fn func(source string) string) {
	p.mu.Lock()
	p.eval = fn
	p.mu.Unlock()
}

// Ops returns the requests seen so far as "add:m", "remove:m", "reload",
// "run" or "call:m.f".
func (p *Peer) Ops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.ops))
	copy(out, p.ops)
	return out
}

// Modules returns the committed module sources.
func (p *Peer) Modules() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.modules))
	for k, v := range p.modules {
		out[k] = v
	}
	return out
}

func (p *Peer) Done() <-chan struct{} { return p.done }

// Send writes msg to the controller.
func (p *Peer) Send(msg *protocol.Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return protocol.Encode(p.conn, msg, p.limits)
}

func (p *Peer) Hello(threadID uint32) error { return p.Send(protocol.NewHello(threadID)) }

// ReportError sends an unsolicited error report.
func (p *Peer) ReportError(text string) error { return p.Send(protocol.NewErrorReport(text)) }

// Post sends payload to the controller stream named name.
func (p *Peer) Post(name string, payload []byte) error {
	return p.Send(protocol.NewPost(name, payload))
}

func (p *Peer) Close() error { return p.conn.Close() }

// Serve reads requests until the connection closes.
func (p *Peer) Serve() error {
	defer close(p.done)
	for {
		msg, err := protocol.Decode(p.conn, p.limits)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				err = nil
			}
			p.err = err
			return err
		}
		if err := p.handle(msg); err != nil {
			p.err = err
			return err
		}
	}
}

func (p *Peer) handle(msg *protocol.Message) error {
	id := msg.Header.MessageID
	switch msg.Header.MessageType {
	case protocol.MessageAddModule:
		module, _ := msg.StringField(protocol.FieldModuleName)
		raw, _ := msg.BytesField(protocol.FieldText)
		source, _ := protocol.DecodeUTF8Z(raw)
		p.record("add:"+module, func() { p.staged[module] = &source })
	case protocol.MessageRemoveModule:
		module, _ := msg.StringField(protocol.FieldModuleName)
		p.record("remove:"+module, func() { p.staged[module] = nil })
	case protocol.MessageReloadModules:
		p.record("reload", func() {
			for name, src := range p.staged {
				if src == nil {
					delete(p.modules, name)
				} else {
					p.modules[name] = *src
				}
			}
			p.staged = make(map[string]*string)
		})
	case protocol.MessageRun:
		raw, _ := msg.BytesField(protocol.FieldText)
		source, _ := protocol.DecodeUTF8Z(raw)
		p.record("run", nil)
		m := evalReply.FindStringSubmatch(source)
		if m == nil || p.Silent.Load() {
			return nil
		}
		replyID, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			return err
		}
		p.mu.Lock()
		eval := p.eval
		p.mu.Unlock()
		result := "null"
		if eval != nil {
			result = eval(source)
		}
		return p.Send(protocol.NewReply(replyID, protocol.EncodeZ(result)))
	case protocol.MessageCallFunction:
		module, _ := msg.StringField(protocol.FieldModuleName)
		function, _ := msg.StringField(protocol.FieldFunctionName)
		key := module + "." + function
		var fn FuncHandler
		p.record("call:"+key, func() { fn = p.functions[key] })
		if p.Silent.Load() {
			return nil
		}
		if fn == nil {
			return p.Send(protocol.NewErrorReply(id, fmt.Sprintf("no function %s", key)))
		}
		var args []byte
		if raw, _ := msg.BytesField(protocol.FieldPayload); raw != nil {
			text, err := protocol.DecodeUTF8Z(raw)
			if err != nil {
				return p.Send(protocol.NewErrorReply(id, err.Error()))
			}
			args = []byte(text)
		}
		text, err := fn(args)
		if err != nil {
			return p.Send(protocol.NewErrorReply(id, err.Error()))
		}
		return p.Send(protocol.NewReply(id, protocol.EncodeZ(text)))
	}
	return nil
}

func (p *Peer) record(op string, apply func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, op)
	if apply != nil {
		apply()
	}
}
