package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danmuck/patchctl/internal/protocol"
)

// AddModule stages module source in the host. It takes effect on the next
// ReloadModules.
func (c *Channel) AddModule(ctx context.Context, module, source string) error {
	return c.Send(ctx, protocol.NewAddModule(c.NextID(), module, source))
}

// RemoveModule stages removal of module. It takes effect on the next
// ReloadModules.
func (c *Channel) RemoveModule(ctx context.Context, module string) error {
	return c.Send(ctx, protocol.NewRemoveModule(c.NextID(), module))
}

// Run executes source in the host without waiting for a result.
func (c *Channel) Run(ctx context.Context, source string) error {
	return c.Send(ctx, protocol.NewRun(c.NextID(), source))
}

// ReloadModules commits every staged add and remove.
func (c *Channel) ReloadModules(ctx context.Context) error {
	return c.Send(ctx, protocol.NewReloadModules(c.NextID()))
}

// CallFunction calls module.function with args encoded as a JSON array and
// returns the JSON text of the result. No args sends no payload.
func (c *Channel) CallFunction(ctx context.Context, module, function string, args ...any) ([]byte, error) {
	var payload []byte
	if len(args) > 0 {
		b, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("rpc: encode args for %s.%s: %w", module, function, err)
		}
		payload = b
	}
	raw, err := c.Call(ctx, protocol.NewCallFunction(0, module, function, payload))
	if err != nil {
		return nil, err
	}
	return decodeText(raw)
}

// CallFunctionAs calls module.function and decodes the JSON result into T.
// A malformed result fails only this call with ErrProtocolDecode.
func CallFunctionAs[T any](ctx context.Context, c *Channel, module, function string, args ...any) (T, error) {
	var out T
	text, err := c.CallFunction(ctx, module, function, args...)
	if err != nil {
		return out, err
	}
	if len(text) == 0 {
		return out, fmt.Errorf("%w: empty result from %s.%s", ErrProtocolDecode, module, function)
	}
	if err := json.Unmarshal(text, &out); err != nil {
		return out, fmt.Errorf("%w: %s.%s: %v", ErrProtocolDecode, module, function, err)
	}
	return out, nil
}

// Eval evaluates an inline expression or statement block in the host and
// returns the JSON text of its value. The program replies under its own id,
// so the wait is registered before the program is sent.
func (c *Channel) Eval(ctx context.Context, expr string) ([]byte, error) {
	id := c.NextID()
	p := c.Wait(id)
	if err := c.Send(ctx, protocol.NewRun(id, EvalProgram(expr, id))); err != nil {
		p.Cancel()
		return nil, err
	}
	raw, err := p.Result(ctx)
	if err != nil {
		return nil, err
	}
	return decodeText(raw)
}

// EvalProgram wraps expr in a function whose JSON result is sent back with
// reply id. Single expressions are returned; blocks run as the function body.
func EvalProgram(expr string, id uint64) string {
	body := strings.ReplaceAll(expr, "\t", "  ")
	if strings.Contains(body, "\n") || strings.Contains(body, "return ") || strings.HasPrefix(body, "print ") {
		body = "  " + strings.ReplaceAll(body, "\n", "\n  ")
	} else {
		body = "  return " + body
	}
	return fmt.Sprintf(`def __eval__():
%s
result = __eval__()
if result is not None:
  import json
  result = json.dumps(result)
from patchctl import reply
reply(result, id=%d)`, body, id)
}

// decodeText strips the null terminator from a UTF-8 reply payload. An
// empty payload is a valid "no value" reply.
func decodeText(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	text, err := protocol.DecodeUTF8Z(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolDecode, err)
	}
	return []byte(text), nil
}
