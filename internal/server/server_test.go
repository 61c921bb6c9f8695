package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/patchctl/internal/hostproc"
	"github.com/danmuck/patchctl/internal/orchestrator"
	"github.com/danmuck/patchctl/internal/resolve"
	"github.com/danmuck/patchctl/internal/script"
	"github.com/danmuck/patchctl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

type stubController struct {
	added   []string
	removed []string
	reloads int
	calls   []string
	events  chan orchestrator.Event
}

func (s *stubController) Processes() []hostproc.Snapshot {
	return []hostproc.Snapshot{{PID: 42, State: hostproc.StateReady, Status: "Ready"}}
}

func (s *stubController) Scripts() []orchestrator.ScriptInfo {
	return []orchestrator.ScriptInfo{{Name: "a.py", Desired: true, Loaded: true}}
}

func (s *stubController) Errors() []orchestrator.ErrorReport {
	return []orchestrator.ErrorReport{{PID: 42, Text: "boom"}}
}

func (s *stubController) AddScripts(ctx context.Context, paths ...string) (resolve.Result, error) {
	s.added = append(s.added, paths...)
	return resolve.Result{
		Order:  []script.Name{script.NewName("a.py")},
		Failed: map[string]error{"ghost.py": resolve.ErrResolutionFailed},
	}, nil
}

func (s *stubController) RemoveScript(ctx context.Context, path string) (resolve.Result, error) {
	if path == "/missing.py" {
		return resolve.Result{}, fmt.Errorf("%w: %s", orchestrator.ErrScriptNotFound, path)
	}
	s.removed = append(s.removed, path)
	return resolve.Result{}, nil
}

func (s *stubController) ReloadAll(ctx context.Context) error {
	s.reloads++
	return nil
}

func (s *stubController) Eval(ctx context.Context, pid int, expr string) ([]byte, error) {
	if pid != 42 {
		return nil, fmt.Errorf("%w: pid=%d", orchestrator.ErrProcessNotFound, pid)
	}
	s.calls = append(s.calls, "eval:"+expr)
	return []byte(`{"hp":100}`), nil
}

func (s *stubController) CallFunction(ctx context.Context, pid int, module, function string, args ...any) ([]byte, error) {
	if function == "dead" {
		return nil, fmt.Errorf("%w: pid=%d", hostproc.ErrProcessExited, pid)
	}
	s.calls = append(s.calls, fmt.Sprintf("call:%s.%s/%d", module, function, len(args)))
	return []byte("5"), nil
}

func (s *stubController) StatusPages(ctx context.Context) []string {
	return []string{orchestrator.PageProcesses, "hud"}
}

func (s *stubController) StatusPage(ctx context.Context, page string) (any, error) {
	if page != "hud" {
		return nil, orchestrator.ErrUnknownPage
	}
	return map[string]int{"fps": 60}, nil
}

func (s *stubController) Subscribe() (<-chan orchestrator.Event, func()) {
	return s.events, func() {}
}

func newTestServer(t *testing.T, token string) (*Server, *stubController) {
	t.Helper()
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	ctl := &stubController{events: make(chan orchestrator.Event, 4)}
	return New(ctl, Options{Addr: "127.0.0.1:0", Token: token}), ctl
}

func do(t *testing.T, s *Server, method, target, body string, header ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if len(header) == 2 {
		req.Header.Set(header[0], header[1])
	}
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	var out map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode body %q: %v", rr.Body.String(), err)
		}
	}
	return rr, out
}

func TestHealthAndListings(t *testing.T) {
	s, _ := newTestServer(t, "")

	rr, body := do(t, s, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health: %d %v", rr.Code, body)
	}
	rr, body = do(t, s, http.MethodGet, "/processes", "")
	procs, _ := body["processes"].([]any)
	if rr.Code != http.StatusOK || len(procs) != 1 {
		t.Fatalf("unexpected processes: %d %v", rr.Code, body)
	}
	if p := procs[0].(map[string]any); p["state"] != string(hostproc.StateReady) {
		t.Fatalf("unexpected process snapshot: %v", p)
	}
	rr, body = do(t, s, http.MethodGet, "/errors", "")
	if errs, _ := body["errors"].([]any); rr.Code != http.StatusOK || len(errs) != 1 {
		t.Fatalf("unexpected errors: %d %v", rr.Code, body)
	}
}

func TestAddScriptsReturnsOrderAndFailures(t *testing.T) {
	s, ctl := newTestServer(t, "")

	rr, body := do(t, s, http.MethodPost, "/scripts", `{"paths":["/s/a.py","/s/ghost.py"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d body=%s", rr.Code, rr.Body.String())
	}
	if len(ctl.added) != 2 {
		t.Fatalf("expected both paths forwarded, got %v", ctl.added)
	}
	order, _ := body["order"].([]any)
	if len(order) != 1 || order[0] != "a.py" {
		t.Fatalf("unexpected order: %v", body["order"])
	}
	failed, _ := body["failed"].(map[string]any)
	if _, ok := failed["ghost.py"]; !ok {
		t.Fatalf("expected ghost.py failure, got %v", body["failed"])
	}

	rr, _ = do(t, s, http.MethodPost, "/scripts", `{"paths":[]}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty paths, got %d", rr.Code)
	}
}

func TestRemoveAndReload(t *testing.T) {
	s, ctl := newTestServer(t, "")

	if rr, _ := do(t, s, http.MethodDelete, "/scripts?path=/s/a.py", ""); rr.Code != http.StatusOK {
		t.Fatalf("unexpected remove status %d", rr.Code)
	}
	if rr, _ := do(t, s, http.MethodDelete, "/scripts?path=/missing.py", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown script, got %d", rr.Code)
	}
	if rr, _ := do(t, s, http.MethodDelete, "/scripts", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without path, got %d", rr.Code)
	}
	if rr, _ := do(t, s, http.MethodPost, "/scripts/reload", ""); rr.Code != http.StatusOK {
		t.Fatalf("unexpected reload status %d", rr.Code)
	}
	if len(ctl.removed) != 1 || ctl.reloads != 1 {
		t.Fatalf("unexpected controller state removed=%v reloads=%d", ctl.removed, ctl.reloads)
	}
}

func TestEvalAndCallPassResultsThrough(t *testing.T) {
	s, ctl := newTestServer(t, "")

	rr, body := do(t, s, http.MethodPost, "/processes/42/eval", `{"expr":"player.hp"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected eval status %d body=%s", rr.Code, rr.Body.String())
	}
	if res, _ := body["result"].(map[string]any); res["hp"] != float64(100) {
		t.Fatalf("unexpected eval result: %v", body)
	}

	rr, body = do(t, s, http.MethodPost, "/processes/42/call", `{"module":"math","function":"add","args":[2,3]}`)
	if rr.Code != http.StatusOK || body["result"] != float64(5) {
		t.Fatalf("unexpected call: %d %v", rr.Code, body)
	}
	if strings.Join(ctl.calls, ",") != "eval:player.hp,call:math.add/2" {
		t.Fatalf("unexpected calls: %v", ctl.calls)
	}

	cases := []struct {
		target, body string
		want         int
	}{
		{"/processes/7/eval", `{"expr":"1"}`, http.StatusNotFound},
		{"/processes/abc/eval", `{"expr":"1"}`, http.StatusBadRequest},
		{"/processes/42/eval", `{}`, http.StatusBadRequest},
		{"/processes/42/call", `{"module":"m","function":"dead"}`, http.StatusGone},
	}
	for _, tc := range cases {
		if rr, _ := do(t, s, http.MethodPost, tc.target, tc.body); rr.Code != tc.want {
			t.Fatalf("%s %s: expected %d, got %d", tc.target, tc.body, tc.want, rr.Code)
		}
	}
}

func TestStatusPages(t *testing.T) {
	s, _ := newTestServer(t, "")

	rr, body := do(t, s, http.MethodGet, "/status", "")
	if pages, _ := body["pages"].([]any); rr.Code != http.StatusOK || len(pages) != 2 {
		t.Fatalf("unexpected pages: %d %v", rr.Code, body)
	}
	rr, body = do(t, s, http.MethodGet, "/status/hud", "")
	if data, _ := body["data"].(map[string]any); rr.Code != http.StatusOK || data["fps"] != float64(60) {
		t.Fatalf("unexpected page: %d %v", rr.Code, body)
	}
	if rr, _ := do(t, s, http.MethodGet, "/status/nope", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown page, got %d", rr.Code)
	}
}

func TestTokenGuardsAPIButNotHealth(t *testing.T) {
	s, _ := newTestServer(t, "secret")

	if rr, _ := do(t, s, http.MethodGet, "/health", ""); rr.Code != http.StatusOK {
		t.Fatalf("health must stay open, got %d", rr.Code)
	}
	if rr, _ := do(t, s, http.MethodGet, "/processes", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	if rr, _ := do(t, s, http.MethodGet, "/processes", "", "Authorization", "Bearer secret"); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rr.Code)
	}
}

func TestEventsStreamUntilClosed(t *testing.T) {
	s, ctl := newTestServer(t, "")

	ctl.events <- orchestrator.Event{Kind: orchestrator.EventProcessAdded, PID: 42}
	close(ctl.events)
	rr, _ := do(t, s, http.MethodGet, "/events", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	out := rr.Body.String()
	if !strings.Contains(out, "event:"+string(orchestrator.EventProcessAdded)) || !strings.Contains(out, `"pid":42`) {
		t.Fatalf("unexpected stream: %q", out)
	}
}

func TestStatusForMapsErrors(t *testing.T) {
	testlog.Start(t)

	if statusFor(errors.New("x")) != http.StatusInternalServerError {
		t.Fatalf("unknown errors map to 500")
	}
	if statusFor(fmt.Errorf("wrap: %w", context.DeadlineExceeded)) != http.StatusGatewayTimeout {
		t.Fatalf("deadline maps to 504")
	}
	if statusFor(orchestrator.ErrNotReady) != http.StatusConflict {
		t.Fatalf("not ready maps to 409")
	}
}
