package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

const (
	PageProcesses = "processes"
	PageScripts   = "scripts"
	PageErrors    = "errors"
)

var ErrUnknownPage = errors.New("orchestrator: unknown status page")

// Board collects the status pages scripts publish.
type Board struct {
	mu    sync.RWMutex
	pages map[string]func() any
}

func NewBoard() *Board {
	return &Board{pages: make(map[string]func() any)}
}

func (b *Board) Publish(page string, data func() any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages[page] = data
}

func (b *Board) Withdraw(page string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pages, page)
}

func (b *Board) Page(page string) (any, bool) {
	b.mu.RLock()
	data, ok := b.pages[page]
	b.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return data(), true
}

func (b *Board) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.pages))
	for name := range b.pages {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// StatusPages lists the built-in pages followed by script pages.
func (o *Orchestrator) StatusPages(ctx context.Context) []string {
	o.showStatus(ctx)
	return append([]string{PageProcesses, PageScripts, PageErrors}, o.board.Names()...)
}

// StatusPage returns the data behind one status page. The first request
// notifies scripts that the status surface is shown.
func (o *Orchestrator) StatusPage(ctx context.Context, page string) (any, error) {
	switch page {
	case PageProcesses:
		return o.Processes(), nil
	case PageScripts:
		return o.Scripts(), nil
	case PageErrors:
		return o.Errors(), nil
	}
	o.showStatus(ctx)
	if data, ok := o.board.Page(page); ok {
		return data, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownPage, page)
}

func (o *Orchestrator) showStatus(ctx context.Context) {
	o.mu.Lock()
	if o.statusShown {
		o.mu.Unlock()
		return
	}
	o.statusShown = true
	o.mu.Unlock()
	if err := o.lib.StatusShown(ctx, o.board); err != nil {
		o.ReportError(0, fmt.Sprintf("status shown: %v", err))
	}
}

func (o *Orchestrator) hideStatus(ctx context.Context) {
	o.mu.Lock()
	shown := o.statusShown
	o.statusShown = false
	o.mu.Unlock()
	if !shown {
		return
	}
	if err := o.lib.StatusHidden(ctx, o.board); err != nil {
		o.log.Warn().Msgf("orchestrator.hideStatus err=%v", err)
	}
}
