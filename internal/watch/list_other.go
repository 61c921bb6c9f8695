//go:build !linux && !windows

package watch

import "context"

type unsupportedLister struct{}

func SystemLister() Lister { return unsupportedLister{} }

func (unsupportedLister) List(context.Context) ([]Entry, error) { return nil, ErrUnsupported }
