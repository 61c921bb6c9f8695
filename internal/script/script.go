// Package script owns script identity, the script contract the orchestrator
// drives, and the per-extension factories that build scripts from files.
package script

import "context"

// Channel is the subset of a host RPC channel scripts use to push modules.
type Channel interface {
	AddModule(ctx context.Context, module, source string) error
	RemoveModule(ctx context.Context, module string) error
	Run(ctx context.Context, source string) error
	CallFunction(ctx context.Context, module, function string, args ...any) ([]byte, error)
}

// Stream carries payloads the host posts under one name.
type Stream interface {
	Name() string
	Receive(ctx context.Context) ([]byte, error)
}

// Host is one injected host process as seen by a script.
type Host interface {
	PID() int
	Channel() Channel
	// NamedChannel opens the stream for name on first use.
	NamedChannel(name string) (Stream, error)
}

// Script is a loadable unit shared by every host process it is pushed into.
type Script interface {
	Name() Name
	Dependencies() []Name
	OptionalDependencies() []Name

	Initialize(ctx context.Context) error
	LoadInto(ctx context.Context, h Host) error
	LoadedInto(ctx context.Context, h Host) error
	UnloadFrom(ctx context.Context, h Host) error
	Reload(ctx context.Context) error
	Close() error
}

// StatusBoard is the status surface scripts may publish pages to.
type StatusBoard interface {
	Publish(page string, data func() any)
	Withdraw(page string)
}

// StatusObserver is implemented by scripts that contribute status pages.
type StatusObserver interface {
	OnStatusShown(ctx context.Context, board StatusBoard) error
	OnStatusHidden(ctx context.Context, board StatusBoard) error
}
