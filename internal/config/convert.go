package config

import (
	"github.com/danmuck/patchctl/internal/hostproc"
	"github.com/danmuck/patchctl/internal/protocol"
)

func (c Config) Limits() protocol.Limits {
	return protocol.Limits{MaxPayloadBytes: c.MaxPayloadBytes}
}

// ManagerOptions returns the lifecycle settings taken from the config. The
// injector, dialer and image are filled in by the caller.
func (c Config) ManagerOptions() hostproc.ManagerOptions {
	return hostproc.ManagerOptions{
		Limits:           c.Limits(),
		HandshakeTimeout: c.HandshakeTimeout,
	}
}
