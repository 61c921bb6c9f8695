package testlog

import (
	"testing"

	"github.com/danmuck/patchctl/internal/logging"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	l := logging.Component("test")
	l.Info().Str("test", t.Name()).Msg("start")
}
