package hostproc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/patchctl/internal/inject"
	"github.com/danmuck/patchctl/internal/logging"
	"github.com/danmuck/patchctl/internal/observability"
	"github.com/danmuck/patchctl/internal/payload"
	"github.com/danmuck/patchctl/internal/protocol"
	"github.com/danmuck/patchctl/internal/rpc"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrHandshake   = errors.New("hostproc: handshake failed")
	ErrNilInjector = errors.New("hostproc: injector is nil")
)

// Coordinator is the orchestrator side of a managed process.
type Coordinator interface {
	rpc.Reporter
	// LoadInitial pushes the current script order into a process that just
	// completed its handshake. It may mark the process ready itself.
	LoadInitial(ctx context.Context, hp *HostProcess) error
	// Changed is called after every state or status transition.
	Changed(hp *HostProcess)
	// Detach is called exactly once after the process is disposed.
	Detach(hp *HostProcess)
}

type ManagerOptions struct {
	Injector         inject.Injector
	Dialer           Dialer
	Image            payload.Image
	Limits           protocol.Limits
	HandshakeTimeout time.Duration
}

// Manager drives host processes from discovery to exit.
type Manager struct {
	injector         inject.Injector
	dialer           Dialer
	image            payload.Image
	limits           protocol.Limits
	handshakeTimeout time.Duration
	coord            Coordinator
	log              zerolog.Logger
}

func NewManager(opts ManagerOptions, coord Coordinator) (*Manager, error) {
	if opts.Injector == nil {
		return nil, ErrNilInjector
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = PipeDialer{}
	}
	return &Manager{
		injector:         opts.Injector,
		dialer:           dialer,
		image:            opts.Image,
		limits:           opts.Limits,
		handshakeTimeout: opts.HandshakeTimeout,
		coord:            coord,
		log:              logging.Component("hostproc"),
	}, nil
}

// Run owns hp until it exits. It returns nil when the process exited or
// ctx ended, and the failure when the process had to be abandoned. hp is
// disposed and detached before Run returns.
func (m *Manager) Run(ctx context.Context, hp *HostProcess) (err error) {
	ctx, span := observability.Tracer().Start(ctx, "hostproc.run",
		trace.WithAttributes(attribute.Int("pid", hp.PID()), attribute.String("session", hp.Session().String())))
	defer span.End()

	log := m.log.With().Int("pid", hp.PID()).Str("session", hp.Session().String()).Logger()
	defer func() {
		if disposeErr := hp.Dispose(); disposeErr != nil {
			log.Debug().Msgf("hostproc.Manager.Run dispose err=%v", disposeErr)
		}
		m.transition(hp, StateExited, exitStatus(hp, err))
		if err != nil {
			span.RecordError(err)
		}
		m.coord.Detach(hp)
		log.Info().Msgf("hostproc.Manager.Run exited status=%q", hp.Status())
	}()

	if hp.Gone() || hp.Process().HasExited() {
		return nil
	}

	m.transition(hp, StateInjecting, "Injecting")
	ch, inj, err := m.inject(ctx, hp)
	if err != nil {
		if errors.Is(err, ErrProcessExited) || hp.Gone() {
			return nil
		}
		observability.RecordInjection(err)
		m.coord.ReportError(hp.PID(), fmt.Sprintf("injection failed: %v", err))
		return err
	}
	observability.RecordInjection(nil)
	ch.SetPeerThreadID(inj.ThreadID)
	log.Info().Msgf("hostproc.Manager.Run injected thread=%d", inj.ThreadID)

	m.transition(hp, StateAwaitingHandshake, "Awaiting handshake")
	err = m.handshake(ctx, hp, ch)
	if inj.Region != nil {
		if closeErr := inj.Region.Close(); closeErr != nil {
			log.Debug().Msgf("hostproc.Manager.Run release region err=%v", closeErr)
		}
	}
	if err != nil {
		if errors.Is(err, ErrProcessExited) || hp.Gone() {
			return nil
		}
		m.coord.ReportError(hp.PID(), err.Error())
		return err
	}

	m.transition(hp, StateLoadingScripts, "Loading scripts")
	if err := m.coord.LoadInitial(ctx, hp); err != nil {
		if errors.Is(err, ErrProcessExited) || hp.Gone() {
			return nil
		}
		m.coord.ReportError(hp.PID(), err.Error())
	}
	if hp.State() == StateLoadingScripts && !hp.Gone() {
		m.transition(hp, StateReady, "Ready")
	}

	select {
	case code, ok := <-inj.Exit:
		if ok {
			hp.SetStatus(fmt.Sprintf("payload terminated with exit code %d", code))
			log.Warn().Msgf("hostproc.Manager.Run payload exit code=%d", code)
		}
		return nil
	case <-ch.Done():
		if !hp.Gone() {
			hp.SetStatus("channel closed")
		}
		return nil
	case <-hp.Exited():
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (m *Manager) inject(ctx context.Context, hp *HostProcess) (*rpc.Channel, *inject.Injection, error) {
	conn, ep, release, err := m.dialer.Dial(ctx, hp.Process())
	if err != nil {
		return nil, nil, err
	}
	ch, err := rpc.New(conn, rpc.Options{PID: hp.PID(), Limits: m.limits, Reporter: m.coord})
	if err != nil {
		release()
		_ = conn.Close()
		return nil, nil, err
	}
	hp.setChannel(ch)
	hp.Go(ch.Serve)

	var inj *inject.Injection
	err = hp.Race(ctx, func(ctx context.Context) error {
		var err error
		inj, err = m.injector.Inject(ctx, hp.Process(), m.image, ep)
		return err
	})
	release()
	if err != nil {
		return nil, nil, err
	}
	return ch, inj, nil
}

// handshake waits for the first inbound frame, whatever its kind. A hello
// carrying a thread id updates the peer id as it is dispatched.
func (m *Manager) handshake(ctx context.Context, hp *HostProcess, ch *rpc.Channel) error {
	return hp.Race(ctx, func(ctx context.Context) error {
		if m.handshakeTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.handshakeTimeout)
			defer cancel()
		}
		if err := ch.AwaitGreeting(ctx); err != nil {
			return fmt.Errorf("%w: pid=%d: %w", ErrHandshake, hp.PID(), err)
		}
		return nil
	})
}

func (m *Manager) transition(hp *HostProcess, state State, status string) {
	hp.SetState(state, status)
	observability.RecordProcessState(string(state))
	m.log.Debug().Msgf("hostproc.Manager.transition pid=%d state=%s", hp.PID(), state)
	m.coord.Changed(hp)
}

func exitStatus(hp *HostProcess, err error) string {
	switch {
	case err != nil:
		return fmt.Sprintf("Abandoned: %v", err)
	case hp.ExitedByOS():
		return "Exited"
	}
	if s := hp.Status(); s != "" && s != "Ready" {
		return s
	}
	return "Exited"
}
