// Package server exposes the orchestrator over a local HTTP admin API.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/patchctl/internal/auth"
	"github.com/danmuck/patchctl/internal/hostproc"
	"github.com/danmuck/patchctl/internal/logging"
	"github.com/danmuck/patchctl/internal/observability"
	"github.com/danmuck/patchctl/internal/orchestrator"
	"github.com/danmuck/patchctl/internal/resolve"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const (
	defaultCallTimeout = 30 * time.Second
	shutdownTimeout    = 5 * time.Second
)

// Controller is the orchestrator surface the admin API drives.
type Controller interface {
	Processes() []hostproc.Snapshot
	Scripts() []orchestrator.ScriptInfo
	Errors() []orchestrator.ErrorReport
	AddScripts(ctx context.Context, paths ...string) (resolve.Result, error)
	RemoveScript(ctx context.Context, path string) (resolve.Result, error)
	ReloadAll(ctx context.Context) error
	Eval(ctx context.Context, pid int, expr string) ([]byte, error)
	CallFunction(ctx context.Context, pid int, module, function string, args ...any) ([]byte, error)
	StatusPages(ctx context.Context) []string
	StatusPage(ctx context.Context, page string) (any, error)
	Subscribe() (<-chan orchestrator.Event, func())
}

type Options struct {
	Addr  string
	Token string
	// CallTimeout bounds eval and call requests; zero uses 30s.
	CallTimeout time.Duration
}

type Server struct {
	addr        string
	ctl         Controller
	callTimeout time.Duration
	router      *gin.Engine
	started     time.Time
	log         zerolog.Logger
}

func New(ctl Controller, opts Options) *Server {
	observability.RegisterMetrics()
	log := logging.Component("server")

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log))
	r.Use(observability.RequestMetricsMiddleware())
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	s := &Server{
		addr:        opts.Addr,
		ctl:         ctl,
		callTimeout: timeout,
		router:      r,
		started:     time.Now(),
		log:         log,
	}
	var guard []gin.HandlerFunc
	if opts.Token != "" {
		guard = append(guard, auth.Middleware(auth.StaticToken{Token: opts.Token}))
	}
	s.registerRoutes(guard...)
	return s
}

func (s *Server) Router() *gin.Engine { return s.router }

// Run serves until ctx is done, then shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Msgf("server.Server.Run listening addr=%s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
