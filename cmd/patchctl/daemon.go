package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/patchctl/internal/config"
	"github.com/danmuck/patchctl/internal/hostproc"
	"github.com/danmuck/patchctl/internal/inject"
	"github.com/danmuck/patchctl/internal/library"
	"github.com/danmuck/patchctl/internal/logging"
	"github.com/danmuck/patchctl/internal/observability"
	"github.com/danmuck/patchctl/internal/orchestrator"
	"github.com/danmuck/patchctl/internal/payload"
	"github.com/danmuck/patchctl/internal/script"
	"github.com/danmuck/patchctl/internal/server"
	"github.com/danmuck/patchctl/internal/store"
	"github.com/danmuck/patchctl/internal/watch"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName     = "patchctl"
	prefLastStarted = "last_started"
	shutdownTimeout = 15 * time.Second
)

func run(ctx context.Context, cfg config.Config) error {
	log := logging.Component("patchctl")
	observability.RegisterMetrics()

	shutdownTracing, err := observability.SetupTracing(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn().Msgf("patchctl.run tracing shutdown err=%v", err)
		}
	}()

	image, err := payload.Load(cfg.PayloadPath)
	if err != nil {
		return err
	}
	if !image.MatchesHost() {
		log.Warn().Msgf("patchctl.run payload arch=%s does not match this build", image.Arch)
	}

	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if last, ok, err := db.GetPref(ctx, cfg.Profile, prefLastStarted); err == nil && ok {
		log.Info().Msgf("patchctl.run profile=%s last_started=%s", cfg.Profile, last)
	}
	if err := db.SetPref(ctx, cfg.Profile, prefLastStarted, time.Now().UTC().Format(time.RFC3339)); err != nil {
		log.Warn().Msgf("patchctl.run record start err=%v", err)
	}

	lib, err := library.New(script.DefaultRegistry())
	if err != nil {
		return err
	}
	mgr := cfg.ManagerOptions()
	mgr.Injector = inject.NewOnce(inject.Native())
	mgr.Dialer = hostproc.PipeDialer{}
	mgr.Image = image
	orch, err := orchestrator.New(orchestrator.Options{
		Profile:     cfg.Profile,
		Store:       db,
		Library:     lib,
		MaxRequeues: cfg.MaxRequeues,
		Manager:     mgr,
	})
	if err != nil {
		return err
	}

	if _, err := orch.Restore(ctx); err != nil {
		log.Error().Msgf("patchctl.run restore profile=%s err=%v", cfg.Profile, err)
	}
	if len(cfg.Scripts) > 0 {
		if _, err := orch.AddScripts(ctx, cfg.Scripts...); err != nil {
			log.Error().Msgf("patchctl.run add scripts err=%v", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if len(cfg.Watch.Names) > 0 {
		w, err := watch.New(orch, watch.Options{Names: cfg.Watch.Names, Interval: cfg.Watch.Interval})
		if err != nil {
			return err
		}
		g.Go(func() error {
			err := w.Run(gctx)
			if errors.Is(err, watch.ErrUnsupported) {
				log.Warn().Msgf("patchctl.run watcher disabled err=%v", err)
				return nil
			}
			return err
		})
	} else {
		log.Info().Msg("patchctl.run no watch names configured; processes are not discovered")
	}
	if cfg.AdminAddr != "" {
		srv := server.New(orch, server.Options{Addr: cfg.AdminAddr, Token: cfg.AdminToken})
		g.Go(func() error { return srv.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	log.Info().Msgf("patchctl.run started profile=%s payload_version=%d", cfg.Profile, image.Version)
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Error().Msgf("patchctl.run shutdown err=%v", err)
	}
	log.Info().Msg("patchctl.run stopped")
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}
