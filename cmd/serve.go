package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/icksaur/caco/internal/broadcast"
	"github.com/icksaur/caco/internal/dispatch"
	"github.com/icksaur/caco/internal/guard"
	"github.com/icksaur/caco/internal/orchestrator"
	"github.com/icksaur/caco/internal/server"
	"github.com/icksaur/caco/internal/session"
	"github.com/icksaur/caco/internal/store"
	"github.com/icksaur/caco/internal/summarize"
	"github.com/icksaur/caco/internal/unobserved"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg := initConfig()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	dataDir, err := store.ResolveDataDir(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}

	transcripts := store.NewTranscriptStore(dataDir)
	meta := store.NewMetadataStore(dataDir)
	embeds, err := store.NewEmbedStore(dataDir)
	if err != nil {
		return fmt.Errorf("open embed store: %w", err)
	}

	tracker := dispatch.NewTracker()
	ledger := guard.NewLedger(cfg.ActiveLimits())
	hub := broadcast.NewHub(log)
	unobs := unobserved.NewTracker(meta, hub.UnobservedCount)

	registry := session.NewRegistry(session.Config{
		AgentCommand:  cfg.Agent.Command,
		AgentArgs:     cfg.Agent.Args,
		SystemPrompt:  cfg.Agent.SystemPrompt,
		DeleteTimeout: cfg.DeleteTimeout,
	}, log, transcripts, meta, tracker)

	orch := orchestrator.New(
		orchestrator.Config{TurnTimeout: cfg.TurnTimeout},
		log, registry, tracker, ledger, transcripts, meta, unobs,
		embeds, hub, summarize.New(cfg.Summarize),
	)

	srv := server.New(log, registry, orch, tracker, unobs, embeds, hub)

	// Discover sessions left on disk by earlier runs.
	if err := registry.LoadCache(); err != nil {
		log.Warn("session discovery failed", "error", err)
	}
	sessions := registry.Sessions()
	known := make([]string, 0, len(sessions))
	for _, info := range sessions {
		known = append(known, info.ID)
	}
	if err := unobs.Hydrate(known); err != nil {
		log.Warn("unobserved hydration failed", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Watch blocks until ctx is cancelled.
	go func() {
		if err := registry.Watch(ctx, hub.SessionListChanged); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("transcript watch stopped", "error", err)
		}
	}()

	httpSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: srv.Router(),
	}

	go func() {
		<-ctx.Done()
		if busy := tracker.Busy(); len(busy) > 0 {
			log.Info("shutting down with turns in flight", "sessions", busy)
		} else {
			log.Info("shutting down")
		}
		shCtx, shCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shCancel()
		_ = httpSrv.Shutdown(shCtx)
		registry.StopAll(shCtx)
	}()

	log.Info("listening", "addr", cfg.Listen, "data_dir", dataDir)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
