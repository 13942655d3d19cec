package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/invigil-io/invigil/internal/config"
	dbpkg "github.com/invigil-io/invigil/internal/db"
	"github.com/invigil-io/invigil/internal/httpapi"
	"github.com/invigil-io/invigil/internal/proctor/service"
	"github.com/invigil-io/invigil/internal/proctor/store"
	"github.com/invigil-io/invigil/internal/proctor/store/memory"
	"github.com/invigil-io/invigil/internal/proctor/store/sqlite"
	"github.com/invigil-io/invigil/internal/proctor/types"
)

func main() {
	cfg := config.FromEnv()
	logger := log.New(os.Stdout, "invigild ", log.LstdFlags|log.LUTC)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Scoring policy: defaults, optionally overridden and hot-reloaded
	// from a TOML file.
	policyLoader := config.NewPolicyLoader(cfg.PolicyPath, logger)
	if cfg.PolicyPath != "" {
		if err := policyLoader.Load(); err != nil {
			logger.Fatalf("load policy: %v", err)
		}
		if err := policyLoader.Watch(); err != nil {
			logger.Fatalf("watch policy: %v", err)
		}
		defer policyLoader.Stop()
		logger.Printf("policy loaded from %s", cfg.PolicyPath)
	}

	// Stores: SQLite for durable deployments, memory for throwaway dev
	// runs (INVIGIL_DB_PATH=memory).
	var (
		sessions store.SessionStore
		events   store.EventStore
		samples  store.SampleStore
	)
	if cfg.DBPath == "memory" {
		sessions = memory.NewSessionStore()
		events = memory.NewEventStore()
		samples = memory.NewSampleStore()
		logger.Printf("using in-memory stores (no durability)")
	} else {
		db, err := dbpkg.Open(ctx, dbpkg.Config{Path: cfg.DBPath, Env: cfg.Env})
		if err != nil {
			logger.Fatalf("open db: %v", err)
		}
		defer db.Close()

		writer := dbpkg.NewWorker(db)
		defer writer.Close()

		sessions = sqlite.NewSessionStore(db, writer)
		events = sqlite.NewEventStore(db, writer)
		samples = sqlite.NewSampleStore(db, writer)
	}

	// The daemon itself has no face-match model; verification is an
	// external collaborator.  Until one is wired, the proctoring client
	// performs the checks and this verifier accepts its word.
	verifier := service.VerifierFunc(func(ctx context.Context, sess types.Session) (service.VerifyResult, error) {
		return service.VerifyResult{FaceVerified: true, EnvironmentChecked: true}, nil
	})

	svc := service.NewService(service.Dependencies{
		Logger:        logger,
		Sessions:      sessions,
		Events:        events,
		Samples:       samples,
		Policy:        policyLoader,
		Verifier:      verifier,
		VerifyTimeout: cfg.VerifyTimeout,
	})
	defer svc.Close()

	// Pick monitoring back up for sessions interrupted by a restart.
	if err := svc.ResumeActive(ctx); err != nil {
		logger.Printf("resume active sessions: %v", err)
	}

	supervisor := service.NewSupervisor(svc, policyLoader, logger)
	supervisor.Start(ctx)
	defer supervisor.Stop()

	reporter := service.NewReporter(sessions, events, samples, policyLoader)

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:   logger,
		Addr:     cfg.HTTPAddr,
		Sessions: svc,
		Reports:  reporter,
	})

	go func() {
		logger.Printf("listening on %s", cfg.HTTPAddr)
		if err := srv.Start(); err != nil {
			logger.Printf("server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
