package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"cratekeeper/internal/broadcast"
	"cratekeeper/internal/catalog"
	"cratekeeper/internal/config"
	"cratekeeper/internal/database"
	"cratekeeper/internal/models"
	"cratekeeper/internal/pipeline"
	"cratekeeper/internal/remote"
	"cratekeeper/internal/runstore"
	"cratekeeper/internal/services/admin"
	"cratekeeper/internal/services/collection"
	"cratekeeper/internal/services/scheduler"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "cratekeeper",
	})
	if os.Getenv("LOG_LEVEL") == "DEBUG" {
		logger.SetLevel(log.DebugLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", "err", err)
	}

	db, err := database.Open(cfg.Database.URL)
	if err != nil {
		logger.Fatal("failed to initialize database", "err", err)
	}
	defer database.Close(db)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := broadcast.NewHub()

	// Import pipeline
	registry, err := catalog.BuildRegistry(
		catalog.NewHTTPDownloader(cfg.Catalog.DumpBaseURL, cfg.Catalog.DataDir),
		catalog.NewFileParser(),
		catalog.NewStagingGenreDeriver(cfg.Catalog.DataDir),
		hub,
	)
	if err != nil {
		logger.Fatal("failed to build stage registry", "err", err)
	}

	store := runstore.NewStore(db)
	orchestrator := pipeline.NewOrchestrator(store, registry, hub, logger.With("component", "pipeline"))
	adminSvc := admin.NewService(store, registry, orchestrator, logger.With("component", "admin"))

	// Collection sync
	remoteClient := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.UserAgent)
	syncer := collection.NewSyncer(
		collection.NewStaticTokenSource(cfg.Remote.Token),
		remoteClient,
		collection.NewFileSink(cfg.Catalog.DataDir),
		logger.With("component", "collection"),
	)

	// Scheduled triggers
	sched := scheduler.NewService(db, ctx, orchestrator, syncer, logger.With("component", "scheduler"))
	if _, err := sched.UpsertJob(scheduler.UpsertJobRequest{
		Name:    "monthly-catalog-import",
		JobType: models.JobTypeCatalogImport,
		Cron:    cfg.Catalog.ImportCron,
		Enabled: true,
	}); err != nil {
		logger.Fatal("failed to register import job", "err", err)
	}
	if cfg.Remote.SyncCron != "" {
		if _, err := sched.UpsertJob(scheduler.UpsertJobRequest{
			Name:    "collection-sync",
			JobType: models.JobTypeCollectionSync,
			Cron:    cfg.Remote.SyncCron,
			Enabled: true,
		}); err != nil {
			logger.Fatal("failed to register sync job", "err", err)
		}
	}
	if err := sched.Start(); err != nil {
		logger.Fatal("failed to start scheduler", "err", err)
	}
	defer sched.Stop()

	mux := http.NewServeMux()
	mux.Handle("GET /ws/progress", broadcast.NewWSHandler(hub, logger.With("component", "ws")))
	registerAdminRoutes(mux, ctx, adminSvc, syncer, logger)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "err", err)
	}
}

// registerAdminRoutes wires the operator tooling surface. This is thin glue:
// all behavior lives in the services.
func registerAdminRoutes(mux *http.ServeMux, ctx context.Context, adminSvc *admin.Service, syncer *collection.Syncer, logger *log.Logger) {
	mux.HandleFunc("POST /admin/runs/{subject}", func(w http.ResponseWriter, r *http.Request) {
		subject := r.PathValue("subject")

		// Surface an in-progress conflict synchronously so the operator
		// knows not to retry immediately
		if run, err := adminSvc.GetRun(subject); err == nil && run.Status == models.RunStatusProcessing {
			writeError(w, &runstore.ConflictError{SubjectKey: subject})
			return
		}

		// Imports run for hours; the trigger returns immediately
		go func() {
			if _, err := adminSvc.StartRun(ctx, subject); err != nil {
				logger.Error("run failed", "subject", subject, "err", err)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"subject_key": subject, "status": "accepted"})
	})

	mux.HandleFunc("GET /admin/runs/{subject}", func(w http.ResponseWriter, r *http.Request) {
		run, err := adminSvc.GetRun(r.PathValue("subject"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	})

	mux.HandleFunc("POST /admin/runs/{subject}/reopen", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Stages  []string `json:"stages"`
			Cascade *bool    `json:"cascade"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}

		subject := r.PathValue("subject")
		var (
			updated models.StageStateMap
			err     error
		)
		if body.Cascade != nil && !*body.Cascade {
			updated, err = adminSvc.ResetStages(subject, body.Stages)
		} else {
			updated, err = adminSvc.ReopenStages(subject, body.Stages)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"subject_key": subject, "stage_state": updated})
	})

	mux.HandleFunc("POST /admin/sync", func(w http.ResponseWriter, r *http.Request) {
		syncer.Start(ctx, collection.Callbacks{
			OnComplete: func(count int) { logger.Info("collection sync completed", "count", count) },
			OnError:    func(msg string) { logger.Error("collection sync failed", "err", msg) },
		})
		writeJSON(w, http.StatusAccepted, syncer.Status())
	})

	mux.HandleFunc("GET /admin/sync", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, syncer.Status())
	})
}

func writeError(w http.ResponseWriter, err error) {
	var (
		conflict *runstore.ConflictError
		notFound *runstore.NotFoundError
	)
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn("failed to encode response", "err", err)
	}
}
