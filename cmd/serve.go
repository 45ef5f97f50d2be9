package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sba-tools/hubzone-cli/internal/importer"
	"github.com/sba-tools/hubzone-cli/internal/scheduler"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the status server and quarterly scheduler",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnvironment(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		sched := scheduler.New(env.Engine, importer.Options{})
		go func() {
			if err := sched.Run(ctx); err != nil {
				zap.L().Error("scheduler stopped", zap.Error(err))
			}
		}()

		mux := newServeMux(serveDeps{
			Engine:     env.Engine,
			Executions: env.Executions,
			Scheduler:  sched,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// serveEngine is the subset of the engine the HTTP handlers use.
type serveEngine interface {
	Trigger(ctx context.Context, trigger importer.TriggerType, actor string, opts importer.Options) (*importer.ImportExecution, error)
	Cancel()
	Current(ctx context.Context) (*importer.ImportExecution, error)
}

// schedulerStatus is the subset of the scheduler the HTTP handlers use.
type schedulerStatus interface {
	Status() scheduler.Status
}

type serveDeps struct {
	Engine     serveEngine
	Executions importer.ExecutionStore
	Scheduler  schedulerStatus
}

// triggerAccepted is how long the trigger handler waits before deciding
// the execution is genuinely underway rather than instantly rejected.
const triggerAccepted = 250 * time.Millisecond

func newServeMux(d serveDeps) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /scheduler", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Scheduler.Status())
	})

	mux.HandleFunc("GET /executions", func(w http.ResponseWriter, r *http.Request) {
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
				return
			}
			limit = n
		}

		execs, err := d.Executions.List(r.Context(), limit)
		if err != nil {
			http.Error(w, `{"error":"list failed"}`, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, execs)
	})

	mux.HandleFunc("GET /executions/current", func(w http.ResponseWriter, r *http.Request) {
		exec, err := d.Engine.Current(r.Context())
		if err != nil {
			http.Error(w, `{"error":"lookup failed"}`, http.StatusInternalServerError)
			return
		}
		if exec == nil {
			http.Error(w, `{"error":"no execution running"}`, http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, exec)
	})

	mux.HandleFunc("GET /executions/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			http.Error(w, `{"error":"invalid execution id"}`, http.StatusBadRequest)
			return
		}

		exec, err := d.Executions.Get(r.Context(), id)
		if err != nil {
			http.Error(w, `{"error":"lookup failed"}`, http.StatusInternalServerError)
			return
		}
		if exec == nil {
			http.Error(w, `{"error":"execution not found"}`, http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, exec)
	})

	mux.HandleFunc("POST /trigger", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			DryRun            bool     `json:"dry_run"`
			SkipNotifications bool     `json:"skip_notifications"`
			States            []string `json:"states"`
			Actor             string   `json:"actor"`
		}
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
				return
			}
		}
		if req.Actor == "" {
			req.Actor = "api"
		}

		opts := importer.Options{
			DryRun:            req.DryRun,
			SkipNotifications: req.SkipNotifications,
			States:            req.States,
		}

		// Trigger blocks for the whole run, so it goes to a goroutine
		// detached from the request context. Rejection is near-instant;
		// anything still going after the grace window is a real run.
		type result struct {
			exec *importer.ImportExecution
			err  error
		}
		ch := make(chan result, 1)
		go func() {
			exec, err := d.Engine.Trigger(context.WithoutCancel(r.Context()), importer.TriggerManual, req.Actor, opts)
			if err != nil {
				zap.L().Error("triggered execution failed to start", zap.Error(err))
			}
			ch <- result{exec, err}
		}()

		select {
		case res := <-ch:
			if res.err != nil {
				var are *importer.AlreadyRunningError
				if eris.As(res.err, &are) {
					writeJSON(w, http.StatusConflict, map[string]string{
						"error":      "an execution is already running",
						"running_id": are.RunningID.String(),
					})
					return
				}
				http.Error(w, `{"error":"trigger failed"}`, http.StatusInternalServerError)
				return
			}
			// Tiny scopes can finish inside the grace window.
			writeJSON(w, http.StatusOK, res.exec)
		case <-time.After(triggerAccepted):
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		}
	})

	mux.HandleFunc("POST /cancel", func(w http.ResponseWriter, r *http.Request) {
		d.Engine.Cancel()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested"})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
