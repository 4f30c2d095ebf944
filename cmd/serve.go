package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/company-detail/internal/model"
	"github.com/sells-group/company-detail/internal/pipeline"
	"github.com/sells-group/company-detail/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the extraction HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(env.Store, env.Pipeline),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

// extractor is what the API needs from the pipeline.
type extractor interface {
	Extract(ctx context.Context, req model.ExtractionRequest) (*model.Run, error)
}

// newRouter builds the API routes.
func newRouter(st store.Store, ex extractor) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/extract", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			CompanyID     string `json:"company_id"`
			CompanyName   string `json:"company_name"`
			SourceURL     string `json:"source_url"`
			SchemaVersion string `json:"schema_version"`
			SessionID     string `json:"session_id"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.SourceURL == "" {
			writeError(w, http.StatusBadRequest, "source_url is required")
			return
		}
		if body.CompanyID == "" {
			body.CompanyID = uuid.NewString()
		}
		if body.SessionID == "" {
			body.SessionID = "company-detail-" + uuid.NewString()
		}

		run, err := ex.Extract(req.Context(), model.ExtractionRequest{
			CompanyID:     body.CompanyID,
			CompanyName:   body.CompanyName,
			SourceURL:     body.SourceURL,
			SchemaVersion: body.SchemaVersion,
			SessionID:     body.SessionID,
		})
		if err != nil {
			var perr *pipeline.Error
			if errors.As(err, &perr) && run != nil {
				// The run reached a terminal failure state; return it with
				// a semantic status so callers can branch on the outcome.
				writeJSON(w, http.StatusUnprocessableEntity, run)
				return
			}
			zap.L().Error("extract request failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "extraction failed")
			return
		}
		writeJSON(w, http.StatusOK, run)
	})

	r.Get("/runs", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		limit := 50
		if s := q.Get("limit"); s != "" {
			if _, err := fmt.Sscanf(s, "%d", &limit); err != nil {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
		}
		runs, err := st.ListRuns(req.Context(), store.RunFilter{
			Status:    model.RunStatus(q.Get("status")),
			CompanyID: q.Get("company_id"),
			SessionID: q.Get("session_id"),
			Limit:     limit,
		})
		if err != nil {
			zap.L().Error("list runs failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "list runs failed")
			return
		}
		if runs == nil {
			runs = []model.Run{}
		}
		writeJSON(w, http.StatusOK, runs)
	})

	r.Get("/runs/{id}", func(w http.ResponseWriter, req *http.Request) {
		run, err := st.GetRun(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeJSON(w, http.StatusOK, run)
	})

	r.Get("/runs/{id}/trace", func(w http.ResponseWriter, req *http.Request) {
		run, err := st.GetRun(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		spans, err := st.ListSpans(req.Context(), run.TraceID)
		if err != nil {
			zap.L().Error("list spans failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "list spans failed")
			return
		}
		if spans == nil {
			spans = []model.TraceSpan{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"trace_id": run.TraceID,
			"spans":    spans,
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
