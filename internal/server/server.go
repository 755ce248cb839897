package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TobiSchelling/leadcrawler/internal/database"
	"github.com/TobiSchelling/leadcrawler/internal/metrics"
	"github.com/TobiSchelling/leadcrawler/internal/report"
)

// Server serves the lead dashboard, report downloads and metrics.
type Server struct {
	db     *database.DB
	mux    *http.ServeMux
	logger *zap.Logger
	now    func() time.Time
}

// New creates a new Server.
func New(db *database.DB, logger *zap.Logger) *Server {
	s := &Server{db: db, mux: http.NewServeMux(), logger: logger, now: time.Now}
	s.routes()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/leads.json", s.handleJSON)
	s.mux.HandleFunc("/leads.csv", s.handleCSV)
	s.mux.HandleFunc("/leads/", s.handleLeadAction)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	s.mux.Handle("/metrics", metrics.Handler())
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	leads, err := s.db.GetLeads()
	if err != nil {
		s.fail(w, "loading leads", err)
		return
	}
	stats, err := s.db.GetStats()
	if err != nil {
		s.fail(w, "loading stats", err)
		return
	}
	scopes, err := s.db.GetScopeStats()
	if err != nil {
		s.fail(w, "loading scope stats", err)
		return
	}

	var buf bytes.Buffer
	err = report.RenderDashboard(&buf, report.Dashboard{
		GeneratedAt: s.now(),
		Leads:       leads,
		Stats:       stats,
		Scopes:      scopes,
		Live:        true,
	})
	if err != nil {
		s.fail(w, "rendering dashboard", err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	leads, err := s.db.GetLeads()
	if err != nil {
		s.fail(w, "loading leads", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := report.WriteGradedJSON(w, leads); err != nil {
		s.logger.Error("writing graded json", zap.Error(err))
	}
}

func (s *Server) handleCSV(w http.ResponseWriter, r *http.Request) {
	leads, err := s.db.GetLeads()
	if err != nil {
		s.fail(w, "loading leads", err)
		return
	}
	name := report.CSVPrefix + s.now().Format("2006-01-02") + ".csv"
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if err := report.WriteCSV(w, leads); err != nil {
		s.logger.Error("writing csv", zap.Error(err))
	}
}

// handleLeadAction handles POST /leads/{id}/contacted and /leads/{id}/uncontacted.
func (s *Server) handleLeadAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/leads/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	switch parts[1] {
	case "contacted":
		err = s.db.MarkContacted(id, true, strings.TrimSpace(r.FormValue("follow_up")))
	case "uncontacted":
		err = s.db.MarkContacted(id, false, "")
	default:
		http.NotFound(w, r)
		return
	}
	if errors.Is(err, database.ErrLeadNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.fail(w, "updating lead", err)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) fail(w http.ResponseWriter, what string, err error) {
	s.logger.Error(what, zap.Error(err))
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

// Serve starts the HTTP server on the given port and shuts it down when ctx
// is cancelled.
func Serve(ctx context.Context, db *database.DB, port int, logger *zap.Logger) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           New(db, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("url", "http://"+addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ServeMetrics exposes /metrics on addr until ctx is cancelled. It is used
// by crawl runs that are not started through the dashboard server.
func ServeMetrics(ctx context.Context, addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.Info("metrics listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
}
