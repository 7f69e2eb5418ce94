package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"votecast/app"
	"votecast/domain/core"
	"votecast/domain/election"
	"votecast/internal"
	"votecast/internal/aggregate"
)

// Server exposes the estimation contract over HTTP. It is a thin
// collaborator around the estimator service; no estimation logic lives
// here.
type Server struct {
	router    *chi.Mux
	estimator *app.EstimatorService
	log       *internal.Logger
}

// NewServer creates the HTTP surface around an estimator service.
func NewServer(estimator *app.EstimatorService, log *internal.Logger) *Server {
	if log == nil {
		log = internal.DefaultLogger
	}
	s := &Server{
		router:    chi.NewRouter(),
		estimator: estimator,
		log:       log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Get("/healthz", s.handleHealth)
	s.router.Post("/v1/estimate", s.handleEstimate)
}

// Handler returns the http handler for mounting or serving.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Listen serves on the given port until the listener fails.
func (s *Server) Listen(port string) error {
	s.log.Info("estimate API listening on :%s", port)
	return http.ListenAndServe(":"+port, s.router)
}

// estimateRequest is the JSON body of POST /v1/estimate: a returns
// snapshot plus model settings.
type estimateRequest struct {
	Returns []returnsRow `json:"returns"`

	FixedEffects     []string  `json:"fixed_effects,omitempty"`
	Robust           bool      `json:"robust,omitempty"`
	ConfidenceLevels []float64 `json:"confidence_levels,omitempty"`
	Seed             int64     `json:"seed,omitempty"`

	// AggregateBy lists extra attribute names to aggregate on alongside
	// region (each is grouped as region+attribute).
	AggregateBy []string `json:"aggregate_by,omitempty"`
}

type returnsRow struct {
	RegionCode    string   `json:"region_code"`
	UnitID        string   `json:"unit_id"`
	ReportingPct  float64  `json:"reporting_pct"`
	CurrentResult *float64 `json:"current_result"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if len(req.Returns) == 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("returns snapshot is empty"))
		return
	}

	returns := make([]election.ReturnsRow, len(req.Returns))
	for i, row := range req.Returns {
		returns[i] = election.ReturnsRow{
			RegionCode:    row.RegionCode,
			UnitID:        row.UnitID,
			ReportingPct:  row.ReportingPct,
			CurrentResult: row.CurrentResult,
		}
	}

	settings := election.ModelSettings{
		FixedEffects: req.FixedEffects,
		Robust:       req.Robust,
		Seed:         req.Seed,
	}
	extraKeys := make([][]aggregate.Selector, 0, len(req.AggregateBy))
	for _, attr := range req.AggregateBy {
		extraKeys = append(extraKeys, []aggregate.Selector{aggregate.ByRegion, aggregate.ByAttribute(attr)})
	}

	result, err := s.estimator.Estimate(r.Context(), returns, settings, req.ConfidenceLevels, extraKeys...)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// statusFor maps the error taxonomy to HTTP statuses: bad inputs are the
// caller's fault, degenerate statistical state is a conflict with the
// data, anything else is internal.
func statusFor(err error) int {
	switch {
	case core.IsInputShapeError(err):
		return http.StatusBadRequest
	case core.IsDegenerateStateError(err):
		return http.StatusConflict
	case core.IsInvariantViolation(err):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.log.Warn("estimate request failed: %v", err)
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
