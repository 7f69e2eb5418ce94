package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"votecast/app"
	"votecast/domain/election"
	"votecast/internal/testkit"
)

func testServer() *Server {
	baseline := &testkit.StaticBaseline{Rows: []election.BaselineRow{
		{RegionCode: "MA", UnitID: "001", BaselineResult: 1000, TotalVoters: 1200},
		{RegionCode: "MA", UnitID: "002", BaselineResult: 2000, TotalVoters: 2200},
		{RegionCode: "MA", UnitID: "003", BaselineResult: 1500, TotalVoters: 1800},
	}}
	return NewServer(app.NewEstimatorService(baseline, nil), nil)
}

func postEstimate(t *testing.T, s *Server, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/estimate", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleEstimate_OK(t *testing.T) {
	res950, res2030, res400 := 950.0, 2030.0, 400.0
	rec := postEstimate(t, testServer(), estimateRequest{
		Returns: []returnsRow{
			{RegionCode: "MA", UnitID: "001", ReportingPct: 100, CurrentResult: &res950},
			{RegionCode: "MA", UnitID: "002", ReportingPct: 100, CurrentResult: &res2030},
			{RegionCode: "MA", UnitID: "003", ReportingPct: 40, CurrentResult: &res400},
		},
		ConfidenceLevels: []float64{0.8},
		Seed:             1,
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result election.EstimateResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if len(result.Units) != 3 {
		t.Errorf("expected 3 unit rows, got %d", len(result.Units))
	}
	if len(result.Aggregates) != 1 {
		t.Errorf("expected 1 aggregate table, got %d", len(result.Aggregates))
	}
}

func TestHandleEstimate_EmptyReturns(t *testing.T) {
	rec := postEstimate(t, testServer(), estimateRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleEstimate_UnknownFixedEffect(t *testing.T) {
	res := 950.0
	rec := postEstimate(t, testServer(), estimateRequest{
		Returns: []returnsRow{
			{RegionCode: "MA", UnitID: "001", ReportingPct: 100, CurrentResult: &res},
		},
		FixedEffects: []string{"nonexistent"},
		Seed:         1,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for unknown fixed effect", rec.Code)
	}
}

func TestHandleEstimate_DegenerateState(t *testing.T) {
	res := 400.0
	rec := postEstimate(t, testServer(), estimateRequest{
		Returns: []returnsRow{
			// Nothing fully reported: no training data exists.
			{RegionCode: "MA", UnitID: "001", ReportingPct: 30, CurrentResult: &res},
		},
		Seed: 1,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 for degenerate statistical state", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	testServer().Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
