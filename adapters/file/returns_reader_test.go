package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeTempCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "returns.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFetchReturns_CSV(t *testing.T) {
	path := writeTempCSV(t, `region_code,unit_id,reporting_pct,current_result
MA,001,100,950
MA,002,40,400
MA,003,0,
`)
	rows, err := NewReturnsReader(path, nil).FetchReturns(context.Background())
	if err != nil {
		t.Fatalf("FetchReturns failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}

	if rows[0].RegionCode != "MA" || rows[0].UnitID != "001" || rows[0].ReportingPct != 100 {
		t.Errorf("row 0 = %+v", rows[0])
	}
	if rows[0].CurrentResult == nil || *rows[0].CurrentResult != 950 {
		t.Errorf("row 0 current_result = %v, want 950", rows[0].CurrentResult)
	}
	// Blank result cell means the feed has no count yet.
	if rows[2].CurrentResult != nil {
		t.Errorf("row 2 current_result = %v, want nil", *rows[2].CurrentResult)
	}
}

func TestFetchReturns_HeaderOrderIrrelevant(t *testing.T) {
	path := writeTempCSV(t, `current_result,unit_id,region_code,reporting_pct
950,001,MA,100
`)
	rows, err := NewReturnsReader(path, nil).FetchReturns(context.Background())
	if err != nil {
		t.Fatalf("FetchReturns failed: %v", err)
	}
	if rows[0].UnitID != "001" || *rows[0].CurrentResult != 950 {
		t.Errorf("row = %+v", rows[0])
	}
}

func TestFetchReturns_MissingColumn(t *testing.T) {
	path := writeTempCSV(t, `region_code,unit_id,reporting_pct
MA,001,100
`)
	if _, err := NewReturnsReader(path, nil).FetchReturns(context.Background()); err == nil {
		t.Fatal("expected error for missing current_result column")
	}
}

func TestFetchReturns_InvalidNumber(t *testing.T) {
	path := writeTempCSV(t, `region_code,unit_id,reporting_pct,current_result
MA,001,lots,950
`)
	if _, err := NewReturnsReader(path, nil).FetchReturns(context.Background()); err == nil {
		t.Fatal("expected error for non-numeric reporting_pct")
	}
}

func TestFetchReturns_FileMissing(t *testing.T) {
	if _, err := NewReturnsReader("/nonexistent/returns.csv", nil).FetchReturns(context.Background()); err == nil {
		t.Fatal("expected error for missing file")
	}
}
