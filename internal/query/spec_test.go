package query

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nethalo/sologate/internal/apperr"
)

func intp(n int) *int          { return &n }
func u64p(n uint64) *uint64    { return &n }
func boolp(b bool) *bool       { return &b }

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{
			name: "minimal scan",
			spec: Spec{Table: TableTransactions},
		},
		{
			name: "empty filters with date range",
			spec: Spec{Table: TableTransactions, Filters: Filters{
				DateRange: &DateRange{Start: "2025-01-01", End: "2025-01-31"},
			}},
		},
		{
			name: "aggregation",
			spec: Spec{
				Table:   TableTransactions,
				GroupBy: []Dimension{DimProtocol, DimHour},
				Metrics: []Metric{MetricCount, MetricAvgFee, MetricP95Fee},
				Sort:    &Sort{Field: SortCount, Direction: DESC},
			},
		},
		{
			name:    "unknown table",
			spec:    Spec{Table: "users"},
			wantErr: true,
		},
		{
			name: "duplicate dimension",
			spec: Spec{Table: TableTransactions,
				GroupBy: []Dimension{DimProtocol, DimProtocol}},
			wantErr: true,
		},
		{
			name:    "unknown dimension",
			spec:    Spec{Table: TableTransactions, GroupBy: []Dimension{"GALAXY"}},
			wantErr: true,
		},
		{
			name:    "unknown metric",
			spec:    Spec{Table: TableTransactions, Metrics: []Metric{"MEDIAN_FEE"}},
			wantErr: true,
		},
		{
			name:    "unknown sort field",
			spec:    Spec{Table: TableTransactions, Sort: &Sort{Field: "SIGNATURE", Direction: ASC}},
			wantErr: true,
		},
		{
			name:    "bad sort direction",
			spec:    Spec{Table: TableTransactions, Sort: &Sort{Field: SortDate, Direction: "SIDEWAYS"}},
			wantErr: true,
		},
		{
			name: "first and last together",
			spec: Spec{Table: TableTransactions,
				Pagination: &Pagination{First: intp(10), Last: intp(10)}},
			wantErr: true,
		},
		{
			name: "after and before together",
			spec: Spec{Table: TableTransactions,
				Pagination: &Pagination{First: intp(10), After: "a", Before: "b"}},
			wantErr: true,
		},
		{
			name: "zero first",
			spec: Spec{Table: TableTransactions, Pagination: &Pagination{First: intp(0)}},
			wantErr: true,
		},
		{
			name: "malformed date",
			spec: Spec{Table: TableTransactions, Filters: Filters{
				DateRange: &DateRange{Start: "01/01/2025", End: "2025-01-31"}}},
			wantErr: true,
		},
		{
			name: "inverted date range",
			spec: Spec{Table: TableTransactions, Filters: Filters{
				DateRange: &DateRange{Start: "2025-02-01", End: "2025-01-01"}}},
			wantErr: true,
		},
		{
			name: "inverted slot range",
			spec: Spec{Table: TableTransactions, Filters: Filters{
				SlotRange: &SlotRange{Min: 100, Max: 50}}},
			wantErr: true,
		},
		{
			name: "inverted fee range",
			spec: Spec{Table: TableTransactions, Filters: Filters{
				FeeRange: &NumRange{Min: u64p(100), Max: u64p(50)}}},
			wantErr: true,
		},
		{
			name: "error pattern on transactions",
			spec: Spec{Table: TableTransactions, Filters: Filters{ErrorPattern: "slippage"}},
			wantErr: true,
		},
		{
			name: "error pattern on failed_transactions",
			spec: Spec{Table: TableFailedTransactions, Filters: Filters{ErrorPattern: "slippage"}},
		},
		{
			name:    "success on failed_transactions",
			spec:    Spec{Table: TableFailedTransactions, Filters: Filters{Success: boolp(false)}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !apperr.IsCode(err, apperr.CodeValidation) {
				t.Errorf("error is not VALIDATION: %v", err)
			}
		})
	}
}

func TestSpecLimit(t *testing.T) {
	tests := []struct {
		name string
		p    *Pagination
		want int
	}{
		{"default", nil, 100},
		{"first", &Pagination{First: intp(10)}, 10},
		{"last", &Pagination{Last: intp(25)}, 25},
		{"first at cap", &Pagination{First: intp(1000)}, 1000},
		{"first above cap clamped", &Pagination{First: intp(1001)}, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Spec{Table: TableTransactions, Pagination: tt.p}
			if got := s.Limit(); got != tt.want {
				t.Errorf("Limit() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestIsAggregation(t *testing.T) {
	scan := Spec{Table: TableTransactions}
	if scan.IsAggregation() {
		t.Error("plain scan reported as aggregation")
	}
	grouped := Spec{Table: TableTransactions, GroupBy: []Dimension{DimDate}}
	if !grouped.IsAggregation() {
		t.Error("grouped spec not reported as aggregation")
	}
	metricsOnly := Spec{Table: TableTransactions, Metrics: []Metric{MetricCount}}
	if !metricsOnly.IsAggregation() {
		t.Error("metrics-only spec not reported as aggregation")
	}
}

func TestCanonicalParams_SetOrderInsensitive(t *testing.T) {
	a := Spec{Table: TableTransactions, Filters: Filters{
		Protocols:  []string{"raydium", "pump_fun", "orca"},
		ProgramIDs: []string{"B", "A"},
	}}
	b := Spec{Table: TableTransactions, Filters: Filters{
		Protocols:  []string{"orca", "raydium", "pump_fun"},
		ProgramIDs: []string{"A", "B"},
	}}

	ja, err := json.Marshal(a.CanonicalParams())
	if err != nil {
		t.Fatal(err)
	}
	jb, err := json.Marshal(b.CanonicalParams())
	if err != nil {
		t.Fatal(err)
	}
	if string(ja) != string(jb) {
		t.Errorf("canonical params differ:\n%s\n%s", ja, jb)
	}
}

func TestDateRangeEndsWithin(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	recent := DateRange{Start: "2025-06-01", End: "2025-06-15"}
	if !recent.EndsWithin(24*time.Hour, now) {
		t.Error("today's range not recent")
	}
	old := DateRange{Start: "2024-01-01", End: "2024-12-31"}
	if old.EndsWithin(24*time.Hour, now) {
		t.Error("last year's range reported recent")
	}
	garbled := DateRange{Start: "2025-06-01", End: "garbage"}
	if !garbled.EndsWithin(24*time.Hour, now) {
		t.Error("unparseable end should be treated as recent")
	}
}
