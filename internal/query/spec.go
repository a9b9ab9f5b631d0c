// Package query defines the typed request spec and compiles it into
// parameterized ClickHouse SQL. User values never appear in query text;
// they travel as server-side {name:Type} parameters.
package query

import (
	"fmt"
	"sort"
	"time"

	"github.com/nethalo/sologate/internal/apperr"
	"github.com/nethalo/sologate/internal/security"
)

// Table identifies a queryable warehouse table.
type Table string

const (
	TableTransactions       Table = security.TableTransactions
	TableFailedTransactions Table = security.TableFailedTransactions
)

// Dimension is a group-by dimension.
type Dimension string

const (
	DimProtocol        Dimension = "PROTOCOL"
	DimHour            Dimension = "HOUR"
	DimDate            Dimension = "DATE"
	DimProgramID       Dimension = "PROGRAM_ID"
	DimInstructionType Dimension = "INSTRUCTION_TYPE"
	DimDayOfWeek       Dimension = "DAY_OF_WEEK"
	DimWeek            Dimension = "WEEK"
	DimMonth           Dimension = "MONTH"
)

// dimensionSpec maps a dimension to its ClickHouse expression, result alias
// and the parameter type used when a cursor binds a value of this dimension.
type dimensionSpec struct {
	Expr      string
	Alias     string
	ParamType string
}

var dimensions = map[Dimension]dimensionSpec{
	DimProtocol:        {"protocol_name", "protocol", "String"},
	DimHour:            {"hour", "hour", "UInt8"},
	DimDate:            {"date", "date", "Date"},
	DimProgramID:       {"program_id", "programId", "String"},
	DimInstructionType: {"instruction_type", "instructionType", "String"},
	DimDayOfWeek:       {"toDayOfWeek(toDate(date))", "dayOfWeek", "UInt8"},
	DimWeek:            {"toStartOfWeek(toDate(date))", "week", "Date"},
	DimMonth:           {"toStartOfMonth(toDate(date))", "month", "Date"},
}

// Metric is an aggregation metric.
type Metric string

const (
	MetricCount Metric = "COUNT"

	MetricSumFee Metric = "SUM_FEE"
	MetricAvgFee Metric = "AVG_FEE"
	MetricMinFee Metric = "MIN_FEE"
	MetricMaxFee Metric = "MAX_FEE"
	MetricP50Fee Metric = "P50_FEE"
	MetricP95Fee Metric = "P95_FEE"
	MetricP99Fee Metric = "P99_FEE"

	MetricSumComputeUnits Metric = "SUM_COMPUTE_UNITS"
	MetricAvgComputeUnits Metric = "AVG_COMPUTE_UNITS"
	MetricMinComputeUnits Metric = "MIN_COMPUTE_UNITS"
	MetricMaxComputeUnits Metric = "MAX_COMPUTE_UNITS"
	MetricP50ComputeUnits Metric = "P50_COMPUTE_UNITS"
	MetricP95ComputeUnits Metric = "P95_COMPUTE_UNITS"
	MetricP99ComputeUnits Metric = "P99_COMPUTE_UNITS"

	MetricSumAccountsCount Metric = "SUM_ACCOUNTS_COUNT"
	MetricAvgAccountsCount Metric = "AVG_ACCOUNTS_COUNT"
)

type metricSpec struct {
	Expr  string
	Alias string
}

var metrics = map[Metric]metricSpec{
	MetricCount: {"count()", "count"},

	MetricSumFee: {"sum(fee)", "sumFee"},
	MetricAvgFee: {"avg(fee)", "avgFee"},
	MetricMinFee: {"min(fee)", "minFee"},
	MetricMaxFee: {"max(fee)", "maxFee"},
	MetricP50Fee: {"quantile(0.5)(fee)", "p50Fee"},
	MetricP95Fee: {"quantile(0.95)(fee)", "p95Fee"},
	MetricP99Fee: {"quantile(0.99)(fee)", "p99Fee"},

	MetricSumComputeUnits: {"sum(compute_units)", "sumComputeUnits"},
	MetricAvgComputeUnits: {"avg(compute_units)", "avgComputeUnits"},
	MetricMinComputeUnits: {"min(compute_units)", "minComputeUnits"},
	MetricMaxComputeUnits: {"max(compute_units)", "maxComputeUnits"},
	MetricP50ComputeUnits: {"quantile(0.5)(compute_units)", "p50ComputeUnits"},
	MetricP95ComputeUnits: {"quantile(0.95)(compute_units)", "p95ComputeUnits"},
	MetricP99ComputeUnits: {"quantile(0.99)(compute_units)", "p99ComputeUnits"},

	MetricSumAccountsCount: {"sum(accounts_count)", "sumAccountsCount"},
	MetricAvgAccountsCount: {"avg(accounts_count)", "avgAccountsCount"},
}

// SortDirection orders results.
type SortDirection string

const (
	ASC  SortDirection = "ASC"
	DESC SortDirection = "DESC"
)

// SortField is a sortable column from the closed set.
type SortField string

const (
	SortDate          SortField = "DATE"
	SortSlot          SortField = "SLOT"
	SortFee           SortField = "FEE"
	SortComputeUnits  SortField = "COMPUTE_UNITS"
	SortAccountsCount SortField = "ACCOUNTS_COUNT"
	SortCount         SortField = "COUNT"
)

var sortColumns = map[SortField]string{
	SortDate:          "date",
	SortSlot:          "slot",
	SortFee:           "fee",
	SortComputeUnits:  "compute_units",
	SortAccountsCount: "accounts_count",
	SortCount:         "count",
}

// Sort pairs a field with a direction.
type Sort struct {
	Field     SortField     `json:"field"`
	Direction SortDirection `json:"direction"`
}

// DateRange is an inclusive calendar range (YYYY-MM-DD).
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// EndsWithin reports whether the range end falls inside the trailing window
// (used by the cache TTL policy). An unparseable end is treated as recent.
func (r *DateRange) EndsWithin(window time.Duration, now time.Time) bool {
	end, err := time.Parse("2006-01-02", r.End)
	if err != nil {
		return true
	}
	// The end date covers its whole day.
	return now.Sub(end.Add(24*time.Hour-time.Nanosecond)) <= window
}

// SlotRange is an inclusive slot interval.
type SlotRange struct {
	Min uint64 `json:"min"`
	Max uint64 `json:"max"`
}

// NumRange is an inclusive numeric interval with optional bounds.
type NumRange struct {
	Min *uint64 `json:"min,omitempty"`
	Max *uint64 `json:"max,omitempty"`
}

// Filters narrows the scanned rows. Set-valued filters are unordered;
// all ranges are inclusive.
type Filters struct {
	Signatures       []string   `json:"signatures,omitempty"`
	ProgramIDs       []string   `json:"programIds,omitempty"`
	Protocols        []string   `json:"protocols,omitempty"`
	InstructionTypes []string   `json:"instructionTypes,omitempty"`
	DateRange        *DateRange `json:"dateRange,omitempty"`
	SlotRange        *SlotRange `json:"slotRange,omitempty"`
	FeeRange         *NumRange  `json:"feeRange,omitempty"`
	ComputeRange     *NumRange  `json:"computeRange,omitempty"`
	AccountsCount    *NumRange  `json:"accountsCount,omitempty"`
	Success          *bool      `json:"success,omitempty"`
	ErrorPattern     string     `json:"errorPattern,omitempty"`
	LogMessage       string     `json:"logMessage,omitempty"`
}

// Pagination is relay-style: exactly one direction, cursors opaque.
type Pagination struct {
	First  *int   `json:"first,omitempty"`
	Last   *int   `json:"last,omitempty"`
	After  string `json:"after,omitempty"`
	Before string `json:"before,omitempty"`
}

// Backward reports whether this paginates from the end.
func (p *Pagination) Backward() bool { return p != nil && (p.Last != nil || p.Before != "") }

// Spec is one immutable analytical request.
type Spec struct {
	Table      Table       `json:"table"`
	Filters    Filters     `json:"filters"`
	GroupBy    []Dimension `json:"groupBy,omitempty"`
	Metrics    []Metric    `json:"metrics,omitempty"`
	Sort       *Sort       `json:"sort,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

// IsAggregation reports whether the spec groups or aggregates.
func (s *Spec) IsAggregation() bool {
	return len(s.GroupBy) > 0 || len(s.Metrics) > 0
}

// DefaultLimit applies when no pagination bound is given.
const DefaultLimit = 100

// MaxLimit caps any page size.
const MaxLimit = 1000

// Limit resolves the effective page size, clamped to [1, MaxLimit].
func (s *Spec) Limit() int {
	n := DefaultLimit
	if p := s.Pagination; p != nil {
		if p.First != nil {
			n = *p.First
		} else if p.Last != nil {
			n = *p.Last
		}
	}
	if n > MaxLimit {
		n = MaxLimit
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Validate checks the spec against the schema contract. All violations are
// VALIDATION errors.
func (s *Spec) Validate() error {
	if _, err := security.SanitizeTableName(string(s.Table)); err != nil {
		return apperr.Wrap(apperr.CodeValidation, err, "invalid table")
	}

	seen := make(map[Dimension]bool, len(s.GroupBy))
	for _, d := range s.GroupBy {
		if _, ok := dimensions[d]; !ok {
			return apperr.Newf(apperr.CodeValidation, "unknown groupBy dimension %q", d)
		}
		if seen[d] {
			return apperr.Newf(apperr.CodeValidation, "duplicate groupBy dimension %q", d)
		}
		seen[d] = true
	}

	for _, m := range s.Metrics {
		if _, ok := metrics[m]; !ok {
			return apperr.Newf(apperr.CodeValidation, "unknown metric %q", m)
		}
	}

	if s.Sort != nil {
		if _, ok := sortColumns[s.Sort.Field]; !ok {
			return apperr.Newf(apperr.CodeValidation, "unknown sort field %q", s.Sort.Field)
		}
		switch s.Sort.Direction {
		case ASC, DESC:
		default:
			return apperr.Newf(apperr.CodeValidation, "invalid sort direction %q", s.Sort.Direction)
		}
	}

	if p := s.Pagination; p != nil {
		if p.First != nil && p.Last != nil {
			return apperr.New(apperr.CodeValidation, "pagination must use first or last, not both")
		}
		if p.First != nil && *p.First < 1 {
			return apperr.Newf(apperr.CodeValidation, "first must be at least 1, got %d", *p.First)
		}
		if p.Last != nil && *p.Last < 1 {
			return apperr.Newf(apperr.CodeValidation, "last must be at least 1, got %d", *p.Last)
		}
		if p.After != "" && p.Before != "" {
			return apperr.New(apperr.CodeValidation, "pagination must use after or before, not both")
		}
	}

	f := s.Filters
	if dr := f.DateRange; dr != nil {
		for _, d := range []string{dr.Start, dr.End} {
			if _, err := time.Parse("2006-01-02", d); err != nil {
				return apperr.Newf(apperr.CodeValidation, "invalid date %q, want YYYY-MM-DD", d)
			}
		}
		if dr.Start > dr.End {
			return apperr.Newf(apperr.CodeValidation, "dateRange start %q after end %q", dr.Start, dr.End)
		}
	}
	if sr := f.SlotRange; sr != nil && sr.Min > sr.Max {
		return apperr.Newf(apperr.CodeValidation, "slotRange min %d above max %d", sr.Min, sr.Max)
	}
	for name, r := range map[string]*NumRange{"feeRange": f.FeeRange, "computeRange": f.ComputeRange, "accountsCount": f.AccountsCount} {
		if r != nil && r.Min != nil && r.Max != nil && *r.Min > *r.Max {
			return apperr.Newf(apperr.CodeValidation, "%s min above max", name)
		}
	}

	if s.Table != TableFailedTransactions && (f.ErrorPattern != "" || f.LogMessage != "") {
		return apperr.New(apperr.CodeValidation, "errorPattern and logMessage require table failed_transactions")
	}
	if s.Table != TableTransactions && f.Success != nil {
		return apperr.New(apperr.CodeValidation, "success filter requires table transactions")
	}

	return nil
}

// CanonicalParams returns the spec as a plain map suitable for cache key
// generation: set-valued filters are sorted so semantically equal specs
// serialize identically.
func (s *Spec) CanonicalParams() map[string]any {
	params := map[string]any{
		"table":   string(s.Table),
		"filters": s.Filters.canonical(),
	}
	if len(s.GroupBy) > 0 {
		params["groupBy"] = s.GroupBy
	}
	if len(s.Metrics) > 0 {
		ms := append([]Metric(nil), s.Metrics...)
		sort.Slice(ms, func(i, j int) bool { return ms[i] < ms[j] })
		params["metrics"] = ms
	}
	if s.Sort != nil {
		params["sort"] = *s.Sort
	}
	if s.Pagination != nil {
		params["pagination"] = *s.Pagination
	}
	return params
}

func (f Filters) canonical() map[string]any {
	out := make(map[string]any)
	addSet := func(key string, vals []string) {
		if len(vals) == 0 {
			return
		}
		sorted := append([]string(nil), vals...)
		sort.Strings(sorted)
		out[key] = sorted
	}
	addSet("signatures", f.Signatures)
	addSet("programIds", f.ProgramIDs)
	addSet("protocols", f.Protocols)
	addSet("instructionTypes", f.InstructionTypes)
	if f.DateRange != nil {
		out["dateRange"] = *f.DateRange
	}
	if f.SlotRange != nil {
		out["slotRange"] = *f.SlotRange
	}
	if f.FeeRange != nil {
		out["feeRange"] = *f.FeeRange
	}
	if f.ComputeRange != nil {
		out["computeRange"] = *f.ComputeRange
	}
	if f.AccountsCount != nil {
		out["accountsCount"] = *f.AccountsCount
	}
	if f.Success != nil {
		out["success"] = *f.Success
	}
	if f.ErrorPattern != "" {
		out["errorPattern"] = f.ErrorPattern
	}
	if f.LogMessage != "" {
		out["logMessage"] = f.LogMessage
	}
	return out
}

// StringValues collects every user-supplied string for the parameter screen.
func (f Filters) StringValues() map[string]any {
	out := make(map[string]any)
	if len(f.Signatures) > 0 {
		out["signatures"] = f.Signatures
	}
	if len(f.ProgramIDs) > 0 {
		out["programIds"] = f.ProgramIDs
	}
	if len(f.Protocols) > 0 {
		out["protocols"] = f.Protocols
	}
	if len(f.InstructionTypes) > 0 {
		out["instructionTypes"] = f.InstructionTypes
	}
	if f.ErrorPattern != "" {
		out["errorPattern"] = f.ErrorPattern
	}
	if f.LogMessage != "" {
		out["logMessage"] = f.LogMessage
	}
	return out
}

// DimensionAlias returns the result alias for a dimension ("" if unknown).
func DimensionAlias(d Dimension) string { return dimensions[d].Alias }

// MetricAlias returns the result alias for a metric ("" if unknown).
func MetricAlias(m Metric) string { return metrics[m].Alias }

func (s *Spec) String() string {
	return fmt.Sprintf("spec{table=%s groups=%d metrics=%d agg=%t}",
		s.Table, len(s.GroupBy), len(s.Metrics), s.IsAggregation())
}
