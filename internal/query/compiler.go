package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nethalo/sologate/internal/apperr"
	"github.com/nethalo/sologate/internal/security"
)

// Compiled is a ready-to-execute parameterized query.
type Compiled struct {
	SQL           string
	Params        map[string]string
	IsAggregation bool
	// Limit is the page size; the emitted SQL fetches Limit+1 rows so the
	// caller can detect a further page.
	Limit        int
	Backward     bool
	GroupAliases []string
}

type builder struct {
	params map[string]string
}

func newBuilder() *builder {
	return &builder{params: make(map[string]string)}
}

// bind registers a server-side parameter and returns its placeholder. The
// value never enters the SQL text.
func (b *builder) bind(name, chType, value string) string {
	b.params[name] = value
	return "{" + name + ":" + chType + "}"
}

func (b *builder) bindUInt64(name string, v uint64) string {
	return b.bind(name, "UInt64", strconv.FormatUint(v, 10))
}

func (b *builder) bindStrings(name string, values []string) string {
	return b.bind(name, "Array(String)", arrayLiteral(values))
}

// arrayLiteral renders a ClickHouse array parameter value.
func arrayLiteral(values []string) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range values {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('\'')
		sb.WriteString(escapeArrayElement(v))
		sb.WriteByte('\'')
	}
	sb.WriteByte(']')
	return sb.String()
}

func escapeArrayElement(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

// escapeLike neutralizes LIKE metacharacters in a user substring.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

// filterClauses emits WHERE conditions in fixed selectivity order:
// signature, program_id, date, slot, protocol, instruction_type, success,
// fee, compute_units, accounts_count, then failed-only substring matches.
func (b *builder) filterClauses(f Filters) []string {
	var conds []string

	switch len(f.Signatures) {
	case 0:
	case 1:
		conds = append(conds, "signature = "+b.bind("signature", "String", f.Signatures[0]))
	default:
		conds = append(conds, "signature IN "+b.bindStrings("signatures", f.Signatures))
	}

	switch len(f.ProgramIDs) {
	case 0:
	case 1:
		conds = append(conds, "program_id = "+b.bind("programId", "String", f.ProgramIDs[0]))
	default:
		conds = append(conds, "program_id IN "+b.bindStrings("programIds", f.ProgramIDs))
	}

	if dr := f.DateRange; dr != nil {
		conds = append(conds,
			"date >= "+b.bind("dateStart", "Date", dr.Start),
			"date <= "+b.bind("dateEnd", "Date", dr.End))
	}

	if sr := f.SlotRange; sr != nil {
		conds = append(conds,
			"slot >= "+b.bindUInt64("slotMin", sr.Min),
			"slot <= "+b.bindUInt64("slotMax", sr.Max))
	}

	switch len(f.Protocols) {
	case 0:
	case 1:
		conds = append(conds, "protocol_name = "+b.bind("protocolName", "String", f.Protocols[0]))
	default:
		conds = append(conds, "protocol_name IN "+b.bindStrings("protocols", f.Protocols))
	}

	switch len(f.InstructionTypes) {
	case 0:
	case 1:
		conds = append(conds, "instruction_type = "+b.bind("instructionType", "String", f.InstructionTypes[0]))
	default:
		conds = append(conds, "instruction_type IN "+b.bindStrings("instructionTypes", f.InstructionTypes))
	}

	if f.Success != nil {
		v := "0"
		if *f.Success {
			v = "1"
		}
		conds = append(conds, "success = "+b.bind("success", "UInt8", v))
	}

	if r := f.FeeRange; r != nil {
		if r.Min != nil {
			conds = append(conds, "fee >= "+b.bindUInt64("feeMin", *r.Min))
		}
		if r.Max != nil {
			conds = append(conds, "fee <= "+b.bindUInt64("feeMax", *r.Max))
		}
	}

	if r := f.ComputeRange; r != nil {
		if r.Min != nil {
			conds = append(conds, "compute_units >= "+b.bindUInt64("computeMin", *r.Min))
		}
		if r.Max != nil {
			conds = append(conds, "compute_units <= "+b.bindUInt64("computeMax", *r.Max))
		}
	}

	if r := f.AccountsCount; r != nil {
		if r.Min != nil {
			conds = append(conds, "accounts_count >= "+b.bind("accountsMin", "UInt32", strconv.FormatUint(*r.Min, 10)))
		}
		if r.Max != nil {
			conds = append(conds, "accounts_count <= "+b.bind("accountsMax", "UInt32", strconv.FormatUint(*r.Max, 10)))
		}
	}

	if f.ErrorPattern != "" {
		conds = append(conds, "error_message LIKE "+b.bind("errorPattern", "String", "%"+escapeLike(f.ErrorPattern)+"%"))
	}
	if f.LogMessage != "" {
		conds = append(conds, "log_messages LIKE "+b.bind("logMessage", "String", "%"+escapeLike(f.LogMessage)+"%"))
	}

	return conds
}

var scanColumnsTransactions = []string{
	"signature",
	"slot",
	"date",
	"block_time AS blockTime",
	"protocol_name AS protocolName",
	"program_id AS programId",
	"instruction_type AS instructionType",
	"fee",
	"compute_units AS computeUnits",
	"accounts_count AS accountsCount",
	"success",
}

var scanColumnsFailed = []string{
	"signature",
	"slot",
	"date",
	"block_time AS blockTime",
	"protocol_name AS protocolName",
	"program_id AS programId",
	"instruction_type AS instructionType",
	"fee",
	"compute_units AS computeUnits",
	"accounts_count AS accountsCount",
	"error_message AS errorMessage",
	"log_messages AS logMessages",
}

func scanColumns(table string) []string {
	if table == security.TableFailedTransactions {
		return scanColumnsFailed
	}
	return scanColumnsTransactions
}

func (s *Spec) selectList(table string) ([]string, error) {
	if !s.IsAggregation() {
		return scanColumns(table), nil
	}
	cols := make([]string, 0, len(s.GroupBy)+len(s.Metrics)+1)
	for _, d := range s.GroupBy {
		spec, ok := dimensions[d]
		if !ok {
			return nil, apperr.Newf(apperr.CodeValidation, "unknown groupBy dimension %q", d)
		}
		cols = append(cols, spec.Expr+" AS "+spec.Alias)
	}
	for _, m := range s.Metrics {
		spec, ok := metrics[m]
		if !ok {
			return nil, apperr.Newf(apperr.CodeValidation, "unknown metric %q", m)
		}
		cols = append(cols, spec.Expr+" AS "+spec.Alias)
	}
	if len(s.Metrics) == 0 {
		cols = append(cols, "count() AS count")
	}
	return cols, nil
}

// scanDirection is the effective primary direction of a row scan.
func (s *Spec) scanDirection() SortDirection {
	if s.Sort != nil {
		return s.Sort.Direction
	}
	return DESC
}

// cursorClause compiles the pagination predicate. An undecodable cursor is
// silently dropped. Aggregation cursors apply only under the default order
// (first group-by dimension); under an explicit sort there is no sound
// predicate over group values, so the cursor is ignored.
func (b *builder) cursorClause(s *Spec) string {
	p := s.Pagination
	if p == nil {
		return ""
	}
	cursor, backward := p.After, false
	if p.Before != "" {
		cursor, backward = p.Before, true
	}
	if cursor == "" {
		return ""
	}

	if !s.IsAggregation() {
		c, err := DecodeScanCursor(cursor)
		if err != nil {
			return ""
		}
		op := "<"
		if s.scanDirection() == ASC {
			op = ">"
		}
		if backward {
			op = invertOp(op)
		}
		slotP := b.bindUInt64("cursorSlot", c.Slot)
		sigP := b.bind("cursorSignature", "String", c.Signature)
		return fmt.Sprintf("(slot %s %s OR (slot = %s AND signature %s %s))", op, slotP, slotP, op, sigP)
	}

	if len(s.GroupBy) == 0 || s.Sort != nil {
		return ""
	}
	pairs, err := DecodeGroupCursor(cursor)
	if err != nil {
		return ""
	}
	first := dimensions[s.GroupBy[0]]
	for _, pair := range pairs {
		if pair.Key != first.Alias {
			continue
		}
		op := "<" // default aggregation order is first dimension DESC
		if backward {
			op = invertOp(op)
		}
		return first.Expr + " " + op + " " + b.bind("cursorGroup", first.ParamType, pair.Value)
	}
	return ""
}

func invertOp(op string) string {
	if op == "<" {
		return ">"
	}
	return "<"
}

func (s *Spec) orderBy() string {
	if s.Sort != nil {
		return "ORDER BY " + sortColumns[s.Sort.Field] + " " + string(s.Sort.Direction)
	}
	if !s.IsAggregation() {
		return "ORDER BY date DESC, slot DESC, signature DESC"
	}
	if len(s.GroupBy) > 0 {
		return "ORDER BY " + dimensions[s.GroupBy[0]].Expr + " DESC"
	}
	return ""
}

// Compile translates the spec into parameterized ClickHouse SQL.
func Compile(s *Spec) (*Compiled, error) {
	table, err := security.SanitizeTableName(string(s.Table))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, err, "invalid table")
	}

	b := newBuilder()
	cols, err := s.selectList(table)
	if err != nil {
		return nil, err
	}

	conds := b.filterClauses(s.Filters)
	if cc := b.cursorClause(s); cc != "" {
		conds = append(conds, cc)
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(table)
	if len(conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}
	if s.IsAggregation() && len(s.GroupBy) > 0 {
		exprs := make([]string, len(s.GroupBy))
		for i, d := range s.GroupBy {
			exprs[i] = dimensions[d].Expr
		}
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(exprs, ", "))
	}
	if ob := s.orderBy(); ob != "" {
		sb.WriteString(" ")
		sb.WriteString(ob)
	}

	limit := s.Limit()
	fmt.Fprintf(&sb, " LIMIT %d", limit+1)

	aliases := make([]string, len(s.GroupBy))
	for i, d := range s.GroupBy {
		aliases[i] = dimensions[d].Alias
	}

	return &Compiled{
		SQL:           sb.String(),
		Params:        b.params,
		IsAggregation: s.IsAggregation(),
		Limit:         limit,
		Backward:      s.Pagination.Backward(),
		GroupAliases:  aliases,
	}, nil
}

// ResultColumns returns the result aliases in SELECT order. The export
// writer uses it for stable CSV headers.
func ResultColumns(s *Spec) ([]string, error) {
	table, err := security.SanitizeTableName(string(s.Table))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, err, "invalid table")
	}
	cols, err := s.selectList(table)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(cols))
	for i, c := range cols {
		if idx := strings.LastIndex(c, " AS "); idx >= 0 {
			out[i] = c[idx+len(" AS "):]
		} else {
			out[i] = c
		}
	}
	return out, nil
}

// CompileCount builds the bounded count probe the complexity estimator
// runs. The probe narrows by the same filters but never pages.
func CompileCount(s *Spec) (*Compiled, error) {
	table, err := security.SanitizeTableName(string(s.Table))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, err, "invalid table")
	}

	b := newBuilder()
	conds := b.filterClauses(s.Filters)

	var sb strings.Builder
	sb.WriteString("SELECT count() AS cnt FROM ")
	sb.WriteString(table)
	if len(conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}
	sb.WriteString(" LIMIT 1 SETTINGS max_execution_time = 1")

	return &Compiled{SQL: sb.String(), Params: b.params, Limit: 1}, nil
}

// CompileChunk builds one export chunk query: same projection and order as
// Compile but windowed by LIMIT/OFFSET. Offsets are engine-internal, never
// client-visible.
func CompileChunk(s *Spec, limit, offset int) (*Compiled, error) {
	table, err := security.SanitizeTableName(string(s.Table))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, err, "invalid table")
	}
	if limit < 1 {
		return nil, apperr.Newf(apperr.CodeValidation, "chunk limit must be positive, got %d", limit)
	}

	b := newBuilder()
	cols, err := s.selectList(table)
	if err != nil {
		return nil, err
	}
	conds := b.filterClauses(s.Filters)

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(table)
	if len(conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}
	if s.IsAggregation() && len(s.GroupBy) > 0 {
		exprs := make([]string, len(s.GroupBy))
		for i, d := range s.GroupBy {
			exprs[i] = dimensions[d].Expr
		}
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(exprs, ", "))
	}
	if ob := s.orderBy(); ob != "" {
		sb.WriteString(" ")
		sb.WriteString(ob)
	}
	fmt.Fprintf(&sb, " LIMIT %d OFFSET %d", limit, offset)

	return &Compiled{
		SQL:           sb.String(),
		Params:        b.params,
		IsAggregation: s.IsAggregation(),
		Limit:         limit,
	}, nil
}
