// Package security screens SQL and parameter values before anything reaches
// the warehouse. The typed compiler never needs these checks to hold — every
// user value it emits is a named parameter — but the validated passthrough
// does, and the screen runs on compiled queries too as defense in depth.
package security

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Whitelisted warehouse tables. Anything else is a hard error.
const (
	TableTransactions       = "transactions"
	TableFailedTransactions = "failed_transactions"
)

// MaxQueryLength bounds passthrough SQL.
const MaxQueryLength = 100_000

// MaxPassthroughLimit is the largest LIMIT a passthrough query may carry.
const MaxPassthroughLimit = 10_000

// destructiveKeywords are rejected anywhere in a query, as whole words.
// SHOW/DESCRIBE/EXPLAIN are included: the gateway serves data queries only.
var destructiveKeywords = []string{
	"DROP", "DELETE", "UPDATE", "INSERT", "ALTER", "CREATE", "TRUNCATE",
	"REPLACE", "MERGE", "GRANT", "REVOKE", "KILL", "OPTIMIZE", "ATTACH",
	"DETACH", "EXCHANGE", "RENAME", "SYSTEM", "SHOW", "DESCRIBE", "EXPLAIN",
}

var (
	reDestructive = regexp.MustCompile(`(?i)\b(` + strings.Join(destructiveKeywords, "|") + `)\b`)
	reLimit       = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+)`)

	// Parameter value screens.
	reStackedStatement = regexp.MustCompile(`(?i);\s*(DROP|DELETE|UPDATE|INSERT|ALTER|CREATE|TRUNCATE|REPLACE|MERGE|GRANT|REVOKE)\b`)
	reOrTautology      = regexp.MustCompile(`(?i)'\s*OR\s*'1'\s*=\s*'1`)
	reUnionSelect      = regexp.MustCompile(`(?i)'\s*UNION\s*SELECT`)

	reLineComment  = regexp.MustCompile(`--[^\n]*`)
	reBlockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reWhitespace   = regexp.MustCompile(`\s+`)
)

// Result reports the outcome of a validation.
type Result struct {
	Valid  bool
	Reason string
}

func invalid(reason string) Result { return Result{Reason: reason} }

// ValidateReadOnly checks that a SQL string is a bounded read-only query.
// Rules are applied in order; the first violation wins.
func ValidateReadOnly(sql string) Result {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return invalid("empty query")
	}

	normalized := strings.ToUpper(reWhitespace.ReplaceAllString(trimmed, " "))
	if !strings.HasPrefix(normalized, "SELECT") && !strings.HasPrefix(normalized, "WITH") {
		return invalid("only SELECT and WITH queries are allowed")
	}

	if m := reDestructive.FindString(trimmed); m != "" {
		return invalid(fmt.Sprintf("forbidden keyword: %s", strings.ToUpper(m)))
	}

	if len(trimmed) > MaxQueryLength {
		return invalid(fmt.Sprintf("query exceeds %d characters", MaxQueryLength))
	}

	// At most one statement: a single terminating semicolon is tolerated,
	// any interior semicolon is not.
	body := strings.TrimRight(trimmed, "; \t\n")
	if strings.Contains(body, ";") {
		return invalid("multiple statements are not allowed")
	}
	if strings.Count(trimmed, ";") > 1 {
		return invalid("multiple statements are not allowed")
	}

	limits := reLimit.FindAllStringSubmatch(trimmed, -1)
	if len(limits) == 0 {
		return invalid("query must contain a LIMIT clause")
	}
	for _, m := range limits {
		n, err := strconv.Atoi(m[1])
		if err != nil || n > MaxPassthroughLimit {
			return invalid(fmt.Sprintf("LIMIT must not exceed %d", MaxPassthroughLimit))
		}
	}

	return Result{Valid: true}
}

// SanitizeTableName returns the canonical table name or an error for
// anything outside the whitelist.
func SanitizeTableName(table string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(table)) {
	case TableTransactions:
		return TableTransactions, nil
	case TableFailedTransactions:
		return TableFailedTransactions, nil
	default:
		return "", fmt.Errorf("table %q is not queryable", table)
	}
}

// ValidateParams rejects parameter values carrying injection shapes. Values
// travel to the warehouse as named parameters, so this is belt-and-braces,
// but a rejection here is always logged as a security event upstream.
func ValidateParams(params map[string]any) error {
	for name, value := range params {
		if err := validateValue(name, value); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(name string, value any) error {
	switch v := value.(type) {
	case string:
		return validateString(name, v)
	case []string:
		for _, s := range v {
			if err := validateString(name, s); err != nil {
				return err
			}
		}
	case []any:
		for _, e := range v {
			if err := validateValue(name, e); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateString(name, s string) error {
	switch {
	case reStackedStatement.MatchString(s):
		return fmt.Errorf("parameter %q contains a stacked statement", name)
	case reOrTautology.MatchString(s):
		return fmt.Errorf("parameter %q contains a tautology pattern", name)
	case reUnionSelect.MatchString(s):
		return fmt.Errorf("parameter %q contains a UNION SELECT pattern", name)
	case strings.Contains(s, "/*"), strings.Contains(s, "*/"):
		return fmt.Errorf("parameter %q contains a block comment", name)
	case strings.Contains(s, "--"):
		return fmt.Errorf("parameter %q contains a line comment", name)
	}
	return nil
}

// Sanitize strips comments and collapses whitespace. Used before logging
// passthrough SQL and before validation so comments can't hide keywords.
func Sanitize(sql string) string {
	s := reBlockComment.ReplaceAllString(sql, " ")
	s = reLineComment.ReplaceAllString(s, " ")
	return strings.TrimSpace(reWhitespace.ReplaceAllString(s, " "))
}

// EnsureLimit appends a default LIMIT to passthrough SQL that has none. The
// result still goes through ValidateReadOnly.
func EnsureLimit(sql string, limit int) string {
	if reLimit.MatchString(sql) {
		return sql
	}
	return strings.TrimRight(strings.TrimSpace(sql), "; \t\n") + fmt.Sprintf(" LIMIT %d", limit)
}
