package gateway

import (
	"fmt"
	"strconv"

	"github.com/nethalo/sologate/internal/query"
	"github.com/nethalo/sologate/internal/warehouse"
)

// Edge pairs a row with its resume cursor.
type Edge struct {
	Node   warehouse.Row `json:"node"`
	Cursor string        `json:"cursor"`
}

// PageInfo describes the page's position in the full result.
type PageInfo struct {
	HasNextPage     bool   `json:"hasNextPage"`
	HasPreviousPage bool   `json:"hasPreviousPage"`
	StartCursor     string `json:"startCursor,omitempty"`
	EndCursor       string `json:"endCursor,omitempty"`
}

// Connection is the paged result envelope every read returns.
type Connection struct {
	Edges      []Edge          `json:"edges"`
	Nodes      []warehouse.Row `json:"nodes"`
	PageInfo   PageInfo        `json:"pageInfo"`
	TotalCount *uint64         `json:"totalCount,omitempty"`
}

// buildConnection pages fetched rows into the envelope. The compiled query
// fetched limit+1 rows, so an extra row proves a further page exists.
// Backward pages arrive inverted and are flipped back to the active order.
func buildConnection(rows []warehouse.Row, c *query.Compiled, s *query.Spec) *Connection {
	hasNext := len(rows) > c.Limit
	if hasNext {
		rows = rows[:c.Limit]
	}
	if c.Backward {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}

	conn := &Connection{
		Edges: make([]Edge, 0, len(rows)),
		Nodes: rows,
		PageInfo: PageInfo{
			HasNextPage:     hasNext,
			HasPreviousPage: s.Pagination != nil && s.Pagination.Before != "",
		},
	}
	if conn.Nodes == nil {
		conn.Nodes = []warehouse.Row{}
	}
	for _, row := range rows {
		conn.Edges = append(conn.Edges, Edge{Node: row, Cursor: rowCursor(row, c)})
	}
	if n := len(conn.Edges); n > 0 {
		conn.PageInfo.StartCursor = conn.Edges[0].Cursor
		conn.PageInfo.EndCursor = conn.Edges[n-1].Cursor
	}
	return conn
}

// rowCursor derives the opaque cursor for one row: scans resume on
// slot+signature, aggregations on the group-by values.
func rowCursor(row warehouse.Row, c *query.Compiled) string {
	if !c.IsAggregation {
		sig, _ := row["signature"].(string)
		return query.EncodeScanCursor(rowUint64(row["slot"]), sig)
	}
	pairs := make([]query.GroupPair, 0, len(c.GroupAliases))
	for _, alias := range c.GroupAliases {
		pairs = append(pairs, query.GroupPair{Key: alias, Value: renderValue(row[alias])})
	}
	return query.EncodeGroupCursor(pairs)
}

func rowUint64(v any) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case int64:
		return uint64(n)
	case int:
		return uint64(n)
	case uint32:
		return uint64(n)
	case string:
		u, _ := strconv.ParseUint(n, 10, 64)
		return u
	default:
		return 0
	}
}

func renderValue(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
