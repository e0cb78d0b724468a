package storage

import (
	"fmt"
	"strings"
	"time"
)

// filterQuery collects the WHERE conditions of a list query and their
// positional arguments
type filterQuery struct {
	table string
	where []string
	args  []interface{}
}

func newFilterQuery(table string) *filterQuery {
	return &filterQuery{table: table}
}

func (q *filterQuery) add(column, op string, value interface{}) {
	q.args = append(q.args, value)
	q.where = append(q.where, fmt.Sprintf("%s %s $%d", column, op, len(q.args)))
}

// window bounds created_at; either end may be nil
func (q *filterQuery) window(start, end *time.Time) {
	if start != nil {
		q.add("created_at", ">=", *start)
	}
	if end != nil {
		q.add("created_at", "<=", *end)
	}
}

func (q *filterQuery) clause() string {
	if len(q.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.where, " AND ")
}

func (q *filterQuery) countSQL() (string, []interface{}) {
	return "SELECT COUNT(*) FROM " + q.table + q.clause(), q.args
}

// pageSQL selects columns newest first
func (q *filterQuery) pageSQL(columns string, limit, offset int) (string, []interface{}) {
	n := len(q.args)
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		columns, q.table, q.clause(), n+1, n+2)
	args := append(append([]interface{}{}, q.args...), limit, offset)
	return query, args
}
