package database

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/html5sync/html5sync/internal/types"
)

// timeLayouts covers the timestamp encodings the three engines hand back
// when a driver does not decode to time.Time itself.
var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	time.RFC3339,
}

func coerceTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case []byte:
		return parseTime(string(t))
	case string:
		return parseTime(t)
	default:
		return time.Time{}, fmt.Errorf("cannot read %T as timestamp", v)
	}
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// normalizeValue makes driver values JSON-friendly; text comes back as
// []byte from the mysql and sqlite drivers.
func normalizeValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// scanRecords reads every row into a Record keyed by the table's column
// names. The caller selects exactly the table's columns in order.
func scanRecords(rows *sql.Rows, table *types.Table) ([]types.Record, error) {
	var list []types.Record
	for rows.Next() {
		record, err := scanRecord(rows, table)
		if err != nil {
			return nil, err
		}
		list = append(list, record)
	}
	return list, rows.Err()
}

func scanRecord(rows *sql.Rows, table *types.Table) (types.Record, error) {
	values := make([]interface{}, len(table.Columns))
	ptrs := make([]interface{}, len(table.Columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	record := make(types.Record, len(table.Columns))
	for i, col := range table.Columns {
		record[col.Name] = normalizeValue(values[i])
	}
	return record, nil
}

// scanTransactions reads transaction log rows in the select order
// (id, operation, table, key, date).
func scanTransactions(rows *sql.Rows) ([]types.Transaction, error) {
	var list []types.Transaction
	for rows.Next() {
		var tx types.Transaction
		var key, date interface{}
		if err := rows.Scan(&tx.ID, &tx.Operation, &tx.Table, &key, &date); err != nil {
			return nil, err
		}
		tx.Key = fmt.Sprint(normalizeValue(key))
		ts, err := coerceTime(date)
		if err != nil {
			return nil, err
		}
		tx.Timestamp = ts
		list = append(list, tx)
	}
	return list, rows.Err()
}

// latestPerKey collapses the log down to one authoritative transaction per
// (table, key): the one with the maximum timestamp, log id breaking ties.
// The result is ordered by timestamp ascending so the client can replay it.
func latestPerKey(txs []types.Transaction) []types.Transaction {
	type groupKey struct{ table, key string }
	latest := make(map[groupKey]types.Transaction, len(txs))
	for _, tx := range txs {
		k := groupKey{tx.Table, tx.Key}
		prev, ok := latest[k]
		if !ok || tx.Timestamp.After(prev.Timestamp) ||
			(tx.Timestamp.Equal(prev.Timestamp) && tx.ID > prev.ID) {
			latest[k] = tx
		}
	}
	result := make([]types.Transaction, 0, len(latest))
	for _, tx := range latest {
		result = append(result, tx)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].ID < result[j].ID
		}
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result
}

// trimQuery strips whitespace and the trailing semicolon so a stored query
// can be embedded in a subselect or extended with LIMIT.
func trimQuery(query string) string {
	q := strings.TrimSpace(query)
	return strings.TrimSuffix(q, ";")
}

// wrapPage embeds a stored query in a paged subselect. All three supported
// engines accept this form.
func wrapPage(query string, offset, limit int) string {
	return fmt.Sprintf("SELECT * FROM (%s) AS h5s_query LIMIT %d OFFSET %d", trimQuery(query), limit, offset)
}

// wrapCount counts the rows a stored query produces.
func wrapCount(query string) string {
	return fmt.Sprintf("SELECT COUNT(*) FROM (%s) AS h5s_query", trimQuery(query))
}

// columnNames returns the table's column names in declaration order.
func columnNames(table *types.Table) []string {
	names := make([]string, len(table.Columns))
	for i, col := range table.Columns {
		names[i] = col.Name
	}
	return names
}

// orderedValues splits a record into column and value slices following the
// table's declaration order, skipping columns the record does not provide.
func orderedValues(table *types.Table, record types.Record) ([]string, []interface{}) {
	var cols []string
	var vals []interface{}
	for _, col := range table.Columns {
		if value, ok := record[col.Name]; ok {
			cols = append(cols, col.Name)
			vals = append(vals, value)
		}
	}
	return cols, vals
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), substr)
}
