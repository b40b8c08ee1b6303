package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/html5sync/html5sync/internal/types"
)

// sqlAdapter carries the database/sql plumbing shared by the mysql and
// sqlite dialects. Dialect-specific concerns (connection, catalogs,
// trigger DDL) live in the embedding adapters.
type sqlAdapter struct {
	db *sql.DB
	qb squirrel.StatementBuilderType

	// bindTime converts a watermark into the driver's comparable
	// representation; sqlite stores timestamps as text.
	bindTime func(time.Time) interface{}
}

func (s *sqlAdapter) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *sqlAdapter) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlAdapter) Exec(ctx context.Context, stmt string) error {
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to execute statement: %w", err)
	}
	return nil
}

func (s *sqlAdapter) InferQueryColumns(ctx context.Context, query string) ([]types.Column, error) {
	rows, err := s.db.QueryContext(ctx, trimQuery(query)+" LIMIT 1")
	if err != nil {
		return nil, fmt.Errorf("failed to probe query columns: %w", err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var values []interface{}
	if rows.Next() {
		values = make([]interface{}, len(names))
		ptrs := make([]interface{}, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
	}

	columns := make([]types.Column, len(names))
	for i, name := range names {
		colType := types.TypeVarchar
		if values != nil {
			colType = inferLiteralType(values[i])
		}
		columns[i] = types.Column{Name: name, Type: colType, Order: i + 1}
	}
	return columns, rows.Err()
}

func (s *sqlAdapter) QueryChanges(ctx context.Context, since time.Time) ([]types.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT t.%[1]s, t.%[5]s, t.%[2]s, t.%[3]s, t.%[4]s
		FROM %[6]s t
		INNER JOIN (
			SELECT %[2]s, %[3]s, MAX(%[4]s) AS max_date
			FROM %[6]s
			WHERE %[4]s > ?
			GROUP BY %[2]s, %[3]s
		) g ON t.%[2]s = g.%[2]s AND t.%[3]s = g.%[3]s AND t.%[4]s = g.max_date
		ORDER BY t.%[4]s, t.%[1]s`,
		LogColID, LogColTable, LogColKey, LogColDate, LogColOp, LogTable), s.bindTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction log: %w", err)
	}
	defer rows.Close()

	txs, err := scanTransactions(rows)
	if err != nil {
		return nil, err
	}
	return latestPerKey(txs), nil
}

func (s *sqlAdapter) QueryUpdatedRows(ctx context.Context, table *types.Table, since time.Time) ([]types.Transaction, error) {
	pk := table.PrimaryKey()
	if pk == nil {
		return nil, fmt.Errorf("table %s has no primary key to scan", table.Name)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s, %s FROM %s WHERE %s > ? ORDER BY %s",
		pk.Name, UpdatedColumn, table.Name, UpdatedColumn, UpdatedColumn), s.bindTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s for updates: %w", table.Name, err)
	}
	defer rows.Close()

	var txs []types.Transaction
	for rows.Next() {
		var key, updated interface{}
		if err := rows.Scan(&key, &updated); err != nil {
			return nil, err
		}
		ts, err := coerceTime(updated)
		if err != nil {
			return nil, err
		}
		txs = append(txs, types.Transaction{
			Operation: types.OpUpdate,
			Table:     table.Name,
			Key:       fmt.Sprint(normalizeValue(key)),
			Timestamp: ts,
		})
	}
	return txs, rows.Err()
}

func (s *sqlAdapter) CountRows(ctx context.Context, table *types.Table) (int, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table.Name)
	if table.Kind == types.KindQuery {
		query = wrapCount(table.Query)
	}
	var total int
	if err := s.db.QueryRowContext(ctx, query).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count rows of %s: %w", table.Name, err)
	}
	return total, nil
}

func (s *sqlAdapter) SelectPage(ctx context.Context, table *types.Table, offset, limit int) ([]types.Record, error) {
	var query string
	var args []interface{}
	if table.Kind == types.KindQuery {
		query = wrapPage(table.Query, offset, limit)
	} else {
		builder := s.qb.Select(columnNames(table)...).From(table.Name).
			Offset(uint64(offset)).Limit(uint64(limit))
		if pk := table.PrimaryKey(); pk != nil {
			builder = builder.OrderBy(pk.Name)
		}
		var err error
		query, args, err = builder.ToSql()
		if err != nil {
			return nil, err
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rows of %s: %w", table.Name, err)
	}
	defer rows.Close()

	return scanRecords(rows, table)
}

func (s *sqlAdapter) SelectByKey(ctx context.Context, table *types.Table, key interface{}) (types.Record, error) {
	pk := table.PrimaryKey()
	if pk == nil {
		return nil, fmt.Errorf("table %s has no primary key", table.Name)
	}
	query, args, err := s.qb.Select(columnNames(table)...).From(table.Name).
		Where(squirrel.Eq{pk.Name: key}).ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch row of %s: %w", table.Name, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanRecord(rows, table)
}

func (s *sqlAdapter) InsertRow(ctx context.Context, table *types.Table, record types.Record) error {
	cols, vals := orderedValues(table, record)
	query, args, err := s.qb.Insert(table.Name).Columns(cols...).Values(vals...).ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table.Name, err)
	}
	return nil
}

func (s *sqlAdapter) UpdateRow(ctx context.Context, table *types.Table, record types.Record) error {
	pk := table.PrimaryKey()
	builder := s.qb.Update(table.Name)
	for _, col := range table.Columns {
		if col.Name == pk.Name {
			continue
		}
		if value, ok := record[col.Name]; ok {
			builder = builder.Set(col.Name, value)
		}
	}
	query, args, err := builder.Where(squirrel.Eq{pk.Name: record[pk.Name]}).ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update %s: %w", table.Name, err)
	}
	return nil
}

func (s *sqlAdapter) DeleteRow(ctx context.Context, table *types.Table, key interface{}) error {
	pk := table.PrimaryKey()
	query, args, err := s.qb.Delete(table.Name).Where(squirrel.Eq{pk.Name: key}).ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table.Name, err)
	}
	return nil
}
