package database

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/html5sync/html5sync/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresAdapter struct {
	pool *pgxpool.Pool
	qb   squirrel.StatementBuilderType
}

func NewPostgresAdapter() *PostgresAdapter {
	return &PostgresAdapter{
		qb: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

func (p *PostgresAdapter) Connect(ctx context.Context, url string) error {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	p.pool = pool
	return nil
}

func (p *PostgresAdapter) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func (p *PostgresAdapter) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresAdapter) Exec(ctx context.Context, stmt string) error {
	if _, err := p.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to execute statement: %w", err)
	}
	return nil
}

// Schema introspection

func (p *PostgresAdapter) IntrospectColumns(ctx context.Context, tableName string) ([]types.Column, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT DISTINCT
			a.attnum AS ord,
			a.attname AS name,
			format_type(a.atttypid, a.atttypmod) AS native_type,
			a.attnotnull AS notnull,
			coalesce(i.indisprimary, false) AS pk,
			coalesce(pg_get_expr(def.adbin, def.adrelid), '') AS default_expr
		FROM pg_attribute a
		JOIN pg_class pgc ON pgc.oid = a.attrelid
		LEFT JOIN pg_index i ON
			(pgc.oid = i.indrelid AND i.indkey[0] = a.attnum AND i.indisprimary)
		LEFT JOIN pg_attrdef def ON
			(a.attrelid = def.adrelid AND a.attnum = def.adnum)
		WHERE a.attnum > 0
		AND pg_table_is_visible(pgc.oid)
		AND NOT a.attisdropped
		AND pgc.relname = $1
		ORDER BY a.attnum
	`, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to introspect columns of %s: %w", tableName, err)
	}
	defer rows.Close()

	var columns []types.Column
	for rows.Next() {
		var order int
		var name, nativeType, defaultExpr string
		var notNull, pk bool
		if err := rows.Scan(&order, &name, &nativeType, &notNull, &pk, &defaultExpr); err != nil {
			return nil, err
		}
		columns = append(columns, types.Column{
			Name:          name,
			Type:          NormalizeType(nativeType),
			Order:         order,
			NotNull:       notNull,
			PrimaryKey:    pk,
			AutoIncrement: containsFold(defaultExpr, "nextval"),
		})
	}
	return columns, rows.Err()
}

func (p *PostgresAdapter) IntrospectForeignKeys(ctx context.Context, tableName string) ([]ForeignKeyRef, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT
			kcu.column_name,
			ccu.table_name AS foreign_table_name,
			ccu.column_name AS foreign_column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
		JOIN information_schema.constraint_column_usage ccu
			ON ccu.constraint_name = tc.constraint_name
		WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_name = $1
	`, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to introspect foreign keys of %s: %w", tableName, err)
	}
	defer rows.Close()

	var refs []ForeignKeyRef
	for rows.Next() {
		var ref ForeignKeyRef
		if err := rows.Scan(&ref.Column, &ref.RefTable, &ref.RefColumn); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (p *PostgresAdapter) InferQueryColumns(ctx context.Context, query string) ([]types.Column, error) {
	rows, err := p.pool.Query(ctx, trimQuery(query)+" LIMIT 1")
	if err != nil {
		return nil, fmt.Errorf("failed to probe query columns: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var values []interface{}
	if rows.Next() {
		if values, err = rows.Values(); err != nil {
			return nil, err
		}
	}

	columns := make([]types.Column, len(fields))
	for i, field := range fields {
		colType := types.TypeVarchar
		if values != nil {
			colType = inferLiteralType(values[i])
		}
		columns[i] = types.Column{Name: string(field.Name), Type: colType, Order: i + 1}
	}
	return columns, rows.Err()
}

// Change tracking installation

func (p *PostgresAdapter) InstallTransactionLog(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+LogTable+` (
		`+LogColID+` SERIAL PRIMARY KEY,
		`+LogColTable+` varchar(40) NOT NULL,
		`+LogColKey+` varchar(40) NOT NULL,
		`+LogColDate+` timestamp DEFAULT NULL,
		`+LogColOp+` varchar(20) NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create transaction log table: %w", err)
	}
	return nil
}

func (p *PostgresAdapter) InstallLogTriggers(ctx context.Context, table *types.Table) error {
	pk := table.PrimaryKey()
	if pk == nil {
		return fmt.Errorf("table %s has no primary key to track", table.Name)
	}

	proc := fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s%s() RETURNS TRIGGER AS $$
		DECLARE
			id text;
		BEGIN
			IF TG_OP = 'INSERT' THEN
				id := NEW.%s;
			ELSE
				id := OLD.%s;
			END IF;
			INSERT INTO %s (%s, %s, %s, %s)
			VALUES (TG_TABLE_NAME, id, current_timestamp, TG_OP);
			IF TG_OP = 'DELETE' THEN
				RETURN OLD;
			END IF;
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,
		procPrefix, table.Name, pk.Name, pk.Name,
		LogTable, LogColTable, LogColKey, LogColDate, LogColOp)
	if _, err := p.pool.Exec(ctx, proc); err != nil {
		return fmt.Errorf("failed to create log procedure for %s: %w", table.Name, err)
	}

	for _, op := range []string{"insert", "update", "delete"} {
		trigger := fmt.Sprintf("%s%s_%s", triggerPrefix, op, table.Name)
		if _, err := p.pool.Exec(ctx, fmt.Sprintf(
			"DROP TRIGGER IF EXISTS %s ON %s", trigger, table.Name)); err != nil {
			return fmt.Errorf("failed to drop trigger %s: %w", trigger, err)
		}
		if _, err := p.pool.Exec(ctx, fmt.Sprintf(
			"CREATE TRIGGER %s BEFORE %s ON %s FOR EACH ROW EXECUTE PROCEDURE %s%s()",
			trigger, op, table.Name, procPrefix, table.Name)); err != nil {
			return fmt.Errorf("failed to create trigger %s: %w", trigger, err)
		}
	}
	return nil
}

func (p *PostgresAdapter) InstallUpdatedColumn(ctx context.Context, table *types.Table) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(
		"ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s timestamp DEFAULT current_timestamp",
		table.Name, UpdatedColumn))
	if err != nil {
		return fmt.Errorf("failed to add updated column to %s: %w", table.Name, err)
	}

	proc := fmt.Sprintf(`CREATE OR REPLACE FUNCTION %supd_%s() RETURNS TRIGGER AS $$
		BEGIN
			NEW.%s := current_timestamp;
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`, procPrefix, table.Name, UpdatedColumn)
	if _, err := p.pool.Exec(ctx, proc); err != nil {
		return fmt.Errorf("failed to create updated-column procedure for %s: %w", table.Name, err)
	}

	trigger := fmt.Sprintf("%supdated_%s", triggerPrefix, table.Name)
	if _, err := p.pool.Exec(ctx, fmt.Sprintf(
		"DROP TRIGGER IF EXISTS %s ON %s", trigger, table.Name)); err != nil {
		return fmt.Errorf("failed to drop trigger %s: %w", trigger, err)
	}
	if _, err := p.pool.Exec(ctx, fmt.Sprintf(
		"CREATE TRIGGER %s BEFORE UPDATE ON %s FOR EACH ROW EXECUTE PROCEDURE %supd_%s()",
		trigger, table.Name, procPrefix, table.Name)); err != nil {
		return fmt.Errorf("failed to create trigger %s: %w", trigger, err)
	}
	return nil
}

// Change queries

func (p *PostgresAdapter) QueryChanges(ctx context.Context, since time.Time) ([]types.Transaction, error) {
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`
		SELECT t.%[1]s, t.%[5]s, t.%[2]s, t.%[3]s, t.%[4]s
		FROM %[6]s t
		INNER JOIN (
			SELECT %[2]s, %[3]s, MAX(%[4]s) AS max_date
			FROM %[6]s
			WHERE %[4]s > $1
			GROUP BY %[2]s, %[3]s
		) g ON t.%[2]s = g.%[2]s AND t.%[3]s = g.%[3]s AND t.%[4]s = g.max_date
		ORDER BY t.%[4]s, t.%[1]s`,
		LogColID, LogColTable, LogColKey, LogColDate, LogColOp, LogTable), since)
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction log: %w", err)
	}
	defer rows.Close()

	txs, err := scanPgxTransactions(rows)
	if err != nil {
		return nil, err
	}
	return latestPerKey(txs), nil
}

func (p *PostgresAdapter) QueryUpdatedRows(ctx context.Context, table *types.Table, since time.Time) ([]types.Transaction, error) {
	pk := table.PrimaryKey()
	if pk == nil {
		return nil, fmt.Errorf("table %s has no primary key to scan", table.Name)
	}
	rows, err := p.pool.Query(ctx, fmt.Sprintf(
		"SELECT %s, %s FROM %s WHERE %s > $1 ORDER BY %s",
		pk.Name, UpdatedColumn, table.Name, UpdatedColumn, UpdatedColumn), since)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s for updates: %w", table.Name, err)
	}
	defer rows.Close()

	var txs []types.Transaction
	for rows.Next() {
		var key interface{}
		var updated time.Time
		if err := rows.Scan(&key, &updated); err != nil {
			return nil, err
		}
		txs = append(txs, types.Transaction{
			Operation: types.OpUpdate,
			Table:     table.Name,
			Key:       fmt.Sprint(key),
			Timestamp: updated,
		})
	}
	return txs, rows.Err()
}

// Row operations

func (p *PostgresAdapter) CountRows(ctx context.Context, table *types.Table) (int, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table.Name)
	if table.Kind == types.KindQuery {
		query = wrapCount(table.Query)
	}
	var total int
	if err := p.pool.QueryRow(ctx, query).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count rows of %s: %w", table.Name, err)
	}
	return total, nil
}

func (p *PostgresAdapter) SelectPage(ctx context.Context, table *types.Table, offset, limit int) ([]types.Record, error) {
	var query string
	var args []interface{}
	if table.Kind == types.KindQuery {
		query = wrapPage(table.Query, offset, limit)
	} else {
		builder := p.qb.Select(columnNames(table)...).From(table.Name).
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

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rows of %s: %w", table.Name, err)
	}
	defer rows.Close()

	var list []types.Record
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		record := make(types.Record, len(table.Columns))
		for i, col := range table.Columns {
			if i < len(values) {
				record[col.Name] = normalizeValue(values[i])
			}
		}
		list = append(list, record)
	}
	return list, rows.Err()
}

func (p *PostgresAdapter) SelectByKey(ctx context.Context, table *types.Table, key interface{}) (types.Record, error) {
	pk := table.PrimaryKey()
	if pk == nil {
		return nil, fmt.Errorf("table %s has no primary key", table.Name)
	}
	query, args, err := p.qb.Select(columnNames(table)...).From(table.Name).
		Where(squirrel.Eq{pk.Name: key}).ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch row of %s: %w", table.Name, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	values, err := rows.Values()
	if err != nil {
		return nil, err
	}
	record := make(types.Record, len(table.Columns))
	for i, col := range table.Columns {
		if i < len(values) {
			record[col.Name] = normalizeValue(values[i])
		}
	}
	return record, nil
}

func (p *PostgresAdapter) InsertRow(ctx context.Context, table *types.Table, record types.Record) error {
	builder := p.qb.Insert(table.Name)
	cols, vals := orderedValues(table, record)
	query, args, err := builder.Columns(cols...).Values(vals...).ToSql()
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table.Name, err)
	}
	return nil
}

func (p *PostgresAdapter) UpdateRow(ctx context.Context, table *types.Table, record types.Record) error {
	pk := table.PrimaryKey()
	builder := p.qb.Update(table.Name)
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
	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update %s: %w", table.Name, err)
	}
	return nil
}

func (p *PostgresAdapter) DeleteRow(ctx context.Context, table *types.Table, key interface{}) error {
	pk := table.PrimaryKey()
	query, args, err := p.qb.Delete(table.Name).Where(squirrel.Eq{pk.Name: key}).ToSql()
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table.Name, err)
	}
	return nil
}

func scanPgxTransactions(rows pgx.Rows) ([]types.Transaction, error) {
	var list []types.Transaction
	for rows.Next() {
		var tx types.Transaction
		if err := rows.Scan(&tx.ID, &tx.Operation, &tx.Table, &tx.Key, &tx.Timestamp); err != nil {
			return nil, err
		}
		list = append(list, tx)
	}
	return list, rows.Err()
}
