package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/html5sync/html5sync/internal/types"
	_ "github.com/go-sql-driver/mysql"
)

type MySQLAdapter struct {
	sqlAdapter
}

func NewMySQLAdapter() *MySQLAdapter {
	a := &MySQLAdapter{}
	a.qb = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question)
	a.bindTime = func(t time.Time) interface{} { return t }
	return a
}

func (m *MySQLAdapter) Connect(ctx context.Context, url string) error {
	// Timestamps must come back as time.Time for the change queries.
	if !strings.Contains(url, "parseTime") {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "parseTime=true"
	}

	db, err := sql.Open("mysql", url)
	if err != nil {
		return fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	m.db = db
	return nil
}

// Schema introspection

func (m *MySQLAdapter) IntrospectColumns(ctx context.Context, tableName string) ([]types.Column, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT
			ORDINAL_POSITION,
			COLUMN_NAME,
			DATA_TYPE,
			IS_NULLABLE,
			EXTRA,
			COLUMN_KEY
		FROM information_schema.columns
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION
	`, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to introspect columns of %s: %w", tableName, err)
	}
	defer rows.Close()

	var columns []types.Column
	for rows.Next() {
		var order int
		var name, nativeType, nullable, extra, key string
		if err := rows.Scan(&order, &name, &nativeType, &nullable, &extra, &key); err != nil {
			return nil, err
		}
		columns = append(columns, types.Column{
			Name:          name,
			Type:          NormalizeType(nativeType),
			Order:         order,
			NotNull:       nullable == "NO",
			PrimaryKey:    key == "PRI",
			AutoIncrement: containsFold(extra, "auto_increment"),
		})
	}
	return columns, rows.Err()
}

func (m *MySQLAdapter) IntrospectForeignKeys(ctx context.Context, tableName string) ([]ForeignKeyRef, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT
			column_name,
			referenced_table_name,
			referenced_column_name
		FROM information_schema.key_column_usage
		WHERE referenced_table_name IS NOT NULL
		AND table_schema = DATABASE()
		AND table_name = ?
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

// Change tracking installation

func (m *MySQLAdapter) InstallTransactionLog(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+LogTable+` (
		`+LogColID+` INT NOT NULL AUTO_INCREMENT,
		`+LogColTable+` varchar(40) NOT NULL,
		`+LogColKey+` varchar(40) NOT NULL,
		`+LogColDate+` datetime(6) DEFAULT NULL,
		`+LogColOp+` varchar(20) NOT NULL,
		PRIMARY KEY (`+LogColID+`)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`)
	if err != nil {
		return fmt.Errorf("failed to create transaction log table: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) InstallLogTriggers(ctx context.Context, table *types.Table) error {
	pk := table.PrimaryKey()
	if pk == nil {
		return fmt.Errorf("table %s has no primary key to track", table.Name)
	}

	type triggerSpec struct {
		op     string
		timing string
		rowRef string
	}
	specs := []triggerSpec{
		{"insert", "AFTER INSERT", "NEW"},
		{"update", "BEFORE UPDATE", "OLD"},
		{"delete", "BEFORE DELETE", "OLD"},
	}
	for _, spec := range specs {
		trigger := fmt.Sprintf("%s%s_%s", triggerPrefix, spec.op, table.Name)
		if _, err := m.db.ExecContext(ctx, fmt.Sprintf(
			"DROP TRIGGER IF EXISTS %s", trigger)); err != nil {
			return fmt.Errorf("failed to drop trigger %s: %w", trigger, err)
		}
		stmt := fmt.Sprintf(
			"CREATE TRIGGER %s %s ON %s FOR EACH ROW INSERT INTO %s (%s, %s, %s, %s) VALUES ('%s', %s.%s, NOW(6), '%s')",
			trigger, spec.timing, table.Name,
			LogTable, LogColTable, LogColKey, LogColDate, LogColOp,
			table.Name, spec.rowRef, pk.Name, strings.ToUpper(spec.op))
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create trigger %s: %w", trigger, err)
		}
	}
	return nil
}

func (m *MySQLAdapter) InstallUpdatedColumn(ctx context.Context, table *types.Table) error {
	var exists bool
	err := m.db.QueryRowContext(ctx, `
		SELECT COUNT(*) > 0 FROM information_schema.columns
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND COLUMN_NAME = ?
	`, table.Name, UpdatedColumn).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check updated column on %s: %w", table.Name, err)
	}
	if exists {
		return nil
	}

	// MySQL maintains the column natively, no trigger required.
	_, err = m.db.ExecContext(ctx, fmt.Sprintf(
		"ALTER TABLE %s ADD COLUMN %s datetime(6) DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6)",
		table.Name, UpdatedColumn))
	if err != nil {
		return fmt.Errorf("failed to add updated column to %s: %w", table.Name, err)
	}
	return nil
}
