package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/html5sync/html5sync/internal/types"
	_ "github.com/mattn/go-sqlite3"
)

// sqliteNow renders the current time with millisecond precision so that
// log timestamps stay comparable as text.
const sqliteNow = "strftime('%Y-%m-%d %H:%M:%f','now')"

type SQLiteAdapter struct {
	sqlAdapter
}

func NewSQLiteAdapter() *SQLiteAdapter {
	a := &SQLiteAdapter{}
	a.qb = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question)
	a.bindTime = func(t time.Time) interface{} {
		return t.UTC().Format("2006-01-02 15:04:05.000")
	}
	return a
}

func (s *SQLiteAdapter) Connect(ctx context.Context, url string) error {
	dbPath := strings.TrimPrefix(url, "sqlite://")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return fmt.Errorf("failed to open SQLite connection: %w", err)
	}
	s.db = db
	return nil
}

// Schema introspection

func (s *SQLiteAdapter) IntrospectColumns(ctx context.Context, tableName string) ([]types.Column, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return nil, fmt.Errorf("failed to introspect columns of %s: %w", tableName, err)
	}
	defer rows.Close()

	var columns []types.Column
	for rows.Next() {
		var cid, notNull, pk int
		var name, nativeType string
		var defaultValue sql.NullString
		if err := rows.Scan(&cid, &name, &nativeType, &notNull, &defaultValue, &pk); err != nil {
			return nil, err
		}
		columns = append(columns, types.Column{
			Name:       name,
			Type:       NormalizeType(nativeType),
			Order:      cid + 1,
			NotNull:    notNull != 0,
			PrimaryKey: pk > 0,
			// An INTEGER PRIMARY KEY is a rowid alias and autoincrements.
			AutoIncrement: pk > 0 && strings.EqualFold(nativeType, "integer"),
		})
	}
	return columns, rows.Err()
}

func (s *SQLiteAdapter) IntrospectForeignKeys(ctx context.Context, tableName string) ([]ForeignKeyRef, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", tableName))
	if err != nil {
		return nil, fmt.Errorf("failed to introspect foreign keys of %s: %w", tableName, err)
	}
	defer rows.Close()

	var refs []ForeignKeyRef
	for rows.Next() {
		var id, seq int
		var refTable, from string
		var to sql.NullString
		var onUpdate, onDelete, match string
		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return nil, err
		}
		ref := ForeignKeyRef{Column: from, RefTable: refTable, RefColumn: to.String}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// Change tracking installation

func (s *SQLiteAdapter) InstallTransactionLog(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+LogTable+` (
		`+LogColID+` INTEGER PRIMARY KEY AUTOINCREMENT,
		`+LogColTable+` varchar(40) NOT NULL,
		`+LogColKey+` varchar(40) NOT NULL,
		`+LogColDate+` DATETIME DEFAULT NULL,
		`+LogColOp+` varchar(20) NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create transaction log table: %w", err)
	}
	return nil
}

func (s *SQLiteAdapter) InstallLogTriggers(ctx context.Context, table *types.Table) error {
	pk := table.PrimaryKey()
	if pk == nil {
		return fmt.Errorf("table %s has no primary key to track", table.Name)
	}

	type triggerSpec struct {
		op     string
		event  string
		rowRef string
	}
	specs := []triggerSpec{
		{"insert", "AFTER INSERT", "NEW"},
		{"update", "AFTER UPDATE", "OLD"},
		{"delete", "AFTER DELETE", "OLD"},
	}
	for _, spec := range specs {
		trigger := fmt.Sprintf("%s%s_%s", triggerPrefix, spec.op, table.Name)
		stmt := fmt.Sprintf(
			"CREATE TRIGGER IF NOT EXISTS %s %s ON %s FOR EACH ROW BEGIN "+
				"INSERT INTO %s (%s, %s, %s, %s) VALUES ('%s', %s.%s, %s, '%s'); END",
			trigger, spec.event, table.Name,
			LogTable, LogColTable, LogColKey, LogColDate, LogColOp,
			table.Name, spec.rowRef, pk.Name, sqliteNow, strings.ToUpper(spec.op))
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create trigger %s: %w", trigger, err)
		}
	}
	return nil
}

func (s *SQLiteAdapter) InstallUpdatedColumn(ctx context.Context, table *types.Table) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) > 0 FROM pragma_table_info(?) WHERE name = ?
	`, table.Name, UpdatedColumn).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check updated column on %s: %w", table.Name, err)
	}

	if !exists {
		// SQLite forbids non-constant defaults in ADD COLUMN; triggers
		// maintain the value instead.
		_, err = s.db.ExecContext(ctx, fmt.Sprintf(
			"ALTER TABLE %s ADD COLUMN %s DATETIME", table.Name, UpdatedColumn))
		if err != nil {
			return fmt.Errorf("failed to add updated column to %s: %w", table.Name, err)
		}
	}

	for _, event := range []string{"INSERT", "UPDATE"} {
		trigger := fmt.Sprintf("%supdated_%s_%s", triggerPrefix, strings.ToLower(event), table.Name)
		stmt := fmt.Sprintf(
			"CREATE TRIGGER IF NOT EXISTS %s AFTER %s ON %s FOR EACH ROW BEGIN "+
				"UPDATE %s SET %s = %s WHERE rowid = NEW.rowid; END",
			trigger, event, table.Name,
			table.Name, UpdatedColumn, sqliteNow)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create trigger %s: %w", trigger, err)
		}
	}
	return nil
}
