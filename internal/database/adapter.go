package database

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/html5sync/html5sync/internal/types"
)

// Transaction log layout. One shared append-only table records every
// tracked insert/update/delete; triggers installed per table feed it.
const (
	LogTable    = "html5sync"
	LogColID    = "html5sync_id"
	LogColTable = "html5sync_table"
	LogColKey   = "html5sync_key"
	LogColDate  = "html5sync_date"
	LogColOp    = "html5sync_transaction"

	// UpdatedColumn is the synthetic last-modified column added to each
	// tracked table in updatedColumn mode.
	UpdatedColumn = "html5sync_updated"

	triggerPrefix = "html5sync_trig_"
	procPrefix    = "html5sync_proc_"
)

// ForeignKeyRef is one foreign-key edge reported by catalog introspection.
type ForeignKeyRef struct {
	Column    string
	RefTable  string
	RefColumn string
}

// Adapter is the dialect driver: everything the sync engine needs from a
// relational backend, implemented once per supported engine.
type Adapter interface {
	Connect(ctx context.Context, url string) error
	Close() error
	Ping(ctx context.Context) error

	// Exec runs one raw SQL statement, used by the raw subcommand and by
	// scenario setup in tests.
	Exec(ctx context.Context, stmt string) error

	// Schema introspection
	IntrospectColumns(ctx context.Context, tableName string) ([]types.Column, error)
	IntrospectForeignKeys(ctx context.Context, tableName string) ([]ForeignKeyRef, error)
	InferQueryColumns(ctx context.Context, query string) ([]types.Column, error)

	// Change tracking installation. All installers are idempotent so that
	// repeated startup is safe.
	InstallTransactionLog(ctx context.Context) error
	InstallLogTriggers(ctx context.Context, table *types.Table) error
	InstallUpdatedColumn(ctx context.Context, table *types.Table) error

	// Change queries
	QueryChanges(ctx context.Context, since time.Time) ([]types.Transaction, error)
	QueryUpdatedRows(ctx context.Context, table *types.Table, since time.Time) ([]types.Transaction, error)

	// Row operations
	CountRows(ctx context.Context, table *types.Table) (int, error)
	SelectPage(ctx context.Context, table *types.Table, offset, limit int) ([]types.Record, error)
	SelectByKey(ctx context.Context, table *types.Table, key interface{}) (types.Record, error)
	InsertRow(ctx context.Context, table *types.Table, record types.Record) error
	UpdateRow(ctx context.Context, table *types.Table, record types.Record) error
	DeleteRow(ctx context.Context, table *types.Table, key interface{}) error
}

func NewAdapter(provider string) Adapter {
	switch provider {
	case "postgresql", "postgres", "pgsql":
		return NewPostgresAdapter()
	case "mysql":
		return NewMySQLAdapter()
	case "sqlite", "sqlite3":
		return NewSQLiteAdapter()
	default:
		return NewPostgresAdapter()
	}
}

// NormalizeType folds a native column type name into the semantic enum.
// Unrecognized names pass through raw so nothing is lost for the client.
func NormalizeType(native string) types.ColumnType {
	name := strings.ToLower(native)
	switch {
	case strings.Contains(name, "int") || strings.Contains(name, "numeric"):
		return types.TypeInt
	case strings.Contains(name, "double") || strings.Contains(name, "real"):
		return types.TypeDouble
	case strings.Contains(name, "char"):
		return types.TypeVarchar
	case strings.Contains(name, "timestamp") || strings.Contains(name, "date"):
		return types.TypeDatetime
	default:
		return types.ColumnType(name)
	}
}

// inferLiteralType guesses a column's semantic type from a value returned
// by a LIMIT 1 probe of a query-kind table. Numeric literals without a
// decimal point become int, with one double, everything else varchar.
func inferLiteralType(value interface{}) types.ColumnType {
	switch v := value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return types.TypeInt
	case float32, float64:
		return types.TypeDouble
	case []byte:
		return inferTextLiteral(string(v))
	case string:
		return inferTextLiteral(v)
	default:
		return types.TypeVarchar
	}
}

func inferTextLiteral(s string) types.ColumnType {
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return types.TypeInt
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil && strings.Contains(s, ".") {
		return types.TypeDouble
	}
	return types.TypeVarchar
}
