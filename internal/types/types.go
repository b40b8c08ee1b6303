package types

import (
	"time"
)

// ColumnType is the semantic type a native column type normalizes to.
// Native names that match none of the known families pass through raw.
type ColumnType string

const (
	TypeInt      ColumnType = "int"
	TypeDouble   ColumnType = "double"
	TypeVarchar  ColumnType = "varchar"
	TypeDatetime ColumnType = "datetime"
)

type TableMode string

const (
	ModeLock   TableMode = "lock"
	ModeUnlock TableMode = "unlock"
)

type TableKind string

const (
	KindTable TableKind = "table"
	KindQuery TableKind = "query"
)

// Operation is the verb recorded in the transaction log.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

type ForeignKey struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}

// Column describes one introspected table column. Columns are built once
// by the registry and never mutated afterwards.
type Column struct {
	Name          string      `json:"name"`
	Type          ColumnType  `json:"type"`
	Order         int         `json:"order"`
	NotNull       bool        `json:"not_null"`
	PrimaryKey    bool        `json:"primary_key"`
	AutoIncrement bool        `json:"auto_increment"`
	ForeignKey    *ForeignKey `json:"foreign_key,omitempty"`
}

// Table is an authorized, introspected table descriptor. Query-kind tables
// wrap a literal SQL statement, carry no primary key and are read-only.
type Table struct {
	Name    string    `json:"name"`
	Mode    TableMode `json:"mode"`
	Kind    TableKind `json:"kind"`
	Query   string    `json:"query,omitempty"`
	Columns []Column  `json:"columns"`
}

// PrimaryKey returns the table's primary key column, or nil for tables
// without one (query-kind tables never have one).
func (t *Table) PrimaryKey() *Column {
	for i := range t.Columns {
		if t.Columns[i].PrimaryKey {
			return &t.Columns[i]
		}
	}
	return nil
}

// Column returns the named column, or nil if the table has no such column.
func (t *Table) Column(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// Writable reports whether write operations may target this table at all.
func (t *Table) Writable() bool {
	return t.Kind == KindTable && t.PrimaryKey() != nil
}

// Transaction is one entry of the shared transaction log. The affected
// primary key travels as text regardless of its declared type.
type Transaction struct {
	ID        int64     `json:"id"`
	Operation Operation `json:"operation"`
	Table     string    `json:"table"`
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
}

// User is the opaque identity delivered by the hosting application.
// A zero ID means anonymous.
type User struct {
	ID   int    `json:"id"`
	Role string `json:"role"`
}

// AccessRule lists the user ids and role names allowed to see a table.
// Membership in either set grants access; two empty sets grant nothing.
type AccessRule struct {
	Users []int    `json:"users"`
	Roles []string `json:"roles"`
}

// Record is a row keyed by column name, as exchanged with the client.
type Record map[string]interface{}

// Page is one slice of a paged table read.
type Page struct {
	Table  string   `json:"table"`
	Offset int      `json:"offset"`
	Limit  int      `json:"limit"`
	Total  int      `json:"total"`
	Rows   []Record `json:"rows"`
}
