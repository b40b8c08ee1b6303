// Package registry builds the set of tables a user is allowed to
// synchronize, introspected live from the backend.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/html5sync/html5sync/internal/access"
	"github.com/html5sync/html5sync/internal/config"
	"github.com/html5sync/html5sync/internal/database"
	"github.com/html5sync/html5sync/internal/types"
)

// Registry holds the authorized table descriptors for one session,
// together with the structure signatures captured at load time. It is
// read-only after Load so repeated polls can share it safely.
type Registry struct {
	adapter    database.Adapter
	tables     []types.Table
	signatures map[string]string
}

// Load evaluates access rules in configuration order, introspects each
// authorized table and captures its structure signature. Tables whose
// introspection fails are reported unavailable and excluded; that is not
// fatal for the session.
func Load(ctx context.Context, cfg *config.Config, adapter database.Adapter, user types.User) (*Registry, error) {
	return load(ctx, cfg, adapter, func(tc config.TableConfig) bool {
		return access.Authorized(user, tc.Rule())
	})
}

// LoadAll introspects every configured table regardless of access rules.
// Tracking installation uses this: triggers must cover all tracked
// tables, not just one user's slice of them.
func LoadAll(ctx context.Context, cfg *config.Config, adapter database.Adapter) (*Registry, error) {
	return load(ctx, cfg, adapter, func(config.TableConfig) bool { return true })
}

func load(ctx context.Context, cfg *config.Config, adapter database.Adapter, include func(config.TableConfig) bool) (*Registry, error) {
	r := &Registry{
		adapter:    adapter,
		signatures: make(map[string]string),
	}

	for _, tc := range cfg.Tables {
		if !include(tc) {
			continue
		}

		table, err := loadTable(ctx, cfg, adapter, tc)
		if err != nil {
			color.Yellow("table %s unavailable: %v", tc.Name, err)
			continue
		}
		if len(table.Columns) == 0 {
			color.Yellow("table %s unavailable: no columns introspected", tc.Name)
			continue
		}

		r.tables = append(r.tables, *table)
		r.signatures[table.Name] = Signature(table.Columns)
	}

	return r, nil
}

func loadTable(ctx context.Context, cfg *config.Config, adapter database.Adapter, tc config.TableConfig) (*types.Table, error) {
	table := &types.Table{
		Name: tc.Name,
		Mode: types.TableMode(tc.Mode),
		Kind: types.KindTable,
	}

	if tc.Query != "" {
		table.Kind = types.KindQuery
		table.Query = tc.Query
		table.Mode = types.ModeUnlock
		columns, err := adapter.InferQueryColumns(ctx, tc.Query)
		if err != nil {
			return nil, err
		}
		table.Columns = columns
		return table, nil
	}

	// The synthetic column has to exist before introspection so the
	// descriptor sent to the client includes it.
	if cfg.UpdateMode == config.ModeUpdatedColumn {
		if err := adapter.InstallUpdatedColumn(ctx, table); err != nil {
			color.Yellow("updated-column install on %s failed: %v", tc.Name, err)
		}
	}

	columns, err := adapter.IntrospectColumns(ctx, tc.Name)
	if err != nil {
		return nil, err
	}
	table.Columns = columns

	refs, err := adapter.IntrospectForeignKeys(ctx, tc.Name)
	if err != nil {
		color.Yellow("foreign key introspection on %s failed: %v", tc.Name, err)
	}
	for _, ref := range refs {
		for i := range table.Columns {
			if table.Columns[i].Name == ref.Column {
				table.Columns[i].ForeignKey = &types.ForeignKey{Table: ref.RefTable, Column: ref.RefColumn}
			}
		}
	}

	return table, nil
}

// Tables returns the authorized tables in configuration order.
func (r *Registry) Tables() []types.Table {
	return r.tables
}

// ErrNotSynchronized marks lookups of tables the session does not carry,
// whether unknown, unavailable or simply not authorized.
var ErrNotSynchronized = errors.New("table is not synchronized for this session")

// Table returns the named authorized table.
func (r *Registry) Table(name string) (*types.Table, error) {
	for i := range r.tables {
		if r.tables[i].Name == name {
			return &r.tables[i], nil
		}
	}
	return nil, fmt.Errorf("table %s: %w", name, ErrNotSynchronized)
}

// LoadSignature returns the structure signature captured when the
// registry was built.
func (r *Registry) LoadSignature(name string) string {
	return r.signatures[name]
}

// StructureChanged re-introspects every authorized physical table and
// compares against the load-time signatures. Drift is detected relative
// to session start, not to the previous poll. Query-kind tables carry no
// catalog entry of their own and are skipped.
func (r *Registry) StructureChanged(ctx context.Context) (bool, error) {
	for i := range r.tables {
		table := &r.tables[i]
		if table.Kind == types.KindQuery {
			continue
		}
		columns, err := r.adapter.IntrospectColumns(ctx, table.Name)
		if err != nil {
			return false, fmt.Errorf("structure check on %s: %w", table.Name, err)
		}
		if Signature(columns) != r.signatures[table.Name] {
			return true, nil
		}
	}
	return false, nil
}
