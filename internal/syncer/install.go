package syncer

import (
	"context"

	"github.com/html5sync/html5sync/internal/config"
	"github.com/html5sync/html5sync/internal/database"
	"github.com/html5sync/html5sync/internal/registry"
	"github.com/html5sync/html5sync/internal/tracker"
)

// InstallTracking sets up the configured change-detection mechanism for
// every configured table, independent of any session. Safe to run on
// every startup; all installers are idempotent.
func InstallTracking(ctx context.Context, cfg *config.Config, adapter database.Adapter) error {
	reg, err := registry.LoadAll(ctx, cfg, adapter)
	if err != nil {
		return err
	}

	trk, err := tracker.New(cfg.UpdateMode, adapter, reg.Tables())
	if err != nil {
		return err
	}
	return trk.Install(ctx, reg.Tables())
}
