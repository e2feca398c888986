package state

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openmobisync/syncstate/internal/store"
	"github.com/openmobisync/syncstate/internal/synckey"
)

// Collect removes the generations current has made obsolete. State rows of
// (device, folder, user) keep the previous generation for retry recovery;
// map and mailmap rows of (device, user) keep only the current one, since
// loop suppression never looks further back. State rows whose key does not
// parse are residue from older deployments and are deleted too.
func Collect(ctx context.Context, st *store.Store, logger *slog.Logger, deviceID, user, folderID string, current synckey.Key) error {
	if logger == nil {
		logger = slog.Default()
	}

	rows, err := st.DB().QueryContext(ctx,
		`SELECT sync_key FROM state
		 WHERE sync_devid = ? AND sync_user = ? AND sync_folderid = ?`,
		deviceID, user, folderID,
	)
	if err != nil {
		return fmt.Errorf("state: gc enumerate %s: %w", folderID, err)
	}
	var stale []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return fmt.Errorf("state: gc scan %s: %w", folderID, err)
		}
		k, err := synckey.Parse(raw)
		if err != nil {
			stale = append(stale, raw)
			continue
		}
		if k.SameSeries(current) && k.Counter+1 < current.Counter {
			stale = append(stale, raw)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("state: gc enumerate %s: %w", folderID, err)
	}

	for _, raw := range stale {
		if _, err := st.DB().ExecContext(ctx,
			`DELETE FROM state WHERE sync_key = ? AND sync_devid = ? AND sync_user = ? AND sync_folderid = ?`,
			raw, deviceID, user, folderID,
		); err != nil {
			return fmt.Errorf("state: gc delete %s: %w", raw, err)
		}
	}

	for _, table := range []string{"map", "mailmap"} {
		if err := collectMapRows(ctx, st, table, deviceID, user, current); err != nil {
			return err
		}
	}

	if len(stale) > 0 {
		logger.Debug("stale state collected",
			"device", deviceID, "folder", folderID, "rows", len(stale), "current", current.String())
	}
	return nil
}

// collectMapRows deletes map-style rows of superseded generations in the
// same series as current.
func collectMapRows(ctx context.Context, st *store.Store, table, deviceID, user string, current synckey.Key) error {
	rows, err := st.DB().QueryContext(ctx,
		`SELECT DISTINCT sync_key FROM `+table+` WHERE sync_devid = ? AND sync_user = ?`,
		deviceID, user,
	)
	if err != nil {
		return fmt.Errorf("state: gc enumerate %s: %w", table, err)
	}
	var stale []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return fmt.Errorf("state: gc scan %s: %w", table, err)
		}
		k, err := synckey.Parse(raw)
		if err != nil {
			continue
		}
		if k.SameSeries(current) && k.Counter < current.Counter {
			stale = append(stale, raw)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("state: gc enumerate %s: %w", table, err)
	}

	for _, raw := range stale {
		if _, err := st.DB().ExecContext(ctx,
			`DELETE FROM `+table+` WHERE sync_key = ? AND sync_devid = ? AND sync_user = ?`,
			raw, deviceID, user,
		); err != nil {
			return fmt.Errorf("state: gc delete from %s: %w", table, err)
		}
	}
	return nil
}

func (m *Manager) gc(ctx context.Context) error {
	if !m.keyLoaded {
		return nil
	}
	return Collect(ctx, m.st, m.logger, m.deviceID, m.user, m.folderID(), m.key)
}
