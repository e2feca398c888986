package store

import "fmt"

// Migration is a single schema step, applied in version order.
type Migration struct {
	Version int
	SQL     string
}

// Column names are part of the deployed-installation contract and must not
// be renamed.
var migrations = []Migration{
	{
		Version: 1,
		SQL: `
			-- Per-generation sync state snapshots
			CREATE TABLE state (
				sync_key       TEXT PRIMARY KEY,
				sync_data      BLOB,
				sync_devid     TEXT NOT NULL,
				sync_folderid  TEXT NOT NULL,
				sync_user      TEXT NOT NULL,
				sync_mod       INTEGER NOT NULL DEFAULT 0,
				sync_pending   BLOB,
				sync_timestamp INTEGER NOT NULL DEFAULT 0
			);

			CREATE INDEX idx_state_scope ON state(sync_devid, sync_user, sync_folderid, sync_key);

			-- Client-originated changes, generic collections
			CREATE TABLE map (
				message_uid   TEXT NOT NULL,
				sync_modtime  INTEGER NOT NULL DEFAULT 0,
				sync_key      TEXT NOT NULL,
				sync_devid    TEXT NOT NULL,
				sync_folderid TEXT NOT NULL,
				sync_user     TEXT NOT NULL,
				sync_clientid TEXT,
				sync_deleted  INTEGER NOT NULL DEFAULT 0
			);

			CREATE INDEX idx_map_scope ON map(sync_devid, sync_user, sync_folderid);
			CREATE INDEX idx_map_key ON map(sync_key);

			-- Client-originated changes, email: one flag column per change kind
			CREATE TABLE mailmap (
				message_uid   TEXT NOT NULL,
				sync_key      TEXT NOT NULL,
				sync_devid    TEXT NOT NULL,
				sync_folderid TEXT NOT NULL,
				sync_user     TEXT NOT NULL,
				sync_read     INTEGER,
				sync_flagged  INTEGER,
				sync_deleted  INTEGER,
				sync_changed  INTEGER,
				sync_category TEXT,
				sync_draft    INTEGER
			);

			CREATE INDEX idx_mailmap_scope ON mailmap(sync_devid, sync_user, sync_folderid);
			CREATE INDEX idx_mailmap_key ON mailmap(sync_key);

			CREATE TABLE device (
				device_id         TEXT PRIMARY KEY,
				device_type       TEXT NOT NULL DEFAULT '',
				device_agent      TEXT NOT NULL DEFAULT '',
				device_rwstatus   INTEGER NOT NULL DEFAULT 0,
				device_supported  BLOB,
				device_properties BLOB
			);

			CREATE TABLE device_user (
				device_id        TEXT NOT NULL,
				device_user      TEXT NOT NULL,
				device_policykey INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (device_id, device_user)
			);

			-- Long-poll resumption context, one blob per device+user
			CREATE TABLE cache (
				cache_devid TEXT NOT NULL,
				cache_user  TEXT NOT NULL,
				cache_data  BLOB,
				PRIMARY KEY (cache_devid, cache_user)
			);
		`,
	},
}

// migrate applies all migrations newer than the database's user_version.
func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= version {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		// PRAGMA does not accept bound parameters
		if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, m.Version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("bump user_version to %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		s.logger.Info("applied migration", "version", m.Version)
	}

	return nil
}
