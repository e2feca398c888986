package state

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/openmobisync/syncstate/internal/backend"
	"github.com/openmobisync/syncstate/internal/cache"
	"github.com/openmobisync/syncstate/internal/device"
	"github.com/openmobisync/syncstate/internal/store"
	"github.com/openmobisync/syncstate/internal/synckey"
)

// StampUpdateThreshold is the minimum stamp gap before an idle collection
// gets a stamp-only refresh. Below it, UpdateSyncStamp is a no-op.
const StampUpdateThreshold = 30000

// Manager is the per-request state façade. It owns the in-memory current
// state exclusively for the duration of one request and must never be
// shared across concurrent requests on the same device.
type Manager struct {
	st     *store.Store
	drv    backend.Driver
	logger *slog.Logger

	devices *device.Registry
	caches  *cache.Store

	deviceID string
	user     string

	reqType    RequestType
	collection Collection
	key        synckey.Key
	keyLoaded  bool

	lastSyncStamp int64
	thisSyncStamp int64

	folders  []FolderEntry
	collData *CollectionSnapshot
	pending  []Change

	inbound  int
	exported int
}

// NewManager creates a request-scoped manager for one (device, user).
func NewManager(st *store.Store, drv backend.Driver, deviceID, user string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("device", deviceID, "user", user)
	return &Manager{
		st:       st,
		drv:      drv,
		logger:   logger,
		devices:  device.NewRegistry(st, logger),
		caches:   cache.NewStore(st, logger),
		deviceID: deviceID,
		user:     user,
	}
}

// Devices exposes the request-scoped device registry.
func (m *Manager) Devices() *device.Registry { return m.devices }

// Caches exposes the sync cache store.
func (m *Manager) Caches() *cache.Store { return m.caches }

// Key returns the currently loaded sync key.
func (m *Manager) Key() synckey.Key { return m.key }

// Folders returns the in-memory hierarchy snapshot.
func (m *Manager) Folders() []FolderEntry { return m.folders }

// SetFolders installs a fresh hierarchy snapshot, e.g. after the handler
// enumerated the backend on an initial FolderSync.
func (m *Manager) SetFolders(folders []FolderEntry) { m.folders = folders }

// CollectionData returns the in-memory collection snapshot.
func (m *Manager) CollectionData() *CollectionSnapshot { return m.collData }

// Pending returns the changes deferred by window-size truncation.
func (m *Manager) Pending() []Change { return m.pending }

// SetPending replaces the pending list, e.g. when the handler truncates
// the export to the client's window size.
func (m *Manager) SetPending(changes []Change) { m.pending = changes }

// ThisSyncStamp returns the stamp the current cycle will persist.
func (m *Manager) ThisSyncStamp() int64 { return m.thisSyncStamp }

// SetThisSyncStamp records the collection modification stamp the backend
// reported for this cycle.
func (m *Manager) SetThisSyncStamp(v int64) { m.thisSyncStamp = v }

// LastSyncStamp returns the stamp restored from the loaded state row.
func (m *Manager) LastSyncStamp() int64 { return m.lastSyncStamp }

// HadChanges reports whether this cycle saw any inbound or dispatched
// changes. FolderSync handlers use it to decide whether a hierarchy
// response carries content.
func (m *Manager) HadChanges() bool { return m.inbound > 0 || m.exported > 0 }

// folderID returns the state-table folder id for the current request.
func (m *Manager) folderID() string {
	if m.reqType == RequestFolderSync {
		return HierarchyID
	}
	return m.collection.ID
}

// Begin establishes the request context when there is no state row to
// load yet: a bootstrap sync presenting key 0, or an operation arriving
// without a sync key. It resets everything a previous cycle left behind;
// Load calls it internally.
func (m *Manager) Begin(reqType RequestType, col *Collection) {
	m.reqType = reqType
	if col != nil {
		m.collection = *col
	} else {
		m.collection = Collection{}
	}
	m.key = synckey.Key{}
	m.keyLoaded = false
	m.lastSyncStamp = 0
	m.thisSyncStamp = 0
	m.folders = nil
	m.collData = nil
	m.pending = nil
	m.inbound = 0
	m.exported = 0
}

// Load restores the state tied to rawKey into the manager. A missing row
// is ErrStateGone (protocol KEY_MISMATCH); a malformed key is
// synckey.ErrProtocol.
func (m *Manager) Load(ctx context.Context, rawKey string, reqType RequestType, col *Collection) error {
	k, err := synckey.Parse(rawKey)
	if err != nil {
		return err
	}

	m.Begin(reqType, col)

	var (
		data    []byte
		pending []byte
		mod     int64
	)
	err = m.st.DB().QueryRowContext(ctx,
		`SELECT sync_data, sync_pending, sync_mod FROM state
		 WHERE sync_key = ? AND sync_devid = ? AND sync_user = ? AND sync_folderid = ?`,
		k.String(), m.deviceID, m.user, m.folderID(),
	).Scan(&data, &pending, &mod)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: key %s for %s", ErrStateGone, k, m.folderID())
	}
	if err != nil {
		return fmt.Errorf("state: load %s: %w", k, err)
	}

	m.key = k
	m.keyLoaded = true
	m.lastSyncStamp = mod
	// Pre-set so a client-to-server-only cycle leaves the stamp unchanged.
	m.thisSyncStamp = mod

	if reqType == RequestFolderSync {
		m.collData = nil
		if len(data) == 0 {
			m.folders = nil
		} else {
			blob, err := decodeBlob(data)
			if err != nil {
				return err
			}
			m.folders = blob.Folders
		}
	} else {
		m.folders = nil
		if len(data) == 0 {
			// No snapshot yet: synthesize an empty collection of the
			// class named by the inbound metadata.
			m.collData = NewCollectionSnapshot(m.collection.Class)
		} else {
			blob, err := decodeBlob(data)
			if err != nil {
				return err
			}
			if blob.Collection == nil {
				m.collData = NewCollectionSnapshot(m.collection.Class)
			} else {
				m.collData = blob.Collection
			}
		}
	}

	m.pending, err = decodePending(pending)
	if err != nil {
		return err
	}

	m.logger.Debug("state loaded",
		"key", k.String(), "folder", m.folderID(),
		"stamp", mod, "pending", len(m.pending))

	return m.gc(ctx)
}

// Save persists the current state with replace semantics: one transaction
// deleting any row under the same sync key, then inserting. A retried
// request that half-saved earlier is overwritten cleanly.
func (m *Manager) Save(ctx context.Context) error {
	if !m.keyLoaded {
		return fmt.Errorf("%w: Save without a loaded or set sync key", ErrInvariant)
	}

	var (
		data []byte
		err  error
	)
	if m.reqType == RequestFolderSync {
		data, err = encodeHierarchy(m.folders)
	} else {
		if m.collData == nil {
			m.collData = NewCollectionSnapshot(m.collection.Class)
		}
		data, err = encodeCollection(m.collData)
	}
	if err != nil {
		return err
	}

	pending, err := encodePending(m.pending)
	if err != nil {
		return err
	}

	// The first generation of a series persists stamp 0 so the next sync
	// exposes the full backlog.
	mod := m.thisSyncStamp
	if m.key.Counter == 1 {
		mod = 0
	}
	now := time.Now().Unix()

	err = m.st.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM state WHERE sync_key = ?`, m.key.String(),
		); err != nil {
			return fmt.Errorf("state: clear %s: %w", m.key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO state (sync_key, sync_data, sync_devid, sync_folderid, sync_user, sync_mod, sync_pending, sync_timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.key.String(), data, m.deviceID, m.folderID(), m.user, mod, pending, now,
		); err != nil {
			return fmt.Errorf("state: insert %s: %w", m.key, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Debug("state saved",
		"key", m.key.String(), "folder", m.folderID(),
		"stamp", mod, "pending", len(m.pending))

	return m.gc(ctx)
}

// UpdateSyncStamp refreshes the stored stamp of an idle collection so the
// gap between generations cannot widen forever. It only acts when the gap
// reached the threshold and the cycle saw no changes; the optimistic WHERE
// on the old stamp makes exactly one of two concurrent callers win.
func (m *Manager) UpdateSyncStamp(ctx context.Context) (bool, error) {
	if !m.keyLoaded {
		return false, fmt.Errorf("%w: UpdateSyncStamp without loaded state", ErrInvariant)
	}
	if m.thisSyncStamp-m.lastSyncStamp < StampUpdateThreshold {
		return false, nil
	}
	if m.inbound > 0 || m.exported > 0 {
		return false, nil
	}

	res, err := m.st.DB().ExecContext(ctx,
		`UPDATE state SET sync_mod = ? WHERE sync_key = ? AND sync_mod = ?`,
		m.thisSyncStamp, m.key.String(), m.lastSyncStamp,
	)
	if err != nil {
		return false, fmt.Errorf("state: update stamp for %s: %w", m.key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("state: update stamp for %s: %w", m.key, err)
	}
	if n == 0 {
		// A concurrent request refreshed it first.
		return false, nil
	}

	m.lastSyncStamp = m.thisSyncStamp
	m.logger.Debug("sync stamp refreshed", "key", m.key.String(), "stamp", m.thisSyncStamp)
	return true, nil
}

// UpdateServerIDInState rewrites the server id embedded in every state row
// of (device, user, folderUID). Used when a folder is renamed on the
// backend but keeps its client-facing UID.
func (m *Manager) UpdateServerIDInState(ctx context.Context, folderUID, newServerID string) error {
	rows, err := m.st.DB().QueryContext(ctx,
		`SELECT sync_key, sync_data FROM state
		 WHERE sync_devid = ? AND sync_user = ? AND sync_folderid = ?`,
		m.deviceID, m.user, folderUID,
	)
	if err != nil {
		return fmt.Errorf("state: enumerate rows for %s: %w", folderUID, err)
	}
	type rewrite struct {
		key  string
		data []byte
	}
	var rewrites []rewrite
	for rows.Next() {
		var (
			key  string
			data []byte
		)
		if err := rows.Scan(&key, &data); err != nil {
			rows.Close()
			return fmt.Errorf("state: scan row for %s: %w", folderUID, err)
		}
		if len(data) == 0 {
			continue
		}
		blob, err := decodeBlob(data)
		if err != nil {
			return err
		}
		changed := false
		if blob.Collection != nil && blob.Collection.ServerID != newServerID {
			blob.Collection.ServerID = newServerID
			changed = true
		}
		for i := range blob.Folders {
			if blob.Folders[i].ID == folderUID && blob.Folders[i].ServerID != newServerID {
				blob.Folders[i].ServerID = newServerID
				changed = true
			}
		}
		if !changed {
			continue
		}
		var fresh []byte
		if blob.Collection != nil {
			fresh, err = encodeCollection(blob.Collection)
		} else {
			fresh, err = encodeHierarchy(blob.Folders)
		}
		if err != nil {
			return err
		}
		rewrites = append(rewrites, rewrite{key: key, data: fresh})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("state: enumerate rows for %s: %w", folderUID, err)
	}

	for _, rw := range rewrites {
		if _, err := m.st.DB().ExecContext(ctx,
			`UPDATE state SET sync_data = ? WHERE sync_key = ?`, rw.data, rw.key,
		); err != nil {
			return fmt.Errorf("state: rewrite %s: %w", rw.key, err)
		}
	}

	if m.collData != nil && m.collection.ID == folderUID {
		m.collData.ServerID = newServerID
	}
	m.logger.Info("server id updated in state",
		"folder", folderUID, "serverid", newServerID, "rows", len(rewrites))
	return nil
}

// GetNewSyncKey returns the key to answer rawKey with: generation 1 of a
// fresh series for a bootstrap request, otherwise the next generation of
// the presented series. Fresh series are collision-checked against the
// device's other folders.
func (m *Manager) GetNewSyncKey(ctx context.Context, rawKey string) (synckey.Key, error) {
	if rawKey == "" || rawKey == "0" {
		return m.freshKey(ctx)
	}

	k, err := synckey.Parse(rawKey)
	if err != nil {
		return synckey.Key{}, err
	}
	if k.Counter == 0 {
		// Client proposed the series: accept unless it clashes with
		// another folder's series on this device.
		collides, err := m.checkCollision(ctx, k.Series)
		if err != nil {
			return synckey.Key{}, err
		}
		if collides {
			return m.freshKey(ctx)
		}
	}
	return k.Next(), nil
}

func (m *Manager) freshKey(ctx context.Context) (synckey.Key, error) {
	for {
		k := synckey.New()
		collides, err := m.checkCollision(ctx, k.Series)
		if err != nil {
			return synckey.Key{}, err
		}
		if !collides {
			return k, nil
		}
		m.logger.Warn("sync key series collision, regenerating", "series", k.Series)
	}
}

// checkCollision reports whether any state row of this device on a
// different folder uses the series.
func (m *Manager) checkCollision(ctx context.Context, series string) (bool, error) {
	var count int
	err := m.st.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM state
		 WHERE sync_devid = ? AND sync_folderid != ? AND sync_key LIKE ?`,
		m.deviceID, m.folderID(), "{"+series+"}%",
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("state: collision check for %s: %w", series, err)
	}
	return count > 0, nil
}

// SetNewSyncKey installs the key the next Save will persist under.
func (m *Manager) SetNewSyncKey(k synckey.Key) {
	m.key = k
	m.keyLoaded = true
}

// GetLatestSyncKeyForCollection resolves the newest known sync key for a
// collection, used by operations (e.g. MOVEITEMS) that arrive without one.
func (m *Manager) GetLatestSyncKeyForCollection(ctx context.Context, collectionID string) (synckey.Key, error) {
	rows, err := m.st.DB().QueryContext(ctx,
		`SELECT sync_key, sync_timestamp FROM state
		 WHERE sync_devid = ? AND sync_user = ? AND sync_folderid = ?`,
		m.deviceID, m.user, collectionID,
	)
	if err != nil {
		return synckey.Key{}, fmt.Errorf("state: latest key for %s: %w", collectionID, err)
	}
	defer rows.Close()

	var (
		best   synckey.Key
		bestTS int64 = -1
		found  bool
	)
	for rows.Next() {
		var (
			raw string
			ts  int64
		)
		if err := rows.Scan(&raw, &ts); err != nil {
			return synckey.Key{}, fmt.Errorf("state: scan key for %s: %w", collectionID, err)
		}
		k, err := synckey.Parse(raw)
		if err != nil {
			// Stale residue, GC will take it.
			continue
		}
		if ts > bestTS || (ts == bestTS && k.Counter > best.Counter) {
			best = k
			bestTS = ts
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		return synckey.Key{}, fmt.Errorf("state: latest key for %s: %w", collectionID, err)
	}
	if !found {
		return synckey.Key{}, fmt.Errorf("%w: no state for collection %s", ErrStateGone, collectionID)
	}
	return best, nil
}

// ResetDeviceState drops all state, map and mailmap rows of one collection
// for this (device, user) and scrubs the sync cache accordingly. With the
// hierarchy sentinel it clears the whole hierarchy cache.
func (m *Manager) ResetDeviceState(ctx context.Context, collectionID string) error {
	err := m.st.WithTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"state", "map", "mailmap"} {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM `+table+` WHERE sync_devid = ? AND sync_user = ? AND sync_folderid = ?`,
				m.deviceID, m.user, collectionID,
			); err != nil {
				return fmt.Errorf("state: reset %s for %s: %w", table, collectionID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	c, err := m.caches.Get(ctx, m.deviceID, m.user)
	if err != nil {
		return err
	}
	if collectionID == HierarchyID {
		c.ClearHierarchy()
	} else {
		c.RemoveCollection(collectionID)
	}
	if err := m.caches.Save(ctx, c, m.deviceID, m.user); err != nil {
		return err
	}

	m.logger.Info("device state reset", "collection", collectionID)
	return nil
}

// Disconnect releases the database handle. Long-poll handlers call it
// before a heartbeat sleep so the handle is not held across the wait.
func (m *Manager) Disconnect() error {
	return m.st.Close()
}

// Connect reacquires the database handle after Disconnect.
func (m *Manager) Connect() error {
	return m.st.Reopen()
}
