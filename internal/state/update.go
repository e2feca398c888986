package state

import (
	"context"
	"fmt"
)

// UpdateState records one change for the current request.
//
// Client-originated changes (OriginClient) are bookkept so they are not
// echoed back on the next export: hierarchy changes mutate the in-memory
// folder list (persisted by the next Save), email changes land in mailmap
// with exactly one flag column set, everything else lands in map.
//
// Server-originated changes (OriginServer) are being dispatched to the
// client: the matching pending entry is dropped so it is not redelivered,
// and hierarchy dispatches refresh the in-memory folder snapshot from the
// backend driver.
func (m *Manager) UpdateState(ctx context.Context, typ ChangeType, change Change, origin Origin) error {
	if origin == OriginClient {
		return m.updateFromClient(ctx, typ, change)
	}
	return m.updateFromServer(ctx, typ, change)
}

func (m *Manager) updateFromClient(ctx context.Context, typ ChangeType, change Change) error {
	m.inbound++

	if m.reqType == RequestFolderSync {
		m.removeFolderEntry(change.ID)
		if typ != ChangeDelete {
			if change.Folder == nil {
				return fmt.Errorf("%w: hierarchy %s change without folder payload", ErrInvariant, typ)
			}
			m.folders = append(m.folders, *change.Folder)
		}
		return nil
	}

	key := m.key
	if !m.keyLoaded {
		// E.g. a MOVEITEMS that carries no sync key: bookkeep under the
		// collection's newest known key.
		latest, err := m.GetLatestSyncKeyForCollection(ctx, m.collection.ID)
		if err != nil {
			return err
		}
		key = latest
	}

	if m.collection.Class == ClassEmail {
		// A modify carrying flags is really a flag change.
		if typ == ChangeModify && change.Flags != nil {
			typ = ChangeFlags
		}
		col, val, err := mailmapColumn(typ, change)
		if err != nil {
			return err
		}
		if _, err := m.st.DB().ExecContext(ctx,
			`INSERT INTO mailmap (message_uid, sync_key, sync_devid, sync_folderid, sync_user, `+col+`)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			change.ID, key.String(), m.deviceID, m.collection.ID, m.user, val,
		); err != nil {
			return fmt.Errorf("state: mailmap insert for %s: %w", change.ID, err)
		}
		m.logger.Debug("mailmap change recorded",
			"uid", change.ID, "column", col, "key", key.String())
		return nil
	}

	deleted := 0
	if typ == ChangeDelete {
		deleted = 1
	}
	if _, err := m.st.DB().ExecContext(ctx,
		`INSERT INTO map (message_uid, sync_modtime, sync_key, sync_devid, sync_folderid, sync_user, sync_clientid, sync_deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		change.ID, change.ModTime, key.String(), m.deviceID, m.collection.ID, m.user, change.ClientID, deleted,
	); err != nil {
		return fmt.Errorf("state: map insert for %s: %w", change.ID, err)
	}
	m.logger.Debug("map change recorded",
		"uid", change.ID, "type", string(typ), "key", key.String())
	return nil
}

// mailmapColumn picks the single flag column an email change populates.
func mailmapColumn(typ ChangeType, change Change) (col string, val any, err error) {
	switch typ {
	case ChangeDelete:
		return "sync_deleted", 1, nil
	case ChangeDraft:
		return "sync_draft", 1, nil
	case ChangeFlags:
		f := change.Flags
		if f == nil {
			return "", nil, fmt.Errorf("%w: flags change without flags", ErrInvariant)
		}
		switch {
		case f.Read != nil:
			return "sync_read", boolToInt(*f.Read), nil
		case f.Flagged != nil:
			return "sync_flagged", boolToInt(*f.Flagged), nil
		case len(f.Categories) > 0:
			return "sync_category", CategoryDigest(f.Categories), nil
		case f.Draft != nil:
			return "sync_draft", boolToInt(*f.Draft), nil
		default:
			return "", nil, fmt.Errorf("%w: flags change carries no flag", ErrInvariant)
		}
	default:
		return "sync_changed", 1, nil
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (m *Manager) updateFromServer(ctx context.Context, typ ChangeType, change Change) error {
	m.exported++
	m.dropPending(change.ID)

	if m.reqType != RequestFolderSync {
		return nil
	}

	if typ == ChangeDelete {
		m.removeFolderEntry(change.ID)
		return nil
	}

	// Remove the stale entry and re-stat the folder so the snapshot
	// reflects what was actually sent.
	if change.Folder == nil {
		return fmt.Errorf("%w: hierarchy %s dispatch without folder payload", ErrInvariant, typ)
	}
	cur, err := m.drv.GetFolder(ctx, change.Folder.ServerID)
	if err != nil {
		return fmt.Errorf("state: resolve folder %s: %w", change.Folder.ServerID, err)
	}
	stat, err := m.drv.StatFolder(ctx, cur.ID, cur.Parent, cur.DisplayName, cur.ServerID, cur.Type)
	if err != nil {
		return fmt.Errorf("state: stat folder %s: %w", cur.ServerID, err)
	}
	m.removeFolderEntry(change.ID)
	m.folders = append(m.folders, FolderEntry{
		ID:          stat.ID,
		ServerID:    stat.ServerID,
		Parent:      stat.Parent,
		DisplayName: stat.DisplayName,
		Type:        stat.Type,
	})
	return nil
}

func (m *Manager) removeFolderEntry(id string) {
	for i, f := range m.folders {
		if f.ID == id {
			m.folders = append(m.folders[:i], m.folders[i+1:]...)
			return
		}
	}
}

func (m *Manager) dropPending(id string) {
	for i, p := range m.pending {
		if p.ID == id {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}
