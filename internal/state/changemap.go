package state

import (
	"context"
	"database/sql"
	"fmt"
)

// IsDuplicateAddition returns the server uid previously assigned to an Add
// the client tagged with clientID, or "" when the Add is new. Lets the
// server answer idempotently when a client retries an Add whose response
// was lost.
func (m *Manager) IsDuplicateAddition(ctx context.Context, clientID string) (string, error) {
	if clientID == "" {
		return "", nil
	}
	var uid string
	err := m.st.DB().QueryRowContext(ctx,
		`SELECT message_uid FROM map
		 WHERE sync_devid = ? AND sync_user = ? AND sync_folderid = ? AND sync_clientid = ?
		 LIMIT 1`,
		m.deviceID, m.user, m.collection.ID, clientID,
	).Scan(&uid)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("state: duplicate addition probe %s: %w", clientID, err)
	}
	return uid, nil
}

// IsDuplicateChange reports whether uid already has a map row under the
// current sync key, i.e. the client already saw its own change applied.
func (m *Manager) IsDuplicateChange(ctx context.Context, uid string) (bool, error) {
	var count int
	err := m.st.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM map
		 WHERE sync_devid = ? AND sync_user = ? AND sync_folderid = ? AND sync_key = ? AND message_uid = ?`,
		m.deviceID, m.user, m.collection.ID, m.key.String(), uid,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("state: duplicate change probe %s: %w", uid, err)
	}
	return count > 0, nil
}

// suppressionKeys returns the sync keys whose map rows still count for
// loop suppression: the current generation and, when it exists, the
// immediately preceding one of the same series.
func (m *Manager) suppressionKeys() []string {
	keys := []string{m.key.String()}
	if prev, ok := m.key.Prev(); ok {
		keys = append(keys, prev.String())
	}
	return keys
}

// PIMChangeTimestamp returns, per candidate uid, the newest map-row
// modtime recorded for this context under the current or previous
// generation. Delete candidates only match rows that recorded a delete.
// Callers drop any candidate whose server modtime is not newer: the client
// already has that state.
func (m *Manager) PIMChangeTimestamp(ctx context.Context, changes []Change) (map[string]int64, error) {
	if len(changes) == 0 {
		return nil, nil
	}
	keys := m.suppressionKeys()

	query := `SELECT message_uid, sync_modtime, sync_deleted FROM map
	          WHERE sync_devid = ? AND sync_user = ? AND sync_folderid = ? AND sync_key IN (?`
	args := []any{m.deviceID, m.user, m.collection.ID, keys[0]}
	for _, k := range keys[1:] {
		query += ", ?"
		args = append(args, k)
	}
	query += ")"

	rows, err := m.st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("state: pim change timestamps: %w", err)
	}
	defer rows.Close()

	type mapRow struct {
		modtime int64
		deleted bool
	}
	recorded := make(map[string][]mapRow)
	for rows.Next() {
		var (
			uid     string
			modtime int64
			deleted int
		)
		if err := rows.Scan(&uid, &modtime, &deleted); err != nil {
			return nil, fmt.Errorf("state: scan map row: %w", err)
		}
		recorded[uid] = append(recorded[uid], mapRow{modtime: modtime, deleted: deleted != 0})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: pim change timestamps: %w", err)
	}

	out := make(map[string]int64)
	for _, c := range changes {
		for _, r := range recorded[c.ID] {
			if c.Type == ChangeDelete && !r.deleted {
				continue
			}
			if ts, ok := out[c.ID]; !ok || r.modtime > ts {
				out[c.ID] = r.modtime
			}
		}
	}
	return out, nil
}

// MailMapChanges returns, per candidate uid, which change kinds the
// recorded mailmap rows agree with. An agreeing entry means the client
// itself produced the state and the candidate must be dropped.
func (m *Manager) MailMapChanges(ctx context.Context, changes []Change) (map[string]map[ChangeType]bool, error) {
	if len(changes) == 0 {
		return nil, nil
	}
	keys := m.suppressionKeys()

	query := `SELECT message_uid, sync_read, sync_flagged, sync_deleted, sync_changed, sync_category, sync_draft
	          FROM mailmap
	          WHERE sync_devid = ? AND sync_user = ? AND sync_folderid = ? AND sync_key IN (?`
	args := []any{m.deviceID, m.user, m.collection.ID, keys[0]}
	for _, k := range keys[1:] {
		query += ", ?"
		args = append(args, k)
	}
	query += ")"

	rows, err := m.st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("state: mailmap changes: %w", err)
	}
	defer rows.Close()

	type mailRow struct {
		read, flagged, deleted, changed, draft sql.NullInt64
		category                               sql.NullString
	}
	recorded := make(map[string][]mailRow)
	for rows.Next() {
		var (
			uid string
			r   mailRow
		)
		if err := rows.Scan(&uid, &r.read, &r.flagged, &r.deleted, &r.changed, &r.category, &r.draft); err != nil {
			return nil, fmt.Errorf("state: scan mailmap row: %w", err)
		}
		recorded[uid] = append(recorded[uid], r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: mailmap changes: %w", err)
	}

	out := make(map[string]map[ChangeType]bool)
	for _, c := range changes {
		rowsFor := recorded[c.ID]
		if len(rowsFor) == 0 {
			continue
		}
		agree := false
		for _, r := range rowsFor {
			switch c.Type {
			case ChangeDelete:
				agree = r.deleted.Valid && r.deleted.Int64 == 1
			case ChangeModify:
				agree = r.changed.Valid
			case ChangeDraft:
				agree = r.draft.Valid
			case ChangeFlags:
				agree = flagsAgree(c.Flags, r.read, r.flagged, r.category, r.draft)
			}
			if agree {
				break
			}
		}
		if out[c.ID] == nil {
			out[c.ID] = make(map[ChangeType]bool)
		}
		out[c.ID][c.Type] = agree
	}
	return out, nil
}

func flagsAgree(f *MailFlags, read, flagged sql.NullInt64, category sql.NullString, draft sql.NullInt64) bool {
	if f == nil {
		return false
	}
	switch {
	case f.Read != nil:
		return read.Valid && (read.Int64 == 1) == *f.Read
	case f.Flagged != nil:
		return flagged.Valid && (flagged.Int64 == 1) == *f.Flagged
	case len(f.Categories) > 0:
		return category.Valid && category.String == CategoryDigest(f.Categories)
	case f.Draft != nil:
		return draft.Valid && (draft.Int64 == 1) == *f.Draft
	default:
		return false
	}
}

// HasPIMChanges is the cheap probe that lets exporters skip loop
// suppression entirely when this context never recorded a change. For
// email it always reports true: consulting mailmap pays off on every
// export.
func (m *Manager) HasPIMChanges(ctx context.Context) (bool, error) {
	if m.collection.Class == ClassEmail {
		return true, nil
	}
	var one int
	err := m.st.DB().QueryRowContext(ctx,
		`SELECT 1 FROM map WHERE sync_devid = ? AND sync_user = ? AND sync_folderid = ? LIMIT 1`,
		m.deviceID, m.user, m.collection.ID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("state: pim change probe: %w", err)
	}
	return true, nil
}
