// Package cache persists the per-(device,user) long-poll context. A
// suspended PING or heartbeat SYNC writes its confirmed keys, folder list
// and per-collection options here so the next request can resume instead
// of renegotiating from scratch.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/openmobisync/syncstate/internal/store"
)

// Folder is one entry of the cached folder list, keyed by server id.
type Folder struct {
	Class   string `json:"class"`
	Parent  string `json:"parent"`
	Display string `json:"display"`
	Type    int    `json:"type"`
}

// CollectionOptions carries the per-collection sync options the client
// negotiated, replayed verbatim on resume.
type CollectionOptions struct {
	Class          string `json:"class"`
	FilterType     int    `json:"filtertype"`
	WindowSize     int    `json:"windowsize"`
	Conflict       int    `json:"conflict"`
	DeletesAsMoves bool   `json:"deletesasmoves"`
	MIMESupport    int    `json:"mimesupport"`
	MIMETruncation int    `json:"mimetruncation"`
}

// Cache is the fixed blob schema. An absent row decodes to the zero value.
type Cache struct {
	V                 int                          `json:"v"`
	ConfirmedSyncKeys map[string]bool              `json:"confirmed_synckeys"`
	LastHBSyncStarted int64                        `json:"lasthbsyncstarted"`
	LastSyncEndNormal int64                        `json:"lastsyncendnormal"`
	Timestamp         string                       `json:"timestamp"`
	Wait              int                          `json:"wait"`       // minutes
	HBInterval        int                          `json:"hbinterval"` // seconds
	Folders           map[string]Folder            `json:"folders"`
	Hierarchy         string                       `json:"hierarchy"` // synckey string or "0"
	Collections       map[string]CollectionOptions `json:"collections"`
	PingHeartbeat     int                          `json:"pingheartbeat"`
	SyncKeyCounter    map[string]uint64            `json:"synckeycounter"`
}

// New returns the zero-value cache schema.
func New() *Cache {
	return &Cache{
		V:                 1,
		ConfirmedSyncKeys: make(map[string]bool),
		Folders:           make(map[string]Folder),
		Hierarchy:         "0",
		Collections:       make(map[string]CollectionOptions),
		SyncKeyCounter:    make(map[string]uint64),
	}
}

// MarkHeartbeatStarted records that a long-poll opened.
func (c *Cache) MarkHeartbeatStarted(now time.Time) {
	c.LastHBSyncStarted = now.Unix()
}

// MarkHeartbeatEnded records that the long-poll response was delivered.
func (c *Cache) MarkHeartbeatEnded(now time.Time) {
	c.LastSyncEndNormal = now.Unix()
}

// StaleAfterDisconnect reports whether the last heartbeat never ended
// normally. Folder and collection lists must then be treated as stale and
// reloaded.
func (c *Cache) StaleAfterDisconnect() bool {
	return c.LastHBSyncStarted > c.LastSyncEndNormal
}

// ClearHierarchy drops everything derived from hierarchy state: folder
// list, per-collection options and the hierarchy sync key.
func (c *Cache) ClearHierarchy() {
	c.Folders = make(map[string]Folder)
	c.Collections = make(map[string]CollectionOptions)
	c.Hierarchy = "0"
}

// RemoveCollection drops one collection's cached options.
func (c *Cache) RemoveCollection(id string) {
	delete(c.Collections, id)
}

// projected returns a copy of c holding only the named top-level fields;
// everything else is the zero value.
func (c *Cache) projected(fields []string) (*Cache, error) {
	sub, err := c.Project(fields...)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("cache: marshal projection: %w", err)
	}
	out := &Cache{}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("cache: decode projection: %w", err)
	}
	out.V = c.V
	return out, nil
}

// Project returns only the named top-level fields of the cache blob.
func (c *Cache) Project(fields ...string) (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("cache: marshal: %w", err)
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("cache: remarshal: %w", err)
	}
	out := make(map[string]json.RawMessage, len(fields))
	for _, f := range fields {
		if v, ok := all[f]; ok {
			out[f] = v
		}
	}
	return out, nil
}

// Store reads and writes cache rows.
type Store struct {
	st     *store.Store
	logger *slog.Logger
}

// NewStore wraps st for cache access.
func NewStore(st *store.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{st: st, logger: logger}
}

// Get returns the stored cache for (device, user), or the zero-value
// schema when no row exists. Optional fields restrict the result to the
// named top-level blob fields.
func (s *Store) Get(ctx context.Context, device, user string, fields ...string) (*Cache, error) {
	var data []byte
	err := s.st.DB().QueryRowContext(ctx,
		`SELECT cache_data FROM cache WHERE cache_devid = ? AND cache_user = ?`,
		device, user,
	).Scan(&data)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("cache: load %s/%s: %w", device, user, err)
	}

	c := New()
	if err == nil && len(data) > 0 {
		if err := json.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("cache: decode %s/%s: %w", device, user, err)
		}
		if c.V != 1 {
			return nil, fmt.Errorf("cache: unknown blob version %d for %s/%s", c.V, device, user)
		}
	}
	if len(fields) > 0 {
		return c.projected(fields)
	}
	return c, nil
}

// Save upserts the cache row. The timestamp field is forced to string
// form before persistence.
func (s *Store) Save(ctx context.Context, c *Cache, device, user string) error {
	c.V = 1
	c.Timestamp = strconv.FormatInt(time.Now().Unix(), 10)

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("cache: encode %s/%s: %w", device, user, err)
	}

	var count int
	err = s.st.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache WHERE cache_devid = ? AND cache_user = ?`,
		device, user,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("cache: probe %s/%s: %w", device, user, err)
	}

	if count == 0 {
		_, err = s.st.DB().ExecContext(ctx,
			`INSERT INTO cache (cache_devid, cache_user, cache_data) VALUES (?, ?, ?)`,
			device, user, data,
		)
	} else {
		_, err = s.st.DB().ExecContext(ctx,
			`UPDATE cache SET cache_data = ? WHERE cache_devid = ? AND cache_user = ?`,
			data, device, user,
		)
	}
	if err != nil {
		return fmt.Errorf("cache: save %s/%s: %w", device, user, err)
	}

	s.logger.Debug("sync cache saved", "device", device, "user", user, "bytes", len(data))
	return nil
}

// Delete removes cache rows matching the non-empty arguments. With both
// empty it is a no-op.
func (s *Store) Delete(ctx context.Context, device, user string) error {
	var (
		query string
		args  []any
	)
	switch {
	case device != "" && user != "":
		query = `DELETE FROM cache WHERE cache_devid = ? AND cache_user = ?`
		args = []any{device, user}
	case device != "":
		query = `DELETE FROM cache WHERE cache_devid = ?`
		args = []any{device}
	case user != "":
		query = `DELETE FROM cache WHERE cache_user = ?`
		args = []any{user}
	default:
		return nil
	}

	if _, err := s.st.DB().ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("cache: delete %s/%s: %w", device, user, err)
	}
	return nil
}
