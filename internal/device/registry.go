// Package device tracks the mobile clients known to the server: per-device
// metadata, per-(device,user) provisioning policy keys, and the remote-wipe
// lifecycle.
package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openmobisync/syncstate/internal/store"
)

// ErrNotFound is returned when a device id is unknown. The caller decides
// whether to provision the device or reject the request.
var ErrNotFound = errors.New("device not found")

// ErrInvariant marks a programming error, e.g. setting a policy key on a
// device the registry never loaded.
var ErrInvariant = errors.New("device registry invariant violated")

// RemoteWipeStatus is the device wipe lifecycle state.
type RemoteWipeStatus int

const (
	WipeStatusNA RemoteWipeStatus = iota
	WipeStatusOK
	WipeStatusPending
	WipeStatusWiped
)

// Armed reports whether a wipe has been requested or executed.
func (s RemoteWipeStatus) Armed() bool {
	return s == WipeStatusPending || s == WipeStatusWiped
}

func (s RemoteWipeStatus) String() string {
	switch s {
	case WipeStatusNA:
		return "na"
	case WipeStatusOK:
		return "ok"
	case WipeStatusPending:
		return "pending"
	case WipeStatusWiped:
		return "wiped"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Record is one device row. Supported is immutable once nonempty;
// Properties mutate on every sync.
type Record struct {
	ID         string
	Type       string
	UserAgent  string
	RWStatus   RemoteWipeStatus
	Supported  []string
	Properties map[string]string
}

// UserRecord is the per-(device,user) provisioning row. PolicyKey 0 means
// the pair has not been provisioned.
type UserRecord struct {
	DeviceID  string
	User      string
	PolicyKey uint64
}

// ListEntry joins a device row with one of its user rows for listing.
type ListEntry struct {
	Record
	User      string
	PolicyKey uint64
}

// Registry loads and mutates device rows. One Registry lives inside each
// request's state manager; the cached current device must never be shared
// across requests.
type Registry struct {
	st     *store.Store
	logger *slog.Logger

	current     *Record
	currentUser string
}

// NewRegistry creates a request-scoped registry.
func NewRegistry(st *store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{st: st, logger: logger}
}

// Current returns the cached last-loaded device, if any.
func (r *Registry) Current() *Record {
	return r.current
}

// LoadDevice returns the device row for id. The last loaded device is
// cached on the registry; force bypasses the cache, which matters for
// long-running requests whose rwstatus can be mutated out-of-band.
func (r *Registry) LoadDevice(ctx context.Context, id, user string, force bool) (*Record, error) {
	if !force && r.current != nil && r.current.ID == id && (user == "" || r.currentUser == user) {
		return r.current, nil
	}

	var (
		rec       Record
		rwstatus  int
		supported []byte
		props     []byte
	)
	err := r.st.DB().QueryRowContext(ctx,
		`SELECT device_id, device_type, device_agent, device_rwstatus, device_supported, device_properties
		 FROM device WHERE device_id = ?`, id,
	).Scan(&rec.ID, &rec.Type, &rec.UserAgent, &rwstatus, &supported, &props)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("device: load %s: %w", id, err)
	}

	rec.RWStatus = RemoteWipeStatus(rwstatus)
	if len(supported) > 0 {
		if err := json.Unmarshal(supported, &rec.Supported); err != nil {
			return nil, fmt.Errorf("device: decode supported for %s: %w", id, err)
		}
	}
	if len(props) > 0 {
		if err := json.Unmarshal(props, &rec.Properties); err != nil {
			return nil, fmt.Errorf("device: decode properties for %s: %w", id, err)
		}
	}

	r.current = &rec
	r.currentUser = user
	return &rec, nil
}

// SetDevice inserts rec on first contact or updates the mutable columns.
// Supported is only written while still empty. The (device,user) pair row
// is created when missing.
func (r *Registry) SetDevice(ctx context.Context, rec *Record, user string) error {
	supported, err := json.Marshal(rec.Supported)
	if err != nil {
		return fmt.Errorf("device: encode supported: %w", err)
	}
	props, err := json.Marshal(rec.Properties)
	if err != nil {
		return fmt.Errorf("device: encode properties: %w", err)
	}

	err = r.st.WithTx(ctx, func(tx *sql.Tx) error {
		var existingSupported []byte
		err := tx.QueryRowContext(ctx,
			`SELECT device_supported FROM device WHERE device_id = ?`, rec.ID,
		).Scan(&existingSupported)

		switch {
		case err == sql.ErrNoRows:
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO device (device_id, device_type, device_agent, device_rwstatus, device_supported, device_properties)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				rec.ID, rec.Type, rec.UserAgent, int(rec.RWStatus), supported, props,
			); err != nil {
				return fmt.Errorf("insert device %s: %w", rec.ID, err)
			}
		case err != nil:
			return fmt.Errorf("probe device %s: %w", rec.ID, err)
		default:
			if _, err := tx.ExecContext(ctx,
				`UPDATE device SET device_type = ?, device_agent = ?, device_properties = ? WHERE device_id = ?`,
				rec.Type, rec.UserAgent, props, rec.ID,
			); err != nil {
				return fmt.Errorf("update device %s: %w", rec.ID, err)
			}
			// supported is immutable once nonempty
			if len(rec.Supported) > 0 && isEmptySupported(existingSupported) {
				if _, err := tx.ExecContext(ctx,
					`UPDATE device SET device_supported = ? WHERE device_id = ?`,
					supported, rec.ID,
				); err != nil {
					return fmt.Errorf("set supported for %s: %w", rec.ID, err)
				}
			}
		}

		if user != "" {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO device_user (device_id, device_user, device_policykey)
				 VALUES (?, ?, 0)
				 ON CONFLICT(device_id, device_user) DO NOTHING`,
				rec.ID, user,
			); err != nil {
				return fmt.Errorf("ensure device_user %s/%s: %w", rec.ID, user, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.current = rec
	r.currentUser = user
	return nil
}

func isEmptySupported(blob []byte) bool {
	if len(blob) == 0 {
		return true
	}
	var v []string
	if err := json.Unmarshal(blob, &v); err != nil {
		return false
	}
	return len(v) == 0
}

// SetProperties updates only the mutable properties blob of the currently
// loaded device.
func (r *Registry) SetProperties(ctx context.Context, props map[string]string) error {
	if r.current == nil {
		return fmt.Errorf("%w: no device loaded", ErrInvariant)
	}
	blob, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("device: encode properties: %w", err)
	}
	if _, err := r.st.DB().ExecContext(ctx,
		`UPDATE device SET device_properties = ? WHERE device_id = ?`,
		blob, r.current.ID,
	); err != nil {
		return fmt.Errorf("device: set properties for %s: %w", r.current.ID, err)
	}
	r.current.Properties = props
	return nil
}

// DeviceExists returns the number of matching rows: 0 means unknown
// device. With a user it counts (device,user) pairs instead.
func (r *Registry) DeviceExists(ctx context.Context, id, user string) (int, error) {
	var (
		count int
		err   error
	)
	if user == "" {
		err = r.st.DB().QueryRowContext(ctx,
			`SELECT COUNT(*) FROM device WHERE device_id = ?`, id,
		).Scan(&count)
	} else {
		err = r.st.DB().QueryRowContext(ctx,
			`SELECT COUNT(*) FROM device_user WHERE device_id = ? AND device_user = ?`, id, user,
		).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("device: exists %s: %w", id, err)
	}
	return count, nil
}

// PolicyKey returns the provisioning key for (device, user); 0 when the
// pair is unknown or unprovisioned.
func (r *Registry) PolicyKey(ctx context.Context, device, user string) (uint64, error) {
	var key uint64
	err := r.st.DB().QueryRowContext(ctx,
		`SELECT device_policykey FROM device_user WHERE device_id = ? AND device_user = ?`,
		device, user,
	).Scan(&key)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("device: policy key %s/%s: %w", device, user, err)
	}
	return key, nil
}

// SetPolicyKey updates the per-(device,user) policy key. Only the device
// currently loaded by this registry may be provisioned; anything else is a
// programming error in the caller.
func (r *Registry) SetPolicyKey(ctx context.Context, device, user string, key uint64) error {
	if r.current == nil || r.current.ID != device {
		return fmt.Errorf("%w: SetPolicyKey for %s but loaded device is %v", ErrInvariant, device, r.current)
	}
	_, err := r.st.DB().ExecContext(ctx,
		`INSERT INTO device_user (device_id, device_user, device_policykey)
		 VALUES (?, ?, ?)
		 ON CONFLICT(device_id, device_user) DO UPDATE SET device_policykey = excluded.device_policykey`,
		device, user, key,
	)
	if err != nil {
		return fmt.Errorf("device: set policy key %s/%s: %w", device, user, err)
	}
	r.logger.Info("policy key updated", "device", device, "user", user)
	return nil
}

// ResetAllPolicyKeys zeroes every policy key in the store, forcing every
// device through Provision on its next request.
func (r *Registry) ResetAllPolicyKeys(ctx context.Context) error {
	if _, err := r.st.DB().ExecContext(ctx,
		`UPDATE device_user SET device_policykey = 0`,
	); err != nil {
		return fmt.Errorf("device: reset all policy keys: %w", err)
	}
	r.logger.Info("all policy keys reset")
	return nil
}

// SetRWStatus updates the wipe lifecycle state. Arming a wipe (PENDING)
// additionally zeroes every policy key of the device so the next request
// from any of its users is forced through Provision, where the wipe is
// delivered.
func (r *Registry) SetRWStatus(ctx context.Context, device string, status RemoteWipeStatus) error {
	err := r.st.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE device SET device_rwstatus = ? WHERE device_id = ?`,
			int(status), device,
		)
		if err != nil {
			return fmt.Errorf("update rwstatus for %s: %w", device, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, device)
		}
		if status == WipeStatusPending {
			if _, err := tx.ExecContext(ctx,
				`UPDATE device_user SET device_policykey = 0 WHERE device_id = ?`,
				device,
			); err != nil {
				return fmt.Errorf("zero policy keys for %s: %w", device, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if r.current != nil && r.current.ID == device {
		r.current.RWStatus = status
	}
	r.logger.Info("remote wipe status updated", "device", device, "status", status.String())
	return nil
}

// ListFilterFields is the closed set of fields ListDevices accepts LIKE
// filters on.
var ListFilterFields = map[string]string{
	"device":    "d.device_id",
	"type":      "d.device_type",
	"useragent": "d.device_agent",
	"user":      "u.device_user",
}

// ListDevices returns all (device, device_user) joins, optionally
// restricted to one user and filtered with LIKE patterns on a closed set
// of fields.
func (r *Registry) ListDevices(ctx context.Context, user string, filter map[string]string) ([]ListEntry, error) {
	query := `SELECT d.device_id, d.device_type, d.device_agent, d.device_rwstatus,
	                 u.device_user, u.device_policykey
	          FROM device d JOIN device_user u ON u.device_id = d.device_id`
	var (
		conds []string
		args  []any
	)
	if user != "" {
		conds = append(conds, "u.device_user = ?")
		args = append(args, user)
	}
	for field, pattern := range filter {
		col, ok := ListFilterFields[field]
		if !ok {
			return nil, fmt.Errorf("device: list filter field %q not allowed", field)
		}
		conds = append(conds, col+" LIKE ?")
		args = append(args, pattern)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY d.device_id, u.device_user"

	rows, err := r.st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("device: list: %w", err)
	}
	defer rows.Close()

	var out []ListEntry
	for rows.Next() {
		var (
			e        ListEntry
			rwstatus int
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.UserAgent, &rwstatus, &e.User, &e.PolicyKey); err != nil {
			return nil, fmt.Errorf("device: scan list row: %w", err)
		}
		e.RWStatus = RemoteWipeStatus(rwstatus)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastSyncTimestamp returns the newest state save time for (device, user),
// 0 when the pair never completed a sync.
func (r *Registry) LastSyncTimestamp(ctx context.Context, device, user string) (int64, error) {
	var ts sql.NullInt64
	err := r.st.DB().QueryRowContext(ctx,
		`SELECT MAX(sync_timestamp) FROM state WHERE sync_devid = ? AND sync_user = ?`,
		device, user,
	).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("device: last sync timestamp %s/%s: %w", device, user, err)
	}
	return ts.Int64, nil
}
