package device

import (
	"context"
	"database/sql"
	"fmt"
)

// RemoveOptions selects which slice of state to drop. Exactly the
// combinations documented on RemoveState are valid.
type RemoveOptions struct {
	Device     string
	User       string
	Collection string
	SyncKey    string
}

// RemoveState deletes sync state in one transaction. Modes:
//
//	{Device, User}             state/map/mailmap for the pair, its
//	                           device_user row and cache row
//	{Device, User, Collection} same, restricted to one collection
//	{Device}                   everything the device owns, incl. the
//	                           device row itself
//	{User}                     all of the user's rows on every device;
//	                           devices left without users are removed
//	{SyncKey}                  state/map/mailmap rows under that key only
//
// A {Device, User} call against a device whose wipe status is armed
// escalates to the {Device} form: the device row must not survive still
// armed for wipe with its state half-removed.
func (r *Registry) RemoveState(ctx context.Context, opts RemoveOptions) error {
	switch {
	case opts.SyncKey != "":
		return r.removeBySyncKey(ctx, opts.SyncKey)
	case opts.Device != "" && opts.User != "":
		if opts.Collection == "" {
			rec, err := r.LoadDevice(ctx, opts.Device, opts.User, true)
			if err != nil {
				return err
			}
			if rec.RWStatus.Armed() {
				r.logger.Info("wipe armed, escalating user removal to device removal",
					"device", opts.Device, "user", opts.User, "rwstatus", rec.RWStatus.String())
				return r.removeDevice(ctx, opts.Device)
			}
		}
		return r.removeDeviceUser(ctx, opts.Device, opts.User, opts.Collection)
	case opts.Device != "":
		return r.removeDevice(ctx, opts.Device)
	case opts.User != "":
		return r.removeUser(ctx, opts.User)
	default:
		return fmt.Errorf("%w: RemoveState needs a device, user or sync key", ErrInvariant)
	}
}

func (r *Registry) removeBySyncKey(ctx context.Context, key string) error {
	return r.st.WithTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"state", "map", "mailmap"} {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM `+table+` WHERE sync_key = ?`, key,
			); err != nil {
				return fmt.Errorf("delete %s by key: %w", table, err)
			}
		}
		return nil
	})
}

func (r *Registry) removeDeviceUser(ctx context.Context, device, user, collection string) error {
	err := r.st.WithTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"state", "map", "mailmap"} {
			query := `DELETE FROM ` + table + ` WHERE sync_devid = ? AND sync_user = ?`
			args := []any{device, user}
			if collection != "" {
				query += ` AND sync_folderid = ?`
				args = append(args, collection)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("delete %s for %s/%s: %w", table, device, user, err)
			}
		}
		if collection != "" {
			// collection-scoped removal keeps the pairing and cache
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM device_user WHERE device_id = ? AND device_user = ?`, device, user,
		); err != nil {
			return fmt.Errorf("delete device_user %s/%s: %w", device, user, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM cache WHERE cache_devid = ? AND cache_user = ?`, device, user,
		); err != nil {
			return fmt.Errorf("delete cache %s/%s: %w", device, user, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Info("state removed", "device", device, "user", user, "collection", collection)
	return nil
}

func (r *Registry) removeDevice(ctx context.Context, device string) error {
	err := r.st.WithTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"state", "map", "mailmap"} {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM `+table+` WHERE sync_devid = ?`, device,
			); err != nil {
				return fmt.Errorf("delete %s for device %s: %w", table, device, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM device_user WHERE device_id = ?`, device,
		); err != nil {
			return fmt.Errorf("delete device_user rows for %s: %w", device, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM cache WHERE cache_devid = ?`, device,
		); err != nil {
			return fmt.Errorf("delete cache rows for %s: %w", device, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM device WHERE device_id = ?`, device,
		); err != nil {
			return fmt.Errorf("delete device row %s: %w", device, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if r.current != nil && r.current.ID == device {
		r.current = nil
		r.currentUser = ""
	}
	r.logger.Info("device removed", "device", device)
	return nil
}

func (r *Registry) removeUser(ctx context.Context, user string) error {
	err := r.st.WithTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"state", "map", "mailmap"} {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM `+table+` WHERE sync_user = ?`, user,
			); err != nil {
				return fmt.Errorf("delete %s for user %s: %w", table, user, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM device_user WHERE device_user = ?`, user,
		); err != nil {
			return fmt.Errorf("delete device_user rows for %s: %w", user, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM cache WHERE cache_user = ?`, user,
		); err != nil {
			return fmt.Errorf("delete cache rows for %s: %w", user, err)
		}
		// Orphan cleanup: devices that lost their last user go away too.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM device WHERE device_id NOT IN (SELECT DISTINCT device_id FROM device_user)`,
		); err != nil {
			return fmt.Errorf("delete orphan devices: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Info("user state removed", "user", user)
	return nil
}
