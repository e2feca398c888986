// Package backend defines the contract the sync-state engine expects from
// the content driver that actually enumerates folders and items. The engine
// only calls it while refreshing folder stats during hierarchy sync.
package backend

import "context"

// FolderStat is a plain snapshot of one folder as the backend sees it.
type FolderStat struct {
	ID          string
	ServerID    string
	Parent      string
	DisplayName string
	Type        int
}

// Driver is implemented by the content backend.
type Driver interface {
	// GetFolder resolves a backend server id to its current folder record.
	GetFolder(ctx context.Context, serverID string) (*FolderStat, error)

	// StatFolder builds the stat record for a folder whose identity the
	// engine already knows. No blocking beyond one read.
	StatFolder(ctx context.Context, id, parent, displayName, serverID string, typ int) (*FolderStat, error)
}
