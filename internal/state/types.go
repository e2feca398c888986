// Package state implements the per-request sync-state manager: loading and
// saving per-(device,user,collection) snapshots keyed by sync key,
// recording client-originated changes for loop prevention, and garbage
// collecting stale generations.
package state

import "errors"

// ErrStateGone signals that no state row matched the presented sync key.
// Non-fatal: the protocol layer answers KEY_MISMATCH and the client
// restarts the series.
var ErrStateGone = errors.New("sync state gone")

// ErrInvariant marks a programming error in the calling handler, e.g.
// saving before any key was loaded or set.
var ErrInvariant = errors.New("state manager invariant violated")

// HierarchyID is the sentinel folder id under which folder-hierarchy
// state is stored, as opposed to per-collection state.
const HierarchyID = "foldersync"

// RequestType distinguishes hierarchy sync from collection sync; the two
// store different snapshot shapes.
type RequestType string

const (
	RequestSync       RequestType = "sync"
	RequestFolderSync RequestType = "foldersync"
)

// Class is the content class of a collection, taken from the inbound
// collection metadata.
type Class string

const (
	ClassEmail    Class = "Email"
	ClassContacts Class = "Contacts"
	ClassCalendar Class = "Calendar"
	ClassTasks    Class = "Tasks"
	ClassNotes    Class = "Notes"
)

// ChangeType categorizes a single change flowing in either direction.
type ChangeType string

const (
	ChangeAdd    ChangeType = "add"
	ChangeModify ChangeType = "change"
	ChangeDelete ChangeType = "delete"
	ChangeFlags  ChangeType = "flags"
	ChangeDraft  ChangeType = "draft"
)

// Origin says which side produced a change.
type Origin int

const (
	// OriginClient marks a client-originated (PIM) change being imported.
	OriginClient Origin = iota
	// OriginServer marks a server-to-client change being dispatched.
	OriginServer
)

// Collection is the inbound collection metadata a SYNC request carries.
type Collection struct {
	ID    string
	Class Class
}

// FolderEntry is one folder of the hierarchy snapshot. ID is the
// client-facing UID and survives renames; ServerID is the backend's
// identifier and may change.
type FolderEntry struct {
	ID          string `json:"id"`
	ServerID    string `json:"serverid"`
	Parent      string `json:"parent"`
	DisplayName string `json:"displayname"`
	Type        int    `json:"type"`
}

// MailFlags carries the flag portion of an email change. Only the fields
// the client actually sent are non-nil.
type MailFlags struct {
	Read       *bool    `json:"read,omitempty"`
	Flagged    *bool    `json:"flagged,omitempty"`
	Draft      *bool    `json:"draft,omitempty"`
	Categories []string `json:"categories,omitempty"`
}

// Change is a single item change. For hierarchy changes Folder is set; for
// email flag changes Flags is set.
type Change struct {
	ID       string       `json:"id"`
	ClientID string       `json:"clientid,omitempty"`
	Type     ChangeType   `json:"type"`
	ModTime  int64        `json:"modtime,omitempty"`
	Flags    *MailFlags   `json:"flags,omitempty"`
	Folder   *FolderEntry `json:"folder,omitempty"`
}

// EmailFlagState is the last-known flag set of one IMAP UID.
type EmailFlagState struct {
	Read       bool     `json:"read"`
	Flagged    bool     `json:"flagged"`
	Deleted    bool     `json:"deleted"`
	Draft      bool     `json:"draft"`
	Categories []string `json:"categories,omitempty"`
}

// ItemStat is the last-known stat tuple of one PIM item.
type ItemStat struct {
	Mod   string `json:"mod"`
	Flags int    `json:"flags"`
}

// EmailData is the email variant of a collection snapshot: last-known
// IMAP UIDs with per-UID flags.
type EmailData struct {
	UIDs map[string]EmailFlagState `json:"uids"`
}

// GenericData is the non-email variant: last-known per-item stats.
type GenericData struct {
	Items map[string]ItemStat `json:"items"`
}

// CollectionSnapshot is the tagged union stored in sync_data for a
// collection. Exactly one of Email or Generic is set, per Class.
type CollectionSnapshot struct {
	Class    Class        `json:"class"`
	ServerID string       `json:"serverid,omitempty"`
	Email    *EmailData   `json:"email,omitempty"`
	Generic  *GenericData `json:"generic,omitempty"`
}

// NewCollectionSnapshot returns an empty snapshot of the right variant for
// the class.
func NewCollectionSnapshot(class Class) *CollectionSnapshot {
	s := &CollectionSnapshot{Class: class}
	if class == ClassEmail {
		s.Email = &EmailData{UIDs: make(map[string]EmailFlagState)}
	} else {
		s.Generic = &GenericData{Items: make(map[string]ItemStat)}
	}
	return s
}
