package state

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// blobVersion is bumped when the envelope layout changes; decode rejects
// versions it does not know.
const blobVersion = 1

// stateBlob is the envelope written to the sync_data column. Hierarchy
// state fills Folders, collection state fills Collection.
type stateBlob struct {
	V          int                 `json:"v"`
	Folders    []FolderEntry       `json:"folders,omitempty"`
	Collection *CollectionSnapshot `json:"collection,omitempty"`
}

// pendingBlob is the envelope for the sync_pending column: the changes a
// window-size truncation deferred to the next response.
type pendingBlob struct {
	V       int      `json:"v"`
	Changes []Change `json:"changes"`
}

func encodeHierarchy(folders []FolderEntry) ([]byte, error) {
	data, err := json.Marshal(stateBlob{V: blobVersion, Folders: folders})
	if err != nil {
		return nil, fmt.Errorf("state: encode hierarchy: %w", err)
	}
	return data, nil
}

func encodeCollection(snap *CollectionSnapshot) ([]byte, error) {
	data, err := json.Marshal(stateBlob{V: blobVersion, Collection: snap})
	if err != nil {
		return nil, fmt.Errorf("state: encode collection: %w", err)
	}
	return data, nil
}

func decodeBlob(data []byte) (*stateBlob, error) {
	var b stateBlob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("state: decode blob: %w", err)
	}
	if b.V != blobVersion {
		return nil, fmt.Errorf("state: unknown blob version %d", b.V)
	}
	return &b, nil
}

func encodePending(changes []Change) ([]byte, error) {
	if len(changes) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(pendingBlob{V: blobVersion, Changes: changes})
	if err != nil {
		return nil, fmt.Errorf("state: encode pending: %w", err)
	}
	return data, nil
}

func decodePending(data []byte) ([]Change, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var b pendingBlob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("state: decode pending: %w", err)
	}
	if b.V != blobVersion {
		return nil, fmt.Errorf("state: unknown pending blob version %d", b.V)
	}
	return b.Changes, nil
}

// CategoryDigest collapses a category list into the fixed-width value
// stored in the mailmap sync_category column.
func CategoryDigest(categories []string) string {
	sum := blake2b.Sum256([]byte(strings.Join(categories, "")))
	return hex.EncodeToString(sum[:])
}
