package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmobisync/syncstate/internal/store"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sync.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewStore(st, nil)
}

func TestGetAbsentReturnsZeroValue(t *testing.T) {
	s := testStore(t)

	c, err := s.Get(context.Background(), "dev1", "alice")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if c.Hierarchy != "0" {
		t.Errorf("Hierarchy = %q, want \"0\"", c.Hierarchy)
	}
	if len(c.Folders) != 0 || len(c.Collections) != 0 || len(c.ConfirmedSyncKeys) != 0 {
		t.Error("zero-value cache should have empty maps")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	c := New()
	c.ConfirmedSyncKeys["{abc}3"] = true
	c.Hierarchy = "{abc}3"
	c.Wait = 12
	c.HBInterval = 480
	c.Folders["f1"] = Folder{Class: "Email", Parent: "0", Display: "Inbox", Type: 2}
	c.Collections["f1"] = CollectionOptions{Class: "Email", WindowSize: 100}
	c.SyncKeyCounter["f1"] = 3

	if err := s.Save(ctx, c, "dev1", "alice"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if c.Timestamp == "" {
		t.Error("Save must force timestamp to string form")
	}

	got, err := s.Get(ctx, "dev1", "alice")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.ConfirmedSyncKeys["{abc}3"] {
		t.Error("confirmed sync key lost")
	}
	if got.Hierarchy != "{abc}3" || got.Wait != 12 || got.HBInterval != 480 {
		t.Errorf("fields lost: %+v", got)
	}
	if got.Folders["f1"].Display != "Inbox" {
		t.Error("folder entry lost")
	}
	if got.Collections["f1"].WindowSize != 100 {
		t.Error("collection options lost")
	}
	if got.SyncKeyCounter["f1"] != 3 {
		t.Error("synckey counter lost")
	}
}

func TestSaveUpserts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	c := New()
	c.Wait = 1
	if err := s.Save(ctx, c, "dev1", "alice"); err != nil {
		t.Fatalf("first save: %v", err)
	}
	c.Wait = 2
	if err := s.Save(ctx, c, "dev1", "alice"); err != nil {
		t.Fatalf("second save: %v", err)
	}

	got, err := s.Get(ctx, "dev1", "alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Wait != 2 {
		t.Errorf("Wait = %d, want 2", got.Wait)
	}
}

func TestDeleteModes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, pair := range [][2]string{{"d1", "alice"}, {"d1", "bob"}, {"d2", "alice"}} {
		if err := s.Save(ctx, New(), pair[0], pair[1]); err != nil {
			t.Fatalf("seed %v: %v", pair, err)
		}
	}

	if err := s.Delete(ctx, "d1", "bob"); err != nil {
		t.Fatalf("delete pair: %v", err)
	}
	if err := s.Delete(ctx, "", "alice"); err != nil {
		t.Fatalf("delete by user: %v", err)
	}

	for _, pair := range [][2]string{{"d1", "alice"}, {"d1", "bob"}, {"d2", "alice"}} {
		got, err := s.Get(ctx, pair[0], pair[1])
		if err != nil {
			t.Fatalf("Get %v: %v", pair, err)
		}
		// All rows deleted: Get falls back to zero value.
		if got.Timestamp != "" {
			t.Errorf("row %v still present", pair)
		}
	}
}

func TestHeartbeatStateMachine(t *testing.T) {
	c := New()
	now := time.Now()

	c.MarkHeartbeatStarted(now)
	if !c.StaleAfterDisconnect() {
		t.Error("started without ended must read as stale")
	}

	c.MarkHeartbeatEnded(now.Add(time.Second))
	if c.StaleAfterDisconnect() {
		t.Error("normal end must clear staleness")
	}
}

func TestClearHierarchy(t *testing.T) {
	c := New()
	c.Folders["f1"] = Folder{Display: "Inbox"}
	c.Collections["f1"] = CollectionOptions{}
	c.Hierarchy = "{abc}5"

	c.ClearHierarchy()

	if len(c.Folders) != 0 || len(c.Collections) != 0 || c.Hierarchy != "0" {
		t.Errorf("hierarchy not cleared: %+v", c)
	}
}

func TestGetWithFieldProjection(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	c := New()
	c.Wait = 12
	c.HBInterval = 480
	c.Folders["f1"] = Folder{Class: "Email", Display: "Inbox", Type: 2}
	if err := s.Save(ctx, c, "dev1", "alice"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Get(ctx, "dev1", "alice", "wait", "folders")
	if err != nil {
		t.Fatalf("Get with fields: %v", err)
	}
	if got.Wait != 12 {
		t.Errorf("requested field lost: Wait = %d", got.Wait)
	}
	if got.Folders["f1"].Display != "Inbox" {
		t.Errorf("requested field lost: %+v", got.Folders)
	}
	if got.HBInterval != 0 {
		t.Errorf("unrequested field returned: HBInterval = %d", got.HBInterval)
	}
	if got.Hierarchy != "" {
		t.Errorf("unrequested field returned: Hierarchy = %q", got.Hierarchy)
	}

	// Absent row with projection still yields the projected zero value.
	got, err = s.Get(ctx, "ghost", "alice", "hierarchy")
	if err != nil {
		t.Fatalf("Get absent with fields: %v", err)
	}
	if got.Hierarchy != "0" {
		t.Errorf("projected zero value Hierarchy = %q, want 0", got.Hierarchy)
	}
}

func TestProject(t *testing.T) {
	c := New()
	c.Wait = 9
	fields, err := c.Project("wait", "hierarchy")
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if string(fields["wait"]) != "9" {
		t.Errorf("wait = %s", fields["wait"])
	}
	if _, ok := fields["folders"]; ok {
		t.Error("unrequested field returned")
	}
}
