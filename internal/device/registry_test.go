package device

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/openmobisync/syncstate/internal/store"
)

func testRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sync.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewRegistry(st, nil), st
}

func seedDevice(t *testing.T, r *Registry, id, user string) *Record {
	t.Helper()
	rec := &Record{
		ID:         id,
		Type:       "SmartPhone",
		UserAgent:  "Client/1.0",
		Supported:  []string{"Email", "Contacts"},
		Properties: map[string]string{"os": "11"},
	}
	if err := r.SetDevice(context.Background(), rec, user); err != nil {
		t.Fatalf("SetDevice: %v", err)
	}
	return rec
}

func TestLoadDeviceUnknown(t *testing.T) {
	r, _ := testRegistry(t)
	_, err := r.LoadDevice(context.Background(), "ghost", "alice", false)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetDeviceRoundTrip(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	seedDevice(t, r, "dev1", "alice")

	got, err := r.LoadDevice(ctx, "dev1", "alice", true)
	if err != nil {
		t.Fatalf("LoadDevice: %v", err)
	}
	if got.Type != "SmartPhone" || got.UserAgent != "Client/1.0" {
		t.Errorf("fields lost: %+v", got)
	}
	if len(got.Supported) != 2 || got.Properties["os"] != "11" {
		t.Errorf("blobs lost: %+v", got)
	}

	n, err := r.DeviceExists(ctx, "dev1", "alice")
	if err != nil || n != 1 {
		t.Errorf("DeviceExists = %d, %v", n, err)
	}
	n, err = r.DeviceExists(ctx, "dev1", "")
	if err != nil || n != 1 {
		t.Errorf("DeviceExists(device only) = %d, %v", n, err)
	}
}

func TestLoadDeviceCacheAndForce(t *testing.T) {
	r, st := testRegistry(t)
	ctx := context.Background()
	seedDevice(t, r, "dev1", "alice")

	first, err := r.LoadDevice(ctx, "dev1", "alice", false)
	if err != nil {
		t.Fatalf("LoadDevice: %v", err)
	}

	// Mutate out-of-band, the way an admin wipe request does.
	if _, err := st.DB().Exec(
		`UPDATE device SET device_rwstatus = ? WHERE device_id = 'dev1'`, int(WipeStatusPending),
	); err != nil {
		t.Fatalf("out-of-band update: %v", err)
	}

	cached, err := r.LoadDevice(ctx, "dev1", "alice", false)
	if err != nil {
		t.Fatalf("cached load: %v", err)
	}
	if cached != first {
		t.Error("non-forced load must return the cached record")
	}

	fresh, err := r.LoadDevice(ctx, "dev1", "alice", true)
	if err != nil {
		t.Fatalf("forced load: %v", err)
	}
	if fresh.RWStatus != WipeStatusPending {
		t.Errorf("forced load missed out-of-band rwstatus, got %v", fresh.RWStatus)
	}
}

func TestSupportedImmutableOnceSet(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	seedDevice(t, r, "dev1", "alice")

	update := &Record{
		ID:        "dev1",
		Type:      "SmartPhone",
		UserAgent: "Client/2.0",
		Supported: []string{"Email"},
	}
	if err := r.SetDevice(ctx, update, "alice"); err != nil {
		t.Fatalf("SetDevice update: %v", err)
	}

	got, err := r.LoadDevice(ctx, "dev1", "alice", true)
	if err != nil {
		t.Fatalf("LoadDevice: %v", err)
	}
	if got.UserAgent != "Client/2.0" {
		t.Error("user agent should update")
	}
	if len(got.Supported) != 2 {
		t.Errorf("supported must stay immutable, got %v", got.Supported)
	}
}

func TestSupportedWrittenWhenEmpty(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	if err := r.SetDevice(ctx, &Record{ID: "dev1"}, "alice"); err != nil {
		t.Fatalf("SetDevice: %v", err)
	}
	if err := r.SetDevice(ctx, &Record{ID: "dev1", Supported: []string{"Email"}}, "alice"); err != nil {
		t.Fatalf("SetDevice with supported: %v", err)
	}

	got, err := r.LoadDevice(ctx, "dev1", "alice", true)
	if err != nil {
		t.Fatalf("LoadDevice: %v", err)
	}
	if len(got.Supported) != 1 {
		t.Errorf("supported should have been written while empty, got %v", got.Supported)
	}
}

func TestSetPolicyKeyRequiresLoadedDevice(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	seedDevice(t, r, "dev1", "alice")
	seedDevice(t, r, "dev2", "alice") // dev2 is now current

	if err := r.SetPolicyKey(ctx, "dev1", "alice", 42); !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected ErrInvariant, got %v", err)
	}
	if err := r.SetPolicyKey(ctx, "dev2", "alice", 42); err != nil {
		t.Fatalf("SetPolicyKey for current device: %v", err)
	}

	key, err := r.PolicyKey(ctx, "dev2", "alice")
	if err != nil || key != 42 {
		t.Errorf("PolicyKey = %d, %v", key, err)
	}
}

func TestWipePendingZeroesPolicyKeys(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	seedDevice(t, r, "dev1", "alice")
	if err := r.SetPolicyKey(ctx, "dev1", "alice", 99); err != nil {
		t.Fatalf("SetPolicyKey: %v", err)
	}
	if err := r.SetPolicyKey(ctx, "dev1", "bob", 77); err != nil {
		t.Fatalf("SetPolicyKey bob: %v", err)
	}

	if err := r.SetRWStatus(ctx, "dev1", WipeStatusPending); err != nil {
		t.Fatalf("SetRWStatus: %v", err)
	}

	for _, user := range []string{"alice", "bob"} {
		key, err := r.PolicyKey(ctx, "dev1", user)
		if err != nil {
			t.Fatalf("PolicyKey %s: %v", user, err)
		}
		if key != 0 {
			t.Errorf("policy key for %s = %d, want 0 after wipe pending", user, key)
		}
	}

	got, err := r.LoadDevice(ctx, "dev1", "alice", true)
	if err != nil {
		t.Fatalf("LoadDevice: %v", err)
	}
	if got.RWStatus != WipeStatusPending {
		t.Errorf("rwstatus = %v", got.RWStatus)
	}
}

func TestResetAllPolicyKeys(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	seedDevice(t, r, "dev1", "alice")
	if err := r.SetPolicyKey(ctx, "dev1", "alice", 5); err != nil {
		t.Fatalf("SetPolicyKey: %v", err)
	}
	seedDevice(t, r, "dev2", "bob")
	if err := r.SetPolicyKey(ctx, "dev2", "bob", 6); err != nil {
		t.Fatalf("SetPolicyKey: %v", err)
	}

	if err := r.ResetAllPolicyKeys(ctx); err != nil {
		t.Fatalf("ResetAllPolicyKeys: %v", err)
	}

	for _, pair := range [][2]string{{"dev1", "alice"}, {"dev2", "bob"}} {
		key, err := r.PolicyKey(ctx, pair[0], pair[1])
		if err != nil || key != 0 {
			t.Errorf("PolicyKey %v = %d, %v", pair, key, err)
		}
	}
}

func TestListDevices(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	seedDevice(t, r, "phone-1", "alice")
	seedDevice(t, r, "phone-2", "bob")
	seedDevice(t, r, "tablet-1", "alice")

	all, err := r.ListDevices(ctx, "", nil)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("got %d entries, want 3", len(all))
	}

	alices, err := r.ListDevices(ctx, "alice", nil)
	if err != nil {
		t.Fatalf("ListDevices(alice): %v", err)
	}
	if len(alices) != 2 {
		t.Errorf("got %d entries for alice, want 2", len(alices))
	}

	phones, err := r.ListDevices(ctx, "", map[string]string{"device": "phone-%"})
	if err != nil {
		t.Fatalf("ListDevices(filter): %v", err)
	}
	if len(phones) != 2 {
		t.Errorf("got %d phones, want 2", len(phones))
	}

	if _, err := r.ListDevices(ctx, "", map[string]string{"policykey": "%"}); err == nil {
		t.Error("filter on disallowed field must fail")
	}
}
