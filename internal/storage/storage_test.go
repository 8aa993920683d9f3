package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestRegisterTwiceFails(t *testing.T) {
	ts, _ := createStorage(t, Options{})
	if _, err := ts.st.Register("path", pathDef(), Options{}); err == nil {
		t.Fatal("re-registering a store name should fail")
	}
}

func TestStoresInRegistrationOrder(t *testing.T) {
	ts, _ := createStorage(t, Options{})
	got := ts.st.Stores()
	if len(got) != 2 || got[0] != "frame" || got[1] != "path" {
		t.Fatalf("Stores = %v, want [frame path]", got)
	}
	if s, ok := ts.st.Store("frame"); !ok || s != ts.frames {
		t.Fatal("Store lookup mismatch")
	}
}

func TestSchemaDescribesStores(t *testing.T) {
	ts, _ := createStorage(t, Options{HasName: true, HasUID: true})
	var doc map[string]struct {
		Class   string          `json:"class"`
		HasUID  bool            `json:"has_uid"`
		HasName bool            `json:"has_name"`
		Type    json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(ts.st.Schema(), &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	entry, ok := doc["path"]
	if !ok {
		t.Fatalf("schema has no path entry: %s", ts.st.Schema())
	}
	if entry.Class != "path" || !entry.HasUID || !entry.HasName {
		t.Fatalf("path entry = %+v", entry)
	}
	// path is self-referential (Prev points at another path); reflection
	// must terminate and still emit a type document.
	if len(entry.Type) == 0 || string(entry.Type) == "null" {
		t.Fatal("path entry has no type document")
	}
	if doc["frame"].Class != "frame" {
		t.Fatalf("frame entry = %+v", doc["frame"])
	}
}

func TestSharedDimension(t *testing.T) {
	file := filepath.Join(t.TempDir(), "run.pscf")
	st, err := Open(file, ModeCreate, DefaultConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := st.CreateDimension("atom", 22); err != nil {
		t.Fatalf("CreateDimension failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	st2, err := Open(file, ModeRestore, DefaultConfig())
	if err != nil {
		t.Fatalf("restore Open failed: %v", err)
	}
	defer st2.Close()
	if err := st2.CreateDimension("atom", 22); err != nil {
		t.Fatalf("restore verify failed: %v", err)
	}
	if err := st2.CreateDimension("atom", 23); err == nil {
		t.Fatal("restore with a different length should fail")
	}
	if err := st2.CreateDimension("spatial", 3); err == nil {
		t.Fatal("restore of a missing dimension should fail")
	}
}

func TestReadOnlySyncAndRefresh(t *testing.T) {
	ts, file := createStorage(t, Options{})
	if err := ts.st.Refresh(); err == nil {
		t.Fatal("refresh on a writable storage should fail")
	}
	if err := ts.st.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	ro, err := OpenReadOnly(file, DefaultConfig())
	if err != nil {
		t.Fatalf("OpenReadOnly failed: %v", err)
	}
	defer ro.Close()
	if !ro.ReadOnly() {
		t.Fatal("ReadOnly() = false")
	}
	if err := ro.Sync(); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("read-only Sync: err = %v, want ErrReadOnly", err)
	}
	if err := ro.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
}

func TestWatchObservesAppends(t *testing.T) {
	ts, file := createStorage(t, Options{})
	if _, err := ts.paths.Save(&path{Tag: "first"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := ts.st.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	ro, err := OpenReadOnly(file, DefaultConfig())
	if err != nil {
		t.Fatalf("OpenReadOnly failed: %v", err)
	}
	defer ro.Close()
	rots := register(t, ro, Options{})

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	lens := make(chan int, 16)
	done := make(chan error, 1)
	go func() {
		done <- ro.Watch(ctx, func() { lens <- rots.paths.Len() })
	}()

	// Give the watcher time to install before appending.
	time.Sleep(200 * time.Millisecond)
	if _, err := ts.paths.Save(&path{Tag: "second"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := ts.st.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	for {
		select {
		case n := <-lens:
			if n >= 2 {
				cancel()
				if err := <-done; !errors.Is(err, context.Canceled) {
					t.Fatalf("Watch returned %v, want context.Canceled", err)
				}
				got, err := rots.paths.Load(1)
				if err != nil || got.(*path).Tag != "second" {
					t.Fatalf("follower Load(1) = %v, %v", got, err)
				}
				return
			}
		case <-ctx.Done():
			t.Fatal("watcher never observed the appended record")
		}
	}
}

func TestReadOnlyFollowsAppends(t *testing.T) {
	ts, file := createStorage(t, Options{})
	if _, err := ts.paths.Save(&path{Tag: "first"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := ts.st.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	ro, err := OpenReadOnly(file, DefaultConfig())
	if err != nil {
		t.Fatalf("OpenReadOnly failed: %v", err)
	}
	defer ro.Close()
	rots := register(t, ro, Options{})
	if rots.paths.Len() != 1 {
		t.Fatalf("reader Len = %d, want 1", rots.paths.Len())
	}

	if _, err := ts.paths.Save(&path{Tag: "second"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := ts.st.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if err := ro.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if rots.paths.Len() != 2 {
		t.Fatalf("reader Len after refresh = %d, want 2", rots.paths.Len())
	}
	got, err := rots.paths.Load(1)
	if err != nil || got.(*path).Tag != "second" {
		t.Fatalf("reader Load(1) = %v, %v", got, err)
	}
}
