package colfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func createFile(t *testing.T) (*File, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sim.pscf")
	cf, err := Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return cf, path
}

func TestCreateAndReopen(t *testing.T) {
	cf, path := createFile(t)
	if err := cf.CreateDimension("traj", 0); err != nil {
		t.Fatalf("CreateDimension failed: %v", err)
	}
	v, err := cf.CreateVariable("traj_json", TypeStr, []string{"traj"}, "", 1024)
	if err != nil {
		t.Fatalf("CreateVariable failed: %v", err)
	}
	if err := v.SetString(0, `{"a":1}`); err != nil {
		t.Fatalf("SetString failed: %v", err)
	}
	if err := v.SetString(1, `{"a":2}`); err != nil {
		t.Fatalf("SetString failed: %v", err)
	}
	if err := cf.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	cf2, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer cf2.Close()
	if n, ok := cf2.Dimension("traj"); !ok || n != 2 {
		t.Fatalf("Dimension = %d, %v; want 2, true", n, ok)
	}
	v2, ok := cf2.Variable("traj_json")
	if !ok {
		t.Fatal("variable traj_json not restored")
	}
	got, err := v2.GetString(1)
	if err != nil {
		t.Fatalf("GetString failed: %v", err)
	}
	if got != `{"a":2}` {
		t.Fatalf("GetString = %q, want %q", got, `{"a":2}`)
	}
}

func TestCreateExisting(t *testing.T) {
	_, path := createFile(t)
	if _, err := Create(path); err == nil {
		t.Fatal("Create on existing file should fail")
	}
}

func TestDimensionGrowOnly(t *testing.T) {
	cf, _ := createFile(t)
	defer cf.Close()
	if err := cf.CreateDimension("snap", 3); err != nil {
		t.Fatalf("CreateDimension failed: %v", err)
	}
	if err := cf.GrowDimension("snap", 7); err != nil {
		t.Fatalf("GrowDimension failed: %v", err)
	}
	if n, _ := cf.Dimension("snap"); n != 7 {
		t.Fatalf("Dimension = %d, want 7", n)
	}
	if err := cf.GrowDimension("snap", 2); err == nil {
		t.Fatal("shrinking a dimension should fail")
	}
	if err := cf.GrowDimension("missing", 2); err == nil {
		t.Fatal("growing an unknown dimension should fail")
	}
}

func TestScalarTypes(t *testing.T) {
	cf, _ := createFile(t)
	defer cf.Close()
	if err := cf.CreateDimension("s", 0); err != nil {
		t.Fatalf("CreateDimension failed: %v", err)
	}

	vi, err := cf.CreateVariable("s_replica", TypeIndex, []string{"s"}, "", 0)
	if err != nil {
		t.Fatalf("CreateVariable failed: %v", err)
	}
	if err := vi.SetInt32(0, 42); err != nil {
		t.Fatalf("SetInt32 failed: %v", err)
	}
	if got, err := vi.GetInt32(0); err != nil || got != 42 {
		t.Fatalf("GetInt32 = %d, %v; want 42", got, err)
	}
	// Unwritten slots read as the NoIndex sentinel.
	if got, err := vi.GetInt32(5); err != nil || got != NoIndex {
		t.Fatalf("GetInt32(unwritten) = %d, %v; want %d", got, err, NoIndex)
	}

	vf, err := cf.CreateVariable("s_energy", TypeFloat32, []string{"s"}, "kJ/mol", 0)
	if err != nil {
		t.Fatalf("CreateVariable failed: %v", err)
	}
	if err := vf.SetFloat32(1, 1.5); err != nil {
		t.Fatalf("SetFloat32 failed: %v", err)
	}
	if got, err := vf.GetFloat32(1); err != nil || got != 1.5 {
		t.Fatalf("GetFloat32 = %v, %v; want 1.5", got, err)
	}
	if vf.Unit() != "kJ/mol" {
		t.Fatalf("Unit = %q, want kJ/mol", vf.Unit())
	}

	vb, err := cf.CreateVariable("s_reversed", TypeBool, []string{"s"}, "", 0)
	if err != nil {
		t.Fatalf("CreateVariable failed: %v", err)
	}
	if err := vb.SetBool(0, true); err != nil {
		t.Fatalf("SetBool failed: %v", err)
	}
	if got, err := vb.GetBool(0); err != nil || !got {
		t.Fatalf("GetBool = %v, %v; want true", got, err)
	}

	// Type mismatch is rejected.
	if err := vi.SetString(0, "nope"); err == nil {
		t.Fatal("writing a string to an index variable should fail")
	}
}

func TestFloat32Arrays(t *testing.T) {
	cf, path := createFile(t)
	if err := cf.CreateDimension("snap", 0); err != nil {
		t.Fatalf("CreateDimension failed: %v", err)
	}
	if err := cf.CreateDimension("atom", 3); err != nil {
		t.Fatalf("CreateDimension failed: %v", err)
	}
	if err := cf.CreateDimension("spatial", 3); err != nil {
		t.Fatalf("CreateDimension failed: %v", err)
	}
	v, err := cf.CreateVariable("snap_coordinates", TypeFloat32, []string{"snap", "atom", "spatial"}, "nm", 64)
	if err != nil {
		t.Fatalf("CreateVariable failed: %v", err)
	}
	coords := []float32{0, 0, 0, 1, 0, 0, 0.5, 0.5, 0}
	if err := v.SetFloat32s(0, coords); err != nil {
		t.Fatalf("SetFloat32s failed: %v", err)
	}
	if err := cf.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	cf2, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer cf2.Close()
	v2, _ := cf2.Variable("snap_coordinates")
	got, err := v2.GetFloat32s(0)
	if err != nil {
		t.Fatalf("GetFloat32s failed: %v", err)
	}
	if len(got) != len(coords) {
		t.Fatalf("len = %d, want %d", len(got), len(coords))
	}
	for i := range coords {
		if got[i] != coords[i] {
			t.Fatalf("coords[%d] = %v, want %v", i, got[i], coords[i])
		}
	}
	if got, err := v2.GetFloat32s(99); err != nil || got != nil {
		t.Fatalf("GetFloat32s(unwritten) = %v, %v; want nil, nil", got, err)
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	cf, path := createFile(t)
	if err := cf.CreateDimension("traj", 0); err != nil {
		t.Fatalf("CreateDimension failed: %v", err)
	}
	// Chunk of 16 bytes forces compression of the large payload.
	v, err := cf.CreateVariable("traj_json", TypeStr, []string{"traj"}, "", 16)
	if err != nil {
		t.Fatalf("CreateVariable failed: %v", err)
	}
	large := strings.Repeat(`{"snapshots":[0,1,2,3]},`, 200)
	if err := v.SetString(0, large); err != nil {
		t.Fatalf("SetString failed: %v", err)
	}
	small := "{}"
	if err := v.SetString(1, small); err != nil {
		t.Fatalf("SetString failed: %v", err)
	}
	if err := cf.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// The compressed record must be smaller than the raw payload.
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if st.Size() >= int64(len(large)) {
		t.Fatalf("file size %d not compressed below payload size %d", st.Size(), len(large))
	}

	cf2, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer cf2.Close()
	v2, _ := cf2.Variable("traj_json")
	if got, _ := v2.GetString(0); got != large {
		t.Fatal("large payload did not round-trip")
	}
	if got, _ := v2.GetString(1); got != small {
		t.Fatal("small payload did not round-trip")
	}
}

func TestSchemaRoundTrip(t *testing.T) {
	cf, path := createFile(t)
	doc := []byte(`{"stores":{"traj":{}}}`)
	if err := cf.SetSchema(doc); err != nil {
		t.Fatalf("SetSchema failed: %v", err)
	}
	if err := cf.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	cf2, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("OpenReadOnly failed: %v", err)
	}
	defer cf2.Close()
	if string(cf2.Schema()) != string(doc) {
		t.Fatalf("Schema = %q, want %q", cf2.Schema(), doc)
	}
}

func TestReadOnlyRefusesWrites(t *testing.T) {
	cf, path := createFile(t)
	if err := cf.CreateDimension("traj", 0); err != nil {
		t.Fatalf("CreateDimension failed: %v", err)
	}
	if err := cf.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	ro, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("OpenReadOnly failed: %v", err)
	}
	defer ro.Close()
	if err := ro.CreateDimension("x", 0); err == nil {
		t.Fatal("CreateDimension on read-only file should fail")
	}
	if err := ro.GrowDimension("traj", 5); err == nil {
		t.Fatal("GrowDimension on read-only file should fail")
	}
}

func TestRefreshFollowsWriter(t *testing.T) {
	cf, path := createFile(t)
	if err := cf.CreateDimension("traj", 0); err != nil {
		t.Fatalf("CreateDimension failed: %v", err)
	}
	v, err := cf.CreateVariable("traj_json", TypeStr, []string{"traj"}, "", 0)
	if err != nil {
		t.Fatalf("CreateVariable failed: %v", err)
	}
	if err := v.SetString(0, "first"); err != nil {
		t.Fatalf("SetString failed: %v", err)
	}
	if err := cf.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	ro, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("OpenReadOnly failed: %v", err)
	}
	defer ro.Close()
	if n, _ := ro.Dimension("traj"); n != 1 {
		t.Fatalf("follower Dimension = %d, want 1", n)
	}

	// Writer appends while the follower is open.
	if err := v.SetString(1, "second"); err != nil {
		t.Fatalf("SetString failed: %v", err)
	}
	if err := cf.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if err := ro.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if n, _ := ro.Dimension("traj"); n != 2 {
		t.Fatalf("follower Dimension after Refresh = %d, want 2", n)
	}
	rv, _ := ro.Variable("traj_json")
	if got, _ := rv.GetString(1); got != "second" {
		t.Fatalf("follower GetString(1) = %q, want %q", got, "second")
	}
	if err := cf.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestOpenTruncatesPartialTail(t *testing.T) {
	cf, path := createFile(t)
	if err := cf.CreateDimension("traj", 0); err != nil {
		t.Fatalf("CreateDimension failed: %v", err)
	}
	v, err := cf.CreateVariable("traj_json", TypeStr, []string{"traj"}, "", 0)
	if err != nil {
		t.Fatalf("CreateVariable failed: %v", err)
	}
	if err := v.SetString(0, "complete"); err != nil {
		t.Fatalf("SetString failed: %v", err)
	}
	if err := cf.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Simulate a crashed writer leaving a half-written record.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	if _, err := f.Write([]byte{kindPut, 0xff, 0xff}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	cf2, err := Open(path)
	if err != nil {
		t.Fatalf("Open after partial tail failed: %v", err)
	}
	defer cf2.Close()
	v2, _ := cf2.Variable("traj_json")
	if got, _ := v2.GetString(0); got != "complete" {
		t.Fatalf("GetString = %q, want %q", got, "complete")
	}
	if n, _ := cf2.Dimension("traj"); n != 1 {
		t.Fatalf("Dimension = %d, want 1", n)
	}
}
