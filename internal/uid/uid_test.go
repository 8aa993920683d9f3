package uid

import (
	"testing"
	"time"
)

func TestNewIsMonotonic(t *testing.T) {
	ids := make([]UID, 1000)
	for i := range ids {
		ids[i] = New()
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids[%d] = %d <= ids[%d] = %d", i, ids[i], i-1, ids[i-1])
		}
	}
}

func TestStringSortsLikeValue(t *testing.T) {
	a := NewAt(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	b := NewAt(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	if len(a.String()) != 11 || len(b.String()) != 11 {
		t.Fatalf("encoded lengths = %d, %d", len(a.String()), len(b.String()))
	}
	if !(a.String() < b.String()) {
		t.Fatalf("%q should sort before %q", a, b)
	}
}

func TestParseRoundTrip(t *testing.T) {
	u := New()
	got, err := Parse(u.String())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got != u {
		t.Fatalf("Parse = %d, want %d", got, u)
	}

	if _, err := Parse("short"); err == nil {
		t.Fatal("bad length should fail")
	}
	if _, err := Parse("!!!!!!!!!!!"); err == nil {
		t.Fatal("bad characters should fail")
	}
}

func TestTime(t *testing.T) {
	at := time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)
	u := NewAt(at)
	if got := u.Time(); !got.Equal(at) {
		t.Fatalf("Time = %v, want %v", got, at)
	}
}
