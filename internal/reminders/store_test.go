package reminders

import (
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "reminders.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndPending(t *testing.T) {
	s := testStore(t)

	later := time.Now().Add(time.Hour)
	sooner := time.Now().Add(time.Minute)
	s.Create("water plants", "", later)
	s.Create("call mom", "she asked twice", sooner)

	pending, err := s.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].Title != "call mom" {
		t.Errorf("pending not ordered by due time: first is %q", pending[0].Title)
	}
	if pending[1].Fired() {
		t.Error("new reminder reported as fired")
	}
}

func TestMarkFired(t *testing.T) {
	s := testStore(t)
	r, _ := s.Create("take out bins", "", time.Now())

	if err := s.MarkFired(r.ID, time.Now()); err != nil {
		t.Fatalf("MarkFired: %v", err)
	}
	if err := s.MarkFired(r.ID, time.Now()); err == nil {
		t.Error("double fire should fail")
	}

	got, err := s.Get(r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Fired() {
		t.Error("reminder not marked fired")
	}

	pending, _ := s.Pending()
	if len(pending) != 0 {
		t.Errorf("fired reminder still pending: %d", len(pending))
	}
}

func TestCancel(t *testing.T) {
	s := testStore(t)
	r, _ := s.Create("dentist", "", time.Now().Add(time.Hour))

	if err := s.Cancel(r.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := s.Cancel(r.ID); err == nil {
		t.Error("cancelling a missing reminder should fail")
	}
	if _, err := s.Get(r.ID); err == nil {
		t.Error("cancelled reminder still retrievable")
	}
}

func TestCancel_FiredReminder(t *testing.T) {
	s := testStore(t)
	r, _ := s.Create("done already", "", time.Now())
	s.MarkFired(r.ID, time.Now())

	if err := s.Cancel(r.ID); err == nil {
		t.Error("cancelling a fired reminder should fail")
	}
}
