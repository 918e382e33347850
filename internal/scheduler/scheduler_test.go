package scheduler

import "testing"

func TestAddJob(t *testing.T) {
	s := New(nil)

	if err := s.AddJob("reconcile", "@every 15m", func() {}); err != nil {
		t.Fatal(err)
	}
	if s.JobCount() != 1 {
		t.Fatalf("JobCount = %d, want 1", s.JobCount())
	}

	// Re-registering the same name replaces, not duplicates.
	if err := s.AddJob("reconcile", "@every 5m", func() {}); err != nil {
		t.Fatal(err)
	}
	if s.JobCount() != 1 {
		t.Fatalf("JobCount after replace = %d, want 1", s.JobCount())
	}
}

func TestAddJobInvalidSchedule(t *testing.T) {
	s := New(nil)
	if err := s.AddJob("bad", "not a schedule", func() {}); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if s.JobCount() != 0 {
		t.Fatalf("JobCount = %d, want 0", s.JobCount())
	}
}

func TestRemoveJob(t *testing.T) {
	s := New(nil)
	s.AddJob("sweep", "@every 1h", func() {})
	s.RemoveJob("sweep")
	if s.JobCount() != 0 {
		t.Fatalf("JobCount = %d, want 0", s.JobCount())
	}
	s.RemoveJob("sweep") // idempotent
}
