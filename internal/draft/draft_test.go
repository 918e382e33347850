package draft

import (
	"sync"
	"testing"
	"time"
)

func TestOneDraftPerKey(t *testing.T) {
	s := NewStore()
	key := Key{ChatID: 1, UserID: 2}

	s.Put(&Draft{Key: key, Stage: StageConfirming, Text: "first"})
	s.Put(&Draft{Key: key, Stage: StageConfirming, Text: "second"})

	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
	d, ok := s.Get(key)
	if !ok || d.Text != "second" {
		t.Fatalf("Get = %+v, %v", d, ok)
	}

	// A different user in the same chat gets an independent draft.
	other := Key{ChatID: 1, UserID: 3}
	s.Put(&Draft{Key: other, Stage: StageConfirming})
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
}

func TestTakeIsAtMostOnce(t *testing.T) {
	s := NewStore()
	key := Key{ChatID: 1, UserID: 2}
	s.Put(&Draft{Key: key, Stage: StageConfirming, Text: "submit me"})

	var taken int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := s.Take(key); ok {
				mu.Lock()
				taken++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if taken != 1 {
		t.Fatalf("draft taken %d times, want exactly 1", taken)
	}
	if _, ok := s.Get(key); ok {
		t.Fatal("draft should be gone after Take")
	}
}

func TestUpdateStagesAndToggles(t *testing.T) {
	s := NewStore()
	key := Key{ChatID: 5, UserID: 6}
	s.Put(&Draft{Key: key, Stage: StageConfirming, Text: "original", SummaryMessageID: 10})

	ok := s.Update(key, func(d *Draft) {
		d.Options.AutoTests = true
	})
	if !ok {
		t.Fatal("Update should find the draft")
	}

	d, _ := s.Get(key)
	if !d.Options.AutoTests {
		t.Error("toggle not applied")
	}
	// Toggling must not disturb text or the rendered message reference.
	if d.Text != "original" || d.SummaryMessageID != 10 {
		t.Errorf("toggle disturbed draft: %+v", d)
	}

	s.Update(key, func(d *Draft) { d.Stage = StageAwaitingEditText })
	d, _ = s.Get(key)
	if d.Stage != StageAwaitingEditText {
		t.Errorf("stage = %q", d.Stage)
	}

	if s.Update(Key{ChatID: 9, UserID: 9}, func(*Draft) {}) {
		t.Error("Update on missing key should return false")
	}
}

func TestOptionLabels(t *testing.T) {
	if got := (Options{}).Labels(); len(got) != 0 {
		t.Errorf("default options should map to no labels, got %v", got)
	}
	got := Options{MultiReviewer: true, PlanApproval: true}.Labels()
	if len(got) != 2 || got[0] != "workflow:multi-reviewer" || got[1] != "workflow:plan-approval" {
		t.Errorf("labels = %v", got)
	}
}

func TestArmingWindow(t *testing.T) {
	s := NewStore()
	key := Key{ChatID: 1, UserID: 2}

	now := time.Unix(1000, 0)
	s.SetClock(func() time.Time { return now })

	s.Arm(key, 2*time.Minute)

	// Within the window: consumed exactly once.
	now = now.Add(time.Minute)
	if !s.Consume(key) {
		t.Fatal("expected armed within window")
	}
	if s.Consume(key) {
		t.Fatal("second consume should find nothing")
	}

	// After expiry: lazily discarded.
	s.Arm(key, 2*time.Minute)
	now = now.Add(3 * time.Minute)
	if s.Consume(key) {
		t.Fatal("expired window should not arm")
	}
	if s.Consume(key) {
		t.Fatal("expired entry should have been deleted")
	}
}

func TestDelete(t *testing.T) {
	s := NewStore()
	key := Key{ChatID: 1, UserID: 2}
	s.Put(&Draft{Key: key})
	s.Delete(key)
	if _, ok := s.Get(key); ok {
		t.Fatal("draft should be deleted")
	}
	s.Delete(key) // idempotent
}
