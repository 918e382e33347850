// Package draft holds the per-(chat,user) ticket drafts and the arming
// timers that let a bare /ticket be completed by a following voice message.
// All state is volatile; a restart drops every draft by design.
package draft

import (
	"sync"
	"time"

	"github.com/ticketvox-io/ticketvox/internal/connector"
)

// Stage is the draft's position in the conversation flow.
type Stage string

const (
	StageCollectingText     Stage = "collecting_text"
	StageConfirming         Stage = "confirming"
	StageAwaitingEditText   Stage = "awaiting_edit_text"
	StageAwaitingScreenshot Stage = "awaiting_screenshot"
	StageAwaitingBranchName Stage = "awaiting_branch_name"
)

// Key identifies the one draft a user may have per chat.
type Key struct {
	ChatID int64
	UserID int64
}

// Options are the boolean toggles on the confirmation keyboard. Each set
// option becomes a label on the created issue.
type Options struct {
	MultiReviewer bool // request multi-reviewer workflow
	AutoTests     bool // request automated tests
	PlanApproval  bool // require plan approval before work starts
}

// Labels returns the tracker labels for the set options.
func (o Options) Labels() []string {
	var labels []string
	if o.MultiReviewer {
		labels = append(labels, "workflow:multi-reviewer")
	}
	if o.AutoTests {
		labels = append(labels, "workflow:auto-tests")
	}
	if o.PlanApproval {
		labels = append(labels, "workflow:plan-approval")
	}
	return labels
}

// Draft is one in-progress, unsubmitted ticket.
type Draft struct {
	Key   Key
	Stage Stage
	Text  string

	Screenshot *connector.MediaRef

	// Target resolution happens once, at creation, and is frozen so a
	// process restart cannot silently retarget an in-flight draft.
	Repo     string
	Branch   string
	DevLabel string

	Options Options

	// SummaryMessageID is the confirmation message, edited in place when
	// toggles change.
	SummaryMessageID int

	CreatedAt time.Time
}

// Store owns all drafts and arming timers. Access is serialized by a single
// mutex; collisions are rare (human interaction latency) but the lock makes
// Take the at-most-once submission primitive.
type Store struct {
	mu     sync.Mutex
	drafts map[Key]*Draft
	armed  map[Key]time.Time // expiry of the voice-after-command window
	now    func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		drafts: make(map[Key]*Draft),
		armed:  make(map[Key]time.Time),
		now:    time.Now,
	}
}

// Put installs a draft, replacing any existing draft for the same key. The
// single-draft-per-key invariant is structural: the map cannot hold two.
func (s *Store) Put(d *Draft) {
	s.mu.Lock()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	s.drafts[d.Key] = d
	s.mu.Unlock()
}

// Get returns a snapshot of the draft for key.
func (s *Store) Get(key Key) (Draft, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[key]
	if !ok {
		return Draft{}, false
	}
	return *d, true
}

// Update mutates the draft for key under the lock. Returns false when no
// draft exists.
func (s *Store) Update(key Key, fn func(*Draft)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[key]
	if !ok {
		return false
	}
	fn(d)
	return true
}

// Take removes and returns the draft for key. Submission goes through Take
// before any tracker call, so a second rapid submit finds nothing.
func (s *Store) Take(key Key) (Draft, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[key]
	if !ok {
		return Draft{}, false
	}
	delete(s.drafts, key)
	return *d, true
}

// Delete discards the draft for key, if any.
func (s *Store) Delete(key Key) {
	s.mu.Lock()
	delete(s.drafts, key)
	s.mu.Unlock()
}

// Len reports the number of live drafts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.drafts)
}

// Arm opens a window during which the next voice message from key counts as
// ticket content. Re-arming resets the window.
func (s *Store) Arm(key Key, window time.Duration) {
	s.mu.Lock()
	s.armed[key] = s.now().Add(window)
	s.mu.Unlock()
}

// Consume reports whether key is currently armed and disarms it either way.
// Expiry is checked lazily here; there is no background sweep.
func (s *Store) Consume(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.armed[key]
	if !ok {
		return false
	}
	delete(s.armed, key)
	return s.now().Before(expiry)
}

// SetClock overrides the time source for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }
