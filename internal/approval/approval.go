// Package approval is the plan-approval gate: a named semaphore keyed by
// (repo, branch, issue). An external worker requests sign-off, a human
// resolves it with a button (or a follow-up message for revision feedback),
// and the worker polls until it sees a terminal status.
package approval

import (
	"sync"
	"time"

	"github.com/ticketvox-io/ticketvox/pkg/protocol"
)

// Key identifies one approval request.
type Key struct {
	Repo   string
	Branch string
	Issue  int
}

// Request is a pending or resolved approval.
type Request struct {
	Key       Key
	Token     int // short id carried in callback data (platform payload limits)
	Summary   string
	Status    protocol.ApprovalStatus
	Feedback  string
	ChatID    int64 // where the buttons were posted
	CreatedAt time.Time
}

// Store owns all approval requests. No timeout is enforced on the human
// side; the polling worker decides when to give up.
type Store struct {
	mu       sync.Mutex
	requests map[Key]*Request
	// awaiting maps a chat to the request whose revision feedback the next
	// plain-text message in that chat should become.
	awaiting map[int64]Key
	seq      int
	now      func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		requests: make(map[Key]*Request),
		awaiting: make(map[int64]Key),
		now:      time.Now,
	}
}

// Create registers a pending request, replacing any previous request for
// the same key (a worker re-asking supersedes its earlier ask).
func (s *Store) Create(key Key, summary string, chatID int64) *Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	r := &Request{
		Key:       key,
		Token:     s.seq,
		Summary:   summary,
		Status:    protocol.ApprovalPending,
		ChatID:    chatID,
		CreatedAt: s.now(),
	}
	s.requests[key] = r
	return r
}

// ByToken returns a copy of the request carrying the given token.
func (s *Store) ByToken(token int) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.requests {
		if r.Token == token {
			return *r, true
		}
	}
	return Request{}, false
}

// Get returns a copy of the request for key.
func (s *Store) Get(key Key) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[key]
	if !ok {
		return Request{}, false
	}
	return *r, true
}

// Resolve sets a terminal status. Returns false when no pending request
// exists for key.
func (s *Store) Resolve(key Key, status protocol.ApprovalStatus, feedback string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[key]
	if !ok || r.Status != protocol.ApprovalPending {
		return false
	}
	r.Status = status
	r.Feedback = feedback
	delete(s.awaiting, r.ChatID)
	return true
}

// AwaitFeedback marks the request so the chat's next plain-text message
// resolves it as a revision with that text attached.
func (s *Store) AwaitFeedback(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[key]
	if !ok || r.Status != protocol.ApprovalPending {
		return false
	}
	s.awaiting[r.ChatID] = key
	return true
}

// ConsumeFeedback resolves the awaited request for chatID with the given
// text, if one exists.
func (s *Store) ConsumeFeedback(chatID int64, text string) (Key, bool) {
	s.mu.Lock()
	key, ok := s.awaiting[chatID]
	if !ok {
		s.mu.Unlock()
		return Key{}, false
	}
	delete(s.awaiting, chatID)
	r := s.requests[key]
	if r != nil && r.Status == protocol.ApprovalPending {
		r.Status = protocol.ApprovalRevision
		r.Feedback = text
	}
	s.mu.Unlock()
	return key, true
}
