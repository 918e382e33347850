// Package queue enforces at-most-one-active-ticket-per-branch with FIFO
// progression. The issue tracker's labels are the durable queue; the
// in-memory markers here are a cache that is rebuilt lazily from those
// labels after a restart. Progression happens only as a side effect of
// terminal worker callbacks or an operator unstick — never a timer.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ticketvox-io/ticketvox/internal/tracker"
)

// Target is one independent queue: a branch of a repository.
type Target struct {
	Repo   string
	Branch string
}

func (t Target) String() string { return t.Repo + "@" + t.Branch }

// Labels names the two queue-state labels.
type Labels struct {
	Pending   string
	Executing string
}

// Active is the in-memory marker for a ticket currently being worked on,
// plus its progress metadata.
type Active struct {
	Issue           int       `json:"issue"`
	Title           string    `json:"title"`
	StartedAt       time.Time `json:"started_at"`
	Phase           string    `json:"phase,omitempty"`
	LastMessage     string    `json:"last_message,omitempty"`
	CompletedPhases []string  `json:"completed_phases,omitempty"`
	DeployURL       string    `json:"deploy_url,omitempty"`
}

// Tracker is the slice of the issue tracker the coordinator needs.
type Tracker interface {
	ListIssues(ctx context.Context, labels []string, ascending bool) ([]tracker.Issue, error)
	AddLabels(ctx context.Context, number int, labels ...string) error
	RemoveLabel(ctx context.Context, number int, label string) error
}

// Notifier posts a user-facing notice for a target. May be nil.
type Notifier func(ctx context.Context, t Target, text string)

// Coordinator owns the active markers and drives the label-based queue.
type Coordinator struct {
	mu     sync.Mutex
	active map[Target]*Active

	tracker Tracker
	labels  Labels
	notify  Notifier
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a coordinator.
func New(tr Tracker, labels Labels, notify Notifier, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		active:  make(map[Target]*Active),
		tracker: tr,
		labels:  labels,
		notify:  notify,
		logger:  logger,
		now:     time.Now,
	}
}

// IsBusy reports whether a worker currently owns the target. With no
// in-memory marker it falls back to the tracker: an open issue carrying
// both the executing label and the developer label means a worker was
// active before a restart, and the marker is reconstructed from it. An
// empty devLabel means the target has no durable queue (no developer
// mapping) and busyness is memory-only.
func (c *Coordinator) IsBusy(ctx context.Context, t Target, devLabel string) (bool, error) {
	c.mu.Lock()
	_, ok := c.active[t]
	c.mu.Unlock()
	if ok {
		return true, nil
	}
	if devLabel == "" {
		return false, nil
	}

	issues, err := c.tracker.ListIssues(ctx, []string{c.labels.Executing, devLabel}, true)
	if err != nil {
		return false, fmt.Errorf("queue: busy check for %s: %w", t, err)
	}
	if len(issues) == 0 {
		return false, nil
	}

	issue := issues[0]
	c.mu.Lock()
	c.active[t] = &Active{
		Issue:     issue.Number,
		Title:     issue.Title,
		StartedAt: issue.CreatedAt,
	}
	c.mu.Unlock()
	c.logger.Info("recovered active marker from tracker labels",
		"target", t.String(), "issue", issue.Number)
	return true, nil
}

// ActiveFor returns a copy of the marker for t, if any.
func (c *Coordinator) ActiveFor(t Target) (Active, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.active[t]
	if !ok {
		return Active{}, false
	}
	return *a, true
}

// Activate is the single canonical activation path: it swaps the issue's
// pending label for the executing label and installs the in-memory marker.
// Both label steps are idempotent, so a crash between them heals on retry.
func (c *Coordinator) Activate(ctx context.Context, t Target, issueNumber int, title string) error {
	if err := c.tracker.AddLabels(ctx, issueNumber, c.labels.Executing); err != nil {
		return fmt.Errorf("queue: activate #%d: %w", issueNumber, err)
	}
	if err := c.tracker.RemoveLabel(ctx, issueNumber, c.labels.Pending); err != nil {
		// The executing label is already on; the marker must still be set
		// or the queue would double-activate. Reconcile cleans up the
		// leftover pending label.
		c.logger.Warn("pending label removal failed after activation",
			"issue", issueNumber, "error", err)
	}

	c.mu.Lock()
	c.active[t] = &Active{
		Issue:     issueNumber,
		Title:     title,
		StartedAt: c.now(),
	}
	c.mu.Unlock()
	return nil
}

// ProcessNext activates the oldest pending issue for the target, if any,
// and announces it. No-op when the queue is empty or already busy.
func (c *Coordinator) ProcessNext(ctx context.Context, t Target, devLabel string) (*tracker.Issue, error) {
	if devLabel == "" {
		return nil, nil
	}

	c.mu.Lock()
	_, busy := c.active[t]
	c.mu.Unlock()
	if busy {
		return nil, nil
	}

	pending, err := c.Pending(ctx, t, devLabel)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	next := pending[0]
	if err := c.Activate(ctx, t, next.Number, next.Title); err != nil {
		return nil, err
	}

	c.logger.Info("queue advanced", "target", t.String(), "issue", next.Number)
	if c.notify != nil {
		c.notify(ctx, t, fmt.Sprintf("▶️ Next ticket starting: #%d %s", next.Number, next.Title))
	}
	return &next, nil
}

// Pending returns the queued issues for a target, oldest first.
func (c *Coordinator) Pending(ctx context.Context, t Target, devLabel string) ([]tracker.Issue, error) {
	if devLabel == "" {
		return nil, nil
	}
	issues, err := c.tracker.ListIssues(ctx, []string{c.labels.Pending, devLabel}, true)
	if err != nil {
		return nil, fmt.Errorf("queue: list pending for %s: %w", t, err)
	}
	return issues, nil
}

// ClearActive removes the executing label from the current active issue and
// drops the marker with its progress and deploy-URL caches. Recovery runs
// first so an operator unstick works right after a restart.
func (c *Coordinator) ClearActive(ctx context.Context, t Target, devLabel string) error {
	busy, err := c.IsBusy(ctx, t, devLabel)
	if err != nil {
		return err
	}
	if !busy {
		return nil
	}

	c.mu.Lock()
	a := c.active[t]
	delete(c.active, t)
	c.mu.Unlock()

	if a == nil {
		return nil
	}
	if err := c.tracker.RemoveLabel(ctx, a.Issue, c.labels.Executing); err != nil {
		return fmt.Errorf("queue: clear active #%d: %w", a.Issue, err)
	}
	return nil
}

// Started records that the worker picked up the issue. It also installs a
// marker when none exists, covering workers that start on an issue the bot
// never saw activate.
func (c *Coordinator) Started(t Target, issueNumber int, title string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.active[t]
	if !ok || a.Issue != issueNumber {
		c.active[t] = &Active{Issue: issueNumber, Title: title, StartedAt: c.now()}
		return
	}
	a.StartedAt = c.now()
	if title != "" {
		a.Title = title
	}
}

// SetPhase records a phase transition, appending the previous phase to the
// ordered completion list.
func (c *Coordinator) SetPhase(t Target, phase string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.active[t]
	if !ok {
		return
	}
	if a.Phase != "" && a.Phase != phase {
		a.CompletedPhases = append(a.CompletedPhases, a.Phase)
	}
	a.Phase = phase
}

// SetMessage records the worker's latest free-text progress message.
func (c *Coordinator) SetMessage(t Target, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.active[t]; ok {
		a.LastMessage = msg
	}
}

// SetDeployURL caches a deploy URL observed while the target is busy, for
// inclusion in the eventual completion message.
func (c *Coordinator) SetDeployURL(t Target, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.active[t]; ok {
		a.DeployURL = url
	}
}

// Snapshot returns a copy of every active marker, for /status and the API.
func (c *Coordinator) Snapshot() map[Target]Active {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Target]Active, len(c.active))
	for t, a := range c.active {
		out[t] = *a
	}
	return out
}

// Reconcile re-syncs in-memory markers against tracker labels for the given
// targets: a marker with no executing-labeled issue is dropped, an
// executing-labeled issue with no marker gets one, and leftover pending
// labels on an executing issue are removed. It never advances the queue.
func (c *Coordinator) Reconcile(ctx context.Context, targets map[Target]string) {
	for t, devLabel := range targets {
		if devLabel == "" {
			continue
		}
		issues, err := c.tracker.ListIssues(ctx, []string{c.labels.Executing, devLabel}, true)
		if err != nil {
			c.logger.Warn("reconcile query failed", "target", t.String(), "error", err)
			continue
		}

		c.mu.Lock()
		a, hasMarker := c.active[t]
		c.mu.Unlock()

		switch {
		case len(issues) == 0 && hasMarker:
			c.mu.Lock()
			delete(c.active, t)
			c.mu.Unlock()
			c.logger.Info("reconcile dropped stale marker", "target", t.String(), "issue", a.Issue)

		case len(issues) > 0 && !hasMarker:
			issue := issues[0]
			c.mu.Lock()
			c.active[t] = &Active{Issue: issue.Number, Title: issue.Title, StartedAt: issue.CreatedAt}
			c.mu.Unlock()
			c.logger.Info("reconcile rebuilt marker", "target", t.String(), "issue", issue.Number)
		}

		// Heal a crashed label swap: an executing issue must not stay pending.
		for _, issue := range issues {
			if issue.HasLabel(c.labels.Pending) {
				if err := c.tracker.RemoveLabel(ctx, issue.Number, c.labels.Pending); err != nil {
					c.logger.Warn("reconcile label cleanup failed", "issue", issue.Number, "error", err)
				}
			}
		}
	}
}

// SetClock overrides the time source for tests.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }
