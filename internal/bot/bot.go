// Package bot is the orchestrator: it routes inbound chat events through the
// draft state machine, submits confirmed drafts to the issue tracker, and
// relays worker and deploy callbacks back to the requesting chat.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ticketvox-io/ticketvox/internal/approval"
	"github.com/ticketvox-io/ticketvox/internal/config"
	"github.com/ticketvox-io/ticketvox/internal/connector"
	"github.com/ticketvox-io/ticketvox/internal/draft"
	"github.com/ticketvox-io/ticketvox/internal/eventlog"
	"github.com/ticketvox-io/ticketvox/internal/queue"
	"github.com/ticketvox-io/ticketvox/internal/tracker"
)

// Tracker is the slice of the issue tracker the bot needs.
type Tracker interface {
	CreateIssue(ctx context.Context, title, body string, labels []string) (*tracker.Issue, error)
	UpdateBody(ctx context.Context, number int, body string) error
	AddLabels(ctx context.Context, number int, labels ...string) error
	RemoveLabel(ctx context.Context, number int, label string) error
	ListIssues(ctx context.Context, labels []string, ascending bool) ([]tracker.Issue, error)
	BranchSHA(ctx context.Context, branch string) (string, error)
	BranchExists(ctx context.Context, branch string) (bool, error)
	CreateBranch(ctx context.Context, name, sha string) error
	ForceUpdateBranch(ctx context.Context, name, sha string) error
	CreateTag(ctx context.Context, name, sha string) error
	UploadFile(ctx context.Context, branch, path string, content []byte, message string) (string, error)
}

// Transcriber converts audio bytes to text.
type Transcriber interface {
	Configured() bool
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// EventLog is the audit trail. May be nil.
type EventLog interface {
	Append(kind string, chatID int64, actor, detail string) error
	Recent(limit int) ([]eventlog.Event, error)
	ByKind(kind string, limit int) ([]eventlog.Event, error)
}

// justCreatedWindow is how long after creating a developer branch the sync
// commit's deploy notifications are suppressed.
const justCreatedWindow = 5 * time.Minute

// Bot wires the adapters together.
type Bot struct {
	cfg       *config.Config
	m         connector.Messenger
	tracker   Tracker
	stt       Transcriber
	drafts    *draft.Store
	queue     *queue.Coordinator
	approvals *approval.Store
	events    EventLog
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.Mutex
	notifyChats map[queue.Target]int64
	justCreated map[string]time.Time // branch → creation time
}

// New creates a bot. events may be nil.
func New(cfg *config.Config, m connector.Messenger, tr Tracker, stt Transcriber,
	drafts *draft.Store, q *queue.Coordinator, approvals *approval.Store,
	events EventLog, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		cfg:         cfg,
		m:           m,
		tracker:     tr,
		stt:         stt,
		drafts:      drafts,
		queue:       q,
		approvals:   approvals,
		events:      events,
		logger:      logger,
		now:         time.Now,
		notifyChats: make(map[queue.Target]int64),
		justCreated: make(map[string]time.Time),
	}
}

// HandleEvent routes one inbound chat event. Errors are for the connector's
// log only; the transport is always acked.
func (b *Bot) HandleEvent(ctx context.Context, ev connector.Event) error {
	switch {
	case ev.Callback != nil:
		return b.handleCallback(ctx, ev)
	case strings.HasPrefix(ev.Text, "/"):
		return b.handleCommand(ctx, ev)
	case ev.Voice != nil:
		return b.handleVoice(ctx, ev)
	case ev.Photo != nil:
		return b.handlePhoto(ctx, ev)
	case ev.Text != "":
		return b.handleText(ctx, ev)
	}
	return nil
}

// Targets returns every configured queue target and its developer label, for
// the reconcile job and the /queue listing.
func (b *Bot) Targets() map[queue.Target]string {
	targets := make(map[queue.Target]string, len(b.cfg.Developers))
	for _, dev := range b.cfg.Developers {
		targets[queue.Target{Repo: b.cfg.GitHub.Repo, Branch: dev.Branch}] = dev.Label
	}
	return targets
}

// NotifyTarget posts text to the chat that submitted the target's current
// work, if known. Queue notices land here.
func (b *Bot) NotifyTarget(ctx context.Context, t queue.Target, text string) {
	b.mu.Lock()
	chatID, ok := b.notifyChats[t]
	b.mu.Unlock()
	if !ok {
		b.logger.Warn("no notification chat for target", "target", t.String())
		return
	}
	if _, err := b.m.Send(ctx, chatID, text); err != nil {
		b.logger.Error("notify failed", "target", t.String(), "error", err)
	}
}

func (b *Bot) setNotifyChat(t queue.Target, chatID int64) {
	b.mu.Lock()
	b.notifyChats[t] = chatID
	b.mu.Unlock()
}

func (b *Bot) notifyChatFor(t queue.Target) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	chatID, ok := b.notifyChats[t]
	return chatID, ok
}

func (b *Bot) markBranchCreated(branch string) {
	b.mu.Lock()
	b.justCreated[branch] = b.now()
	b.mu.Unlock()
}

func (b *Bot) branchJustCreated(branch string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	at, ok := b.justCreated[branch]
	if !ok {
		return false
	}
	if b.now().Sub(at) > justCreatedWindow {
		delete(b.justCreated, branch)
		return false
	}
	return true
}

// record appends to the audit log, swallowing errors (the log is advisory).
func (b *Bot) record(kind string, chatID int64, actor, detail string) {
	if b.events == nil {
		return
	}
	if err := b.events.Append(kind, chatID, actor, detail); err != nil {
		b.logger.Warn("event log append failed", "kind", kind, "error", err)
	}
}

// handleText consumes plain text: revision feedback first, then the draft
// stages that wait for text, then a usage hint for direct messages.
func (b *Bot) handleText(ctx context.Context, ev connector.Event) error {
	if key, ok := b.approvals.ConsumeFeedback(ev.ChatID, ev.Text); ok {
		b.record(eventlog.KindApproval, ev.ChatID, ev.Username, fmt.Sprintf("revision feedback for #%d", key.Issue))
		_, err := b.m.Send(ctx, ev.ChatID, "📨 Feedback recorded. The worker will pick it up on its next status check.")
		return err
	}

	key := draft.Key{ChatID: ev.ChatID, UserID: ev.UserID}
	if d, ok := b.drafts.Get(key); ok {
		switch d.Stage {
		case draft.StageAwaitingEditText:
			b.drafts.Update(key, func(d *draft.Draft) {
				d.Text = ev.Text
				d.Stage = draft.StageConfirming
			})
			return b.rerenderSummary(ctx, key)
		case draft.StageAwaitingBranchName:
			branch := strings.TrimSpace(ev.Text)
			if branch == "" {
				return nil
			}
			b.drafts.Update(key, func(d *draft.Draft) {
				d.Branch = branch
				d.Stage = draft.StageConfirming
			})
			return b.rerenderSummary(ctx, key)
		}
	}

	if ev.Group {
		// Gated groups ignore free text entirely.
		return nil
	}
	_, err := b.m.Send(ctx, ev.ChatID, "Send a voice message or use /ticket <text> to open a ticket.")
	return err
}

// handleVoice transcribes a qualifying voice message into a draft.
func (b *Bot) handleVoice(ctx context.Context, ev connector.Event) error {
	key := draft.Key{ChatID: ev.ChatID, UserID: ev.UserID}

	if ev.Group && b.cfg.Telegram.CommandRequired() && !b.drafts.Consume(key) {
		// Not armed: group voice traffic is none of our business.
		return nil
	}

	if !b.stt.Configured() {
		_, err := b.m.Send(ctx, ev.ChatID, "⚠️ Voice transcription is not configured.")
		return err
	}

	if _, err := b.m.Send(ctx, ev.ChatID, "🎙 Recognizing…"); err != nil {
		return err
	}

	audio, err := b.m.Download(ctx, *ev.Voice)
	if err != nil {
		b.m.Send(ctx, ev.ChatID, fmt.Sprintf("⚠️ Could not fetch the audio: %v", err))
		return fmt.Errorf("bot: download voice: %w", err)
	}

	text, err := b.stt.Transcribe(ctx, audio, filenameFor(ev.Voice.MIME))
	if err != nil {
		b.m.Send(ctx, ev.ChatID, fmt.Sprintf("⚠️ Transcription failed: %v", err))
		return fmt.Errorf("bot: transcribe: %w", err)
	}
	if text == "" {
		_, err := b.m.Send(ctx, ev.ChatID, "🤷 Could not recognize any speech in that message.")
		return err
	}

	return b.startDraft(ctx, ev, text)
}

// handlePhoto attaches an image to a draft waiting for one.
func (b *Bot) handlePhoto(ctx context.Context, ev connector.Event) error {
	key := draft.Key{ChatID: ev.ChatID, UserID: ev.UserID}
	d, ok := b.drafts.Get(key)
	if !ok || d.Stage != draft.StageAwaitingScreenshot {
		return nil
	}
	shot := *ev.Photo
	b.drafts.Update(key, func(d *draft.Draft) {
		d.Screenshot = &shot
		d.Stage = draft.StageConfirming
	})
	return b.rerenderSummary(ctx, key)
}

// startDraft resolves the target once, installs the draft in confirming and
// renders the summary. Any existing draft for the key is replaced.
func (b *Bot) startDraft(ctx context.Context, ev connector.Event, text string) error {
	repo := b.cfg.GitHub.Repo
	branch := b.cfg.GitHub.DefaultBranch
	devLabel := ""
	if dev, ok := b.cfg.DeveloperFor(ev.UserID); ok {
		branch = dev.Branch
		devLabel = dev.Label
	}

	key := draft.Key{ChatID: ev.ChatID, UserID: ev.UserID}
	d := &draft.Draft{
		Key:      key,
		Stage:    draft.StageConfirming,
		Text:     text,
		Repo:     repo,
		Branch:   branch,
		DevLabel: devLabel,
	}
	b.drafts.Put(d)

	text, kb := renderSummary(*d)
	msgID, err := b.m.SendKeyboard(ctx, ev.ChatID, text, kb)
	if err != nil {
		b.drafts.Delete(key)
		return fmt.Errorf("bot: render summary: %w", err)
	}
	b.drafts.Update(key, func(d *draft.Draft) { d.SummaryMessageID = msgID })
	return nil
}

// rerenderSummary edits the existing confirmation message in place.
func (b *Bot) rerenderSummary(ctx context.Context, key draft.Key) error {
	d, ok := b.drafts.Get(key)
	if !ok {
		return nil
	}
	text, kb := renderSummary(d)
	if d.SummaryMessageID == 0 {
		msgID, err := b.m.SendKeyboard(ctx, key.ChatID, text, kb)
		if err != nil {
			return fmt.Errorf("bot: render summary: %w", err)
		}
		b.drafts.Update(key, func(d *draft.Draft) { d.SummaryMessageID = msgID })
		return nil
	}
	if err := b.m.Edit(ctx, key.ChatID, d.SummaryMessageID, text, kb); err != nil {
		return fmt.Errorf("bot: edit summary: %w", err)
	}
	return nil
}

// filenameFor gives the transcription service an extension hint.
func filenameFor(mime string) string {
	switch {
	case strings.Contains(mime, "ogg"):
		return "voice.ogg"
	case strings.Contains(mime, "mpeg") || strings.Contains(mime, "mp3"):
		return "voice.mp3"
	case strings.Contains(mime, "mp4") || strings.Contains(mime, "m4a"):
		return "voice.m4a"
	case strings.Contains(mime, "wav"):
		return "voice.wav"
	}
	return "voice.ogg"
}
