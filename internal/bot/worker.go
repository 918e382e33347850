package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ticketvox-io/ticketvox/internal/approval"
	"github.com/ticketvox-io/ticketvox/internal/connector"
	"github.com/ticketvox-io/ticketvox/internal/connector/telegram"
	"github.com/ticketvox-io/ticketvox/internal/eventlog"
	"github.com/ticketvox-io/ticketvox/internal/queue"
	"github.com/ticketvox-io/ticketvox/pkg/protocol"
)

// workerTarget resolves the (repo, branch) a worker event refers to. The
// repo defaults to the configured one so single-repo workers can omit it.
func (b *Bot) workerTarget(ev protocol.WorkerEvent) queue.Target {
	repo := ev.Repo
	if repo == "" {
		repo = b.cfg.GitHub.Repo
	}
	branch := ev.Branch
	if branch == "" {
		branch = b.cfg.GitHub.DefaultBranch
	}
	return queue.Target{Repo: repo, Branch: branch}
}

func (b *Bot) devLabelFor(t queue.Target) string {
	for _, dev := range b.cfg.Developers {
		if dev.Branch == t.Branch {
			return dev.Label
		}
	}
	return ""
}

// HandleWorkerEvent applies one worker lifecycle callback. Terminal events
// (failed, merged) clear the active marker and immediately try the next
// pending ticket — the only way the queue moves forward.
func (b *Bot) HandleWorkerEvent(ctx context.Context, kind protocol.WorkerEventKind, ev protocol.WorkerEvent) error {
	t := b.workerTarget(ev)

	switch kind {
	case protocol.WorkerStarted:
		b.queue.Started(t, ev.Issue, ev.Message)
		b.NotifyTarget(ctx, t, fmt.Sprintf("🚀 Worker started on #%d.", ev.Issue))

	case protocol.WorkerPhase:
		b.queue.SetPhase(t, ev.Phase)
		b.NotifyTarget(ctx, t, fmt.Sprintf("⏩ #%d: %s", ev.Issue, telegram.EscapeHTML(ev.Phase)))

	case protocol.WorkerMessage:
		b.queue.SetMessage(t, ev.Message)
		b.NotifyTarget(ctx, t, fmt.Sprintf("💬 #%d: %s", ev.Issue, telegram.EscapeHTML(ev.Message)))

	case protocol.WorkerFailed:
		msg := fmt.Sprintf("❌ Work on #%d failed.", ev.Issue)
		if ev.Message != "" {
			msg += " " + telegram.EscapeHTML(ev.Message)
		}
		b.NotifyTarget(ctx, t, msg)
		b.record(eventlog.KindFailed, 0, "worker", fmt.Sprintf("issue #%d on %s", ev.Issue, t))
		return b.finishAndAdvance(ctx, t)

	case protocol.WorkerMerged:
		msg := fmt.Sprintf("🎉 #%d merged.", ev.Issue)
		if a, ok := b.queue.ActiveFor(t); ok && a.DeployURL != "" {
			msg += "\n🔗 Preview: " + a.DeployURL
		}
		b.NotifyTarget(ctx, t, msg)
		b.record(eventlog.KindCompleted, 0, "worker", fmt.Sprintf("issue #%d on %s", ev.Issue, t))
		return b.finishAndAdvance(ctx, t)

	default:
		return fmt.Errorf("bot: unknown worker event kind %q", kind)
	}
	return nil
}

func (b *Bot) finishAndAdvance(ctx context.Context, t queue.Target) error {
	devLabel := b.devLabelFor(t)
	if err := b.queue.ClearActive(ctx, t, devLabel); err != nil {
		return fmt.Errorf("bot: worker terminal: %w", err)
	}
	if _, err := b.queue.ProcessNext(ctx, t, devLabel); err != nil {
		return fmt.Errorf("bot: worker terminal: %w", err)
	}
	return nil
}

// RequestApproval posts approve/reject/revise buttons to the chat that
// submitted the target's work. Fails when no chat is known (restart dropped
// the mapping); the worker is expected to surface that to an operator.
func (b *Bot) RequestApproval(ctx context.Context, req protocol.ApprovalRequest) error {
	t := queue.Target{Repo: req.Repo, Branch: req.Branch}
	if t.Repo == "" {
		t.Repo = b.cfg.GitHub.Repo
	}
	chatID, ok := b.notifyChatFor(t)
	if !ok {
		return fmt.Errorf("bot: approval request for %s: no chat known", t)
	}

	r := b.approvals.Create(approval.Key{Repo: t.Repo, Branch: t.Branch, Issue: req.Issue}, req.Summary, chatID)
	token := strconv.Itoa(r.Token)
	kb := connector.Keyboard{{
		{Text: "✅ Approve", Data: encodeCallback(actApprove, 0, token)},
		{Text: "🛑 Reject", Data: encodeCallback(actReject, 0, token)},
		{Text: "📝 Request changes", Data: encodeCallback(actRevise, 0, token)},
	}}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📋 <b>Plan approval needed for #%d</b>\n\n", req.Issue)
	sb.WriteString(telegram.EscapeHTML(req.Summary))
	if _, err := b.m.SendKeyboard(ctx, chatID, sb.String(), kb); err != nil {
		return fmt.Errorf("bot: approval request: %w", err)
	}
	return nil
}

// ApprovalStatus is the poll endpoint's view of a request.
func (b *Bot) ApprovalStatus(repo, branch string, issue int) (protocol.ApprovalResult, bool) {
	if repo == "" {
		repo = b.cfg.GitHub.Repo
	}
	r, ok := b.approvals.Get(approval.Key{Repo: repo, Branch: branch, Issue: issue})
	if !ok {
		return protocol.ApprovalResult{}, false
	}
	return protocol.ApprovalResult{Status: r.Status, Feedback: r.Feedback}, true
}

// syntheticCommit matches commits this system generates itself, whose deploy
// notifications would only be noise.
func syntheticCommit(message string) bool {
	switch {
	case strings.HasPrefix(message, "Add screenshot for #"):
		return true
	case strings.HasPrefix(message, "Merge branch"):
		return true
	case strings.HasPrefix(message, "[meta]"):
		return true
	}
	return false
}

// HandleDeploy relays a deploy notification, suppressing synthetic commits
// and deferring the URL while a ticket is executing on the branch.
func (b *Bot) HandleDeploy(ctx context.Context, ev protocol.DeployEvent) error {
	t := queue.Target{Repo: b.cfg.GitHub.Repo, Branch: ev.Branch}

	if syntheticCommit(ev.CommitMessage) || b.branchJustCreated(ev.Branch) {
		b.logger.Debug("deploy notice suppressed", "branch", ev.Branch, "commit", ev.CommitMessage)
		return nil
	}

	if _, busy := b.queue.ActiveFor(t); busy {
		if ev.State == protocol.DeployReady && ev.URL != "" {
			// Hold the URL for the completion message instead of notifying now.
			b.queue.SetDeployURL(t, ev.URL)
		}
		return nil
	}

	b.record(eventlog.KindDeploy, 0, ev.SiteID, fmt.Sprintf("%s %s", ev.State, ev.Branch))
	switch ev.State {
	case protocol.DeployBuilding:
		b.NotifyTarget(ctx, t, fmt.Sprintf("🏗 Deploy building on <code>%s</code>…", telegram.EscapeHTML(ev.Branch)))
	case protocol.DeployReady:
		msg := fmt.Sprintf("✅ Deploy ready on <code>%s</code>.", telegram.EscapeHTML(ev.Branch))
		if ev.URL != "" {
			msg += "\n🔗 " + ev.URL
		}
		b.NotifyTarget(ctx, t, msg)
	case protocol.DeployError:
		msg := fmt.Sprintf("❌ Deploy failed on <code>%s</code>.", telegram.EscapeHTML(ev.Branch))
		if ev.CommitMessage != "" {
			msg += "\n" + telegram.EscapeHTML(ev.CommitMessage)
		}
		b.NotifyTarget(ctx, t, msg)
	default:
		return fmt.Errorf("bot: unknown deploy state %q", ev.State)
	}
	return nil
}
