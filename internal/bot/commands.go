package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ticketvox-io/ticketvox/internal/connector"
	"github.com/ticketvox-io/ticketvox/internal/connector/telegram"
	"github.com/ticketvox-io/ticketvox/internal/draft"
	"github.com/ticketvox-io/ticketvox/internal/eventlog"
	"github.com/ticketvox-io/ticketvox/internal/queue"
)

const helpText = `🎫 <b>ticketvox</b>

Send a voice message (or /ticket &lt;text&gt;) to open a ticket.

/ticket [text] — start a ticket; bare /ticket arms the next voice message
/status — active tickets and their progress
/queue — pending tickets per branch
/unstick — clear a stuck active ticket and start the next
/resetbranch [name] — reset a branch to the default head (with confirmation)
/apps — configured app links
/debug [kind] — recent activity log, optionally one event kind
/help — this message`

// handleCommand parses "/name[@bot] args" and dispatches.
func (b *Bot) handleCommand(ctx context.Context, ev connector.Event) error {
	name, args := splitCommand(ev.Text)
	switch name {
	case "start", "help":
		_, err := b.m.Send(ctx, ev.ChatID, helpText)
		return err
	case "ticket":
		return b.cmdTicket(ctx, ev, args)
	case "status":
		return b.cmdStatus(ctx, ev)
	case "queue":
		return b.cmdQueue(ctx, ev)
	case "unstick":
		return b.cmdUnstick(ctx, ev, args)
	case "resetbranch":
		return b.cmdResetBranch(ctx, ev, args)
	case "apps":
		return b.cmdApps(ctx, ev)
	case "debug":
		return b.cmdDebug(ctx, ev, args)
	}
	if !ev.Group {
		_, err := b.m.Send(ctx, ev.ChatID, "Unknown command. Try /help.")
		return err
	}
	return nil
}

func splitCommand(text string) (name, args string) {
	text = strings.TrimPrefix(text, "/")
	name, args, _ = strings.Cut(text, " ")
	// Group commands arrive as /name@botname.
	name, _, _ = strings.Cut(name, "@")
	return strings.ToLower(name), strings.TrimSpace(args)
}

// cmdTicket with inline text goes straight to confirming; bare, it arms the
// voice window.
func (b *Bot) cmdTicket(ctx context.Context, ev connector.Event, args string) error {
	if args != "" {
		return b.startDraft(ctx, ev, args)
	}
	key := draft.Key{ChatID: ev.ChatID, UserID: ev.UserID}
	window := time.Duration(b.cfg.Telegram.ArmingWindowSec) * time.Second
	b.drafts.Arm(key, window)
	_, err := b.m.Send(ctx, ev.ChatID,
		fmt.Sprintf("🎙 Listening — send a voice message within %s.", formatWindow(window)))
	return err
}

// formatWindow renders a duration the way a chat user reads it: "90s"
// stays seconds, whole minutes drop the "0s" tail.
func formatWindow(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%d seconds", int(d.Seconds()))
	}
	if d%time.Minute == 0 {
		if m := int(d.Minutes()); m != 1 {
			return fmt.Sprintf("%d minutes", m)
		}
		return "1 minute"
	}
	return d.String()
}

func (b *Bot) cmdStatus(ctx context.Context, ev connector.Event) error {
	snap := b.queue.Snapshot()
	if len(snap) == 0 {
		_, err := b.m.Send(ctx, ev.ChatID, "😴 No active tickets.")
		return err
	}

	targets := make([]queue.Target, 0, len(snap))
	for t := range snap {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].String() < targets[j].String() })

	var sb strings.Builder
	sb.WriteString("🚧 <b>Active tickets</b>\n")
	for _, t := range targets {
		a := snap[t]
		fmt.Fprintf(&sb, "\n<code>%s</code>: #%d %s",
			telegram.EscapeHTML(t.Branch), a.Issue, telegram.EscapeHTML(a.Title))
		if a.Phase != "" {
			fmt.Fprintf(&sb, "\n  phase: %s", telegram.EscapeHTML(a.Phase))
			if len(a.CompletedPhases) > 0 {
				fmt.Fprintf(&sb, " (done: %s)", telegram.EscapeHTML(strings.Join(a.CompletedPhases, ", ")))
			}
		}
		if a.LastMessage != "" {
			fmt.Fprintf(&sb, "\n  last: %s", telegram.EscapeHTML(a.LastMessage))
		}
		fmt.Fprintf(&sb, "\n  elapsed: %s", b.now().Sub(a.StartedAt).Round(time.Second))
	}
	_, err := b.m.Send(ctx, ev.ChatID, sb.String())
	return err
}

func (b *Bot) cmdQueue(ctx context.Context, ev connector.Event) error {
	targets := b.Targets()
	if len(targets) == 0 {
		_, err := b.m.Send(ctx, ev.ChatID, "No developer branches configured.")
		return err
	}

	ordered := make([]queue.Target, 0, len(targets))
	for t := range targets {
		ordered = append(ordered, t)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].String() < ordered[j].String() })

	var sb strings.Builder
	sb.WriteString("📋 <b>Queues</b>\n")
	empty := true
	for _, t := range ordered {
		pending, err := b.queue.Pending(ctx, t, targets[t])
		if err != nil {
			fmt.Fprintf(&sb, "\n<code>%s</code>: query failed: %v", telegram.EscapeHTML(t.Branch), err)
			empty = false
			continue
		}
		if len(pending) == 0 {
			continue
		}
		empty = false
		fmt.Fprintf(&sb, "\n<code>%s</code>:", telegram.EscapeHTML(t.Branch))
		for i, p := range pending {
			fmt.Fprintf(&sb, "\n  %d. #%d %s", i+1, p.Number, telegram.EscapeHTML(p.Title))
		}
	}
	if empty {
		_, err := b.m.Send(ctx, ev.ChatID, "📋 All queues are empty.")
		return err
	}
	_, err := b.m.Send(ctx, ev.ChatID, sb.String())
	return err
}

// cmdUnstick force-clears the caller's active ticket (or the named branch's)
// and immediately tries the next one. The manual escape hatch for a worker
// that never called back.
func (b *Bot) cmdUnstick(ctx context.Context, ev connector.Event, args string) error {
	target, devLabel, ok := b.resolveTarget(ev.UserID, args)
	if !ok {
		_, err := b.m.Send(ctx, ev.ChatID, "No branch mapping for you — use /unstick <branch>.")
		return err
	}

	if err := b.queue.ClearActive(ctx, target, devLabel); err != nil {
		_, serr := b.m.Send(ctx, ev.ChatID, fmt.Sprintf("⚠️ Unstick failed: %v", err))
		if serr != nil {
			return serr
		}
		return fmt.Errorf("bot: unstick: %w", err)
	}
	b.setNotifyChat(target, ev.ChatID)
	b.record(eventlog.KindUnstuck, ev.ChatID, ev.Username, target.String())

	next, err := b.queue.ProcessNext(ctx, target, devLabel)
	if err != nil {
		_, serr := b.m.Send(ctx, ev.ChatID, fmt.Sprintf("Cleared, but advancing failed: %v", err))
		if serr != nil {
			return serr
		}
		return fmt.Errorf("bot: unstick: %w", err)
	}
	msg := fmt.Sprintf("🔧 Cleared <code>%s</code>.", telegram.EscapeHTML(target.Branch))
	if next == nil {
		msg += " Queue is empty."
	}
	_, err = b.m.Send(ctx, ev.ChatID, msg)
	return err
}

// cmdResetBranch asks for confirmation before force-moving a branch head.
func (b *Bot) cmdResetBranch(ctx context.Context, ev connector.Event, args string) error {
	branch := args
	if branch == "" {
		if dev, ok := b.cfg.DeveloperFor(ev.UserID); ok {
			branch = dev.Branch
		}
	}
	if branch == "" {
		_, err := b.m.Send(ctx, ev.ChatID, "No branch mapping for you — use /resetbranch <branch>.")
		return err
	}
	if branch == b.cfg.GitHub.DefaultBranch {
		_, err := b.m.Send(ctx, ev.ChatID, "Refusing to reset the default branch.")
		return err
	}

	kb := connector.Keyboard{{
		{Text: "💥 Yes, reset", Data: encodeCallback(actResetYes, ev.UserID, branch)},
		{Text: "Cancel", Data: encodeCallback(actResetNo, ev.UserID, "")},
	}}
	_, err := b.m.SendKeyboard(ctx, ev.ChatID,
		fmt.Sprintf("⚠️ Reset <code>%s</code> to <code>%s</code>? A backup tag is created first. Unmerged work on the branch is lost.",
			telegram.EscapeHTML(branch), telegram.EscapeHTML(b.cfg.GitHub.DefaultBranch)), kb)
	return err
}

// doResetBranch tags the current head as a backup, then force-updates the
// branch to the default head.
func (b *Bot) doResetBranch(ctx context.Context, ev connector.Event, branch string) error {
	if branch == "" {
		return nil
	}

	if sha, err := b.tracker.BranchSHA(ctx, branch); err == nil {
		tag := fmt.Sprintf("backup/%s-%d", strings.ReplaceAll(branch, "/", "-"), b.now().Unix())
		if err := b.tracker.CreateTag(ctx, tag, sha); err != nil {
			b.logger.Warn("backup tag failed", "branch", branch, "error", err)
		}
	}

	sha, err := b.tracker.BranchSHA(ctx, b.cfg.GitHub.DefaultBranch)
	if err == nil {
		err = b.tracker.ForceUpdateBranch(ctx, branch, sha)
	}
	if err != nil {
		b.m.Edit(ctx, ev.ChatID, ev.Callback.MessageID,
			fmt.Sprintf("⚠️ Reset of %s failed: %v", telegram.EscapeHTML(branch), err), nil)
		return fmt.Errorf("bot: reset branch: %w", err)
	}

	b.markBranchCreated(branch) // the reset commit is synthetic too
	b.record(eventlog.KindBranchMove, ev.ChatID, ev.Username, branch)
	return b.m.Edit(ctx, ev.ChatID, ev.Callback.MessageID,
		fmt.Sprintf("💥 <code>%s</code> reset to <code>%s</code>.",
			telegram.EscapeHTML(branch), telegram.EscapeHTML(b.cfg.GitHub.DefaultBranch)), nil)
}

func (b *Bot) cmdApps(ctx context.Context, ev connector.Event) error {
	if len(b.cfg.Apps) == 0 {
		_, err := b.m.Send(ctx, ev.ChatID, "No apps configured.")
		return err
	}
	names := make([]string, 0, len(b.cfg.Apps))
	for name := range b.cfg.Apps {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("🔗 <b>Apps</b>\n")
	for _, name := range names {
		fmt.Fprintf(&sb, "\n%s: %s", telegram.EscapeHTML(name), b.cfg.Apps[name])
	}
	_, err := b.m.Send(ctx, ev.ChatID, sb.String())
	return err
}

// cmdDebug dumps recent audit entries; an argument filters by kind
// ("/debug ticket_submitted").
func (b *Bot) cmdDebug(ctx context.Context, ev connector.Event, kind string) error {
	if b.events == nil {
		_, err := b.m.Send(ctx, ev.ChatID, "Event log is disabled.")
		return err
	}
	var events []eventlog.Event
	var err error
	if kind != "" {
		events, err = b.events.ByKind(kind, 15)
	} else {
		events, err = b.events.Recent(15)
	}
	if err != nil {
		_, serr := b.m.Send(ctx, ev.ChatID, fmt.Sprintf("⚠️ Event log query failed: %v", err))
		if serr != nil {
			return serr
		}
		return fmt.Errorf("bot: debug: %w", err)
	}
	if len(events) == 0 {
		_, err := b.m.Send(ctx, ev.ChatID, "No recorded events yet.")
		return err
	}

	var sb strings.Builder
	sb.WriteString("🔍 <b>Recent events</b>\n")
	for _, e := range events {
		fmt.Fprintf(&sb, "\n%s %s", e.CreatedAt.Format("01-02 15:04"), telegram.EscapeHTML(e.Kind))
		if e.Detail != "" {
			fmt.Fprintf(&sb, " — %s", telegram.EscapeHTML(e.Detail))
		}
	}
	_, err = b.m.Send(ctx, ev.ChatID, sb.String())
	return err
}

// resolveTarget maps the caller (or an explicit branch argument) to a queue
// target and developer label.
func (b *Bot) resolveTarget(userID int64, branchArg string) (queue.Target, string, bool) {
	if branchArg != "" {
		for _, dev := range b.cfg.Developers {
			if dev.Branch == branchArg {
				return queue.Target{Repo: b.cfg.GitHub.Repo, Branch: branchArg}, dev.Label, true
			}
		}
		return queue.Target{Repo: b.cfg.GitHub.Repo, Branch: branchArg}, "", true
	}
	if dev, ok := b.cfg.DeveloperFor(userID); ok {
		return queue.Target{Repo: b.cfg.GitHub.Repo, Branch: dev.Branch}, dev.Label, true
	}
	return queue.Target{}, "", false
}
