package bot

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/ticketvox-io/ticketvox/internal/connector"
	"github.com/ticketvox-io/ticketvox/internal/connector/telegram"
	"github.com/ticketvox-io/ticketvox/internal/draft"
	"github.com/ticketvox-io/ticketvox/internal/eventlog"
	"github.com/ticketvox-io/ticketvox/internal/queue"
)

const titleMaxLen = 80

// submit turns the draft into exactly one tracker issue, or zero. Take runs
// before any tracker call: a second rapid click finds no draft and stops.
// Failure after Take is final; the user starts over.
func (b *Bot) submit(ctx context.Context, ev connector.Event, key draft.Key) error {
	d, ok := b.drafts.Take(key)
	if !ok {
		_, err := b.m.Send(ctx, ev.ChatID, "Nothing to submit.")
		return err
	}

	if err := b.ensureBranch(ctx, d); err != nil {
		b.reportFailure(ctx, ev.ChatID, err)
		return fmt.Errorf("bot: submit: %w", err)
	}

	target := queue.Target{Repo: d.Repo, Branch: d.Branch}
	busy, err := b.queue.IsBusy(ctx, target, d.DevLabel)
	if err != nil {
		b.reportFailure(ctx, ev.ChatID, err)
		return fmt.Errorf("bot: submit: %w", err)
	}

	title := titleFrom(d.Text)
	body := composeBody(d, ev.Username)

	labels := append([]string{}, b.cfg.GitHub.Labels...)
	labels = append(labels, d.Options.Labels()...)
	if d.DevLabel != "" {
		labels = append(labels, d.DevLabel)
	}
	queued := busy
	if queued {
		labels = append(labels, b.cfg.Queue.PendingLabel)
	}

	issue, err := b.tracker.CreateIssue(ctx, title, body, labels)
	if err != nil {
		b.reportFailure(ctx, ev.ChatID, err)
		return fmt.Errorf("bot: submit: %w", err)
	}

	b.setNotifyChat(target, ev.ChatID)
	b.record(eventlog.KindSubmitted, ev.ChatID, ev.Username, fmt.Sprintf("issue #%d %s", issue.Number, title))

	var note string
	switch {
	case queued:
		note = b.queuedNote(ctx, target, d.DevLabel, issue.Number)
		b.record(eventlog.KindQueued, ev.ChatID, ev.Username, fmt.Sprintf("issue #%d", issue.Number))
	default:
		if err := b.queue.Activate(ctx, target, issue.Number, title); err != nil {
			// The issue exists; only activation failed. Report and let the
			// reconcile pass or an operator sort out the labels.
			b.logger.Error("activation after create failed", "issue", issue.Number, "error", err)
			note = "⚠️ created, but activation failed — an operator may need /unstick"
		}
		b.record(eventlog.KindActivated, ev.ChatID, ev.Username, fmt.Sprintf("issue #%d", issue.Number))
	}

	shotNote := b.attachScreenshot(ctx, &d, issue.Number, body)

	msg := fmt.Sprintf("✅ Ticket created: <a href=\"%s\">#%d</a> on <code>%s</code>",
		issue.HTMLURL, issue.Number, telegram.EscapeHTML(d.Branch))
	if note != "" {
		msg += "\n" + note
	}
	if shotNote != "" {
		msg += "\n" + shotNote
	}
	_, err = b.m.Send(ctx, ev.ChatID, msg)
	return err
}

// ensureBranch creates the developer branch from the default head when it
// does not exist yet, and remembers the moment to mute the sync commit's
// deploy notice.
func (b *Bot) ensureBranch(ctx context.Context, d draft.Draft) error {
	if d.DevLabel == "" || d.Branch == b.cfg.GitHub.DefaultBranch {
		return nil
	}
	exists, err := b.tracker.BranchExists(ctx, d.Branch)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	sha, err := b.tracker.BranchSHA(ctx, b.cfg.GitHub.DefaultBranch)
	if err != nil {
		return err
	}
	if err := b.tracker.CreateBranch(ctx, d.Branch, sha); err != nil {
		return err
	}
	b.markBranchCreated(d.Branch)
	b.logger.Info("created developer branch", "branch", d.Branch)
	return nil
}

// queuedNote describes the queue position and what is currently running.
func (b *Bot) queuedNote(ctx context.Context, target queue.Target, devLabel string, issueNumber int) string {
	note := "⏳ Queued behind the current ticket."
	if a, ok := b.queue.ActiveFor(target); ok {
		note = fmt.Sprintf("⏳ Queued — #%d %s is currently executing.", a.Issue, telegram.EscapeHTML(a.Title))
	}
	if pending, err := b.queue.Pending(ctx, target, devLabel); err == nil {
		for i, p := range pending {
			if p.Number == issueNumber {
				note += fmt.Sprintf(" Position: %d of %d.", i+1, len(pending))
				break
			}
		}
	}
	return note
}

// attachScreenshot uploads the draft's screenshot and links it in the issue
// body. Failures leave the issue intact (partial success) and only return a
// note for the requester.
func (b *Bot) attachScreenshot(ctx context.Context, d *draft.Draft, issueNumber int, body string) string {
	if d.Screenshot == nil {
		return ""
	}
	data, err := b.m.Download(ctx, *d.Screenshot)
	if err != nil {
		b.logger.Warn("screenshot download failed", "issue", issueNumber, "error", err)
		return "⚠️ Screenshot could not be attached."
	}
	path := fmt.Sprintf("screenshots/issue-%d/screenshot-%d.jpg", issueNumber, b.now().Unix())
	url, err := b.tracker.UploadFile(ctx, d.Branch, path, data,
		fmt.Sprintf("Add screenshot for #%d", issueNumber))
	if err != nil {
		b.logger.Warn("screenshot upload failed", "issue", issueNumber, "error", err)
		return "⚠️ Screenshot could not be attached."
	}
	if err := b.tracker.UpdateBody(ctx, issueNumber, body+"\n\n📎 Screenshot: "+url); err != nil {
		b.logger.Warn("screenshot link update failed", "issue", issueNumber, "error", err)
		return "⚠️ Screenshot uploaded but could not be linked."
	}
	return ""
}

// reportFailure names the failure type without leaking the whole chain.
func (b *Bot) reportFailure(ctx context.Context, chatID int64, err error) {
	b.m.Send(ctx, chatID, fmt.Sprintf("⚠️ Submit failed: %v\nStart a new ticket to retry.", err))
}

// titleFrom takes the first sentence-like fragment of the text, hard-capped.
func titleFrom(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return "Voice ticket"
	}
	if i := strings.IndexAny(text, ".!?\n"); i > 0 {
		text = text[:i]
	}
	text = strings.TrimSpace(text)
	// The cap counts runes, not bytes: slicing bytes would split multi-byte
	// characters (Cyrillic titles are common here).
	if runes := []rune(text); len(runes) > titleMaxLen {
		cut := runes[:titleMaxLen]
		brk := -1
		for i, r := range cut {
			if unicode.IsSpace(r) {
				brk = i
			}
		}
		if brk > titleMaxLen/2 {
			cut = cut[:brk]
		}
		text = strings.TrimRightFunc(string(cut), unicode.IsSpace) + "…"
	}
	if text == "" {
		return "Voice ticket"
	}
	return text
}

// composeBody appends the structured footer to the ticket text.
func composeBody(d draft.Draft, username string) string {
	var sb strings.Builder
	sb.WriteString(d.Text)
	sb.WriteString("\n\n---\n")
	sb.WriteString("Source: telegram\n")
	if username != "" {
		fmt.Fprintf(&sb, "From: %s (%d)\n", username, d.Key.UserID)
	} else {
		fmt.Fprintf(&sb, "From: %d\n", d.Key.UserID)
	}
	fmt.Fprintf(&sb, "Chat ID: %d\n", d.Key.ChatID)
	if d.DevLabel != "" {
		fmt.Fprintf(&sb, "Developer: %s\n", d.DevLabel)
		fmt.Fprintf(&sb, "Branch: %s\n", d.Branch)
	}
	return sb.String()
}
