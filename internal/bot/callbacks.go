package bot

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ticketvox-io/ticketvox/internal/connector"
	"github.com/ticketvox-io/ticketvox/internal/draft"
	"github.com/ticketvox-io/ticketvox/internal/eventlog"
	"github.com/ticketvox-io/ticketvox/pkg/protocol"
)

// handleCallback dispatches a button click. The encoded author is the only
// access control: a click from anyone else is a toast and nothing more.
func (b *Bot) handleCallback(ctx context.Context, ev connector.Event) error {
	cb := ev.Callback
	action, author, extra, err := parseCallback(cb.Data)
	if err != nil {
		b.m.AnswerCallback(ctx, cb.ID, "")
		return err
	}

	if author != 0 && author != ev.UserID {
		return b.m.AnswerCallback(ctx, cb.ID, "This isn't your ticket.")
	}

	key := draft.Key{ChatID: ev.ChatID, UserID: ev.UserID}
	switch action {
	case actSubmit:
		if err := b.m.AnswerCallback(ctx, cb.ID, ""); err != nil {
			return err
		}
		return b.submit(ctx, ev, key)

	case actCancel:
		b.drafts.Delete(key)
		b.m.AnswerCallback(ctx, cb.ID, "Cancelled")
		return b.m.Edit(ctx, ev.ChatID, cb.MessageID, "❌ Ticket cancelled.", nil)

	case actToggleMR, actToggleTests, actToggleApprove:
		ok := b.drafts.Update(key, func(d *draft.Draft) {
			switch action {
			case actToggleMR:
				d.Options.MultiReviewer = !d.Options.MultiReviewer
			case actToggleTests:
				d.Options.AutoTests = !d.Options.AutoTests
			case actToggleApprove:
				d.Options.PlanApproval = !d.Options.PlanApproval
			}
		})
		if !ok {
			return b.m.AnswerCallback(ctx, cb.ID, "No active draft.")
		}
		if err := b.m.AnswerCallback(ctx, cb.ID, ""); err != nil {
			return err
		}
		return b.rerenderSummary(ctx, key)

	case actEdit:
		return b.awaitInput(ctx, ev, key, draft.StageAwaitingEditText, "✏️ Send the new ticket text.")
	case actScreenshot:
		return b.awaitInput(ctx, ev, key, draft.StageAwaitingScreenshot, "📎 Send the screenshot.")
	case actBranch:
		return b.awaitInput(ctx, ev, key, draft.StageAwaitingBranchName, "🌿 Send the branch name.")

	case actApprove, actReject, actRevise:
		return b.handleApprovalClick(ctx, ev, action, extra)

	case actResetYes:
		if err := b.m.AnswerCallback(ctx, cb.ID, ""); err != nil {
			return err
		}
		return b.doResetBranch(ctx, ev, extra)
	case actResetNo:
		b.m.AnswerCallback(ctx, cb.ID, "")
		return b.m.Edit(ctx, ev.ChatID, cb.MessageID, "Reset cancelled.", nil)
	}

	return b.m.AnswerCallback(ctx, cb.ID, "Unknown action.")
}

func (b *Bot) awaitInput(ctx context.Context, ev connector.Event, key draft.Key, stage draft.Stage, prompt string) error {
	if !b.drafts.Update(key, func(d *draft.Draft) { d.Stage = stage }) {
		return b.m.AnswerCallback(ctx, ev.Callback.ID, "No active draft.")
	}
	if err := b.m.AnswerCallback(ctx, ev.Callback.ID, ""); err != nil {
		return err
	}
	_, err := b.m.Send(ctx, ev.ChatID, prompt)
	return err
}

// handleApprovalClick resolves a plan-approval request by its token.
func (b *Bot) handleApprovalClick(ctx context.Context, ev connector.Event, action, extra string) error {
	cb := ev.Callback
	token, err := strconv.Atoi(extra)
	if err != nil {
		return b.m.AnswerCallback(ctx, cb.ID, "Stale approval request.")
	}
	req, ok := b.approvals.ByToken(token)
	if !ok {
		return b.m.AnswerCallback(ctx, cb.ID, "Stale approval request.")
	}

	switch action {
	case actApprove:
		if !b.approvals.Resolve(req.Key, protocol.ApprovalApproved, "") {
			return b.m.AnswerCallback(ctx, cb.ID, "Already resolved.")
		}
		b.record(eventlog.KindApproval, ev.ChatID, ev.Username, fmt.Sprintf("approved #%d", req.Key.Issue))
		b.m.AnswerCallback(ctx, cb.ID, "Approved")
		return b.m.Edit(ctx, ev.ChatID, cb.MessageID,
			fmt.Sprintf("✅ Plan for #%d approved.", req.Key.Issue), nil)

	case actReject:
		if !b.approvals.Resolve(req.Key, protocol.ApprovalRejected, "") {
			return b.m.AnswerCallback(ctx, cb.ID, "Already resolved.")
		}
		b.record(eventlog.KindApproval, ev.ChatID, ev.Username, fmt.Sprintf("rejected #%d", req.Key.Issue))
		b.m.AnswerCallback(ctx, cb.ID, "Rejected")
		return b.m.Edit(ctx, ev.ChatID, cb.MessageID,
			fmt.Sprintf("🛑 Plan for #%d rejected.", req.Key.Issue), nil)

	case actRevise:
		if !b.approvals.AwaitFeedback(req.Key) {
			return b.m.AnswerCallback(ctx, cb.ID, "Already resolved.")
		}
		b.m.AnswerCallback(ctx, cb.ID, "")
		_, err := b.m.Send(ctx, ev.ChatID,
			fmt.Sprintf("📝 Send your change requests for #%d as your next message.", req.Key.Issue))
		return err
	}
	return nil
}
