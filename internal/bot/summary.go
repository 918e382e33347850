package bot

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ticketvox-io/ticketvox/internal/connector"
	"github.com/ticketvox-io/ticketvox/internal/connector/telegram"
	"github.com/ticketvox-io/ticketvox/internal/draft"
)

// Callback actions. Data wire format: action:authorUserID[:extra].
const (
	actSubmit        = "submit"
	actToggleMR      = "mr"
	actToggleTests   = "at"
	actToggleApprove = "pa"
	actEdit          = "edit"
	actScreenshot    = "shot"
	actBranch        = "branch"
	actCancel        = "cancel"
	actApprove       = "approve"
	actReject        = "reject"
	actRevise        = "revise"
	actResetYes      = "reset_yes"
	actResetNo       = "reset_no"
)

// encodeCallback builds the opaque button payload. author 0 means any user
// in the chat may click (approval and operator confirmations).
func encodeCallback(action string, author int64, extra string) string {
	data := fmt.Sprintf("%s:%d", action, author)
	if extra != "" {
		data += ":" + extra
	}
	return data
}

func parseCallback(data string) (action string, author int64, extra string, err error) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) < 2 {
		return "", 0, "", fmt.Errorf("bot: malformed callback data %q", data)
	}
	author, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, "", fmt.Errorf("bot: malformed callback author in %q", data)
	}
	if len(parts) == 3 {
		extra = parts[2]
	}
	return parts[0], author, extra, nil
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

// renderSummary produces the confirmation message and its keyboard.
func renderSummary(d draft.Draft) (string, connector.Keyboard) {
	var sb strings.Builder
	sb.WriteString("🎫 <b>New ticket</b>\n\n")
	sb.WriteString(telegram.EscapeHTML(d.Text))
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "Branch: <code>%s</code>\n", telegram.EscapeHTML(d.Branch))
	if d.Screenshot != nil {
		sb.WriteString("Screenshot: attached\n")
	}
	fmt.Fprintf(&sb, "Multi-reviewer: %s · Auto-tests: %s · Plan approval: %s",
		onOff(d.Options.MultiReviewer), onOff(d.Options.AutoTests), onOff(d.Options.PlanApproval))

	uid := d.Key.UserID
	kb := connector.Keyboard{
		{
			{Text: "✅ Submit", Data: encodeCallback(actSubmit, uid, "")},
			{Text: "❌ Cancel", Data: encodeCallback(actCancel, uid, "")},
		},
		{
			{Text: "👥 Reviewers: " + onOff(d.Options.MultiReviewer), Data: encodeCallback(actToggleMR, uid, "")},
			{Text: "🧪 Tests: " + onOff(d.Options.AutoTests), Data: encodeCallback(actToggleTests, uid, "")},
			{Text: "📋 Plan: " + onOff(d.Options.PlanApproval), Data: encodeCallback(actToggleApprove, uid, "")},
		},
		{
			{Text: "✏️ Edit text", Data: encodeCallback(actEdit, uid, "")},
			{Text: "📎 Screenshot", Data: encodeCallback(actScreenshot, uid, "")},
			{Text: "🌿 Branch", Data: encodeCallback(actBranch, uid, "")},
		},
	}
	return sb.String(), kb
}
