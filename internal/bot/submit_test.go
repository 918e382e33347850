package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/ticketvox-io/ticketvox/internal/connector"
	"github.com/ticketvox-io/ticketvox/internal/queue"
	"github.com/ticketvox-io/ticketvox/internal/tracker"
)

func submitClick(fx *fixture, chatID, userID int64) error {
	d, _ := fx.draftOf(chatID, userID)
	return fx.bot.HandleEvent(context.Background(),
		clickEvent(chatID, userID, encodeCallback(actSubmit, userID, ""), d.SummaryMessageID))
}

func TestSubmitCreatesIssueAndActivates(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.bot.HandleEvent(ctx, textEvent(groupChat, devUserID, "/ticket login button broken on mobile. happens on safari"))

	if err := submitClick(fx, groupChat, devUserID); err != nil {
		t.Fatal(err)
	}

	if fx.ft.createCalls != 1 {
		t.Fatalf("createCalls = %d", fx.ft.createCalls)
	}
	issue := fx.ft.issue(1)
	if issue.Title != "login button broken on mobile" {
		t.Errorf("title = %q", issue.Title)
	}
	if !strings.Contains(issue.Body, "Chat ID: -600") || !strings.Contains(issue.Body, "Branch: dev/dana") {
		t.Errorf("body footer missing: %q", issue.Body)
	}
	if !issue.HasLabel("queue:executing") || !issue.HasLabel(devQLabel) {
		t.Errorf("labels = %v", issue.Labels)
	}
	if issue.HasLabel("queue:pending") {
		t.Errorf("fresh submission on a free branch must not be pending: %v", issue.Labels)
	}

	// The developer branch was created from the default head.
	if sha := fx.ft.branches[devBranch]; sha != "sha-main" {
		t.Errorf("dev branch sha = %q", sha)
	}

	target := queue.Target{Repo: "acme/site", Branch: devBranch}
	if a, ok := fx.bot.queue.ActiveFor(target); !ok || a.Issue != 1 {
		t.Errorf("active marker = %+v, %v", a, ok)
	}
	if _, ok := fx.draftOf(groupChat, devUserID); ok {
		t.Error("draft must be gone after submit")
	}
	if !strings.Contains(fx.m.lastSent().text, "https://example.test/issues/1") {
		t.Errorf("confirmation = %q", fx.m.lastSent().text)
	}
}

func TestDoubleSubmitCreatesOneIssue(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.bot.HandleEvent(ctx, textEvent(groupChat, devUserID, "/ticket one shot only"))
	d, _ := fx.draftOf(groupChat, devUserID)
	click := clickEvent(groupChat, devUserID, encodeCallback(actSubmit, devUserID, ""), d.SummaryMessageID)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fx.bot.HandleEvent(ctx, click)
		}()
	}
	wg.Wait()

	if fx.ft.createCalls != 1 {
		t.Fatalf("createCalls = %d, want exactly 1", fx.ft.createCalls)
	}
}

func TestSubmitOnBusyBranchQueues(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	target := queue.Target{Repo: "acme/site", Branch: devBranch}

	// First ticket occupies the branch.
	fx.bot.HandleEvent(ctx, textEvent(groupChat, devUserID, "/ticket first job"))
	submitClick(fx, groupChat, devUserID)
	if busy, _ := fx.bot.queue.IsBusy(ctx, target, devQLabel); !busy {
		t.Fatal("setup: branch should be busy")
	}

	// Second ticket queues behind it.
	fx.bot.HandleEvent(ctx, textEvent(groupChat, devUserID, "/ticket second job"))
	submitClick(fx, groupChat, devUserID)

	second := fx.ft.issue(2)
	if !second.HasLabel("queue:pending") || second.HasLabel("queue:executing") {
		t.Errorf("second issue labels = %v", second.Labels)
	}
	note := fx.m.lastSent().text
	if !strings.Contains(note, "Queued") || !strings.Contains(note, "#1") {
		t.Errorf("queued note = %q", note)
	}
	if !strings.Contains(note, "Position: 1 of 1") {
		t.Errorf("queued note lacks position: %q", note)
	}

	// Invariant: never more than one executing issue for the target.
	executing := 0
	for n := 1; n <= 2; n++ {
		if fx.ft.issue(n).HasLabel("queue:executing") {
			executing++
		}
	}
	if executing != 1 {
		t.Errorf("executing count = %d", executing)
	}
}

func TestSubmitFailureReportsAndConsumesDraft(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.ft.failCreate = &tracker.StatusError{Code: 422, Body: "Validation Failed"}

	fx.bot.HandleEvent(ctx, textEvent(groupChat, devUserID, "/ticket doomed"))
	submitClick(fx, groupChat, devUserID)

	if !strings.Contains(fx.m.lastSent().text, "Submit failed") {
		t.Errorf("failure notice = %q", fx.m.lastSent().text)
	}
	if _, ok := fx.draftOf(groupChat, devUserID); ok {
		t.Error("failed submission still consumes the draft")
	}
}

func TestSubmitWithScreenshotLinksIt(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.m.media["p1"] = []byte("jpeg")

	fx.bot.HandleEvent(ctx, textEvent(groupChat, devUserID, "/ticket broken layout"))
	d, _ := fx.draftOf(groupChat, devUserID)
	fx.bot.HandleEvent(ctx, clickEvent(groupChat, devUserID, encodeCallback(actScreenshot, devUserID, ""), d.SummaryMessageID))
	fx.bot.HandleEvent(ctx, connector.Event{ChatID: groupChat, UserID: devUserID, Group: true,
		Photo: &connector.MediaRef{FileID: "p1", MIME: "image/jpeg"}})

	submitClick(fx, groupChat, devUserID)

	if len(fx.ft.uploads) != 1 || !strings.HasPrefix(fx.ft.uploads[0], devBranch+":screenshots/issue-1/") {
		t.Fatalf("uploads = %v", fx.ft.uploads)
	}
	if !strings.Contains(fx.ft.bodies[1], "📎 Screenshot: https://example.test/raw/") {
		t.Errorf("body = %q", fx.ft.bodies[1])
	}
}

func TestScreenshotUploadFailureIsPartialSuccess(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.m.media["p1"] = []byte("jpeg")
	fx.ft.failUpload = &tracker.StatusError{Code: 500, Body: "boom"}

	fx.bot.HandleEvent(ctx, textEvent(groupChat, devUserID, "/ticket broken layout"))
	d, _ := fx.draftOf(groupChat, devUserID)
	fx.bot.HandleEvent(ctx, clickEvent(groupChat, devUserID, encodeCallback(actScreenshot, devUserID, ""), d.SummaryMessageID))
	fx.bot.HandleEvent(ctx, connector.Event{ChatID: groupChat, UserID: devUserID, Group: true,
		Photo: &connector.MediaRef{FileID: "p1", MIME: "image/jpeg"}})

	submitClick(fx, groupChat, devUserID)

	// The issue exists; only the attachment note differs.
	if fx.ft.createCalls != 1 {
		t.Fatalf("createCalls = %d", fx.ft.createCalls)
	}
	last := fx.m.lastSent().text
	if !strings.Contains(last, "Ticket created") || !strings.Contains(last, "Screenshot could not be attached") {
		t.Errorf("confirmation = %q", last)
	}
}

func TestSubmitWithoutDeveloperMappingUsesDefaultBranch(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.bot.HandleEvent(ctx, textEvent(directChat, plainUser, "/ticket typo on landing page"))
	d, _ := fx.draftOf(directChat, plainUser)
	if d.Branch != "main" || d.DevLabel != "" {
		t.Fatalf("target = %s / %q", d.Branch, d.DevLabel)
	}

	fx.bot.HandleEvent(ctx, clickEvent(directChat, plainUser, encodeCallback(actSubmit, plainUser, ""), d.SummaryMessageID))
	issue := fx.ft.issue(1)
	if strings.Contains(issue.Body, "Developer:") {
		t.Errorf("default-branch body must omit the developer footer: %q", issue.Body)
	}
	for _, l := range issue.Labels {
		if strings.HasPrefix(l, "dev:") {
			t.Errorf("unexpected developer label %q", l)
		}
	}
}

func TestOptionTogglesBecomeLabels(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.bot.HandleEvent(ctx, textEvent(groupChat, devUserID, "/ticket add dark mode"))
	d, _ := fx.draftOf(groupChat, devUserID)
	fx.bot.HandleEvent(ctx, clickEvent(groupChat, devUserID, encodeCallback(actToggleMR, devUserID, ""), d.SummaryMessageID))
	fx.bot.HandleEvent(ctx, clickEvent(groupChat, devUserID, encodeCallback(actToggleApprove, devUserID, ""), d.SummaryMessageID))

	submitClick(fx, groupChat, devUserID)

	issue := fx.ft.issue(1)
	if !issue.HasLabel("workflow:multi-reviewer") || !issue.HasLabel("workflow:plan-approval") {
		t.Errorf("labels = %v", issue.Labels)
	}
	if issue.HasLabel("workflow:auto-tests") {
		t.Errorf("untoggled option leaked: %v", issue.Labels)
	}
}

func TestTitleFrom(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"login broken. on safari", "login broken"},
		{"short", "short"},
		{"", "Voice ticket"},
		{"   ", "Voice ticket"},
		{"does this work? yes", "does this work"},
		{strings.Repeat("word ", 30), strings.TrimSpace(strings.Repeat("word ", 16)) + "…"},
		{strings.Repeat("я", 100), strings.Repeat("я", 80) + "…"},
	}
	for _, c := range cases {
		if got := titleFrom(c.in); got != c.want {
			t.Errorf("titleFrom(%q) = %q, want %q", c.in, got, c.want)
		}
	}
	if got := titleFrom(strings.Repeat("x", 200)); len(got) > titleMaxLen+len("…") {
		t.Errorf("unbroken title not capped: %d bytes", len(got))
	}
	// The cap must never split a multi-byte rune.
	if got := titleFrom("a" + strings.Repeat("я", 90)); !utf8.ValidString(got) {
		t.Errorf("truncated title is not valid UTF-8: %q", got)
	}
}
