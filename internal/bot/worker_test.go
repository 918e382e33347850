package bot

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ticketvox-io/ticketvox/pkg/protocol"
)

// submitN opens and submits n tickets from the developer, returning after
// the first occupies the branch and the rest are queued.
func submitN(t *testing.T, fx *fixture, n int) {
	t.Helper()
	ctx := context.Background()
	texts := []string{"/ticket job alpha", "/ticket job beta", "/ticket job gamma", "/ticket job delta"}
	for i := 0; i < n; i++ {
		if err := fx.bot.HandleEvent(ctx, textEvent(groupChat, devUserID, texts[i])); err != nil {
			t.Fatal(err)
		}
		if err := submitClick(fx, groupChat, devUserID); err != nil {
			t.Fatal(err)
		}
	}
}

func TestWorkerLifecycleProgress(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	submitN(t, fx, 1)
	target := fx.bot.workerTarget(protocol.WorkerEvent{Branch: devBranch})

	fx.bot.HandleWorkerEvent(ctx, protocol.WorkerStarted, protocol.WorkerEvent{Branch: devBranch, Issue: 1})
	fx.bot.HandleWorkerEvent(ctx, protocol.WorkerPhase, protocol.WorkerEvent{Branch: devBranch, Issue: 1, Phase: "plan"})
	fx.bot.HandleWorkerEvent(ctx, protocol.WorkerPhase, protocol.WorkerEvent{Branch: devBranch, Issue: 1, Phase: "implement"})
	fx.bot.HandleWorkerEvent(ctx, protocol.WorkerMessage, protocol.WorkerEvent{Branch: devBranch, Issue: 1, Message: "tests green"})

	a, ok := fx.bot.queue.ActiveFor(target)
	if !ok {
		t.Fatal("marker should exist")
	}
	if a.Phase != "implement" || len(a.CompletedPhases) != 1 || a.CompletedPhases[0] != "plan" {
		t.Errorf("progress = %+v", a)
	}
	if a.LastMessage != "tests green" {
		t.Errorf("last message = %q", a.LastMessage)
	}
}

func TestFIFOAcrossTerminalCallbacks(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	submitN(t, fx, 4) // #1 executing, #2..#4 pending in order
	target := fx.bot.workerTarget(protocol.WorkerEvent{Branch: devBranch})

	for _, expected := range []int{2, 3, 4} {
		prev := expected - 1
		if err := fx.bot.HandleWorkerEvent(ctx, protocol.WorkerMerged,
			protocol.WorkerEvent{Branch: devBranch, Issue: prev}); err != nil {
			t.Fatal(err)
		}
		a, ok := fx.bot.queue.ActiveFor(target)
		if !ok || a.Issue != expected {
			t.Fatalf("after #%d merged: active = %+v, %v; want #%d", prev, a, ok, expected)
		}
		// ≤1 executing at all times.
		executing := 0
		for n := 1; n <= 4; n++ {
			if fx.ft.issue(n).HasLabel("queue:executing") {
				executing++
			}
		}
		if executing != 1 {
			t.Fatalf("executing count = %d", executing)
		}
	}

	// Last one finishes; queue drains.
	fx.bot.HandleWorkerEvent(ctx, protocol.WorkerMerged, protocol.WorkerEvent{Branch: devBranch, Issue: 4})
	if _, ok := fx.bot.queue.ActiveFor(target); ok {
		t.Error("queue should be drained")
	}
}

func TestWorkerFailedClearsAndAdvances(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	submitN(t, fx, 2)
	target := fx.bot.workerTarget(protocol.WorkerEvent{Branch: devBranch})

	if err := fx.bot.HandleWorkerEvent(ctx, protocol.WorkerFailed,
		protocol.WorkerEvent{Branch: devBranch, Issue: 1, Message: "build broke"}); err != nil {
		t.Fatal(err)
	}

	a, ok := fx.bot.queue.ActiveFor(target)
	if !ok || a.Issue != 2 {
		t.Fatalf("active = %+v, %v; want #2", a, ok)
	}
	var sawFailure, sawNext bool
	for _, msg := range fx.m.sent {
		if strings.Contains(msg.text, "failed") && strings.Contains(msg.text, "#1") {
			sawFailure = true
		}
		if strings.Contains(msg.text, "Next ticket starting: #2") {
			sawNext = true
		}
	}
	if !sawFailure || !sawNext {
		t.Errorf("notices: failure=%v next=%v (%v)", sawFailure, sawNext, fx.m.sent)
	}
}

func TestMergedNoticeCarriesCachedDeployURL(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	submitN(t, fx, 1)
	fx.bot.justCreated = map[string]time.Time{} // past the branch-creation mute

	// A deploy completes while #1 is executing: the URL is held back.
	fx.bot.HandleDeploy(ctx, protocol.DeployEvent{
		State: protocol.DeployReady, Branch: devBranch, URL: "https://preview.example",
		CommitMessage: "implement alpha",
	})
	for _, msg := range fx.m.sent {
		if strings.Contains(msg.text, "Deploy ready") {
			t.Fatalf("deploy notice should have been deferred: %q", msg.text)
		}
	}

	fx.bot.HandleWorkerEvent(ctx, protocol.WorkerMerged, protocol.WorkerEvent{Branch: devBranch, Issue: 1})
	var merged string
	for _, msg := range fx.m.sent {
		if strings.Contains(msg.text, "merged") {
			merged = msg.text
		}
	}
	if !strings.Contains(merged, "https://preview.example") {
		t.Errorf("merged notice = %q", merged)
	}
}

func TestDeploySuppressionRules(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	submitN(t, fx, 1)
	fx.bot.HandleWorkerEvent(ctx, protocol.WorkerMerged, protocol.WorkerEvent{Branch: devBranch, Issue: 1})
	before := fx.m.sentCount()

	// Synthetic commits never notify.
	fx.bot.HandleDeploy(ctx, protocol.DeployEvent{
		State: protocol.DeployReady, Branch: devBranch, URL: "https://x",
		CommitMessage: "Add screenshot for #1",
	})
	if fx.m.sentCount() != before {
		t.Error("screenshot commit deploy should be suppressed")
	}

	// The just-created window mutes the branch sync commit.
	fx.bot.markBranchCreated(devBranch)
	fx.bot.HandleDeploy(ctx, protocol.DeployEvent{
		State: protocol.DeployReady, Branch: devBranch, URL: "https://x",
		CommitMessage: "initial sync",
	})
	if fx.m.sentCount() != before {
		t.Error("just-created branch deploy should be suppressed")
	}
}

func TestDeployNotifiesWhenIdle(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	submitN(t, fx, 1)
	fx.bot.HandleWorkerEvent(ctx, protocol.WorkerMerged, protocol.WorkerEvent{Branch: devBranch, Issue: 1})

	fx.bot.justCreated = map[string]time.Time{} // past the window
	fx.bot.HandleDeploy(ctx, protocol.DeployEvent{
		State: protocol.DeployReady, Branch: devBranch, URL: "https://preview.example",
		CommitMessage: "merge work",
	})
	// "Merge branch" prefixes are synthetic; "merge work" is not.
	if !strings.Contains(fx.m.lastSent().text, "https://preview.example") {
		t.Errorf("deploy notice = %q", fx.m.lastSent().text)
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	submitN(t, fx, 1)

	err := fx.bot.RequestApproval(ctx, protocol.ApprovalRequest{
		Branch: devBranch, Issue: 1, Summary: "plan: split into two PRs",
	})
	if err != nil {
		t.Fatal(err)
	}
	ask := fx.m.lastSent()
	if !strings.Contains(ask.text, "Plan approval needed") || len(ask.kb) == 0 {
		t.Fatalf("approval prompt = %+v", ask)
	}

	// Pending until someone clicks.
	res, ok := fx.bot.ApprovalStatus("acme/site", devBranch, 1)
	if !ok || res.Status != protocol.ApprovalPending {
		t.Fatalf("status = %+v, %v", res, ok)
	}

	// Any user in the chat may resolve it.
	approveData := ask.kb[0][0].Data
	if err := fx.bot.HandleEvent(ctx, clickEvent(groupChat, otherUser, approveData, 1)); err != nil {
		t.Fatal(err)
	}
	res, _ = fx.bot.ApprovalStatus("acme/site", devBranch, 1)
	if res.Status != protocol.ApprovalApproved {
		t.Errorf("status = %q", res.Status)
	}
}

func TestApprovalRevisionFeedback(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	submitN(t, fx, 1)
	fx.bot.RequestApproval(ctx, protocol.ApprovalRequest{Branch: devBranch, Issue: 1, Summary: "plan"})
	ask := fx.m.lastSent()

	revise := ask.kb[0][2].Data
	if err := fx.bot.HandleEvent(ctx, clickEvent(groupChat, devUserID, revise, 1)); err != nil {
		t.Fatal(err)
	}
	// Next plain text from the chat becomes the feedback. Group text would
	// normally be ignored; the armed feedback capture takes priority.
	if err := fx.bot.HandleEvent(ctx, textEvent(groupChat, devUserID, "please split step 2")); err != nil {
		t.Fatal(err)
	}

	res, _ := fx.bot.ApprovalStatus("acme/site", devBranch, 1)
	if res.Status != protocol.ApprovalRevision || res.Feedback != "please split step 2" {
		t.Errorf("result = %+v", res)
	}
}

func TestApprovalWithoutKnownChatFails(t *testing.T) {
	fx := newFixture(t)
	err := fx.bot.RequestApproval(context.Background(),
		protocol.ApprovalRequest{Branch: "dev/nobody", Issue: 9, Summary: "plan"})
	if err == nil {
		t.Fatal("expected error when no chat is known for the target")
	}
}

func TestUnstickClearsAndAdvances(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	submitN(t, fx, 2)
	target := fx.bot.workerTarget(protocol.WorkerEvent{Branch: devBranch})

	if err := fx.bot.HandleEvent(ctx, textEvent(groupChat, devUserID, "/unstick")); err != nil {
		t.Fatal(err)
	}
	a, ok := fx.bot.queue.ActiveFor(target)
	if !ok || a.Issue != 2 {
		t.Fatalf("active after unstick = %+v, %v", a, ok)
	}
}

func TestResetBranchConfirmFlow(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.ft.branches[devBranch] = "sha-old"

	fx.bot.HandleEvent(ctx, textEvent(directChat, devUserID, "/resetbranch"))
	ask := fx.m.lastSent()
	if len(ask.kb) == 0 {
		t.Fatal("reset must ask for confirmation")
	}

	fx.bot.HandleEvent(ctx, clickEvent(directChat, devUserID, ask.kb[0][0].Data, 1))
	if fx.ft.branches[devBranch] != "sha-main" {
		t.Errorf("branch sha = %q, want default head", fx.ft.branches[devBranch])
	}
	if len(fx.ft.tags) != 1 {
		t.Errorf("expected one backup tag, got %v", fx.ft.tags)
	}
}

func TestStatusAndQueueCommands(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	submitN(t, fx, 2)

	fx.bot.HandleEvent(ctx, textEvent(directChat, devUserID, "/status"))
	status := fx.m.lastSent().text
	if !strings.Contains(status, "#1") || !strings.Contains(status, devBranch) {
		t.Errorf("status = %q", status)
	}

	fx.bot.HandleEvent(ctx, textEvent(directChat, devUserID, "/queue"))
	q := fx.m.lastSent().text
	if !strings.Contains(q, "#2") {
		t.Errorf("queue = %q", q)
	}
}
