package tracker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{Token: "tok", Repo: "acme/site", BaseURL: srv.URL})
}

func TestCreateIssue(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{
			"number": 12, "title": "t", "body": "b",
			"html_url": "https://github.com/acme/site/issues/12",
			"labels": [{"name": "queue:pending"}, {"name": "dev:dana"}],
			"created_at": "2026-08-01T10:00:00Z"
		}`))
	})

	issue, err := c.CreateIssue(context.Background(), "t", "b", []string{"queue:pending"})
	if err != nil {
		t.Fatalf("CreateIssue: %v", err)
	}
	if gotPath != "/repos/acme/site/issues" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotBody["title"] != "t" {
		t.Errorf("posted title = %v", gotBody["title"])
	}
	if issue.Number != 12 || !issue.HasLabel("dev:dana") {
		t.Errorf("issue = %+v", issue)
	}
}

func TestListIssuesQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("labels") != "queue:pending,dev:dana" {
			t.Errorf("labels = %q", q.Get("labels"))
		}
		if q.Get("sort") != "created" || q.Get("direction") != "asc" || q.Get("state") != "open" {
			t.Errorf("query = %v", q)
		}
		w.Write([]byte(`[{"number": 3}, {"number": 5}]`))
	})

	issues, err := c.ListIssues(context.Background(), []string{"queue:pending", "dev:dana"}, true)
	if err != nil {
		t.Fatalf("ListIssues: %v", err)
	}
	if len(issues) != 2 || issues[0].Number != 3 {
		t.Errorf("issues = %+v", issues)
	}
}

func TestRemoveLabelIdempotent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	if err := c.RemoveLabel(context.Background(), 7, "queue:executing"); err != nil {
		t.Fatalf("RemoveLabel on missing label should succeed, got %v", err)
	}
}

func TestBranchExists(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/heads/dev/dana") {
			w.Write([]byte(`{"object": {"sha": "abc123"}}`))
			return
		}
		http.NotFound(w, r)
	})

	ok, err := c.BranchExists(context.Background(), "dev/dana")
	if err != nil || !ok {
		t.Fatalf("BranchExists(dev/dana) = %v, %v", ok, err)
	}
	ok, err = c.BranchExists(context.Background(), "dev/ghost")
	if err != nil || ok {
		t.Fatalf("BranchExists(dev/ghost) = %v, %v", ok, err)
	}

	sha, err := c.BranchSHA(context.Background(), "dev/dana")
	if err != nil || sha != "abc123" {
		t.Fatalf("BranchSHA = %q, %v", sha, err)
	}
	if _, err := c.BranchSHA(context.Background(), "dev/ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateBranchAndTag(t *testing.T) {
	var refs []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		refs = append(refs, body["ref"].(string))
		w.WriteHeader(http.StatusCreated)
	})

	if err := c.CreateBranch(context.Background(), "dev/dana", "abc"); err != nil {
		t.Fatal(err)
	}
	if err := c.CreateTag(context.Background(), "backup/dev-dana", "abc"); err != nil {
		t.Fatal(err)
	}
	if refs[0] != "refs/heads/dev/dana" || refs[1] != "refs/tags/backup/dev-dana" {
		t.Errorf("refs = %v", refs)
	}
}

func TestUploadFile(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s", r.Method)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		raw, _ := base64.StdEncoding.DecodeString(body["content"].(string))
		if string(raw) != "png-bytes" {
			t.Errorf("content = %q", raw)
		}
		if body["branch"] != "dev/dana" {
			t.Errorf("branch = %v", body["branch"])
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"content": {"download_url": "https://raw.example/shot.png"}}`))
	})

	url, err := c.UploadFile(context.Background(), "dev/dana", "screenshots/issue-12/shot.png", []byte("png-bytes"), "screenshot for #12")
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if url != "https://raw.example/shot.png" {
		t.Errorf("url = %q", url)
	}
}

func TestStatusErrorTruncatesBody(t *testing.T) {
	long := strings.Repeat("x", 2000)
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		io.WriteString(w, long)
	})

	_, err := c.CreateIssue(context.Background(), "t", "b", nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Code != http.StatusUnprocessableEntity {
		t.Errorf("code = %d", se.Code)
	}
	if len(se.Body) != 500 {
		t.Errorf("body length = %d, want 500", len(se.Body))
	}
}

func TestHasLabelOnReturnedValue(t *testing.T) {
	mk := func() Issue { return Issue{Labels: []string{"queue:pending"}} }
	if !mk().HasLabel("queue:pending") {
		t.Error("label not found")
	}
	if mk().HasLabel("queue:executing") {
		t.Error("unexpected label reported")
	}
}
