package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/ticketvox-io/ticketvox/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	switch os.Args[1] {
	case "health":
		cmdHealth()
	case "queue":
		cmdQueue()
	case "events":
		cmdEvents(os.Args[2:])
	case "logs":
		cmdLogs(os.Args[2:])
	case "approval":
		if len(os.Args) < 3 || os.Args[2] != "status" {
			fmt.Fprintln(os.Stderr, "usage: voxctl approval status --issue <n> [--repo owner/repo] [--branch name]")
			os.Exit(1)
		}
		cmdApprovalStatus(os.Args[3:])
	case "config":
		if len(os.Args) < 4 || os.Args[2] != "validate" {
			fmt.Fprintln(os.Stderr, "usage: voxctl config validate <path>")
			os.Exit(1)
		}
		cmdConfigValidate(os.Args[3])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func cmdHealth() {
	body, err := apiGet("/api/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(body))
}

func cmdQueue() {
	body, err := apiGet("/api/queue")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	var entries []struct {
		Repo   string `json:"repo"`
		Branch string `json:"branch"`
		Active struct {
			Issue int    `json:"issue"`
			Title string `json:"title"`
			Phase string `json:"phase"`
		} `json:"active"`
	}
	json.Unmarshal(body, &entries)
	if len(entries) == 0 {
		fmt.Println("all queues idle")
		return
	}
	for _, e := range entries {
		phase := e.Active.Phase
		if phase == "" {
			phase = "-"
		}
		fmt.Printf("%-40s #%-5d %-12s %s\n", e.Repo+"@"+e.Branch, e.Active.Issue, phase, e.Active.Title)
	}
}

func cmdEvents(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	limit := fs.Int("limit", 50, "Max results")
	fs.Parse(args)

	body, err := apiGet(fmt.Sprintf("/api/events?limit=%d", *limit))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	var events []map[string]any
	json.Unmarshal(body, &events)
	for _, e := range events {
		fmt.Printf("%-24s %-20s %s\n", e["created_at"], e["kind"], e["detail"])
	}
}

func cmdLogs(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	limit := fs.Int("limit", 200, "Max results")
	level := fs.String("level", "", "Minimum level (info|warn|error)")
	fs.Parse(args)

	query := fmt.Sprintf("?limit=%d", *limit)
	if *level != "" {
		query += "&level=" + *level
	}

	body, err := apiGet("/api/logs" + query)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(body))
}

func cmdApprovalStatus(args []string) {
	fs := flag.NewFlagSet("approval status", flag.ExitOnError)
	issue := fs.Int("issue", 0, "Issue number")
	repo := fs.String("repo", "", "Repository (owner/repo)")
	branch := fs.String("branch", "", "Branch name")
	fs.Parse(args)

	if *issue == 0 {
		fmt.Fprintln(os.Stderr, "error: --issue is required")
		os.Exit(1)
	}

	query := fmt.Sprintf("?issue=%d", *issue)
	if *repo != "" {
		query += "&repo=" + *repo
	}
	if *branch != "" {
		query += "&branch=" + *branch
	}

	body, err := apiGet("/api/approval/status" + query)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(body))
}

func cmdConfigValidate(path string) {
	_, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("config is valid")
}

// --- Helpers ---

func apiGet(path string) ([]byte, error) {
	base := envOr("VOX_API_URL", "http://localhost:8080")
	url := base + path

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	if key := os.Getenv("VOX_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func prettyJSON(data []byte) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	return string(out)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printUsage() {
	fmt.Println("voxctl — voxd management CLI")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  health               Check daemon health")
	fmt.Println("  queue                Show active tickets per branch")
	fmt.Println("  events               List recent audit events (--limit)")
	fmt.Println("  logs                 Fetch daemon logs (--limit, --level)")
	fmt.Println("  approval status      Query a plan approval (--issue, --repo, --branch)")
	fmt.Println("  config validate <p>  Validate config file")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  VOX_API_URL  Daemon URL (default: http://localhost:8080)")
	fmt.Println("  VOX_API_KEY  API key for authentication")
}
