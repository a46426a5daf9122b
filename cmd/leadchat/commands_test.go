package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/leadchat/internal/config"
	"github.com/kalambet/leadchat/internal/lead"
	"github.com/kalambet/leadchat/internal/session"
	"github.com/kalambet/leadchat/internal/storage"
	logx "github.com/kalambet/leadchat/pkg/logger"
)

func TestMain(m *testing.M) {
	logx.Init(logx.LoggerOpts{Output: io.Discard})
	os.Exit(m.Run())
}

// captureStderr redirects status output for the duration of the test.
func captureStderr(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old, oldColor := stderr, noColor
	stderr, noColor = &buf, true
	t.Cleanup(func() { stderr, noColor = old, oldColor })
	return &buf
}

// --- fake backend ---

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

type fakeBackend struct {
	server    *httptest.Server
	mu        sync.Mutex
	requests  []recordedRequest
	responses map[string]string
}

func newFakeBackend(t *testing.T, responses map[string]string) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{responses: responses}

	fb.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		fb.mu.Lock()
		fb.requests = append(fb.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Body: body.String()})
		resp, ok := fb.responses[r.Method+" "+r.URL.Path]
		fb.mu.Unlock()

		if ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`not found`))
	}))

	t.Cleanup(fb.server.Close)
	return fb
}

func (fb *fakeBackend) recorded() []recordedRequest {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]recordedRequest(nil), fb.requests...)
}

func testConfig(t *testing.T, baseURL string) config.Config {
	t.Helper()
	return config.Config{
		Backend: config.BackendConfig{BaseURL: baseURL},
		Session: config.SessionConfig{
			DefaultSource: "apify",
			MaxResults:    50,
			IdleThreshold: 30 * time.Second,
		},
		Stream: config.StreamConfig{MaxReconnects: 0, ReconnectDelay: time.Millisecond},
		Server: config.ServerConfig{Port: 4100},
		Storage: config.StorageConfig{
			DataDir:          t.TempDir(),
			ChallengeBackend: config.ChallengeBackendSQLite,
			ChallengeTTL:     30 * time.Minute,
			SessionRetention: time.Hour,
		},
		Log: config.LogConfig{Level: "info"},
		App: config.AppConfig{Env: "testing"},
	}
}

var ctx = context.Background()

// --- turn flow ---

func TestWithConversation_AskCompletes(t *testing.T) {
	captureStderr(t)
	fb := newFakeBackend(t, map[string]string{
		"POST /api/leads": `{"leads":[{"name":"Acme Plumbing","phone":"555-0100","website":"acme.example"}]}`,
	})
	cfg := testConfig(t, fb.server.URL)

	req, err := cfg.RequestDefaults().Build("generate 20 leads of plumbers in Texas", "apollo", 0)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}

	var out bytes.Buffer
	err = withConversation(ctx, cfg, "conv-1", func(ctx context.Context, c *session.Controller) error {
		if err := c.Start(req); err != nil {
			return err
		}
		o, err := c.Wait(ctx)
		if err != nil {
			return err
		}
		return reportOutcome(&out, "conv-1", o, false)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "Successfully generated 1 leads using APOLLO:\n\n1. Acme Plumbing | 555-0100 | N/A | acme.example\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}

	reqs := fb.recorded()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 backend request, got %d", len(reqs))
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(reqs[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["source"] != "apollo" || body["maxResults"] != float64(50) {
		t.Errorf("body = %v", body)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	defer store.Close()
	sessions, err := store.ListSessions("conv-1", 10)
	if err != nil {
		t.Fatalf("listing sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Outcome != storage.OutcomeCompleted {
		t.Fatalf("sessions = %+v", sessions)
	}
}

func TestWithConversation_ResumeAcrossRuns(t *testing.T) {
	errOut := captureStderr(t)
	fb := newFakeBackend(t, map[string]string{
		"POST /api/leads":          `{"captchaRequired":true,"sessionId":"sess-7","siteKey":"site-7"}`,
		"POST /api/captcha/solve": `{"data":[{"name":"Bolt Roofing"},{"name":"Peak Roofing"}]}`,
	})
	cfg := testConfig(t, fb.server.URL)
	req := lead.AcquisitionRequest{Prompt: "roofers in Denver", Source: lead.SourceApify, MaxResults: 10}

	var out bytes.Buffer
	err := withConversation(ctx, cfg, "conv-2", func(ctx context.Context, c *session.Controller) error {
		if err := c.Start(req); err != nil {
			return err
		}
		o, err := c.Wait(ctx)
		if err != nil {
			return err
		}
		return reportOutcome(&out, "conv-2", o, false)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(errOut.String(), "leadchat resume conv-2 <token>") {
		t.Errorf("missing resume hint in %q", errOut.String())
	}
	if out.Len() != 0 {
		t.Errorf("stdout = %q, want empty", out.String())
	}

	// A new process restores the stored challenge and resumes it.
	err = withConversation(ctx, cfg, "conv-2", func(ctx context.Context, c *session.Controller) error {
		if c.State() != lead.StateAwaitingChallenge {
			t.Errorf("restored state = %s, want awaiting_challenge", c.State())
		}
		if err := c.Resume("token-1"); err != nil {
			return err
		}
		o, err := c.Wait(ctx)
		if err != nil {
			return err
		}
		return reportOutcome(&out, "conv-2", o, false)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(out.String(), "Successfully generated 2 leads using APIFY:") {
		t.Errorf("output = %q", out.String())
	}

	reqs := fb.recorded()
	if len(reqs) != 2 || reqs[1].Path != "/api/captcha/solve" {
		t.Fatalf("requests = %+v", reqs)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(reqs[1].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["sessionId"] != "sess-7" || body["captchaToken"] != "token-1" || body["prompt"] != "roofers in Denver" {
		t.Errorf("resume body = %v", body)
	}
}

func TestWithConversation_CancelNothingPending(t *testing.T) {
	captureStderr(t)
	cfg := testConfig(t, "http://127.0.0.1:1")

	err := withConversation(ctx, cfg, "conv-3", func(_ context.Context, c *session.Controller) error {
		return c.Cancel()
	})
	if err == nil || err.Error() != session.ErrNoPendingChallenge.Error() {
		t.Errorf("err = %v, want %v", err, session.ErrNoPendingChallenge)
	}
}

// --- output ---

func TestReportOutcome_Failure(t *testing.T) {
	captureStderr(t)
	out := session.Outcome{State: lead.StateFailed, Message: "API Error: 502 - bad gateway"}

	var buf bytes.Buffer
	err := reportOutcome(&buf, "c", out, false)
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != "Failed to fetch leads: API Error: 502 - bad gateway" {
		t.Errorf("err = %q", err.Error())
	}
}

func TestReportOutcome_JSON(t *testing.T) {
	out := session.Outcome{
		State:   lead.StateCompleted,
		Request: lead.AcquisitionRequest{Prompt: "cafes", Source: lead.SourceScraper, MaxResults: 5},
		Records: []lead.Record{{Name: "Blue Cup", Email: "hi@blue.example"}},
	}

	var buf bytes.Buffer
	if err := reportOutcome(&buf, "c-9", out, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var view struct {
		ConversationID string        `json:"conversationId"`
		State          string        `json:"state"`
		Reply          string        `json:"reply"`
		Records        []lead.Record `json:"records"`
	}
	if err := json.Unmarshal(buf.Bytes(), &view); err != nil {
		t.Fatalf("json parse error: %v", err)
	}
	if view.ConversationID != "c-9" || view.State != "completed" {
		t.Errorf("view = %+v", view)
	}
	if !strings.HasPrefix(view.Reply, "Successfully scraped 1 organic leads from real websites:") {
		t.Errorf("reply = %q", view.Reply)
	}
	if len(view.Records) != 1 {
		t.Errorf("records = %d, want 1", len(view.Records))
	}
}

func TestReportOutcome_NoResults(t *testing.T) {
	out := session.Outcome{
		State:   lead.StateCompleted,
		Request: lead.AcquisitionRequest{Prompt: "unicorn farms", Source: lead.SourceApify, MaxResults: 5},
	}
	var buf bytes.Buffer
	if err := reportOutcome(&buf, "c", out, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(buf.String(), `No leads found for "unicorn farms".`) {
		t.Errorf("output = %q", buf.String())
	}
}

func TestProgressPrinter(t *testing.T) {
	buf := captureStderr(t)
	p := &progressPrinter{}
	l := p.listener()

	l.OnProgress(lead.ProgressSnapshot{Visible: true, Message: "Starting lead generation..."})
	l.OnProgress(lead.ProgressSnapshot{Visible: true, Message: "Starting lead generation..."})
	l.OnProgress(lead.ProgressSnapshot{Visible: true, Message: "Scraping", Percent: 40, RecordsFound: 12})
	l.OnProgress(lead.ProgressSnapshot{Visible: false, Message: "hidden"})

	want := "→ Starting lead generation...\n→ [ 40%] Scraping (12 found)\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
}

func TestColorize(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorRed, "hello")
	if result != "hello" {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	result = colorize(colorRed, "hello")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("héllo wörld", 5); got != "héllo..." {
		t.Errorf("truncate = %q", got)
	}
}

func TestPrintSession(t *testing.T) {
	old := noColor
	noColor = true
	defer func() { noColor = old }()

	rec := storage.SessionRecord{
		ID:             "0b7c9f7e-1111-2222-3333-444455556666",
		ConversationID: "conv-1",
		Source:         lead.SourceApify,
		Prompt:         "plumbers in Texas",
		MaxResults:     50,
		Transport:      session.TransportSingle,
		Outcome:        storage.OutcomeCompleted,
		Records:        1,
		StartedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	var buf bytes.Buffer
	printSession(&buf, rec, []lead.Record{{Name: "Acme", Phone: "555"}})
	out := buf.String()
	for _, want := range []string{"Session 0b7c9f7e", "Transport:    single", "Outcome:      completed", "1. Acme | 555 | N/A | N/A"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %q", want, out)
		}
	}
	if strings.Contains(out, "Finished:") {
		t.Errorf("unfinished session should not print Finished: %q", out)
	}

	buf.Reset()
	printSessions(&buf, []storage.SessionRecord{rec})
	if !strings.HasPrefix(buf.String(), "0b7c9f7e  ") || !strings.Contains(buf.String(), "plumbers in Texas") {
		t.Errorf("list line = %q", buf.String())
	}
}

// --- gateway client ---

func TestAPIClient_GetJSON(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/health":
			w.Write([]byte(`{"status":"ok"}`))
		case "/conversations":
			w.Write([]byte(`[{"conversationId":"a","state":"streaming","progress":{}},{"conversationId":"b","state":"awaiting_challenge","progress":{}},{"conversationId":"c","state":"idle","progress":{}}]`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"message":"invalid or missing bearer token","type":"authentication_error"}}`))
		}
	}))
	defer srv.Close()

	client := &apiClient{baseURL: srv.URL, token: "test-token", httpClient: srv.Client()}

	if err := client.health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}

	var convs []session.Summary
	if err := client.getJSON(ctx, "/conversations", &convs); err != nil {
		t.Fatalf("getJSON: %v", err)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", gotAuth)
	}
	if got := conversationSummary(convs); got != "3 (1 running, 1 awaiting verification)" {
		t.Errorf("summary = %q", got)
	}

	err := client.getJSON(ctx, "/sessions", &convs)
	if err == nil || !strings.Contains(err.Error(), "server returned 401") {
		t.Errorf("err = %v, want 401", err)
	}
}

func TestAPIClient_Unreachable(t *testing.T) {
	client := &apiClient{baseURL: "http://127.0.0.1:1", httpClient: &http.Client{Timeout: time.Second}}
	err := client.health(ctx)
	if err == nil || !strings.Contains(err.Error(), "is leadchat serve running?") {
		t.Errorf("err = %v", err)
	}
}

// --- pid file ---

func TestPIDFile(t *testing.T) {
	path := pidFilePath(filepath.Join(t.TempDir(), "data"))
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error after removal")
	}
}

func TestRootCommand_Wiring(t *testing.T) {
	want := []string{"ask", "resume", "cancel", "sessions", "serve", "stop", "status", "mcp", "config"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered (err %v)", name, err)
		}
	}
}

func TestAskCommand_RequiresPrompt(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ask"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error without a prompt")
	}
}

func TestSearchLine(t *testing.T) {
	req := lead.AcquisitionRequest{
		Prompt:     "generate 20 leads of plumbers in Texas",
		Source:     lead.SourceApollo,
		MaxResults: 50,
	}
	want := "Searching apollo for 20 leads of plumbers in Texas (up to 50)..."
	if got := searchLine(req); got != want {
		t.Errorf("searchLine = %q, want %q", got, want)
	}
}
