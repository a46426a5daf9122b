package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/leadchat/internal/backend"
	"github.com/kalambet/leadchat/internal/intent"
	"github.com/kalambet/leadchat/internal/lead"
	"github.com/kalambet/leadchat/internal/session"
	"github.com/kalambet/leadchat/internal/storage"
)

const testToken = "test-token-12345"

// --- fixture ---

type stubBackend struct {
	mu         sync.Mutex
	fetchBody  []byte
	fetchErr   error
	gate       chan struct{}
	resumeBody []byte
	resumes    []backend.ResumeRequest
}

func (b *stubBackend) Fetch(ctx context.Context, _ lead.AcquisitionRequest) ([]byte, error) {
	b.mu.Lock()
	gate, body, err := b.gate, b.fetchBody, b.fetchErr
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return body, err
}

func (b *stubBackend) OpenStream(context.Context, lead.AcquisitionRequest) (session.Stream, error) {
	return nil, errors.New("stream unavailable")
}

func (b *stubBackend) Resume(_ context.Context, req backend.ResumeRequest) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resumes = append(b.resumes, req)
	return b.resumeBody, nil
}

type fixture struct {
	backend  *stubBackend
	store    *storage.Store
	registry *session.Registry
	hub      *Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)

	f := &fixture{
		backend: &stubBackend{fetchBody: []byte(leadsPayload(2))},
		store:   store,
		hub:     NewHub(zerolog.Nop()),
	}
	f.registry = session.NewRegistry(func(id string) *session.Controller {
		return session.New(id, f.backend, session.Options{
			Listener: f.hub.Listener(id),
			Store:    store,
			Journal:  store,
			Logger:   zerolog.Nop(),
		})
	}, store, zerolog.Nop())

	t.Cleanup(func() {
		f.registry.Close()
		store.Close()
	})
	return f
}

func (f *fixture) handler(limit int) http.Handler {
	return NewGatewayHandler(GatewayDeps{
		Registry:  f.registry,
		Hub:       f.hub,
		Journal:   f.store,
		Defaults:  intent.Defaults{Source: lead.SourceApify, MaxResults: 50, Cap: 500},
		Token:     testToken,
		TurnLimit: limit,
		Logger:    zerolog.Nop(),
	})
}

// wait blocks until the conversation's current run has ended.
func (f *fixture) wait(t *testing.T, id string) session.Outcome {
	t.Helper()
	c, ok := f.registry.Lookup(id)
	require.True(t, ok, "conversation %s not found", id)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := c.Wait(ctx)
	require.NoError(t, err)
	return out
}

func leadsPayload(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf(`{"name":"Lead %d","phone":"555-%04d","email":"lead%d@example.com"}`, i+1, i, i+1)
	}
	return `{"leads":[` + strings.Join(parts, ",") + `]}`
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v), "body: %s", rr.Body.String())
}

// --- tests ---

func TestGateway_Health(t *testing.T) {
	h := newFixture(t).handler(0)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestGateway_RequiresToken(t *testing.T) {
	h := newFixture(t).handler(0)

	for _, token := range []string{"", "wrong-token"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodGet, "/conversations", "", token))
		assert.Equal(t, http.StatusUnauthorized, rr.Code, "token %q", token)
	}
}

func TestGateway_StartTurn_Completes(t *testing.T) {
	f := newFixture(t)
	h := f.handler(0)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/conversations/conv-1/turns",
		`{"prompt":"generate 80 leads of plumbers in Texas"}`, testToken))
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var resp struct {
		ConversationID string                  `json:"conversationId"`
		Request        lead.AcquisitionRequest `json:"request"`
		Intent         intent.Intent           `json:"intent"`
		Summary        string                  `json:"summary"`
	}
	decodeBody(t, rr, &resp)
	assert.Equal(t, "conv-1", resp.ConversationID)
	assert.Equal(t, lead.SourceApify, resp.Request.Source)
	assert.Equal(t, 80, resp.Request.MaxResults)
	assert.Equal(t, "plumbers", resp.Intent.Niche)
	assert.Equal(t, "Texas", resp.Intent.Location)
	assert.Equal(t, "80 leads of plumbers in Texas", resp.Summary)

	out := f.wait(t, "conv-1")
	assert.Equal(t, lead.StateCompleted, out.State)
	assert.Len(t, out.Records, 2)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/conversations/conv-1", "", testToken))
	require.Equal(t, http.StatusOK, rr.Code)

	var view struct {
		State string `json:"state"`
		Reply string `json:"reply"`
	}
	decodeBody(t, rr, &view)
	assert.Equal(t, "idle", view.State)
	assert.True(t, strings.HasPrefix(view.Reply, "Successfully generated 2 leads using APIFY:"), view.Reply)
	assert.Contains(t, view.Reply, "1. Lead 1 | 555-0000 | lead1@example.com | N/A")
}

func TestGateway_StartTurn_RejectsInvalid(t *testing.T) {
	h := newFixture(t).handler(0)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"prompt":`},
		{"empty prompt", `{"prompt":"   "}`},
		{"unknown source", `{"prompt":"plumbers","source":"yellowpages"}`},
		{"negative max", `{"prompt":"plumbers","maxResults":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, authReq(http.MethodPost, "/conversations/c/turns", tt.body, testToken))
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			assert.Contains(t, rr.Body.String(), "invalid_request_error")
		})
	}
}

func TestGateway_StartTurn_ConflictWhileRunning(t *testing.T) {
	f := newFixture(t)
	f.backend.gate = make(chan struct{})
	h := f.handler(0)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/conversations/busy/turns", `{"prompt":"dentists in Ohio"}`, testToken))
	require.Equal(t, http.StatusAccepted, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/conversations/busy/turns", `{"prompt":"dentists in Utah"}`, testToken))
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, rr.Body.String(), "conflict_error")

	close(f.backend.gate)
	assert.Equal(t, lead.StateCompleted, f.wait(t, "busy").State)
}

func TestGateway_ChallengeFlow(t *testing.T) {
	f := newFixture(t)
	f.backend.fetchBody = []byte(`{"captchaRequired":true,"sessionId":"abc123","siteKey":"site-1"}`)
	f.backend.resumeBody = []byte(leadsPayload(3))
	h := f.handler(0)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/conversations/conv-2/turns",
		`{"prompt":"roofers in Denver","source":"apollo","maxResults":10}`, testToken))
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Equal(t, lead.StateAwaitingChallenge, f.wait(t, "conv-2").State)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/conversations/conv-2", "", testToken))
	var view ConversationView
	decodeBody(t, rr, &view)
	assert.Equal(t, lead.StateAwaitingChallenge, view.State)
	require.NotNil(t, view.Challenge)
	assert.Equal(t, "abc123", view.Challenge.SessionID)
	assert.Equal(t, "site-1", view.Challenge.ChallengeSiteKey)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/conversations/conv-2/challenge", `{"proof":""}`, testToken))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/conversations/conv-2/challenge", `{"proof":"tok"}`, testToken))
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	out := f.wait(t, "conv-2")
	assert.Equal(t, lead.StateCompleted, out.State)
	assert.Len(t, out.Records, 3)

	f.backend.mu.Lock()
	require.Len(t, f.backend.resumes, 1)
	assert.Equal(t, "abc123", f.backend.resumes[0].SessionID)
	assert.Equal(t, "tok", f.backend.resumes[0].Proof)
	f.backend.mu.Unlock()

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/conversations/conv-2/challenge", `{"proof":"tok"}`, testToken))
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestGateway_CancelChallenge(t *testing.T) {
	f := newFixture(t)
	f.backend.fetchBody = []byte(`{"captchaRequired":true,"sessionId":"abc","siteKey":"k"}`)
	h := f.handler(0)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodDelete, "/conversations/conv-3/challenge", "", testToken))
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/conversations/conv-3/turns", `{"prompt":"bakers"}`, testToken))
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Equal(t, lead.StateAwaitingChallenge, f.wait(t, "conv-3").State)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodDelete, "/conversations/conv-3/challenge", "", testToken))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"state":"idle"}`, rr.Body.String())

	_, err := f.store.GetChallenge(context.Background(), "conv-3")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGateway_ListConversations(t *testing.T) {
	f := newFixture(t)
	h := f.handler(0)

	for _, id := range []string{"b", "a"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodPost, "/conversations/"+id+"/turns", `{"prompt":"bakers"}`, testToken))
		require.Equal(t, http.StatusAccepted, rr.Code)
		f.wait(t, id)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/conversations", "", testToken))
	require.Equal(t, http.StatusOK, rr.Code)

	var list []session.Summary
	decodeBody(t, rr, &list)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ConversationID)
	assert.Equal(t, "b", list[1].ConversationID)
}

func TestGateway_UnknownConversation(t *testing.T) {
	f := newFixture(t)
	h := f.handler(0)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/conversations/ghost", "", testToken))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/conversations/ghost/challenge", `{"proof":"tok"}`, testToken))
	assert.Equal(t, http.StatusConflict, rr.Code)

	_, ok := f.registry.Lookup("ghost")
	assert.False(t, ok, "reads must not register a controller")
	assert.Empty(t, f.registry.List())

	ch := lead.ChallengeContext{
		SessionID:          "abc",
		ChallengeSiteKey:   "k",
		OriginatingRequest: lead.AcquisitionRequest{Prompt: "bakers", Source: lead.SourceApify, MaxResults: 50},
	}
	require.NoError(t, f.store.PutChallenge(context.Background(), "paused", ch))

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/conversations/paused", "", testToken))
	require.Equal(t, http.StatusOK, rr.Code)
	var view ConversationView
	decodeBody(t, rr, &view)
	assert.Equal(t, lead.StateAwaitingChallenge, view.State)
	require.NotNil(t, view.Challenge)
	assert.Equal(t, "abc", view.Challenge.SessionID)
}

func TestGateway_Sessions(t *testing.T) {
	f := newFixture(t)
	h := f.handler(0)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/conversations/conv-4/turns", `{"prompt":"florists"}`, testToken))
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Equal(t, lead.StateCompleted, f.wait(t, "conv-4").State)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/sessions?conversation=conv-4", "", testToken))
	require.Equal(t, http.StatusOK, rr.Code)

	var sessions []storage.SessionRecord
	decodeBody(t, rr, &sessions)
	require.Len(t, sessions, 1)
	assert.Equal(t, storage.OutcomeCompleted, sessions[0].Outcome)
	assert.Equal(t, session.TransportSingle, sessions[0].Transport)
	assert.Equal(t, 2, sessions[0].Records)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/sessions/"+sessions[0].ID, "", testToken))
	require.Equal(t, http.StatusOK, rr.Code)

	var detail struct {
		Session storage.SessionRecord `json:"session"`
		Records []lead.Record         `json:"records"`
	}
	decodeBody(t, rr, &detail)
	assert.Equal(t, "florists", detail.Session.Prompt)
	assert.Len(t, detail.Records, 2)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/sessions/missing", "", testToken))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/sessions?conversation=other", "", testToken))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}

func TestGateway_SessionsWithoutJournal(t *testing.T) {
	f := newFixture(t)
	h := NewGatewayHandler(GatewayDeps{Registry: f.registry, Hub: f.hub, Token: testToken, Logger: zerolog.Nop()})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/sessions", "", testToken))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGateway_RegistryClosed(t *testing.T) {
	f := newFixture(t)
	h := f.handler(0)
	require.NoError(t, f.registry.Close())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/conversations/late", "", testToken))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestGateway_TurnRateLimit(t *testing.T) {
	h := newFixture(t).handler(2)

	codes := make([]int, 3)
	for i := range codes {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodPost, "/conversations/c/turns", `{"prompt":""}`, testToken))
		codes[i] = rr.Code
		if i == 2 {
			assert.NotEmpty(t, rr.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{http.StatusBadRequest, http.StatusBadRequest, http.StatusTooManyRequests}, codes)

	// Reads are not limited.
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/conversations", "", testToken))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestGateway_Metrics(t *testing.T) {
	f := newFixture(t)
	h := NewGatewayHandler(GatewayDeps{
		Registry: f.registry,
		Hub:      f.hub,
		Token:    testToken,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "leadchat_sessions_started_total 0\n")
		}),
		Logger: zerolog.Nop(),
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "leadchat_sessions_started_total")
}

// --- SSE ---

type sseEvent struct {
	name string
	data string
}

func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if ev.name != "" {
				return ev
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestGateway_Events(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.handler(0))
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/conversations/live/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	snap := readEvent(t, r)
	require.Equal(t, EventSnapshot, snap.name)
	assert.Contains(t, snap.data, `"conversationId":"live"`)
	assert.Contains(t, snap.data, `"state":"idle"`)
	require.Equal(t, 1, f.hub.Subscribers("live"))

	turn, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/conversations/live/turns",
		strings.NewReader(`{"prompt":"generate 5 leads of cafes in Paris"}`))
	require.NoError(t, err)
	turn.Header.Set("Authorization", "Bearer "+testToken)
	turnResp, err := http.DefaultClient.Do(turn)
	require.NoError(t, err)
	turnResp.Body.Close()
	require.Equal(t, http.StatusAccepted, turnResp.StatusCode)

	var result sseEvent
	for result.name != EventResult {
		result = readEvent(t, r)
		require.NotEqual(t, EventError, result.name, result.data)
	}

	var payload struct {
		Count   int           `json:"count"`
		Records []lead.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal([]byte(result.data), &payload))
	assert.Equal(t, 2, payload.Count)
	assert.Len(t, payload.Records, 2)
}

func TestGateway_EventsRequireToken(t *testing.T) {
	h := newFixture(t).handler(0)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/conversations/x/events", "", ""))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
