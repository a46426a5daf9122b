package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/kalambet/leadchat/internal/composer"
	"github.com/kalambet/leadchat/internal/intent"
	"github.com/kalambet/leadchat/internal/lead"
	"github.com/kalambet/leadchat/internal/session"
	"github.com/kalambet/leadchat/internal/storage"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	keepAliveInterval  = 15 * time.Second
)

// SessionJournal is the read side of the session journal.
type SessionJournal interface {
	ListSessions(conversationID string, limit int) ([]storage.SessionRecord, error)
	GetSession(id string) (storage.SessionRecord, error)
	GetRecords(sessionID string) ([]lead.Record, error)
}

type GatewayDeps struct {
	Registry *session.Registry
	Hub      *Hub
	Journal  SessionJournal // optional; /sessions returns 404 without it
	Defaults intent.Defaults
	Token    string
	// TurnLimit caps session-starting requests per client per minute.
	// Zero selects DefaultTurnLimit.
	TurnLimit int
	Metrics   http.Handler // optional
	Logger    zerolog.Logger
}

// TurnRequest starts a new chat turn.
type TurnRequest struct {
	Prompt     string `json:"prompt"`
	Source     string `json:"source,omitempty"`
	MaxResults int    `json:"maxResults,omitempty"`
}

// ChallengeRequest submits a challenge proof.
type ChallengeRequest struct {
	Proof string `json:"proof"`
}

// ConversationView is the state of one conversation.
type ConversationView struct {
	ConversationID string                 `json:"conversationId"`
	State          lead.SessionState      `json:"state"`
	Progress       lead.ProgressSnapshot  `json:"progress"`
	Challenge      *lead.ChallengeContext `json:"challenge,omitempty"`
	Last           *session.Outcome       `json:"last,omitempty"`
	Reply          string                 `json:"reply,omitempty"`
}

// NewGatewayHandler returns the local HTTP gateway. /health and /metrics are
// public; everything else needs the bearer token.
func NewGatewayHandler(deps GatewayDeps) http.Handler {
	limit := deps.TurnLimit
	if limit <= 0 {
		limit = DefaultTurnLimit
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/conversations", handleListConversations(deps))
		r.Get("/conversations/{id}", handleGetConversation(deps))
		r.Get("/conversations/{id}/events", handleEvents(deps))
		r.Delete("/conversations/{id}/challenge", handleCancelChallenge(deps))

		r.Group(func(r chi.Router) {
			r.Use(RateLimit(limit, time.Minute))
			r.Post("/conversations/{id}/turns", handleStartTurn(deps))
			r.Post("/conversations/{id}/challenge", handleSolveChallenge(deps))
		})

		r.Get("/sessions", handleListSessions(deps))
		r.Get("/sessions/{id}", handleGetSession(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleStartTurn(deps GatewayDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req TurnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		acq, err := deps.Defaults.Build(req.Prompt, req.Source, req.MaxResults)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		c, err := deps.Registry.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if err := c.Start(acq); err != nil {
			writeError(w, err)
			return
		}

		in := intent.Parse(acq.Prompt)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"conversationId": c.ConversationID(),
			"state":          c.State(),
			"request":        acq,
			"intent":         in,
			"summary":        in.Describe(),
		})
	}
}

func handleGetConversation(deps GatewayDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := deps.Registry.Find(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conversationView(c))
	}
}

func conversationView(c *session.Controller) ConversationView {
	v := ConversationView{
		ConversationID: c.ConversationID(),
		State:          c.State(),
		Progress:       c.Progress(),
	}
	if ch, ok := c.Challenge(); ok {
		v.Challenge = &ch
	}
	last := c.Last()
	if last.Request.Prompt != "" {
		v.Last = &last
		v.Reply = replyFor(last)
	}
	return v
}

// challengeTarget finds the controller a challenge request addresses. A
// conversation nobody has seen has no pending challenge.
func challengeTarget(ctx context.Context, reg *session.Registry, id string) (*session.Controller, error) {
	c, err := reg.Find(ctx, id)
	if errors.Is(err, session.ErrUnknownConversation) {
		return nil, session.ErrNoPendingChallenge
	}
	return c, err
}

func replyFor(out session.Outcome) string {
	switch out.State {
	case lead.StateCompleted:
		return composer.Reply(out.Request.Prompt, out.Request.Source, out.Records)
	case lead.StateFailed:
		return composer.Failure(out.Message)
	case lead.StateAwaitingChallenge:
		if out.Challenge != nil {
			return composer.Challenge(*out.Challenge)
		}
	}
	return ""
}

func handleListConversations(deps GatewayDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Registry.List())
	}
}

func handleSolveChallenge(deps GatewayDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ChallengeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		c, err := challengeTarget(r.Context(), deps.Registry, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if err := c.Resume(req.Proof); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"state": c.State()})
	}
}

func handleCancelChallenge(deps GatewayDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := challengeTarget(r.Context(), deps.Registry, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if err := c.Cancel(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": c.State()})
	}
}

func handleEvents(deps GatewayDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		id := chi.URLParam(r, "id")
		snapshot := ConversationView{ConversationID: id, State: lead.StateIdle}
		c, err := deps.Registry.Find(r.Context(), id)
		switch {
		case err == nil:
			snapshot = conversationView(c)
		case errors.Is(err, session.ErrUnknownConversation):
			// Subscribing ahead of the first turn is allowed.
		default:
			writeError(w, err)
			return
		}

		events, cancel := deps.Hub.Subscribe(id)
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		log := deps.Logger.With().Str("conversation_id", id).Logger()
		log.Debug().Msg("event subscriber attached")
		defer log.Debug().Msg("event subscriber detached")

		if err := writeEvent(w, Event{Name: EventSnapshot, Data: snapshot}); err != nil {
			return
		}
		flusher.Flush()

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case ev := <-events:
				if err := writeEvent(w, ev); err != nil {
					log.Debug().Err(err).Msg("writing event failed")
					return
				}
				flusher.Flush()
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
	return err
}

func handleListSessions(deps GatewayDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Journal == nil {
			httpError(w, http.StatusNotFound, "not_found", "session journal not configured")
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)
		sessions, err := deps.Journal.ListSessions(r.URL.Query().Get("conversation"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list sessions: %v", err)
			return
		}
		if sessions == nil {
			sessions = []storage.SessionRecord{}
		}
		writeJSON(w, http.StatusOK, sessions)
	}
}

func handleGetSession(deps GatewayDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Journal == nil {
			httpError(w, http.StatusNotFound, "not_found", "session journal not configured")
			return
		}
		id := chi.URLParam(r, "id")

		rec, err := deps.Journal.GetSession(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get session: %v", err)
			return
		}
		records, err := deps.Journal.GetRecords(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get records: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"session": rec,
			"records": records,
		})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
