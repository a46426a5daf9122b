package api

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/kalambet/leadchat/internal/lead"
	"github.com/kalambet/leadchat/internal/session"
)

// SSE event names published per conversation.
const (
	EventSnapshot  = "snapshot"
	EventProgress  = "progress"
	EventChallenge = "challenge"
	EventResult    = "result"
	EventError     = "error"
	EventCancelled = "cancelled"
)

const subscriberBuffer = 64

// Event is one message for the conversation's subscribers.
type Event struct {
	Name string
	Data any
}

// Hub fans controller emissions out to the SSE subscribers of each
// conversation. A subscriber that falls behind loses events rather than
// blocking the session.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
	log  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subs: make(map[string]map[chan Event]struct{}),
		log:  logger,
	}
}

// Subscribe registers a subscriber for conversationID. The returned cancel
// function must be called to release it.
func (h *Hub) Subscribe(conversationID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	set, ok := h.subs[conversationID]
	if !ok {
		set = make(map[chan Event]struct{})
		h.subs[conversationID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(set, ch)
			if len(h.subs[conversationID]) == 0 {
				delete(h.subs, conversationID)
			}
		})
	}
}

// Subscribers returns the number of subscribers of conversationID.
func (h *Hub) Subscribers(conversationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[conversationID])
}

// Publish delivers ev to every subscriber of conversationID.
func (h *Hub) Publish(conversationID string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[conversationID] {
		select {
		case ch <- ev:
		default:
			h.log.Debug().Str("conversation_id", conversationID).Str("event", ev.Name).Msg("subscriber full, event dropped")
		}
	}
}

// Listener returns a session listener publishing to conversationID.
func (h *Hub) Listener(conversationID string) session.Listener {
	return session.ListenerFuncs{
		Progress: func(p lead.ProgressSnapshot) {
			h.Publish(conversationID, Event{Name: EventProgress, Data: p})
		},
		Challenge: func(c lead.ChallengeContext) {
			h.Publish(conversationID, Event{Name: EventChallenge, Data: c})
		},
		Result: func(records []lead.Record) {
			h.Publish(conversationID, Event{Name: EventResult, Data: resultPayload{Count: len(records), Records: records}})
		},
		Error: func(msg string) {
			h.Publish(conversationID, Event{Name: EventError, Data: errorPayload{Message: msg}})
		},
		Cancel: func() {
			h.Publish(conversationID, Event{Name: EventCancelled, Data: struct{}{}})
		},
	}
}

type resultPayload struct {
	Count   int           `json:"count"`
	Records []lead.Record `json:"records"`
}

type errorPayload struct {
	Message string `json:"message"`
}
