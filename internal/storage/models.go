package storage

import (
	"errors"
	"time"

	"github.com/kalambet/leadchat/internal/lead"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Session outcomes as stored in the journal.
const (
	OutcomeRunning   = "running"
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeChallenge = "challenge"
	OutcomeCancelled = "cancelled"
	OutcomeAborted   = "aborted"
)

// SessionRecord is one journal row: a single acquisition attempt.
type SessionRecord struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	Source         lead.Source `json:"source"`
	Prompt         string      `json:"prompt"`
	MaxResults     int         `json:"maxResults"`
	Transport      string      `json:"transport"` // "stream", "fallback", "single", "resume"
	Outcome        string      `json:"outcome"`
	Records        int         `json:"records"`
	Message        string      `json:"message,omitempty"`
	StartedAt      time.Time   `json:"startedAt"`
	FinishedAt     time.Time   `json:"finishedAt"` // zero while running
}

// PendingChallenge is a suspended job waiting for a challenge proof.
type PendingChallenge struct {
	ConversationID string
	Challenge      lead.ChallengeContext
	CreatedAt      time.Time
}
