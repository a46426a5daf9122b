package session

import (
	"context"
	"time"

	"github.com/kalambet/leadchat/internal/backend"
	"github.com/kalambet/leadchat/internal/lead"
	"github.com/kalambet/leadchat/internal/storage"
)

// Backend is the subset of the backend client the controller drives.
type Backend interface {
	Fetch(ctx context.Context, req lead.AcquisitionRequest) ([]byte, error)
	OpenStream(ctx context.Context, req lead.AcquisitionRequest) (Stream, error)
	Resume(ctx context.Context, req backend.ResumeRequest) ([]byte, error)
}

// Stream is an open event channel. Close must be idempotent.
type Stream interface {
	Frames() <-chan backend.Frame
	Close() error
}

// NewBackend adapts a backend client to the Backend interface.
func NewBackend(c *backend.Client) Backend {
	return clientBackend{Client: c}
}

type clientBackend struct {
	*backend.Client
}

func (b clientBackend) OpenStream(ctx context.Context, req lead.AcquisitionRequest) (Stream, error) {
	s, err := b.Client.OpenStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ChallengeStore persists the pending challenge of a conversation so it
// survives the process. GetChallenge returns storage.ErrNotFound when none
// is pending.
type ChallengeStore interface {
	PutChallenge(ctx context.Context, conversationID string, c lead.ChallengeContext) error
	GetChallenge(ctx context.Context, conversationID string) (lead.ChallengeContext, error)
	DeleteChallenge(ctx context.Context, conversationID string) error
}

// Journal records session history.
type Journal interface {
	SaveSession(r storage.SessionRecord) error
	FinishSession(id, transport, outcome string, records int, message string, at time.Time) error
	SaveRecords(sessionID string, records []lead.Record) error
}
