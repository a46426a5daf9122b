package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kalambet/leadchat/internal/lead"
	"github.com/kalambet/leadchat/internal/storage"
)

// Factory builds the controller of a new conversation.
type Factory func(conversationID string) *Controller

// Registry maps conversation ids to their controllers. Controllers are
// created on first use; a challenge left pending by an earlier process is
// restored at that point.
type Registry struct {
	mu          sync.Mutex
	controllers map[string]*Controller
	factory     Factory
	store       ChallengeStore
	log         zerolog.Logger
	closed      bool
}

// NewRegistry creates a registry. store may be nil.
func NewRegistry(factory Factory, store ChallengeStore, logger zerolog.Logger) *Registry {
	return &Registry{
		controllers: make(map[string]*Controller),
		factory:     factory,
		store:       store,
		log:         logger,
	}
}

// ErrUnknownConversation is returned by Find for a conversation that has no
// controller and no pending challenge.
var ErrUnknownConversation = errors.New("unknown conversation")

// Get returns the controller of conversationID, creating it if needed.
func (r *Registry) Get(ctx context.Context, conversationID string) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if c, ok := r.controllers[conversationID]; ok {
		return c, nil
	}

	c := r.factory(conversationID)
	if r.store != nil {
		ch, err := r.store.GetChallenge(ctx, conversationID)
		switch {
		case err == nil:
			if err := c.Restore(ch); err != nil {
				return nil, err
			}
		case errors.Is(err, storage.ErrNotFound):
		default:
			r.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("loading pending challenge failed")
		}
	}
	r.controllers[conversationID] = c
	return c, nil
}

// Find returns the controller of conversationID only if one exists or a
// challenge is pending for it in the store. Unlike Get it never registers an
// empty controller.
func (r *Registry) Find(ctx context.Context, conversationID string) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if c, ok := r.controllers[conversationID]; ok {
		return c, nil
	}
	if r.store == nil {
		return nil, ErrUnknownConversation
	}

	ch, err := r.store.GetChallenge(ctx, conversationID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnknownConversation
	}
	if err != nil {
		return nil, fmt.Errorf("loading pending challenge: %w", err)
	}
	c := r.factory(conversationID)
	if err := c.Restore(ch); err != nil {
		return nil, err
	}
	r.controllers[conversationID] = c
	return c, nil
}

// Lookup returns an existing controller without creating one.
func (r *Registry) Lookup(conversationID string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.controllers[conversationID]
	return c, ok
}

// Summary is a point-in-time view of one conversation.
type Summary struct {
	ConversationID string                `json:"conversationId"`
	State          lead.SessionState     `json:"state"`
	Progress       lead.ProgressSnapshot `json:"progress"`
}

// List summarises every known conversation, sorted by id.
func (r *Registry) List() []Summary {
	r.mu.Lock()
	ctrls := make([]*Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		ctrls = append(ctrls, c)
	}
	r.mu.Unlock()

	out := make([]Summary, 0, len(ctrls))
	for _, c := range ctrls {
		out = append(out, Summary{
			ConversationID: c.ConversationID(),
			State:          c.State(),
			Progress:       c.Progress(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

// Close closes every controller and rejects further Get calls.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	ctrls := make([]*Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		ctrls = append(ctrls, c)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range ctrls {
		wg.Add(1)
		go func(c *Controller) {
			defer wg.Done()
			c.Close()
		}(c)
	}
	wg.Wait()
	return nil
}
