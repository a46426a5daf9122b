package session

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/leadchat/internal/lead"
	"github.com/kalambet/leadchat/internal/storage"
)

func newTestRegistry(t *testing.T, b Backend, store ChallengeStore) *Registry {
	t.Helper()
	r := NewRegistry(func(id string) *Controller {
		return New(id, b, Options{Store: store, Logger: zerolog.Nop()})
	}, store, zerolog.Nop())
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegistry_GetCreatesOnce(t *testing.T) {
	r := newTestRegistry(t, &fakeBackend{}, nil)
	ctx := context.Background()

	a, err := r.Get(ctx, "conv-a")
	require.NoError(t, err)
	again, err := r.Get(ctx, "conv-a")
	require.NoError(t, err)
	assert.Same(t, a, again)

	_, ok := r.Lookup("conv-b")
	assert.False(t, ok)
	b, err := r.Get(ctx, "conv-b")
	require.NoError(t, err)
	assert.NotSame(t, a, b)

	got, ok := r.Lookup("conv-b")
	require.True(t, ok)
	assert.Same(t, b, got)
}

func TestRegistry_RestoresPendingChallenge(t *testing.T) {
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	ch := lead.ChallengeContext{SessionID: "abc123", ChallengeSiteKey: "xyz", OriginatingRequest: scraperReq}
	require.NoError(t, store.PutChallenge(ctx, "conv-1", ch))

	b := &fakeBackend{resumeBody: []byte(`{"leads":` + leadsJSON(5) + `}`)}
	r := newTestRegistry(t, b, store)

	c, err := r.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, lead.StateAwaitingChallenge, c.State())
	restored, ok := c.Challenge()
	require.True(t, ok)
	assert.Equal(t, ch, restored)

	require.NoError(t, c.Resume("tok"))
	out := wait(t, c)
	assert.Equal(t, lead.StateCompleted, out.State)
	assert.Len(t, out.Records, 5)

	_, err = store.GetChallenge(ctx, "conv-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRegistry_ListSorted(t *testing.T) {
	store := newMemStore()
	store.items["conv-b"] = lead.ChallengeContext{SessionID: "s", ChallengeSiteKey: "k", OriginatingRequest: scraperReq}
	r := newTestRegistry(t, &fakeBackend{}, store)

	ctx := context.Background()
	for _, id := range []string{"conv-c", "conv-a", "conv-b"} {
		_, err := r.Get(ctx, id)
		require.NoError(t, err)
	}

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "conv-a", list[0].ConversationID)
	assert.Equal(t, "conv-b", list[1].ConversationID)
	assert.Equal(t, "conv-c", list[2].ConversationID)
	assert.Equal(t, lead.StateIdle, list[0].State)
	assert.Equal(t, lead.StateAwaitingChallenge, list[1].State)
}

func TestRegistry_CloseRejectsGet(t *testing.T) {
	stream := newFakeStream()
	b := &fakeBackend{stream: stream}
	r := newTestRegistry(t, b, nil)

	c, err := r.Get(context.Background(), "conv-1")
	require.NoError(t, err)
	require.NoError(t, c.Start(scraperReq))

	require.NoError(t, r.Close())
	assert.True(t, stream.isClosed())
	assert.Equal(t, lead.StateIdle, c.State())

	_, err = r.Get(context.Background(), "conv-2")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRegistry_FindDoesNotRegister(t *testing.T) {
	store := newMemStore()
	r := newTestRegistry(t, &fakeBackend{}, store)
	ctx := context.Background()

	_, err := r.Find(ctx, "nobody")
	assert.ErrorIs(t, err, ErrUnknownConversation)
	_, ok := r.Lookup("nobody")
	assert.False(t, ok)
	assert.Empty(t, r.List())

	ch := lead.ChallengeContext{SessionID: "abc123", ChallengeSiteKey: "xyz", OriginatingRequest: scraperReq}
	require.NoError(t, store.PutChallenge(ctx, "paused", ch))
	paused, err := r.Find(ctx, "paused")
	require.NoError(t, err)
	assert.Equal(t, lead.StateAwaitingChallenge, paused.State())

	known, err := r.Get(ctx, "known")
	require.NoError(t, err)
	found, err := r.Find(ctx, "known")
	require.NoError(t, err)
	assert.Same(t, known, found)
	assert.Len(t, r.List(), 2)

	require.NoError(t, r.Close())
	_, err = r.Find(ctx, "known")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRegistry_FindWithoutStore(t *testing.T) {
	r := newTestRegistry(t, &fakeBackend{}, nil)

	_, err := r.Find(context.Background(), "conv-x")
	assert.ErrorIs(t, err, ErrUnknownConversation)
}
