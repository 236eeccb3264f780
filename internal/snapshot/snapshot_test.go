package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/serverless-gateway/internal/model"
)

func TestStore_PutGet(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, ok := s.Get(ctx, "p1")
	assert.False(t, ok)

	snap := &ProjectSnapshot{Project: model.Project{ID: "p1"}}
	s.Put(ctx, "p1", snap)

	got, ok := s.Get(ctx, "p1")
	require.True(t, ok)
	assert.Equal(t, "p1", got.Project.ID)
}

func TestStore_PutDoesNotMutateHeldReference(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.Put(ctx, "p1", &ProjectSnapshot{Project: model.Project{ID: "p1", Slug: "v1"}})
	held, ok := s.Get(ctx, "p1")
	require.True(t, ok)

	s.Put(ctx, "p1", &ProjectSnapshot{Project: model.Project{ID: "p1", Slug: "v2"}})

	assert.Equal(t, "v1", held.Project.Slug, "a snapshot already handed out must not change underfoot")

	latest, _ := s.Get(ctx, "p1")
	assert.Equal(t, "v2", latest.Project.Slug)
}

func TestStore_Invalidate(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.Put(ctx, "p1", &ProjectSnapshot{Project: model.Project{ID: "p1"}})
	s.Invalidate("p1")
	_, ok := s.Get(ctx, "p1")
	assert.False(t, ok)
}

func TestStore_ReadyWithNoMirror(t *testing.T) {
	s := New()
	assert.NoError(t, s.Ready(context.Background()))
}
