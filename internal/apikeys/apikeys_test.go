package apikeys

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grokgate/grokgate/internal/logger"
	"github.com/grokgate/grokgate/internal/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	m := NewManager(store, 0, logger.Discard())
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

func TestCreateValidateDelete(t *testing.T) {
	m := newTestManager(t)
	k := m.Create("ci")

	assert.True(t, strings.HasPrefix(k.Key, "sk-"))
	assert.True(t, m.Validate(k.Key))
	assert.False(t, m.Validate("sk-bogus"))

	require.True(t, m.Delete(k.ID))
	assert.False(t, m.Validate(k.Key))
	assert.False(t, m.Delete(k.ID))
}

func TestDisabledKeyRejected(t *testing.T) {
	m := newTestManager(t)
	k := m.Create("ci")

	require.True(t, m.SetDisabled(k.ID, true))
	assert.False(t, m.Validate(k.Key))

	require.True(t, m.SetDisabled(k.ID, false))
	assert.True(t, m.Validate(k.Key))
}

func TestMasked(t *testing.T) {
	k := &Key{Key: "sk-0123456789abcdef"}
	assert.Equal(t, "sk-0123...cdef", k.Masked())
	short := &Key{Key: "sk-short"}
	assert.Equal(t, "sk-short", short.Masked())
}

func TestPersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	m1 := NewManager(store, 0, logger.Discard())
	k := m1.Create("ci")
	require.NoError(t, m1.Close(ctx))

	m2 := NewManager(store, 0, logger.Discard())
	defer m2.Close(ctx)
	require.NoError(t, m2.Load(ctx))
	assert.True(t, m2.Validate(k.Key))
	require.Len(t, m2.List(), 1)
}
