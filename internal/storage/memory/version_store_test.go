package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewVersionStore()

	_, ok, err := s.GetVersion(ctx, "c1", "doc")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.PutVersion(ctx, "c1", "doc", "v1"))
	require.NoError(t, s.PutVersion(ctx, "c2", "doc", "other"))
	v, ok, err := s.GetVersion(ctx, "c1", "doc")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, "v1", v)

	require.NoError(t, s.DeleteVersion(ctx, "c1", "doc"))
	_, ok, err = s.GetVersion(ctx, "c1", "doc")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, s.Len(), "other connections are untouched")
}

func TestVersionStoreKeepsEmptyVersion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewVersionStore()
	require.NoError(t, s.PutVersion(ctx, "c", "unversioned", ""))
	v, ok, err := s.GetVersion(ctx, "c", "unversioned")
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, v)
}
