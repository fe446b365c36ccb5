package credential

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubIndex struct {
	inUse int // number of draws to report as taken
	calls int
	err   error
}

func (s *stubIndex) IdentityInUse(ctx context.Context, grantID, alias string) (bool, error) {
	s.calls++
	if s.err != nil {
		return false, s.err
	}
	if s.calls <= s.inUse {
		return true, nil
	}
	return false, nil
}

func TestNewIdentityFormat(t *testing.T) {
	f := NewFactory()

	id, err := f.NewIdentity(context.Background(), "DE", &stubIndex{})
	require.NoError(t, err)

	assert.Len(t, id.GrantID, 32)
	assert.Regexp(t, AliasPattern, id.RoutingAlias)
	assert.Contains(t, id.RoutingAlias, "user-de-")

	_, err = uuid.Parse(id.AccessSecret)
	assert.NoError(t, err)
}

func TestNewIdentityUnique(t *testing.T) {
	f := NewFactory()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := f.NewIdentity(context.Background(), "us", &stubIndex{})
		require.NoError(t, err)
		assert.False(t, seen[id.GrantID], "grant id repeated")
		assert.False(t, seen[id.RoutingAlias], "alias repeated")
		seen[id.GrantID] = true
		seen[id.RoutingAlias] = true
	}
}

func TestNewIdentityRetriesCollisions(t *testing.T) {
	f := NewFactory()
	idx := &stubIndex{inUse: 3}

	id, err := f.NewIdentity(context.Background(), "de", idx)
	require.NoError(t, err)
	assert.Equal(t, 4, idx.calls)
	assert.Regexp(t, AliasPattern, id.RoutingAlias)
}

func TestNewIdentityCapacityExhausted(t *testing.T) {
	f := NewFactory()
	idx := &stubIndex{inUse: 100}

	_, err := f.NewIdentity(context.Background(), "de", idx)
	assert.ErrorIs(t, err, ErrCapacity)
	assert.Equal(t, maxAttempts, idx.calls)
}

func TestNewIdentityPropagatesIndexError(t *testing.T) {
	f := NewFactory()
	idx := &stubIndex{err: errors.New("db down")}

	_, err := f.NewIdentity(context.Background(), "de", idx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCapacity)
}
