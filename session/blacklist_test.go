package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hablas/sessiongate/token"
)

func TestBlacklistRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	access, err := f.codec.IssueAccessToken("u1", "a@example.com", token.RoleViewer, false)
	require.NoError(t, err)
	p, ok := f.codec.VerifyAccessToken(access)
	require.True(t, ok)

	listed, err := f.store.IsTokenBlacklisted(ctx, access)
	require.NoError(t, err)
	assert.False(t, listed)

	require.NoError(t, f.store.BlacklistToken(ctx, access, p.ExpiresAt))

	listed, err = f.store.IsTokenBlacklisted(ctx, access)
	require.NoError(t, err)
	assert.True(t, listed)

	_, ok = f.codec.VerifyAccessToken(access)
	assert.True(t, ok, "signature stays valid; only the blacklist denies it")
}

func TestBlacklistIsPerToken(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a, err := f.codec.IssueAccessToken("u1", "a@example.com", token.RoleViewer, false)
	require.NoError(t, err)
	b, err := f.codec.IssueAccessToken("u1", "a@example.com", token.RoleViewer, false)
	require.NoError(t, err)

	require.NoError(t, f.store.BlacklistToken(ctx, a, f.clock.now().Add(time.Hour)))

	listed, err := f.store.IsTokenBlacklisted(ctx, b)
	require.NoError(t, err)
	assert.False(t, listed)
}

func TestBlacklistEntryPrunedAfterExpiry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.BlacklistToken(ctx, "tok", f.clock.now().Add(time.Minute)))

	f.clock.advance(time.Minute)
	listed, err := f.store.IsTokenBlacklisted(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, listed)

	ids, err := f.repo.List(ctx, bucketBlacklist)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestBlacklistEmptyToken(t *testing.T) {
	f := newFixture(t, nil)
	assert.Error(t, f.store.BlacklistToken(context.Background(), "", time.Now()))

	listed, err := f.store.IsTokenBlacklisted(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, listed)
}

func TestSweep(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.store.CreateSession(ctx, "u1", "a@example.com", token.RoleViewer, "", "")
	require.NoError(t, err)
	require.NoError(t, f.store.BlacklistToken(ctx, "short", f.clock.now().Add(time.Hour)))
	require.NoError(t, f.store.BlacklistToken(ctx, "long", f.clock.now().Add(token.RefreshTTL+time.Hour)))

	res, err := f.store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	f.clock.advance(token.RefreshTTL)
	res, err = f.store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Sessions: 1, Blacklist: 1}, res)

	listed, err := f.store.IsTokenBlacklisted(ctx, "long")
	require.NoError(t, err)
	assert.True(t, listed)

	for _, bucket := range []string{bucketSessions, bucketRefresh} {
		ids, err := f.repo.List(ctx, bucket)
		require.NoError(t, err)
		assert.Empty(t, ids, bucket)
	}
}

func TestStartAndClose(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.BlacklistToken(ctx, "tok", f.clock.now().Add(time.Second)))
	f.clock.advance(time.Minute)

	f.store.Start(10 * time.Millisecond)
	f.store.Start(10 * time.Millisecond)

	assert.Eventually(t, func() bool {
		ids, err := f.repo.List(ctx, bucketBlacklist)
		return err == nil && len(ids) == 0
	}, time.Second, 10*time.Millisecond)

	f.store.Close()
	f.store.Close()
}

func TestCloseWithoutStart(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Close()
}
