package authn

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := NewRevocationStore(rdb, nil)
	return NewService("test-secret", 30*time.Minute, store), mr
}

func TestIssueAndVerify(t *testing.T) {
	svc, _ := newTestService(t)

	token, expiry, err := svc.Issue("user-17", []string{"checkout"})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, expiry)

	identity, err := svc.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-17", identity.Subject)
	assert.Equal(t, []string{"checkout"}, identity.Scopes)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), identity.ExpiresAt, time.Minute)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Verify(context.Background(), "not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	svc, _ := newTestService(t)
	other := NewService("different-secret", time.Minute, nil)

	token, _, err := other.Issue("user-17", nil)
	require.NoError(t, err)

	_, err = svc.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpired(t *testing.T) {
	now := time.Now()
	svc := NewService("test-secret", time.Minute, nil, WithNow(func() time.Time { return now }))

	token, _, err := svc.Issue("user-17", nil)
	require.NoError(t, err)

	// Move the clock past expiry.
	now = now.Add(2 * time.Minute)
	_, err = svc.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRevocation(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	token, _, err := svc.Issue("user-17", nil)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, token))

	_, err = svc.Verify(ctx, token)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	// Revoking twice is a no-op.
	assert.NoError(t, svc.Revoke(ctx, token))

	// The revocation entry expires with the token's remaining lifetime.
	mr.FastForward(31 * time.Minute)
	_, err = svc.Verify(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidToken, "token itself has expired by then")
}

func TestRevocationFailsOpen(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	token, _, err := svc.Issue("user-17", nil)
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, token))

	// With redis down the revocation check fails open: the token verifies.
	mr.Close()
	identity, err := svc.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "user-17", identity.Subject)
}
