package keystore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmitrijs2005/chatsync/internal/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, passphrase string) (*Store, string) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "keys.db")
	s, err := Open(context.Background(), dsn, []byte(passphrase))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, dsn
}

func TestOpen_WrongPassphraseRejected(t *testing.T) {
	_, dsn := openStore(t, "correct horse")

	_, err := Open(context.Background(), dsn, []byte("battery staple"))
	assert.ErrorIs(t, err, common.ErrUnauthorized)
}

func TestKeyPair_RoundTrip(t *testing.T) {
	s, _ := openStore(t, "pw")
	ctx := context.Background()

	kp := &KeyPair{
		ID:        uuid.NewString(),
		UserID:    "alice",
		Public:    []byte("public-der"),
		Private:   []byte("private-der"),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(7 * 24 * time.Hour),
	}
	require.NoError(t, s.SaveKeyPair(ctx, kp))

	got, err := s.CurrentKeyPair(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, kp.ID, got.ID)
	assert.Equal(t, []byte("public-der"), got.Public)
	assert.Equal(t, []byte("private-der"), got.Private, "private key must decrypt to original")
}

func TestCurrentKeyPair_SkipsExpired(t *testing.T) {
	s, _ := openStore(t, "pw")
	ctx := context.Background()

	expired := &KeyPair{
		ID:        uuid.NewString(),
		UserID:    "alice",
		Public:    []byte("old-pub"),
		Private:   []byte("old-priv"),
		CreatedAt: time.Now().Add(-14 * 24 * time.Hour),
		ExpiresAt: time.Now().Add(-7 * 24 * time.Hour),
	}
	require.NoError(t, s.SaveKeyPair(ctx, expired))

	_, err := s.CurrentKeyPair(ctx, "alice")
	assert.ErrorIs(t, err, common.ErrNotFound)

	// the expired pair is still reachable for draining old handshakes
	all, err := s.KeyPairs(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSessionKey_PrivateBytesEncryptedAtRest(t *testing.T) {
	s, dsn := openStore(t, "pw")
	ctx := context.Background()

	key := common.GenerateRandByteArray(32)
	sk := &SessionKey{
		ID:             uuid.NewString(),
		ConversationID: "c1",
		Key:            key,
		CreatedAt:      time.Now(),
		ExpiresAt:      time.Now().Add(7 * 24 * time.Hour),
	}
	require.NoError(t, s.SaveSessionKey(ctx, sk))

	var stored []byte
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT key_enc FROM session_keys WHERE id=?`, sk.ID).Scan(&stored))
	assert.NotEqual(t, key, stored, "raw key bytes must never hit disk")

	got, err := s.SessionKey(ctx, sk.ID)
	require.NoError(t, err)
	assert.Equal(t, key, got.Key)

	_ = dsn
}

func TestActiveSessionKey_NewestUnretired(t *testing.T) {
	s, _ := openStore(t, "pw")
	ctx := context.Background()

	older := &SessionKey{
		ID:             "k-old",
		ConversationID: "c1",
		Key:            common.GenerateRandByteArray(32),
		CreatedAt:      time.Now().Add(-time.Hour),
		ExpiresAt:      time.Now().Add(time.Hour),
	}
	newer := &SessionKey{
		ID:             "k-new",
		ConversationID: "c1",
		Key:            common.GenerateRandByteArray(32),
		CreatedAt:      time.Now(),
		ExpiresAt:      time.Now().Add(time.Hour),
	}
	require.NoError(t, s.SaveSessionKey(ctx, older))
	require.NoError(t, s.SaveSessionKey(ctx, newer))

	got, err := s.ActiveSessionKey(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "k-new", got.ID)

	require.NoError(t, s.RetireSessionKey(ctx, "k-new"))
	got, err = s.ActiveSessionKey(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "k-old", got.ID)
}

func TestRetireAndPurge_DrainWindow(t *testing.T) {
	s, _ := openStore(t, "pw")
	ctx := context.Background()

	sk := &SessionKey{
		ID:             "k1",
		ConversationID: "c1",
		Key:            common.GenerateRandByteArray(32),
		CreatedAt:      time.Now(),
		ExpiresAt:      time.Now().Add(time.Hour),
	}
	require.NoError(t, s.SaveSessionKey(ctx, sk))
	require.NoError(t, s.RetireSessionKey(ctx, "k1"))

	// retired keys stay resolvable during the drain window
	got, err := s.SessionKey(ctx, "k1")
	require.NoError(t, err)
	assert.NotNil(t, got.RetiredAt)

	// long retention: nothing purged
	n, err := s.PurgeRetired(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	// zero retention: the retired key is erased
	time.Sleep(5 * time.Millisecond)
	n, err = s.PurgeRetired(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.SessionKey(ctx, "k1")
	assert.ErrorIs(t, err, common.ErrKeyExpired)
}
