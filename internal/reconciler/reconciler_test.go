package reconciler

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/dmitrijs2005/chatsync/internal/common"
	"github.com/dmitrijs2005/chatsync/internal/ledger"
	"github.com/dmitrijs2005/chatsync/internal/logging"
	"github.com/dmitrijs2005/chatsync/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

// okDecrypter accepts every ciphertext except those on its reject list.
type okDecrypter struct {
	reject map[string]error
}

func (d *okDecrypter) Decrypt(_ context.Context, keyID string, ciphertext, _ []byte) ([]byte, error) {
	if err, ok := d.reject[string(ciphertext)]; ok {
		return nil, err
	}
	return []byte("plaintext"), nil
}

func setup(t *testing.T) (*Reconciler, *ledger.SQLiteRepository) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, ledger.RunMigrations(context.Background(), db))

	repo := ledger.NewSQLiteRepository(db)
	r := NewReconciler(repo, &okDecrypter{}, "alice", logging.NewNop())
	return r, repo
}

func seedConversation(t *testing.T, repo *ledger.SQLiteRepository, id string) {
	t.Helper()
	require.NoError(t, repo.CreateConversation(context.Background(), &ledger.Conversation{
		ID:           id,
		Participants: []string{"alice", "bob"},
	}))
}

func incoming(conv, id, sender string, pos int64) relay.Incoming {
	return relay.Incoming{
		Envelope: relay.Envelope{
			Kind:            relay.KindMessage,
			ConversationID:  conv,
			SenderID:        sender,
			Ciphertext:      []byte("ct-" + id),
			Nonce:           []byte("nonce-" + id),
			KeyID:           "key-1",
			ClientMessageID: id,
			ClientTimestamp: time.Now().UnixMilli(),
		},
		ServerPosition: pos,
	}
}

func TestApplyReceipt_AcknowledgesAndAdvancesCursor(t *testing.T) {
	r, repo := setup(t)
	ctx := context.Background()
	seedConversation(t, repo, "c1")

	_, err := repo.Append(ctx, &ledger.Message{
		ID: "m1", ConversationID: "c1", SenderID: "alice",
		Ciphertext: []byte("ct"), Nonce: []byte("n"), KeyID: "key-1",
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, r.ApplyReceipt(ctx, &relay.DeliveryReceipt{ClientMessageID: "m1", ServerPosition: 1}))

	m, err := repo.GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateAcknowledged, m.State)
	require.NotNil(t, m.ServerPosition)
	assert.Equal(t, int64(1), *m.ServerPosition)

	cursor, err := repo.Cursor(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cursor)
}

func TestApplyReceipt_Idempotent(t *testing.T) {
	r, repo := setup(t)
	ctx := context.Background()
	seedConversation(t, repo, "c1")

	_, err := repo.Append(ctx, &ledger.Message{
		ID: "m1", ConversationID: "c1", SenderID: "alice",
		Ciphertext: []byte("ct"), Nonce: []byte("n"), KeyID: "key-1",
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	receipt := &relay.DeliveryReceipt{ClientMessageID: "m1", ServerPosition: 1}
	require.NoError(t, r.ApplyReceipt(ctx, receipt))
	require.NoError(t, r.ApplyReceipt(ctx, receipt))

	cursor, err := repo.Cursor(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cursor)
}

func TestApplyReceipt_UnknownMessage(t *testing.T) {
	r, _ := setup(t)
	err := r.ApplyReceipt(context.Background(), &relay.DeliveryReceipt{ClientMessageID: "ghost", ServerPosition: 1})
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestApplyRemote_AppendsAcknowledged(t *testing.T) {
	r, repo := setup(t)
	ctx := context.Background()
	seedConversation(t, repo, "c1")

	require.NoError(t, r.ApplyRemote(ctx, incoming("c1", "m1", "bob", 1)))

	m, err := repo.GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateAcknowledged, m.State)
	assert.Equal(t, "bob", m.SenderID)
	require.NotNil(t, m.ServerPosition)
	assert.Equal(t, int64(1), *m.ServerPosition)
}

func TestApplyRemote_CreatesUnknownConversation(t *testing.T) {
	r, repo := setup(t)
	ctx := context.Background()

	require.NoError(t, r.ApplyRemote(ctx, incoming("c-new", "m1", "bob", 1)))

	conv, err := repo.GetConversation(ctx, "c-new")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, conv.Participants)
}

func TestApplyRemote_SelfEchoDeduplicates(t *testing.T) {
	r, repo := setup(t)
	ctx := context.Background()
	seedConversation(t, repo, "c1")

	// local pending copy already in the ledger
	_, err := repo.Append(ctx, &ledger.Message{
		ID: "m1", ConversationID: "c1", SenderID: "alice",
		Ciphertext: []byte("local-ct"), Nonce: []byte("n"), KeyID: "key-1",
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	echo := incoming("c1", "m1", "alice", 1)
	require.NoError(t, r.ApplyRemote(ctx, echo))
	require.NoError(t, r.ApplyRemote(ctx, echo))

	timeline, err := repo.Timeline(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, timeline, 1)
	assert.Equal(t, []byte("local-ct"), timeline[0].Ciphertext)
	require.NotNil(t, timeline[0].ServerPosition)
	assert.Equal(t, int64(1), *timeline[0].ServerPosition)
}

func TestApplyRemote_OutOfOrderBuffersGap(t *testing.T) {
	r, repo := setup(t)
	ctx := context.Background()
	seedConversation(t, repo, "c1")

	require.NoError(t, r.ApplyRemote(ctx, incoming("c1", "m1", "bob", 1)))
	require.NoError(t, r.ApplyRemote(ctx, incoming("c1", "m3", "bob", 3)))

	cursor, err := repo.Cursor(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cursor, "cursor must not jump the gap at position 2")

	require.NoError(t, r.ApplyRemote(ctx, incoming("c1", "m2", "bob", 2)))

	cursor, err = repo.Cursor(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), cursor, "filling the gap releases the buffered position")
}

func TestApplyRemote_CursorNeverMovesBackwards(t *testing.T) {
	r, repo := setup(t)
	ctx := context.Background()
	seedConversation(t, repo, "c1")

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, r.ApplyRemote(ctx, incoming("c1", fmt.Sprintf("m%d", i), "bob", i)))
	}
	// duplicate of an old position
	require.NoError(t, r.ApplyRemote(ctx, incoming("c1", "m2", "bob", 2)))

	cursor, err := repo.Cursor(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), cursor)
}

func TestApplyRemote_TamperedCiphertextStoredFailed(t *testing.T) {
	r, repo := setup(t)
	ctx := context.Background()
	seedConversation(t, repo, "c1")

	r.crypto = &okDecrypter{reject: map[string]error{
		"ct-bad": fmt.Errorf("open: %w", common.ErrAuthenticationFailed),
	}}

	require.NoError(t, r.ApplyRemote(ctx, incoming("c1", "bad", "bob", 1)))

	m, err := repo.GetByID(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateFailed, m.State)
	assert.Equal(t, []byte("ct-bad"), m.Ciphertext, "raw bytes preserved for inspection")
}

func TestApplyRemote_UnretainedKeyStillStored(t *testing.T) {
	r, repo := setup(t)
	ctx := context.Background()
	seedConversation(t, repo, "c1")

	r.crypto = &okDecrypter{reject: map[string]error{
		"ct-m1": fmt.Errorf("key: %w", common.ErrKeyExpired),
	}}

	require.NoError(t, r.ApplyRemote(ctx, incoming("c1", "m1", "bob", 1)))

	m, err := repo.GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateAcknowledged, m.State, "key may still arrive via a proposal")
}

func TestApplyRemote_ReadEventUpdatesReadBy(t *testing.T) {
	r, repo := setup(t)
	ctx := context.Background()
	seedConversation(t, repo, "c1")

	require.NoError(t, r.ApplyRemote(ctx, incoming("c1", "m1", "alice", 1)))

	read := relay.Incoming{Envelope: relay.Envelope{
		Kind:           relay.KindRead,
		ConversationID: "c1",
		SenderID:       "bob",
		Ref:            "m1",
	}}
	require.NoError(t, r.ApplyRemote(ctx, read))

	m, err := repo.GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.Contains(t, m.ReadBy, "bob")

	cursor, err := repo.Cursor(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cursor, "control frames never move the cursor")
}

func TestApplyRemote_ReadEventForUnknownMessageIgnored(t *testing.T) {
	r, repo := setup(t)
	seedConversation(t, repo, "c1")

	read := relay.Incoming{Envelope: relay.Envelope{
		Kind:           relay.KindRead,
		ConversationID: "c1",
		SenderID:       "bob",
		Ref:            "ghost",
	}}
	assert.NoError(t, r.ApplyRemote(context.Background(), read))
}

func TestUpdates_NotifiesChangedConversation(t *testing.T) {
	r, repo := setup(t)
	ctx := context.Background()
	seedConversation(t, repo, "c1")

	require.NoError(t, r.ApplyRemote(ctx, incoming("c1", "m1", "bob", 1)))

	select {
	case conv := <-r.Updates():
		assert.Equal(t, "c1", conv)
	default:
		t.Fatal("expected an update notification")
	}
}
