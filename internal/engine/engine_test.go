package engine_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmitrijs2005/chatsync/internal/client/config"
	"github.com/dmitrijs2005/chatsync/internal/cryptox"
	"github.com/dmitrijs2005/chatsync/internal/engine"
	"github.com/dmitrijs2005/chatsync/internal/ledger"
	"github.com/dmitrijs2005/chatsync/internal/logging"
	"github.com/dmitrijs2005/chatsync/internal/relay/relaytest"
	"github.com/dmitrijs2005/chatsync/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("engine-test-secret")

func newRelay(t *testing.T) *relaytest.Server {
	t.Helper()
	srv := relaytest.NewServer(testSecret)
	t.Cleanup(srv.Close)
	return srv
}

func newEngine(t *testing.T, srv *relaytest.Server, userID string) *engine.Engine {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.RelayAddr = srv.URL()
	cfg.UserID = userID
	cfg.LedgerPath = filepath.Join(dir, "ledger.db")
	cfg.KeystorePath = filepath.Join(dir, "keys.db")
	cfg.SyncInterval = 100 * time.Millisecond
	cfg.OnlineCheckInterval = 50 * time.Millisecond

	eng, err := engine.New(context.Background(), cfg, []byte("pass-"+userID), logging.NewNop(),
		scheduler.WithBackoff(10*time.Millisecond, 100*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, eng.Login(context.Background()))
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func startConversation(t *testing.T, engines []*engine.Engine, id string, participants []string) {
	t.Helper()
	for _, e := range engines {
		require.NoError(t, e.StartConversation(context.Background(), id, participants))
	}
}

func entryByID(entries []*engine.Entry, id string) *engine.Entry {
	for _, e := range entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func TestEnqueue_DeliversWithPosition(t *testing.T) {
	srv := newRelay(t)
	alice := newEngine(t, srv, "alice")
	newEngine(t, srv, "bob") // registers bob's identity key
	startConversation(t, []*engine.Engine{alice}, "c1", []string{"alice", "bob"})
	ctx := context.Background()

	id, err := alice.Enqueue(ctx, "c1", []byte("hi"))
	require.NoError(t, err)

	require.NoError(t, alice.Sync(ctx))

	entries, err := alice.Timeline(ctx, "c1", 0)
	require.NoError(t, err)
	entry := entryByID(entries, id)
	require.NotNil(t, entry)
	assert.Equal(t, ledger.StateAcknowledged, entry.State)
	require.NotNil(t, entry.ServerPosition)
	assert.Equal(t, int64(1), *entry.ServerPosition)
	assert.Equal(t, []byte("hi"), entry.Plaintext)
	assert.NoError(t, entry.Err)
}

func TestEndToEnd_PeerReceivesAndDecrypts(t *testing.T) {
	srv := newRelay(t)
	alice := newEngine(t, srv, "alice")
	bob := newEngine(t, srv, "bob")
	startConversation(t, []*engine.Engine{alice, bob}, "c1", []string{"alice", "bob"})
	ctx := context.Background()

	id, err := alice.Enqueue(ctx, "c1", []byte("hello bob"))
	require.NoError(t, err)
	require.NoError(t, alice.Sync(ctx))

	// bob's sync installs the session proposal, then pulls the delta
	require.NoError(t, bob.Sync(ctx))

	entries, err := bob.Timeline(ctx, "c1", 0)
	require.NoError(t, err)
	entry := entryByID(entries, id)
	require.NotNil(t, entry)
	assert.Equal(t, "alice", entry.SenderID)
	assert.Equal(t, []byte("hello bob"), entry.Plaintext)
	assert.NoError(t, entry.Err)
}

func TestOfflineEnqueue_DrainsOnReconnect(t *testing.T) {
	srv := newRelay(t)
	alice := newEngine(t, srv, "alice")
	newEngine(t, srv, "bob")
	startConversation(t, []*engine.Engine{alice}, "c1", []string{"alice", "bob"})
	ctx := context.Background()

	// sever the live channel and make the fallback path fail too
	srv.DropConnections()
	time.Sleep(50 * time.Millisecond)
	srv.FailNextSends(1, 503)

	id, err := alice.Enqueue(ctx, "c1", []byte("hi"))
	require.NoError(t, err)
	require.NoError(t, alice.Sync(ctx))

	entries, err := alice.Timeline(ctx, "c1", 0)
	require.NoError(t, err)
	entry := entryByID(entries, id)
	require.NotNil(t, entry)
	assert.Equal(t, ledger.StatePending, entry.State, "unreachable relay keeps the message queued")

	// relay reachable again: the next due round delivers exactly one copy
	require.Eventually(t, func() bool {
		_ = alice.Sync(ctx)
		entries, err := alice.Timeline(ctx, "c1", 0)
		if err != nil {
			return false
		}
		e := entryByID(entries, id)
		return e != nil && e.State == ledger.StateAcknowledged
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, 1, srv.MessageCount("c1"))
}

func TestFatalRejection_FailedUntilResend(t *testing.T) {
	srv := newRelay(t)
	alice := newEngine(t, srv, "alice")
	newEngine(t, srv, "bob")
	startConversation(t, []*engine.Engine{alice}, "c1", []string{"alice", "bob"})
	ctx := context.Background()

	srv.DropConnections()
	time.Sleep(50 * time.Millisecond)
	srv.FailNextSends(1, 400)

	id, err := alice.Enqueue(ctx, "c1", []byte("hi"))
	require.NoError(t, err)
	require.NoError(t, alice.Sync(ctx))

	entries, err := alice.Timeline(ctx, "c1", 0)
	require.NoError(t, err)
	entry := entryByID(entries, id)
	require.NotNil(t, entry)
	require.Equal(t, ledger.StateFailed, entry.State)

	// the user asks for another go
	require.NoError(t, alice.Resend(ctx, id))
	require.NoError(t, alice.Sync(ctx))

	entries, err = alice.Timeline(ctx, "c1", 0)
	require.NoError(t, err)
	entry = entryByID(entries, id)
	require.NotNil(t, entry)
	assert.Equal(t, ledger.StateAcknowledged, entry.State)
}

func TestKeyExpiry_RenegotiatesBeforeSend(t *testing.T) {
	srv := newRelay(t)

	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.RelayAddr = srv.URL()
	cfg.UserID = "alice"
	cfg.LedgerPath = filepath.Join(dir, "ledger.db")
	cfg.KeystorePath = filepath.Join(dir, "keys.db")
	cfg.KeyValidity = 100 * time.Millisecond

	alice, err := engine.New(context.Background(), cfg, []byte("pass-alice"), logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, alice.Login(context.Background()))
	t.Cleanup(func() { _ = alice.Close() })

	bob := newEngine(t, srv, "bob")
	startConversation(t, []*engine.Engine{alice, bob}, "c1", []string{"alice", "bob"})
	ctx := context.Background()

	id1, err := alice.Enqueue(ctx, "c1", []byte("before expiry"))
	require.NoError(t, err)
	require.NoError(t, alice.Sync(ctx))

	time.Sleep(150 * time.Millisecond)

	// expired session key forces a fresh handshake
	id2, err := alice.Enqueue(ctx, "c1", []byte("after expiry"))
	require.NoError(t, err)
	require.NoError(t, alice.Sync(ctx))

	entries, err := alice.Timeline(ctx, "c1", 0)
	require.NoError(t, err)
	e1, e2 := entryByID(entries, id1), entryByID(entries, id2)
	require.NotNil(t, e1)
	require.NotNil(t, e2)
	assert.NotEqual(t, e1.KeyID, e2.KeyID, "a new session key must be negotiated")

	// bob installs both proposals and reads the full history
	require.NoError(t, bob.Sync(ctx))
	bobEntries, err := bob.Timeline(ctx, "c1", 0)
	require.NoError(t, err)
	b1, b2 := entryByID(bobEntries, id1), entryByID(bobEntries, id2)
	require.NotNil(t, b1)
	require.NotNil(t, b2)
	assert.Equal(t, []byte("before expiry"), b1.Plaintext)
	assert.Equal(t, []byte("after expiry"), b2.Plaintext)
}

func TestStart_LiveDeliveryAndReadReceipts(t *testing.T) {
	srv := newRelay(t)
	alice := newEngine(t, srv, "alice")
	bob := newEngine(t, srv, "bob")
	startConversation(t, []*engine.Engine{alice, bob}, "c1", []string{"alice", "bob"})
	ctx := context.Background()

	require.NoError(t, alice.Start(ctx))
	require.NoError(t, bob.Start(ctx))

	id, err := alice.Enqueue(ctx, "c1", []byte("ping"))
	require.NoError(t, err)

	// bob hears about the message over the live channel
	require.Eventually(t, func() bool {
		entries, err := bob.Timeline(ctx, "c1", 0)
		if err != nil {
			return false
		}
		e := entryByID(entries, id)
		return e != nil && e.Err == nil && string(e.Plaintext) == "ping"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, bob.MarkRead(ctx, "c1", id))

	// the read receipt travels back to alice
	require.Eventually(t, func() bool {
		entries, err := alice.Timeline(ctx, "c1", 0)
		if err != nil {
			return false
		}
		e := entryByID(entries, id)
		if e == nil {
			return false
		}
		for _, u := range e.ReadBy {
			if u == "bob" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEnqueueMedia_UploadsSealedBlob(t *testing.T) {
	srv := newRelay(t)
	alice := newEngine(t, srv, "alice")
	bob := newEngine(t, srv, "bob")
	startConversation(t, []*engine.Engine{alice, bob}, "c1", []string{"alice", "bob"})
	ctx := context.Background()

	var uploaded []byte
	blobServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uploaded, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(blobServer.Close)

	blob := []byte("cat picture bytes")
	id, err := alice.EnqueueMedia(ctx, "c1", "blobs/cat.jpg", blobServer.URL+"/blobs/cat.jpg", blob)
	require.NoError(t, err)
	require.NotEmpty(t, uploaded)
	assert.NotEqual(t, blob, uploaded, "blob must be sealed before upload")

	require.NoError(t, alice.Sync(ctx))
	require.NoError(t, bob.Sync(ctx))

	entries, err := bob.Timeline(ctx, "c1", 0)
	require.NoError(t, err)
	entry := entryByID(entries, id)
	require.NotNil(t, entry)
	require.NoError(t, entry.Err)

	var payload engine.MediaPayload
	require.NoError(t, json.Unmarshal(entry.Plaintext, &payload))
	assert.Equal(t, engine.MediaKind, payload.Kind)
	assert.Equal(t, "blobs/cat.jpg", payload.Ref)

	opened, err := cryptox.Decrypt(uploaded, payload.Nonce, payload.Key)
	require.NoError(t, err)
	assert.Equal(t, blob, opened)
}

func TestUpdates_NotifiesOnRemoteDelivery(t *testing.T) {
	srv := newRelay(t)
	alice := newEngine(t, srv, "alice")
	bob := newEngine(t, srv, "bob")
	startConversation(t, []*engine.Engine{alice, bob}, "c1", []string{"alice", "bob"})
	ctx := context.Background()

	require.NoError(t, bob.Start(ctx))

	_, err := alice.Enqueue(ctx, "c1", []byte("hi"))
	require.NoError(t, err)
	require.NoError(t, alice.Sync(ctx))

	select {
	case conv := <-bob.Updates():
		assert.Equal(t, "c1", conv)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for update notification")
	}
}

func TestUpdateParticipants_RotatesSessionKey(t *testing.T) {
	srv := newRelay(t)
	alice := newEngine(t, srv, "alice")
	bob := newEngine(t, srv, "bob")
	startConversation(t, []*engine.Engine{alice, bob}, "c1", []string{"alice", "bob"})
	ctx := context.Background()

	first, err := alice.Enqueue(ctx, "c1", []byte("before"))
	require.NoError(t, err)
	require.NoError(t, alice.Sync(ctx))

	require.NoError(t, alice.UpdateParticipants(ctx, "c1", []string{"alice", "bob"}))

	second, err := alice.Enqueue(ctx, "c1", []byte("after"))
	require.NoError(t, err)
	require.NoError(t, alice.Sync(ctx))

	entries, err := alice.Timeline(ctx, "c1", 0)
	require.NoError(t, err)
	before := entryByID(entries, first)
	after := entryByID(entries, second)
	require.NotNil(t, before)
	require.NotNil(t, after)
	assert.NotEqual(t, before.KeyID, after.KeyID)

	// bob installs both proposals and can still read the pre-rotation
	// message through the retained key
	require.NoError(t, bob.Sync(ctx))
	entries, err = bob.Timeline(ctx, "c1", 0)
	require.NoError(t, err)
	for _, id := range []string{first, second} {
		entry := entryByID(entries, id)
		require.NotNil(t, entry)
		assert.NoError(t, entry.Err)
	}
	assert.Equal(t, []byte("after"), entryByID(entries, second).Plaintext)
}
