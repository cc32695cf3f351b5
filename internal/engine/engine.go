// Package engine assembles the ledger, session manager, relay transports,
// reconciler and scheduler into the client-facing synchronization engine.
// Callers enqueue plaintext and read decrypted timelines; everything
// between is ciphertext.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/chatsync/internal/client/config"
	"github.com/dmitrijs2005/chatsync/internal/common"
	"github.com/dmitrijs2005/chatsync/internal/cryptox"
	"github.com/dmitrijs2005/chatsync/internal/keystore"
	"github.com/dmitrijs2005/chatsync/internal/ledger"
	"github.com/dmitrijs2005/chatsync/internal/logging"
	"github.com/dmitrijs2005/chatsync/internal/netx"
	"github.com/dmitrijs2005/chatsync/internal/reconciler"
	"github.com/dmitrijs2005/chatsync/internal/relay"
	"github.com/dmitrijs2005/chatsync/internal/scheduler"
	"github.com/dmitrijs2005/chatsync/internal/session"
	"github.com/google/uuid"
)

// Engine is the top-level façade. It owns the storage handles and the
// background loops; one Engine serves one local user.
type Engine struct {
	cfg *config.Config
	log logging.Logger

	db    *sql.DB
	repo  *ledger.SQLiteRepository
	store *keystore.Store

	rest     *relay.RESTClient
	ws       *relay.WSTransport
	picker   *relay.Picker
	sessions *session.Manager
	recon    *reconciler.Reconciler
	sched    *scheduler.Scheduler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Entry is a timeline item with its decrypted payload. Plaintext is nil
// when the ciphertext cannot be opened; Err then carries the reason.
type Entry struct {
	ledger.Message
	Plaintext []byte
	Err       error
}

// MediaPayload is the plaintext body of a media message: a reference to
// the sealed blob plus the detached key and nonce that open it.
type MediaPayload struct {
	Kind  string `json:"kind"`
	Ref   string `json:"ref"`
	Key   []byte `json:"key"`
	Nonce []byte `json:"nonce"`
}

// MediaKind marks a message body as a MediaPayload.
const MediaKind = "media"

// New opens the local stores and wires the components together. No
// network traffic happens until Login. Scheduler options tune backoff
// and watchdog behavior.
func New(ctx context.Context, cfg *config.Config, passphrase []byte, log logging.Logger, schedOpts ...scheduler.Option) (*Engine, error) {
	db, repo, err := ledger.InitDatabase(ctx, cfg.LedgerPath)
	if err != nil {
		return nil, err
	}
	store, err := keystore.Open(ctx, cfg.KeystorePath, passphrase)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	rest := relay.NewRESTClient(cfg.RelayAddr, log)
	ws := relay.NewWSTransport(cfg.RelayAddr, "", log)
	picker := relay.NewPicker(ws, rest, log)
	sessions := session.NewManager(store, rest, cfg.UserID,
		session.WithLogger(log), session.WithKeyValidity(cfg.KeyValidity))
	recon := reconciler.NewReconciler(repo, sessions, cfg.UserID, log)
	sched := scheduler.NewScheduler(repo, picker, rest, recon, sessions, log, schedOpts...)

	return &Engine{
		cfg:      cfg,
		log:      log,
		db:       db,
		repo:     repo,
		store:    store,
		rest:     rest,
		ws:       ws,
		picker:   picker,
		sessions: sessions,
		recon:    recon,
		sched:    sched,
	}, nil
}

// Login authenticates with the relay, publishes the identity key when a
// fresh one is needed, and brings the live channel up. A live-channel
// failure is tolerated; the connectivity watcher keeps retrying.
func (e *Engine) Login(ctx context.Context) error {
	if err := e.rest.Login(ctx, e.cfg.UserID); err != nil {
		return err
	}
	e.ws.SetToken(e.rest.Token())

	if _, err := e.sessions.EnsureIdentity(ctx); err != nil {
		return err
	}

	if err := e.ws.Connect(ctx); err != nil {
		e.log.Warn(ctx, "live channel unavailable, falling back to polling", "error", err)
	}
	return nil
}

// Start launches the background loops: live-channel consumption, the
// sync scheduler, and the connectivity watcher.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	sub, err := e.picker.Subscribe(ctx)
	if err != nil {
		cancel()
		return err
	}

	e.wg.Add(3)
	go func() {
		defer e.wg.Done()
		e.consumeLoop(ctx, sub)
	}()
	go func() {
		defer e.wg.Done()
		e.sched.Run(ctx, e.cfg.SyncInterval)
	}()
	go func() {
		defer e.wg.Done()
		e.watchConnectivity(ctx)
	}()
	return nil
}

// Close stops the loops and releases the storage handles.
func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	return errors.Join(e.picker.Close(), e.store.Close(), e.db.Close())
}

func (e *Engine) consumeLoop(ctx context.Context, sub <-chan relay.Incoming) {
	for {
		select {
		case <-ctx.Done():
			return
		case inc, ok := <-sub:
			if !ok {
				return
			}
			if err := e.recon.ApplyRemote(ctx, inc); err != nil {
				e.log.Error(ctx, "failed to apply incoming envelope",
					"message", inc.ClientMessageID, "error", err)
			}
		}
	}
}

// watchConnectivity probes the relay on an interval, feeds the result to
// the scheduler, and redials the live channel after a drop.
func (e *Engine) watchConnectivity(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.OnlineCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		online := e.rest.Ping(ctx) == nil
		e.sched.NotifyConnectivityChanged(online)

		if online && !e.ws.IsConnected() {
			if err := e.ws.Connect(ctx); err != nil {
				e.log.Debug(ctx, "live channel reconnect failed", "error", err)
			}
		}
	}
}

// StartConversation registers a conversation with its participant set.
// Session negotiation is deferred to the first send.
func (e *Engine) StartConversation(ctx context.Context, id string, participants []string) error {
	return e.repo.CreateConversation(ctx, &ledger.Conversation{
		ID:           id,
		Participants: participants,
	})
}

// UpdateParticipants replaces the conversation's membership and rotates
// the session key so departed members cannot read messages sent after
// the change.
func (e *Engine) UpdateParticipants(ctx context.Context, conversationID string, participants []string) error {
	if err := e.repo.SetParticipants(ctx, conversationID, participants); err != nil {
		return err
	}

	sk, err := e.sessions.Rotate(ctx, conversationID, participants)
	if err != nil {
		return fmt.Errorf("failed to rotate session key: %w", err)
	}
	return e.repo.SetSessionKeyID(ctx, conversationID, sk.ID)
}

// Conversations lists the known conversations.
func (e *Engine) Conversations(ctx context.Context) ([]*ledger.Conversation, error) {
	return e.repo.ListConversations(ctx)
}

// Enqueue encrypts plaintext under the conversation's session key,
// appends the message as Pending, and requests a sync round. It returns
// the message id immediately; delivery happens in the background.
func (e *Engine) Enqueue(ctx context.Context, conversationID string, plaintext []byte) (string, error) {
	conv, err := e.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}

	sk, err := e.sessions.EstablishSession(ctx, conversationID, conv.Participants)
	if err != nil {
		return "", fmt.Errorf("failed to establish session: %w", err)
	}
	if conv.SessionKeyID != sk.ID {
		if err := e.repo.SetSessionKeyID(ctx, conversationID, sk.ID); err != nil {
			return "", err
		}
	}

	ciphertext, nonce, err := e.sessions.Encrypt(plaintext, sk)
	if err != nil {
		return "", err
	}

	now := time.Now()
	m := &ledger.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       e.cfg.UserID,
		Ciphertext:     ciphertext,
		Nonce:          nonce,
		KeyID:          sk.ID,
		CreatedAt:      now,
		SeqHint:        now.UnixNano(),
	}
	if _, err := e.repo.Append(ctx, m); err != nil {
		return "", err
	}

	e.sched.Poke()
	return m.ID, nil
}

// EnqueueMedia seals blob under a fresh one-off key, uploads the sealed
// bytes to uploadURL, and enqueues a media message carrying blobRef plus
// the detached key. Recipients fetch the blob and open it with the key
// from the payload.
func (e *Engine) EnqueueMedia(ctx context.Context, conversationID, blobRef, uploadURL string, blob []byte) (string, error) {
	key := common.GenerateRandByteArray(cryptox.SessionKeySize)
	defer common.WipeByteArray(key)

	sealed, nonce, err := cryptox.Encrypt(blob, key)
	if err != nil {
		return "", err
	}
	if err := netx.UploadToPresignedURL(ctx, uploadURL, sealed); err != nil {
		return "", fmt.Errorf("failed to upload media blob: %w", err)
	}

	payload, err := json.Marshal(MediaPayload{Kind: MediaKind, Ref: blobRef, Key: key, Nonce: nonce})
	if err != nil {
		return "", err
	}
	return e.Enqueue(ctx, conversationID, payload)
}

// Timeline returns the conversation's messages after the given position,
// decrypted for display. Entries that cannot be opened are returned with
// Err set instead of being dropped.
func (e *Engine) Timeline(ctx context.Context, conversationID string, after int64) ([]*Entry, error) {
	messages, err := e.repo.Timeline(ctx, conversationID, after)
	if err != nil {
		return nil, err
	}

	entries := make([]*Entry, 0, len(messages))
	for _, m := range messages {
		entry := &Entry{Message: *m}
		entry.Plaintext, entry.Err = e.sessions.Decrypt(ctx, m.KeyID, m.Ciphertext, m.Nonce)
		entries = append(entries, entry)
	}
	return entries, nil
}

// Updates delivers conversation ids whose timelines changed.
func (e *Engine) Updates() <-chan string {
	return e.recon.Updates()
}

// MarkRead records the local user in the message's read-by set and
// announces it to the other participants. The announcement is best
// effort; local state is authoritative for this client.
func (e *Engine) MarkRead(ctx context.Context, conversationID, messageID string) error {
	if err := e.repo.MarkRead(ctx, messageID, e.cfg.UserID); err != nil {
		return err
	}

	env := relay.Envelope{
		Kind:            relay.KindRead,
		ConversationID:  conversationID,
		SenderID:        e.cfg.UserID,
		ClientMessageID: uuid.NewString(),
		ClientTimestamp: time.Now().UnixMilli(),
		Ref:             messageID,
	}
	if _, err := e.picker.Send(ctx, env); err != nil {
		e.log.Warn(ctx, "failed to announce read receipt", "message", messageID, "error", err)
	}
	return nil
}

// Resend returns a Failed message to the outbox and requests an
// immediate sync round.
func (e *Engine) Resend(ctx context.Context, messageID string) error {
	return e.sched.Resend(ctx, messageID)
}

// Sync runs one synchronization round in the caller's goroutine.
func (e *Engine) Sync(ctx context.Context) error {
	return e.sched.RunScheduledSync(ctx)
}
