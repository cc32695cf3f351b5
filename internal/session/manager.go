// Package session implements the crypto session manager: identity keypair
// lifecycle, per-conversation symmetric session negotiation, and the
// authenticated encrypt/decrypt path used by the sync engine. All other
// components reference keys only by opaque identifier.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/chatsync/internal/common"
	"github.com/dmitrijs2005/chatsync/internal/cryptox"
	"github.com/dmitrijs2005/chatsync/internal/keystore"
	"github.com/dmitrijs2005/chatsync/internal/logging"
	"github.com/google/uuid"
)

const (
	// DefaultKeyValidity is how long identity and session keys remain
	// usable before rotation.
	DefaultKeyValidity = 7 * 24 * time.Hour

	// DefaultRetention is the drain window during which superseded session
	// keys stay resolvable for already-received ciphertexts.
	DefaultRetention = 24 * time.Hour
)

// Proposal is a session key offer distributed through the relay's key
// registry: the fresh symmetric key wrapped separately for every
// participant's public identity key.
type Proposal struct {
	ConversationID string            `json:"conversationId"`
	KeyID          string            `json:"keyId"`
	WrappedKeys    map[string][]byte `json:"wrappedKeys"`
	CreatedAt      time.Time         `json:"createdAt"`
	ExpiresAt      time.Time         `json:"expiresAt"`
}

// KeyDirectory is the relay-side registry the manager negotiates through.
// Implementations live in the relay package; the manager never sees
// transport details.
type KeyDirectory interface {
	// RegisterPublicKey publishes the local user's public identity key.
	RegisterPublicKey(ctx context.Context, userID string, publicKeyDER []byte) error

	// FetchPublicKey resolves a participant's public identity key. It
	// returns common.ErrPeerKeyUnavailable when the registry has no key
	// for the user.
	FetchPublicKey(ctx context.Context, userID string) ([]byte, error)

	// ProposeSessionKey offers a wrapped session key to the registry. It
	// returns common.ErrHandshakeRejected when the relay refuses the
	// proposal (e.g. a newer key already won).
	ProposeSessionKey(ctx context.Context, p *Proposal) error
}

// Manager owns all key material. Session establishment is serialized per
// conversation so concurrent sends never race key negotiations.
type Manager struct {
	store     *keystore.Store
	directory KeyDirectory
	log       logging.Logger
	userID    string

	keyValidity time.Duration
	retention   time.Duration

	mu         sync.Mutex
	handshakes map[string]*sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithKeyValidity overrides the key validity window.
func WithKeyValidity(d time.Duration) Option {
	return func(m *Manager) { m.keyValidity = d }
}

// WithRetention overrides the superseded-key drain window.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) { m.retention = d }
}

// WithLogger sets the manager's logger.
func WithLogger(l logging.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager returns a Manager for the given local user.
func NewManager(store *keystore.Store, directory KeyDirectory, userID string, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		directory:   directory,
		log:         logging.NewNop(),
		userID:      userID,
		keyValidity: DefaultKeyValidity,
		retention:   DefaultRetention,
		handshakes:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) handshakeLock(conversationID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.handshakes[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		m.handshakes[conversationID] = lock
	}
	return lock
}

// EnsureIdentity returns the current identity keypair, generating and
// publishing a fresh one when none exists or the current one has expired.
func (m *Manager) EnsureIdentity(ctx context.Context) (*keystore.KeyPair, error) {
	kp, err := m.store.CurrentKeyPair(ctx, m.userID)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	public, private, err := cryptox.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity keypair: %w", err)
	}

	now := time.Now()
	kp = &keystore.KeyPair{
		ID:        uuid.NewString(),
		UserID:    m.userID,
		Public:    public,
		Private:   private,
		CreatedAt: now,
		ExpiresAt: now.Add(m.keyValidity),
	}
	if err := m.store.SaveKeyPair(ctx, kp); err != nil {
		return nil, err
	}
	if err := m.directory.RegisterPublicKey(ctx, m.userID, public); err != nil {
		return nil, fmt.Errorf("failed to publish public key: %w", err)
	}

	m.log.Info(ctx, "generated identity keypair", "keyId", kp.ID, "user", m.userID)
	return kp, nil
}

// EstablishSession returns the conversation's active session key,
// performing the asymmetric handshake when none is valid: a fresh 32-byte
// key is wrapped for every participant's public key and offered to the
// relay registry. At most one handshake per conversation is in flight.
func (m *Manager) EstablishSession(ctx context.Context, conversationID string, participants []string) (*keystore.SessionKey, error) {
	lock := m.handshakeLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	sk, err := m.store.ActiveSessionKey(ctx, conversationID)
	if err == nil {
		return sk, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	return m.negotiate(ctx, conversationID, participants)
}

func (m *Manager) negotiate(ctx context.Context, conversationID string, participants []string) (*keystore.SessionKey, error) {
	if _, err := m.EnsureIdentity(ctx); err != nil {
		return nil, err
	}

	keyBytes := common.GenerateRandByteArray(cryptox.SessionKeySize)
	now := time.Now()
	sk := &keystore.SessionKey{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Key:            keyBytes,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.keyValidity),
	}

	proposal := &Proposal{
		ConversationID: conversationID,
		KeyID:          sk.ID,
		WrappedKeys:    make(map[string][]byte, len(participants)),
		CreatedAt:      now,
		ExpiresAt:      sk.ExpiresAt,
	}
	for _, participant := range participants {
		publicKey, err := m.directory.FetchPublicKey(ctx, participant)
		if err != nil {
			return nil, fmt.Errorf("participant %s: %w", participant, err)
		}
		wrapped, err := cryptox.WrapKey(keyBytes, publicKey)
		if err != nil {
			return nil, fmt.Errorf("failed to wrap session key for %s: %w", participant, err)
		}
		proposal.WrappedKeys[participant] = wrapped
	}

	if err := m.directory.ProposeSessionKey(ctx, proposal); err != nil {
		common.WipeByteArray(keyBytes)
		return nil, err
	}

	if err := m.store.SaveSessionKey(ctx, sk); err != nil {
		return nil, err
	}

	m.log.Info(ctx, "session established", "conversation", conversationID, "keyId", sk.ID)
	return sk, nil
}

// AcceptProposal installs a session key proposed by another participant,
// unwrapping our share with whichever identity key it was wrapped for.
func (m *Manager) AcceptProposal(ctx context.Context, p *Proposal) error {
	wrapped, ok := p.WrappedKeys[m.userID]
	if !ok {
		return fmt.Errorf("proposal %s has no share for %s: %w", p.KeyID, m.userID, common.ErrHandshakeRejected)
	}

	pairs, err := m.store.KeyPairs(ctx, m.userID)
	if err != nil {
		return err
	}

	var keyBytes []byte
	for _, kp := range pairs {
		keyBytes, err = cryptox.UnwrapKey(wrapped, kp.Private)
		if err == nil {
			break
		}
	}
	if keyBytes == nil {
		return fmt.Errorf("no identity key can unwrap proposal %s: %w", p.KeyID, common.ErrKeyExpired)
	}

	sk := &keystore.SessionKey{
		ID:             p.KeyID,
		ConversationID: p.ConversationID,
		Key:            keyBytes,
		CreatedAt:      p.CreatedAt,
		ExpiresAt:      p.ExpiresAt,
	}
	if err := m.store.SaveSessionKey(ctx, sk); err != nil {
		return err
	}

	m.log.Info(ctx, "session key accepted", "conversation", p.ConversationID, "keyId", p.KeyID)
	return nil
}

// Rotate retires the conversation's active session key and negotiates a
// fresh one. Called on participant change or validity expiry.
func (m *Manager) Rotate(ctx context.Context, conversationID string, participants []string) (*keystore.SessionKey, error) {
	lock := m.handshakeLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	if current, err := m.store.ActiveSessionKey(ctx, conversationID); err == nil {
		if err := m.store.RetireSessionKey(ctx, current.ID); err != nil {
			return nil, err
		}
		common.WipeByteArray(current.Key)
	} else if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	return m.negotiate(ctx, conversationID, participants)
}

// PurgeRetired erases superseded session keys past the drain window.
// Invoked by the scheduler's periodic key-rotation job.
func (m *Manager) PurgeRetired(ctx context.Context) error {
	n, err := m.store.PurgeRetired(ctx, m.retention)
	if err != nil {
		return err
	}
	if n > 0 {
		m.log.Info(ctx, "purged retired session keys", "count", n)
	}
	return nil
}

// Encrypt seals plaintext under the given session key.
func (m *Manager) Encrypt(plaintext []byte, sk *keystore.SessionKey) (ciphertext, nonce []byte, err error) {
	return cryptox.Encrypt(plaintext, sk.Key)
}

// Decrypt resolves keyID and opens the ciphertext. It returns
// common.ErrKeyExpired when the key is no longer retained (the caller
// should renegotiate) and common.ErrAuthenticationFailed on tampering.
func (m *Manager) Decrypt(ctx context.Context, keyID string, ciphertext, nonce []byte) ([]byte, error) {
	sk, err := m.store.SessionKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	return cryptox.Decrypt(ciphertext, nonce, sk.Key)
}
