// Package keystore persists identity keypairs and conversation session keys
// in a SQLite database kept logically separate from message data. Private
// material is AES-GCM encrypted at rest under an argon2id-derived master
// key, so a dump of the message store alone discloses nothing.
package keystore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/chatsync/internal/common"
	"github.com/dmitrijs2005/chatsync/internal/cryptox"
	"github.com/dmitrijs2005/chatsync/internal/keystore/migrations"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const (
	metaSalt     = "master_salt"
	metaVerifier = "master_verifier"
)

// KeyPair is the client's long-lived asymmetric identity. Private holds
// decrypted PKCS#8 bytes and is only ever populated in memory.
type KeyPair struct {
	ID        string
	UserID    string
	Public    []byte
	Private   []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// SessionKey is a symmetric conversation key with a validity window.
// RetiredAt marks when the key was superseded; retired keys survive only a
// bounded drain window before being purged.
type SessionKey struct {
	ID             string
	ConversationID string
	Key            []byte
	CreatedAt      time.Time
	ExpiresAt      time.Time
	RetiredAt      *time.Time
}

// Store owns all persisted key material.
type Store struct {
	db        *sql.DB
	masterKey []byte
}

// RunMigrations applies the embedded goose migrations to db.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return goose.UpContext(ctx, db, ".")
}

// Open opens (or creates) the keystore database at dsn and unlocks it with
// the given passphrase. On first open a random salt is generated and a
// verifier stored; subsequent opens fail with common.ErrUnauthorized when
// the passphrase does not match.
func Open(ctx context.Context, dsn string, passphrase []byte) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open keystore db: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		return nil, fmt.Errorf("failed to apply pragma: %w", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to run keystore migrations: %w", err)
	}

	s := &Store{db: db}
	if err := s.unlock(ctx, passphrase); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) unlock(ctx context.Context, passphrase []byte) error {
	salt, err := s.meta(ctx, metaSalt)
	if err != nil {
		return err
	}
	if salt == nil {
		salt = common.GenerateRandByteArray(16)
		if err := s.setMeta(ctx, metaSalt, salt); err != nil {
			return err
		}
	}

	masterKey := cryptox.DeriveMasterKey(passphrase, salt)
	verifier := cryptox.MakeVerifier(masterKey)

	stored, err := s.meta(ctx, metaVerifier)
	if err != nil {
		return err
	}
	if stored == nil {
		if err := s.setMeta(ctx, metaVerifier, verifier); err != nil {
			return err
		}
	} else if !bytes.Equal(stored, verifier) {
		return fmt.Errorf("keystore passphrase mismatch: %w", common.ErrUnauthorized)
	}

	s.masterKey = masterKey
	return nil
}

// Close wipes the in-memory master key and closes the database.
func (s *Store) Close() error {
	common.WipeByteArray(s.masterKey)
	s.masterKey = nil
	return s.db.Close()
}

func (s *Store) meta(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM keystore_meta WHERE key=?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get keystore meta[%s]: %w", key, err)
	}
	return value, nil
}

func (s *Store) setMeta(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO keystore_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set keystore meta[%s]: %w", key, err)
	}
	return nil
}

// SaveKeyPair stores a keypair, encrypting the private half at rest.
func (s *Store) SaveKeyPair(ctx context.Context, kp *KeyPair) error {
	enc, nonce, err := cryptox.Encrypt(kp.Private, s.masterKey)
	if err != nil {
		return fmt.Errorf("failed to seal private key: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO keypairs (id, user_id, public_key, private_enc, private_nonce, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, kp.ID, kp.UserID, kp.Public, enc, nonce, kp.CreatedAt.UnixMilli(), kp.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save keypair: %w", err)
	}
	return nil
}

// CurrentKeyPair returns the newest keypair for the user whose validity
// window covers now, or common.ErrNotFound when none exists.
func (s *Store) CurrentKeyPair(ctx context.Context, userID string) (*KeyPair, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, public_key, private_enc, private_nonce, created_at, expires_at
		FROM keypairs
		WHERE user_id=? AND expires_at > ?
		ORDER BY created_at DESC LIMIT 1
	`, userID, time.Now().UnixMilli())
	return s.scanKeyPair(row)
}

// KeyPairs returns all keypairs for the user, newest first. Used to decrypt
// handshakes addressed to superseded identities.
func (s *Store) KeyPairs(ctx context.Context, userID string) ([]*KeyPair, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, public_key, private_enc, private_nonce, created_at, expires_at
		FROM keypairs WHERE user_id=? ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to select keypairs: %w", err)
	}
	defer rows.Close()

	var result []*KeyPair
	for rows.Next() {
		kp, err := s.scanKeyPair(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, kp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanKeyPair(row rowScanner) (*KeyPair, error) {
	kp := &KeyPair{}
	var enc, nonce []byte
	var createdAt, expiresAt int64
	err := row.Scan(&kp.ID, &kp.UserID, &kp.Public, &enc, &nonce, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("keypair: %w", common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan keypair: %w", err)
	}
	kp.Private, err = cryptox.Decrypt(enc, nonce, s.masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to open private key: %w", err)
	}
	kp.CreatedAt = time.UnixMilli(createdAt).UTC()
	kp.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	return kp, nil
}

// SaveSessionKey stores a session key, encrypting the key bytes at rest.
func (s *Store) SaveSessionKey(ctx context.Context, sk *SessionKey) error {
	enc, nonce, err := cryptox.Encrypt(sk.Key, s.masterKey)
	if err != nil {
		return fmt.Errorf("failed to seal session key: %w", err)
	}
	// re-installing a known key (e.g. the same proposal pulled twice) is a no-op
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_keys (id, conversation_id, key_enc, key_nonce, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, sk.ID, sk.ConversationID, enc, nonce, sk.CreatedAt.UnixMilli(), sk.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save session key: %w", err)
	}
	return nil
}

// SessionKey returns a session key by id regardless of retirement status,
// or common.ErrKeyExpired when the key has been purged or never existed.
// Retired-but-retained keys stay resolvable so in-flight ciphertexts drain.
func (s *Store) SessionKey(ctx context.Context, id string) (*SessionKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, key_enc, key_nonce, created_at, expires_at, retired_at
		FROM session_keys WHERE id=?
	`, id)
	sk, err := s.scanSessionKey(row)
	if errors.Is(err, common.ErrNotFound) {
		return nil, fmt.Errorf("session key %s: %w", id, common.ErrKeyExpired)
	}
	return sk, err
}

// ActiveSessionKey returns the newest unretired, unexpired session key for
// the conversation, or common.ErrNotFound.
func (s *Store) ActiveSessionKey(ctx context.Context, conversationID string) (*SessionKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, key_enc, key_nonce, created_at, expires_at, retired_at
		FROM session_keys
		WHERE conversation_id=? AND retired_at IS NULL AND expires_at > ?
		ORDER BY created_at DESC LIMIT 1
	`, conversationID, time.Now().UnixMilli())
	return s.scanSessionKey(row)
}

func (s *Store) scanSessionKey(row rowScanner) (*SessionKey, error) {
	sk := &SessionKey{}
	var enc, nonce []byte
	var createdAt, expiresAt int64
	var retiredAt sql.NullInt64
	err := row.Scan(&sk.ID, &sk.ConversationID, &enc, &nonce, &createdAt, &expiresAt, &retiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session key: %w", common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session key: %w", err)
	}
	sk.Key, err = cryptox.Decrypt(enc, nonce, s.masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to open session key: %w", err)
	}
	sk.CreatedAt = time.UnixMilli(createdAt).UTC()
	sk.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	if retiredAt.Valid {
		t := time.UnixMilli(retiredAt.Int64).UTC()
		sk.RetiredAt = &t
	}
	return sk, nil
}

// RetireSessionKey marks a key superseded. The key remains resolvable until
// PurgeRetired removes it after the drain window.
func (s *Store) RetireSessionKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE session_keys SET retired_at=? WHERE id=? AND retired_at IS NULL
	`, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to retire session key: %w", err)
	}
	return nil
}

// PurgeRetired deletes session keys retired longer than retention ago and
// returns the number removed. Deletion is the secure-erase step: the only
// copies of the key bytes live in this table.
func (s *Store) PurgeRetired(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM session_keys WHERE retired_at IS NOT NULL AND retired_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge session keys: %w", err)
	}
	return res.RowsAffected()
}
