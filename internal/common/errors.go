// Package common defines shared constants and sentinel errors used across
// the synchronization engine. Callers should use errors.Is to match these
// values.
package common

import "errors"

var (
	// Storage errors (local ledger).
	ErrNotFound    = errors.New("not found")
	ErrStorageFull = errors.New("storage full")
	ErrCorrupt     = errors.New("storage corrupt")

	// Crypto errors (session manager).
	ErrPeerKeyUnavailable  = errors.New("peer public key unavailable")
	ErrHandshakeRejected   = errors.New("handshake rejected")
	ErrAuthenticationFailed = errors.New("ciphertext authentication failed")
	ErrKeyExpired          = errors.New("session key expired")

	// Transport errors. ErrRetriable and ErrFatal are classification
	// markers: concrete transport failures wrap one of them so the
	// scheduler can decide between backoff and terminal failure.
	ErrRetriable = errors.New("retriable transport failure")
	ErrFatal     = errors.New("fatal transport failure")

	// Generic flow control.
	ErrInternal     = errors.New("internal error")
	ErrUnauthorized = errors.New("unauthorized")
)
