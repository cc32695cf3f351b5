// Package reconciler merges relay-delivered envelopes and delivery
// receipts into the local ledger. It is the only component that advances
// a conversation's sync cursor, and it does so strictly over contiguous
// server positions so a gap in delivery is never skipped past.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/chatsync/internal/common"
	"github.com/dmitrijs2005/chatsync/internal/ledger"
	"github.com/dmitrijs2005/chatsync/internal/logging"
	"github.com/dmitrijs2005/chatsync/internal/relay"
)

// Decrypter verifies incoming ciphertext against its session key. The
// session manager satisfies this; tests substitute a stub.
type Decrypter interface {
	Decrypt(ctx context.Context, keyID string, ciphertext, nonce []byte) ([]byte, error)
}

// Reconciler applies remote state to the ledger and notifies observers of
// changed conversations.
type Reconciler struct {
	repo    ledger.Repository
	crypto  Decrypter
	log     logging.Logger
	userID  string
	updates chan string
}

// NewReconciler returns a Reconciler for the given local user.
func NewReconciler(repo ledger.Repository, crypto Decrypter, userID string, log logging.Logger) *Reconciler {
	return &Reconciler{
		repo:    repo,
		crypto:  crypto,
		log:     log,
		userID:  userID,
		updates: make(chan string, 32),
	}
}

// Updates delivers conversation ids whose timelines changed. Slow
// consumers drop notifications; state is always re-readable from the
// ledger.
func (r *Reconciler) Updates() <-chan string {
	return r.updates
}

func (r *Reconciler) notify(conversationID string) {
	select {
	case r.updates <- conversationID:
	default:
	}
}

// ApplyReceipt transitions an outbox message to Acknowledged with its
// relay-assigned position and advances the cursor if the position is
// contiguous. Applying the same receipt twice is a no-op.
func (r *Reconciler) ApplyReceipt(ctx context.Context, receipt *relay.DeliveryReceipt) error {
	m, err := r.repo.GetByID(ctx, receipt.ClientMessageID)
	if err != nil {
		return fmt.Errorf("receipt for unknown message %s: %w", receipt.ClientMessageID, err)
	}

	pos := receipt.ServerPosition
	if err := r.repo.MarkState(ctx, m.ID, ledger.StateAcknowledged, &pos); err != nil {
		return err
	}
	if err := r.advanceCursor(ctx, m.ConversationID); err != nil {
		return err
	}

	r.notify(m.ConversationID)
	return nil
}

// ApplyRemote merges a relay-delivered envelope. A self-echo of a message
// this client sent is deduplicated by clientMessageId and only gains its
// position; read events update the read-by set; anything else is appended
// as Acknowledged. Ciphertext failing authentication is preserved as
// Failed rather than dropped.
func (r *Reconciler) ApplyRemote(ctx context.Context, inc relay.Incoming) error {
	if inc.Kind == relay.KindRead {
		if err := r.repo.MarkRead(ctx, inc.Ref, inc.SenderID); err != nil {
			if errors.Is(err, common.ErrNotFound) {
				r.log.Debug(ctx, "read event for unknown message", "ref", inc.Ref)
				return nil
			}
			return err
		}
		r.notify(inc.ConversationID)
		return nil
	}

	if err := r.ensureConversation(ctx, inc); err != nil {
		return err
	}

	exists, err := r.repo.HasMessage(ctx, inc.ClientMessageID)
	if err != nil {
		return err
	}
	if exists {
		pos := inc.ServerPosition
		if err := r.repo.MarkState(ctx, inc.ClientMessageID, ledger.StateAcknowledged, &pos); err != nil {
			return err
		}
	} else {
		state := ledger.StateAcknowledged
		if _, err := r.crypto.Decrypt(ctx, inc.KeyID, inc.Ciphertext, inc.Nonce); err != nil {
			if errors.Is(err, common.ErrAuthenticationFailed) {
				// keep the raw bytes so the failure is inspectable
				state = ledger.StateFailed
				r.log.Warn(ctx, "incoming ciphertext failed authentication",
					"message", inc.ClientMessageID, "conversation", inc.ConversationID)
			}
			// a key that is not retained yet may still arrive via a
			// proposal; store the message and decrypt at read time
		}

		pos := inc.ServerPosition
		m := &ledger.Message{
			ID:             inc.ClientMessageID,
			ConversationID: inc.ConversationID,
			SenderID:       inc.SenderID,
			Ciphertext:     inc.Ciphertext,
			Nonce:          inc.Nonce,
			KeyID:          inc.KeyID,
			CreatedAt:      time.UnixMilli(inc.ClientTimestamp),
			State:          state,
			ServerPosition: &pos,
		}
		if _, err := r.repo.Append(ctx, m); err != nil {
			return err
		}
	}

	if err := r.advanceCursor(ctx, inc.ConversationID); err != nil {
		return err
	}

	r.notify(inc.ConversationID)
	return nil
}

func (r *Reconciler) ensureConversation(ctx context.Context, inc relay.Incoming) error {
	_, err := r.repo.GetConversation(ctx, inc.ConversationID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return err
	}
	participants := []string{inc.SenderID}
	if inc.SenderID != r.userID {
		participants = append(participants, r.userID)
	}
	return r.repo.CreateConversation(ctx, &ledger.Conversation{
		ID:           inc.ConversationID,
		Participants: participants,
	})
}

// advanceCursor moves the cursor to the highest position reachable through
// an unbroken run of assigned positions. Positions beyond a gap stay
// buffered in the ledger until the gap fills.
func (r *Reconciler) advanceCursor(ctx context.Context, conversationID string) error {
	cursor, err := r.repo.Cursor(ctx, conversationID)
	if err != nil {
		return err
	}
	positions, err := r.repo.Positions(ctx, conversationID)
	if err != nil {
		return err
	}

	next := cursor
	for _, p := range positions {
		if p <= next {
			continue
		}
		if p != next+1 {
			// gap: later positions wait until it fills
			break
		}
		next = p
	}

	if next == cursor {
		return nil
	}
	return r.repo.AdvanceCursor(ctx, conversationID, next)
}
