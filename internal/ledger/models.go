package ledger

import "time"

// DeliveryState tracks a message through the outbox lifecycle. Transitions
// only ever move forward: Pending -> Sent -> Acknowledged, with Failed as a
// terminal state for fatally rejected messages until the user resends.
type DeliveryState string

const (
	StatePending      DeliveryState = "PENDING"
	StateSent         DeliveryState = "SENT"
	StateAcknowledged DeliveryState = "ACKNOWLEDGED"
	StateFailed       DeliveryState = "FAILED"
)

// Message is a single chat message as persisted by the ledger. Only
// ciphertext is stored; plaintext is derived on read by the session manager.
// Ciphertext and nonce are immutable once appended.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Ciphertext     []byte
	Nonce          []byte
	KeyID          string
	CreatedAt      time.Time
	SeqHint        int64
	State          DeliveryState
	ServerPosition *int64
	ReadBy         []string
}

// OutboxEntry is a view over a Pending or Failed message awaiting
// transmission, together with the retry bookkeeping the scheduler persists
// so backoff survives a process restart.
type OutboxEntry struct {
	Message
	AttemptCount  int
	LastAttemptAt *time.Time
	ClaimedAt     *time.Time
}

// Conversation groups messages exchanged with a fixed participant set.
// SessionKeyID references key material owned by the session manager; the
// ledger never stores raw key bytes.
type Conversation struct {
	ID           string
	Participants []string
	SessionKeyID string
	Cursor       int64
}
