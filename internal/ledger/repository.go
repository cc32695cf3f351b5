package ledger

import "context"

// Repository describes the durable operations the sync engine performs
// against the local ledger. Implementations are backed by a local SQLite
// database opened in WAL mode so every mutation is durable before the call
// returns.
type Repository interface {
	// Append durably inserts a new message and returns its id. The message
	// must carry ciphertext; plaintext never reaches the ledger.
	Append(ctx context.Context, m *Message) (string, error)

	// MarkState transitions a message's delivery state and, when serverPos
	// is non-nil, records the relay-assigned position. Ciphertext is never
	// touched.
	MarkState(ctx context.Context, id string, state DeliveryState, serverPos *int64) error

	// PendingOutbox returns Pending and Failed messages for a conversation
	// ordered by creation time.
	PendingOutbox(ctx context.Context, conversationID string) ([]*OutboxEntry, error)

	// ClaimOutbox marks an entry as having an in-flight transmission
	// attempt. It reports false if the entry is already claimed, enforcing
	// at most one attempt per entry at a time.
	ClaimOutbox(ctx context.Context, id string) (bool, error)

	// ReleaseOutbox clears an entry's in-flight claim.
	ReleaseOutbox(ctx context.Context, id string) error

	// ReleaseStaleClaims clears claims older than the given age and returns
	// the ids released. Used by the scheduler watchdog so a cancelled send
	// never leaves an entry claimed forever.
	ReleaseStaleClaims(ctx context.Context, olderThanMillis int64) ([]string, error)

	// RecordAttempt increments an entry's attempt counter and stamps the
	// attempt time.
	RecordAttempt(ctx context.Context, id string) error

	// ResetAttempts zeroes an entry's attempt bookkeeping and returns it to
	// Pending. Used for explicit user-triggered resend of Failed messages.
	ResetAttempts(ctx context.Context, id string) error

	// Timeline returns messages for a conversation with server position
	// greater than afterCursor, ordered by server position with
	// creation-time tiebreak; provisional (unpositioned) local messages
	// follow in creation order.
	Timeline(ctx context.Context, conversationID string, afterCursor int64) ([]*Message, error)

	// GetByID returns a single message.
	GetByID(ctx context.Context, id string) (*Message, error)

	// HasMessage reports whether a message with the given client id exists.
	HasMessage(ctx context.Context, id string) (bool, error)

	// AttachPosition records the relay position on an already-acknowledged
	// or self-echoed message without altering its ciphertext.
	AttachPosition(ctx context.Context, id string, pos int64) error

	// Positions returns all assigned server positions for a conversation in
	// ascending order. The reconciler derives cursor contiguity from this.
	Positions(ctx context.Context, conversationID string) ([]int64, error)

	// MarkRead appends userID to a message's read-by set.
	MarkRead(ctx context.Context, id string, userID string) error

	// Cursor returns the conversation's sync cursor.
	Cursor(ctx context.Context, conversationID string) (int64, error)

	// AdvanceCursor moves the cursor forward. Attempts to move it backwards
	// are ignored, keeping the watermark monotonic.
	AdvanceCursor(ctx context.Context, conversationID string, pos int64) error

	// CreateConversation inserts a conversation if it does not exist yet.
	CreateConversation(ctx context.Context, c *Conversation) error

	// GetConversation returns a conversation by id.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// ListConversations returns all known conversations.
	ListConversations(ctx context.Context) ([]*Conversation, error)

	// SetSessionKeyID updates the conversation's active session key
	// reference.
	SetSessionKeyID(ctx context.Context, conversationID, keyID string) error

	// SetParticipants replaces the conversation's participant set. The
	// session manager rotates keys when membership changes.
	SetParticipants(ctx context.Context, conversationID string, participants []string) error
}
