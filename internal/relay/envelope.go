// Package relay moves ciphertext frames between the client and the relay
// server. It provides a persistent WebSocket live channel, a REST fallback
// for bulk pulls and offline sends, and a policy picker selecting between
// them. The relay never sees plaintext.
package relay

import "time"

// Envelope kinds. Read events are control frames: the relay fans them out
// without assigning a timeline position.
const (
	KindMessage = "message"
	KindRead    = "read"
)

// Envelope is the wire unit exchanged with the relay. ClientMessageID is
// the idempotency key: resending the same id never creates a duplicate at
// the relay.
type Envelope struct {
	Kind            string `json:"kind"`
	ConversationID  string `json:"conversationId"`
	SenderID        string `json:"senderId"`
	Ciphertext      []byte `json:"ciphertext,omitempty"`
	Nonce           []byte `json:"nonce,omitempty"`
	KeyID           string `json:"keyId,omitempty"`
	ClientMessageID string `json:"clientMessageId"`
	ClientTimestamp int64  `json:"clientTimestamp"`

	// Ref carries the target message id for read events.
	Ref string `json:"ref,omitempty"`
}

// DeliveryReceipt is the relay's acknowledgment of an accepted envelope,
// carrying the server-assigned position that establishes canonical order.
type DeliveryReceipt struct {
	ClientMessageID string `json:"clientMessageId"`
	ServerPosition  int64  `json:"serverPosition"`
}

// Incoming is an envelope delivered from the relay together with its
// assigned position. Control frames carry position zero.
type Incoming struct {
	Envelope
	ServerPosition int64 `json:"serverPosition"`
}

// NewMessageEnvelope builds a message envelope stamped with the client
// timestamp.
func NewMessageEnvelope(conversationID, senderID, clientMessageID, keyID string, ciphertext, nonce []byte, createdAt time.Time) Envelope {
	return Envelope{
		Kind:            KindMessage,
		ConversationID:  conversationID,
		SenderID:        senderID,
		Ciphertext:      ciphertext,
		Nonce:           nonce,
		KeyID:           keyID,
		ClientMessageID: clientMessageID,
		ClientTimestamp: createdAt.UnixMilli(),
	}
}
