package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/chatsync/internal/common"
	"github.com/dmitrijs2005/chatsync/internal/logging"
	"github.com/gorilla/websocket"
)

const (
	// sendTimeout bounds how long a live-channel send waits for its
	// receipt before the attempt is handed back to the scheduler.
	sendTimeout = 10 * time.Second

	pingInterval   = 30 * time.Second
	writeDeadline  = 10 * time.Second
	subscribeDepth = 64
)

// Frame is the live-channel wire unit: either an incoming envelope or a
// delivery receipt correlated by clientMessageId.
type Frame struct {
	Type     string           `json:"type"` // "envelope" | "receipt"
	Envelope *Incoming        `json:"envelope,omitempty"`
	Receipt  *DeliveryReceipt `json:"receipt,omitempty"`
}

// WSTransport is the persistent live channel. A single read loop feeds both
// the subscribe stream and the pending-receipt map; writes are serialized.
type WSTransport struct {
	url   string
	token string
	log   logging.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	pending   map[string]chan *DeliveryReceipt

	incoming chan Incoming
	done     chan struct{}
}

// NewWSTransport returns an unconnected live channel for the relay at
// baseURL (http/https; the scheme is rewritten for the upgrade).
func NewWSTransport(baseURL, token string, log logging.Logger) *WSTransport {
	wsURL := strings.Replace(baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return &WSTransport{
		url:      wsURL + "/live",
		token:    token,
		log:      log,
		pending:  make(map[string]chan *DeliveryReceipt),
		incoming: make(chan Incoming, subscribeDepth),
		done:     make(chan struct{}),
	}
}

// SetToken replaces the access token used on the next Connect.
func (t *WSTransport) SetToken(token string) {
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()
}

// Connect dials the relay and starts the read loop. Safe to call again
// after a connection loss.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil
	}

	header := http.Header{}
	header.Set(common.AccessTokenHeaderName, "Bearer "+t.token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, t.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return fatal(fmt.Errorf("live channel rejected: %d", resp.StatusCode))
		}
		return retriable(err)
	}

	t.conn = conn
	t.connected = true
	go t.readLoop(conn)
	go t.pingLoop(conn)

	t.log.Info(ctx, "live channel connected", "url", t.url)
	return nil
}

// IsConnected reports whether the live channel is currently up.
func (t *WSTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *WSTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.log.Debug(context.Background(), "live channel closed", "error", err)
			t.markDisconnected(conn)
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.log.Warn(context.Background(), "dropping malformed frame", "error", err)
			continue
		}

		switch frame.Type {
		case "receipt":
			if frame.Receipt == nil {
				continue
			}
			t.mu.Lock()
			ch, ok := t.pending[frame.Receipt.ClientMessageID]
			if ok {
				delete(t.pending, frame.Receipt.ClientMessageID)
			}
			t.mu.Unlock()
			if ok {
				ch <- frame.Receipt
			}
		case "envelope":
			if frame.Envelope == nil {
				continue
			}
			select {
			case t.incoming <- *frame.Envelope:
			case <-t.done:
				return
			}
		default:
			t.log.Warn(context.Background(), "unknown frame type", "type", frame.Type)
		}
	}
}

func (t *WSTransport) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			current := t.conn
			t.mu.Unlock()
			if current != conn {
				return
			}
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline))
		case <-t.done:
			return
		}
	}
}

func (t *WSTransport) markDisconnected(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != conn {
		return
	}
	t.connected = false
	t.conn = nil
	// fail any sends still waiting for receipts
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	_ = conn.Close()
}

// Send writes the envelope on the live channel and waits for its receipt.
// A connection loss or receipt timeout is retriable; the idempotency key
// makes the follow-up attempt safe.
func (t *WSTransport) Send(ctx context.Context, env Envelope) (*DeliveryReceipt, error) {
	t.mu.Lock()
	if !t.connected || t.conn == nil {
		t.mu.Unlock()
		return nil, retriable(fmt.Errorf("live channel not connected"))
	}
	conn := t.conn

	receiptCh := make(chan *DeliveryReceipt, 1)
	t.pending[env.ClientMessageID] = receiptCh

	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	err := conn.WriteJSON(Frame{Type: "envelope", Envelope: &Incoming{Envelope: env}})
	t.mu.Unlock()

	if err != nil {
		t.forget(env.ClientMessageID)
		t.markDisconnected(conn)
		return nil, retriable(err)
	}

	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()

	select {
	case receipt, ok := <-receiptCh:
		if !ok {
			return nil, retriable(fmt.Errorf("live channel lost before receipt"))
		}
		return receipt, nil
	case <-timer.C:
		t.forget(env.ClientMessageID)
		return nil, retriable(fmt.Errorf("timed out waiting for receipt"))
	case <-ctx.Done():
		t.forget(env.ClientMessageID)
		return nil, retriable(ctx.Err())
	}
}

func (t *WSTransport) forget(clientMessageID string) {
	t.mu.Lock()
	delete(t.pending, clientMessageID)
	t.mu.Unlock()
}

// Subscribe returns the stream of incoming envelopes. The channel survives
// reconnects; it only closes when the transport is closed.
func (t *WSTransport) Subscribe(context.Context) (<-chan Incoming, error) {
	return t.incoming, nil
}

// Close shuts the live channel down permanently.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.connected = false
	t.mu.Unlock()

	select {
	case <-t.done:
	default:
		close(t.done)
	}

	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"))
		return conn.Close()
	}
	return nil
}
