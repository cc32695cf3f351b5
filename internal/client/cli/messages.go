package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/dmitrijs2005/chatsync/internal/ledger"
)

var errNoConversation = fmt.Errorf("no conversation open")

func (a *App) requireConversation() error {
	if !a.hasConversation() {
		printlnFn("Open a conversation first ('open' or 'start').")
		return errNoConversation
	}
	return nil
}

// Send composes a message and hands it to the engine. Delivery happens in
// the background; the message shows as pending until the relay confirms.
func (a *App) Send(ctx context.Context) error {
	if err := a.requireConversation(); err != nil {
		return err
	}

	text, err := GetMultiline(a.reader, "Message", os.Stdout)
	if err != nil {
		return err
	}
	if text == "" {
		return nil
	}

	id, err := a.engine.Enqueue(ctx, a.conversation, []byte(text))
	if err != nil {
		log.Printf("error sending message: %s", err.Error())
		return err
	}
	printlnFn("Queued:", id)
	return nil
}

// SendFile seals a local file and sends it as a media message. The upload
// URL is a presigned URL obtained from the relay operator.
func (a *App) SendFile(ctx context.Context) error {
	if err := a.requireConversation(); err != nil {
		return err
	}

	path, err := GetSimpleText(a.reader, "File path", os.Stdout)
	if err != nil {
		return err
	}
	uploadURL, err := GetSimpleText(a.reader, "Upload URL", os.Stdout)
	if err != nil {
		return err
	}

	blob, err := os.ReadFile(path)
	if err != nil {
		log.Printf("error reading file: %s", err.Error())
		return err
	}

	id, err := a.engine.EnqueueMedia(ctx, a.conversation, filepath.Base(path), uploadURL, blob)
	if err != nil {
		log.Printf("error sending file: %s", err.Error())
		return err
	}
	printlnFn("Queued:", id)
	return nil
}

// History prints the open conversation's timeline with delivery states and
// read receipts.
func (a *App) History(ctx context.Context) error {
	if err := a.requireConversation(); err != nil {
		return err
	}

	entries, err := a.engine.Timeline(ctx, a.conversation, 0)
	if err != nil {
		log.Printf("error loading timeline: %s", err.Error())
		return err
	}

	for _, e := range entries {
		marker := deliveryMarker(e.State)
		body := "<unreadable>"
		if e.Err == nil {
			body = string(e.Plaintext)
		}
		line := fmt.Sprintf("%s [%s] %s: %s", marker, e.ID, e.SenderID, body)
		if len(e.ReadBy) > 0 {
			line += fmt.Sprintf(" (read by %d)", len(e.ReadBy))
		}
		printlnFn(line)
	}
	return nil
}

func deliveryMarker(state ledger.DeliveryState) string {
	switch state {
	case ledger.StatePending:
		return "…"
	case ledger.StateSent:
		return "→"
	case ledger.StateAcknowledged:
		return "✓"
	case ledger.StateFailed:
		return "✗"
	default:
		return "?"
	}
}

// Read marks a prompted message as read and announces it to the peers.
func (a *App) Read(ctx context.Context) error {
	if err := a.requireConversation(); err != nil {
		return err
	}

	id, err := GetSimpleText(a.reader, "Message id", os.Stdout)
	if err != nil {
		return err
	}
	if err := a.engine.MarkRead(ctx, a.conversation, id); err != nil {
		log.Printf("error marking read: %s", err.Error())
		return err
	}
	return nil
}

// Resend retries a failed message.
func (a *App) Resend(ctx context.Context) error {
	if err := a.requireConversation(); err != nil {
		return err
	}

	id, err := GetSimpleText(a.reader, "Message id", os.Stdout)
	if err != nil {
		return err
	}
	if err := a.engine.Resend(ctx, id); err != nil {
		log.Printf("error resending: %s", err.Error())
		return err
	}
	printlnFn("Requeued:", id)
	return nil
}

// Sync runs one synchronization round immediately.
func (a *App) Sync(ctx context.Context) error {
	if err := a.engine.Sync(ctx); err != nil {
		log.Printf("sync failed: %s", err.Error())
		return err
	}
	printlnFn("Sync complete.")
	return nil
}
