package cli

import (
	"context"
	"log"
	"os"
	"strings"
)

// Start creates a conversation with a prompted id and participant list.
// The local user is always a participant.
func (a *App) Start(ctx context.Context) error {
	id, err := GetSimpleText(a.reader, "Conversation id", os.Stdout)
	if err != nil {
		return err
	}
	raw, err := GetSimpleText(a.reader, "Participants (comma separated)", os.Stdout)
	if err != nil {
		return err
	}

	participants := []string{a.config.UserID}
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" && p != a.config.UserID {
			participants = append(participants, p)
		}
	}

	if err := a.engine.StartConversation(ctx, id, participants); err != nil {
		log.Printf("error starting conversation: %s", err.Error())
		return err
	}

	a.conversation = id
	printlnFn("Conversation started:", id)
	return nil
}

// List prints the known conversations.
func (a *App) List(ctx context.Context) error {
	convs, err := a.engine.Conversations(ctx)
	if err != nil {
		log.Printf("error listing conversations: %s", err.Error())
		return err
	}

	if len(convs) == 0 {
		printlnFn("No conversations yet. Use 'start' to begin one.")
		return nil
	}
	for _, c := range convs {
		printlnFn(c.ID, "|", strings.Join(c.Participants, ", "))
	}
	return nil
}

// Members replaces the open conversation's participant set. The session
// key is rotated as part of the change.
func (a *App) Members(ctx context.Context) error {
	if err := a.requireConversation(); err != nil {
		return err
	}

	raw, err := GetSimpleText(a.reader, "Participants (comma separated)", os.Stdout)
	if err != nil {
		return err
	}

	participants := []string{a.config.UserID}
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" && p != a.config.UserID {
			participants = append(participants, p)
		}
	}

	if err := a.engine.UpdateParticipants(ctx, a.conversation, participants); err != nil {
		log.Printf("error updating participants: %s", err.Error())
		return err
	}

	printlnFn("Participants updated:", strings.Join(participants, ", "))
	return nil
}

// Open switches the REPL to a prompted conversation.
func (a *App) Open(ctx context.Context) error {
	id, err := GetSimpleText(a.reader, "Conversation id", os.Stdout)
	if err != nil {
		return err
	}

	if _, err := a.engine.Timeline(ctx, id, 0); err != nil {
		log.Printf("error opening conversation: %s", err.Error())
		return err
	}

	a.conversation = id
	return nil
}
