package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// printlnFn is a test seam for user-facing output. In tests, replace it with a stub.
var printlnFn = fmt.Println

// execIface defines the minimal command surface the REPL needs to operate.
// The real App type satisfies this interface; tests can provide a lightweight stub.
type execIface interface {
	hasConversation() bool
	Start(ctx context.Context) error
	List(ctx context.Context) error
	Open(ctx context.Context) error
	Members(ctx context.Context) error
	Send(ctx context.Context) error
	SendFile(ctx context.Context) error
	History(ctx context.Context) error
	Read(ctx context.Context) error
	Resend(ctx context.Context) error
	Sync(ctx context.Context) error
}

// runREPL starts a simple read–eval–print loop for the chatsync client.
//
// It reads a line from the provided scanner, parses the first token as the
// command, and dispatches to methods on 'a'. Unknown commands are reported
// back to the user. The loop exits on scanner EOF or when the user types
// "exit" or "quit".
//
// Prompt & Commands
//
// The prompt shows the current status (from statusFn) and accepts commands:
//
//	Always:
//	  - help           — show available commands
//	  - start          — start a new conversation
//	  - list           — list conversations
//	  - open           — open a conversation
//	  - sync           — run a sync round now
//	  - exit | quit    — leave the program
//
//	With a conversation open:
//	  - send           — compose and send a message
//	  - sendfile       — send a file as sealed media
//	  - history        — show the conversation timeline
//	  - read           — mark a message as read
//	  - resend         — retry a failed message
//	  - members        — change the participant set (rotates the session key)
//
// Any errors returned by command handlers are ignored here; handlers should
// log their own errors. This keeps the REPL loop resilient and focused on I/O.
func runREPL(ctx context.Context, a execIface, statusFn func() string, scanner *bufio.Scanner) {
	for {
		printlnFn(fmt.Sprintf("chat> %s > ", statusFn()))
		if !scanner.Scan() {
			return
		}
		line := scanner.Text()
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd := parts[0]

		switch cmd {
		case "help":
			if a.hasConversation() {
				printlnFn("Available commands: (s)end, sendfile, (h)istory, read, resend, members, start, (l)ist, open, sync, exit")
			} else {
				printlnFn("Available commands: start, (l)ist, open, sync, exit")
			}

		case "start":
			_ = a.Start(ctx)

		case "l", "list":
			_ = a.List(ctx)

		case "open":
			_ = a.Open(ctx)

		case "s", "send":
			_ = a.Send(ctx)

		case "sendfile":
			_ = a.SendFile(ctx)

		case "h", "history":
			_ = a.History(ctx)

		case "read":
			_ = a.Read(ctx)

		case "resend":
			_ = a.Resend(ctx)

		case "members":
			_ = a.Members(ctx)

		case "sync":
			_ = a.Sync(ctx)

		case "exit", "quit":
			printlnFn("Bye!")
			return

		default:
			printlnFn("Unknown command:", cmd)
		}
	}
}
