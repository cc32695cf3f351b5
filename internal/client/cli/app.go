package cli

import (
	"bufio"
	"context"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dmitrijs2005/chatsync/internal/client/config"
	"github.com/dmitrijs2005/chatsync/internal/common"
	"github.com/dmitrijs2005/chatsync/internal/engine"
	"github.com/dmitrijs2005/chatsync/internal/filex"
	"github.com/dmitrijs2005/chatsync/internal/logging"

	_ "modernc.org/sqlite"
)

// App is the interactive chat client. It owns one Engine for the local
// user and tracks which conversation the REPL currently has open.
type App struct {
	config       *config.Config
	engine       *engine.Engine
	reader       *bufio.Reader
	conversation string
}

// NewApp opens the local stores with a passphrase read from the terminal
// and connects the engine to the relay.
func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	dataDir, err := filex.EnsureSubDir("data")
	if err != nil {
		return nil, err
	}
	if !filepath.IsAbs(c.LedgerPath) {
		c.LedgerPath = filepath.Join(dataDir, c.LedgerPath)
	}
	if !filepath.IsAbs(c.KeystorePath) {
		c.KeystorePath = filepath.Join(dataDir, c.KeystorePath)
	}

	passphrase, err := GetPassword(os.Stdout)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(passphrase)

	logger := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	eng, err := engine.New(ctx, c, passphrase, logger)
	if err != nil {
		log.Printf("error initializing engine: %s", err.Error())
		return nil, err
	}

	if err := eng.Login(ctx); err != nil {
		log.Printf("login failed, starting offline: %s", err.Error())
	}

	return &App{config: c, engine: eng, reader: bufio.NewReader(os.Stdin)}, nil
}

// Run starts the background sync loops and the REPL, and tears the
// engine down when the user leaves.
func (a *App) Run(ctx context.Context) {
	defer func() { _ = a.engine.Close() }()

	if err := a.engine.Start(ctx); err != nil {
		log.Printf("failed to start sync loops: %s", err.Error())
		return
	}

	go a.watchUpdates(ctx)

	scanner := bufio.NewScanner(os.Stdin)
	runREPL(ctx, a, a.status, scanner)
}

func (a *App) hasConversation() bool {
	return a.conversation != ""
}

func (a *App) status() string {
	if a.conversation == "" {
		return a.config.UserID
	}
	return a.config.UserID + "@" + a.conversation
}

// watchUpdates announces background timeline changes so the user knows to
// re-run the timeline command.
func (a *App) watchUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case conv, ok := <-a.engine.Updates():
			if !ok {
				return
			}
			printlnFn("* new activity in conversation", conv)
		}
	}
}
