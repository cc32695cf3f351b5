package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/chatsync/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   base URL of the relay server (default from Config)
//	-u string   user id to authenticate as
//	-l string   path to the ledger database file
//	-k string   path to the keystore database file
//	-s int      sync interval in seconds (default from Config)
//	-i int      online check interval in seconds (default from Config)
//
// Note: The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	// Filter args to include only those handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-u", "-l", "-k", "-s", "-i"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.RelayAddr, "a", cfg.RelayAddr, "base URL of the relay server")
	fs.StringVar(&cfg.UserID, "u", cfg.UserID, "user id to authenticate as")
	fs.StringVar(&cfg.LedgerPath, "l", cfg.LedgerPath, "path to the ledger database file")
	fs.StringVar(&cfg.KeystorePath, "k", cfg.KeystorePath, "path to the keystore database file")
	syncInterval := fs.Int("s", int(cfg.SyncInterval.Seconds()), "sync interval (in seconds)")
	onlineCheckInterval := fs.Int("i", int(cfg.OnlineCheckInterval.Seconds()), "online check interval (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.SyncInterval = time.Duration(*syncInterval) * time.Second
	cfg.OnlineCheckInterval = time.Duration(*onlineCheckInterval) * time.Second
}
