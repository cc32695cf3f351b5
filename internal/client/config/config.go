package config

import "time"

// Config holds runtime settings for the chatsync client.
//
// Fields:
//   - RelayAddr: base URL of the relay server (http/https; the live channel
//     derives its ws/wss URL from it).
//   - UserID: identifier the client authenticates as.
//   - LedgerPath: SQLite file holding the message ledger.
//   - KeystorePath: SQLite file holding encrypted key material.
//   - SyncInterval: how often a scheduled sync round runs.
//   - OnlineCheckInterval: how often the client probes relay reachability.
//   - KeyValidity: how long identity and session keys stay usable.
type Config struct {
	RelayAddr           string
	UserID              string
	LedgerPath          string
	KeystorePath        string
	SyncInterval        time.Duration
	OnlineCheckInterval time.Duration
	KeyValidity         time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.RelayAddr = "http://127.0.0.1:8080"
	c.LedgerPath = "chatsync.db"
	c.KeystorePath = "chatsync-keys.db"
	c.SyncInterval = 30 * time.Second
	c.OnlineCheckInterval = 3 * time.Second
	c.KeyValidity = 7 * 24 * time.Hour
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
