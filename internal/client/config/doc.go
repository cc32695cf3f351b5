// Package config loads runtime configuration for the chatsync client.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file (see parseJson) selected via flags: -c or -config.
//  3. Command-line flags (see parseFlags), which override earlier values.
//
// Supported flags
//
//	-a string   base URL of the relay server
//	-u string   user id to authenticate as
//	-l string   path to the ledger database file
//	-k string   path to the keystore database file
//	-s int      sync interval (seconds)
//	-i int      online status check interval (seconds)
//
// # JSON schema
//
// The JSON loader uses timex.Duration for intervals, so values can be either
// strings like "3s" or integer nanoseconds:
//
//	{
//	  "relay_addr": "http://127.0.0.1:8080",
//	  "user_id": "alice",
//	  "ledger_path": "chatsync.db",
//	  "keystore_path": "chatsync-keys.db",
//	  "sync_interval": "30s",
//	  "online_check_interval": "3s",
//	  "key_validity": "168h"
//	}
//
// Primary API
//
//   - type Config                     — runtime settings for the client
//   - func LoadConfig() *Config       — builds Config by applying defaults, JSON, then flags
//   - func (*Config) LoadDefaults()   — sets sensible defaults
//
// Note: This package does not read environment variables directly; use the
// JSON file or flags to configure values.
package config
