package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/chatsync/internal/flagx"
	"github.com/dmitrijs2005/chatsync/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling.
// It relies on timex.Duration so JSON can specify intervals either as
// strings like "3s" or as integer nanoseconds. After parsing, values
// are copied into the runtime Config (which uses time.Duration).
type JsonConfig struct {
	RelayAddr           string         `json:"relay_addr"`
	UserID              string         `json:"user_id"`
	LedgerPath          string         `json:"ledger_path"`
	KeystorePath        string         `json:"keystore_path"`
	SyncInterval        timex.Duration `json:"sync_interval"`
	OnlineCheckInterval timex.Duration `json:"online_check_interval"`
	KeyValidity         timex.Duration `json:"key_validity"`
}

// parseJson overlays Config with values loaded from a JSON file.
//
// Lookup order for the JSON file path:
//  1. Command-line flags (-c or -config) via flagx.JsonConfigFlags().
//  2. If empty, no JSON is loaded and the function returns.
//
// Behavior:
//   - Reads and unmarshals the JSON into JsonConfig.
//   - Copies known fields into the provided Config; zero values are
//     skipped so JSON may specify a subset.
//   - Panics on read or unmarshal errors (caller should recover if desired).
//
// Intended usage is: defaults -> parseJson -> parseFlags, where later stages
// override earlier ones.
func parseJson(cfg *Config) {
	// Resolve file path from flags.
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.RelayAddr != "" {
		cfg.RelayAddr = jc.RelayAddr
	}
	if jc.UserID != "" {
		cfg.UserID = jc.UserID
	}
	if jc.LedgerPath != "" {
		cfg.LedgerPath = jc.LedgerPath
	}
	if jc.KeystorePath != "" {
		cfg.KeystorePath = jc.KeystorePath
	}
	if jc.SyncInterval.Duration != 0 {
		cfg.SyncInterval = time.Duration(jc.SyncInterval.Duration)
	}
	if jc.OnlineCheckInterval.Duration != 0 {
		cfg.OnlineCheckInterval = time.Duration(jc.OnlineCheckInterval.Duration)
	}
	if jc.KeyValidity.Duration != 0 {
		cfg.KeyValidity = time.Duration(jc.KeyValidity.Duration)
	}
}
