package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Delta Hedger Configuration

[trading]
# Trading mode: "live" or "paper"
mode = "paper"
# Exchange for option orders: NFO, BFO
exchange = "NFO"
# Product type: MIS, NRML
product = "MIS"

[hedge]
# Entry window opens at entry_time and closes at exit_time (exchange local time)
entry_time = "09:17"
exit_time = "15:00"
# Expiry series: WEEKLY or MONTHLY
expiry = "WEEKLY"
expiry_weekday = "Thursday"
# Absolute delta of the initial short strangle legs
initial_delta = 0.2
# Rebalance when |call delta + put delta| exceeds this
delta_threshold = 0.2
lot_size = 25
lots = 1
# Liquidate everything once session P&L reaches -portfolio_stop_loss
portfolio_stop_loss = 10000.0
# Buy a vega hedge after this many rebalances
vega_adjustment_trigger = 2
vega_target_delta = 0.5
# Ticks with fewer instruments are ignored
min_instruments = 2
location = "Asia/Kolkata"
# Exchange holidays, YYYY-MM-DD
holidays = []

[feed]
# Websocket endpoint streaming price + greeks snapshots
url = "ws://127.0.0.1:8765/snapshots"
reconnect_initial = "1s"
reconnect_max = "30s"
handshake_timeout = "10s"
snapshot_buffer = 64

[executor]
# How often live orders are polled for completion
poll_interval = "500ms"
fill_timeout = "30s"
fill_buffer = 64
# Pause order placement after this many consecutive failures
circuit_failures = 5
circuit_cooldown = "30s"

[store]
# SQLite trade log (defaults to ~/.config/delta-hedger/hedger.db)
# path = ""

[logging]
level = "info"
console = true
file = true
max_size = 100
max_backups = 7
max_age = 30

[notifications]
enabled = false
level = "all"               # all, sessions_only, errors_only

[notifications.webhook]
enabled = false
url = ""

[notifications.telegram]
enabled = false
bot_token = ""
chat_id = ""
`

const credentialsTemplate = `# Delta Hedger Credentials
# Keep this file private (chmod 600)

[zerodha]
api_key = ""
api_secret = ""
# Daily access token from the Kite Connect login flow
access_token = ""
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return fmt.Errorf("config file not found, created template at %s", path)
}

func writeTemplateCredentials(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "credentials.toml")
	// Use restricted permissions for credentials file
	if err := os.WriteFile(path, []byte(credentialsTemplate), 0600); err != nil {
		return fmt.Errorf("writing credentials template: %w", err)
	}

	return nil
}

// ConfigPath returns the path of config.toml in configDir.
func ConfigPath(configDir string) string {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}
	return filepath.Join(configDir, "config.toml")
}
