package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# SmartArb Advisor Configuration

[scheduler]
# Cron expression for regular analyses (5 fields or @hourly style descriptors)
schedule = "0 */6 * * *"
# Upper bound for the interruptible sleep between emergency checks
max_poll_interval = "5m"
min_poll_interval = "1s"
# Pause after a failed timer cycle
error_backoff = "60s"
queue_capacity = 256
dequeue_poll = "1s"
# How many request states are kept for polling
state_retention = 500

[emergency]
# Success rate (percent) below which an emergency analysis is requested
low_success_rate_pct = 60.0
# Absolute drawdown above which an emergency analysis is requested
high_drawdown_abs = 100.0
# Average execution latency in milliseconds
max_execution_latency_ms = 5000.0
# Consecutive failed trades
failed_trade_streak = 5
# Enqueue a health check when live metrics cannot be fetched
enqueue_on_unknown = true

[report]
window = "24h"
emergency_window = "1h"

[advisory]
model = "gpt-4o"
# Leave empty for the default OpenAI endpoint
base_url = ""
timeout = "60s"
max_tokens = 4096
temperature = 0.2
requests_per_minute = 6

[auto_apply]
# Write low/medium priority config-only recommendations automatically
enabled = false

[validator]
trusted_root = "src/"
max_code_changes = 5

[engine]
base_url = "http://127.0.0.1:8000"
timeout = "10s"

[api]
listen = ":8090"
base_url = "http://127.0.0.1:8090"

[security]
# Blocks auto-apply and config writes
read_only_mode = false
audit_enabled = true

[notifications]
enabled = false

[notifications.webhook]
enabled = false
url = ""

[notifications.telegram]
enabled = false
bot_token = ""
chat_id = ""

[logging]
level = "info"
console = true
`

const credentialsTemplate = `# SmartArb Advisor Credentials
# WARNING: Keep this file secure! Do not commit to version control.

[advisory]
api_key = ""

[engine]
api_token = ""
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return nil
}

func createTemplateCredentials(configDir string) error {
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
