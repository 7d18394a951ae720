package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# PortfolioDB identity resolution configuration

[store]
# SQLite database holding instruments, identifiers and descriptors
path = "portfoliodb.db"

[resolution]
# Descriptors resolved in parallel
workers = 8
# Concurrent resolver calls per descriptor
max_parallel = 4
# Timeout for a single resolver call; the whole fan-out is bounded by the slowest one
plugin_timeout = "10s"
# Bound on one shared resolution attempt, including write-back and merges
attempt_timeout = "2m"
# Consecutive transient failures before a resolver's circuit opens
breaker_failures = 5
breaker_cooldown = "30s"

[retry]
# delay = min(base_delay * 2^retries, max_delay), +/- jitter
base_delay = "1m"
max_delay = "24h"
jitter = 0.2
# Failed attempts before a descriptor is presented as unresolvable
max_retries = 20

[sweep]
interval = "15m"
# Non-authoritative mappings older than this are force-refreshed
stale_after = "720h"
batch_size = 500

[logging]
level = "info"
console = true
json = false
file = false

[metrics]
enabled = false
listen = ":9464"

# Precedence: on disagreement the resolver with the lowest rank wins.
[[precedence]]
name = "reference"
rank = 1
enabled = true

[[precedence]]
name = "openfigi"
rank = 2
enabled = false

[[precedence]]
name = "kite"
rank = 3
enabled = false
`

const credentialsTemplate = `# Resolver credentials (keep this file private)

[resolvers.reference]
path = "reference.yaml"

[resolvers.openfigi]
api_key = ""

[resolvers.kite]
api_key = ""
access_token = ""
`

func createTemplateConfig(configDir, name string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, name+".toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	credsPath := filepath.Join(configDir, "credentials.toml")
	if _, err := os.Stat(credsPath); os.IsNotExist(err) {
		// Use restricted permissions for credentials file
		if err := os.WriteFile(credsPath, []byte(credentialsTemplate), 0600); err != nil {
			return fmt.Errorf("writing credentials template: %w", err)
		}
	}

	return fmt.Errorf("config file not found, created template at %s", path)
}
