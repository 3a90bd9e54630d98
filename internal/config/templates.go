package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "relay", "relayd":
		return relayTemplate, nil
	case "client", "chatctl":
		return clientTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const relayTemplate = `node = "relayd"
http_addr = ":8080"
tcp_addr = ":8443"
allowed_origins = ["http://localhost:3000"]
send_buffer = 256
handshake_timeout_ms = 10000
read_timeout_ms = 90000
write_timeout_ms = 10000
ping_interval_ms = 30000
mode = "development"
log_level = "info"

[tls]
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""

[auth]
mode = "proof"
max_skew_ms = 300000
verify_signatures = true
`

const clientTemplate = `identity_file = "~/.relaychat/identity.toml"
relay_url = "ws://localhost:8080/ws"
transport = "ws"
auth_token = ""
store_path = "~/.relaychat/store"
handle_suffix = "chat"
heartbeat_interval = "30s"
backoff_base = "1s"
backoff_max = "30s"
max_reconnect_attempts = 5
queue_limit = 500
codec = "json"
log_level = "info"
resolve_cache_ttl = "5m"
`
