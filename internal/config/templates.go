package config

import (
	"fmt"
	"os"
)

func Template() string { return daemonTemplate }

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(daemonTemplate), 0o600)
}

const daemonTemplate = `profile = "default"
db_path = "patchctl.db"
admin_addr = "127.0.0.1:7020"
admin_token = ""
payload_path = ""
max_requeues = 256
max_payload_bytes = 8388608
handshake_timeout = "30s"
otel_endpoint = ""
scripts = []

[watch]
names = ["game.exe"]
interval = "2s"
`
