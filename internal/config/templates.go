package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "server":
		return serverTemplate, nil
	case "client":
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
	return os.WriteFile(path, []byte(template), 0o600)
}

const serverTemplate = `id = "packetnode"
host = ""
port = 7400
transport = "udp-sync"
max_packet_size = 8192
packet_buffer_size = 64
resend_interval = "25ms"
resend_timeout = "250ms"
heartbeat_interval = "5s"
heartbeat_timeout = "15s"
protocol_version = 0
admin_addr = "127.0.0.1:9400"
admin_token = ""
cors_origins = ["http://localhost:3000"]
`

const clientTemplate = `id = "packetnode-client"
host = ""
port = 0
transport = "udp-sync"
heartbeat_interval = "5s"
heartbeat_timeout = "15s"
protocol_version = 0
`
