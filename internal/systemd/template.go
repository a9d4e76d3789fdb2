// Package systemd generates and verifies the hub's systemd unit file.
package systemd

// DaemonTemplate returns the systemd unit for the relaymesh hub. The
// unit is hardened: the hub only needs write access to its state
// directory.
func DaemonTemplate() string {
	return `[Unit]
Description=relaymesh bot hub
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
User=relaymesh
ExecStart=/usr/local/bin/relaymesh serve --config /etc/relaymesh/config.yaml
Restart=on-failure
RestartSec=2
NoNewPrivileges=true
PrivateTmp=true
ProtectSystem=strict
ProtectHome=true
ProtectKernelTunables=true
RestrictNamespaces=true
MemoryDenyWriteExecute=true
ReadWritePaths=/var/lib/relaymesh/state
CPUQuota=50%
MemoryMax=512M
TasksMax=100

[Install]
WantedBy=multi-user.target
`
}
