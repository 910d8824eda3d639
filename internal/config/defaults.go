package config

import "time"

const (
	DefaultAgentID        = "mcpwarden"
	DefaultConfigDir      = "~/.mcpwarden"
	DefaultStore          = "file"
	DefaultTransport      = "stdio"
	DefaultAuditBuffer    = 10000
	DefaultRateLimit      = 60
	DefaultRateWindow     = 60 * time.Second
	DefaultProbeThreshold = 3
	DefaultBackoffBase    = time.Second
)

// Transport names accepted by settings.transport.
const (
	TransportStdio = "stdio"
	TransportMCPGo = "mcpgo"
)

// DefaultLogDir returns the default audit log directory path.
func DefaultLogDir() string {
	return DefaultConfigDir + "/audit"
}
