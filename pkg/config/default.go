// Global lock server config.
package config

import "time"

// Name of the server.
const ServerName = "bumble-lockd"

// Prompt printed by REPL.
const Prompt = "lockd> "

// Default lock acquisition timeout. Zero or negative waits forever.
const DefaultLockAcquisitionTimeout = 0 * time.Second

// Default number of registry stripes.
const DefaultRegistryStripes = 64

// Default listen address (port 8335, BEES).
const DefaultListenAddr = ":8335"

// Default log level.
const DefaultLogLevel = "info"

// Return prompt if requested, else "".
func GetPrompt(flag bool) string {
	if flag {
		return Prompt
	}
	return ""
}
