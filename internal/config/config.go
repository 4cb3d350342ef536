// Package config holds the flag-driven server configuration.
package config

import (
	"flag"
	"time"
)

// Config is everything the bootstrap needs to wire the server.
type Config struct {
	ControlAddr string // TLS WebSocket control listener
	VoiceAddr   string // UDP voice listener
	APIAddr     string // REST admin listener; empty disables it
	DBPath      string // SQLite database path

	TokenSecret  string
	TokenTTL     time.Duration
	CertValidity time.Duration
	IdleTimeout  time.Duration

	StrictVoice    bool // drop voice from users without a keyed session
	MaxConnections int
	TestUser       string
}

// Default returns the configuration used when no flags override it. Ports
// follow the reference deployment: 9000 control, 9001 voice.
func Default() Config {
	return Config{
		ControlAddr:    ":9000",
		VoiceAddr:      ":9001",
		APIAddr:        ":8080",
		DBPath:         "dadlink.db",
		TokenSecret:    "CHANGE_ME_IN_PRODUCTION",
		TokenTTL:       time.Hour,
		CertValidity:   24 * time.Hour,
		IdleTimeout:    30 * time.Second,
		StrictVoice:    false,
		MaxConnections: 500,
	}
}

// Bind registers the flags onto fs, writing into c. Call fs.Parse
// afterwards.
func (c *Config) Bind(fs *flag.FlagSet) {
	fs.StringVar(&c.ControlAddr, "addr", c.ControlAddr, "TLS WebSocket control listen address")
	fs.StringVar(&c.VoiceAddr, "voice-addr", c.VoiceAddr, "UDP voice listen address")
	fs.StringVar(&c.APIAddr, "api-addr", c.APIAddr, "REST API listen address (empty to disable)")
	fs.StringVar(&c.DBPath, "db", c.DBPath, "SQLite database path")
	fs.StringVar(&c.TokenSecret, "token-secret", c.TokenSecret, "HMAC secret for session tokens")
	fs.DurationVar(&c.TokenTTL, "token-ttl", c.TokenTTL, "session token lifetime")
	fs.DurationVar(&c.CertValidity, "cert-validity", c.CertValidity, "self-signed TLS certificate validity")
	fs.DurationVar(&c.IdleTimeout, "idle-timeout", c.IdleTimeout, "HTTP idle timeout")
	fs.BoolVar(&c.StrictVoice, "strict-voice", c.StrictVoice, "drop voice datagrams from users without an encryption session")
	fs.IntVar(&c.MaxConnections, "max-connections", c.MaxConnections, "maximum concurrent control connections")
	fs.StringVar(&c.TestUser, "test-user", c.TestUser, "name for a virtual test bot that emits a tone into its channel (empty to disable)")
}
