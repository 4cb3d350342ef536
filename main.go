package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/DMShort/DadLink/internal/authz"
	"github.com/DMShort/DadLink/internal/channels"
	"github.com/DMShort/DadLink/internal/config"
	"github.com/DMShort/DadLink/internal/control"
	"github.com/DMShort/DadLink/internal/sessions"
	"github.com/DMShort/DadLink/internal/token"
	"github.com/DMShort/DadLink/internal/voice"
	"github.com/DMShort/DadLink/store"
)

func main() {
	// Check for CLI subcommands before parsing flags.
	if len(os.Args) > 1 {
		// Default DB path for CLI commands (overridable by the -db flag in
		// serve mode).
		if RunCLI(os.Args[1:], "dadlink.db") {
			return
		}
	}

	cfg := config.Default()
	cfg.Bind(flag.CommandLine)
	flag.Parse()

	// Open persistent store; seed defaults on first run.
	st, err := store.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("[store] %v", err)
	}
	defer st.Close()
	seedDefaults(st)

	// Extract the hostname from the listen address for the TLS certificate.
	tlsHostname := ""
	if host, _, err := net.SplitHostPort(cfg.ControlAddr); err == nil && host != "" {
		tlsHostname = host
	}

	tlsConfig, fingerprint, err := generateTLSConfig(cfg.CertValidity, tlsHostname)
	if err != nil {
		log.Fatalf("[server] %v", err)
	}
	log.Printf("[server] TLS certificate fingerprint: %s", fingerprint)

	if cfg.TokenSecret == "CHANGE_ME_IN_PRODUCTION" {
		log.Printf("[server] WARNING: using the default token secret; set -token-secret")
	}

	// In-memory runtime state shared by the control and voice planes.
	registry := channels.New()
	ciphers := sessions.New()
	minter := token.NewMinter([]byte(cfg.TokenSecret), cfg.TokenTTL)
	router := voice.NewRouter(ciphers, registry, cfg.StrictVoice)
	if !cfg.StrictVoice {
		log.Printf("[voice] WARNING: permissive mode forwards plaintext for unkeyed users; use -strict-voice in production")
	}

	// Seed the channel registry from the durable channel list.
	chs, err := st.Channels()
	if err != nil {
		log.Fatalf("[store] load channels: %v", err)
	}
	var firstChannel uint32
	for i, ch := range chs {
		if i == 0 {
			firstChannel = ch.ID
		}
		registry.RegisterChannel(channels.Channel{
			ID:      ch.ID,
			OrgID:   ch.OrgID,
			Name:    ch.Name,
			Private: ch.Protected,
		})
	}

	sessionCfg := control.Config{
		Auth:          st,
		Policy:        st,
		Registry:      registry,
		Ciphers:       ciphers,
		Tokens:        minter,
		ServerVersion: Version,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on interrupt.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[server] shutting down...")
		cancel()
	}()

	// UDP voice ingress.
	pc, err := net.ListenPacket("udp", cfg.VoiceAddr)
	if err != nil {
		log.Fatalf("[voice] %v", err)
	}
	go func() {
		if err := router.Serve(ctx, pc); err != nil {
			log.Printf("[voice] %v", err)
			cancel()
		}
	}()
	log.Printf("[voice] udp listening on %s", cfg.VoiceAddr)

	// WebTransport voice bridge on the control port's UDP side, for
	// clients whose networks drop raw UDP.
	bridge := NewVoiceBridge(cfg.ControlAddr, tlsConfig, router)
	go func() {
		if err := bridge.Run(ctx); err != nil {
			log.Printf("[bridge] %v", err)
		}
	}()

	// Start metrics logging.
	go RunMetrics(ctx, router, 5*time.Second)

	// Periodically optimize SQLite query planner.
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := st.Optimize(); err != nil {
					log.Printf("[store] optimize: %v", err)
				}
			}
		}
	}()

	// Start virtual test bot if configured.
	if cfg.TestUser != "" && firstChannel != 0 {
		go RunTestBot(ctx, cfg.TestUser, firstChannel, registry, ciphers, router)
	}

	// Start REST API server if an address is configured.
	if cfg.APIAddr != "" {
		api := NewAPIServer(st, registry, ciphers)
		go api.Run(ctx, cfg.APIAddr)
		log.Printf("[api] listening on %s", cfg.APIAddr)
	}

	srv := NewServer(cfg.ControlAddr, tlsConfig, sessionCfg, cfg.IdleTimeout, cfg.MaxConnections)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("[server] %v", err)
	}
}

// seedDefaults creates the factory organization, roles, channel, and admin
// account when the database is empty (first-run initialisation).
func seedDefaults(st *store.Store) {
	ctx := context.Background()

	if n, err := st.OrganizationCount(); err == nil && n == 0 {
		if _, err := st.CreateOrganization("default", "DFLT"); err != nil {
			log.Printf("[store] seed organization: %v", err)
		}
	}

	if n, err := st.ChannelCount(); err == nil && n == 0 {
		if _, err := st.CreateChannel(1, "General", "the lobby", ""); err != nil {
			log.Printf("[store] seed General channel: %v", err)
		}
	}

	n, err := st.UserCount()
	if err != nil || n > 0 {
		return
	}

	member, err := st.CreateRole(ctx, 1, "member", authz.Join|authz.Speak, 0)
	if err != nil {
		log.Printf("[store] seed member role: %v", err)
		return
	}
	admin, err := st.CreateRole(ctx, 1, "admin", authz.Join|authz.Speak|authz.Whisper|authz.Manage|authz.Kick|authz.Ban, 10)
	if err != nil {
		log.Printf("[store] seed admin role: %v", err)
		return
	}

	u, err := st.CreateUser(ctx, 1, "admin", "admin123", "")
	if err != nil {
		log.Printf("[store] seed admin user: %v", err)
		return
	}
	if err := st.AssignRole(ctx, u.ID, member.ID); err != nil {
		log.Printf("[store] seed admin membership: %v", err)
	}
	if err := st.AssignRole(ctx, u.ID, admin.ID); err != nil {
		log.Printf("[store] seed admin grant: %v", err)
	}
	log.Printf("[store] seeded default admin account %q — change its password", u.Username)
}
