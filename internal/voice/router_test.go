package voice

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/DMShort/DadLink/internal/channels"
	"github.com/DMShort/DadLink/internal/cipher"
	"github.com/DMShort/DadLink/internal/sessions"
	"github.com/DMShort/DadLink/internal/wire"
)

type fakeEndpoint struct {
	name string
	sent [][]byte
}

func (f *fakeEndpoint) SendVoice(b []byte) error {
	f.sent = append(f.sent, b)
	return nil
}

func (f *fakeEndpoint) String() string { return f.name }

// cipherPair returns two Sessions built from the same key material: one for
// the server registry, one playing the client.
func cipherPair(t *testing.T, userID uint32) (*cipher.Session, *cipher.Session) {
	t.Helper()
	key := make([]byte, cipher.MasterKeySize)
	salt := make([]byte, cipher.SaltSize)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	if _, err := rand.Read(salt); err != nil {
		t.Fatal(err)
	}
	server, err := cipher.New(key, salt, userID)
	if err != nil {
		t.Fatal(err)
	}
	client, err := cipher.New(key, salt, userID)
	if err != nil {
		t.Fatal(err)
	}
	return server, client
}

type routerEnv struct {
	router   *Router
	registry *channels.Registry
	ciphers  *sessions.Registry
}

func newRouterEnv(strict bool) *routerEnv {
	registry := channels.New()
	registry.RegisterChannel(channels.Channel{ID: 5, Name: "ops"})
	ciphers := sessions.New()
	return &routerEnv{
		router:   NewRouter(ciphers, registry, strict),
		registry: registry,
		ciphers:  ciphers,
	}
}

func voiceDatagram(seq uint64, channelID, userID uint32, payload []byte) []byte {
	hdr := wire.Header{
		Magic:       wire.Magic,
		Sequence:    seq,
		TimestampUS: 1234,
		ChannelID:   channelID,
		UserID:      userID,
	}
	return append(hdr.Encode(), payload...)
}

func TestFanOutReEncryptsPerRecipient(t *testing.T) {
	env := newRouterEnv(true)
	server7, client7 := cipherPair(t, 7)
	server8, client8 := cipherPair(t, 8)
	env.ciphers.Set(7, server7)
	env.ciphers.Set(8, server8)

	env.registry.Join(5, channels.Member{UserID: 7, Username: "alice"})
	env.registry.Join(5, channels.Member{UserID: 8, Username: "bob"})

	ep7 := &fakeEndpoint{name: "ep7"}
	ep8 := &fakeEndpoint{name: "ep8"}
	env.registry.LearnAddress(8, ep8)

	plaintext := make([]byte, 16) // sixteen zero bytes
	dgram := voiceDatagram(100, 5, 7, client7.Encrypt(plaintext, 100))

	env.router.Deliver(dgram, ep7)

	if len(ep7.sent) != 0 {
		t.Fatal("sender must not receive its own frame")
	}
	if len(ep8.sent) != 1 {
		t.Fatalf("recipient got %d datagrams, want 1", len(ep8.sent))
	}

	out := ep8.sent[0]
	hdr, err := wire.DecodeChecked(out)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.UserID != 7 || hdr.ChannelID != 5 || hdr.Sequence != 100 {
		t.Fatalf("header = %+v, want original preserved", hdr)
	}

	// Recipient ciphertext must differ from the sender's and open under
	// the recipient's own session.
	if bytes.Equal(out[wire.HeaderSize:], dgram[wire.HeaderSize:]) {
		t.Fatal("recipient must not observe the sender's ciphertext bytes")
	}
	opened, err := client8.Decrypt(out[wire.HeaderSize:])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("plaintext = %x", opened)
	}
}

func TestReplayedDatagramIsDropped(t *testing.T) {
	env := newRouterEnv(true)
	server7, client7 := cipherPair(t, 7)
	server8, _ := cipherPair(t, 8)
	env.ciphers.Set(7, server7)
	env.ciphers.Set(8, server8)
	env.registry.Join(5, channels.Member{UserID: 7})
	env.registry.Join(5, channels.Member{UserID: 8})

	ep8 := &fakeEndpoint{name: "ep8"}
	env.registry.LearnAddress(8, ep8)

	dgram := voiceDatagram(100, 5, 7, client7.Encrypt(make([]byte, 16), 100))
	src := &fakeEndpoint{name: "ep7"}
	env.router.Deliver(dgram, src)
	env.router.Deliver(dgram, src)

	if len(ep8.sent) != 1 {
		t.Fatalf("recipient got %d datagrams, want 1 (replay dropped)", len(ep8.sent))
	}
}

func TestBadMagicDropped(t *testing.T) {
	env := newRouterEnv(false)
	env.registry.Join(5, channels.Member{UserID: 8})
	ep8 := &fakeEndpoint{name: "ep8"}
	env.registry.LearnAddress(8, ep8)

	dgram := voiceDatagram(1, 5, 7, make([]byte, 32))
	dgram[0] = 0xFF
	env.router.Deliver(dgram, &fakeEndpoint{name: "src"})

	if len(ep8.sent) != 0 {
		t.Fatal("datagram with bad magic must be dropped")
	}
	_, _, _, dropped, _ := env.router.Stats()
	if dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
}

func TestShortDatagramDropped(t *testing.T) {
	env := newRouterEnv(false)
	env.router.Deliver(make([]byte, wire.HeaderSize+5), &fakeEndpoint{name: "src"})
	_, _, _, dropped, _ := env.router.Stats()
	if dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
}

func TestStrictModeDropsUnkeyedSender(t *testing.T) {
	env := newRouterEnv(true)
	env.registry.Join(5, channels.Member{UserID: 7})
	env.registry.Join(5, channels.Member{UserID: 8})
	ep8 := &fakeEndpoint{name: "ep8"}
	env.registry.LearnAddress(8, ep8)

	env.router.Deliver(voiceDatagram(1, 5, 7, make([]byte, 32)), &fakeEndpoint{name: "src"})

	if len(ep8.sent) != 0 {
		t.Fatal("strict mode must drop traffic from users without a cipher")
	}
}

func TestPermissiveModePassesThrough(t *testing.T) {
	env := newRouterEnv(false)
	env.registry.Join(5, channels.Member{UserID: 7})
	env.registry.Join(5, channels.Member{UserID: 8})
	ep8 := &fakeEndpoint{name: "ep8"}
	env.registry.LearnAddress(8, ep8)

	payload := make([]byte, 32)
	payload[0] = 0xAB
	env.router.Deliver(voiceDatagram(1, 5, 7, payload), &fakeEndpoint{name: "src"})

	if len(ep8.sent) != 1 {
		t.Fatalf("recipient got %d datagrams, want 1", len(ep8.sent))
	}
	if !bytes.Equal(ep8.sent[0][wire.HeaderSize:], payload) {
		t.Fatal("permissive passthrough must forward the payload unchanged")
	}
}

func TestAddressLearnedFromDatagram(t *testing.T) {
	env := newRouterEnv(false)
	src := &fakeEndpoint{name: "1.2.3.4:9"}
	env.router.Deliver(voiceDatagram(1, 5, 7, make([]byte, 32)), src)

	got, ok := env.registry.LookupAddress(7)
	if !ok || got.String() != "1.2.3.4:9" {
		t.Fatal("expected sender's endpoint learned")
	}
}

func TestRecipientWithoutAddressSkipped(t *testing.T) {
	env := newRouterEnv(false)
	env.registry.Join(5, channels.Member{UserID: 7})
	env.registry.Join(5, channels.Member{UserID: 8})

	// No address learned for 8; must simply be skipped.
	env.router.Deliver(voiceDatagram(1, 5, 7, make([]byte, 32)), &fakeEndpoint{name: "src"})

	_, _, delivered, _, _ := env.router.Stats()
	if delivered != 0 {
		t.Fatalf("delivered = %d, want 0", delivered)
	}
}

func TestSpeakingMarkedOnVoice(t *testing.T) {
	env := newRouterEnv(false)
	env.registry.Join(5, channels.Member{UserID: 7})
	env.registry.Join(5, channels.Member{UserID: 8})

	env.router.Deliver(voiceDatagram(1, 5, 7, make([]byte, 32)), &fakeEndpoint{name: "src"})

	for _, m := range env.registry.Roster(5) {
		if m.UserID == 7 && !m.Speaking {
			t.Fatal("expected sender marked speaking")
		}
	}
}

func TestStatsCounters(t *testing.T) {
	env := newRouterEnv(false)
	env.registry.Join(5, channels.Member{UserID: 7})
	env.registry.Join(5, channels.Member{UserID: 8})
	ep8 := &fakeEndpoint{name: "ep8"}
	env.registry.LearnAddress(8, ep8)

	dgram := voiceDatagram(1, 5, 7, make([]byte, 32))
	env.router.Deliver(dgram, &fakeEndpoint{name: "src"})

	datagrams, n, delivered, dropped, _ := env.router.Stats()
	if datagrams != 1 || dropped != 0 || delivered != 1 {
		t.Fatalf("stats = %d/%d/%d", datagrams, delivered, dropped)
	}
	if n != uint64(len(dgram)) {
		t.Fatalf("bytes = %d, want %d", n, len(dgram))
	}

	// Swap semantics: a second read starts from zero.
	datagrams, _, _, _, _ = env.router.Stats()
	if datagrams != 0 {
		t.Fatalf("stats must reset after read, got %d", datagrams)
	}
}
