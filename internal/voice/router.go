// Package voice implements the datagram fan-out: parse, decrypt from the
// sender, re-encrypt per recipient, send. One receive goroutine per
// transport feeds Deliver; the registries it consults are shared with the
// control plane.
package voice

import (
	"context"
	"encoding/binary"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DMShort/DadLink/internal/channels"
	"github.com/DMShort/DadLink/internal/control"
	"github.com/DMShort/DadLink/internal/sessions"
	"github.com/DMShort/DadLink/internal/wire"
)

// MaxDatagramSize bounds one voice datagram on any transport.
const MaxDatagramSize = 2048

// minPayloadSize is one byte of plaintext plus the AEAD tag; anything
// shorter can't carry audio.
const minPayloadSize = 17

// speakingIdle is how long after a sender's last datagram it is considered
// to have stopped speaking.
const speakingIdle = 500 * time.Millisecond

type speakState struct {
	channelID uint32
	last      time.Time
}

// Router cross-encrypts voice datagrams between keyed users. Strict mode
// drops traffic for users without a cipher; permissive mode passes it
// through as plaintext, which keeps development clients working before key
// exchange but must be off in production.
type Router struct {
	ciphers  *sessions.Registry
	registry *channels.Registry
	strict   bool

	datagrams atomic.Uint64
	bytes     atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64

	speakMu  sync.Mutex
	speaking map[uint32]*speakState
}

// NewRouter builds a router over the shared cipher and channel registries.
func NewRouter(ciphers *sessions.Registry, registry *channels.Registry, strict bool) *Router {
	return &Router{
		ciphers:  ciphers,
		registry: registry,
		strict:   strict,
		speaking: make(map[uint32]*speakState),
	}
}

// udpEndpoint sends fan-out datagrams back through the shared UDP socket.
type udpEndpoint struct {
	pc   net.PacketConn
	addr net.Addr
}

func (e udpEndpoint) SendVoice(b []byte) error {
	_, err := e.pc.WriteTo(b, e.addr)
	return err
}

func (e udpEndpoint) String() string { return e.addr.String() }

// Serve reads datagrams from pc until ctx is canceled. It also runs the
// speaking-state janitor; callers that only inject via Deliver (tests, the
// WebTransport bridge) can skip Serve entirely.
func (r *Router) Serve(ctx context.Context, pc net.PacketConn) error {
	go r.speakingJanitor(ctx)
	go func() {
		<-ctx.Done()
		pc.Close()
	}()

	buf := make([]byte, MaxDatagramSize)
	for {
		n, src, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		r.Deliver(data, udpEndpoint{pc: pc, addr: src})
	}
}

// Deliver routes one inbound datagram: learn the sender's endpoint, decrypt
// under the sender's cipher, re-seal per recipient, send. Every failure is
// a silent drop — voice-plane errors never terminate anything.
func (r *Router) Deliver(data []byte, src channels.Endpoint) {
	r.datagrams.Add(1)
	r.bytes.Add(uint64(len(data)))

	if len(data) > MaxDatagramSize || len(data) < wire.HeaderSize+minPayloadSize {
		r.dropped.Add(1)
		return
	}
	hdr, err := wire.DecodeChecked(data)
	if err != nil {
		r.dropped.Add(1)
		slog.Debug("voice bad header", "src", src.String(), "err", err)
		return
	}
	payload := data[wire.HeaderSize:]

	// The claimed sender id is only trusted as far as its cipher: a forged
	// id fails authentication below. What address-learning gives a spoofer
	// is at most misdirected (still undecryptable) fan-out traffic.
	r.registry.LearnAddress(hdr.UserID, src)

	var plaintext []byte
	var seq32 uint32
	if senderCipher, ok := r.ciphers.Get(hdr.UserID); ok {
		seq32 = binary.BigEndian.Uint32(payload[:4])
		plaintext, err = senderCipher.Decrypt(payload)
		if err != nil {
			r.dropped.Add(1)
			slog.Debug("voice decrypt failed", "user_id", hdr.UserID, "seq", seq32, "err", err)
			return
		}
	} else if r.strict {
		r.dropped.Add(1)
		slog.Debug("voice dropped, no cipher", "user_id", hdr.UserID)
		return
	} else {
		slog.Warn("voice passthrough, no cipher", "user_id", hdr.UserID)
		plaintext = payload
		seq32 = uint32(hdr.Sequence)
	}

	r.markSpeaking(hdr.UserID, hdr.ChannelID)

	header := hdr.Encode()
	for _, member := range r.registry.Roster(hdr.ChannelID) {
		if member.UserID == hdr.UserID {
			continue
		}
		out := r.sealFor(member.UserID, plaintext, seq32)
		if out == nil {
			continue
		}
		ep, ok := r.registry.LookupAddress(member.UserID)
		if !ok {
			continue
		}
		dgram := make([]byte, 0, len(header)+len(out))
		dgram = append(dgram, header...)
		dgram = append(dgram, out...)
		if err := ep.SendVoice(dgram); err != nil {
			slog.Debug("voice send failed", "user_id", member.UserID, "endpoint", ep.String(), "err", err)
			continue
		}
		r.delivered.Add(1)
	}
}

// sealFor produces the payload for one recipient: freshly AEAD-sealed
// under the recipient's own cipher, or — in permissive mode — the raw
// plaintext, which is what a cipher-less client expects after the header.
// Returns nil when the recipient must be skipped.
func (r *Router) sealFor(userID uint32, plaintext []byte, seq32 uint32) []byte {
	recipient, ok := r.ciphers.Get(userID)
	if ok {
		return recipient.Encrypt(plaintext, seq32)
	}
	if r.strict {
		return nil
	}
	return plaintext
}

func (r *Router) markSpeaking(userID, channelID uint32) {
	r.speakMu.Lock()
	st, active := r.speaking[userID]
	if active && st.channelID == channelID {
		st.last = time.Now()
		r.speakMu.Unlock()
		return
	}
	r.speaking[userID] = &speakState{channelID: channelID, last: time.Now()}
	r.speakMu.Unlock()

	if active {
		// Switched channels mid-burst; end the old one first.
		r.announceSpeaking(st.channelID, userID, false)
	}
	r.announceSpeaking(channelID, userID, true)
}

// speakingJanitor ends speaking bursts that have gone idle.
func (r *Router) speakingJanitor(ctx context.Context) {
	ticker := time.NewTicker(speakingIdle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			var ended []speakEnd
			r.speakMu.Lock()
			for userID, st := range r.speaking {
				if now.Sub(st.last) >= speakingIdle {
					delete(r.speaking, userID)
					ended = append(ended, speakEnd{userID: userID, channelID: st.channelID})
				}
			}
			r.speakMu.Unlock()
			for _, e := range ended {
				r.announceSpeaking(e.channelID, e.userID, false)
			}
		}
	}
}

type speakEnd struct {
	userID    uint32
	channelID uint32
}

func (r *Router) announceSpeaking(channelID, userID uint32, speaking bool) {
	r.registry.SetSpeaking(channelID, userID, speaking)
	v := speaking
	r.registry.Broadcast(channelID, control.Message{
		Type:      control.TypeUserSpeaking,
		ChannelID: channelID,
		UserID:    userID,
		Speaking:  &v,
	}, userID)
}

// Stats returns and resets the interval counters, plus the live keyed
// session count.
func (r *Router) Stats() (datagrams, bytes, delivered, dropped uint64, sessions int) {
	return r.datagrams.Swap(0), r.bytes.Swap(0), r.delivered.Swap(0), r.dropped.Swap(0), r.ciphers.Count()
}
