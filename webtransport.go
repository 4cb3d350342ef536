package main

import (
	"context"
	"crypto/tls"
	"log"
	"net/http"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"github.com/DMShort/DadLink/internal/voice"
)

// VoiceBridge accepts WebTransport sessions and relays their datagrams
// through the voice router, for clients whose networks drop raw UDP. The
// bridge is a second ingress to the same fan-out: a datagram arriving here
// is routed exactly like one arriving on the UDP socket, and replies go
// back over the session the sender's last datagram came in on.
type VoiceBridge struct {
	router *voice.Router
	wt     *webtransport.Server
	ctx    context.Context
}

// wtEndpoint addresses one connected WebTransport session.
type wtEndpoint struct {
	sess *webtransport.Session
}

func (e wtEndpoint) SendVoice(b []byte) error {
	return e.sess.SendDatagram(b)
}

func (e wtEndpoint) String() string {
	return "wt:" + e.sess.RemoteAddr().String()
}

// NewVoiceBridge builds the bridge listening on addr (UDP, QUIC).
func NewVoiceBridge(addr string, tlsConfig *tls.Config, router *voice.Router) *VoiceBridge {
	mux := http.NewServeMux()
	b := &VoiceBridge{router: router}
	b.wt = &webtransport.Server{
		H3: &http3.Server{
			Addr:      addr,
			TLSConfig: tlsConfig,
			Handler:   mux,
		},
	}

	mux.HandleFunc("/voice", func(w http.ResponseWriter, r *http.Request) {
		sess, err := b.wt.Upgrade(w, r)
		if err != nil {
			log.Printf("[bridge] upgrade failed: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		go b.serveSession(sess)
	})

	return b
}

// Run serves WebTransport until ctx is canceled.
func (b *VoiceBridge) Run(ctx context.Context) error {
	b.ctx = ctx
	go func() {
		<-ctx.Done()
		if err := b.wt.Close(); err != nil {
			log.Printf("[bridge] close: %v", err)
		}
	}()

	log.Printf("[bridge] webtransport voice listening on %s", b.wt.H3.Addr)
	err := b.wt.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// serveSession relays one session's datagrams into the router until the
// session dies. The sender's identity comes from each datagram's header,
// same as on UDP; the session itself is just an address.
func (b *VoiceBridge) serveSession(sess *webtransport.Session) {
	ctx := b.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	defer sess.CloseWithError(0, "") //nolint:errcheck // best-effort close

	ep := wtEndpoint{sess: sess}
	for {
		data, err := sess.ReceiveDatagram(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[bridge] datagram read error from %s: %v", ep.String(), err)
			}
			return
		}
		b.router.Deliver(data, ep)
	}
}
