package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DMShort/DadLink/internal/authz"
	"github.com/DMShort/DadLink/internal/channels"
	"github.com/DMShort/DadLink/internal/control"
	"github.com/DMShort/DadLink/internal/kx"
	"github.com/DMShort/DadLink/internal/sessions"
	istore "github.com/DMShort/DadLink/internal/store"
	"github.com/DMShort/DadLink/internal/token"
)

// newControlServer spins up the websocket control plane over httptest with
// an in-memory store holding alice/secret1 and one channel.
func newControlServer(t *testing.T) (*httptest.Server, *Server, *sessions.Registry) {
	t.Helper()
	mem := istore.NewMemory()
	ctx := context.Background()
	member, err := mem.CreateRole(ctx, 1, "member", authz.Join|authz.Speak, 0)
	if err != nil {
		t.Fatal(err)
	}
	u, err := mem.CreateUser(ctx, 1, "alice", "secret1", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := mem.AssignRole(ctx, u.ID, member.ID); err != nil {
		t.Fatal(err)
	}

	registry := channels.New()
	registry.RegisterChannel(channels.Channel{ID: 1, OrgID: 1, Name: "General"})
	ciphers := sessions.New()

	srv := NewServer(":0", nil, control.Config{
		Auth:          mem,
		Policy:        mem,
		Registry:      registry,
		Ciphers:       ciphers,
		Tokens:        token.NewMinter([]byte("test-secret"), time.Hour),
		ServerVersion: Version,
	}, 30*time.Second, 2)

	runCtx, cancel := context.WithCancel(context.Background())
	ts := httptest.NewServer(srv.handler(runCtx))
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return ts, srv, ciphers
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) control.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg control.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestControlHandshakeOverWebSocket(t *testing.T) {
	ts, _, ciphers := newControlServer(t)
	conn := dialWS(t, ts)

	challenge := readMsg(t, conn)
	if challenge.Type != control.TypeChallenge {
		t.Fatalf("first message = %q, want challenge", challenge.Type)
	}

	if err := conn.WriteJSON(control.Message{
		Type:     control.TypeAuthenticate,
		Method:   "password",
		Username: "alice",
		Password: "secret1",
	}); err != nil {
		t.Fatal(err)
	}

	res := readMsg(t, conn)
	if res.Type != control.TypeAuthResult || res.Success == nil || !*res.Success {
		t.Fatalf("auth_result = %+v", res)
	}

	init := readMsg(t, conn)
	if init.Type != control.TypeKeyExchangeInit || len(init.PublicKey) != kx.PublicKeySize {
		t.Fatalf("key_exchange_init = %+v", init)
	}

	client, err := kx.New()
	if err != nil {
		t.Fatal(err)
	}
	pub := client.PublicKey()
	if err := conn.WriteJSON(control.Message{Type: control.TypeKeyExchangeResponse, PublicKey: pub[:]}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !ciphers.Contains(res.UserID) {
		time.Sleep(5 * time.Millisecond)
	}
	if !ciphers.Contains(res.UserID) {
		t.Fatal("expected cipher installed after key exchange")
	}

	// Join the seeded channel over the wire.
	if err := conn.WriteJSON(control.Message{Type: control.TypeJoinChannel, ChannelID: 1}); err != nil {
		t.Fatal(err)
	}
	joined := readMsg(t, conn)
	if joined.Type != control.TypeChannelJoined || joined.ChannelName != "General" {
		t.Fatalf("channel_joined = %+v", joined)
	}
}

func TestMalformedControlFrame(t *testing.T) {
	ts, _, _ := newControlServer(t)
	conn := dialWS(t, ts)
	readMsg(t, conn) // challenge

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	errMsg := readMsg(t, conn)
	if errMsg.Type != control.TypeError || errMsg.Code != control.CodeInvalidJSON {
		t.Fatalf("got %+v, want invalid_json error", errMsg)
	}

	// The session survives the bad frame.
	if err := conn.WriteJSON(control.Message{Type: control.TypePing, Timestamp: 9}); err != nil {
		t.Fatal(err)
	}
	pong := readMsg(t, conn)
	if pong.Type != control.TypePong || pong.Timestamp != 9 {
		t.Fatalf("pong = %+v", pong)
	}
}

func TestConnectionLimit(t *testing.T) {
	ts, srv, _ := newControlServer(t)

	c1 := dialWS(t, ts)
	readMsg(t, c1)
	c2 := dialWS(t, ts)
	readMsg(t, c2)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && srv.ActiveSessions() < 2 {
		time.Sleep(5 * time.Millisecond)
	}

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected third connection refused")
	}
	if resp == nil || resp.StatusCode != 503 {
		t.Fatalf("expected 503, got %+v", resp)
	}
}
