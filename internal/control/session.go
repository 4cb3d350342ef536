// Package control implements the authenticated control-plane session: the
// challenge/authenticate handshake, the voice key exchange, channel
// membership, and per-channel event broadcasting. One Session runs per
// client connection; the transport behind it only has to deliver whole
// JSON messages in order.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DMShort/DadLink/internal/authz"
	"github.com/DMShort/DadLink/internal/channels"
	"github.com/DMShort/DadLink/internal/cipher"
	"github.com/DMShort/DadLink/internal/kx"
	"github.com/DMShort/DadLink/internal/sessions"
	"github.com/DMShort/DadLink/internal/store"
	"github.com/DMShort/DadLink/internal/token"
)

// SendTimeout bounds how long enqueueing to one session's outbox may block
// once the buffer is full. Past it the message is dropped — broadcasts are
// best-effort.
const SendTimeout = 50 * time.Millisecond

// DefaultOutboxSize is the per-session outbox buffer when Config leaves it
// zero.
const DefaultOutboxSize = 64

// Conn is the framed message transport a Session runs over: one JSON
// control message per ReadMessage/WriteMessage call, delivered in order.
// The websocket front end adapts gorilla's ReadJSON/WriteJSON to it; tests
// use an in-memory pipe.
type Conn interface {
	ReadMessage() (Message, error)
	WriteMessage(Message) error
	Close() error
}

// ErrMalformed marks a frame that arrived intact but did not decode as a
// control message. The session reports invalid_json to the client and
// keeps reading; any other read error tears the session down.
var ErrMalformed = errors.New("control: malformed frame")

// State is the session's position in the opening handshake. It never moves
// backwards.
type State int

const (
	StateConnected State = iota
	StateChallenged
	StateAuthenticated
	StateKeyed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateChallenged:
		return "challenged"
	case StateAuthenticated:
		return "authenticated"
	case StateKeyed:
		return "keyed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config carries the collaborators a Session drives.
type Config struct {
	Auth     store.AuthStore
	Policy   store.PolicyStore
	Registry *channels.Registry
	Ciphers  *sessions.Registry
	Tokens   *token.Minter

	ServerVersion string
	OutboxSize    int
}

// Session is one live control-plane connection.
type Session struct {
	cfg  Config
	conn Conn

	mu        sync.Mutex
	state     State
	identity  store.Identity
	aggregate authz.Permissions
	joined    map[uint32]bool
	transmit  uint32
	pendingKX *kx.Exchange

	outbox chan Message
	cancel context.CancelFunc
}

// NewSession wraps conn in a session ready to Run.
func NewSession(cfg Config, conn Conn) *Session {
	size := cfg.OutboxSize
	if size <= 0 {
		size = DefaultOutboxSize
	}
	return &Session{
		cfg:    cfg,
		conn:   conn,
		joined: make(map[uint32]bool),
		outbox: make(chan Message, size),
	}
}

// State returns the session's current handshake state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID returns the authenticated user's id, or 0 before authentication.
func (s *Session) UserID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity.UserID
}

// TransmitChannel returns the client's advisory transmit channel selection.
func (s *Session) TransmitChannel() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transmit
}

// SendControl enqueues msg on the session's outbox. The fan-out layer calls
// this through the channels.Outbox interface; delivery is best-effort and a
// full outbox drops the message after SendTimeout.
func (s *Session) SendControl(v any) {
	msg, ok := v.(Message)
	if !ok {
		slog.Warn("ctrl outbox got non-message value", "value_type", fmt.Sprintf("%T", v))
		return
	}
	select {
	case s.outbox <- msg:
		return
	default:
	}
	select {
	case s.outbox <- msg:
	case <-time.After(SendTimeout):
		slog.Debug("ctrl outbox full, dropping", "user_id", s.UserID(), "type", msg.Type)
	}
}

// Run drives the session until the transport fails, the client disconnects,
// or ctx is canceled. It always leaves the registries clean: on return the
// user is in no roster, has no outbox, no voice cipher, and no pending key
// exchange.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer s.teardown(cancel)

	// A canceled context (shutdown, Close, writer failure) must unblock the
	// read loop.
	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()

	// Writer: the only goroutine that touches the transport's write half.
	// Outbox order is delivery order.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-s.outbox:
				if err := s.conn.WriteMessage(msg); err != nil {
					slog.Debug("ctrl write error", "user_id", s.UserID(), "type", msg.Type, "err", err)
					cancel()
					return
				}
			}
		}
	}()

	// The server speaks first.
	s.setState(StateChallenged)
	s.SendControl(Message{
		Type:          TypeChallenge,
		Methods:       []string{"password", "token"},
		ServerVersion: s.cfg.ServerVersion,
	})

	for {
		msg, err := s.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				s.SendControl(ErrorMsg(CodeInvalidJSON, "malformed control frame"))
				continue
			}
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				slog.Debug("ctrl read error", "user_id", s.UserID(), "err", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.dispatch(ctx, msg)
	}
}

// Close tears the session down from outside its Run loop. A second login
// by the same user does not call it; that login only replaces the user's
// outbox in the registry.
func (s *Session) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	_ = s.conn.Close()
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state < next {
		s.state = next
	}
}

// teardown is the single disconnect path: evict from rosters and outboxes,
// drop the voice cipher and any pending key exchange, and tell the channels
// the user was in that it left.
func (s *Session) teardown(cancel context.CancelFunc) {
	cancel()
	_ = s.conn.Close()

	s.mu.Lock()
	id := s.identity
	s.state = StateClosed
	s.pendingKX = nil
	s.joined = make(map[uint32]bool)
	s.mu.Unlock()

	if id.UserID == 0 {
		return
	}

	left := s.cfg.Registry.Disconnect(id.UserID)
	s.cfg.Ciphers.Remove(id.UserID)
	for _, ch := range left {
		s.cfg.Registry.Broadcast(ch, Message{
			Type:      TypeUserLeft,
			ChannelID: ch,
			UserID:    id.UserID,
		}, 0)
	}
	slog.Info("ctrl disconnected", "user_id", id.UserID, "username", id.Username, "channels", len(left))
}

func (s *Session) dispatch(ctx context.Context, msg Message) {
	switch msg.Type {
	case TypeHello:
		// Informational; the challenge already went out on connect.
		slog.Debug("ctrl hello", "client", msg.Client, "version", msg.Version)
	case TypeRegister:
		s.handleRegister(ctx, msg)
	case TypeAuthenticate:
		s.handleAuthenticate(ctx, msg)
	case TypeKeyExchangeResponse:
		s.handleKeyExchangeResponse(msg)
	case TypeJoinChannel:
		s.handleJoinChannel(ctx, msg)
	case TypeLeaveChannel:
		s.handleLeaveChannel(msg)
	case TypeSetTransmitChannel:
		s.handleSetTransmitChannel(msg)
	case TypePing:
		s.SendControl(Message{
			Type:       TypePong,
			Timestamp:  msg.Timestamp,
			ServerTime: time.Now().Unix(),
		})
	case TypeAssignRole:
		s.handleAssignRole(ctx, msg)
	case TypeRemoveRole:
		s.handleRemoveRole(ctx, msg)
	case TypeListRoles:
		s.handleListRoles(ctx, msg)
	case TypeGetUserRoles:
		s.handleGetUserRoles(ctx, msg)
	case TypeSetChannelACL:
		s.handleSetChannelACL(ctx, msg)
	default:
		s.SendControl(ErrorMsg(CodeInvalidMessage, fmt.Sprintf("unknown message type %q", msg.Type)))
	}
}

func (s *Session) handleRegister(ctx context.Context, msg Message) {
	u, err := s.cfg.Auth.CreateUser(ctx, 1, msg.Username, msg.Password, msg.Email)
	if err != nil {
		s.SendControl(Message{
			Type:    TypeRegisterResult,
			Success: pbool(false),
			Message: fmt.Sprintf("registration failed: %v", err),
		})
		return
	}
	slog.Info("ctrl registered user", "user_id", u.ID, "username", u.Username)
	s.SendControl(Message{
		Type:    TypeRegisterResult,
		Success: pbool(true),
		UserID:  u.ID,
		Message: "registration successful",
	})
}

func (s *Session) handleAuthenticate(ctx context.Context, msg Message) {
	s.mu.Lock()
	already := s.state >= StateAuthenticated
	s.mu.Unlock()
	if already {
		s.SendControl(ErrorMsg(CodeAlreadyAuth, "already authenticated"))
		return
	}

	var (
		id  store.Identity
		err error
	)
	switch msg.Method {
	case "password":
		if msg.Username == "" || msg.Password == "" {
			s.SendControl(ErrorMsg(CodeMissingCreds, "username and password required"))
			return
		}
		id, err = s.cfg.Auth.Authenticate(ctx, msg.Username, msg.Password)
	case "token":
		if msg.Token == "" {
			s.SendControl(ErrorMsg(CodeMissingCreds, "token required"))
			return
		}
		id, err = s.authenticateToken(ctx, msg.Token)
	default:
		s.SendControl(ErrorMsg(CodeUnsupportedMethod, fmt.Sprintf("unsupported auth method %q", msg.Method)))
		return
	}
	if err != nil {
		slog.Warn("ctrl auth failed", "method", msg.Method, "username", msg.Username, "err", err)
		s.SendControl(Message{
			Type:    TypeAuthResult,
			Success: pbool(false),
			Message: "invalid credentials",
		})
		return
	}

	// Resolve current role grants; a token's role claims are a hint, the
	// store is authoritative.
	roles, err := s.cfg.Policy.UserRoles(ctx, id.UserID)
	if err != nil {
		slog.Error("ctrl role lookup failed", "user_id", id.UserID, "err", err)
		s.SendControl(ErrorMsg(CodeInternalError, "failed to resolve roles"))
		return
	}
	aggregate := authz.Aggregate(roles)
	roleIDs := make([]uint32, 0, len(roles))
	for _, r := range roles {
		roleIDs = append(roleIDs, r.ID)
	}
	id.RoleIDs = roleIDs

	signed, err := s.cfg.Tokens.Mint(id.UserID, id.OrgID, roleIDs)
	if err != nil {
		slog.Error("ctrl token mint failed", "user_id", id.UserID, "err", err)
		s.SendControl(ErrorMsg(CodeInternalError, "failed to issue session token"))
		return
	}

	s.mu.Lock()
	s.identity = id
	s.aggregate = aggregate
	if s.state < StateAuthenticated {
		s.state = StateAuthenticated
	}
	s.mu.Unlock()

	// Register the outbox before announcing success so no broadcast
	// emitted after this point can miss the user.
	s.cfg.Registry.SetOutbox(id.UserID, s)

	slog.Info("ctrl authenticated", "user_id", id.UserID, "username", id.Username, "permissions", fmt.Sprintf("%#x", uint32(aggregate)))
	s.SendControl(Message{
		Type:         TypeAuthResult,
		Success:      pbool(true),
		UserID:       id.UserID,
		OrgID:        id.OrgID,
		Permissions:  uint32(aggregate),
		SessionToken: signed,
		Message:      "authentication successful",
	})

	// Immediately open the voice key exchange.
	exchange, err := kx.New()
	if err != nil {
		slog.Error("ctrl key exchange init failed", "user_id", id.UserID, "err", err)
		s.SendControl(ErrorMsg(CodeCryptoError, "failed to start key exchange"))
		return
	}
	pub := exchange.PublicKey()

	s.mu.Lock()
	s.pendingKX = exchange
	s.mu.Unlock()

	s.SendControl(Message{Type: TypeKeyExchangeInit, PublicKey: pub[:]})
}

func (s *Session) authenticateToken(ctx context.Context, raw string) (store.Identity, error) {
	claims, err := s.cfg.Tokens.Verify(raw)
	if err != nil {
		return store.Identity{}, err
	}
	u, err := s.cfg.Auth.GetUser(ctx, claims.UserID)
	if err != nil {
		return store.Identity{}, fmt.Errorf("token subject lookup: %w", err)
	}
	return store.Identity{UserID: u.ID, OrgID: u.OrgID, Username: u.Username}, nil
}

func (s *Session) handleKeyExchangeResponse(msg Message) {
	s.mu.Lock()
	if s.state < StateAuthenticated {
		s.mu.Unlock()
		s.SendControl(ErrorMsg(CodeNotAuthenticated, "must authenticate first"))
		return
	}
	exchange := s.pendingKX
	s.pendingKX = nil
	id := s.identity
	s.mu.Unlock()

	if exchange == nil {
		s.SendControl(ErrorMsg(CodeInvalidState, "no pending key exchange"))
		return
	}
	if len(msg.PublicKey) != kx.PublicKeySize {
		s.SendControl(ErrorMsg(CodeCryptoError, fmt.Sprintf("public key must be %d bytes", kx.PublicKeySize)))
		return
	}

	var peer [kx.PublicKeySize]byte
	copy(peer[:], msg.PublicKey)
	key, salt, err := exchange.Derive(peer)
	if err != nil {
		slog.Error("ctrl key derivation failed", "user_id", id.UserID, "err", err)
		s.SendControl(ErrorMsg(CodeCryptoError, "key exchange failed"))
		return
	}

	voice, err := cipher.New(key[:], salt[:], id.UserID)
	if err != nil {
		slog.Error("ctrl cipher construction failed", "user_id", id.UserID, "err", err)
		s.SendControl(ErrorMsg(CodeCryptoError, "failed to create encryption session"))
		return
	}

	s.cfg.Ciphers.Set(id.UserID, voice)
	s.setState(StateKeyed)
	slog.Info("ctrl voice session keyed", "user_id", id.UserID)
}

func (s *Session) handleJoinChannel(ctx context.Context, msg Message) {
	s.mu.Lock()
	if s.state < StateAuthenticated {
		s.mu.Unlock()
		s.SendControl(ErrorMsg(CodeNotAuthenticated, "must authenticate first"))
		return
	}
	id := s.identity
	s.mu.Unlock()

	if _, ok := s.cfg.Registry.ChannelMeta(msg.ChannelID); !ok {
		s.SendControl(ErrorMsg(CodeChannelNotFound, fmt.Sprintf("channel %d does not exist", msg.ChannelID)))
		return
	}

	hash, protected, err := s.cfg.Policy.ChannelPasswordHash(ctx, msg.ChannelID)
	if err != nil {
		slog.Error("ctrl channel password lookup failed", "channel_id", msg.ChannelID, "err", err)
		s.SendControl(ErrorMsg(CodeInternalError, "failed to verify channel password"))
		return
	}
	if protected && !store.VerifyPassword(msg.Password, hash) {
		slog.Warn("ctrl wrong channel password", "user_id", id.UserID, "channel_id", msg.ChannelID)
		s.SendControl(ErrorMsg(CodeInvalidPassword, "incorrect channel password"))
		return
	}

	perms, err := s.cfg.Policy.EffectivePermissions(ctx, id.UserID, msg.ChannelID)
	if err != nil {
		slog.Error("ctrl permission check failed", "user_id", id.UserID, "channel_id", msg.ChannelID, "err", err)
		s.SendControl(ErrorMsg(CodeInternalError, "failed to check permissions"))
		return
	}
	if !perms.Has(authz.Join) {
		slog.Warn("ctrl join denied", "user_id", id.UserID, "channel_id", msg.ChannelID)
		s.SendControl(ErrorMsg(CodePermissionDenied, "you don't have permission to join this channel"))
		return
	}

	member := channels.Member{UserID: id.UserID, Username: id.Username}
	roster, ok := s.cfg.Registry.Join(msg.ChannelID, member)
	if !ok {
		s.SendControl(ErrorMsg(CodeChannelNotFound, fmt.Sprintf("channel %d does not exist", msg.ChannelID)))
		return
	}

	s.mu.Lock()
	s.joined[msg.ChannelID] = true
	s.mu.Unlock()

	users := make([]UserInfo, 0, len(roster))
	for _, m := range roster {
		users = append(users, UserInfo{ID: m.UserID, Name: m.Username, Speaking: m.Speaking})
	}

	// The joiner hears about its own join before anyone else does.
	s.SendControl(Message{
		Type:        TypeChannelJoined,
		ChannelID:   msg.ChannelID,
		ChannelName: s.cfg.Registry.Name(msg.ChannelID),
		Users:       users,
	})
	s.cfg.Registry.Broadcast(msg.ChannelID, Message{
		Type:      TypeChannelState,
		ChannelID: msg.ChannelID,
		Event:     "user_joined",
		User:      &UserInfo{ID: id.UserID, Name: id.Username},
	}, id.UserID)

	slog.Info("ctrl joined channel", "user_id", id.UserID, "channel_id", msg.ChannelID, "roster_size", len(users))
}

func (s *Session) handleLeaveChannel(msg Message) {
	s.mu.Lock()
	if s.state < StateAuthenticated {
		s.mu.Unlock()
		s.SendControl(ErrorMsg(CodeNotAuthenticated, "must authenticate first"))
		return
	}
	id := s.identity
	delete(s.joined, msg.ChannelID)
	if s.transmit == msg.ChannelID {
		s.transmit = 0
	}
	s.mu.Unlock()

	// Remove first, then broadcast: a user who has left can never appear
	// as a recipient of its own departure.
	s.cfg.Registry.Leave(msg.ChannelID, id.UserID)
	s.cfg.Registry.Broadcast(msg.ChannelID, Message{
		Type:      TypeUserLeft,
		ChannelID: msg.ChannelID,
		UserID:    id.UserID,
	}, 0)

	slog.Info("ctrl left channel", "user_id", id.UserID, "channel_id", msg.ChannelID)
}

func (s *Session) handleSetTransmitChannel(msg Message) {
	s.mu.Lock()
	authed := s.state >= StateAuthenticated
	inChannel := s.joined[msg.ChannelID]
	if authed && inChannel {
		// Advisory only: the voice fan-out routes on each datagram's
		// header, not on this selection.
		s.transmit = msg.ChannelID
	}
	s.mu.Unlock()

	if !authed {
		s.SendControl(ErrorMsg(CodeNotAuthenticated, "must authenticate first"))
		return
	}
	if !inChannel {
		s.SendControl(ErrorMsg(CodeNotInChannel, fmt.Sprintf("join channel %d before transmitting to it", msg.ChannelID)))
	}
}

// requireManage gates the role/ACL admin operations on the MANAGE grant.
func (s *Session) requireManage() (store.Identity, bool) {
	s.mu.Lock()
	authed := s.state >= StateAuthenticated
	canManage := s.aggregate.Has(authz.Manage)
	id := s.identity
	s.mu.Unlock()

	if !authed {
		s.SendControl(ErrorMsg(CodeNotAuthenticated, "must authenticate first"))
		return store.Identity{}, false
	}
	if !canManage {
		s.SendControl(Message{
			Type:    TypeRoleOperationResult,
			Success: pbool(false),
			Message: "manage permission required",
		})
		return store.Identity{}, false
	}
	return id, true
}

func (s *Session) handleAssignRole(ctx context.Context, msg Message) {
	id, ok := s.requireManage()
	if !ok {
		return
	}
	if err := s.cfg.Policy.AssignRole(ctx, msg.UserID, msg.RoleID); err != nil {
		s.SendControl(Message{
			Type:    TypeRoleOperationResult,
			Success: pbool(false),
			Message: fmt.Sprintf("assign role: %v", err),
		})
		return
	}
	slog.Info("ctrl role assigned", "actor", id.UserID, "user_id", msg.UserID, "role_id", msg.RoleID)
	s.SendControl(Message{
		Type:    TypeRoleOperationResult,
		Success: pbool(true),
		Message: "role assigned",
	})
}

func (s *Session) handleRemoveRole(ctx context.Context, msg Message) {
	id, ok := s.requireManage()
	if !ok {
		return
	}
	if err := s.cfg.Policy.RemoveRole(ctx, msg.UserID, msg.RoleID); err != nil {
		s.SendControl(Message{
			Type:    TypeRoleOperationResult,
			Success: pbool(false),
			Message: fmt.Sprintf("remove role: %v", err),
		})
		return
	}
	slog.Info("ctrl role removed", "actor", id.UserID, "user_id", msg.UserID, "role_id", msg.RoleID)
	s.SendControl(Message{
		Type:    TypeRoleOperationResult,
		Success: pbool(true),
		Message: "role removed",
	})
}

func (s *Session) handleListRoles(ctx context.Context, msg Message) {
	s.mu.Lock()
	authed := s.state >= StateAuthenticated
	s.mu.Unlock()
	if !authed {
		s.SendControl(ErrorMsg(CodeNotAuthenticated, "must authenticate first"))
		return
	}
	roles, err := s.cfg.Policy.RolesByOrg(ctx, msg.OrgID)
	if err != nil {
		s.SendControl(ErrorMsg(CodeInternalError, "failed to list roles"))
		return
	}
	s.SendControl(Message{Type: TypeRolesList, Roles: roleInfos(roles)})
}

func (s *Session) handleGetUserRoles(ctx context.Context, msg Message) {
	s.mu.Lock()
	authed := s.state >= StateAuthenticated
	s.mu.Unlock()
	if !authed {
		s.SendControl(ErrorMsg(CodeNotAuthenticated, "must authenticate first"))
		return
	}
	roles, err := s.cfg.Policy.UserRoles(ctx, msg.UserID)
	if err != nil {
		s.SendControl(ErrorMsg(CodeInternalError, "failed to get user roles"))
		return
	}
	s.SendControl(Message{Type: TypeUserRolesList, UserID: msg.UserID, Roles: roleInfos(roles)})
}

func (s *Session) handleSetChannelACL(ctx context.Context, msg Message) {
	id, ok := s.requireManage()
	if !ok {
		return
	}
	if err := s.cfg.Policy.SetChannelACL(ctx, msg.ChannelID, msg.RoleID, authz.Permissions(msg.Permissions)); err != nil {
		s.SendControl(Message{
			Type:    TypeRoleOperationResult,
			Success: pbool(false),
			Message: fmt.Sprintf("set channel acl: %v", err),
		})
		return
	}
	slog.Info("ctrl channel acl set", "actor", id.UserID, "channel_id", msg.ChannelID, "role_id", msg.RoleID, "permissions", fmt.Sprintf("%#x", msg.Permissions))
	s.SendControl(Message{
		Type:    TypeRoleOperationResult,
		Success: pbool(true),
		Message: "channel acl updated",
	})
}
