package control

import "github.com/DMShort/DadLink/internal/authz"

// Message types, client to server.
const (
	TypeHello               = "hello"
	TypeRegister            = "register"
	TypeAuthenticate        = "authenticate"
	TypeKeyExchangeResponse = "key_exchange_response"
	TypeJoinChannel         = "join_channel"
	TypeLeaveChannel        = "leave_channel"
	TypeSetTransmitChannel  = "set_transmit_channel"
	TypePing                = "ping"
	TypeAssignRole          = "assign_role"
	TypeRemoveRole          = "remove_role"
	TypeListRoles           = "list_roles"
	TypeGetUserRoles        = "get_user_roles"
	TypeSetChannelACL       = "set_channel_acl"
)

// Message types, server to client.
const (
	TypeChallenge           = "challenge"
	TypeRegisterResult      = "register_result"
	TypeAuthResult          = "auth_result"
	TypeKeyExchangeInit     = "key_exchange_init"
	TypeChannelJoined       = "channel_joined"
	TypeChannelState        = "channel_state"
	TypeUserSpeaking        = "user_speaking"
	TypeUserLeft            = "user_left"
	TypePong                = "pong"
	TypeRoleOperationResult = "role_operation_result"
	TypeRolesList           = "roles_list"
	TypeUserRolesList       = "user_roles_list"
	TypeError               = "error"
)

// Error codes carried in error messages.
const (
	CodeInvalidJSON       = "invalid_json"
	CodeInvalidMessage    = "invalid_message"
	CodeInvalidState      = "invalid_state"
	CodeNotAuthenticated  = "not_authenticated"
	CodeAlreadyAuth       = "already_authenticated"
	CodeMissingCreds      = "missing_credentials"
	CodeUnsupportedMethod = "unsupported_method"
	CodeInvalidPassword   = "invalid_password"
	CodePermissionDenied  = "permission_denied"
	CodeChannelNotFound   = "channel_not_found"
	CodeNotInChannel      = "not_in_channel"
	CodeCryptoError       = "crypto_error"
	CodeInternalError     = "internal_error"
)

// Message is one JSON control frame, discriminated by Type. One flat struct
// with omitempty fields rather than a struct per type keeps encode/decode a
// single json.Marshal/Unmarshal with no second dispatch layer; each handler
// reads only the fields its type defines.
type Message struct {
	Type string `json:"type"`

	// hello
	Version string `json:"version,omitempty"`
	Client  string `json:"client,omitempty"`

	// authenticate / register
	Method   string `json:"method,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
	Email    string `json:"email,omitempty"`

	// challenge
	Methods       []string `json:"methods,omitempty"`
	ServerVersion string   `json:"server_version,omitempty"`

	// key_exchange_init / key_exchange_response: 32-byte X25519 public key
	PublicKey []byte `json:"public_key,omitempty"`

	// Results. Success is a pointer so false survives omitempty on the
	// messages that carry it while every other type omits it entirely.
	Success      *bool  `json:"success,omitempty"`
	UserID       uint32 `json:"user_id,omitempty"`
	OrgID        uint32 `json:"org_id,omitempty"`
	RoleID       uint32 `json:"role_id,omitempty"`
	Permissions  uint32 `json:"permissions,omitempty"`
	SessionToken string `json:"session_token,omitempty"`
	Message      string `json:"message,omitempty"`

	// channel operations
	ChannelID   uint32     `json:"channel_id,omitempty"`
	ChannelName string     `json:"channel_name,omitempty"`
	Event       string     `json:"event,omitempty"`
	Users       []UserInfo `json:"users,omitempty"`
	User        *UserInfo  `json:"user,omitempty"`
	Speaking    *bool      `json:"speaking,omitempty"`

	// ping / pong, Unix seconds
	Timestamp  int64 `json:"timestamp,omitempty"`
	ServerTime int64 `json:"server_time,omitempty"`

	// role listings
	Roles []RoleInfo `json:"roles,omitempty"`

	// error
	Code string `json:"code,omitempty"`
}

// UserInfo is a roster entry as serialized in channel_joined and
// channel_state messages.
type UserInfo struct {
	ID       uint32 `json:"id"`
	Name     string `json:"name"`
	Speaking bool   `json:"speaking"`
}

// RoleInfo is a role as serialized in roles_list and user_roles_list.
type RoleInfo struct {
	ID          uint32 `json:"id"`
	OrgID       uint32 `json:"org_id"`
	Name        string `json:"name"`
	Permissions uint32 `json:"permissions"`
	Priority    uint32 `json:"priority"`
}

func roleInfo(r authz.Role) RoleInfo {
	return RoleInfo{
		ID:          r.ID,
		OrgID:       r.OrgID,
		Name:        r.Name,
		Permissions: uint32(r.Permissions),
		Priority:    r.Priority,
	}
}

func roleInfos(roles []authz.Role) []RoleInfo {
	out := make([]RoleInfo, 0, len(roles))
	for _, r := range roles {
		out = append(out, roleInfo(r))
	}
	return out
}

func pbool(v bool) *bool { return &v }

// ErrorMsg builds an error message with the given code.
func ErrorMsg(code, text string) Message {
	return Message{Type: TypeError, Code: code, Message: text}
}
