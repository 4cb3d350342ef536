// Package store defines the AuthStore and PolicyStore ports the control
// session machine depends on, and ships an in-memory reference
// implementation so the core is runnable end-to-end without a database.
//
// Both ports are deliberately narrow: the durable repository facade (users,
// channels, roles, ACLs, audit entries) is external to the core. A
// production deployment supplies its own implementation — the SQLite-backed
// one lives in the top-level store package.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/bcrypt"

	"github.com/DMShort/DadLink/internal/authz"
)

// Identity is what a successful authentication resolves to.
type Identity struct {
	UserID   uint32
	OrgID    uint32
	Username string
	RoleIDs  []uint32
}

// User is an account record.
type User struct {
	ID           uint32
	OrgID        uint32
	Username     string
	Email        string
	PasswordHash string
}

// AuthStore resolves credentials and user records. Password verification
// uses bcrypt; implementations backing a different hash scheme should wrap
// this port rather than change its contract.
type AuthStore interface {
	Authenticate(ctx context.Context, username, password string) (Identity, error)
	GetUser(ctx context.Context, id uint32) (User, error)
	CreateUser(ctx context.Context, orgID uint32, username, password, email string) (User, error)
}

// PolicyStore resolves role grants, channel ACLs, and channel passwords.
type PolicyStore interface {
	RoleGrants(ctx context.Context, roleID uint32) (authz.Permissions, error)
	UserRoles(ctx context.Context, userID uint32) ([]authz.Role, error)
	ChannelPasswordHash(ctx context.Context, channelID uint32) (string, bool, error)
	EffectivePermissions(ctx context.Context, userID, channelID uint32) (authz.Permissions, error)

	CreateRole(ctx context.Context, orgID uint32, name string, perms authz.Permissions, priority uint32) (authz.Role, error)
	AssignRole(ctx context.Context, userID, roleID uint32) error
	RemoveRole(ctx context.Context, userID, roleID uint32) error
	RolesByOrg(ctx context.Context, orgID uint32) ([]authz.Role, error)
	SetChannelACL(ctx context.Context, channelID, roleID uint32, perms authz.Permissions) error
	SetChannelPassword(ctx context.Context, channelID uint32, passwordHash string)
}

// ErrNotFound is returned when a lookup misses.
var ErrNotFound = fmt.Errorf("store: not found")

// ErrUserExists is returned by CreateUser on a duplicate username.
var ErrUserExists = fmt.Errorf("store: username already exists")

// Memory is an in-memory AuthStore + PolicyStore, useful for development
// and tests where a database is overkill. It is safe for concurrent use.
type Memory struct {
	mu sync.RWMutex

	usersByName map[string]*User
	usersByID   map[uint32]*User
	nextUserID  atomic.Uint32

	roles      map[uint32]authz.Role
	nextRoleID atomic.Uint32

	userRoles map[uint32]map[uint32]bool    // userID -> set of roleID
	acl       map[uint32]map[uint32]authz.ACLEntry // channelID -> roleID -> entry

	channelPasswords map[uint32]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		usersByName:      make(map[string]*User),
		usersByID:        make(map[uint32]*User),
		roles:            make(map[uint32]authz.Role),
		userRoles:        make(map[uint32]map[uint32]bool),
		acl:              make(map[uint32]map[uint32]authz.ACLEntry),
		channelPasswords: make(map[uint32]string),
	}
}

// SeedDemoData populates a handful of demo users and roles so a
// development server is usable without any operator bootstrap step.
func (m *Memory) SeedDemoData() error {
	ctx := context.Background()

	everyone, err := m.CreateRole(ctx, 1, "member", authz.Join|authz.Speak, 0)
	if err != nil {
		return err
	}
	admin, err := m.CreateRole(ctx, 1, "admin", authz.Join|authz.Speak|authz.Whisper|authz.Manage|authz.Kick|authz.Ban, 10)
	if err != nil {
		return err
	}

	demoUsers := []struct {
		username, password string
		admin               bool
	}{
		{"demo", "demo123", false},
		{"alice", "alice123", true},
		{"bob", "bob123", false},
		{"charlie", "charlie123", false},
	}
	for _, du := range demoUsers {
		u, err := m.CreateUser(ctx, 1, du.username, du.password, "")
		if err != nil {
			return err
		}
		if err := m.AssignRole(ctx, u.ID, everyone.ID); err != nil {
			return err
		}
		if du.admin {
			if err := m.AssignRole(ctx, u.ID, admin.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Memory) Authenticate(_ context.Context, username, password string) (Identity, error) {
	username = strings.TrimSpace(username)

	m.mu.RLock()
	u, ok := m.usersByName[strings.ToLower(username)]
	m.mu.RUnlock()
	if !ok {
		return Identity{}, ErrNotFound
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return Identity{}, fmt.Errorf("store: invalid credentials")
	}

	return m.identityFor(u), nil
}

func (m *Memory) GetUser(_ context.Context, id uint32) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.usersByID[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return *u, nil
}

func (m *Memory) CreateUser(_ context.Context, orgID uint32, username, password, email string) (User, error) {
	username = strings.TrimSpace(username)
	if len(username) < 3 || len(username) > 20 {
		return User{}, fmt.Errorf("store: username must be 3-20 characters")
	}
	if len(password) < 3 {
		return User{}, fmt.Errorf("store: password must be at least 3 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("store: hash password: %w", err)
	}

	key := strings.ToLower(username)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.usersByName[key]; exists {
		return User{}, ErrUserExists
	}

	id := m.nextUserID.Add(1)
	u := &User{ID: id, OrgID: orgID, Username: username, Email: email, PasswordHash: string(hash)}
	m.usersByName[key] = u
	m.usersByID[id] = u
	return *u, nil
}

func (m *Memory) identityFor(u *User) Identity {
	m.mu.RLock()
	roleSet := m.userRoles[u.ID]
	roleIDs := make([]uint32, 0, len(roleSet))
	for rid := range roleSet {
		roleIDs = append(roleIDs, rid)
	}
	m.mu.RUnlock()
	sort.Slice(roleIDs, func(i, j int) bool { return roleIDs[i] < roleIDs[j] })

	return Identity{UserID: u.ID, OrgID: u.OrgID, Username: u.Username, RoleIDs: roleIDs}
}

func (m *Memory) RoleGrants(_ context.Context, roleID uint32) (authz.Permissions, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.roles[roleID]
	if !ok {
		return 0, ErrNotFound
	}
	return r.Permissions, nil
}

func (m *Memory) UserRoles(_ context.Context, userID uint32) ([]authz.Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	roleSet := m.userRoles[userID]
	out := make([]authz.Role, 0, len(roleSet))
	for rid := range roleSet {
		if r, ok := m.roles[rid]; ok {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *Memory) ChannelPasswordHash(_ context.Context, channelID uint32) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hash, ok := m.channelPasswords[channelID]
	return hash, ok, nil
}

// EffectivePermissions implements the OR/override resolution of §4.4: for
// each of the user's roles, prefer a channel-specific ACL grant over the
// role's org-level grant, then OR across all roles.
func (m *Memory) EffectivePermissions(ctx context.Context, userID, channelID uint32) (authz.Permissions, error) {
	roles, err := m.UserRoles(ctx, userID)
	if err != nil {
		return 0, err
	}

	m.mu.RLock()
	channelACL := m.acl[channelID]
	entries := make([]authz.ACLEntry, 0, len(channelACL))
	for _, e := range channelACL {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	return authz.Effective(roles, entries), nil
}

func (m *Memory) CreateRole(_ context.Context, orgID uint32, name string, perms authz.Permissions, priority uint32) (authz.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextRoleID.Add(1)
	r := authz.Role{ID: id, OrgID: orgID, Name: name, Permissions: perms, Priority: priority}
	m.roles[id] = r
	return r, nil
}

func (m *Memory) AssignRole(_ context.Context, userID, roleID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[roleID]; !ok {
		return ErrNotFound
	}
	if m.userRoles[userID] == nil {
		m.userRoles[userID] = make(map[uint32]bool)
	}
	m.userRoles[userID][roleID] = true
	return nil
}

func (m *Memory) RemoveRole(_ context.Context, userID, roleID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.userRoles[userID], roleID)
	return nil
}

func (m *Memory) RolesByOrg(_ context.Context, orgID uint32) ([]authz.Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]authz.Role, 0)
	for _, r := range m.roles {
		if r.OrgID == orgID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *Memory) SetChannelACL(_ context.Context, channelID, roleID uint32, perms authz.Permissions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acl[channelID] == nil {
		m.acl[channelID] = make(map[uint32]authz.ACLEntry)
	}
	m.acl[channelID][roleID] = authz.ACLEntry{ChannelID: channelID, RoleID: roleID, Permissions: perms}
	return nil
}

func (m *Memory) SetChannelPassword(_ context.Context, channelID uint32, passwordHash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if passwordHash == "" {
		delete(m.channelPasswords, channelID)
		return
	}
	m.channelPasswords[channelID] = passwordHash
}

// HashPassword hashes a plaintext channel/admin password with bcrypt, for
// callers (e.g. the REST admin surface) that need to produce a hash to feed
// SetChannelPassword.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("store: hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches hash.
func VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

var _ AuthStore = (*Memory)(nil)
var _ PolicyStore = (*Memory)(nil)
