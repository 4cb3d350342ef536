// Package store provides the durable server state backed by an embedded
// SQLite database: organizations, users, roles, channel ACLs, and the audit
// log. It implements the core's AuthStore and PolicyStore ports so the
// control plane never touches SQL directly.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/DMShort/DadLink/internal/authz"
	istore "github.com/DMShort/DadLink/internal/store"
)

// migrations holds the ordered list of DDL/DML statements that bring the
// schema up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — settings key/value store
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v2 — organizations
	`CREATE TABLE IF NOT EXISTS organizations (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		name         TEXT NOT NULL UNIQUE,
		tag          TEXT NOT NULL DEFAULT '',
		max_users    INTEGER NOT NULL DEFAULT 100,
		max_channels INTEGER NOT NULL DEFAULT 50,
		created_at   INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3 — user accounts
	`CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		org_id        INTEGER NOT NULL,
		username      TEXT NOT NULL UNIQUE COLLATE NOCASE,
		email         TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		created_at    INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v4 — roles
	`CREATE TABLE IF NOT EXISTS roles (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		org_id      INTEGER NOT NULL,
		name        TEXT NOT NULL,
		permissions INTEGER NOT NULL DEFAULT 0,
		priority    INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL DEFAULT (unixepoch()),
		UNIQUE(org_id, name)
	)`,
	// v5 — role membership
	`CREATE TABLE IF NOT EXISTS user_roles (
		user_id INTEGER NOT NULL,
		role_id INTEGER NOT NULL,
		PRIMARY KEY (user_id, role_id)
	)`,
	// v6 — channels
	`CREATE TABLE IF NOT EXISTS channels (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		org_id        INTEGER NOT NULL,
		name          TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		password_hash TEXT,
		max_users     INTEGER NOT NULL DEFAULT 0,
		position      INTEGER NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL DEFAULT (unixepoch()),
		UNIQUE(org_id, name)
	)`,
	// v7 — per-channel role ACL overrides
	`CREATE TABLE IF NOT EXISTS channel_acl (
		channel_id  INTEGER NOT NULL,
		role_id     INTEGER NOT NULL,
		permissions INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (channel_id, role_id)
	)`,
	// v8 — audit log
	`CREATE TABLE IF NOT EXISTS audit_log (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		actor_id     INTEGER NOT NULL,
		actor_name   TEXT NOT NULL,
		action       TEXT NOT NULL,
		target       TEXT NOT NULL DEFAULT '',
		details_json TEXT NOT NULL DEFAULT '{}',
		created_at   INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v9 — indexes for hot lookups
	`CREATE INDEX IF NOT EXISTS idx_users_org ON users(org_id)`,
	// v10
	`CREATE INDEX IF NOT EXISTS idx_user_roles_user ON user_roles(user_id)`,
	// v11
	`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at)`,
	// v12 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and exposes the durable server state.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path and applies any pending
// migrations. Use ":memory:" for ephemeral in-process storage (tests).
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Allow multiple read connections but serialise writes.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	// Enable WAL mode for concurrent readers.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		log.Printf("[store] WAL mode: %v (non-fatal)", err)
	}
	// Busy timeout to avoid SQLITE_BUSY on concurrent access.
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[store] busy_timeout: %v (non-fatal)", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema_migrations table (if absent) and applies any
// migrations whose version number exceeds the current maximum.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		log.Printf("[store] applied migration v%d", v)
	}
	return nil
}

// GetSetting returns the value stored under key. The second return value is
// false when the key does not exist; an error is only returned for real I/O
// failures.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var val string
	err := s.db.QueryRow(
		`SELECT value FROM settings WHERE key = ?`, key,
	).Scan(&val)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetSetting upserts key → value in the settings table.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// CreateOrganization inserts an organization and returns its id.
func (s *Store) CreateOrganization(name, tag string) (uint32, error) {
	res, err := s.db.Exec(
		`INSERT INTO organizations(name, tag) VALUES(?, ?)`, name, tag,
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	return uint32(id), err
}

// OrganizationCount reports how many organizations exist.
func (s *Store) OrganizationCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM organizations`).Scan(&n)
	return n, err
}

// Authenticate verifies username/password against the users table and
// returns the resolved identity. Implements the core's AuthStore port.
func (s *Store) Authenticate(ctx context.Context, username, password string) (istore.Identity, error) {
	username = strings.TrimSpace(username)

	var u istore.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, username, email, password_hash FROM users WHERE username = ?`,
		username,
	).Scan(&u.ID, &u.OrgID, &u.Username, &u.Email, &u.PasswordHash)
	if err == sql.ErrNoRows {
		return istore.Identity{}, istore.ErrNotFound
	}
	if err != nil {
		return istore.Identity{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return istore.Identity{}, fmt.Errorf("store: invalid credentials")
	}

	roleIDs, err := s.roleIDsOf(ctx, u.ID)
	if err != nil {
		return istore.Identity{}, err
	}
	return istore.Identity{UserID: u.ID, OrgID: u.OrgID, Username: u.Username, RoleIDs: roleIDs}, nil
}

// GetUser returns the user record for id.
func (s *Store) GetUser(ctx context.Context, id uint32) (istore.User, error) {
	var u istore.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, username, email, password_hash FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.OrgID, &u.Username, &u.Email, &u.PasswordHash)
	if err == sql.ErrNoRows {
		return istore.User{}, istore.ErrNotFound
	}
	return u, err
}

// CreateUser inserts a new account with a bcrypt-hashed password.
func (s *Store) CreateUser(ctx context.Context, orgID uint32, username, password, email string) (istore.User, error) {
	username = strings.TrimSpace(username)
	if len(username) < 3 || len(username) > 20 {
		return istore.User{}, fmt.Errorf("store: username must be 3-20 characters")
	}
	if len(password) < 3 {
		return istore.User{}, fmt.Errorf("store: password must be at least 3 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return istore.User{}, fmt.Errorf("store: hash password: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(org_id, username, email, password_hash) VALUES(?, ?, ?, ?)`,
		orgID, username, email, string(hash),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return istore.User{}, istore.ErrUserExists
		}
		return istore.User{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return istore.User{}, err
	}
	return istore.User{ID: uint32(id), OrgID: orgID, Username: username, Email: email, PasswordHash: string(hash)}, nil
}

// Users lists all accounts in an organization.
func (s *Store) Users(ctx context.Context, orgID uint32) ([]istore.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, username, email FROM users WHERE org_id = ? ORDER BY id`, orgID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []istore.User
	for rows.Next() {
		var u istore.User
		if err := rows.Scan(&u.ID, &u.OrgID, &u.Username, &u.Email); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UserCount reports how many accounts exist.
func (s *Store) UserCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

func (s *Store) roleIDsOf(ctx context.Context, userID uint32) ([]uint32, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role_id FROM user_roles WHERE user_id = ? ORDER BY role_id`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uint32
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// RoleGrants returns roleID's org-level permission bitmask.
func (s *Store) RoleGrants(ctx context.Context, roleID uint32) (authz.Permissions, error) {
	var p uint32
	err := s.db.QueryRowContext(ctx,
		`SELECT permissions FROM roles WHERE id = ?`, roleID,
	).Scan(&p)
	if err == sql.ErrNoRows {
		return 0, istore.ErrNotFound
	}
	return authz.Permissions(p), err
}

// UserRoles returns every role userID holds, highest priority first.
func (s *Store) UserRoles(ctx context.Context, userID uint32) ([]authz.Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.org_id, r.name, r.permissions, r.priority
		 FROM roles r JOIN user_roles ur ON ur.role_id = r.id
		 WHERE ur.user_id = ?
		 ORDER BY r.priority DESC, r.name ASC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRoles(rows)
}

// RolesByOrg returns every role in orgID, highest priority first.
func (s *Store) RolesByOrg(ctx context.Context, orgID uint32) ([]authz.Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, name, permissions, priority FROM roles
		 WHERE org_id = ? ORDER BY priority DESC, name ASC`, orgID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRoles(rows)
}

func scanRoles(rows *sql.Rows) ([]authz.Role, error) {
	var out []authz.Role
	for rows.Next() {
		var r authz.Role
		var perms uint32
		if err := rows.Scan(&r.ID, &r.OrgID, &r.Name, &perms, &r.Priority); err != nil {
			return nil, err
		}
		r.Permissions = authz.Permissions(perms)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateRole inserts a role and returns it.
func (s *Store) CreateRole(ctx context.Context, orgID uint32, name string, perms authz.Permissions, priority uint32) (authz.Role, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO roles(org_id, name, permissions, priority) VALUES(?, ?, ?, ?)`,
		orgID, name, uint32(perms), priority,
	)
	if err != nil {
		return authz.Role{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return authz.Role{}, err
	}
	return authz.Role{ID: uint32(id), OrgID: orgID, Name: name, Permissions: perms, Priority: priority}, nil
}

// AssignRole grants roleID to userID. Re-assigning is a no-op.
func (s *Store) AssignRole(ctx context.Context, userID, roleID uint32) error {
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM roles WHERE id = ?`, roleID,
	).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return istore.ErrNotFound
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_roles(user_id, role_id) VALUES(?, ?)
		 ON CONFLICT(user_id, role_id) DO NOTHING`,
		userID, roleID,
	)
	return err
}

// RemoveRole revokes roleID from userID. No-op if not held.
func (s *Store) RemoveRole(ctx context.Context, userID, roleID uint32) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM user_roles WHERE user_id = ? AND role_id = ?`, userID, roleID,
	)
	return err
}

// Channel is a channel row as stored.
type Channel struct {
	ID          uint32
	OrgID       uint32
	Name        string
	Description string
	Protected   bool // password_hash set
	Position    int
}

// CreateChannel inserts a channel; passwordHash may be empty for an open
// channel.
func (s *Store) CreateChannel(orgID uint32, name, description, passwordHash string) (uint32, error) {
	var hash any
	if passwordHash != "" {
		hash = passwordHash
	}
	res, err := s.db.Exec(
		`INSERT INTO channels(org_id, name, description, password_hash) VALUES(?, ?, ?, ?)`,
		orgID, name, description, hash,
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	return uint32(id), err
}

// Channels lists all channels ordered by position then id.
func (s *Store) Channels() ([]Channel, error) {
	rows, err := s.db.Query(
		`SELECT id, org_id, name, description, password_hash IS NOT NULL, position
		 FROM channels ORDER BY position ASC, id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.ID, &c.OrgID, &c.Name, &c.Description, &c.Protected, &c.Position); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RenameChannel updates a channel's display name.
func (s *Store) RenameChannel(id uint32, name string) error {
	res, err := s.db.Exec(`UPDATE channels SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return istore.ErrNotFound
	}
	return nil
}

// DeleteChannel removes a channel and its ACL entries.
func (s *Store) DeleteChannel(id uint32) error {
	if _, err := s.db.Exec(`DELETE FROM channel_acl WHERE channel_id = ?`, id); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM channels WHERE id = ?`, id)
	return err
}

// ChannelCount reports how many channels exist.
func (s *Store) ChannelCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM channels`).Scan(&n)
	return n, err
}

// ChannelPasswordHash returns the bcrypt hash protecting channelID, if any.
func (s *Store) ChannelPasswordHash(ctx context.Context, channelID uint32) (string, bool, error) {
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT password_hash FROM channels WHERE id = ?`, channelID,
	).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return hash.String, hash.Valid && hash.String != "", nil
}

// SetChannelPassword stores (or clears, when hash is empty) a channel's
// password hash.
func (s *Store) SetChannelPassword(_ context.Context, channelID uint32, passwordHash string) {
	var hash any
	if passwordHash != "" {
		hash = passwordHash
	}
	if _, err := s.db.Exec(
		`UPDATE channels SET password_hash = ? WHERE id = ?`, hash, channelID,
	); err != nil {
		log.Printf("[store] set channel %d password: %v", channelID, err)
	}
}

// SetChannelACL upserts the per-channel permission override for one role.
func (s *Store) SetChannelACL(ctx context.Context, channelID, roleID uint32, perms authz.Permissions) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_acl(channel_id, role_id, permissions) VALUES(?, ?, ?)
		 ON CONFLICT(channel_id, role_id) DO UPDATE SET permissions = excluded.permissions`,
		channelID, roleID, uint32(perms),
	)
	return err
}

// channelACL returns all ACL entries for one channel.
func (s *Store) channelACL(ctx context.Context, channelID uint32) ([]authz.ACLEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id, role_id, permissions FROM channel_acl WHERE channel_id = ?`, channelID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []authz.ACLEntry
	for rows.Next() {
		var e authz.ACLEntry
		var perms uint32
		if err := rows.Scan(&e.ChannelID, &e.RoleID, &perms); err != nil {
			return nil, err
		}
		e.Permissions = authz.Permissions(perms)
		out = append(out, e)
	}
	return out, rows.Err()
}

// EffectivePermissions resolves the per-(user, channel) mask: each role's
// channel ACL entry replaces its org-level grant where one exists, then the
// results are OR'd across roles.
func (s *Store) EffectivePermissions(ctx context.Context, userID, channelID uint32) (authz.Permissions, error) {
	roles, err := s.UserRoles(ctx, userID)
	if err != nil {
		return 0, err
	}
	acl, err := s.channelACL(ctx, channelID)
	if err != nil {
		return 0, err
	}
	return authz.Effective(roles, acl), nil
}

// InsertAuditLog appends one audit entry. detailsJSON must be valid JSON or
// empty.
func (s *Store) InsertAuditLog(actorID uint32, actorName, action, target, detailsJSON string) error {
	if detailsJSON == "" {
		detailsJSON = "{}"
	}
	_, err := s.db.Exec(
		`INSERT INTO audit_log(actor_id, actor_name, action, target, details_json)
		 VALUES(?, ?, ?, ?, ?)`,
		actorID, actorName, action, target, detailsJSON,
	)
	return err
}

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	ID        int64  `json:"id"`
	ActorID   uint32 `json:"actor_id"`
	ActorName string `json:"actor_name"`
	Action    string `json:"action"`
	Target    string `json:"target"`
	Details   string `json:"details"`
	CreatedAt int64  `json:"created_at"`
}

// GetAuditLog returns the newest entries, optionally filtered by action.
func (s *Store) GetAuditLog(action string, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var (
		rows *sql.Rows
		err  error
	)
	if action != "" {
		rows, err = s.db.Query(
			`SELECT id, actor_id, actor_name, action, target, details_json, created_at
			 FROM audit_log WHERE action = ? ORDER BY id DESC LIMIT ?`, action, limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT id, actor_id, actor_name, action, target, details_json, created_at
			 FROM audit_log ORDER BY id DESC LIMIT ?`, limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.ActorID, &e.ActorName, &e.Action, &e.Target, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Optimize asks SQLite's query planner to refresh its statistics.
func (s *Store) Optimize() error {
	_, err := s.db.Exec(`PRAGMA optimize`)
	return err
}

// Backup writes a consistent snapshot of the database to destPath using
// VACUUM INTO, safe to run while the server is live (WAL mode).
func (s *Store) Backup(destPath string) error {
	_, err := s.db.Exec(`VACUUM INTO ?`, destPath)
	return err
}

var _ istore.AuthStore = (*Store)(nil)
var _ istore.PolicyStore = (*Store)(nil)
