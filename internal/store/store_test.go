package store

import (
	"context"
	"testing"

	"github.com/DMShort/DadLink/internal/authz"
)

func TestCreateUserAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	u, err := m.CreateUser(ctx, 1, "alice", "hunter2", "alice@example.com")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.ID == 0 {
		t.Fatal("expected non-zero user id")
	}

	id, err := m.Authenticate(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.UserID != u.ID || id.Username != "alice" {
		t.Fatalf("identity mismatch: %+v", id)
	}
}

func TestAuthenticateWrongPassword(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.CreateUser(ctx, 1, "bob", "correcthorse", "")

	if _, err := m.Authenticate(ctx, "bob", "wrong"); err == nil {
		t.Fatal("expected error for wrong password")
	}
}

func TestAuthenticateUnknownUser(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if _, err := m.Authenticate(ctx, "ghost", "whatever"); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestCreateUserRejectsDuplicateUsername(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.CreateUser(ctx, 1, "carol", "passpass", "")

	if _, err := m.CreateUser(ctx, 1, "Carol", "anotherpass", ""); err != ErrUserExists {
		t.Fatalf("got %v, want ErrUserExists (usernames compare case-insensitively)", err)
	}
}

func TestCreateUserValidatesUsernameLength(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if _, err := m.CreateUser(ctx, 1, "ab", "passpass", ""); err == nil {
		t.Fatal("expected error for too-short username")
	}
	if _, err := m.CreateUser(ctx, 1, "012345678901234567890", "passpass", ""); err == nil {
		t.Fatal("expected error for too-long username")
	}
}

func TestCreateUserValidatesPasswordLength(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if _, err := m.CreateUser(ctx, 1, "dave", "ab", ""); err == nil {
		t.Fatal("expected error for too-short password")
	}
}

func TestSeedDemoDataAuthenticates(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.SeedDemoData(); err != nil {
		t.Fatalf("SeedDemoData: %v", err)
	}

	for _, cred := range []struct{ user, pass string }{
		{"demo", "demo123"},
		{"alice", "alice123"},
		{"bob", "bob123"},
		{"charlie", "charlie123"},
	} {
		if _, err := m.Authenticate(ctx, cred.user, cred.pass); err != nil {
			t.Fatalf("Authenticate(%s): %v", cred.user, err)
		}
	}
}

func TestEffectivePermissionsFallsBackToRoleGrant(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	u, _ := m.CreateUser(ctx, 1, "erin", "passpass", "")
	role, _ := m.CreateRole(ctx, 1, "speaker", authz.Join|authz.Speak, 1)
	m.AssignRole(ctx, u.ID, role.ID)

	perms, err := m.EffectivePermissions(ctx, u.ID, 42)
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	if !perms.Has(authz.Join) || !perms.Has(authz.Speak) {
		t.Fatalf("got %b, want Join|Speak", perms)
	}
}

func TestEffectivePermissionsHonorsChannelACLOverride(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	u, _ := m.CreateUser(ctx, 1, "frank", "passpass", "")
	role, _ := m.CreateRole(ctx, 1, "mod", authz.Join|authz.Speak|authz.Manage, 1)
	m.AssignRole(ctx, u.ID, role.ID)
	m.SetChannelACL(ctx, 42, role.ID, authz.Join)

	perms, err := m.EffectivePermissions(ctx, u.ID, 42)
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	if perms != authz.Join {
		t.Fatalf("got %b, want Join only", perms)
	}

	elsewhere, err := m.EffectivePermissions(ctx, u.ID, 99)
	if err != nil {
		t.Fatalf("EffectivePermissions(elsewhere): %v", err)
	}
	if !elsewhere.Has(authz.Manage) {
		t.Fatal("ACL override on channel 42 must not leak to channel 99")
	}
}

func TestChannelPasswordRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, ok, _ := m.ChannelPasswordHash(ctx, 7); ok {
		t.Fatal("expected no password set initially")
	}

	hash, err := HashPassword("letmein")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	m.SetChannelPassword(ctx, 7, hash)

	got, ok, err := m.ChannelPasswordHash(ctx, 7)
	if err != nil || !ok {
		t.Fatalf("ChannelPasswordHash: ok=%v err=%v", ok, err)
	}
	if !VerifyPassword("letmein", got) {
		t.Fatal("VerifyPassword failed against stored hash")
	}
	if VerifyPassword("wrong", got) {
		t.Fatal("VerifyPassword accepted wrong password")
	}
}

func TestRemoveRoleRevokesGrant(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	u, _ := m.CreateUser(ctx, 1, "gina", "passpass", "")
	role, _ := m.CreateRole(ctx, 1, "temp", authz.Join, 1)
	m.AssignRole(ctx, u.ID, role.ID)
	m.RemoveRole(ctx, u.ID, role.ID)

	perms, err := m.EffectivePermissions(ctx, u.ID, 1)
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	if perms != 0 {
		t.Fatalf("got %b, want no permissions after role removal", perms)
	}
}
