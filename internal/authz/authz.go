// Package authz resolves the permission bitmask the control session machine
// gates every join/speak/admin operation against.
package authz

// Permissions is a bitmask over the six grants the wire protocol knows
// about. Bit values are fixed by the wire format (SetChannelAcl carries
// them as a raw uint32) and must not be renumbered.
type Permissions uint32

const (
	Join Permissions = 1 << iota
	Speak
	Whisper
	Manage
	Kick
	Ban
)

// Has reports whether p contains every bit set in want.
func (p Permissions) Has(want Permissions) bool {
	return p&want == want
}

// Role is an org-scoped grant: a name plus the permission bitmask it confers
// org-wide, absent a channel-specific override.
type Role struct {
	ID          uint32
	OrgID       uint32
	Name        string
	Permissions Permissions
	Priority    uint32
}

// ACLEntry overrides a role's org-level grant for one channel.
type ACLEntry struct {
	ChannelID   uint32
	RoleID      uint32
	Permissions Permissions
}

// Aggregate ORs together the org-level grants of every role in roles — the
// default permission set absent any channel-specific ACL.
func Aggregate(roles []Role) Permissions {
	var p Permissions
	for _, r := range roles {
		p |= r.Permissions
	}
	return p
}

// Effective computes the per-(user, channel) permission mask: for each role
// the user holds, a channel ACL entry for that role replaces (does not
// merge with) the role's org-level grant; roles without a channel ACL fall
// back to their org-level grant. The results are OR'd across all roles.
func Effective(roles []Role, acl []ACLEntry) Permissions {
	var p Permissions
	for _, r := range roles {
		if entry, ok := findACL(acl, r.ID); ok {
			p |= entry.Permissions
		} else {
			p |= r.Permissions
		}
	}
	return p
}

func findACL(acl []ACLEntry, roleID uint32) (ACLEntry, bool) {
	for _, a := range acl {
		if a.RoleID == roleID {
			return a, true
		}
	}
	return ACLEntry{}, false
}
