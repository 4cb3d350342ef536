// Package channels implements the channel registry: the set of voice
// channels a user can join, who is currently in each, where control
// messages for a member are delivered, and where a member's voice
// datagrams are addressed.
//
// The registry is split into three independently-locked synchronizers —
// rosters, outboxes, and addresses — rather than one struct behind one
// mutex. Roster reads happen on every voice datagram fan-out; outbox reads
// happen on every control broadcast. Coupling them behind a single lock
// would serialize two otherwise-unrelated hot paths. Where an operation
// must touch more than one, rosters are always locked before outboxes,
// and outboxes before addresses, to make deadlock impossible.
package channels

import (
	"log"
	"sync"
)

// Outbox is anything a channel member can be sent a control message
// through. *control.Session implements it; tests can fake it.
type Outbox interface {
	SendControl(v any)
}

// Endpoint is where a member's voice datagrams are sent. The UDP ingress
// registers a socket-plus-address pair; the WebTransport bridge registers
// the session itself. Last datagram received wins, so a client that roams
// between transports or rebinds behind a NAT stays reachable.
type Endpoint interface {
	SendVoice(b []byte) error
	String() string
}

// Channel is the static description of one channel.
type Channel struct {
	ID      uint32
	OrgID   uint32
	Name    string
	Private bool
}

// Member is a user as seen in a channel roster.
type Member struct {
	UserID   uint32
	Username string
	Speaking bool
}

type channelState struct {
	meta    Channel
	members map[uint32]Member
}

// Registry is the channel registry. The zero value is not usable; use New.
type Registry struct {
	rosterMu sync.RWMutex
	channels map[uint32]*channelState

	outboxMu sync.RWMutex
	outboxes map[uint32]Outbox // userID -> outbox

	addrMu sync.RWMutex
	addrs  map[uint32]Endpoint // userID -> last-known voice endpoint
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		channels: make(map[uint32]*channelState),
		outboxes: make(map[uint32]Outbox),
		addrs:    make(map[uint32]Endpoint),
	}
}

// RegisterChannel adds channel ch to the registry. Re-registering an
// existing ID replaces its metadata but keeps its current roster.
func (r *Registry) RegisterChannel(ch Channel) {
	r.rosterMu.Lock()
	defer r.rosterMu.Unlock()

	if existing, ok := r.channels[ch.ID]; ok {
		existing.meta = ch
		return
	}
	r.channels[ch.ID] = &channelState{meta: ch, members: make(map[uint32]Member)}
}

// UnregisterChannel removes channelID and evicts its roster. It does not
// touch outboxes or addresses — members simply end up in no channel.
func (r *Registry) UnregisterChannel(channelID uint32) {
	r.rosterMu.Lock()
	defer r.rosterMu.Unlock()
	delete(r.channels, channelID)
}

// ChannelMeta returns channelID's metadata.
func (r *Registry) ChannelMeta(channelID uint32) (Channel, bool) {
	r.rosterMu.RLock()
	defer r.rosterMu.RUnlock()
	cs, ok := r.channels[channelID]
	if !ok {
		return Channel{}, false
	}
	return cs.meta, true
}

// Name returns channelID's display name, or "" if unknown.
func (r *Registry) Name(channelID uint32) string {
	meta, _ := r.ChannelMeta(channelID)
	return meta.Name
}

// Rename updates channelID's display name in place. Reports false if the
// channel does not exist.
func (r *Registry) Rename(channelID uint32, name string) bool {
	r.rosterMu.Lock()
	defer r.rosterMu.Unlock()
	cs, ok := r.channels[channelID]
	if !ok {
		return false
	}
	cs.meta.Name = name
	return true
}

// Join adds member to channelID's roster and returns the resulting roster
// snapshot. A user may be in several channels at once; joining one does
// not leave the others. Joining a channel the user is already in is a
// no-op that still returns the roster. Reports false if channelID does
// not exist.
func (r *Registry) Join(channelID uint32, member Member) ([]Member, bool) {
	r.rosterMu.Lock()
	defer r.rosterMu.Unlock()

	cs, ok := r.channels[channelID]
	if !ok {
		return nil, false
	}
	if _, present := cs.members[member.UserID]; !present {
		cs.members[member.UserID] = member
	}
	return rosterLocked(cs), true
}

// Leave removes userID from channelID's roster. No-op if absent.
func (r *Registry) Leave(channelID, userID uint32) {
	r.rosterMu.Lock()
	defer r.rosterMu.Unlock()
	if cs, ok := r.channels[channelID]; ok {
		delete(cs.members, userID)
	}
}

// LeaveAll removes userID from every channel it is in, returning the
// channel IDs it was removed from.
func (r *Registry) LeaveAll(userID uint32) []uint32 {
	r.rosterMu.Lock()
	defer r.rosterMu.Unlock()

	var left []uint32
	for id, cs := range r.channels {
		if _, ok := cs.members[userID]; ok {
			delete(cs.members, userID)
			left = append(left, id)
		}
	}
	return left
}

// SetSpeaking flags userID's speaking state in channelID's roster entry.
func (r *Registry) SetSpeaking(channelID, userID uint32, speaking bool) {
	r.rosterMu.Lock()
	defer r.rosterMu.Unlock()
	cs, ok := r.channels[channelID]
	if !ok {
		return
	}
	if m, present := cs.members[userID]; present {
		m.Speaking = speaking
		cs.members[userID] = m
	}
}

// Roster returns a snapshot of channelID's current members.
func (r *Registry) Roster(channelID uint32) []Member {
	r.rosterMu.RLock()
	defer r.rosterMu.RUnlock()

	cs, ok := r.channels[channelID]
	if !ok {
		return nil
	}
	return rosterLocked(cs)
}

func rosterLocked(cs *channelState) []Member {
	out := make([]Member, 0, len(cs.members))
	for _, m := range cs.members {
		out = append(out, m)
	}
	return out
}

// ChannelsOf returns the IDs of every channel userID is currently in.
func (r *Registry) ChannelsOf(userID uint32) []uint32 {
	r.rosterMu.RLock()
	defer r.rosterMu.RUnlock()

	var out []uint32
	for id, cs := range r.channels {
		if _, ok := cs.members[userID]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Channels returns a snapshot of every registered channel's metadata.
func (r *Registry) Channels() []Channel {
	r.rosterMu.RLock()
	defer r.rosterMu.RUnlock()
	out := make([]Channel, 0, len(r.channels))
	for _, cs := range r.channels {
		out = append(out, cs.meta)
	}
	return out
}

// SetOutbox registers where userID's control messages should be delivered.
// A second registration for the same user replaces the prior outbox.
func (r *Registry) SetOutbox(userID uint32, o Outbox) {
	r.outboxMu.Lock()
	defer r.outboxMu.Unlock()
	r.outboxes[userID] = o
}

// RemoveOutbox drops userID's control delivery target.
func (r *Registry) RemoveOutbox(userID uint32) {
	r.outboxMu.Lock()
	defer r.outboxMu.Unlock()
	delete(r.outboxes, userID)
}

// Unicast delivers msg to userID's outbox, if any.
func (r *Registry) Unicast(userID uint32, msg any) {
	r.outboxMu.RLock()
	o, ok := r.outboxes[userID]
	r.outboxMu.RUnlock()
	if ok {
		o.SendControl(msg)
	}
}

// Broadcast delivers msg to every member of channelID's roster, optionally
// skipping excludeUserID (pass 0 to exclude no one). Outbox targets are
// snapshotted under the roster then outbox read locks, in that order, and
// dispatched after both are released, so one slow member's outbox can't
// hold either lock for everyone else. Members without a live outbox are
// skipped — delivery is best-effort.
func (r *Registry) Broadcast(channelID uint32, msg any, excludeUserID uint32) {
	members := r.Roster(channelID)
	if members == nil {
		return
	}

	r.outboxMu.RLock()
	targets := make([]Outbox, 0, len(members))
	for _, m := range members {
		if m.UserID == excludeUserID {
			continue
		}
		if o, ok := r.outboxes[m.UserID]; ok {
			targets = append(targets, o)
		}
	}
	r.outboxMu.RUnlock()

	for _, o := range targets {
		o.SendControl(msg)
	}
}

// LearnAddress records ep as userID's current voice endpoint. Called on
// every inbound voice datagram so NAT rebinds and roaming clients stay
// reachable without an explicit re-registration step.
func (r *Registry) LearnAddress(userID uint32, ep Endpoint) {
	r.addrMu.Lock()
	defer r.addrMu.Unlock()
	r.addrs[userID] = ep
}

// LookupAddress returns userID's last-learned voice endpoint. Stale
// entries are possible after a disconnect; fan-out only routes to roster
// members, so a stale entry is never used.
func (r *Registry) LookupAddress(userID uint32) (Endpoint, bool) {
	r.addrMu.RLock()
	defer r.addrMu.RUnlock()
	a, ok := r.addrs[userID]
	return a, ok
}

// Disconnect tears down userID's roster memberships and outbox. Learned
// voice addresses are left in place — they are stale-tolerant and will be
// overwritten when the user reconnects. Returns the channels the user was
// evicted from so the caller can broadcast the departures.
func (r *Registry) Disconnect(userID uint32) []uint32 {
	left := r.LeaveAll(userID)
	r.RemoveOutbox(userID)
	if len(left) > 0 {
		log.Printf("[channels] user %d disconnected, removed from %d channel(s)", userID, len(left))
	}
	return left
}
