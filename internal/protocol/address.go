// ABOUTME: Address helpers for network JIDs, alias resolution, and own-identity checks

package protocol

import "strings"

// Address servers on the messaging network.
const (
	UserServer      = "s.whatsapp.net"
	GroupServer     = "g.us"
	AliasServer     = "lid"
	StatusBroadcast = "status@broadcast"
)

// Normalize strips the device suffix from an address so that different
// devices of the same account compare equal.
// "5511999990000:67@s.whatsapp.net" normalizes to "5511999990000@s.whatsapp.net".
func Normalize(jid string) string {
	if jid == "" {
		return ""
	}
	local, server, ok := strings.Cut(jid, "@")
	if !ok {
		return jid
	}
	if idx := strings.IndexByte(local, ':'); idx >= 0 {
		local = local[:idx]
	}
	return local + "@" + server
}

// IsAlias reports whether the address is a network-assigned alias rather
// than a canonical phone-derived address.
func IsAlias(jid string) bool {
	return strings.HasSuffix(jid, "@"+AliasServer)
}

// IsGroup reports whether the address is a group chat.
func IsGroup(jid string) bool {
	return strings.HasSuffix(jid, "@"+GroupServer)
}

// IsStatusBroadcast reports whether the address is the status/story feed.
func IsStatusBroadcast(jid string) bool {
	return jid == StatusBroadcast
}

// ResolveAlias prefers the canonical address over an alias. When jid is an
// alias and a canonical fallback is known, the fallback wins; otherwise jid
// is returned as-is. An empty jid resolves to the fallback.
func ResolveAlias(jid, fallback string) string {
	if jid == "" {
		return fallback
	}
	if IsAlias(jid) && fallback != "" {
		return fallback
	}
	return jid
}

// IdentitySet holds every address variant that identifies one account.
type IdentitySet map[string]struct{}

// NewIdentitySet builds a set from raw address variants, adding the
// normalized form of each.
func NewIdentitySet(jids ...string) IdentitySet {
	set := make(IdentitySet)
	for _, jid := range jids {
		set.Add(jid)
	}
	return set
}

// Add inserts an address and its normalized form.
func (s IdentitySet) Add(jid string) {
	if jid == "" {
		return
	}
	s[jid] = struct{}{}
	s[Normalize(jid)] = struct{}{}
}

// Contains reports whether an address (any device variant) belongs to
// this identity.
func (s IdentitySet) Contains(jid string) bool {
	if jid == "" || len(s) == 0 {
		return false
	}
	if _, ok := s[jid]; ok {
		return true
	}
	_, ok := s[Normalize(jid)]
	return ok
}
