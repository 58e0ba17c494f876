package auth

import (
	"sort"
	"strings"
)

// Role is one capability granted to a caller.
type Role uint8

const (
	RoleDeliveryManager Role = 1 << iota
	RoleDeliveryExecutive
)

var roleNames = map[Role]string{
	RoleDeliveryManager:   "DELIVERY_MANAGER",
	RoleDeliveryExecutive: "DELIVERY_EXECUTIVE",
}

func (r Role) String() string { return roleNames[r] }

// RoleSet is a set of roles stored as a bitmask.
type RoleSet uint8

func NewRoleSet(roles ...Role) RoleSet {
	var s RoleSet
	for _, r := range roles {
		s |= RoleSet(r)
	}
	return s
}

func (s RoleSet) Has(r Role) bool { return s&RoleSet(r) != 0 }

// HasAny reports whether s shares at least one role with want.
func (s RoleSet) HasAny(want RoleSet) bool { return s&want != 0 }

// HasAll reports whether s contains every role in want.
func (s RoleSet) HasAll(want RoleSet) bool { return s&want == want }

func (s RoleSet) Empty() bool { return s == 0 }

// Names lists role names in a stable order.
func (s RoleSet) Names() []string {
	out := []string{}
	for r, name := range roleNames {
		if s.Has(r) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (s RoleSet) String() string { return strings.Join(s.Names(), ",") }

// ParseRoles accepts comma-joined role names in any case. Unknown names are
// returned separately so callers can decide whether to reject them.
func ParseRoles(names ...string) (RoleSet, []string) {
	var s RoleSet
	var unknown []string
	for _, chunk := range names {
		for _, n := range strings.Split(chunk, ",") {
			n = strings.ToUpper(strings.TrimSpace(n))
			if n == "" {
				continue
			}
			found := false
			for r, name := range roleNames {
				if name == n {
					s |= RoleSet(r)
					found = true
				}
			}
			if !found {
				unknown = append(unknown, n)
			}
		}
	}
	return s, unknown
}

// JourneyRoles may call every journey endpoint.
var JourneyRoles = NewRoleSet(RoleDeliveryManager, RoleDeliveryExecutive)
