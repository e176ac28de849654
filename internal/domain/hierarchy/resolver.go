// Package hierarchy resolves role and group membership into effective
// permissions and reports inheritance problems in a role graph.
package hierarchy

import (
	"sort"
	"strings"

	"github.com/Sentinel-Gate/agentguard/internal/domain/policy"
)

// DenyPrefix marks a permission entry as an explicit deny.
const DenyPrefix = "!"

// Resolver answers membership and permission questions over an immutable
// snapshot of roles and groups. It is safe for concurrent use.
type Resolver struct {
	roles        map[string]policy.Role
	roleOrder    []string
	groupsByUser map[string][]string
	// parents maps a role to the roles it inherits from.
	parents map[string][]string
	// direct maps a user or group subject key to the roles naming it as a member.
	direct map[string][]string
}

var _ policy.MembershipResolver = (*Resolver)(nil)

// New builds a Resolver from the roles and groups of cfg.
//
// Inheritance edges come from two places: Role.Inherits, and role-typed
// members. A member {type: role, id: X} listed on role A makes X inherit A.
func New(cfg *policy.PermissionConfig) *Resolver {
	r := &Resolver{
		roles:        make(map[string]policy.Role, len(cfg.Roles)),
		groupsByUser: make(map[string][]string),
		parents:      make(map[string][]string),
		direct:       make(map[string][]string),
	}
	for _, role := range cfg.Roles {
		if _, dup := r.roles[role.ID]; !dup {
			r.roleOrder = append(r.roleOrder, role.ID)
		}
		r.roles[role.ID] = role
	}
	for _, role := range cfg.Roles {
		for _, parent := range role.Inherits {
			r.parents[role.ID] = appendUnique(r.parents[role.ID], parent)
		}
		for _, m := range role.Members {
			switch m.Type {
			case policy.SubjectRole:
				r.parents[m.ID] = appendUnique(r.parents[m.ID], role.ID)
			case policy.SubjectUser, policy.SubjectGroup:
				r.direct[m.Key()] = appendUnique(r.direct[m.Key()], role.ID)
			}
		}
	}
	for _, g := range cfg.Groups {
		for _, userID := range g.Members {
			r.groupsByUser[userID] = appendUnique(r.groupsByUser[userID], g.ID)
		}
	}
	return r
}

// GroupsOf returns the groups userID belongs to, in declaration order.
func (r *Resolver) GroupsOf(userID string) []string {
	return append([]string(nil), r.groupsByUser[userID]...)
}

// RolesOf returns every role the subject holds: direct memberships, roles
// granted to its groups, and everything reachable over inheritance edges.
// The traversal is breadth-first and never expands a role twice, so cycles
// terminate.
func (r *Resolver) RolesOf(subject policy.Subject) []string {
	var frontier []string
	switch subject.Type {
	case policy.SubjectUser:
		frontier = append(frontier, r.direct[subject.Key()]...)
		for _, g := range r.groupsByUser[subject.ID] {
			frontier = append(frontier, r.direct[policy.GroupSubject(g).Key()]...)
		}
	case policy.SubjectGroup:
		frontier = append(frontier, r.direct[subject.Key()]...)
	case policy.SubjectRole:
		if _, ok := r.roles[subject.ID]; ok {
			frontier = append(frontier, subject.ID)
		}
	}

	visited := make(map[string]struct{})
	var out []string
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}
		if _, ok := r.roles[id]; !ok {
			continue
		}
		out = append(out, id)
		frontier = append(frontier, r.parents[id]...)
	}
	return out
}

// EffectivePermissions returns the sorted union of permission entries from
// every role the subject holds. Deny entries keep their DenyPrefix.
func (r *Resolver) EffectivePermissions(subject policy.Subject) []string {
	set := make(map[string]struct{})
	for _, id := range r.RolesOf(subject) {
		for _, p := range r.roles[id].Permissions {
			set[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Conflict is an advisory diagnostic: the same pattern is both granted and
// denied across the roles a subject holds.
type Conflict struct {
	Pattern   string   `json:"pattern"`
	GrantedBy []string `json:"grantedBy"`
	DeniedBy  []string `json:"deniedBy"`
}

// DetectConflicts reports patterns that the subject's roles both grant and deny.
func (r *Resolver) DetectConflicts(subject policy.Subject) []Conflict {
	granted := make(map[string][]string)
	denied := make(map[string][]string)
	for _, id := range r.RolesOf(subject) {
		for _, p := range r.roles[id].Permissions {
			if pattern, ok := strings.CutPrefix(p, DenyPrefix); ok {
				denied[pattern] = appendUnique(denied[pattern], id)
				continue
			}
			granted[p] = appendUnique(granted[p], id)
		}
	}

	var out []Conflict
	for pattern, deniedBy := range denied {
		grantedBy, ok := granted[pattern]
		if !ok {
			continue
		}
		out = append(out, Conflict{Pattern: pattern, GrantedBy: grantedBy, DeniedBy: deniedBy})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pattern < out[j].Pattern })
	return out
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
