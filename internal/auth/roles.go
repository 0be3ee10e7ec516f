package auth

import (
	"fmt"
	"strings"
)

// Role names.
const (
	RoleRoot         = "Root"
	RoleAdmin        = "Admin"
	RoleArchitect    = "Architect"
	RoleCollaborator = "Collaborator"
)

// roleRanks is the role hierarchy. Adding a role is one line here.
var roleRanks = map[string]int{
	RoleRoot:         3,
	RoleAdmin:        2,
	RoleArchitect:    1,
	RoleCollaborator: 1,
}

// CanonicalRole returns the canonical spelling of role, or "" if unknown.
func CanonicalRole(role string) string {
	role = strings.TrimSpace(role)
	for name := range roleRanks {
		if strings.EqualFold(name, role) {
			return name
		}
	}
	return ""
}

// IsKnownRole reports whether role appears in the hierarchy.
func IsKnownRole(role string) bool { return CanonicalRole(role) != "" }

// Rank returns the rank of a single role; unknown roles rank 0.
func Rank(role string) int {
	return roleRanks[CanonicalRole(role)]
}

// EffectiveRank is the maximum rank among roles, 0 when none are known.
func EffectiveRank(roles []string) int {
	best := 0
	for _, r := range roles {
		if rank := Rank(r); rank > best {
			best = rank
		}
	}
	return best
}

// CanAct decides whether an actor holding actorRoles may affect a principal
// holding targetRoles and, when intendedRole is non-empty, grant that role.
// Actors only act on strictly lower-ranked principals and only grant roles
// strictly below their own rank.
func CanAct(actorRoles, targetRoles []string, intendedRole string) error {
	actorRank := EffectiveRank(actorRoles)
	targetRank := EffectiveRank(targetRoles)
	if targetRank >= actorRank {
		return fmt.Errorf("%w: target rank %d, actor rank %d", ErrCannotModifyHigherRole, targetRank, actorRank)
	}
	if intendedRole != "" {
		if rank := Rank(intendedRole); rank >= actorRank {
			return fmt.Errorf("%w: role %s has rank %d, actor rank %d", ErrCannotModifyHigherRole, intendedRole, rank, actorRank)
		}
	}
	return nil
}

// CheckSelfAction rejects status changes an actor aims at its own account.
// It is independent of rank.
func CheckSelfAction(actorID, targetID string) error {
	if strings.TrimSpace(actorID) != "" && actorID == targetID {
		return ErrCannotDeactivateSelf
	}
	return nil
}

// NormalizeRoles canonicalises and dedupes roles, rejecting unknown names.
func NormalizeRoles(roles []string) ([]string, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(roles))
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if strings.TrimSpace(r) == "" {
			continue
		}
		name := CanonicalRole(r)
		if name == "" {
			return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, r)
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out, nil
}
