package model

import "context"

// RolePolicy decides whether an actor holding actorRole may act on a step
// that requires requiredRole.
type RolePolicy func(actorRole, requiredRole string) bool

// ExactRole is the default policy: the roles must match exactly.
func ExactRole(actorRole, requiredRole string) bool {
	return actorRole != "" && actorRole == requiredRole
}

// RoleHierarchy returns a policy where a role may act on steps requiring
// itself or any role listed after it. ranks is ordered from most to least
// senior, e.g. ["super_admin", "admin", "manager", "supervisor"]. Roles that
// are not ranked only satisfy themselves.
func RoleHierarchy(ranks []string) RolePolicy {
	index := make(map[string]int, len(ranks))
	for i, r := range ranks {
		if _, dup := index[r]; !dup {
			index[r] = i
		}
	}
	return func(actorRole, requiredRole string) bool {
		if ExactRole(actorRole, requiredRole) {
			return true
		}
		a, okA := index[actorRole]
		r, okR := index[requiredRole]
		return okA && okR && a < r
	}
}

// RoleResolver looks up the role of an actor. Implemented by the identity
// collaborator.
type RoleResolver interface {
	ResolveRole(ctx context.Context, actor string) (string, error)
}

// RoleResolverFunc adapts a function to RoleResolver.
type RoleResolverFunc func(ctx context.Context, actor string) (string, error)

// ResolveRole implements RoleResolver.
func (f RoleResolverFunc) ResolveRole(ctx context.Context, actor string) (string, error) {
	return f(ctx, actor)
}
