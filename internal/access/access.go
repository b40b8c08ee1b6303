// Package access decides whether a user may see a synchronized table.
package access

import (
	"github.com/html5sync/html5sync/internal/types"
)

// Authorized reports whether the user may see a table guarded by rule.
// A user qualifies through either set: id membership in rule.Users or an
// exact role match in rule.Roles. Empty rule sets grant access to nobody.
func Authorized(user types.User, rule types.AccessRule) bool {
	for _, id := range rule.Users {
		if id == user.ID {
			return true
		}
	}
	for _, role := range rule.Roles {
		if role == user.Role {
			return true
		}
	}
	return false
}
