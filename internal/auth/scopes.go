// Package auth - scopes.go defines the permission scopes carried in access
// tokens and the HasScope helpers used by the route guards.
package auth

import (
	"fmt"
)

// Scope represents a permission/scope type
type Scope string

const (
	// Activity log scopes
	ScopeActivityLogsRead   Scope = "activity_logs:read"   // List, stats, filter options, model history
	ScopeActivityLogsWrite  Scope = "activity_logs:write"  // Record manual entries on behalf of others
	ScopeActivityLogsExport Scope = "activity_logs:export" // Download a user's full history
	ScopeActivityLogsDelete Scope = "activity_logs:delete" // Erase a user's history

	// Admin scope (wildcard - all permissions)
	ScopeAdmin Scope = "admin"
)

// AllScopes returns all valid scopes
func AllScopes() []Scope {
	return []Scope{
		ScopeActivityLogsRead,
		ScopeActivityLogsWrite,
		ScopeActivityLogsExport,
		ScopeActivityLogsDelete,
		ScopeAdmin,
	}
}

// ValidateScopes checks if all provided scopes are valid
func ValidateScopes(scopes []string) error {
	valid := make(map[string]bool, len(AllScopes()))
	for _, s := range AllScopes() {
		valid[string(s)] = true
	}
	for _, scope := range scopes {
		if !valid[scope] {
			return fmt.Errorf("invalid scope: %s", scope)
		}
	}
	return nil
}

// HasScope checks if a user has a required scope.
// admin grants everything; export implies read.
func HasScope(userScopes []string, required Scope) bool {
	for _, scope := range userScopes {
		if scope == string(required) || scope == string(ScopeAdmin) {
			return true
		}
		if required == ScopeActivityLogsRead && scope == string(ScopeActivityLogsExport) {
			return true
		}
	}
	return false
}

// HasAnyScope checks if a user has at least one of the required scopes
func HasAnyScope(userScopes []string, requiredScopes []Scope) bool {
	for _, required := range requiredScopes {
		if HasScope(userScopes, required) {
			return true
		}
	}
	return false
}
