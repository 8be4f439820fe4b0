package session

import "strings"

const storageKeyPrefix = "portalsync.session."

// Portal describes the access portal the client is running as.
// Roles lists the user roles admitted; empty admits every role.
type Portal struct {
	Name  string
	Roles []string
}

// Admits reports whether a user with role may hold a session in this portal.
func (p Portal) Admits(role string) bool {
	if len(p.Roles) == 0 {
		return true
	}
	role = strings.TrimSpace(role)
	for _, r := range p.Roles {
		if strings.EqualFold(strings.TrimSpace(r), role) {
			return true
		}
	}
	return false
}

// StorageKey derives the persisted-state key for a portal name.
func StorageKey(portal string) string {
	p := strings.ToLower(strings.TrimSpace(portal))
	if p == "" {
		p = "default"
	}
	return storageKeyPrefix + p
}
