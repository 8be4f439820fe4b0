// Package session holds the client's current credentials and user.
//
// Store is the single shared mutable resource of the client: the token pair
// and the user summary are always set and cleared together, callers only
// mutate through Set and Clear, and every change is persisted per portal.
//
// The two token-field naming conventions the platform emits are normalized
// once, in LoginResult.Normalize; nothing past that boundary sees them.
package session
