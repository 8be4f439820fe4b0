package session

import "errors"

var (
	// ErrMissingAccessToken is returned when a login payload carries no access token.
	ErrMissingAccessToken = errors.New("session: missing access token")

	// ErrIncompleteSession is returned when tokens arrive without a user and
	// no current user exists to merge them over.
	ErrIncompleteSession = errors.New("session: tokens without user")

	// ErrWrongPortal is returned when the session user is not admitted by the
	// portal currently loaded. The store is cleared when this happens.
	ErrWrongPortal = errors.New("session: user belongs to another portal")
)
