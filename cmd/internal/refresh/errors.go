package refresh

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionEnded is returned to every caller of a failed refresh wave.
	// The session store has already been cleared; the user must sign in again.
	ErrSessionEnded = errors.New("refresh: session ended")

	// ErrNoRefreshToken is the cause reported when no refresh token is held.
	ErrNoRefreshToken = errors.New("refresh: no refresh token")

	// ErrExchangeRejected is the cause reported when the backend refuses the refresh token.
	ErrExchangeRejected = errors.New("refresh: exchange rejected")
)

// ExchangeError carries the backend response of a rejected exchange.
type ExchangeError struct {
	Status  int
	Message string
}

func (e *ExchangeError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", ErrExchangeRejected.Error(), e.Status)
	}
	return fmt.Sprintf("%s: status %d: %s", ErrExchangeRejected.Error(), e.Status, e.Message)
}

func (e *ExchangeError) Unwrap() error { return ErrExchangeRejected }
