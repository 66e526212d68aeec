package session

import "errors"

var (
	// ErrSequence is a login step invoked before its prerequisite step
	// succeeded: the order is school, username, password.
	ErrSequence = errors.New("login steps called out of order")

	// ErrIncorrectCredentials is a challenge the provider rejected.
	ErrIncorrectCredentials = errors.New("credentials rejected by the provider")

	// ErrNotAuthenticated is a data call on a session that has not
	// completed the login sequence.
	ErrNotAuthenticated = errors.New("session is not authenticated")

	// ErrConcurrentAccess is a second operation started on a session
	// while another is still in flight.
	ErrConcurrentAccess = errors.New("concurrent operation on session")
)
