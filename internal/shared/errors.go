package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrCSRFTokenMissing occurs when the request or the session carries no CSRF token.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenInvalid occurs when the token does not match the current session.
	ErrCSRFTokenInvalid = errors.New("csrf token invalid")
	// ErrSessionNotFound occurs when a session id has no live record.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists occurs when creating a session whose id is taken.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionStoreUnavailable occurs when session storage keeps failing after retries.
	ErrSessionStoreUnavailable = errors.New("session store unavailable")
)
