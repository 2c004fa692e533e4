package domain

import "errors"

// Error taxonomy shared by sessions, adapters and the coordinator.
var (
	// ErrUnauthorized indicates the backend session is not authorized or was revoked.
	ErrUnauthorized = errors.New("calendar: unauthorized")

	// ErrAuthDenied indicates the user declined the interactive consent flow.
	ErrAuthDenied = errors.New("calendar: authorization denied")

	// ErrEventCreationFailed indicates a create call did not produce an event.
	ErrEventCreationFailed = errors.New("calendar: event creation failed")

	// ErrEventUpdateFailed indicates an update or delete call failed.
	ErrEventUpdateFailed = errors.New("calendar: event update failed")

	// ErrEventNotFound indicates the event id does not exist on the backend.
	ErrEventNotFound = errors.New("calendar: event not found")

	// ErrInvalidResponse indicates a malformed provider reply.
	ErrInvalidResponse = errors.New("calendar: invalid response")

	// ErrNetwork indicates a transient, backend-specific transport failure.
	ErrNetwork = errors.New("calendar: network error")

	// ErrSyncTokenExpired indicates the change-stream cursor is no longer valid.
	// A full window scan is required.
	ErrSyncTokenExpired = errors.New("calendar: sync token expired")

	// ErrNoBackend indicates the coordinator has no backend configured for a source.
	ErrNoBackend = errors.New("calendar: backend not configured")
)
