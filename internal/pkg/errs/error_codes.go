/*
Package errs provides custom error types and application-level error code constants.

These error codes are used to clearly identify specific business or system errors
both internally within the gateway and in communication with clients.
*/
package errs

// 1xxx: General Request Handling Errors
const (
	// ErrInvalidParams indicates that request parameter validation failed.
	ErrInvalidParams = 1001

	// ErrInvalidJSONFormat indicates that an inbound frame is not valid JSON.
	ErrInvalidJSONFormat = 1003

	// ErrRateLimitExceeded indicates that the request rate has exceeded the set limit.
	ErrRateLimitExceeded = 1007
)

// 2xxx: Event and Content Errors
const (
	// ErrMessageContentTooLong indicates that the user's message content exceeded the maximum length limit.
	ErrMessageContentTooLong = 2201

	// ErrMalformedEvent indicates that an inbound event is missing required fields.
	// The event is dropped and the connection stays live.
	ErrMalformedEvent = 2301

	// ErrUnsupportedEvent indicates that the client sent an event type the gateway does not handle.
	ErrUnsupportedEvent = 2302
)

// 3xxx: Identity and Session Errors
const (
	// ErrSessionKicked indicates that the current client connection has been terminated
	// because the user opened more connections than allowed.
	ErrSessionKicked = 3004

	// ErrUnauthorized indicates that the connection handshake could not be authenticated.
	ErrUnauthorized = 3005

	// ErrAuthTimeout indicates that identity resolution did not finish within the handshake deadline.
	ErrAuthTimeout = 3006
)

// 5xxx: Internal System Errors
const (
	// ErrUnknown represents an unclassified, general server internal error.
	ErrUnknown = 5000

	// ErrPersistenceFailure indicates that a durable write failed after the live relay succeeded.
	ErrPersistenceFailure = 5101
)
