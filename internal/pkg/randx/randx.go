/*
Package randx generates the unique identifiers used by the gateway.

Message and connection ids are UUID v4 strings produced by github.com/google/uuid.
*/
package randx

import (
	"github.com/google/uuid"
)

// MessageID generates a standard UUID v4 string to serve as a unique identifier for a message.
func MessageID() string {
	return uuid.New().String()
}

// ConnectionID generates the identifier of a live connection.
func ConnectionID() string {
	return uuid.New().String()
}

