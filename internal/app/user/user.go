/*
Package user contains the identity of a connected chat participant.

A User is produced by the identity resolver when a connection is authenticated and
stays fixed for the lifetime of that connection.
*/
package user

// User represents the verified identity behind a live connection.
// Fields use JSON tags for serialization in websocket frames.
type User struct {

	// ID is the unique identifier of the user.
	ID string `json:"id"`

	// Name is the display name shown next to the user's messages.
	Name string `json:"name"`
}

// IsZero reports whether u carries no identity.
func (u User) IsZero() bool {
	return u.ID == ""
}
