/*
Package identity turns a websocket handshake into a verified user.

The handshake must carry a signed identity token. When a user directory is configured the
token's user id is also looked up there, and the directory's record wins over the claims.
*/
package identity

import (
	"context"
	"errors"
	"net/http"
	"time"

	"chatgw/internal/app/store"
	"chatgw/internal/app/user"
	"chatgw/internal/pkg/auth/jwt"
	"chatgw/internal/pkg/errs"
)

// Identity is the outcome of a successful handshake authentication.
type Identity struct {
	User user.User

	// Expiry is when the presented token stops being valid.
	Expiry time.Time
}

// Resolver authenticates handshakes with HS256 identity tokens.
type Resolver struct {
	secret    string
	directory store.UserDirectory
}

// NewResolver creates a resolver. directory may be nil, in which case the token claims
// are trusted as the user record.
func NewResolver(secret string, directory store.UserDirectory) *Resolver {
	return &Resolver{secret: secret, directory: directory}
}

// Authenticate verifies the handshake in r. Every failure is an errs.ErrUnauthorized
// CustomError wrapping the cause; a ctx deadline surfaces as context.DeadlineExceeded in the chain.
func (v *Resolver) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	token, err := jwt.TokenFromRequest(r)
	if err != nil {
		return Identity{}, errs.Wrap(err, errs.ErrUnauthorized)
	}

	claims, err := jwt.ParseToken(token, v.secret)
	if err != nil {
		return Identity{}, errs.Wrap(err, errs.ErrUnauthorized)
	}

	u := user.User{ID: claims.ID, Name: claims.Name}

	if v.directory != nil {
		found, err := v.directory.GetUser(ctx, claims.ID)
		if err != nil {
			return Identity{}, errs.Wrap(err, errs.ErrUnauthorized)
		}
		u = found
	}

	if err := ctx.Err(); err != nil {
		return Identity{}, errs.Wrap(err, errs.ErrUnauthorized)
	}

	return Identity{User: u, Expiry: claims.Expiry()}, nil
}

// IsUnknownUser reports whether err means the token named a user the directory does not know.
func IsUnknownUser(err error) bool {
	return errors.Is(err, store.ErrUserNotFound)
}
