package jwt

import "github.com/golang-jwt/jwt"

// Payload defines the claims of a gateway identity token.
type Payload struct {
	// StandardClaims embeds the registered JWT fields such as Exp (Expiration),
	// Iat (Issued At), Iss (Issuer) and Sub (Subject).
	jwt.StandardClaims `json:"standard_claims"`

	// ID is the verified user id the token was issued for.
	ID string `json:"id"`

	// Name is the display name of the user at issue time.
	Name string `json:"name,omitempty"`
}
