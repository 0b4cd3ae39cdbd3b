package jwt

import (
	"net/http"
	"strings"
)

const (
	// QueryParam is the query parameter browsers use to pass the token on a websocket URL.
	QueryParam = "token"

	// CookieName is the cookie that may carry the token on the websocket handshake.
	CookieName = "chat-token"
)

// TokenFromRequest extracts the identity token from the handshake request.
// It checks, in order, the "Authorization: Bearer" header, the token query parameter
// and the chat-token cookie.
func TokenFromRequest(r *http.Request) (string, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" && parts[1] != "" {
			return parts[1], nil
		}
	}

	if token := r.URL.Query().Get(QueryParam); token != "" {
		return token, nil
	}

	if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}

	return "", ErrMissingToken
}
