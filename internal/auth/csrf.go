package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
)

// NewCSRFToken returns a fresh random token for the double-submit cookie,
// independent of the JWTs.
func NewCSRFToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ValidCSRF performs the double-submit check: the cookie-carried token must
// equal the header-carried token, both non-empty. The comparison is constant
// time and consults no server-side state.
func ValidCSRF(cookieToken, headerToken string) bool {
	if cookieToken == "" || headerToken == "" {
		return false
	}
	if len(cookieToken) != len(headerToken) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookieToken), []byte(headerToken)) == 1
}
