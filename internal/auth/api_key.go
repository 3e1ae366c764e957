package auth

import (
	"crypto/subtle"
	"errors"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// APIKeyVerifier admits any client holding the shared key. The key does not
// identify a peer, so callers pick their peer ID via the query string.
type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(apiKey string) (Principal, error) {
	if apiKey == "" || v.Expected == "" {
		return Principal{}, ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.Expected)) != 1 {
		return Principal{}, ErrInvalidCredentials
	}
	return Principal{}, nil
}
