package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Sunnycharan27/loopyncapp-sub001/internal/config"
)

// Principal is what a verified credential says about the caller. PeerID is
// empty when the credential does not bind an identity (api keys).
type Principal struct {
	PeerID string
}

type Verifier interface {
	Verify(credential string) (Principal, error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return noneVerifier{}, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrMissingPeerID      = errors.New("missing peer id")
	ErrPeerIDMismatch     = errors.New("peer id does not match credential")
)

type noneVerifier struct{}

func (noneVerifier) Verify(string) (Principal, error) { return Principal{}, nil }

// CredentialFromRequest reads the credential from an "Authorization: Bearer"
// header, falling back to the apiKey/token query parameters that browsers
// must use for websocket upgrades.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	if mode == config.AuthModeNone {
		return "", nil
	}
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value), nil
		}
	}
	return CredentialFromQuery(mode, r.URL.Query())
}

// CredentialFromQuery prefers the parameter named after the mode but accepts
// the other one, so clients can use a single parameter name.
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	var first, second string
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		first, second = "apiKey", "token"
	case config.AuthModeJWT:
		first, second = "token", "apiKey"
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
	if v := q.Get(first); v != "" {
		return v, nil
	}
	if v := q.Get(second); v != "" {
		return v, nil
	}
	return "", ErrMissingCredentials
}

// Authenticate verifies the request credential and resolves the caller's
// peer ID. A peer ID bound by the credential wins; a "peer" query parameter
// that contradicts it is rejected.
func Authenticate(v Verifier, mode config.AuthMode, r *http.Request) (string, error) {
	cred, err := CredentialFromRequest(mode, r)
	if err != nil {
		return "", err
	}
	principal, err := v.Verify(cred)
	if err != nil {
		return "", err
	}

	requested := strings.TrimSpace(r.URL.Query().Get("peer"))
	switch {
	case principal.PeerID != "" && requested != "" && requested != principal.PeerID:
		return "", ErrPeerIDMismatch
	case principal.PeerID != "":
		return principal.PeerID, nil
	case requested != "":
		return requested, nil
	default:
		return "", ErrMissingPeerID
	}
}
