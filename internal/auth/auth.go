// Package auth gates signaling access on a shared API key. Browser clients
// pass the key as a query parameter because the WebSocket API cannot set
// headers; non-browser clients may use a bearer token instead.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type Verifier interface {
	Verify(credential string) error
}

// NewVerifier returns the verifier for the configured key. An empty key
// disables the gate entirely, which is the dev default.
func NewVerifier(apiKey string) Verifier {
	if apiKey == "" {
		return allowAll{}
	}
	return APIKeyVerifier{Expected: apiKey}
}

type allowAll struct{}

func (allowAll) Verify(string) error { return nil }

// APIKeyVerifier accepts exactly the configured key. The compare is constant
// time; an empty expected key rejects everything rather than allowing it.
type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(credential string) error {
	if credential == "" || v.Expected == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(credential), []byte(v.Expected)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// CredentialFromRequest extracts the presented key: ?apiKey= first, then an
// Authorization bearer token. Returns "" when neither is present.
func CredentialFromRequest(r *http.Request) string {
	if key := r.URL.Query().Get("apiKey"); key != "" {
		return key
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return token
		}
	}
	return ""
}
