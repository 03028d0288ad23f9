// Package auth resolves the caller of an HTTP request to a user id.
package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/p-arndt/sandflow/internal/errdefs"
)

// Result is all the core ever learns about a caller.
type Result struct {
	Success bool
	UserID  string
	Err     error
}

type Authenticator interface {
	Authenticate(r *http.Request) Result
}

type tokenEntry struct {
	token  []byte
	userID string
}

// TokenAuthenticator maps static bearer tokens to user ids.
type TokenAuthenticator struct {
	entries []tokenEntry
}

// NewTokenAuthenticator rejects tokens that map to an empty user id.
func NewTokenAuthenticator(tokens map[string]string) (*TokenAuthenticator, error) {
	a := &TokenAuthenticator{}
	for token, userID := range tokens {
		if token == "" || strings.TrimSpace(userID) == "" {
			return nil, fmt.Errorf("auth: token entries need a token and a user id")
		}
		a.entries = append(a.entries, tokenEntry{token: []byte(token), userID: userID})
	}
	return a, nil
}

func (a *TokenAuthenticator) Authenticate(r *http.Request) Result {
	header := r.Header.Get("Authorization")
	if header == "" {
		return Result{Err: fmt.Errorf("%w: missing authorization header", errdefs.ErrUnauthorized)}
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return Result{Err: fmt.Errorf("%w: expected a bearer token", errdefs.ErrUnauthorized)}
	}

	// Compare against every entry so timing does not reveal which matched.
	userID := ""
	for _, e := range a.entries {
		if subtle.ConstantTimeCompare(e.token, []byte(token)) == 1 {
			userID = e.userID
		}
	}
	if userID == "" {
		return Result{Err: fmt.Errorf("%w: invalid token", errdefs.ErrUnauthorized)}
	}
	return Result{Success: true, UserID: userID}
}

// Func adapts a function to Authenticator.
type Func func(r *http.Request) Result

func (f Func) Authenticate(r *http.Request) Result { return f(r) }
