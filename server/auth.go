package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

var ErrUnauthenticated = errors.New("authentication required")

// GuestCookie carries the guest id issued by GuestAuthenticator.
const GuestCookie = "pdfdesk_guest"

// Principal is the identity that owns sessions.
type Principal struct {
	ID    string
	Guest bool

	issued string
}

// Authenticator identifies the caller of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (Principal, error)
}

// GuestAuthenticator admits everyone. A caller without a guest cookie gets a
// fresh guest id, returned as a cookie with the response.
type GuestAuthenticator struct{}

func (GuestAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	if c, err := r.Cookie(GuestCookie); err == nil {
		if _, perr := uuid.Parse(c.Value); perr == nil {
			return Principal{ID: "guest:" + c.Value, Guest: true}, nil
		}
	}
	id := uuid.NewString()
	return Principal{ID: "guest:" + id, Guest: true, issued: id}, nil
}

// TokenAuthenticator accepts static bearer tokens mapped to principal names.
type TokenAuthenticator struct {
	Tokens map[string]string
}

func (a TokenAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	h := r.Header.Get("Authorization")
	tok, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || tok == "" {
		return Principal{}, ErrUnauthenticated
	}
	var who string
	for t, name := range a.Tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(tok)) == 1 {
			who = name
		}
	}
	if who == "" {
		return Principal{}, ErrUnauthenticated
	}
	return Principal{ID: "user:" + who}, nil
}
