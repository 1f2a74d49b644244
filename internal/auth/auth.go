// Package auth validates registration tokens before a connection is
// allowed to become a session. Everything upstream of token validation
// (issuing, rotation, who approves an app) lives outside the hub.
package auth

import "errors"

var ErrInvalidToken = errors.New("invalid or expired registration token")

// Authenticator is invoked synchronously by the registration handlers. A
// rejection short-circuits before any session or connection state is
// touched.
type Authenticator interface {
	Authorize(token string) error
}

// StaticKeyAuthenticator accepts any token from a fixed key set. An empty
// key set means open registration, the development default.
type StaticKeyAuthenticator struct {
	keys map[string]struct{}
}

func NewStaticKeyAuthenticator(keys []string) *StaticKeyAuthenticator {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k != "" {
			set[k] = struct{}{}
		}
	}
	return &StaticKeyAuthenticator{keys: set}
}

func (a *StaticKeyAuthenticator) Authorize(token string) error {
	if len(a.keys) == 0 {
		return nil
	}
	if _, ok := a.keys[token]; !ok {
		return ErrInvalidToken
	}
	return nil
}
