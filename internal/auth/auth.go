// Package auth decides whether a relay session may attach under an identity.
//
// It intentionally avoids policy decisions and storage concerns.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator authenticates the token presented by identity during the relay
// handshake.
type Validator interface {
	Validate(identity, token string) error
}

// Open accepts every session. Development relays only.
type Open struct{}

func (Open) Validate(identity, token string) error {
	if strings.TrimSpace(identity) == "" {
		return ErrUnauthorized
	}
	return nil
}

// StaticToken is a single shared token for every identity.
// It is intended only for development and proofs of concept.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(_ string, token string) error {
	return compare(s.Token, token)
}

// TokenTable holds one token per identity.
type TokenTable map[string]string

func (t TokenTable) Validate(identity, token string) error {
	stored, ok := t[identity]
	if !ok {
		return ErrUnauthorized
	}
	return compare(stored, token)
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(identity, token string) error

func (f FuncValidator) Validate(identity, token string) error {
	return f(identity, token)
}

// Any accepts a session if any validator accepts it.
type Any []Validator

func (a Any) Validate(identity, token string) error {
	for _, v := range a {
		if v != nil && v.Validate(identity, token) == nil {
			return nil
		}
	}
	return ErrUnauthorized
}

func compare(stored, presented string) error {
	if stored == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) != 1 {
		return ErrUnauthorized
	}
	return nil
}
