package auth

import (
	"context"
	"strings"
)

// StaticAuthenticator is a development-only authenticator that accepts any agw_ key.
type StaticAuthenticator struct{}

func NewStaticAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{}
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (*Operator, error) {
	if !strings.HasPrefix(token, KeyPrefix) || len(token) <= len(KeyPrefix) {
		return nil, ErrUnauthenticated
	}
	id := token
	if len(id) > 12 {
		id = id[:12]
	}
	return &Operator{ID: "static-" + id, Name: "developer", Role: "admin"}, nil
}
