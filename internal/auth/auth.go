// Package auth authenticates operators calling the agent service with
// agw_ API keys.
package auth

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/metadata"
)

// KeyPrefix starts every operator API key.
const KeyPrefix = "agw_"

// Authenticator validates an operator API key.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Operator, error)
}

// Operator is an authenticated caller.
type Operator struct {
	ID   string
	Name string
	Role string // "admin" or "operator"
}

// ErrUnauthenticated is returned when no valid credentials are found.
var ErrUnauthenticated = errors.New("unauthenticated")

// ParseAuthorization extracts an agw_ key from an Authorization value.
func ParseAuthorization(value string) (string, error) {
	token := strings.TrimSpace(value)
	token = strings.TrimPrefix(token, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	if !strings.HasPrefix(token, KeyPrefix) {
		return "", ErrUnauthenticated
	}
	return token, nil
}

// ExtractBearerToken extracts an agw_ API key from gRPC metadata.
func ExtractBearerToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrUnauthenticated
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", ErrUnauthenticated
	}
	return ParseAuthorization(values[0])
}

type operatorKey struct{}

// WithOperator attaches op to ctx.
func WithOperator(ctx context.Context, op *Operator) context.Context {
	return context.WithValue(ctx, operatorKey{}, op)
}

// OperatorFromContext returns the operator attached by WithOperator, or nil.
func OperatorFromContext(ctx context.Context) *Operator {
	op, _ := ctx.Value(operatorKey{}).(*Operator)
	return op
}

// OperatorID returns the ID of the operator in ctx, or "" when anonymous.
func OperatorID(ctx context.Context) string {
	if op := OperatorFromContext(ctx); op != nil {
		return op.ID
	}
	return ""
}
