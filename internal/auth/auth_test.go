package auth

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc/metadata"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		md      metadata.MD
		want    string
		wantErr bool
	}{
		{"bearer", metadata.Pairs("authorization", "Bearer agw_abc"), "agw_abc", false},
		{"lowercase bearer", metadata.Pairs("authorization", "bearer agw_abc"), "agw_abc", false},
		{"bare key", metadata.Pairs("authorization", "agw_abc"), "agw_abc", false},
		{"wrong prefix", metadata.Pairs("authorization", "Bearer tsk_abc"), "", true},
		{"missing header", metadata.Pairs("x-other", "1"), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := metadata.NewIncomingContext(context.Background(), tt.md)
			got, err := ExtractBearerToken(ctx)
			if tt.wantErr {
				if !errors.Is(err, ErrUnauthenticated) {
					t.Fatalf("expected ErrUnauthenticated, got %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("got %q, %v; want %q", got, err, tt.want)
			}
		})
	}

	if _, err := ExtractBearerToken(context.Background()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("no metadata: expected ErrUnauthenticated, got %v", err)
	}
}

func TestOperatorContext(t *testing.T) {
	ctx := context.Background()
	if OperatorID(ctx) != "" {
		t.Fatal("expected anonymous context")
	}
	ctx = WithOperator(ctx, &Operator{ID: "op-1"})
	if OperatorID(ctx) != "op-1" {
		t.Fatalf("OperatorID = %q", OperatorID(ctx))
	}
}

func TestStaticAuthenticator(t *testing.T) {
	a := NewStaticAuthenticator()
	op, err := a.Authenticate(context.Background(), "agw_dev_key_123")
	if err != nil || op.ID == "" {
		t.Fatalf("Authenticate = %+v, %v", op, err)
	}
	if _, err := a.Authenticate(context.Background(), "agw_"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("empty key: %v", err)
	}
}

type stubOperatorStore struct {
	row     *operatorRow
	err     error
	lookups atomic.Int32
}

func (s *stubOperatorStore) LookupByPrefix(_ context.Context, _ string) (*operatorRow, error) {
	s.lookups.Add(1)
	return s.row, s.err
}

func hashKey(t *testing.T, key string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(h)
}

func TestPostgresAuthenticator_ValidKeyIsCached(t *testing.T) {
	key := "agw_0123456789abcdef"
	store := &stubOperatorStore{row: &operatorRow{ID: "op-1", Name: "alice", Role: "admin", APIKeyHash: hashKey(t, key)}}
	a := newPostgresAuthenticatorWithStore(store, time.Minute, zap.NewNop())

	for i := 0; i < 3; i++ {
		op, err := a.Authenticate(context.Background(), key)
		if err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
		if op.ID != "op-1" || op.Role != "admin" {
			t.Fatalf("operator = %+v", op)
		}
	}
	if n := store.lookups.Load(); n != 1 {
		t.Fatalf("expected one store lookup, got %d", n)
	}
}

func TestPostgresAuthenticator_WrongKey(t *testing.T) {
	store := &stubOperatorStore{row: &operatorRow{ID: "op-1", APIKeyHash: hashKey(t, "agw_0123456789abcdef")}}
	a := newPostgresAuthenticatorWithStore(store, time.Minute, zap.NewNop())

	_, err := a.Authenticate(context.Background(), "agw_0123456789XXXXXX")
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestPostgresAuthenticator_UnknownPrefix(t *testing.T) {
	a := newPostgresAuthenticatorWithStore(&stubOperatorStore{err: sql.ErrNoRows}, time.Minute, zap.NewNop())
	_, err := a.Authenticate(context.Background(), "agw_0123456789abcdef")
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestPostgresAuthenticator_StoreErrorRejects(t *testing.T) {
	a := newPostgresAuthenticatorWithStore(&stubOperatorStore{err: errors.New("connection refused")}, time.Minute, zap.NewNop())
	_, err := a.Authenticate(context.Background(), "agw_0123456789abcdef")
	if err == nil {
		t.Fatal("a store failure must not authenticate")
	}
	if errors.Is(err, ErrUnauthenticated) {
		t.Fatal("store failures should be reported as such, not as bad credentials")
	}
}

func TestCache_StaleEntryRefreshesOnce(t *testing.T) {
	c := NewCache(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }
	c.Set("k", &Operator{ID: "op"})

	if r := c.Get("k"); !r.Hit || r.NeedsRefresh {
		t.Fatalf("fresh lookup = %+v", r)
	}

	now = now.Add(2 * time.Minute)
	first := c.Get("k")
	second := c.Get("k")
	if !first.Hit || !first.NeedsRefresh {
		t.Fatalf("first stale lookup = %+v", first)
	}
	if !second.Hit || second.NeedsRefresh {
		t.Fatalf("only one caller should refresh, second = %+v", second)
	}
}

func TestGenerateKey(t *testing.T) {
	k, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseAuthorization("Bearer " + k.Key); err != nil {
		t.Fatalf("generated key does not parse: %v", err)
	}
	if k.Prefix != k.Key[:len(k.Prefix)] {
		t.Fatal("prefix mismatch")
	}
	if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(k.Key)) != nil {
		t.Fatal("hash does not match key")
	}
}
