package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// OperatorsSchema creates the table PostgresAuthenticator reads.
const OperatorsSchema = `
CREATE TABLE IF NOT EXISTS operators (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	role           TEXT NOT NULL DEFAULT 'operator',
	api_key_prefix TEXT NOT NULL UNIQUE,
	api_key_hash   TEXT NOT NULL,
	disabled       BOOLEAN NOT NULL DEFAULT FALSE
);
`

// prefixLen is the number of leading key characters stored in clear for lookup.
const prefixLen = 12

// OperatorStore abstracts DB queries for testability.
type OperatorStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*operatorRow, error)
}

type operatorRow struct {
	ID         string
	Name       string
	Role       string
	APIKeyHash string
}

// sqlOperatorStore is the real implementation using *sql.DB.
type sqlOperatorStore struct {
	db *sql.DB
}

func (s *sqlOperatorStore) LookupByPrefix(ctx context.Context, prefix string) (*operatorRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, role, api_key_hash
		FROM operators
		WHERE api_key_prefix = $1 AND NOT disabled
	`, prefix)

	var r operatorRow
	if err := row.Scan(&r.ID, &r.Name, &r.Role, &r.APIKeyHash); err != nil {
		return nil, err
	}
	return &r, nil
}

// PostgresAuthenticator validates API keys against the operators table.
type PostgresAuthenticator struct {
	store  OperatorStore
	cache  *Cache
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new PostgresAuthenticator.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	return newPostgresAuthenticatorWithStore(&sqlOperatorStore{db: cfg.DB}, cfg.CacheTTL, cfg.Logger)
}

// newPostgresAuthenticatorWithStore creates an authenticator with a custom store (for testing).
func newPostgresAuthenticatorWithStore(store OperatorStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresAuthenticator {
	if cacheTTL == 0 {
		cacheTTL = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresAuthenticator{
		store:  store,
		cache:  NewCache(cacheTTL),
		logger: logger,
	}
}

// Authenticate never fails open: a store error rejects the call.
func (a *PostgresAuthenticator) Authenticate(ctx context.Context, token string) (*Operator, error) {
	cached := a.cache.Get(token)
	if cached.Hit {
		if cached.NeedsRefresh {
			go a.refreshInBackground(token)
		}
		return cached.Operator, nil
	}

	op, err := a.authenticateFromDB(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("Authenticate: %w", err)
	}

	a.cache.Set(token, op)
	return op, nil
}

func (a *PostgresAuthenticator) authenticateFromDB(ctx context.Context, token string) (*Operator, error) {
	if len(token) < prefixLen || !strings.HasPrefix(token, KeyPrefix) {
		return nil, ErrUnauthenticated
	}

	row, err := a.store.LookupByPrefix(ctx, token[:prefixLen])
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("authenticateFromDB: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.APIKeyHash), []byte(token)); err != nil {
		return nil, ErrUnauthenticated
	}

	return &Operator{ID: row.ID, Name: row.Name, Role: row.Role}, nil
}

func (a *PostgresAuthenticator) refreshInBackground(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	op, err := a.authenticateFromDB(ctx, token)
	if errors.Is(err, ErrUnauthenticated) {
		// Key revoked or disabled since it was cached.
		a.cache.Delete(token)
		return
	}
	if err != nil {
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		return
	}
	a.cache.Set(token, op)
}

// GeneratedKey is a new operator API key with the values to store for it.
type GeneratedKey struct {
	Key    string // shown once to the operator
	Prefix string // api_key_prefix column
	Hash   string // api_key_hash column
}

// GenerateKey creates a random agw_ key and its bcrypt hash.
func GenerateKey() (*GeneratedKey, error) {
	key := KeyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("GenerateKey: %w", err)
	}
	return &GeneratedKey{Key: key, Prefix: key[:prefixLen], Hash: string(hash)}, nil
}
