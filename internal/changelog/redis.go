package changelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisTTL is how long a session's changelog survives in Redis after
// its last write.
const DefaultRedisTTL = 2 * time.Hour

// RedisStore keeps entries in Redis using three keys per session, written
// together by a Lua script:
//
//	changelog:version:{sid}      INCR counter, the current version
//	changelog:entry:{sid}:{v}    JSON entry
//	changelog:timeline:{sid}     sorted set of versions scored by version
type RedisStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisStore creates a store over an existing client. A zero ttl means
// DefaultRedisTTL.
func NewRedisStore(rdb redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

// DialRedis connects and pings, so callers can fall back when Redis is
// unreachable.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	return rdb, nil
}

func versionKey(sessionID string) string { return "changelog:version:" + sessionID }

func entryPrefix(sessionID string) string { return "changelog:entry:" + sessionID + ":" }

func entryKey(sessionID string, version int64) string {
	return entryPrefix(sessionID) + strconv.FormatInt(version, 10)
}

func timelineKey(sessionID string) string { return "changelog:timeline:" + sessionID }

// appendScript assigns the next version and writes the entry in one step,
// so a failed write never leaves a gap in the session's versions. Every
// check that can fail runs before INCR.
//
//	KEYS[1] version counter, KEYS[2] timeline
//	ARGV[1] entry key prefix, ARGV[2] entry JSON, ARGV[3] ttl seconds
var appendScript = redis.NewScript(`
local t = redis.call('TYPE', KEYS[2]).ok
if t ~= 'zset' and t ~= 'none' then
  return redis.error_reply('WRONGTYPE changelog timeline is a ' .. t)
end
local v = redis.call('INCR', KEYS[1])
local ttl = tonumber(ARGV[3])
redis.call('SET', ARGV[1] .. v, ARGV[2], 'EX', ttl)
redis.call('ZADD', KEYS[2], v, v)
redis.call('EXPIRE', KEYS[2], ttl)
redis.call('EXPIRE', KEYS[1], ttl)
return v
`)

// Append stores the entry without its version; readers take the version
// from the key.
func (s *RedisStore) Append(ctx context.Context, e *Entry) (int64, error) {
	stored := *e
	stored.VersionID = 0
	data, err := json.Marshal(&stored)
	if err != nil {
		return 0, fmt.Errorf("marshal entry: %w", err)
	}

	ttl := int64(s.ttl / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	v, err := appendScript.Run(ctx, s.rdb,
		[]string{versionKey(e.SessionID), timelineKey(e.SessionID)},
		entryPrefix(e.SessionID), data, ttl,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis append entry: %w", err)
	}
	return v, nil
}

func (s *RedisStore) CurrentVersion(ctx context.Context, sessionID string) (int64, error) {
	v, err := s.rdb.Get(ctx, versionKey(sessionID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis GET version: %w", err)
	}
	return v, nil
}

func (s *RedisStore) Get(ctx context.Context, sessionID string, version int64) (*Entry, error) {
	data, err := s.rdb.Get(ctx, entryKey(sessionID, version)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET entry: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}
	e.VersionID = version
	return &e, nil
}

// SetStatus rewrites the entry under WATCH so a concurrent writer cannot be
// silently overwritten. The remaining TTL is preserved.
func (s *RedisStore) SetStatus(ctx context.Context, sessionID string, version int64, status Status) error {
	key := entryKey(sessionID, version)
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("redis GET entry: %w", err)
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("unmarshal entry: %w", err)
		}
		e.RollbackStatus = status
		updated, err := json.Marshal(&e)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) List(ctx context.Context, sessionID string, limit int) ([]*Entry, error) {
	members, err := s.rdb.ZRevRange(ctx, timelineKey(sessionID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZREVRANGE timeline: %w", err)
	}
	if len(members) == 0 {
		return []*Entry{}, nil
	}

	keys := make([]string, 0, len(members))
	versions := make([]int64, 0, len(members))
	for _, m := range members {
		v, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		keys = append(keys, entryKey(sessionID, v))
		versions = append(versions, v)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis MGET entries: %w", err)
	}

	out := make([]*Entry, 0, len(vals))
	for i, raw := range vals {
		str, ok := raw.(string)
		if !ok {
			// expired between ZREVRANGE and MGET
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(str), &e); err != nil {
			return nil, fmt.Errorf("unmarshal entry: %w", err)
		}
		e.VersionID = versions[i]
		out = append(out, &e)
	}
	return out, nil
}
