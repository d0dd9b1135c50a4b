package authorization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gotrs-io/datawallet/internal/models"
)

// consumeScript deletes the request and its expiry index entry only when the
// stored token matches.
var consumeScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return 0 end
local req = cjson.decode(v)
if req.token ~= ARGV[1] then return 0 end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`)

// markExpiredScript drops the expiry index entry only when the stored token
// matches. The request key itself lives on until its TTL.
var markExpiredScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return 0 end
local req = cjson.decode(v)
if req.token ~= ARGV[1] then return 0 end
return redis.call('ZREM', KEYS[2], ARGV[2])
`)

// RedisStore shares live requests between processes. Each request is a JSON
// string key; a sorted set scored by expiry lets the sweep find stale ones.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	logger    *log.Logger
}

// RedisOption customizes a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisRetention keeps expired requests readable for d so late callers
// receive Expired instead of NotFound.
func WithRedisRetention(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithRedisLogger overrides the logger.
func WithRedisLogger(logger *log.Logger) RedisOption {
	return func(s *RedisStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewRedisStore(client redis.UniversalClient, prefix string, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		prefix:    prefix,
		retention: DefaultRetention,
		logger:    log.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *RedisStore) key(taskID string) string {
	return s.prefix + "authz:req:" + taskID
}

func (s *RedisStore) expiryKey() string {
	return s.prefix + "authz:expiry"
}

func (s *RedisStore) Put(ctx context.Context, req *models.AuthorizationRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode authorization request: %w", err)
	}
	ttl := time.Until(req.ExpiresAt) + s.retention
	if ttl <= 0 {
		ttl = s.retention
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(req.TaskID), payload, ttl)
		pipe.ZAdd(ctx, s.expiryKey(), redis.Z{
			Score:  float64(req.ExpiresAt.UnixMilli()),
			Member: req.TaskID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("store authorization request %s: %w", req.TaskID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, taskID string) (*models.AuthorizationRequest, error) {
	raw, err := s.client.Get(ctx, s.key(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load authorization request %s: %w", taskID, err)
	}
	var req models.AuthorizationRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode authorization request %s: %w", taskID, err)
	}
	return &req, nil
}

func (s *RedisStore) Consume(ctx context.Context, taskID, token string) (bool, error) {
	n, err := consumeScript.Run(ctx, s.client, []string{s.key(taskID), s.expiryKey()}, token, taskID).Int()
	if err != nil {
		return false, fmt.Errorf("consume authorization request %s: %w", taskID, err)
	}
	return n == 1, nil
}

func (s *RedisStore) MarkExpired(ctx context.Context, taskID, token string) (bool, error) {
	n, err := markExpiredScript.Run(ctx, s.client, []string{s.key(taskID), s.expiryKey()}, token, taskID).Int()
	if err != nil {
		return false, fmt.Errorf("mark authorization request %s expired: %w", taskID, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Delete(ctx context.Context, taskID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(taskID))
		pipe.ZRem(ctx, s.expiryKey(), taskID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete authorization request %s: %w", taskID, err)
	}
	return nil
}

func (s *RedisStore) Expired(ctx context.Context, now time.Time) ([]*models.AuthorizationRequest, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan expired authorization requests: %w", err)
	}

	out := make([]*models.AuthorizationRequest, 0, len(ids))
	for _, id := range ids {
		req, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// The key outlived its retention before a sweep reached it.
			s.logger.Printf("[AUTH] dropping expiry entry for task=%s with no stored request", id)
			s.client.ZRem(ctx, s.expiryKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

var _ Store = (*RedisStore)(nil)
