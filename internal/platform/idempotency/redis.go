package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix   = "fulfillment:idem:"
	defaultClaimAttempts = 3
)

// Each entry is a hash so the scripts can compare the fingerprint without decoding JSON.
var (
	claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'fingerprint', ARGV[1], 'state', 'pending', 'created_at', ARGV[2], 'expires_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

	completeScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'fingerprint')
if current and current ~= ARGV[1] then
  return -1
end
if not current then
  redis.call('HSET', KEYS[1], 'fingerprint', ARGV[1], 'created_at', ARGV[2])
end
redis.call('HSET', KEYS[1], 'state', 'completed', 'status', ARGV[3], 'header', ARGV[4], 'body', ARGV[5], 'expires_at', ARGV[6])
redis.call('PEXPIRE', KEYS[1], ARGV[7])
return 1
`)

	abandonScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'fingerprint') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
)

// RedisOption customises a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides the namespace prepended to every entry key.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			s.prefix = prefix
		}
	}
}

// RedisStore shares entries between API instances. Expiry is left to key TTLs.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("idempotency: redis client is required")
	}
	s := &RedisStore{client: client, prefix: defaultRedisPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Ping reports whether Redis is reachable; it backs the readiness check.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Claim(ctx context.Context, scope, fingerprint string, now time.Time, ttl time.Duration) (Claim, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	key := s.key(scope)

	for attempt := 0; attempt < defaultClaimAttempts; attempt++ {
		created, err := claimScript.Run(ctx, s.client, []string{key},
			fingerprint, formatTime(now), formatTime(now.Add(ttl)), ttl.Milliseconds()).Int()
		if err != nil {
			return Claim{}, fmt.Errorf("idempotency: claim: %w", err)
		}
		if created == 1 {
			return Claim{Outcome: OutcomeAcquired, Entry: Entry{
				Scope:       scope,
				Fingerprint: fingerprint,
				State:       EntryPending,
				CreatedAt:   now,
				ExpiresAt:   now.Add(ttl),
			}}, nil
		}

		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return Claim{}, fmt.Errorf("idempotency: load entry: %w", err)
		}
		if len(fields) == 0 {
			// expired between the script and the read
			continue
		}
		entry, err := decodeEntry(scope, fields)
		if err != nil {
			return Claim{}, err
		}
		return claimExisting(entry, fingerprint)
	}
	return Claim{}, errors.New("idempotency: claim did not settle")
}

func (s *RedisStore) Complete(ctx context.Context, scope, fingerprint string, resp StoredResponse, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	header, err := json.Marshal(replayableHeader(resp.Header))
	if err != nil {
		return fmt.Errorf("idempotency: encode header: %w", err)
	}
	result, err := completeScript.Run(ctx, s.client, []string{s.key(scope)},
		fingerprint, formatTime(now), resp.Status, header, resp.Body, formatTime(now.Add(ttl)), ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("idempotency: complete: %w", err)
	}
	if result < 0 {
		return ErrKeyReuse
	}
	return nil
}

func (s *RedisStore) Abandon(ctx context.Context, scope, fingerprint string) error {
	if err := abandonScript.Run(ctx, s.client, []string{s.key(scope)}, fingerprint).Err(); err != nil {
		return fmt.Errorf("idempotency: abandon: %w", err)
	}
	return nil
}

// Sweep is a no-op because Redis expires entries itself.
func (s *RedisStore) Sweep(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func (s *RedisStore) key(scope string) string {
	sum := sha256.Sum256([]byte(scope))
	return s.prefix + hex.EncodeToString(sum[:])
}

func decodeEntry(scope string, fields map[string]string) (Entry, error) {
	entry := Entry{
		Scope:       scope,
		Fingerprint: fields["fingerprint"],
		State:       EntryState(fields["state"]),
	}
	var err error
	if entry.CreatedAt, err = parseTime(fields["created_at"]); err != nil {
		return Entry{}, err
	}
	if entry.ExpiresAt, err = parseTime(fields["expires_at"]); err != nil {
		return Entry{}, err
	}
	if entry.State != EntryCompleted {
		return entry, nil
	}
	if entry.Response.Status, err = strconv.Atoi(fields["status"]); err != nil {
		return Entry{}, fmt.Errorf("idempotency: decode status: %w", err)
	}
	if raw := fields["header"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &entry.Response.Header); err != nil {
			return Entry{}, fmt.Errorf("idempotency: decode header: %w", err)
		}
	}
	if body := fields["body"]; body != "" {
		entry.Response.Body = []byte(body)
	}
	return entry, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("idempotency: decode time: %w", err)
	}
	return t, nil
}
