package lockout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethpandaops/keygate/pkg/config"
	"github.com/ethpandaops/keygate/pkg/domain"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	fieldFailed      = "failed_attempts"
	fieldWindowStart = "window_start"
	fieldLockedUntil = "locked_until"
	fieldVersion     = "version"
)

// Compile-time interface check.
var _ Store = (*redisStore)(nil)

type redisStore struct {
	log    logrus.FieldLogger
	client redis.UniversalClient
	prefix string
	policy Policy
}

// NewRedisClient connects to the configured Redis server.
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewRedisStore keeps lockout state in Redis hashes, one per user. Updates
// run in a WATCH/MULTI transaction so concurrent failures never race.
func NewRedisStore(
	log logrus.FieldLogger, client redis.UniversalClient, prefix string, policy Policy,
) Store {
	return &redisStore{
		log:    log.WithField("component", "lockout"),
		client: client,
		prefix: prefix,
		policy: policy,
	}
}

func (r *redisStore) key(userID string) string {
	return r.prefix + userID
}

func (r *redisStore) Get(ctx context.Context, userID string) (State, error) {
	data, err := r.client.HGetAll(ctx, r.key(userID)).Result()
	if err != nil {
		return State{}, domain.Unavailable(fmt.Errorf("reading lockout state: %w", err))
	}

	return decodeState(data), nil
}

func (r *redisStore) RecordFailure(
	ctx context.Context, userID string, now time.Time,
) (State, error) {
	key := r.key(userID)

	var next State

	txf := func(tx *redis.Tx) error {
		data, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}

		cur := decodeState(data)
		next = r.policy.Fail(cur, now)
		next.Version = nextVersion(cur.Version)

		ttl := r.policy.Window
		if next.LockedUntil != nil && r.policy.Duration > ttl {
			ttl = r.policy.Duration
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			p.HSet(ctx, key, encodeState(next))
			p.Expire(ctx, key, ttl+time.Minute)

			return nil
		})

		return err
	}

	for range maxSwapRetries {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return next, nil
		}

		if errors.Is(err, redis.TxFailedErr) {
			r.log.WithField("user_id", userID).Debug("Lockout state changed concurrently, retrying")

			continue
		}

		return State{}, domain.Unavailable(fmt.Errorf("recording failure: %w", err))
	}

	return State{}, domain.Unavailable(
		fmt.Errorf("recording failure for %s: too much contention", userID),
	)
}

func (r *redisStore) Reset(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, r.key(userID)).Err(); err != nil {
		return domain.Unavailable(fmt.Errorf("resetting lockout: %w", err))
	}

	return nil
}

func (r *redisStore) ResetIfUnchanged(
	ctx context.Context, userID string, observed State,
) (bool, error) {
	key := r.key(userID)

	var cleared bool

	txf := func(tx *redis.Tx) error {
		data, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}

		if decodeState(data).Version != observed.Version {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)

			return nil
		})
		if err != nil {
			return err
		}

		cleared = true

		return nil
	}

	err := r.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}

	if err != nil {
		return false, domain.Unavailable(fmt.Errorf("resetting lockout: %w", err))
	}

	return cleared, nil
}

// nextVersion continues a stored version, or starts a time-derived one so
// a recreated key never repeats an earlier version.
func nextVersion(cur int64) int64 {
	if cur == 0 {
		return time.Now().UnixNano()
	}

	return cur + 1
}

func encodeState(s State) map[string]any {
	values := map[string]any{
		fieldFailed:      s.FailedAttempts,
		fieldWindowStart: s.WindowStart.UnixMilli(),
		fieldVersion:     s.Version,
	}

	if s.LockedUntil != nil {
		values[fieldLockedUntil] = s.LockedUntil.UnixMilli()
	}

	return values
}

func decodeState(data map[string]string) State {
	var s State

	if raw, ok := data[fieldFailed]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			s.FailedAttempts = n
		}
	}

	if raw, ok := data[fieldWindowStart]; ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			s.WindowStart = time.UnixMilli(ms).UTC()
		}
	}

	if raw, ok := data[fieldVersion]; ok {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			s.Version = v
		}
	}

	if raw, ok := data[fieldLockedUntil]; ok && raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
			t := time.UnixMilli(ms).UTC()
			s.LockedUntil = &t
		}
	}

	return s
}
