package kv

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/r3e-network/serverless-gateway/internal/apierrors"
)

// RedisStore is an optional KV backing for deployments that need the
// adapter's data to survive a gateway process restart or be shared across
// instances. It enforces the same quota contract as Store: the byte total
// is tracked in a separate per-project Redis key and checked in Go before
// each write,
// since Redis has no native per-namespace byte-quota primitive.
type RedisStore struct {
	client          *redis.Client
	limitForProject func(projectID string) int64
}

// NewRedisStore builds a RedisStore against an already-connected client.
func NewRedisStore(client *redis.Client, limitForProject func(projectID string) int64) *RedisStore {
	return &RedisStore{client: client, limitForProject: limitForProject}
}

func itemsKey(projectID string) string { return fmt.Sprintf("kv:%s:items", projectID) }
func usedKey(projectID string) string  { return fmt.Sprintf("kv:%s:used", projectID) }

// Get returns the value for key, or (nil, false) if absent.
func (r *RedisStore) Get(ctx context.Context, projectID, key string) ([]byte, bool) {
	v, err := r.client.HGet(ctx, itemsKey(projectID), key).Bytes()
	if err != nil {
		return nil, false
	}
	return v, true
}

// Set stores value under key via a WATCH/MULTI transaction so the quota
// check and write are atomic with respect to concurrent writers.
func (r *RedisStore) Set(ctx context.Context, projectID, key string, value []byte) error {
	limit := r.limitForProject(projectID)
	iKey, uKey := itemsKey(projectID), usedKey(projectID)

	txf := func(tx *redis.Tx) error {
		existing, err := tx.HGet(ctx, iKey, key).Bytes()
		if err != nil && err != redis.Nil {
			return err
		}
		used, err := tx.Get(ctx, uKey).Int64()
		if err != nil && err != redis.Nil {
			return err
		}

		delta := int64(len(value)) - int64(len(existing))
		newTotal := used + delta
		if limit > 0 && newTotal > limit {
			return quotaExceededErr(limit, used)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, iKey, key, value)
			pipe.Set(ctx, uKey, newTotal, 0)
			return nil
		})
		return err
	}

	return r.client.Watch(ctx, txf, iKey, uKey)
}

// Delete removes key, a no-op if absent.
func (r *RedisStore) Delete(ctx context.Context, projectID, key string) error {
	iKey, uKey := itemsKey(projectID), usedKey(projectID)
	txf := func(tx *redis.Tx) error {
		existing, err := tx.HGet(ctx, iKey, key).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		used, err := tx.Get(ctx, uKey).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, iKey, key)
			pipe.Set(ctx, uKey, used-int64(len(existing)), 0)
			return nil
		})
		return err
	}
	return r.client.Watch(ctx, txf, iKey, uKey)
}

// Usage reports the project's current byte consumption against its quota.
func (r *RedisStore) Usage(ctx context.Context, projectID string) Usage {
	limit := r.limitForProject(projectID)
	used, _ := r.client.Get(ctx, usedKey(projectID)).Int64()
	var pct float64
	if limit > 0 {
		pct = float64(used) / float64(limit) * 100
	}
	return Usage{Bytes: used, Limit: limit, Percent: pct}
}

func quotaExceededErr(limit, used int64) error {
	return apierrors.QuotaExceeded(limit, used)
}
