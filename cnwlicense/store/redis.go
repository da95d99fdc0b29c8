package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "cnw:"
	redisMaxAttempts   = 256
)

// ErrTooManyRetries is returned when an optimistic unit of work keeps
// losing to concurrent writers.
var ErrTooManyRetries = errors.New("transaction retries exhausted")

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the prefix of every Redis key. Default: "cnw:".
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// RedisStore implements Store on a single Redis node. Units of work use
// WATCH/MULTI and are retried when a watched key changes.
//
// Key layout, with the default prefix:
//
//	cnw:license:{KEY}              hash of license fields
//	cnw:license:{KEY}:activations  hash instance_id -> activated_at
//	cnw:license:{KEY}:usage        hash metric -> value
//	cnw:licenses                   zset of keys scored by issued_at
//	cnw:activations:recent         zset of KEY/instance_id scored by activated_at
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(ctx context.Context, client *redis.Client, opts ...RedisOption) (*RedisStore, error) {
	s := &RedisStore{client: client, prefix: defaultRedisPrefix}
	for _, opt := range opts {
		opt(s)
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return s, nil
}

func (s *RedisStore) licenseKey(key string) string {
	return s.prefix + "license:{" + key + "}"
}

func (s *RedisStore) activationsKey(key string) string {
	return s.licenseKey(key) + ":activations"
}

func (s *RedisStore) usageKey(key string) string {
	return s.licenseKey(key) + ":usage"
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "licenses"
}

func (s *RedisStore) recentKey() string {
	return s.prefix + "activations:recent"
}

// redisReader is satisfied by *redis.Client and *redis.Tx.
type redisReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func recentMember(key, instanceID string) string {
	return key + "\x00" + instanceID
}

func (s *RedisStore) InsertLicense(ctx context.Context, lic License) error {
	fields, err := licenseFields(lic)
	if err != nil {
		return err
	}
	lk := s.licenseKey(lic.Key)
	return s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, lk).Result()
		if err != nil {
			return fmt.Errorf("insert license: %w", err)
		}
		if n > 0 {
			return ErrDuplicate
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, lk, fields)
			for metric, v := range lic.Usage {
				pipe.HSet(ctx, s.usageKey(lic.Key), metric, v)
			}
			pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(lic.IssuedAt.UnixMicro()), Member: lic.Key})
			return nil
		})
		return err
	}, lk)
}

func (s *RedisStore) GetLicense(ctx context.Context, key string) (*License, error) {
	return s.getLicense(ctx, s.client, key)
}

func (s *RedisStore) getLicense(ctx context.Context, c redisReader, key string) (*License, error) {
	fields, err := c.HGetAll(ctx, s.licenseKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("get license: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	lic, err := parseLicenseFields(fields)
	if err != nil {
		return nil, err
	}
	if lic.Usage, err = s.getUsage(ctx, c, key); err != nil {
		return nil, err
	}
	return lic, nil
}

func (s *RedisStore) getUsage(ctx context.Context, c redisReader, key string) (map[string]int64, error) {
	raw, err := c.HGetAll(ctx, s.usageKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	usage := make(map[string]int64, len(raw))
	for metric, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse usage %s: %w", metric, err)
		}
		usage[metric] = n
	}
	return usage, nil
}

func (s *RedisStore) ListLicenses(ctx context.Context, f ListFilter) ([]License, error) {
	keys, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	matched := []License{}
	for _, key := range keys {
		lic, err := s.GetLicense(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if f.ProductID != "" && lic.ProductID != f.ProductID {
			continue
		}
		if f.Status != "" && lic.Status != f.Status {
			continue
		}
		matched = append(matched, *lic)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].IssuedAt.Equal(matched[j].IssuedAt) {
			return matched[i].IssuedAt.After(matched[j].IssuedAt)
		}
		return matched[i].Key < matched[j].Key
	})
	if f.Offset >= len(matched) {
		return []License{}, nil
	}
	matched = matched[f.Offset:]
	if limit := listLimit(f); len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *RedisStore) DeleteLicense(ctx context.Context, key string) error {
	lk, ak := s.licenseKey(key), s.activationsKey(key)
	return s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, lk).Result()
		if err != nil {
			return fmt.Errorf("delete license: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		instances, err := tx.HKeys(ctx, ak).Result()
		if err != nil {
			return fmt.Errorf("delete license: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, lk, ak, s.usageKey(key))
			pipe.ZRem(ctx, s.indexKey(), key)
			for _, id := range instances {
				pipe.ZRem(ctx, s.recentKey(), recentMember(key, id))
			}
			return nil
		})
		return err
	}, lk, ak)
}

func (s *RedisStore) ListActivations(ctx context.Context, key string) ([]Activation, error) {
	raw, err := s.client.HGetAll(ctx, s.activationsKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}
	out := make([]Activation, 0, len(raw))
	for id, at := range raw {
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse activation time: %w", err)
		}
		out = append(out, Activation{Key: key, InstanceID: id, ActivatedAt: t.UTC()})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ActivatedAt.Equal(out[j].ActivatedAt) {
			return out[i].ActivatedAt.After(out[j].ActivatedAt)
		}
		return out[i].InstanceID > out[j].InstanceID
	})
	return out, nil
}

func (s *RedisStore) RecentActivations(ctx context.Context, limit int) ([]Activation, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	members, err := s.client.ZRevRangeWithScores(ctx, s.recentKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("recent activations: %w", err)
	}
	out := make([]Activation, 0, len(members))
	for _, m := range members {
		member, _ := m.Member.(string)
		key, id, ok := strings.Cut(member, "\x00")
		if !ok {
			continue
		}
		out = append(out, Activation{Key: key, InstanceID: id, ActivatedAt: time.UnixMicro(int64(m.Score)).UTC()})
	}
	return out, nil
}

func (s *RedisStore) Stats(ctx context.Context) (*Stats, error) {
	keys, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	st := &Stats{}
	for _, key := range keys {
		status, err := s.client.HGet(ctx, s.licenseKey(key), "status").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
		st.TotalLicenses++
		switch Status(status) {
		case StatusActive:
			st.ActiveLicenses++
		case StatusRevoked:
			st.RevokedLicenses++
		}
	}
	total, err := s.client.ZCard(ctx, s.recentKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	st.TotalActivations = int(total)
	if st.RecentActivations, err = s.RecentActivations(ctx, StatsRecentActivations); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *RedisStore) Atomically(ctx context.Context, key string, fn func(ctx context.Context, tx Tx) error) error {
	lk, ak, uk := s.licenseKey(key), s.activationsKey(key), s.usageKey(key)
	return s.watch(ctx, func(rtx *redis.Tx) error {
		tx := &redisTx{store: s, rtx: rtx, key: key}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if tx.pending.empty() {
			return nil
		}
		_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.apply(ctx, pipe, key, &tx.pending)
			return nil
		})
		return err
	}, lk, ak, uk)
}

func (s *RedisStore) apply(ctx context.Context, pipe redis.Pipeliner, key string, p *pending) {
	lk := s.licenseKey(key)
	if p.status != nil {
		pipe.HSet(ctx, lk, "status", string(p.status.status))
		if p.status.revokedAt != nil {
			pipe.HSet(ctx, lk, "revoked_at", p.status.revokedAt.UTC().Format(time.RFC3339Nano))
		} else {
			pipe.HDel(ctx, lk, "revoked_at")
		}
	}
	for _, a := range p.activations {
		pipe.HSet(ctx, s.activationsKey(key), a.InstanceID, a.ActivatedAt.UTC().Format(time.RFC3339Nano))
		pipe.ZAdd(ctx, s.recentKey(), redis.Z{
			Score:  float64(a.ActivatedAt.UnixMicro()),
			Member: recentMember(key, a.InstanceID),
		})
	}
	for metric, v := range p.usage {
		pipe.HSet(ctx, s.usageKey(key), metric, v)
	}
}

// watch runs fn under WATCH on keys, retrying when another client wins.
func (s *RedisStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < redisMaxAttempts; attempt++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		return err
	}
	return ErrTooManyRetries
}

// Close does not close the client; the caller owns it.
func (s *RedisStore) Close(_ context.Context) error {
	return nil
}

type redisTx struct {
	store   *RedisStore
	rtx     *redis.Tx
	key     string
	pending pending
}

func (t *redisTx) GetLicense(ctx context.Context, key string) (*License, error) {
	if err := checkScope(t.key, key); err != nil {
		return nil, err
	}
	lic, err := t.store.getLicense(ctx, t.rtx, key)
	if err != nil {
		return nil, err
	}
	t.pending.overlay(lic)
	return lic, nil
}

func (t *redisTx) UpdateStatus(ctx context.Context, key string, status Status, revokedAt *time.Time) error {
	if err := checkScope(t.key, key); err != nil {
		return err
	}
	n, err := t.rtx.Exists(ctx, t.store.licenseKey(key)).Result()
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	t.pending.setStatus(status, revokedAt)
	return nil
}

func (t *redisTx) CountActivations(ctx context.Context, key string) (int, error) {
	if err := checkScope(t.key, key); err != nil {
		return 0, err
	}
	n, err := t.rtx.HLen(ctx, t.store.activationsKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("count activations: %w", err)
	}
	return int(n) + len(t.pending.activations), nil
}

func (t *redisTx) ExistsActivation(ctx context.Context, key, instanceID string) (bool, error) {
	if err := checkScope(t.key, key); err != nil {
		return false, err
	}
	if t.pending.hasActivation(instanceID) {
		return true, nil
	}
	ok, err := t.rtx.HExists(ctx, t.store.activationsKey(key), instanceID).Result()
	if err != nil {
		return false, fmt.Errorf("find activation: %w", err)
	}
	return ok, nil
}

func (t *redisTx) InsertActivation(ctx context.Context, a Activation) error {
	exists, err := t.ExistsActivation(ctx, a.Key, a.InstanceID)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicate
	}
	t.pending.addActivation(a)
	return nil
}

func (t *redisTx) GetUsage(ctx context.Context, key string) (map[string]int64, error) {
	if err := checkScope(t.key, key); err != nil {
		return nil, err
	}
	usage, err := t.store.getUsage(ctx, t.rtx, key)
	if err != nil {
		return nil, err
	}
	return t.pending.overlayUsage(usage), nil
}

func (t *redisTx) SetUsage(ctx context.Context, key, metric string, value int64) error {
	if err := checkScope(t.key, key); err != nil {
		return err
	}
	t.pending.setUsage(metric, value)
	return nil
}

func licenseFields(lic License) (map[string]any, error) {
	limits, err := json.Marshal(lic.Limits)
	if err != nil {
		return nil, fmt.Errorf("encode limits: %w", err)
	}
	fields := map[string]any{
		"key":        lic.Key,
		"tier":       lic.Tier,
		"product_id": lic.ProductID,
		"issued_to":  lic.IssuedTo,
		"issued_at":  lic.IssuedAt.UTC().Format(time.RFC3339Nano),
		"expires_at": lic.ExpiresAt.UTC().Format(time.RFC3339Nano),
		"status":     string(lic.Status),
		"limits":     string(limits),
	}
	if lic.RevokedAt != nil {
		fields["revoked_at"] = lic.RevokedAt.UTC().Format(time.RFC3339Nano)
	}
	if lic.MaxActivations != nil {
		fields["max_activations"] = *lic.MaxActivations
	}
	return fields, nil
}

func parseLicenseFields(f map[string]string) (*License, error) {
	lic := &License{
		Key:       f["key"],
		Tier:      f["tier"],
		ProductID: f["product_id"],
		IssuedTo:  f["issued_to"],
		Status:    Status(f["status"]),
	}
	var err error
	if lic.IssuedAt, err = parseRedisTime(f["issued_at"]); err != nil {
		return nil, err
	}
	if lic.ExpiresAt, err = parseRedisTime(f["expires_at"]); err != nil {
		return nil, err
	}
	if v, ok := f["revoked_at"]; ok {
		t, err := parseRedisTime(v)
		if err != nil {
			return nil, err
		}
		lic.RevokedAt = &t
	}
	if err := json.Unmarshal([]byte(f["limits"]), &lic.Limits); err != nil {
		return nil, fmt.Errorf("decode limits: %w", err)
	}
	if v, ok := f["max_activations"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse max_activations: %w", err)
		}
		lic.MaxActivations = &n
	}
	return lic, nil
}

func parseRedisTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", v, err)
	}
	return t.UTC(), nil
}
