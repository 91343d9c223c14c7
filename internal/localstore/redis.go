package localstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RedisStore persists each table as a hash of values plus a sorted set that
// remembers first-insertion order. Keys are scoped by namespace so several
// front-desk profiles can share one redis.
type RedisStore struct {
	redis     *redis.Client
	namespace string
	tracer    trace.Tracer
}

// NewRedisStore wraps a redis client. namespace defaults to "default".
func NewRedisStore(client *redis.Client, namespace string) *RedisStore {
	if client == nil {
		panic("localstore: redis client cannot be nil")
	}
	if namespace == "" {
		namespace = "default"
	}
	return &RedisStore{
		redis:     client,
		namespace: namespace,
		tracer:    otel.Tracer("barber.internal.localstore.redis"),
	}
}

// Client exposes the underlying client so the drain lock can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.redis
}

func (s *RedisStore) Open(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *RedisStore) GetAll(ctx context.Context, table Table) ([]Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	ctx, span := s.tracer.Start(ctx, "localstore.redis.get_all", trace.WithAttributes(attribute.String("barber.table", string(table))))
	defer span.End()

	keys, err := s.redis.ZRange(ctx, s.orderKey(table), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		span.RecordError(err)
		return nil, fmt.Errorf("localstore: list %s keys: %w", table, err)
	}
	if len(keys) == 0 {
		return []Record{}, nil
	}
	values, err := s.redis.HMGet(ctx, s.valuesKey(table), keys...).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("localstore: load %s values: %w", table, err)
	}
	out := make([]Record, 0, len(keys))
	for i, key := range keys {
		raw, ok := values[i].(string)
		if !ok {
			// order entry without a value: a torn write, skip it
			continue
		}
		out = append(out, Record{Key: key, Value: []byte(raw)})
	}
	return out, nil
}

func (s *RedisStore) Put(ctx context.Context, table Table, key string, value []byte) error {
	if err := checkTable(table); err != nil {
		return err
	}
	ctx, span := s.tracer.Start(ctx, "localstore.redis.put", trace.WithAttributes(attribute.String("barber.table", string(table))))
	defer span.End()

	seq, err := s.redis.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("localstore: next sequence: %w", err)
	}
	pipe := s.redis.TxPipeline()
	pipe.ZAddNX(ctx, s.orderKey(table), redis.Z{Score: float64(seq), Member: key})
	pipe.HSet(ctx, s.valuesKey(table), key, value)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("localstore: put %s/%s: %w", table, key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, table Table, key string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	ctx, span := s.tracer.Start(ctx, "localstore.redis.delete", trace.WithAttributes(attribute.String("barber.table", string(table))))
	defer span.End()

	pipe := s.redis.TxPipeline()
	pipe.ZRem(ctx, s.orderKey(table), key)
	pipe.HDel(ctx, s.valuesKey(table), key)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("localstore: delete %s/%s: %w", table, key, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.redis.Close()
}

func (s *RedisStore) valuesKey(table Table) string {
	return fmt.Sprintf("barber:%s:%s:values", s.namespace, table)
}

func (s *RedisStore) orderKey(table Table) string {
	return fmt.Sprintf("barber:%s:%s:order", s.namespace, table)
}

func (s *RedisStore) seqKey() string {
	return fmt.Sprintf("barber:%s:seq", s.namespace)
}
