package timeseries

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStore persists records in Redis sorted sets, one set per
// (class, segment, symbol), scored by timestamp for ordered range
// queries.
type RedisStore struct {
	client *redis.Client
	log    zerolog.Logger
	ctx    context.Context
}

// NewRedisStore connects to addr and verifies reachability with a
// PING. Connection failures are returned to the caller, who may fall
// back to NewMemoryStore per spec §4.7 step 1's "best-effort" boot
// contract.
func NewRedisStore(ctx context.Context, addr string, logger zerolog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return &RedisStore{
		client: client,
		log:    logger.With().Str("component", "timeseries.RedisStore").Logger(),
		ctx:    ctx,
	}, nil
}

func (s *RedisStore) AppendCore(key Key, record Record) error {
	return s.append(redisKey(ClassCore, key), record)
}

func (s *RedisStore) AppendAdvanced(key Key, record Record) error {
	return s.append(redisKey(ClassAdvanced, key), record)
}

func (s *RedisStore) append(redisSetKey string, record Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(s.ctx, redisSetKey, redis.Z{Score: float64(record.TimestampMs), Member: payload})
	pipe.ZRemRangeByScore(s.ctx, redisSetKey, "-inf", fmt.Sprintf("%d", time.Now().Add(-retentionWindow).UnixMilli()))
	pipe.Expire(s.ctx, redisSetKey, seriesTTL)
	_, err = pipe.Exec(s.ctx)
	return err
}

func (s *RedisStore) RangeCore(key Key, startMs, endMs int64, limit int) ([]Record, error) {
	return s.rangeOf(redisKey(ClassCore, key), startMs, endMs, limit)
}

func (s *RedisStore) RangeAdvanced(key Key, startMs, endMs int64, limit int) ([]Record, error) {
	return s.rangeOf(redisKey(ClassAdvanced, key), startMs, endMs, limit)
}

func (s *RedisStore) rangeOf(redisSetKey string, startMs, endMs int64, limit int) ([]Record, error) {
	min, max := scoreBound(startMs, "-inf"), scoreBound(endMs, "+inf")
	opt := &redis.ZRangeBy{Min: min, Max: max, Count: int64(limit)}
	raw, err := s.client.ZRangeByScore(s.ctx, redisSetKey, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("ranging %s: %w", redisSetKey, err)
	}
	return decodeAll(raw)
}

func (s *RedisStore) Recent(key Key, count int, includeAdvanced bool) ([]Record, []Record, error) {
	core, err := s.tail(redisKey(ClassCore, key), count)
	if err != nil {
		return nil, nil, err
	}
	if !includeAdvanced {
		return core, nil, nil
	}
	advanced, err := s.tail(redisKey(ClassAdvanced, key), count)
	if err != nil {
		return nil, nil, err
	}
	return core, advanced, nil
}

func (s *RedisStore) tail(redisSetKey string, count int) ([]Record, error) {
	raw, err := s.client.ZRevRangeByScore(s.ctx, redisSetKey, &redis.ZRangeBy{
		Min: "-inf", Max: "+inf", Count: int64(count),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("tailing %s: %w", redisSetKey, err)
	}
	records, err := decodeAll(raw)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

func (s *RedisStore) Stats(key Key) (KeyStats, error) {
	coreKey := redisKey(ClassCore, key)
	advKey := redisKey(ClassAdvanced, key)

	coreCount, err := s.client.ZCard(s.ctx, coreKey).Result()
	if err != nil {
		return KeyStats{}, fmt.Errorf("counting %s: %w", coreKey, err)
	}
	advCount, err := s.client.ZCard(s.ctx, advKey).Result()
	if err != nil {
		return KeyStats{}, fmt.Errorf("counting %s: %w", advKey, err)
	}

	startScore, _ := s.client.ZRangeWithScores(s.ctx, coreKey, 0, 0).Result()
	endScore, _ := s.client.ZRevRangeWithScores(s.ctx, coreKey, 0, 0).Result()

	var rng TimeRange
	if len(startScore) > 0 {
		rng.StartMs = int64(startScore[0].Score)
	}
	if len(endScore) > 0 {
		rng.EndMs = int64(endScore[0].Score)
	}

	return KeyStats{CoreCount: coreCount, AdvancedCount: advCount, Range: rng}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func redisKey(class Class, key Key) string {
	segment := "futures"
	if key.Spot {
		segment = "spot"
	}
	return fmt.Sprintf("ts:%s:%s:%s", class, segment, key.Symbol)
}

func scoreBound(ms int64, defaultVal string) string {
	if ms == 0 {
		return defaultVal
	}
	return fmt.Sprintf("%d", ms)
}

func decodeAll(raw []string) ([]Record, error) {
	out := make([]Record, 0, len(raw))
	for _, item := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
