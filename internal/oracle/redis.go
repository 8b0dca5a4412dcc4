package oracle

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"PerpSettle/internal/state"
)

const (
	fieldPrice     = "price"
	fieldTimestamp = "timestamp"
)

// RedisSource reads quotes written by an external price feeder. Each asset
// is a hash at price:<asset> holding the scaled integer price and the unix
// timestamp of the quote.
type RedisSource struct {
	rdb redis.Cmdable
}

func NewRedisSource(rdb redis.Cmdable) *RedisSource {
	return &RedisSource{rdb: rdb}
}

func priceKey(asset state.Asset) string {
	return "price:" + asset.String()
}

func (s *RedisSource) LastPrice(ctx context.Context, asset state.Asset) (state.PriceData, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, priceKey(asset)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return state.PriceData{}, false, nil
		}
		return state.PriceData{}, false, fmt.Errorf("redis hgetall %s: %w", priceKey(asset), err)
	}
	return parseQuote(fields)
}

// Publish writes a quote. Used by the admin surface and local tooling.
func (s *RedisSource) Publish(ctx context.Context, asset state.Asset, pd state.PriceData) error {
	err := s.rdb.HSet(ctx, priceKey(asset),
		fieldPrice, strconv.FormatInt(pd.Price, 10),
		fieldTimestamp, strconv.FormatInt(pd.Timestamp, 10),
	).Err()
	if err != nil {
		return fmt.Errorf("redis hset %s: %w", priceKey(asset), err)
	}
	return nil
}

// parseQuote converts a price hash. An empty hash means no quote.
func parseQuote(fields map[string]string) (state.PriceData, bool, error) {
	if len(fields) == 0 {
		return state.PriceData{}, false, nil
	}
	rawPrice, ok := fields[fieldPrice]
	if !ok {
		return state.PriceData{}, false, nil
	}
	price, err := strconv.ParseInt(rawPrice, 10, 64)
	if err != nil {
		return state.PriceData{}, false, fmt.Errorf("parse price %q: %w", rawPrice, err)
	}
	ts, err := strconv.ParseInt(fields[fieldTimestamp], 10, 64)
	if err != nil {
		return state.PriceData{}, false, fmt.Errorf("parse timestamp %q: %w", fields[fieldTimestamp], err)
	}
	return state.PriceData{Price: price, Timestamp: ts}, true, nil
}
