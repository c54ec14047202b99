package orders

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-perfume-shop/internal/redisx"
)

// RedisIdempotency remembers the result of an order submission per user and client key.
type RedisIdempotency struct {
	Redis *redis.Client
}

func idemKey(userID, key string) string {
	return fmt.Sprintf(redisx.KeyIdemOrderCreate, userID, key)
}

func (r *RedisIdempotency) Lookup(ctx context.Context, userID, key string) (CreateResult, bool, error) {
	s, err := r.Redis.Get(ctx, idemKey(userID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return CreateResult{}, false, nil
	}
	if err != nil {
		return CreateResult{}, false, err
	}
	var res CreateResult
	if err := json.Unmarshal([]byte(s), &res); err != nil {
		return CreateResult{}, false, err
	}
	return res, true, nil
}

func (r *RedisIdempotency) Remember(ctx context.Context, userID, key string, res CreateResult) error {
	b, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return r.Redis.Set(ctx, idemKey(userID, key), b, redisx.TTLIdempotency).Err()
}
