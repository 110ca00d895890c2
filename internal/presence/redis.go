package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fentz26/fleetd/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding one field per instance.
const DefaultRedisKey = "fleetd:presence"

type redisClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Close() error
}

// RedisStore keeps presence in a Redis hash so instances on different
// machines see each other without a shared filesystem.
type RedisStore struct {
	client redisClient
	key    string
}

// NewRedisStore connects to address (a redis:// URL).
func NewRedisStore(address, key string) (*RedisStore, error) {
	if address == "" {
		address = "redis://127.0.0.1:6379"
	}
	options, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return newRedisStore(redis.NewClient(options), key), nil
}

func newRedisStore(client redisClient, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

// UpsertInstance writes the instance record under its id.
func (r *RedisStore) UpsertInstance(ctx context.Context, inst models.Instance) error {
	raw, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, r.key, inst.InstanceID, raw).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", r.key, err)
	}
	return nil
}

// ListInstances returns every instance in the hash, ordered by id. Entries
// that fail to decode are skipped.
func (r *RedisStore) ListInstances(ctx context.Context) ([]models.Instance, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", r.key, err)
	}
	out := make([]models.Instance, 0, len(fields))
	for id, raw := range fields {
		var inst models.Instance
		if err := json.Unmarshal([]byte(raw), &inst); err != nil {
			continue
		}
		if inst.InstanceID == "" {
			inst.InstanceID = id
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

// Close closes the client.
func (r *RedisStore) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
