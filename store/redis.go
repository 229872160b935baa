package store

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	bkerrors "github.com/vinayprograms/botkit/errors"
)

// Redis key layout defaults.
const (
	DefaultRedisPrefix = "botkit:worker:"
	DefaultRedisIndex  = "botkit:workers"
)

// RedisStore keeps one JSON value per worker and a set of known ids.
type RedisStore struct {
	client *redis.Client
	prefix string
	index  string
	owned  bool
}

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	// Client is an existing client. When nil, one is built from Addr.
	Client *redis.Client

	Addr     string
	Password string
	DB       int

	// Prefix is prepended to record ids. Default: "botkit:worker:"
	Prefix string

	// Index is the set holding every stored id. Default: "botkit:workers"
	Index string
}

// NewRedisStore creates a Redis-backed store and checks connectivity.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	s := &RedisStore{
		client: cfg.Client,
		prefix: cfg.Prefix,
		index:  cfg.Index,
	}
	if s.client == nil {
		if cfg.Addr == "" {
			return nil, bkerrors.InvalidInput("redis address required")
		}
		s.client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		s.owned = true
	}
	if s.prefix == "" {
		s.prefix = DefaultRedisPrefix
	}
	if s.index == "" {
		s.index = DefaultRedisIndex
	}

	if err := s.client.Ping(ctx).Err(); err != nil {
		if s.owned {
			_ = s.client.Close()
		}
		return nil, bkerrors.WrapWithCode(err, bkerrors.ErrCodeUnavailable, "redis ping")
	}
	return s, nil
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

// Save writes the record and adds its id to the index in one transaction.
func (s *RedisStore) Save(ctx context.Context, rec Record) error {
	if err := ValidateID(rec.ID); err != nil {
		return err
	}
	data, err := encode(rec)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(rec.ID), data, 0)
		pipe.SAdd(ctx, s.index, rec.ID)
		return nil
	})
	if err != nil {
		return s.wrap(err, "redis save")
	}
	return nil
}

// Load reads the record with the given id.
func (s *RedisStore) Load(ctx context.Context, id string) (Record, error) {
	if err := ValidateID(id); err != nil {
		return Record{}, err
	}
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, s.wrap(err, "redis load")
	}
	return decode(data)
}

// Delete removes the record and its index entry.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(id))
		pipe.SRem(ctx, s.index, id)
		return nil
	})
	if err != nil {
		return s.wrap(err, "redis delete")
	}
	return nil
}

// List reads every indexed record. Index entries whose value has
// disappeared are skipped.
func (s *RedisStore) List(ctx context.Context) ([]Record, error) {
	ids, err := s.client.SMembers(ctx, s.index).Result()
	if err != nil {
		return nil, s.wrap(err, "redis index")
	}
	if len(ids) == 0 {
		return []Record{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, s.wrap(err, "redis mget")
	}

	out := make([]Record, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decode([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

// Close closes the client if the store created it.
func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	if err := s.client.Close(); err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return ErrClosed
		}
		return s.wrap(err, "redis close")
	}
	return nil
}

func (s *RedisStore) wrap(err error, op string) error {
	if errors.Is(err, redis.ErrClosed) {
		return ErrClosed
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return bkerrors.Wrap(err, op)
	}
	return bkerrors.WrapWithCode(err, bkerrors.ErrCodeUnavailable, op)
}

var _ Store = (*RedisStore)(nil)
