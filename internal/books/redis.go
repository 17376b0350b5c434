package books

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	jsoncodec "github.com/drblury/qdispatch/internal/runtime/jsoncodec"
)

const keyPrefix = "books:"

// RedisClient is the part of the go-redis client used by RedisStore.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisStore keeps one JSON document per book under books:<id>.
type RedisStore struct {
	client RedisClient
}

func NewRedisStore(client RedisClient) *RedisStore {
	return &RedisStore{client: client}
}

// OpenRedisStore connects to a redis:// URL. The connection is checked by Start.
func OpenRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(opts)), nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Book, error) {
	raw, err := s.client.Get(ctx, keyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Book{}, ErrNotFound
	}
	if err != nil {
		return Book{}, err
	}

	var book Book
	if err := jsoncodec.Unmarshal(raw, &book); err != nil {
		return Book{}, fmt.Errorf("decode book %s: %w", id, err)
	}
	return book, nil
}

func (s *RedisStore) Put(ctx context.Context, book Book) error {
	raw, err := jsoncodec.Marshal(book)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, keyPrefix+book.ID, raw, 0).Err()
}

func (s *RedisStore) Start(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (s *RedisStore) Stop(context.Context) error {
	return s.client.Close()
}
