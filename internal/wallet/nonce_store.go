package wallet

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const noncePrefix = "dao-ledger:nonce:"

// RedisNonceStore keeps challenge nonces in redis with a TTL.
type RedisNonceStore struct {
	client *redis.Client
}

// NewRedisNonceStore parses a redis URL and returns a store backed by it.
func NewRedisNonceStore(url string) (*RedisNonceStore, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedisNonceStoreWithClient(redis.NewClient(options)), nil
}

// NewRedisNonceStoreWithClient wraps an existing client.
func NewRedisNonceStoreWithClient(client *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{client: client}
}

func (s *RedisNonceStore) Put(ctx context.Context, address Address, nonce string, ttl time.Duration) error {
	return s.client.Set(ctx, noncePrefix+address.String(), nonce, ttl).Err()
}

func (s *RedisNonceStore) Take(ctx context.Context, address Address) (string, error) {
	nonce, err := s.client.GetDel(ctx, noncePrefix+address.String()).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNonceNotFound
	}
	if err != nil {
		return "", err
	}
	return nonce, nil
}

// Ping checks connectivity.
func (s *RedisNonceStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *RedisNonceStore) Close() error {
	return s.client.Close()
}

type pendingNonce struct {
	value     string
	expiresAt time.Time
}

// MemoryNonceStore keeps challenge nonces in process memory.
type MemoryNonceStore struct {
	mu      sync.Mutex
	pending map[Address]pendingNonce
	clock   func() time.Time
}

// NewMemoryNonceStore returns an empty store. A nil clock uses time.Now.
func NewMemoryNonceStore(clock func() time.Time) *MemoryNonceStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryNonceStore{pending: make(map[Address]pendingNonce), clock: clock}
}

func (s *MemoryNonceStore) Put(_ context.Context, address Address, nonce string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[address] = pendingNonce{value: nonce, expiresAt: s.clock().Add(ttl)}
	return nil
}

func (s *MemoryNonceStore) Take(_ context.Context, address Address) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pending[address]
	if !ok {
		return "", ErrNonceNotFound
	}
	delete(s.pending, address)
	if !s.clock().Before(entry.expiresAt) {
		return "", ErrNonceNotFound
	}
	return entry.value, nil
}
