package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrRoomExists   = errors.New("room already exists")
	ErrRoomNotFound = errors.New("room not found")
	ErrBadPassword  = errors.New("wrong room password")
)

// Registry stores room credentials. The relay never sees scoring content;
// the only durable state is a password hash per room name, with a TTL so
// abandoned rooms free their names.
type Registry interface {
	// CreateRoom claims a room name and stores the password hash.
	CreateRoom(ctx context.Context, room, password string) error
	// JoinRoom verifies the password against the stored hash.
	JoinRoom(ctx context.Context, room, password string) error
	Close() error
}

func hashPassword(password string) ([]byte, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash room password: %w", err)
	}
	return hash, nil
}

func comparePassword(hash []byte, password string) error {
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return ErrBadPassword
	}
	return nil
}

// MemoryRegistry is the single-process fallback used when no Redis URL is
// configured.
type MemoryRegistry struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	rooms map[string]memoryRoom
}

type memoryRoom struct {
	hash    []byte
	expires time.Time
}

func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	return &MemoryRegistry{
		ttl:   ttl,
		now:   time.Now,
		rooms: make(map[string]memoryRoom),
	}
}

func (m *MemoryRegistry) CreateRoom(ctx context.Context, room, password string) error {
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.rooms[room]; ok && m.now().Before(existing.expires) {
		return ErrRoomExists
	}
	m.rooms[room] = memoryRoom{hash: hash, expires: m.now().Add(m.ttl)}
	return nil
}

func (m *MemoryRegistry) JoinRoom(ctx context.Context, room, password string) error {
	m.mu.Lock()
	existing, ok := m.rooms[room]
	if ok && !m.now().Before(existing.expires) {
		delete(m.rooms, room)
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		return ErrRoomNotFound
	}
	return comparePassword(existing.hash, password)
}

func (m *MemoryRegistry) Close() error { return nil }

// RedisRegistry shares room credentials across relay instances.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisRegistry connects to Redis and verifies the connection before
// returning.
func NewRedisRegistry(redisURL string, ttl time.Duration) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisRegistryWithClient(client, ttl), nil
}

// NewRedisRegistryWithClient wraps an existing client, used by tests.
func NewRedisRegistryWithClient(client *redis.Client, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{client: client, prefix: "room:", ttl: ttl}
}

func (r *RedisRegistry) key(room string) string {
	return r.prefix + room
}

func (r *RedisRegistry) CreateRoom(ctx context.Context, room, password string) error {
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	created, err := r.client.SetNX(ctx, r.key(room), hash, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	if !created {
		return ErrRoomExists
	}
	return nil
}

func (r *RedisRegistry) JoinRoom(ctx context.Context, room, password string) error {
	hash, err := r.client.Get(ctx, r.key(room)).Bytes()
	if err == redis.Nil {
		return ErrRoomNotFound
	}
	if err != nil {
		return fmt.Errorf("look up room: %w", err)
	}
	return comparePassword(hash, password)
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

// Ping checks if Redis is reachable.
func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
