package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	appmetrics "github.com/beamdrop/broker/internals/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrSessionNotFound is returned when a room has no session record, either
// because it was never created or because its TTL has expired.
var ErrSessionNotFound = errors.New("session not found")

// ErrStoreUnavailable wraps failures of the backing store. Callers treat it as
// fatal for the current request; no inline retries.
var ErrStoreUnavailable = errors.New("store unavailable")

// admitScript atomically admits a connection into the active set if it is
// below the slot limit, otherwise appends it to the wait queue. Doing both the
// cardinality check and the insert in one script closes the race where two
// concurrent joins observe the same sub-limit count.
//
// KEYS[1] = active set, KEYS[2] = queue
// ARGV[1] = connection id, ARGV[2] = slot limit, ARGV[3] = ttl seconds
// Returns {1} when admitted, {0, queueLen} when queued.
var admitScript = redis.NewScript(`
if redis.call("SCARD", KEYS[1]) < tonumber(ARGV[2]) then
	redis.call("SADD", KEYS[1], ARGV[1])
	redis.call("EXPIRE", KEYS[1], ARGV[3])
	return {1}
end
local len = redis.call("RPUSH", KEYS[2], ARGV[1])
redis.call("EXPIRE", KEYS[2], ARGV[3])
return {0, len}
`)

// departScript atomically removes a departing connection. If it held an active
// slot, the oldest queued connection (if any) is promoted into the freed slot.
// If it was only queued, it is removed from the queue wherever it sits.
//
// KEYS[1] = active set, KEYS[2] = queue
// ARGV[1] = connection id
// Returns {1, promotedId} / {1} when the connection was active, {0} otherwise.
var departScript = redis.NewScript(`
if redis.call("SREM", KEYS[1], ARGV[1]) == 1 then
	local head = redis.call("LPOP", KEYS[2])
	if head then
		redis.call("SADD", KEYS[1], head)
		return {1, head}
	end
	return {1}
end
redis.call("LREM", KEYS[2], 0, ARGV[1])
return {0}
`)

// AdmitResult reports the outcome of an admission attempt.
type AdmitResult struct {
	Active   bool
	Position int // 1-based queue position when not active
}

// DepartResult reports the outcome of a departure.
type DepartResult struct {
	WasActive bool
	Promoted  string // connection id promoted from the queue, if any
}

// Store is a typed facade over Redis for room session state. It holds no
// business rules; admission policy lives in the admission package.
type Store struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New connects to Redis and verifies the connection.
func New(addr, password string, db int, ttl time.Duration, logger *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	logger.Info("Redis connection established",
		zap.String("addr", addr),
		zap.Int("db", db),
	)

	return &Store{redis: client, ttl: ttl, logger: logger}, nil
}

// NewWithClient wraps an existing Redis client. Used by tests.
func NewWithClient(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Store {
	return &Store{redis: client, ttl: ttl, logger: logger}
}

func (s *Store) wrap(op string, err error) error {
	s.logger.Error("Redis operation failed",
		zap.String("op", op),
		zap.Error(err),
	)
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func (s *Store) ttlSeconds() int {
	return int(s.ttl / time.Second)
}

// track times one store operation for the latency histogram.
func track() func() {
	start := time.Now()
	return func() {
		appmetrics.RecordStoreLatency(time.Since(start))
	}
}

// CreateSession writes the session record for a room, clearing any stale
// active set or queue left under the same id, and stamps the shared TTL.
func (s *Store) CreateSession(ctx context.Context, roomID, ownerConnID string) error {
	defer track()()

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, RoomActiveKey(roomID), RoomQueueKey(roomID))
		pipe.HSet(ctx, RoomKey(roomID), map[string]interface{}{
			fieldOwner:     ownerConnID,
			fieldCreatedAt: time.Now().UTC().Format(time.RFC3339),
		})
		pipe.Expire(ctx, RoomKey(roomID), s.ttl)
		return nil
	})
	if err != nil {
		return s.wrap("create session", err)
	}
	return nil
}

// Owner returns the connection id that created the room, or ErrSessionNotFound
// when the room does not exist or has expired.
func (s *Store) Owner(ctx context.Context, roomID string) (string, error) {
	defer track()()

	owner, err := s.redis.HGet(ctx, RoomKey(roomID), fieldOwner).Result()
	if err == redis.Nil {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", s.wrap("get owner", err)
	}
	return owner, nil
}

// ActiveCount returns the current cardinality of the room's active set.
func (s *Store) ActiveCount(ctx context.Context, roomID string) (int, error) {
	defer track()()

	n, err := s.redis.SCard(ctx, RoomActiveKey(roomID)).Result()
	if err != nil {
		return 0, s.wrap("active count", err)
	}
	return int(n), nil
}

// AddActive inserts a connection into the active set and refreshes the key's
// expiry to the session TTL.
func (s *Store) AddActive(ctx context.Context, roomID, connID string) error {
	defer track()()

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, RoomActiveKey(roomID), connID)
		pipe.Expire(ctx, RoomActiveKey(roomID), s.ttl)
		return nil
	})
	if err != nil {
		return s.wrap("add active", err)
	}
	return nil
}

// RemoveActive removes a connection from the active set, reporting whether it
// was a member.
func (s *Store) RemoveActive(ctx context.Context, roomID, connID string) (bool, error) {
	defer track()()

	n, err := s.redis.SRem(ctx, RoomActiveKey(roomID), connID).Result()
	if err != nil {
		return false, s.wrap("remove active", err)
	}
	return n > 0, nil
}

// Enqueue appends a connection to the tail of the wait queue and returns its
// 1-based position.
func (s *Store) Enqueue(ctx context.Context, roomID, connID string) (int, error) {
	defer track()()

	var push *redis.IntCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		push = pipe.RPush(ctx, RoomQueueKey(roomID), connID)
		pipe.Expire(ctx, RoomQueueKey(roomID), s.ttl)
		return nil
	})
	if err != nil {
		return 0, s.wrap("enqueue", err)
	}
	return int(push.Val()), nil
}

// DequeueOldest pops the head of the wait queue. Returns an empty id when the
// queue is empty.
func (s *Store) DequeueOldest(ctx context.Context, roomID string) (string, error) {
	defer track()()

	connID, err := s.redis.LPop(ctx, RoomQueueKey(roomID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", s.wrap("dequeue oldest", err)
	}
	return connID, nil
}

// RemoveFromQueue removes a connection from the wait queue wherever it sits.
// No-op when the connection is not queued.
func (s *Store) RemoveFromQueue(ctx context.Context, roomID, connID string) error {
	defer track()()

	if err := s.redis.LRem(ctx, RoomQueueKey(roomID), 0, connID).Err(); err != nil {
		return s.wrap("remove from queue", err)
	}
	return nil
}

// DestroySession deletes the session record, active set and queue as one
// atomic unit.
func (s *Store) DestroySession(ctx context.Context, roomID string) error {
	defer track()()

	err := s.redis.Del(ctx, RoomKey(roomID), RoomActiveKey(roomID), RoomQueueKey(roomID)).Err()
	if err != nil {
		return s.wrap("destroy session", err)
	}
	return nil
}

// Admit runs the atomic check-and-add primitive: the connection either takes a
// free active slot or lands at the tail of the wait queue.
func (s *Store) Admit(ctx context.Context, roomID, connID string, limit int) (AdmitResult, error) {
	defer track()()

	keys := []string{RoomActiveKey(roomID), RoomQueueKey(roomID)}
	res, err := admitScript.Run(ctx, s.redis, keys, connID, limit, s.ttlSeconds()).Slice()
	if err != nil {
		return AdmitResult{}, s.wrap("admit", err)
	}
	if len(res) > 0 {
		if admitted, ok := res[0].(int64); ok && admitted == 1 {
			return AdmitResult{Active: true}, nil
		}
	}
	result := AdmitResult{}
	if len(res) > 1 {
		if pos, ok := res[1].(int64); ok {
			result.Position = int(pos)
		}
	}
	return result, nil
}

// Depart runs the atomic departure primitive: frees the connection's active
// slot and promotes the oldest queued connection into it, or drops the
// connection from the queue if it never held a slot.
func (s *Store) Depart(ctx context.Context, roomID, connID string) (DepartResult, error) {
	defer track()()

	keys := []string{RoomActiveKey(roomID), RoomQueueKey(roomID)}
	res, err := departScript.Run(ctx, s.redis, keys, connID).Slice()
	if err != nil {
		return DepartResult{}, s.wrap("depart", err)
	}
	result := DepartResult{}
	if len(res) > 0 {
		if wasActive, ok := res[0].(int64); ok {
			result.WasActive = wasActive == 1
		}
	}
	if len(res) > 1 {
		if promoted, ok := res[1].(string); ok {
			result.Promoted = promoted
		}
	}
	return result, nil
}

// Ping checks store health.
func (s *Store) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

// Client exposes the underlying Redis client for pub/sub.
func (s *Store) Client() *redis.Client {
	return s.redis
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	if err := s.redis.Close(); err != nil {
		s.logger.Error("Failed to close Redis connection", zap.Error(err))
		return err
	}
	s.logger.Info("Session store closed")
	return nil
}
