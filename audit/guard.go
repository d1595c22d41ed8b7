package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrSweepInFlight is returned when another sweep already holds the owner.
var ErrSweepInFlight = errors.New("sweep already in flight for owner")

// Guard keeps two sweeps from racing on the same owner's rows.
type Guard interface {
	Acquire(ctx context.Context, ownerID string) (release func(), err error)
}

// LocalGuard serialises sweeps within one process.
type LocalGuard struct {
	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewLocalGuard() *LocalGuard {
	return &LocalGuard{inflight: make(map[string]struct{})}
}

func (g *LocalGuard) Acquire(_ context.Context, ownerID string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.inflight[ownerID]; busy {
		return nil, ErrSweepInFlight
	}
	g.inflight[ownerID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.inflight, ownerID)
			g.mu.Unlock()
		})
	}, nil
}

const DefaultLockTTL = 30 * time.Minute

var unlockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisGuard serialises sweeps across processes sharing one Redis. The TTL
// frees the owner if a holder dies mid-sweep.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Entry
}

func NewRedisGuard(client *redis.Client, ttl time.Duration, logger *logrus.Entry) *RedisGuard {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &RedisGuard{
		client: client,
		ttl:    ttl,
		logger: logger.WithField("component", "sweep-guard"),
	}
}

func (g *RedisGuard) Acquire(ctx context.Context, ownerID string) (func(), error) {
	key := "expiryguard:sweep:" + ownerID
	token := uuid.NewString()

	ok, err := g.client.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sweep lock: %w", err)
	}
	if !ok {
		return nil, ErrSweepInFlight
	}

	return func() {
		// The sweep context may already be cancelled; release regardless.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		released, err := unlockScript.Run(ctx, g.client, []string{key}, token).Int()
		if err != nil {
			g.logger.Warnf("Could not release sweep lock for %s: %s", ownerID, err)
		} else if released == 0 {
			g.logger.Warnf("Sweep lock for %s expired before release", ownerID)
		}
	}, nil
}
