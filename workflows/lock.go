package workflows

import (
	"context"
	"sync"
	"time"

	"chat-gateway/apperrors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TurnLocker grants one in-flight turn per conversation. Acquire fails with
// CONFLICT instead of waiting when the conversation is busy.
type TurnLocker interface {
	Acquire(ctx context.Context, conversationID uuid.UUID) (release func(), err error)
}

func errTurnInFlight(conversationID uuid.UUID) error {
	return apperrors.New(apperrors.LayerWorkflow, apperrors.TypeConflict,
		"a turn is already in flight for conversation "+conversationID.String(), nil)
}

// LocalLocker keeps locks in process memory.
type LocalLocker struct {
	mu   sync.Mutex
	held map[uuid.UUID]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[uuid.UUID]struct{})}
}

func (l *LocalLocker) Acquire(_ context.Context, conversationID uuid.UUID) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[conversationID]; busy {
		return nil, errTurnInFlight(conversationID)
	}
	l.held[conversationID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, conversationID)
			l.mu.Unlock()
		})
	}, nil
}

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker shares locks between gateway instances with SET NX PX. The
// TTL bounds how long a crashed holder can block a conversation.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl, prefix: "chat-gateway:turn-lock:"}
}

func (l *RedisLocker) Acquire(ctx context.Context, conversationID uuid.UUID) (func(), error) {
	key := l.prefix + conversationID.String()
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, apperrors.New(apperrors.LayerWorkflow, apperrors.TypeInternal, "acquire turn lock", err)
	}
	if !ok {
		return nil, errTurnInFlight(conversationID)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
		})
	}, nil
}
