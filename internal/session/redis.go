package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaycast/relaycast/internal/common/cnst"
	"github.com/relaycast/relaycast/internal/common/config"
	"github.com/relaycast/relaycast/internal/common/errorx"
)

// RedisStore implements Store using Redis. It is the extension point for a
// distributed backing store: session metadata lives in a hash per session,
// retained events in a capped list, and sequence counters in Redis so that
// several coordinator processes could share one session space.
type RedisStore struct {
	logger *zap.Logger
	client *redis.Client
	prefix string
	ttl    time.Duration

	ttlIdle        time.Duration
	retainedEvents int
	criticalBytes  int64
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a new Redis-based session store
func NewRedisStore(logger *zap.Logger, cfg config.SessionConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test connection
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.Redis.Prefix
	if prefix == "" {
		prefix = "session"
	}

	return &RedisStore{
		logger:         logger.Named("session.store.redis"),
		client:         client,
		prefix:         prefix + ":",
		ttl:            cfg.Redis.TTL,
		ttlIdle:        cfg.TTLIdle,
		retainedEvents: cfg.RetainedEvents,
		criticalBytes:  cfg.MemoryCriticalBytes,
	}, nil
}

func (s *RedisStore) metaKey(id string) string   { return s.prefix + "meta:" + id }
func (s *RedisStore) eventsKey(id string) string { return s.prefix + "events:" + id }
func (s *RedisStore) seqKey(id string) string    { return s.prefix + "seq:" + id }
func (s *RedisStore) idsKey() string             { return s.prefix + "ids" }
func (s *RedisStore) bytesKey() string           { return s.prefix + "bytes" }

// GetOrCreate implements Store.GetOrCreate
func (s *RedisStore) GetOrCreate(ctx context.Context, id string) (Info, bool, error) {
	total, _ := s.TotalBytes(ctx)

	added, err := s.client.SAdd(ctx, s.idsKey(), id).Result()
	if err != nil {
		return Info{}, false, fmt.Errorf("failed to add session id: %w", err)
	}
	if added == 0 {
		info, err := s.Get(ctx, id)
		return info, false, err
	}

	// Fail closed for new sessions under critical memory pressure.
	if total >= s.criticalBytes {
		_ = s.client.SRem(ctx, s.idsKey(), id).Err()
		return Info{}, false, errorx.ErrCapacityExceeded
	}

	now := time.Now()
	if err := s.client.HSet(ctx, s.metaKey(id),
		"created_at", now.Format(time.RFC3339Nano),
		"last_activity", now.Format(time.RFC3339Nano),
		"status", cnst.SessionActive,
		"subscribers", 0,
		"bytes", 0,
	).Err(); err != nil {
		return Info{}, false, fmt.Errorf("failed to store session metadata: %w", err)
	}
	s.renewTTL(ctx, id)

	return Info{ID: id, CreatedAt: now, LastActivity: now, Status: cnst.SessionActive}, true, nil
}

// Get implements Store.Get
func (s *RedisStore) Get(ctx context.Context, id string) (Info, error) {
	fields, err := s.client.HGetAll(ctx, s.metaKey(id)).Result()
	if err != nil {
		return Info{}, fmt.Errorf("failed to get session metadata: %w", err)
	}
	if len(fields) == 0 {
		return Info{}, errorx.ErrSessionNotFound
	}
	return s.infoFromFields(id, fields), nil
}

// Append implements Store.Append
func (s *RedisStore) Append(ctx context.Context, id, eventType string, payload json.RawMessage) (Event, error) {
	status, err := s.status(ctx, id)
	if err != nil {
		return Event{}, err
	}
	if status == cnst.SessionClosed {
		return Event{}, errorx.ErrSessionClosed
	}

	next, err := s.client.Incr(ctx, s.seqKey(id)).Result()
	if err != nil {
		return Event{}, fmt.Errorf("failed to assign sequence: %w", err)
	}
	seq := uint64(next - 1)

	evt := Event{Sequence: seq, Type: eventType, Payload: payload, Timestamp: time.Now()}
	data, err := json.Marshal(&evt)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal event: %w", err)
	}

	delta := evt.Size()
	// Evict the oldest retained event before pushing past the cap.
	if count, err := s.client.LLen(ctx, s.eventsKey(id)).Result(); err == nil && count >= int64(s.retainedEvents) {
		if old, err := s.client.LPop(ctx, s.eventsKey(id)).Result(); err == nil {
			var oldEvt Event
			if err := json.Unmarshal([]byte(old), &oldEvt); err == nil {
				delta -= oldEvt.Size()
			}
		}
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.eventsKey(id), data)
	pipe.HSet(ctx, s.metaKey(id),
		"last_activity", evt.Timestamp.Format(time.RFC3339Nano),
		"status", cnst.SessionActive)
	pipe.HIncrBy(ctx, s.metaKey(id), "bytes", delta)
	pipe.IncrBy(ctx, s.bytesKey(), delta)
	if _, err := pipe.Exec(ctx); err != nil {
		return Event{}, fmt.Errorf("failed to append event: %w", err)
	}
	s.renewTTL(ctx, id)

	return evt, nil
}

// Replay implements Store.Replay
func (s *RedisStore) Replay(ctx context.Context, id string, fromSeq uint64) ([]Event, Window, bool, error) {
	status, err := s.status(ctx, id)
	if err != nil {
		return nil, Window{}, false, err
	}
	if status == cnst.SessionClosed {
		return nil, Window{}, false, errorx.ErrSessionClosed
	}

	raw, err := s.client.LRange(ctx, s.eventsKey(id), 0, -1).Result()
	if err != nil {
		return nil, Window{}, false, fmt.Errorf("failed to read retained events: %w", err)
	}

	next, err := s.client.Get(ctx, s.seqKey(id)).Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, Window{}, false, fmt.Errorf("failed to read sequence counter: %w", err)
	}

	window := Window{Next: next, Lowest: next}
	events := make([]Event, 0, len(raw))
	for _, item := range raw {
		var evt Event
		if err := json.Unmarshal([]byte(item), &evt); err != nil {
			s.logger.Error("failed to unmarshal retained event",
				zap.String("id", id),
				zap.Error(err))
			continue
		}
		events = append(events, evt)
	}
	window.Count = len(events)
	if len(events) > 0 {
		window.Lowest = events[0].Sequence
	}

	gap := window.Count > 0 && fromSeq < window.Lowest
	if !gap {
		filtered := events[:0]
		for _, evt := range events {
			if evt.Sequence >= fromSeq {
				filtered = append(filtered, evt)
			}
		}
		events = filtered
	}
	return events, window, gap, nil
}

// Touch implements Store.Touch
func (s *RedisStore) Touch(ctx context.Context, id string) error {
	if _, err := s.status(ctx, id); err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.metaKey(id),
		"last_activity", time.Now().Format(time.RFC3339Nano),
		"status", cnst.SessionActive).Err(); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	s.renewTTL(ctx, id)
	return nil
}

// AddSubscriber implements Store.AddSubscriber
func (s *RedisStore) AddSubscriber(ctx context.Context, id string) (int, error) {
	status, err := s.status(ctx, id)
	if err != nil {
		return 0, err
	}
	if status == cnst.SessionClosed {
		return 0, errorx.ErrSessionClosed
	}
	count, err := s.client.HIncrBy(ctx, s.metaKey(id), "subscribers", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to add subscriber: %w", err)
	}
	_ = s.Touch(ctx, id)
	return int(count), nil
}

// RemoveSubscriber implements Store.RemoveSubscriber
func (s *RedisStore) RemoveSubscriber(ctx context.Context, id string) (int, error) {
	if _, err := s.status(ctx, id); err != nil {
		return 0, err
	}
	count, err := s.client.HIncrBy(ctx, s.metaKey(id), "subscribers", -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to remove subscriber: %w", err)
	}
	if count < 0 {
		_ = s.client.HSet(ctx, s.metaKey(id), "subscribers", 0).Err()
		count = 0
	}
	return int(count), nil
}

// Close implements Store.Close
func (s *RedisStore) Close(ctx context.Context, id string) error {
	exists, err := s.client.SIsMember(ctx, s.idsKey(), id).Result()
	if err != nil {
		return fmt.Errorf("failed to check session id: %w", err)
	}
	if !exists {
		return errorx.ErrSessionNotFound
	}

	released, _ := s.client.HGet(ctx, s.metaKey(id), "bytes").Int64()

	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, s.idsKey(), id)
	pipe.Del(ctx, s.metaKey(id), s.eventsKey(id), s.seqKey(id))
	if released > 0 {
		pipe.DecrBy(ctx, s.bytesKey(), released)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}

// CloseExpired implements Store.CloseExpired
func (s *RedisStore) CloseExpired(ctx context.Context, id string) (bool, error) {
	fields, err := s.client.HGetAll(ctx, s.metaKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to get session metadata: %w", err)
	}
	if len(fields) == 0 {
		return false, nil
	}
	info := s.infoFromFields(id, fields)
	if info.Status != cnst.SessionExpiring || info.Subscribers > 0 {
		return false, nil
	}
	if err := s.Close(ctx, id); err != nil {
		if errors.Is(err, errorx.ErrSessionNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List implements Store.List
func (s *RedisStore) List(ctx context.Context) ([]Info, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list session ids: %w", err)
	}

	infos := make([]Info, 0, len(ids))
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, s.metaKey(id)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		infos = append(infos, s.infoFromFields(id, fields))
	}
	return infos, nil
}

// ListExpired implements Store.ListExpired
func (s *RedisStore) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list session ids: %w", err)
	}

	var expired []string
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, s.metaKey(id)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		info := s.infoFromFields(id, fields)
		if info.Subscribers == 0 && now.Sub(info.LastActivity) > s.ttlIdle && info.Status != cnst.SessionClosed {
			_ = s.client.HSet(ctx, s.metaKey(id), "status", cnst.SessionExpiring).Err()
			expired = append(expired, id)
		}
	}
	return expired, nil
}

// TotalBytes implements Store.TotalBytes
func (s *RedisStore) TotalBytes(ctx context.Context) (int64, error) {
	total, err := s.client.Get(ctx, s.bytesKey()).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read byte accounting: %w", err)
	}
	return total, nil
}

// Shutdown closes the Redis client.
func (s *RedisStore) Shutdown() error {
	return s.client.Close()
}

func (s *RedisStore) status(ctx context.Context, id string) (string, error) {
	status, err := s.client.HGet(ctx, s.metaKey(id), "status").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", errorx.ErrSessionNotFound
		}
		return "", fmt.Errorf("failed to read session status: %w", err)
	}
	return status, nil
}

func (s *RedisStore) renewTTL(ctx context.Context, id string) {
	for _, key := range []string{s.metaKey(id), s.eventsKey(id), s.seqKey(id), s.idsKey()} {
		if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
			s.logger.Warn("failed to renew session TTL",
				zap.String("id", id),
				zap.Error(err))
		}
	}
}

func (s *RedisStore) infoFromFields(id string, fields map[string]string) Info {
	info := Info{ID: id, Status: fields["status"]}
	if t, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		info.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["last_activity"]); err == nil {
		info.LastActivity = t
	}
	if n, err := strconv.Atoi(fields["subscribers"]); err == nil && n > 0 {
		info.Subscribers = n
	}
	if n, err := strconv.ParseInt(fields["bytes"], 10, 64); err == nil {
		info.Bytes = n
	}
	return info
}
