// Package redis provides a Redis implementation of reconcile.IdempotencyStore.
// Claims are taken by Lua scripts so check-and-set is atomic across processes.
// Use it with reconcile.Config.Idempotency when several webhook replicas share
// one entity store that cannot host the records itself.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/payrecon/pkg/reconcile"
)

const (
	resultClaimed    = "claimed"
	resultDone       = "done"
	resultInProgress = "in_progress"
	resultNotFound   = "not_found"
	resultClaimLost  = "claim_lost"
)

// Storage implements reconcile.IdempotencyStore and reconcile.EventLister using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "payrecon:")
	KeyPrefix string

	// RecordTTL is how long an event record is kept after its last write (0 = no expiration)
	RecordTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "payrecon:",
		RecordTTL: 30 * 24 * time.Hour,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "payrecon:"
	}
	if config.RecordTTL < 0 {
		return nil, fmt.Errorf("record TTL must not be negative")
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts compiles the Lua scripts for atomic state transitions.
// Times are unix milliseconds. KEYS[2] is the index sorted by updated_at.
func (s *Storage) loadScripts() {
	s.scripts["begin"] = redis.NewScript(`
		local key = KEYS[1]
		local index = KEYS[2]
		local eventID = ARGV[1]
		local eventType = ARGV[2]
		local payload = ARGV[3]
		local now = tonumber(ARGV[4])
		local lockedUntil = ARGV[5]
		local ttl = tonumber(ARGV[6])

		local state = redis.call('HGET', key, 'state')
		if state == 'done' then
			return 'done'
		end
		if state == 'in_progress' then
			local current = tonumber(redis.call('HGET', key, 'locked_until') or '0')
			if current > now then
				return 'in_progress'
			end
		end

		if not state then
			redis.call('HSET', key,
				'event_type', eventType,
				'payload', payload,
				'attempts', 0,
				'last_error', '',
				'created_at', now)
		end
		redis.call('HSET', key, 'state', 'in_progress', 'locked_until', lockedUntil, 'updated_at', now)
		local attempts = redis.call('HINCRBY', key, 'attempts', 1)
		redis.call('ZADD', index, now, eventID)
		if ttl > 0 then
			redis.call('EXPIRE', key, ttl)
		end
		return 'claimed:' .. attempts
	`)

	// ARGV: event id, now, attempt, ttl, state, last error
	s.scripts["transition"] = redis.NewScript(`
		local key = KEYS[1]
		local state = redis.call('HGET', key, 'state')
		if not state then
			return 'not_found'
		end
		if state ~= 'in_progress' or redis.call('HGET', key, 'attempts') ~= ARGV[3] then
			return 'claim_lost'
		end
		redis.call('HSET', key, 'state', ARGV[5], 'last_error', ARGV[6], 'locked_until', 0, 'updated_at', ARGV[2])
		redis.call('ZADD', KEYS[2], tonumber(ARGV[2]), ARGV[1])
		if tonumber(ARGV[4]) > 0 then
			redis.call('EXPIRE', key, ARGV[4])
		end
		return ARGV[5]
	`)
}

// BeginEvent implements reconcile.IdempotencyStore
func (s *Storage) BeginEvent(ctx context.Context, req *reconcile.BeginRequest) (*reconcile.EventRecord, error) {
	if req == nil || req.EventID == "" {
		return nil, fmt.Errorf("%w: event id is required", reconcile.ErrMalformedEvent)
	}

	result, err := s.scripts["begin"].Run(ctx, s.client,
		[]string{s.eventKey(req.EventID), s.indexKey()},
		req.EventID,
		req.EventType,
		req.Payload,
		req.Now.UnixMilli(),
		req.Now.Add(req.Lease).UnixMilli(),
		s.ttlSeconds(),
	).Text()
	if err != nil {
		return nil, storeError("failed to claim event", err)
	}

	switch {
	case result == resultDone:
		return nil, reconcile.ErrEventDone
	case result == resultInProgress:
		return nil, reconcile.ErrEventInProgress
	case strings.HasPrefix(result, resultClaimed+":"):
		attempts, err := strconv.Atoi(strings.TrimPrefix(result, resultClaimed+":"))
		if err != nil {
			return nil, fmt.Errorf("unexpected claim result %q", result)
		}
		rec, err := s.GetEvent(ctx, req.EventID)
		if err != nil {
			return nil, err
		}
		// the script's count is the claim token even if the hash moved on since
		rec.Attempts = attempts
		return rec, nil
	default:
		return nil, fmt.Errorf("unexpected claim result %q", result)
	}
}

// CompleteEvent implements reconcile.IdempotencyStore
func (s *Storage) CompleteEvent(ctx context.Context, eventID string, attempt int, now time.Time) error {
	return s.transition(ctx, eventID, attempt, reconcile.EventDone, "", now)
}

// FailEvent implements reconcile.IdempotencyStore
func (s *Storage) FailEvent(ctx context.Context, eventID string, attempt int, reason string, now time.Time) error {
	return s.transition(ctx, eventID, attempt, reconcile.EventFailed, reason, now)
}

func (s *Storage) transition(
	ctx context.Context, eventID string, attempt int, state reconcile.EventState, reason string, now time.Time,
) error {
	result, err := s.scripts["transition"].Run(ctx, s.client,
		[]string{s.eventKey(eventID), s.indexKey()},
		eventID, now.UnixMilli(), attempt, s.ttlSeconds(), string(state), reason,
	).Text()
	if err != nil {
		return storeError("failed to mark event "+string(state), err)
	}
	switch result {
	case resultNotFound:
		return reconcile.ErrEntityNotFound
	case resultClaimLost:
		return reconcile.ErrClaimLost
	}
	return nil
}

// GetEvent implements reconcile.IdempotencyStore
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*reconcile.EventRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.eventKey(eventID)).Result()
	if err != nil {
		return nil, storeError("failed to get event", err)
	}
	if len(fields) == 0 {
		return nil, reconcile.ErrEntityNotFound
	}
	return decodeRecord(eventID, fields)
}

// ListEvents implements reconcile.EventLister, newest first. Index entries whose
// record has expired are pruned as they are found.
func (s *Storage) ListEvents(ctx context.Context, filter reconcile.EventFilter) ([]*reconcile.EventRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	out := make([]*reconcile.EventRecord, 0)
	var start int64
	const page = 100
	for len(out) < limit {
		ids, err := s.client.ZRevRange(ctx, s.indexKey(), start, start+page-1).Result()
		if err != nil {
			return nil, storeError("failed to list events", err)
		}
		if len(ids) == 0 {
			break
		}
		start += int64(len(ids))

		for _, id := range ids {
			rec, err := s.GetEvent(ctx, id)
			if errors.Is(err, reconcile.ErrEntityNotFound) {
				s.client.ZRem(ctx, s.indexKey(), id)
				continue
			}
			if err != nil {
				return nil, err
			}
			if filter.State != "" && rec.State != filter.State {
				continue
			}
			out = append(out, rec)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) eventKey(eventID string) string {
	return fmt.Sprintf("%sevent:%s", s.config.KeyPrefix, eventID)
}

func (s *Storage) indexKey() string {
	return s.config.KeyPrefix + "events"
}

func (s *Storage) ttlSeconds() int64 {
	return int64(s.config.RecordTTL / time.Second)
}

func decodeRecord(eventID string, fields map[string]string) (*reconcile.EventRecord, error) {
	attempts, err := strconv.Atoi(fields["attempts"])
	if err != nil {
		return nil, fmt.Errorf("invalid attempts on event %s: %w", eventID, err)
	}
	rec := &reconcile.EventRecord{
		EventID:   eventID,
		EventType: fields["event_type"],
		State:     reconcile.EventState(fields["state"]),
		Attempts:  attempts,
		LastError: fields["last_error"],
		CreatedAt: millis(fields["created_at"]),
		UpdatedAt: millis(fields["updated_at"]),
	}
	if p := fields["payload"]; p != "" {
		rec.Payload = []byte(p)
	}
	if rec.State == reconcile.EventInProgress {
		rec.LockedUntil = millis(fields["locked_until"])
	}
	return rec, nil
}

func millis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func storeError(msg string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return fmt.Errorf("%w: %s: %v", reconcile.ErrStoreUnavailable, msg, err)
}
