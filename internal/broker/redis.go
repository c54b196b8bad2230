package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/basket/snapq/internal/fault"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "snapq"
	maxWatchRetries    = 64
	listBatch          = 256
)

// RedisStore keeps tasks as JSON records with a pending LIST, a lease ZSET
// and a delayed-retry ZSET per queue. Multi-key updates run in WATCH/MULTI
// transactions so the per-task version check holds across processes.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	now    Clock
	owned  bool
}

// OpenRedis connects using a redis:// URL.
func OpenRedis(ctx context.Context, url, prefix string, opts ...Option) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	s := NewRedis(redis.NewClient(opt), prefix, opts...)
	s.owned = true
	if err := s.Ping(ctx); err != nil {
		_ = s.rdb.Close()
		return nil, err
	}
	return s, nil
}

// NewRedis wraps an existing client. The caller keeps ownership of rdb.
func NewRedis(rdb *redis.Client, prefix string, opts ...Option) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	o := buildOptions(opts)
	return &RedisStore{rdb: rdb, prefix: prefix, now: o.clock}
}

func (s *RedisStore) taskKey(id string) string   { return s.prefix + ":task:" + id }
func (s *RedisStore) pendingKey(q string) string { return s.prefix + ":queue:" + q + ":pending" }
func (s *RedisStore) leasedKey(q string) string  { return s.prefix + ":queue:" + q + ":leased" }
func (s *RedisStore) delayedKey(q string) string { return s.prefix + ":queue:" + q + ":delayed" }
func (s *RedisStore) hashKey(h string) string    { return s.prefix + ":hash:" + h }
func (s *RedisStore) eventsKey(id string) string { return s.prefix + ":events:" + id }
func (s *RedisStore) kvKey(k string) string      { return s.prefix + ":kv:" + k }
func (s *RedisStore) queuesKey() string          { return s.prefix + ":queues" }
func (s *RedisStore) indexKey() string           { return s.prefix + ":tasks" }
func (s *RedisStore) seqKey() string             { return s.prefix + ":events:seq" }

func (s *RedisStore) Close() error {
	if s.owned {
		return s.rdb.Close()
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fault.E(fault.Transient, "broker.ping", err)
	}
	return nil
}

// watch runs f under WATCH on keys, retrying when a watched key changed.
func (s *RedisStore) watch(ctx context.Context, op string, f func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := s.rdb.Watch(ctx, f, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return classify(op, err)
	}
	return classify(op, ErrConflict)
}

func getTask(ctx context.Context, c redis.Cmdable, key string) (*Task, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}

func encodeJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return raw, nil
}

// eventRow is an event staged inside a WATCH transaction. Its seq is only
// claimed when the MULTI commits, so aborted transactions leave no gaps.
type eventRow struct {
	seq int64
	raw []byte
}

// transitionEvent builds the event row for t's current state. It watches
// the sequence key, so a concurrent transition aborts and retries tx.
func (s *RedisStore) transitionEvent(ctx context.Context, tx *redis.Tx, t *Task, from Status, reason, worker string) (eventRow, error) {
	if err := tx.Watch(ctx, s.seqKey()).Err(); err != nil {
		return eventRow{}, fmt.Errorf("watch event seq: %w", err)
	}
	last, err := tx.Get(ctx, s.seqKey()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return eventRow{}, fmt.Errorf("read event seq: %w", err)
	}
	raw, err := encodeJSON(Event{
		Seq:     last + 1,
		TaskID:  t.ID,
		Version: t.Version,
		From:    from,
		To:      t.Status,
		Reason:  reason,
		Worker:  worker,
		Error:   t.Error,
		At:      t.UpdatedAt,
	})
	if err != nil {
		return eventRow{}, err
	}
	return eventRow{seq: last + 1, raw: raw}, nil
}

func (s *RedisStore) appendEvent(ctx context.Context, pipe redis.Pipeliner, taskID string, ev eventRow) {
	pipe.Set(ctx, s.seqKey(), ev.seq, 0)
	pipe.RPush(ctx, s.eventsKey(taskID), ev.raw)
}

func (s *RedisStore) Push(ctx context.Context, task *Task) (*Task, error) {
	if task == nil || task.ID == "" || task.Queue == "" {
		return nil, fault.New(fault.Validation, "broker.push", "task id and queue are required")
	}
	var out *Task
	var dup bool
	keys := []string{s.taskKey(task.ID)}
	if task.Meta.ContentHash != "" {
		keys = append(keys, s.hashKey(task.Meta.ContentHash))
	}
	err := s.watch(ctx, "broker.push", func(tx *redis.Tx) error {
		dup = false
		if hash := task.Meta.ContentHash; hash != "" {
			ownerID, err := tx.Get(ctx, s.hashKey(hash)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("lookup content hash: %w", err)
			}
			if ownerID != "" {
				existing, err := getTask(ctx, tx, s.taskKey(ownerID))
				if err != nil && !errors.Is(err, ErrNotFound) {
					return err
				}
				if existing != nil && existing.Status != StatusFailure {
					out, dup = existing, true
					return nil
				}
			}
		}

		now := s.now()
		t := *task
		t.Status = StatusPending
		t.AttemptCount = 0
		t.Version = 1
		t.Result = nil
		t.Error = nil
		t.LeaseOwner = ""
		t.LeaseExpiresAt = nil
		t.CreatedAt = now
		t.UpdatedAt = now
		rec, err := encodeJSON(&t)
		if err != nil {
			return err
		}
		ev, err := s.transitionEvent(ctx, tx, &t, "", ReasonEnqueued, "")
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.taskKey(t.ID), rec, 0)
			pipe.RPush(ctx, s.pendingKey(t.Queue), t.ID)
			pipe.SAdd(ctx, s.queuesKey(), t.Queue)
			pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(ms(now)), Member: t.ID})
			s.appendEvent(ctx, pipe, t.ID, ev)
			if t.Meta.ContentHash != "" {
				pipe.Set(ctx, s.hashKey(t.Meta.ContentHash), t.ID, 0)
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = &t
		return nil
	}, keys...)
	if err != nil {
		return nil, err
	}
	if dup {
		return out, ErrDuplicate
	}
	return out, nil
}

func (s *RedisStore) PopLease(ctx context.Context, queue, workerID string, lease time.Duration) (*Task, []*Task, error) {
	reaped, err := s.ReapExpired(ctx, queue)
	if err != nil {
		return nil, nil, err
	}
	if err := s.promoteDue(ctx, queue); err != nil {
		return nil, reaped, err
	}
	var out *Task
	err = s.watch(ctx, "broker.pop_lease", func(tx *redis.Tx) error {
		out = nil
		id, err := tx.LIndex(ctx, s.pendingKey(queue), 0).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("peek pending: %w", err)
		}
		if err := tx.Watch(ctx, s.taskKey(id)).Err(); err != nil {
			return fmt.Errorf("watch task: %w", err)
		}
		t, err := getTask(ctx, tx, s.taskKey(id))
		if errors.Is(err, ErrNotFound) {
			// Purged record; drop the stale list entry.
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.LRem(ctx, s.pendingKey(queue), 1, id)
				return nil
			})
			if err == nil {
				err = redis.TxFailedErr
			}
			return err
		}
		if err != nil {
			return err
		}
		now := s.now()
		from := t.Status
		exp := now.Add(lease)
		t.Status = StatusStarted
		t.LeaseOwner = workerID
		t.LeaseExpiresAt = &exp
		t.VisibleAt = nil
		t.Version++
		t.UpdatedAt = now
		rec, err := encodeJSON(t)
		if err != nil {
			return err
		}
		ev, err := s.transitionEvent(ctx, tx, t, from, ReasonLeased, workerID)
		if err != nil {
			return err
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, s.pendingKey(queue), 1, id)
			pipe.ZAdd(ctx, s.leasedKey(queue), redis.Z{Score: float64(ms(exp)), Member: id})
			pipe.Set(ctx, s.taskKey(id), rec, 0)
			s.appendEvent(ctx, pipe, id, ev)
			return nil
		}); err != nil {
			return err
		}
		out = t
		return nil
	}, s.pendingKey(queue))
	if err != nil {
		return nil, reaped, err
	}
	if out == nil {
		return nil, reaped, ErrEmpty
	}
	return out, reaped, nil
}

// promoteDue moves delayed retries of queue whose backoff has elapsed to the
// pending tail, earliest first.
func (s *RedisStore) promoteDue(ctx context.Context, queue string) error {
	ids, err := s.rdb.ZRangeByScore(ctx, s.delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(ms(s.now()), 10),
	}).Result()
	if err != nil {
		return classify("broker.promote", fmt.Errorf("query delayed retries: %w", err))
	}
	for _, id := range ids {
		err := s.watch(ctx, "broker.promote", func(tx *redis.Tx) error {
			err := tx.ZScore(ctx, s.delayedKey(queue), id).Err()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("check delayed retry: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, s.delayedKey(queue), id)
				pipe.RPush(ctx, s.pendingKey(queue), id)
				return nil
			})
			return err
		}, s.delayedKey(queue))
		if err != nil {
			return err
		}
	}
	return nil
}

// settle writes t after a transition out of STARTED: clears its lease entry,
// requeues it on RETRY and releases its content hash on FAILURE.
func (s *RedisStore) settle(ctx context.Context, tx *redis.Tx, t *Task, reason, worker string) error {
	rec, err := encodeJSON(t)
	if err != nil {
		return err
	}
	ev, err := s.transitionEvent(ctx, tx, t, StatusStarted, reason, worker)
	if err != nil {
		return err
	}
	releaseHash := false
	if t.Status == StatusFailure && t.Meta.ContentHash != "" {
		owner, err := tx.Get(ctx, s.hashKey(t.Meta.ContentHash)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("lookup content hash: %w", err)
		}
		releaseHash = owner == t.ID
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.taskKey(t.ID), rec, 0)
		pipe.ZRem(ctx, s.leasedKey(t.Queue), t.ID)
		s.appendEvent(ctx, pipe, t.ID, ev)
		switch {
		case t.Status == StatusRetry && t.VisibleAt != nil:
			pipe.ZAdd(ctx, s.delayedKey(t.Queue), redis.Z{Score: float64(ms(*t.VisibleAt)), Member: t.ID})
		case t.Status == StatusRetry:
			pipe.RPush(ctx, s.pendingKey(t.Queue), t.ID)
		}
		if releaseHash {
			pipe.Del(ctx, s.hashKey(t.Meta.ContentHash))
		}
		return nil
	})
	return err
}

func (s *RedisStore) Ack(ctx context.Context, taskID, workerID string, version int64, result []byte) (*Task, error) {
	var out *Task
	err := s.watch(ctx, "broker.ack", func(tx *redis.Tx) error {
		now := s.now()
		t, err := getTask(ctx, tx, s.taskKey(taskID))
		if err != nil {
			return err
		}
		if err := checkHolder(t, workerID, version, now); err != nil {
			return err
		}
		t.Status = StatusSuccess
		t.Result = result
		t.LeaseOwner = ""
		t.LeaseExpiresAt = nil
		t.Version++
		t.UpdatedAt = now
		if err := s.settle(ctx, tx, t, ReasonAcked, workerID); err != nil {
			return err
		}
		out = t
		return nil
	}, s.taskKey(taskID))
	return out, err
}

func (s *RedisStore) Nack(ctx context.Context, taskID, workerID string, version int64, cause Cause, delay time.Duration) (*Task, error) {
	var out *Task
	err := s.watch(ctx, "broker.nack", func(tx *redis.Tx) error {
		now := s.now()
		t, err := getTask(ctx, tx, s.taskKey(taskID))
		if err != nil {
			return err
		}
		if err := checkHolder(t, workerID, version, now); err != nil {
			return err
		}
		if t.Meta.ContentHash != "" {
			if err := tx.Watch(ctx, s.hashKey(t.Meta.ContentHash)).Err(); err != nil {
				return fmt.Errorf("watch content hash: %w", err)
			}
		}
		_, reason := applyNack(t, cause, now, delay)
		if err := s.settle(ctx, tx, t, reason, workerID); err != nil {
			return err
		}
		out = t
		return nil
	}, s.taskKey(taskID))
	return out, err
}

func (s *RedisStore) ExtendLease(ctx context.Context, taskID, workerID string, lease time.Duration) (*Task, error) {
	var out *Task
	err := s.watch(ctx, "broker.extend_lease", func(tx *redis.Tx) error {
		now := s.now()
		t, err := getTask(ctx, tx, s.taskKey(taskID))
		if err != nil {
			return err
		}
		if err := checkHolder(t, workerID, 0, now); err != nil {
			return err
		}
		exp := now.Add(lease)
		t.LeaseExpiresAt = &exp
		t.UpdatedAt = now
		rec, err := encodeJSON(t)
		if err != nil {
			return err
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.taskKey(t.ID), rec, 0)
			pipe.ZAdd(ctx, s.leasedKey(t.Queue), redis.Z{Score: float64(ms(exp)), Member: t.ID})
			return nil
		}); err != nil {
			return err
		}
		out = t
		return nil
	}, s.taskKey(taskID))
	return out, err
}

func (s *RedisStore) ReapExpired(ctx context.Context, queue string) ([]*Task, error) {
	queues := []string{queue}
	if queue == "" {
		all, err := s.rdb.SMembers(ctx, s.queuesKey()).Result()
		if err != nil {
			return nil, classify("broker.reap", fmt.Errorf("list queues: %w", err))
		}
		queues = all
	}
	var out []*Task
	for _, q := range queues {
		now := s.now()
		ids, err := s.rdb.ZRangeByScore(ctx, s.leasedKey(q), &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(ms(now), 10),
		}).Result()
		if err != nil {
			return nil, classify("broker.reap", fmt.Errorf("query expired leases: %w", err))
		}
		for _, id := range ids {
			var reaped *Task
			err := s.watch(ctx, "broker.reap", func(tx *redis.Tx) error {
				reaped = nil
				t, err := getTask(ctx, tx, s.taskKey(id))
				if errors.Is(err, ErrNotFound) {
					return nil
				}
				if err != nil {
					return err
				}
				if t.Status != StatusStarted || t.LeaseExpiresAt == nil || now.Before(*t.LeaseExpiresAt) {
					return nil
				}
				if t.Meta.ContentHash != "" {
					if err := tx.Watch(ctx, s.hashKey(t.Meta.ContentHash)).Err(); err != nil {
						return fmt.Errorf("watch content hash: %w", err)
					}
				}
				owner := t.LeaseOwner
				status, reason := applyNack(t, leaseExpiredCause(now), now, 0)
				if status == StatusRetry {
					reason = ReasonLeaseExpired
				}
				if err := s.settle(ctx, tx, t, reason, owner); err != nil {
					return err
				}
				reaped = t
				return nil
			}, s.taskKey(id))
			if err != nil {
				return nil, err
			}
			if reaped != nil {
				out = append(out, reaped)
			}
		}
	}
	return out, nil
}

// kvEnvelope carries the expiry alongside the value so expiry follows the
// store clock rather than the server clock.
type kvEnvelope struct {
	Value     []byte `json:"v"`
	ExpiresAt int64  `json:"e,omitempty"`
}

func (s *RedisStore) readKV(ctx context.Context, c redis.Cmdable, key string, now time.Time) ([]byte, error) {
	raw, err := c.Get(ctx, s.kvKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get kv: %w", err)
	}
	var env kvEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode kv: %w", err)
	}
	if env.ExpiresAt != 0 && env.ExpiresAt <= ms(now) {
		return nil, nil
	}
	return env.Value, nil
}

func (s *RedisStore) CAS(ctx context.Context, key string, expected, next []byte, ttl time.Duration) (bool, error) {
	var swapped bool
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		swapped = false
		now := s.now()
		cur, err := s.readKV(ctx, tx, key, now)
		if err != nil {
			return err
		}
		if expected == nil {
			if cur != nil {
				return nil
			}
		} else if cur == nil || !bytes.Equal(cur, expected) {
			return nil
		}
		var raw []byte
		if next != nil {
			env := kvEnvelope{Value: next}
			if ttl > 0 {
				env.ExpiresAt = ms(now.Add(ttl))
			}
			if raw, err = encodeJSON(env); err != nil {
				return err
			}
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, s.kvKey(key))
				return nil
			}
			// Server-side expiry is only garbage collection; the envelope is
			// authoritative.
			var gc time.Duration
			if ttl > 0 {
				gc = 2*ttl + time.Minute
			}
			pipe.Set(ctx, s.kvKey(key), raw, gc)
			return nil
		}); err != nil {
			return err
		}
		swapped = true
		return nil
	}, s.kvKey(key))
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, classify("broker.cas", err)
	}
	return swapped, nil
}

func (s *RedisStore) Load(ctx context.Context, key string) ([]byte, error) {
	v, err := s.readKV(ctx, s.rdb, key, s.now())
	if err != nil {
		return nil, classify("broker.load", err)
	}
	return v, nil
}

func (s *RedisStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	t, err := getTask(ctx, s.rdb, s.taskKey(taskID))
	if err != nil {
		return nil, classify("broker.get_task", err)
	}
	return t, nil
}

func (s *RedisStore) ListTasks(ctx context.Context, filter Filter, after string, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}
	lower := "-inf"
	var afterScore float64
	if after != "" {
		score, err := s.rdb.ZScore(ctx, s.indexKey(), after).Result()
		if errors.Is(err, redis.Nil) {
			return nil, classify("broker.list_tasks", ErrNotFound)
		}
		if err != nil {
			return nil, classify("broker.list_tasks", fmt.Errorf("resolve cursor: %w", err))
		}
		afterScore = score
		lower = strconv.FormatFloat(score, 'f', -1, 64)
	}

	var out []*Task
	var offset int64
	for len(out) < limit {
		entries, err := s.rdb.ZRangeByScoreWithScores(ctx, s.indexKey(), &redis.ZRangeBy{
			Min:    lower,
			Max:    "+inf",
			Offset: offset,
			Count:  listBatch,
		}).Result()
		if err != nil {
			return nil, classify("broker.list_tasks", fmt.Errorf("scan index: %w", err))
		}
		if len(entries) == 0 {
			break
		}
		offset += int64(len(entries))
		for _, z := range entries {
			id, _ := z.Member.(string)
			if after != "" && z.Score == afterScore && id <= after {
				continue
			}
			t, err := getTask(ctx, s.rdb, s.taskKey(id))
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, classify("broker.list_tasks", err)
			}
			if filter.Queue != "" && t.Queue != filter.Queue {
				continue
			}
			if filter.Status != "" && t.Status != filter.Status {
				continue
			}
			out = append(out, t)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *RedisStore) Events(ctx context.Context, taskID string) ([]Event, error) {
	n, err := s.rdb.Exists(ctx, s.taskKey(taskID)).Result()
	if err != nil {
		return nil, classify("broker.events", fmt.Errorf("check task: %w", err))
	}
	if n == 0 {
		return nil, classify("broker.events", ErrNotFound)
	}
	raws, err := s.rdb.LRange(ctx, s.eventsKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, classify("broker.events", fmt.Errorf("read events: %w", err))
	}
	out := make([]Event, 0, len(raws))
	for _, raw := range raws {
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, classify("broker.events", fmt.Errorf("decode event: %w", err))
		}
		out = append(out, ev)
	}
	return out, nil
}

// Depth counts pending tasks and retries still waiting out their backoff.
func (s *RedisStore) Depth(ctx context.Context, queue string) (int, error) {
	var pending, delayed *redis.IntCmd
	if _, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pending = pipe.LLen(ctx, s.pendingKey(queue))
		delayed = pipe.ZCard(ctx, s.delayedKey(queue))
		return nil
	}); err != nil {
		return 0, classify("broker.depth", fmt.Errorf("queue length: %w", err))
	}
	return int(pending.Val() + delayed.Val()), nil
}

func (s *RedisStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	var purged int64
	var offset int64
	for {
		ids, err := s.rdb.ZRange(ctx, s.indexKey(), offset, offset+listBatch-1).Result()
		if err != nil {
			return purged, classify("broker.purge", fmt.Errorf("scan index: %w", err))
		}
		if len(ids) == 0 {
			return purged, nil
		}
		removed := int64(0)
		for _, id := range ids {
			t, err := getTask(ctx, s.rdb, s.taskKey(id))
			if err != nil && !errors.Is(err, ErrNotFound) {
				return purged, classify("broker.purge", err)
			}
			if t != nil && (!t.Status.Terminal() || !t.UpdatedAt.Before(before)) {
				continue
			}
			if _, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, s.taskKey(id), s.eventsKey(id))
				pipe.ZRem(ctx, s.indexKey(), id)
				return nil
			}); err != nil {
				return purged, classify("broker.purge", fmt.Errorf("delete task: %w", err))
			}
			removed++
			if t != nil {
				purged++
			}
		}
		offset += int64(len(ids)) - removed
	}
}
