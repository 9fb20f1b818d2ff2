package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout for queue q:
//
//	dispatch:q              list of ready task ids (LPUSH in, RPOP out)
//	dispatch:q:inflight     zset of leased ids scored by lease deadline (ms)
//	dispatch:q:deliveries   hash of id -> delivery count
func queueKey(q string) string      { return "dispatch:" + q }
func inflightKey(q string) string   { return "dispatch:" + q + ":inflight" }
func deliveriesKey(q string) string { return "dispatch:" + q + ":deliveries" }
func taskKey(id string) string      { return "dispatch:task:" + id }

var receiveScript = redis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
local n = redis.call('HINCRBY', KEYS[3], id, 1)
return {id, n}
`)

var nackScript = redis.NewScript(`
if redis.call('ZREM', KEYS[2], ARGV[1]) == 1 then
  redis.call('HINCRBY', KEYS[3], ARGV[1], -1)
  redis.call('RPUSH', KEYS[1], ARGV[1])
  return 1
end
return 0
`)

var recoverScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('RPUSH', KEYS[1], id)
end
return #ids
`)

// RedisBroker is a reliable queue: receiving moves the id into a lease zset
// in the same script, and a sweeper returns expired leases to the queue.
type RedisBroker struct {
	client redis.UniversalClient
	wait   time.Duration
}

func NewRedisBroker(client redis.UniversalClient) *RedisBroker {
	return &RedisBroker{client: client, wait: 500 * time.Millisecond}
}

func (b *RedisBroker) Publish(ctx context.Context, queue, taskID string) error {
	if err := b.client.LPush(ctx, queueKey(queue), taskID).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBroker) Receive(ctx context.Context, queue string, lease time.Duration) (Delivery, error) {
	deadline := time.Now().Add(lease).UnixMilli()
	keys := []string{queueKey(queue), inflightKey(queue), deliveriesKey(queue)}
	res, err := receiveScript.Run(ctx, b.client, keys, deadline).Slice()
	if errors.Is(err, redis.Nil) {
		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-time.After(b.wait):
		}
		return Delivery{}, ErrEmpty
	}
	if err != nil {
		return Delivery{}, fmt.Errorf("redis receive: %w", err)
	}
	if len(res) != 2 {
		return Delivery{}, fmt.Errorf("redis receive: unexpected reply %v", res)
	}
	id, _ := res[0].(string)
	n, _ := res[1].(int64)
	return Delivery{TaskID: id, Queue: queue, Receipt: id, Deliveries: int(n)}, nil
}

func (b *RedisBroker) Ack(ctx context.Context, d Delivery) error {
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, inflightKey(d.Queue), d.Receipt)
		p.HDel(ctx, deliveriesKey(d.Queue), d.TaskID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis ack: %w", err)
	}
	return nil
}

func (b *RedisBroker) Nack(ctx context.Context, d Delivery) error {
	keys := []string{queueKey(d.Queue), inflightKey(d.Queue), deliveriesKey(d.Queue)}
	if err := nackScript.Run(ctx, b.client, keys, d.Receipt).Err(); err != nil {
		return fmt.Errorf("redis nack: %w", err)
	}
	return nil
}

// Recover requeues up to 100 leases that expired before now.
func (b *RedisBroker) Recover(ctx context.Context, queue string, now time.Time) (int, error) {
	keys := []string{queueKey(queue), inflightKey(queue)}
	n, err := recoverScript.Run(ctx, b.client, keys, strconv.FormatInt(now.UnixMilli(), 10)).Int()
	if err != nil {
		return 0, fmt.Errorf("redis recover: %w", err)
	}
	return n, nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// RedisBackend stores each task as a JSON string with a TTL.
type RedisBackend struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisBackend(client redis.UniversalClient, ttl time.Duration) *RedisBackend {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisBackend{client: client, ttl: ttl}
}

func (r *RedisBackend) Save(ctx context.Context, task *Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, taskKey(task.ID), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis save task: %w", err)
	}
	return nil
}

func (r *RedisBackend) Load(ctx context.Context, id string) (*Task, error) {
	raw, err := r.client.Get(ctx, taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis load task: %w", err)
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &task, nil
}

// Update retries the optimistic transaction a few times when another writer
// touched the key between WATCH and EXEC.
func (r *RedisBackend) Update(ctx context.Context, id string, fn func(t *Task) error) (*Task, error) {
	key := taskKey(id)
	var out *Task
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrTaskNotFound
		}
		if err != nil {
			return err
		}
		var task Task
		if err := json.Unmarshal(raw, &task); err != nil {
			return fmt.Errorf("decode task: %w", err)
		}
		if err := fn(&task); err != nil {
			return err
		}
		updated, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, updated, r.ttl)
			return nil
		})
		if err == nil {
			out = &task
		}
		return err
	}
	for attempt := 0; attempt < 5; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("redis update task %s: too much contention", id)
}

var (
	_ Broker    = (*RedisBroker)(nil)
	_ Recoverer = (*RedisBroker)(nil)
	_ Pinger    = (*RedisBroker)(nil)
	_ Backend   = (*RedisBackend)(nil)
)
