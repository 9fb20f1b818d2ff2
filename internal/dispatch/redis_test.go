package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiniRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func newTestRedisBroker(t *testing.T) *RedisBroker {
	t.Helper()
	client, _ := newMiniRedis(t)
	b := NewRedisBroker(client)
	b.wait = time.Millisecond
	return b
}

func TestRedisBrokerLeaseExpiryRequeues(t *testing.T) {
	b := newTestRedisBroker(t)
	ctx := context.Background()
	if err := b.Publish(ctx, testQueue, "task-1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	first, err := b.Receive(ctx, testQueue, time.Minute)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if first.TaskID != "task-1" || first.Deliveries != 1 {
		t.Fatalf("first delivery got %+v want task-1 x1", first)
	}
	if _, err := b.Receive(ctx, testQueue, time.Minute); !errors.Is(err, ErrEmpty) {
		t.Fatalf("leased task must not be handed out again: got %v", err)
	}

	if n, err := b.Recover(ctx, testQueue, time.Now()); err != nil || n != 0 {
		t.Fatalf("live lease recovered: n=%d err=%v", n, err)
	}
	if n, err := b.Recover(ctx, testQueue, time.Now().Add(2*time.Minute)); err != nil || n != 1 {
		t.Fatalf("expired lease: n=%d err=%v want 1", n, err)
	}

	second, err := b.Receive(ctx, testQueue, time.Minute)
	if err != nil {
		t.Fatalf("Receive after recover: %v", err)
	}
	if second.TaskID != "task-1" || second.Deliveries != 2 {
		t.Fatalf("redelivery got %+v want task-1 x2", second)
	}

	if err := b.Ack(ctx, second); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if n := b.client.ZCard(ctx, inflightKey(testQueue)).Val(); n != 0 {
		t.Fatalf("leases after ack got %d want 0", n)
	}
	if n := b.client.HLen(ctx, deliveriesKey(testQueue)).Val(); n != 0 {
		t.Fatalf("delivery counts after ack got %d want 0", n)
	}
	if n, _ := b.Recover(ctx, testQueue, time.Now().Add(time.Hour)); n != 0 {
		t.Fatalf("acked task recovered %d times", n)
	}
}

func TestRedisBrokerNackDoesNotCountDelivery(t *testing.T) {
	b := newTestRedisBroker(t)
	ctx := context.Background()
	if err := b.Publish(ctx, testQueue, "task-1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	d, err := b.Receive(ctx, testQueue, time.Minute)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := b.Nack(ctx, d); err != nil {
		t.Fatalf("Nack: %v", err)
	}
	again, err := b.Receive(ctx, testQueue, time.Minute)
	if err != nil {
		t.Fatalf("Receive after nack: %v", err)
	}
	if again.TaskID != "task-1" || again.Deliveries != 1 {
		t.Fatalf("after nack got %+v want task-1 x1", again)
	}

	if err := b.Ack(ctx, again); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	// a late nack of an acked delivery must not requeue it
	if err := b.Nack(ctx, again); err != nil {
		t.Fatalf("Nack: %v", err)
	}
	if n := b.client.LLen(ctx, queueKey(testQueue)).Val(); n != 0 {
		t.Fatalf("queue length after late nack got %d want 0", n)
	}
}

func TestRedisBackendRoundTrip(t *testing.T) {
	client, mr := newMiniRedis(t)
	backend := NewRedisBackend(client, time.Hour)
	ctx := context.Background()

	if _, err := backend.Load(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("got %v want ErrTaskNotFound", err)
	}
	if _, err := backend.Update(ctx, "missing", func(*Task) error { return nil }); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("update missing got %v want ErrTaskNotFound", err)
	}

	if err := backend.Save(ctx, &Task{ID: "task-1", Name: "generate_video", State: StateQueued}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if ttl := mr.TTL(taskKey("task-1")); ttl != time.Hour {
		t.Fatalf("task ttl got %s want 1h", ttl)
	}
	task, err := backend.Load(ctx, "task-1")
	if err != nil || task.State != StateQueued || task.Name != "generate_video" {
		t.Fatalf("Load got %+v %v", task, err)
	}
}

func TestRedisBackendUpdateRetriesOnConflict(t *testing.T) {
	client, _ := newMiniRedis(t)
	backend := NewRedisBackend(client, time.Hour)
	ctx := context.Background()
	if err := backend.Save(ctx, &Task{ID: "task-1", State: StateQueued}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	calls := 0
	updated, err := backend.Update(ctx, "task-1", func(task *Task) error {
		calls++
		if calls == 1 {
			// another writer lands between WATCH and EXEC
			other := &Task{ID: "task-1", State: StateQueued, Progress: Progress{Percent: 10, Message: "Preparing video script..."}}
			if err := backend.Save(ctx, other); err != nil {
				return err
			}
		}
		task.State = StateRunning
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if calls != 2 {
		t.Fatalf("update ran %d times want 2", calls)
	}
	if updated.State != StateRunning || updated.Progress.Percent != 10 {
		t.Fatalf("update must apply on top of the concurrent write: %+v", updated)
	}

	stored, err := backend.Load(ctx, "task-1")
	if err != nil || stored.State != StateRunning || stored.Progress.Message != "Preparing video script..." {
		t.Fatalf("stored task got %+v %v", stored, err)
	}
}
