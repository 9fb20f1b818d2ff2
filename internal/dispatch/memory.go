package dispatch

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

type lease struct {
	delivery Delivery
	deadline time.Time
}

// MemoryBroker is an in-process broker with the same lease semantics as the
// networked ones.
type MemoryBroker struct {
	mu         sync.Mutex
	queues     map[string][]string
	inflight   map[string]lease
	deliveries map[string]int
	seq        int
	wake       chan struct{}
	wait       time.Duration
	now        func() time.Time
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues:     make(map[string][]string),
		inflight:   make(map[string]lease),
		deliveries: make(map[string]int),
		wake:       make(chan struct{}, 1),
		wait:       200 * time.Millisecond,
		now:        time.Now,
	}
}

func (b *MemoryBroker) Publish(_ context.Context, queue, taskID string) error {
	b.mu.Lock()
	b.queues[queue] = append(b.queues[queue], taskID)
	b.mu.Unlock()
	b.signal()
	return nil
}

func (b *MemoryBroker) Receive(ctx context.Context, queue string, leaseFor time.Duration) (Delivery, error) {
	if d, ok := b.pop(queue, leaseFor); ok {
		return d, nil
	}
	timer := time.NewTimer(b.wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	case <-b.wake:
	case <-timer.C:
	}
	if d, ok := b.pop(queue, leaseFor); ok {
		return d, nil
	}
	return Delivery{}, ErrEmpty
}

func (b *MemoryBroker) pop(queue string, leaseFor time.Duration) (Delivery, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[queue]
	if len(q) == 0 {
		return Delivery{}, false
	}
	id := q[0]
	b.queues[queue] = q[1:]
	b.deliveries[id]++
	b.seq++
	d := Delivery{TaskID: id, Queue: queue, Receipt: strconv.Itoa(b.seq), Deliveries: b.deliveries[id]}
	b.inflight[d.Receipt] = lease{delivery: d, deadline: b.now().Add(leaseFor)}
	return d, true
}

func (b *MemoryBroker) Ack(_ context.Context, d Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inflight[d.Receipt]; ok {
		delete(b.inflight, d.Receipt)
		delete(b.deliveries, d.TaskID)
	}
	return nil
}

func (b *MemoryBroker) Nack(_ context.Context, d Delivery) error {
	b.mu.Lock()
	if _, ok := b.inflight[d.Receipt]; ok {
		delete(b.inflight, d.Receipt)
		b.deliveries[d.TaskID]--
		b.queues[d.Queue] = append([]string{d.TaskID}, b.queues[d.Queue]...)
	}
	b.mu.Unlock()
	b.signal()
	return nil
}

// Recover requeues deliveries whose lease expired before now.
func (b *MemoryBroker) Recover(_ context.Context, queue string, now time.Time) (int, error) {
	b.mu.Lock()
	n := 0
	for receipt, l := range b.inflight {
		if l.delivery.Queue == queue && now.After(l.deadline) {
			delete(b.inflight, receipt)
			b.queues[queue] = append(b.queues[queue], l.delivery.TaskID)
			n++
		}
	}
	b.mu.Unlock()
	if n > 0 {
		b.signal()
	}
	return n, nil
}

// Len reports queued plus in-flight deliveries for queue.
func (b *MemoryBroker) Len(queue string) (queued, inflight int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, l := range b.inflight {
		if l.delivery.Queue == queue {
			inflight++
		}
	}
	return len(b.queues[queue]), inflight
}

func (b *MemoryBroker) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// MemoryBackend keeps task records as JSON so callers never share pointers.
type MemoryBackend struct {
	mu    sync.Mutex
	tasks map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{tasks: make(map[string][]byte)}
}

func (m *MemoryBackend) Save(_ context.Context, task *Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = raw
	return nil
}

func (m *MemoryBackend) Load(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decode(id)
}

func (m *MemoryBackend) Update(_ context.Context, id string, fn func(t *Task) error) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, err := m.decode(id)
	if err != nil {
		return nil, err
	}
	if err := fn(task); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}
	m.tasks[id] = raw
	return task, nil
}

func (m *MemoryBackend) decode(id string) (*Task, error) {
	raw, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

var (
	_ Broker    = (*MemoryBroker)(nil)
	_ Recoverer = (*MemoryBroker)(nil)
	_ Backend   = (*MemoryBackend)(nil)
)
