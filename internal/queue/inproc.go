package queue

import (
	"container/heap"
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var _ Fabric = (*Inproc)(nil)

// Inproc is the in-process fabric. It honors priority, delay, dedup, and
// at-least-once redelivery, so pipeline tests exercise the same contracts
// the JetStream fabric provides.
type Inproc struct {
	mu     sync.Mutex
	closed bool
	queues map[string]*inprocQueue
	subs   []*inprocSub

	// RedeliveryLimit caps handler retries per message (default 5).
	RedeliveryLimit int
	// JobTimeout bounds one handler invocation (default 10 min).
	JobTimeout time.Duration

	wg sync.WaitGroup
}

// NewInproc creates an in-process fabric.
func NewInproc() *Inproc {
	return &Inproc{
		queues:          make(map[string]*inprocQueue),
		RedeliveryLimit: 5,
		JobTimeout:      10 * time.Minute,
	}
}

type inprocMsg struct {
	data     []byte
	priority int
	readyAt  time.Time
	dedupKey string
	attempts int
	seq      int
}

// msgHeap orders by priority desc, then readyAt asc, then enqueue order.
type msgHeap []*inprocMsg

func (h msgHeap) Len() int { return len(h) }
func (h msgHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	if !h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].readyAt.Before(h[j].readyAt)
	}
	return h[i].seq < h[j].seq
}
func (h msgHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *msgHeap) Push(x interface{}) { *h = append(*h, x.(*inprocMsg)) }
func (h *msgHeap) Pop() interface{} {
	old := *h
	n := len(old)
	msg := old[n-1]
	*h = old[:n-1]
	return msg
}

type inprocQueue struct {
	mu      sync.Mutex
	pending msgHeap
	dedup   map[string]int // dedup key -> pending count
	wake    chan struct{}
	seq     int
}

func (q *inprocQueue) push(m *inprocMsg) {
	q.mu.Lock()
	q.seq++
	m.seq = q.seq
	heap.Push(&q.pending, m)
	if m.dedupKey != "" {
		q.dedup[m.dedupKey]++
	}
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop returns the next ready message, or the wait until one becomes ready.
func (q *inprocQueue) pop(now time.Time) (*inprocMsg, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, 0
	}
	// The heap is priority-ordered, so a high-priority delayed message can
	// shadow a ready low-priority one; scan for the first ready message.
	best := -1
	var minWait time.Duration
	for i, m := range q.pending {
		if !m.readyAt.After(now) {
			if best == -1 || q.pending.Less(i, best) {
				best = i
			}
		} else if wait := m.readyAt.Sub(now); minWait == 0 || wait < minWait {
			minWait = wait
		}
	}
	if best == -1 {
		return nil, minWait
	}
	m := q.pending[best]
	heap.Remove(&q.pending, best)
	if m.dedupKey != "" {
		q.dedup[m.dedupKey]--
		if q.dedup[m.dedupKey] <= 0 {
			delete(q.dedup, m.dedupKey)
		}
	}
	return m, 0
}

func (f *Inproc) queue(name string) *inprocQueue {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[name]
	if !ok {
		q = &inprocQueue{dedup: make(map[string]int), wake: make(chan struct{}, 1)}
		f.queues[name] = q
	}
	return q
}

func (f *Inproc) Enqueue(ctx context.Context, queue string, payload interface{}, opts EnqueueOptions) error {
	data, err := Encode(payload)
	if err != nil {
		return err
	}
	q := f.queue(queue)
	if opts.DedupKey != "" {
		q.mu.Lock()
		dup := q.dedup[opts.DedupKey] > 0
		q.mu.Unlock()
		if dup {
			return nil
		}
	}
	q.push(&inprocMsg{
		data:     data,
		priority: opts.Priority,
		readyAt:  time.Now().Add(opts.Delay),
		dedupKey: opts.DedupKey,
	})
	return nil
}

func (f *Inproc) HasPending(queue, dedupKey string) bool {
	q := f.queue(queue)
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dedup[dedupKey] > 0
}

func (f *Inproc) Consume(queueName string, concurrency int, h Handler) (func(), error) {
	if concurrency < 1 {
		concurrency = 1
	}
	q := f.queue(queueName)
	ctx, cancel := context.WithCancel(context.Background())

	sem := make(chan struct{}, concurrency)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			msg, wait := q.pop(time.Now())
			if msg == nil {
				timer := time.NewTimer(waitOr(wait, time.Second))
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-q.wake:
					timer.Stop()
				case <-timer.C:
				}
				continue
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			f.wg.Add(1)
			go func(m *inprocMsg) {
				defer f.wg.Done()
				defer func() { <-sem }()
				f.deliver(ctx, queueName, q, m, h)
			}(msg)
		}
	}()

	return func() {
		cancel()
	}, nil
}

func (f *Inproc) deliver(ctx context.Context, queueName string, q *inprocQueue, m *inprocMsg, h Handler) {
	jobCtx, jobCancel := context.WithTimeout(ctx, f.JobTimeout)
	err := h(jobCtx, m.data)
	jobCancel()
	if err == nil {
		return
	}

	m.attempts++
	if m.attempts >= f.RedeliveryLimit {
		log.Printf("queue: %s: dropping message after %d attempts: %v", queueName, m.attempts, err)
		return
	}
	// Exponential redelivery backoff, same curve the NATS fabric configures.
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 15 * time.Second
	delay := b.InitialInterval
	for i := 0; i < m.attempts; i++ {
		delay = time.Duration(float64(delay) * b.Multiplier)
	}
	if delay > b.MaxInterval {
		delay = b.MaxInterval
	}
	m.readyAt = time.Now().Add(delay)
	q.push(m)
}

func waitOr(wait, fallback time.Duration) time.Duration {
	if wait > 0 {
		return wait
	}
	return fallback
}

func (f *Inproc) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := Encode(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	subs := make([]*inprocSub, len(f.subs))
	copy(subs, f.subs)
	f.mu.Unlock()

	for _, sub := range subs {
		if matchPattern(sub.pattern, topic) {
			sub.ch <- data
		}
	}
	return nil
}

type inprocSub struct {
	pattern string
	durable string
	ch      chan []byte
}

func (f *Inproc) Subscribe(pattern string, durable string, h Handler) (func(), error) {
	sub := &inprocSub{pattern: pattern, durable: durable, ch: make(chan []byte, 256)}
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case data := <-sub.ch:
				jobCtx, jobCancel := context.WithTimeout(ctx, f.JobTimeout)
				if err := h(jobCtx, data); err != nil {
					log.Printf("queue: %s (%s): handler error: %v", pattern, durable, err)
				}
				jobCancel()
			}
		}
	}()

	return func() {
		cancel()
		f.mu.Lock()
		for i, s := range f.subs {
			if s == sub {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				break
			}
		}
		f.mu.Unlock()
	}, nil
}

// Close stops accepting work. Consumers should be stopped first; Close does
// not wait for their goroutines.
func (f *Inproc) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Drain waits for all consumer goroutines to finish, bounded by timeout.
// Returns false on timeout.
func (f *Inproc) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
