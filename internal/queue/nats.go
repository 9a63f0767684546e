package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// StreamWork holds all work-queue messages.
	StreamWork = "POSTURE_WORK"
	// StreamEvents holds all pipeline topic events.
	StreamEvents = "POSTURE_EVENTS"

	workPrefix  = "work."
	eventPrefix = "evt."

	hdrReadyAt  = "Postured-Ready-At"
	hdrDedupKey = "Postured-Dedup-Key"
	hdrPriority = "Postured-Priority"
)

var _ Fabric = (*NATS)(nil)

// NATS is the JetStream-backed fabric.
//
// JetStream gives at-least-once delivery and durable consumer groups.
// Delay rides in a header: deliveries before their ready time are NAKed
// back with the remaining delay. Priority is advisory on this fabric
// (JetStream streams are FIFO); the scheduler compensates by enqueueing
// high-priority jobs first. Dedup combines the JetStream Msg-Id window
// with a process-local pending set so HasPending answers without a
// round-trip.
type NATS struct {
	nc *nats.Conn
	js nats.JetStreamContext

	mu      sync.Mutex
	pending map[string]int // queue+"\x00"+dedupKey -> in-flight count

	wg sync.WaitGroup
}

// ConnectNATS connects to a NATS server and ensures the two streams exist.
func ConnectNATS(url string, token string) (*NATS, error) {
	var opts []nats.Option
	if token != "" {
		opts = append(opts, nats.Token(token))
	}
	opts = append(opts,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("queue: connect %s: %w", url, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue: jetstream: %w", err)
	}

	f := &NATS{nc: nc, js: js, pending: make(map[string]int)}
	if err := f.ensureStreams(); err != nil {
		nc.Close()
		return nil, err
	}
	return f, nil
}

func (f *NATS) ensureStreams() error {
	streams := []*nats.StreamConfig{
		{
			Name:      StreamWork,
			Subjects:  []string{workPrefix + ">"},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
			// Enqueue sets Msg-Id from the dedup key; duplicates inside
			// this window are dropped by the server.
			Duplicates: 2 * time.Minute,
		},
		{
			Name:     StreamEvents,
			Subjects: []string{eventPrefix + ">"},
			Storage:  nats.FileStorage,
			MaxMsgs:  100000,
			MaxBytes: 256 << 20,
		},
	}
	for _, cfg := range streams {
		if _, err := f.js.StreamInfo(cfg.Name); err == nil {
			continue
		}
		if _, err := f.js.AddStream(cfg); err != nil {
			return fmt.Errorf("queue: create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

func (f *NATS) pendingKey(queue, dedupKey string) string {
	return queue + "\x00" + dedupKey
}

func (f *NATS) Enqueue(ctx context.Context, queue string, payload interface{}, opts EnqueueOptions) error {
	data, err := Encode(payload)
	if err != nil {
		return err
	}

	if opts.DedupKey != "" {
		f.mu.Lock()
		dup := f.pending[f.pendingKey(queue, opts.DedupKey)] > 0
		f.mu.Unlock()
		if dup {
			return nil
		}
	}

	msg := nats.NewMsg(workPrefix + subjectFor(queue))
	msg.Data = data
	msg.Header.Set(hdrPriority, strconv.Itoa(opts.Priority))
	if opts.Delay > 0 {
		msg.Header.Set(hdrReadyAt, strconv.FormatInt(time.Now().Add(opts.Delay).UnixMilli(), 10))
	}
	var pubOpts []nats.PubOpt
	if opts.DedupKey != "" {
		msg.Header.Set(hdrDedupKey, opts.DedupKey)
		pubOpts = append(pubOpts, nats.MsgId(queue+"/"+opts.DedupKey))
	}

	if _, err := f.js.PublishMsg(msg, pubOpts...); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", queue, err)
	}
	if opts.DedupKey != "" {
		f.mu.Lock()
		f.pending[f.pendingKey(queue, opts.DedupKey)]++
		f.mu.Unlock()
	}
	return nil
}

func (f *NATS) HasPending(queue, dedupKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending[f.pendingKey(queue, dedupKey)] > 0
}

func (f *NATS) clearPending(queue, dedupKey string) {
	if dedupKey == "" {
		return
	}
	f.mu.Lock()
	k := f.pendingKey(queue, dedupKey)
	f.pending[k]--
	if f.pending[k] <= 0 {
		delete(f.pending, k)
	}
	f.mu.Unlock()
}

// durableName derives a JetStream-legal durable name from a queue name.
func durableName(queue string) string {
	out := make([]byte, 0, len(queue))
	for i := 0; i < len(queue); i++ {
		c := queue[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func (f *NATS) Consume(queue string, concurrency int, h Handler) (func(), error) {
	if concurrency < 1 {
		concurrency = 1
	}
	subject := workPrefix + subjectFor(queue)
	durable := durableName(queue)

	sub, err := f.js.PullSubscribe(subject, durable,
		nats.BindStream(StreamWork),
		nats.AckExplicit(),
		nats.MaxDeliver(5),
		nats.AckWait(10*time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("queue: subscribe %s: %w", queue, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sem := make(chan struct{}, concurrency)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for ctx.Err() == nil {
			msgs, err := sub.Fetch(concurrency, nats.MaxWait(2*time.Second))
			if err != nil {
				if !errors.Is(err, nats.ErrTimeout) && ctx.Err() == nil {
					log.Printf("queue: %s: fetch: %v", queue, err)
					time.Sleep(time.Second)
				}
				continue
			}
			for _, msg := range msgs {
				if wait := delayRemaining(msg); wait > 0 {
					msg.NakWithDelay(wait)
					continue
				}
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					msg.Nak()
					return
				}
				f.wg.Add(1)
				go func(m *nats.Msg) {
					defer f.wg.Done()
					defer func() { <-sem }()
					f.handleWork(ctx, queue, m, h)
				}(msg)
			}
		}
	}()

	return func() { cancel() }, nil
}

func delayRemaining(msg *nats.Msg) time.Duration {
	v := msg.Header.Get(hdrReadyAt)
	if v == "" {
		return 0
	}
	readyAt, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	if wait := time.UnixMilli(readyAt).Sub(time.Now()); wait > 0 {
		return wait
	}
	return 0
}

func (f *NATS) handleWork(ctx context.Context, queue string, msg *nats.Msg, h Handler) {
	jobCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	dedupKey := msg.Header.Get(hdrDedupKey)
	if err := h(jobCtx, msg.Data); err != nil {
		log.Printf("queue: %s: handler error: %v", queue, err)
		msg.NakWithDelay(redeliveryDelay(msg))
		return
	}
	msg.Ack()
	f.clearPending(queue, dedupKey)
}

// redeliveryDelay grows exponentially with the delivery count, capped at 15s.
func redeliveryDelay(msg *nats.Msg) time.Duration {
	meta, err := msg.Metadata()
	if err != nil {
		return time.Second
	}
	d := 250 * time.Millisecond << uint(meta.NumDelivered)
	if d > 15*time.Second {
		d = 15 * time.Second
	}
	return d
}

func (f *NATS) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := Encode(payload)
	if err != nil {
		return err
	}
	if _, err := f.js.Publish(eventPrefix+topic, data); err != nil {
		return fmt.Errorf("queue: publish %s: %w", topic, err)
	}
	return nil
}

func (f *NATS) Subscribe(pattern string, durable string, h Handler) (func(), error) {
	sub, err := f.js.PullSubscribe(eventPrefix+pattern, durableName(durable),
		nats.BindStream(StreamEvents),
		nats.AckExplicit(),
		nats.MaxDeliver(5),
		nats.AckWait(5*time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("queue: subscribe %s: %w", pattern, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for ctx.Err() == nil {
			msgs, err := sub.Fetch(16, nats.MaxWait(2*time.Second))
			if err != nil {
				if !errors.Is(err, nats.ErrTimeout) && ctx.Err() == nil {
					log.Printf("queue: %s (%s): fetch: %v", pattern, durable, err)
					time.Sleep(time.Second)
				}
				continue
			}
			for _, msg := range msgs {
				jobCtx, jobCancel := context.WithTimeout(ctx, 5*time.Minute)
				if err := h(jobCtx, msg.Data); err != nil {
					log.Printf("queue: %s (%s): handler error: %v", pattern, durable, err)
					msg.NakWithDelay(redeliveryDelay(msg))
				} else {
					msg.Ack()
				}
				jobCancel()
			}
		}
	}()

	return func() { cancel() }, nil
}

// Close drains consumers and closes the connection.
func (f *NATS) Close() error {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
	}
	f.nc.Close()
	return nil
}
