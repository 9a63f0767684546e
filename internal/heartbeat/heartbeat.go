// Package heartbeat tracks endpoint agent liveness through a Redis cache
// and batches status changes back to the durable store. The cache is the
// hot path; the store only sees deduplicated, batched writes.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kestrelsec/postured/internal/storage"
	"github.com/kestrelsec/postured/internal/types"
)

const (
	// staleAfter is the silence window after which an online agent is
	// marked offline.
	staleAfter = 180 * time.Second

	// DefaultStaleCheckInterval is how often cached agents are scanned.
	DefaultStaleCheckInterval = 30 * time.Second

	// DefaultSyncInterval is the batched-write cadence to the store.
	DefaultSyncInterval = 5 * time.Minute

	// syncBatchSize caps one batch; reaching it triggers an immediate sync.
	syncBatchSize = 50
)

// pendingKey is the set of agent ids with an update awaiting durable write.
const pendingKey = "heartbeat:pending_agents"

func agentKey(id string) string  { return "agent:" + id }
func updateKey(id string) string { return "heartbeat:update:" + id }

// ErrUnknownAgent is returned for a heartbeat from an agent the store has
// never seen.
var ErrUnknownAgent = errors.New("heartbeat: unknown agent")

// Meta is the mutable metadata an agent reports with each heartbeat.
type Meta struct {
	Hostname   string
	Version    string
	IPAddress  string
	ExtAddress string
	MacAddress string
}

// Manager is the process-wide heartbeat component. Construct with New, then
// Seed, Start, and finally Stop; Stop flushes pending updates.
type Manager struct {
	store storage.Storage
	rdb   *redis.Client

	StaleCheckInterval time.Duration
	SyncInterval       time.Duration

	// now is swappable for stale-window tests.
	now func() types.Millis

	// syncMu enforces at most one in-flight batch.
	syncMu sync.Mutex

	kick    chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped bool
	mu      sync.Mutex
}

// New creates a heartbeat manager on an existing Redis client.
func New(store storage.Storage, rdb *redis.Client) *Manager {
	return &Manager{
		store:              store,
		rdb:                rdb,
		StaleCheckInterval: DefaultStaleCheckInterval,
		SyncInterval:       DefaultSyncInterval,
		now:                types.NowMillis,
		kick:               make(chan struct{}, 1),
		stopCh:             make(chan struct{}),
	}
}

// Seed loads every agent from the durable store into the cache.
func (m *Manager) Seed(ctx context.Context) error {
	agents, err := m.store.ListAllAgents(ctx)
	if err != nil {
		return fmt.Errorf("heartbeat: seed: %w", err)
	}
	for _, a := range agents {
		if err := m.cacheAgent(ctx, a); err != nil {
			return err
		}
	}
	log.Printf("[heartbeat] seeded %d agents", len(agents))
	return nil
}

// Start launches the stale checker and the sync worker.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.staleLoop()
	go m.syncLoop()
}

// Stop halts the workers, flushes every pending update to the store, and
// closes the cache client. No durable writes happen after Stop returns.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	for {
		n, err := m.syncOnce(ctx)
		if err != nil {
			log.Printf("[heartbeat] final flush: %v", err)
			break
		}
		if n == 0 {
			break
		}
	}
	return m.rdb.Close()
}

// RecordHeartbeat marks the agent online and stamps its metadata. A status
// transition or any metadata change enqueues a durable update; steady-state
// heartbeats only touch the cache.
func (m *Manager) RecordHeartbeat(ctx context.Context, id string, meta Meta) error {
	a, err := m.cachedAgent(ctx, id)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			return err
		}
		a, err = m.store.GetAgent(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrUnknownAgent
			}
			return fmt.Errorf("heartbeat: load agent: %w", err)
		}
	}

	now := m.now()
	changed := a.Status != types.AgentOnline ||
		a.Hostname != meta.Hostname || a.Version != meta.Version ||
		a.IPAddress != meta.IPAddress || a.ExtAddress != meta.ExtAddress ||
		a.MacAddress != meta.MacAddress

	if a.Status != types.AgentOnline {
		a.StatusChangedAt = now
	}
	a.Status = types.AgentOnline
	a.LastHeartbeat = now
	a.Hostname = meta.Hostname
	a.Version = meta.Version
	a.IPAddress = meta.IPAddress
	a.ExtAddress = meta.ExtAddress
	a.MacAddress = meta.MacAddress
	a.UpdatedAt = now

	if err := m.cacheAgent(ctx, a); err != nil {
		return err
	}
	if changed {
		return m.enqueueUpdate(ctx, a)
	}
	return nil
}

func (m *Manager) staleLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.StaleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.checkStale(context.Background()); err != nil {
				log.Printf("[heartbeat] stale check: %v", err)
			}
		}
	}
}

// checkStale walks the cached agents and marks silent online agents
// offline.
func (m *Manager) checkStale(ctx context.Context) error {
	now := m.now()
	cutoff := now - types.Millis(staleAfter.Milliseconds())

	var cursor uint64
	for {
		keys, next, err := m.rdb.Scan(ctx, cursor, agentKey("*"), 100).Result()
		if err != nil {
			return fmt.Errorf("heartbeat: scan agents: %w", err)
		}
		for _, key := range keys {
			data, err := m.rdb.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			var a types.Agent
			if err := json.Unmarshal(data, &a); err != nil {
				continue
			}
			if a.Status != types.AgentOnline || a.LastHeartbeat >= cutoff {
				continue
			}
			a.Status = types.AgentOffline
			a.StatusChangedAt = now
			a.UpdatedAt = now
			if err := m.cacheAgent(ctx, &a); err != nil {
				return err
			}
			if err := m.enqueueUpdate(ctx, &a); err != nil {
				return err
			}
			log.Printf("[heartbeat] agent %s offline (last heartbeat %ds ago)",
				a.ID, (now-a.LastHeartbeat)/1000)
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (m *Manager) syncLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		case <-m.kick:
		}
		if _, err := m.syncOnce(context.Background()); err != nil {
			log.Printf("[heartbeat] sync: %v", err)
		}
	}
}

// syncOnce pops up to one batch of pending ids and writes them durably.
// Failed batches are re-queued for the next cycle. Returns the number of
// agents written.
func (m *Manager) syncOnce(ctx context.Context) (int, error) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	ids, err := m.rdb.SPopN(ctx, pendingKey, syncBatchSize).Result()
	if err != nil {
		return 0, fmt.Errorf("heartbeat: pop pending: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var batch []*types.Agent
	var batchIDs []string
	for _, id := range ids {
		data, err := m.rdb.Get(ctx, updateKey(id)).Bytes()
		if err != nil {
			// Payload already consumed or expired; nothing to write.
			continue
		}
		var a types.Agent
		if err := json.Unmarshal(data, &a); err != nil {
			log.Printf("[heartbeat] bad update payload for %s: %v", id, err)
			continue
		}
		batch = append(batch, &a)
		batchIDs = append(batchIDs, id)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	if err := m.store.BatchUpdateAgents(ctx, batch); err != nil {
		// Put the batch back; payloads are still in place.
		if _, aerr := m.rdb.SAdd(ctx, pendingKey, toAny(batchIDs)...).Result(); aerr != nil {
			log.Printf("[heartbeat] requeue after failed batch: %v", aerr)
		}
		return 0, fmt.Errorf("heartbeat: batch update: %w", err)
	}
	for _, id := range batchIDs {
		m.rdb.Del(ctx, updateKey(id))
	}
	log.Printf("[heartbeat] synced %d agent updates", len(batch))
	return len(batch), nil
}

func (m *Manager) cachedAgent(ctx context.Context, id string) (*types.Agent, error) {
	data, err := m.rdb.Get(ctx, agentKey(id)).Bytes()
	if err != nil {
		return nil, err
	}
	var a types.Agent
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("heartbeat: decode cached agent %s: %w", id, err)
	}
	return &a, nil
}

func (m *Manager) cacheAgent(ctx context.Context, a *types.Agent) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("heartbeat: encode agent %s: %w", a.ID, err)
	}
	if err := m.rdb.Set(ctx, agentKey(a.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("heartbeat: cache agent %s: %w", a.ID, err)
	}
	return nil
}

// enqueueUpdate stages the agent for the next batched write. Set membership
// dedupes: at most one payload per agent is in flight, later updates simply
// overwrite the staged payload.
func (m *Manager) enqueueUpdate(ctx context.Context, a *types.Agent) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("heartbeat: encode update %s: %w", a.ID, err)
	}
	if err := m.rdb.Set(ctx, updateKey(a.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("heartbeat: stage update %s: %w", a.ID, err)
	}
	if err := m.rdb.SAdd(ctx, pendingKey, a.ID).Err(); err != nil {
		return fmt.Errorf("heartbeat: mark pending %s: %w", a.ID, err)
	}
	n, err := m.rdb.SCard(ctx, pendingKey).Result()
	if err == nil && n >= syncBatchSize {
		select {
		case m.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

func toAny(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
